package importer

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"compsense/server/internal/models"
)

// Row is one input record keyed by normalised column name.
type Row map[string]string

// NewRow pairs headers with values. Extra values are ignored and missing
// values read as empty.
func NewRow(headers, values []string) Row {
	row := make(Row, len(headers))
	for i, h := range headers {
		if i < len(values) {
			row[NormalizeHeader(h)] = strings.TrimSpace(values[i])
		}
	}
	return row
}

// NormalizeHeader lowercases h and collapses every run of other characters
// into one underscore, so "Sale Price ($)" becomes "sale_price".
func NormalizeHeader(h string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(h)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pendingSep = false
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// Get returns the first non-empty value among the named columns.
func (r Row) Get(names ...string) (string, bool) {
	for _, name := range names {
		if v := r[NormalizeHeader(name)]; v != "" {
			return v, true
		}
	}
	return "", false
}

// Strategy extracts a value from a row. ok is false when the strategy does
// not apply, for instance because its columns are absent.
type Strategy[T any] interface {
	Resolve(row Row) (value T, ok bool, err error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc[T any] func(row Row) (T, bool, error)

func (f StrategyFunc[T]) Resolve(row Row) (T, bool, error) {
	return f(row)
}

// Column parses the first non-empty column among names.
func Column[T any](parse func(string) (T, error), names ...string) Strategy[T] {
	return StrategyFunc[T](func(row Row) (T, bool, error) {
		var zero T
		raw, ok := row.Get(names...)
		if !ok {
			return zero, false, nil
		}
		v, err := parse(raw)
		if err != nil {
			return zero, false, fmt.Errorf("column %s: %w", names[0], err)
		}
		return v, true, nil
	})
}

// Scaled reads a numeric column and multiplies it by factor, e.g. square
// metres to square feet.
func Scaled(factor float64, names ...string) Strategy[float64] {
	return StrategyFunc[float64](func(row Row) (float64, bool, error) {
		v, ok, err := Column(ParseNumber, names...).Resolve(row)
		if !ok || err != nil {
			return 0, ok, err
		}
		return v * factor, true, nil
	})
}

// WeightedSum adds weighted numeric columns. It applies when at least one
// column is present; absent columns count as zero.
func WeightedSum(weights map[string]float64) Strategy[float64] {
	return StrategyFunc[float64](func(row Row) (float64, bool, error) {
		var sum float64
		found := false
		for name, w := range weights {
			raw, ok := row.Get(name)
			if !ok {
				continue
			}
			v, err := ParseNumber(raw)
			if err != nil {
				return 0, false, fmt.Errorf("column %s: %w", name, err)
			}
			sum += w * v
			found = true
		}
		return sum, found, nil
	})
}

// Combined joins the non-empty columns with sep. It applies when the first
// column is present.
func Combined(sep string, names ...string) Strategy[string] {
	return StrategyFunc[string](func(row Row) (string, bool, error) {
		if _, ok := row.Get(names[0]); !ok {
			return "", false, nil
		}
		parts := make([]string, 0, len(names))
		for _, name := range names {
			if v, ok := row.Get(name); ok {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, sep), true, nil
	})
}

// Field resolves one attribute by trying its strategies in order until one
// applies.
type Field[T any] struct {
	Name       string
	Required   bool
	Strategies []Strategy[T]
}

var ErrMissingField = errors.New("missing field")

func (f Field[T]) Resolve(row Row) (T, error) {
	var zero T
	var errs []error
	for _, s := range f.Strategies {
		v, ok, err := s.Resolve(row)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return v, nil
		}
	}
	if len(errs) > 0 {
		return zero, fmt.Errorf("%s: %w", f.Name, errors.Join(errs...))
	}
	if f.Required {
		return zero, fmt.Errorf("%w: %s", ErrMissingField, f.Name)
	}
	return zero, nil
}

// ParseNumber accepts plain numbers with optional thousands separators.
func ParseNumber(s string) (float64, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

// ParseMoney reads amounts like "$712,000" or "712000.00" as whole currency.
func ParseMoney(s string) (int64, error) {
	clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(s))
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return d.Round(0).IntPart(), nil
}

// ParseBool understands the usual spreadsheet spellings.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "y", "yes", "true", "t", "x":
		return true, nil
	case "0", "n", "no", "false", "f", "none", "-":
		return false, nil
	}
	words := strings.Fields(strings.ToLower(s))
	if len(words) == 0 {
		return false, nil
	}
	// "no garage", "none - street parking"
	switch strings.Trim(words[0], ",.;:-") {
	case "no", "none", "without", "n/a":
		return false, nil
	}
	// "2 car", "0 spaces"
	if n, err := ParseNumber(words[0]); err == nil {
		return n > 0, nil
	}
	// "attached", "in-ground" and the like
	return true, nil
}

// dateLayouts are tried in order; the first that parses wins.
var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"20060102",
}

// ParseDate returns the calendar day of s in UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

var propertyTypeAliases = map[string]models.PropertyType{
	"single_family":          models.PropertyTypeSingleFamily,
	"single_family_home":     models.PropertyTypeSingleFamily,
	"single_family_detached": models.PropertyTypeSingleFamily,
	"sfr":                    models.PropertyTypeSingleFamily,
	"sfh":                    models.PropertyTypeSingleFamily,
	"detached":               models.PropertyTypeSingleFamily,
	"house":                  models.PropertyTypeSingleFamily,
	"townhouse":              models.PropertyTypeTownhouse,
	"townhome":               models.PropertyTypeTownhouse,
	"town_house":             models.PropertyTypeTownhouse,
	"rowhouse":               models.PropertyTypeTownhouse,
	"attached":               models.PropertyTypeTownhouse,
	"condo":                  models.PropertyTypeCondo,
	"condominium":            models.PropertyTypeCondo,
	"apartment":              models.PropertyTypeCondo,
	"multi_family":           models.PropertyTypeMultiFamily,
	"multifamily":            models.PropertyTypeMultiFamily,
	"duplex":                 models.PropertyTypeMultiFamily,
	"triplex":                models.PropertyTypeMultiFamily,
	"fourplex":               models.PropertyTypeMultiFamily,
}

func ParsePropertyType(s string) (models.PropertyType, error) {
	if pt, ok := propertyTypeAliases[NormalizeHeader(s)]; ok {
		return pt, nil
	}
	return "", fmt.Errorf("unknown property type %q", s)
}

func parseText(s string) (string, error) {
	return strings.TrimSpace(s), nil
}

// parseSegment keeps the five-digit ZIP of a ZIP+4.
func parseSegment(s string) (string, error) {
	s = strings.TrimSpace(s)
	if zip, _, ok := strings.Cut(s, "-"); ok && len(zip) == 5 {
		return zip, nil
	}
	return s, nil
}

const (
	sqftPerSquareMetre = 10.7639
	sqftPerAcre        = 43560
)

// SaleResolver maps loosely formatted rows onto sale records.
type SaleResolver struct {
	Address      Field[string]
	SaleDate     Field[time.Time]
	SalePrice    Field[int64]
	LivingArea   Field[float64]
	Bedrooms     Field[float64]
	Bathrooms    Field[float64]
	YearBuilt    Field[float64]
	LotAcres     Field[float64]
	HasPool      Field[bool]
	HasGarage    Field[bool]
	PropertyType Field[models.PropertyType]
	SegmentKey   Field[string]
	Latitude     Field[float64]
	Longitude    Field[float64]
}

// DefaultResolver recognises the column names found in common MLS and
// county recorder exports.
func DefaultResolver() *SaleResolver {
	return &SaleResolver{
		Address: Field[string]{Name: "address", Required: true, Strategies: []Strategy[string]{
			Column(parseText, "address", "full_address", "property_address"),
			Combined(", ", "street", "city", "state"),
		}},
		SaleDate: Field[time.Time]{Name: "sale_date", Required: true, Strategies: []Strategy[time.Time]{
			Column(ParseDate, "sale_date", "sold_date", "close_date", "closing_date", "date"),
		}},
		SalePrice: Field[int64]{Name: "sale_price", Required: true, Strategies: []Strategy[int64]{
			Column(ParseMoney, "sale_price", "sold_price", "close_price", "price"),
		}},
		LivingArea: Field[float64]{Name: "sqft", Required: true, Strategies: []Strategy[float64]{
			Column(ParseNumber, "sqft", "living_area", "square_feet", "finished_sqft", "gla"),
			Scaled(sqftPerSquareMetre, "living_area_m2", "sqm", "square_metres"),
		}},
		Bedrooms: Field[float64]{Name: "bedrooms", Strategies: []Strategy[float64]{
			Column(ParseNumber, "bedrooms", "beds", "br"),
		}},
		Bathrooms: Field[float64]{Name: "bathrooms", Strategies: []Strategy[float64]{
			Column(ParseNumber, "bathrooms", "baths", "ba"),
			WeightedSum(map[string]float64{"full_baths": 1, "half_baths": 0.5}),
		}},
		YearBuilt: Field[float64]{Name: "year_built", Strategies: []Strategy[float64]{
			Column(ParseNumber, "year_built", "built", "yr_built"),
		}},
		LotAcres: Field[float64]{Name: "lot_acres", Strategies: []Strategy[float64]{
			Column(ParseNumber, "lot_acres", "acres", "lot_size_acres"),
			Scaled(1.0/sqftPerAcre, "lot_sqft", "lot_size_sqft", "lot_size"),
		}},
		HasPool: Field[bool]{Name: "has_pool", Strategies: []Strategy[bool]{
			Column(ParseBool, "has_pool", "pool"),
		}},
		HasGarage: Field[bool]{Name: "has_garage", Strategies: []Strategy[bool]{
			Column(ParseBool, "has_garage", "garage", "garage_spaces"),
		}},
		PropertyType: Field[models.PropertyType]{Name: "property_type", Required: true, Strategies: []Strategy[models.PropertyType]{
			Column(ParsePropertyType, "property_type", "type", "style"),
		}},
		SegmentKey: Field[string]{Name: "zip", Required: true, Strategies: []Strategy[string]{
			Column(parseSegment, "zip", "zip_code", "postal_code", "segment"),
		}},
		Latitude: Field[float64]{Name: "latitude", Strategies: []Strategy[float64]{
			Column(ParseNumber, "latitude", "lat"),
		}},
		Longitude: Field[float64]{Name: "longitude", Strategies: []Strategy[float64]{
			Column(ParseNumber, "longitude", "lon", "lng", "long"),
		}},
	}
}

// Resolve builds a sale record from row, reporting every field problem at
// once.
func (r *SaleResolver) Resolve(row Row) (*models.SaleRecord, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	rec := &models.SaleRecord{}
	var err error
	var area, beds, year float64

	rec.Address, err = r.Address.Resolve(row)
	collect(err)
	rec.SaleDate, err = r.SaleDate.Resolve(row)
	collect(err)
	rec.SalePrice, err = r.SalePrice.Resolve(row)
	collect(err)
	area, err = r.LivingArea.Resolve(row)
	collect(err)
	beds, err = r.Bedrooms.Resolve(row)
	collect(err)
	rec.Bathrooms, err = r.Bathrooms.Resolve(row)
	collect(err)
	year, err = r.YearBuilt.Resolve(row)
	collect(err)
	rec.LotAcres, err = r.LotAcres.Resolve(row)
	collect(err)
	rec.HasPool, err = r.HasPool.Resolve(row)
	collect(err)
	rec.HasGarage, err = r.HasGarage.Resolve(row)
	collect(err)
	rec.PropertyType, err = r.PropertyType.Resolve(row)
	collect(err)
	rec.SegmentKey, err = r.SegmentKey.Resolve(row)
	collect(err)

	rec.LivingArea = int(math.Round(area))
	rec.Bedrooms = int(math.Round(beds))
	rec.YearBuilt = int(math.Round(year))
	rec.Bathrooms = math.Round(rec.Bathrooms*2) / 2
	rec.LotAcres = math.Round(rec.LotAcres*10000) / 10000

	lat, latErr := r.Latitude.Resolve(row)
	lon, lonErr := r.Longitude.Resolve(row)
	collect(latErr)
	collect(lonErr)
	// a record with only one coordinate is kept unmapped
	if latErr == nil && lonErr == nil && lat != 0 && lon != 0 {
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			errs = append(errs, fmt.Errorf("coordinates out of range (%v, %v)", lat, lon))
		} else {
			rec.Latitude, rec.Longitude = &lat, &lon
		}
	}

	if len(errs) == 0 {
		if rec.SalePrice <= 0 {
			errs = append(errs, fmt.Errorf("sale_price must be positive, got %d", rec.SalePrice))
		}
		if rec.LivingArea <= 0 {
			errs = append(errs, fmt.Errorf("sqft must be positive, got %d", rec.LivingArea))
		}
		if rec.Bedrooms < 0 || rec.Bathrooms < 0 || rec.LotAcres < 0 {
			errs = append(errs, errors.New("negative room count or lot size"))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rec, nil
}
