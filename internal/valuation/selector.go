package valuation

import (
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb/geo"
	"github.com/sirupsen/logrus"

	"compsense/server/config"
	"compsense/server/internal/models"
)

const MetersPerMile = 1609.344

// SelectionCriteria bounds which candidates may become comparables.
type SelectionCriteria struct {
	RadiusMiles float64
	MaxAgeDays  int
	TopK        int
	AsOf        time.Time
}

// Selector filters, scores and ranks candidate sales.
type Selector struct {
	weights  config.SimilarityWeights
	minComps int
	logger   *logrus.Logger
}

func NewSelector(weights config.SimilarityWeights, minComps int, logger *logrus.Logger) *Selector {
	return &Selector{
		weights:  weights,
		minComps: minComps,
		logger:   logger,
	}
}

// DistanceMiles is the great-circle distance between two points.
func DistanceMiles(subject models.SubjectProperty, record models.SaleRecord) float64 {
	return geo.DistanceHaversine(subject.Point(), record.Point()) / MetersPerMile
}

// Select returns at most criteria.TopK comparables ordered by similarity,
// then distance, then recency. It fails with KindInsufficientComparables
// when fewer than the minimum remain after filtering.
func (s *Selector) Select(subject models.SubjectProperty, pool []models.SaleRecord, criteria SelectionCriteria) ([]models.Comparable, error) {
	oldest := criteria.AsOf.AddDate(0, 0, -criteria.MaxAgeDays)

	candidates := make([]models.Comparable, 0, len(pool))
	var noCoords, tooFar, tooOld int
	for _, record := range pool {
		if !record.HasCoordinates() {
			noCoords++
			continue
		}
		if record.SaleDate.Before(oldest) || record.SaleDate.After(criteria.AsOf) {
			tooOld++
			continue
		}
		d := DistanceMiles(subject, record)
		if d > criteria.RadiusMiles {
			tooFar++
			continue
		}
		candidates = append(candidates, models.Comparable{Record: record, Distance: roundTo(d, 3)})
	}

	s.logger.WithFields(logrus.Fields{
		"pool":           len(pool),
		"qualifying":     len(candidates),
		"no_coordinates": noCoords,
		"too_far":        tooFar,
		"out_of_window":  tooOld,
		"radius_miles":   criteria.RadiusMiles,
		"max_age_days":   criteria.MaxAgeDays,
	}).Debug("Filtered comparable candidates")

	if len(candidates) < s.minComps {
		return nil, &Error{
			Kind:       KindInsufficientComparables,
			Op:         "select comparables",
			Message:    "too few qualifying comparables",
			SegmentKey: subject.SegmentKey,
			Found:      len(candidates),
			Required:   s.minComps,
		}
	}

	s.score(subject, candidates)

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if !a.Record.SaleDate.Equal(b.Record.SaleDate) {
			return a.Record.SaleDate.After(b.Record.SaleDate)
		}
		if a.Record.Address != b.Record.Address {
			return a.Record.Address < b.Record.Address
		}
		return a.Record.ID < b.Record.ID
	})

	if criteria.TopK > 0 && len(candidates) > criteria.TopK {
		candidates = candidates[:criteria.TopK]
	}
	return candidates, nil
}

// score sets SimilarityScore on every candidate. Each dimension's absolute
// difference is scaled by the largest difference in the pool, so every
// dimension lands in [0, 1] before weighting.
func (s *Selector) score(subject models.SubjectProperty, candidates []models.Comparable) {
	type dims struct {
		area, beds, baths, age, lot, ptype, dist float64
		ageUnknown                               bool
	}

	diffs := make([]dims, len(candidates))
	var maxes dims
	for i, c := range candidates {
		r := c.Record
		d := dims{
			area:  math.Abs(float64(subject.LivingArea - r.LivingArea)),
			beds:  math.Abs(float64(subject.Bedrooms - r.Bedrooms)),
			baths: math.Abs(subject.Bathrooms - r.Bathrooms),
			age:   math.Abs(float64(subject.YearBuilt - r.YearBuilt)),
			lot:   math.Abs(subject.LotAcres - r.LotAcres),
			dist:  c.Distance,
			// unknown year built scores as the worst age match
			ageUnknown: subject.YearBuilt <= 0 || r.YearBuilt <= 0,
		}
		if d.ageUnknown {
			d.age = 0
		}
		if r.PropertyType != subject.PropertyType {
			d.ptype = 1
		}
		diffs[i] = d
		maxes.area = math.Max(maxes.area, d.area)
		maxes.beds = math.Max(maxes.beds, d.beds)
		maxes.baths = math.Max(maxes.baths, d.baths)
		maxes.age = math.Max(maxes.age, d.age)
		maxes.lot = math.Max(maxes.lot, d.lot)
		maxes.dist = math.Max(maxes.dist, d.dist)
	}

	w := s.weights
	for i := range candidates {
		d := diffs[i]
		ageDiff := normalize(d.age, maxes.age)
		if d.ageUnknown {
			ageDiff = 1
		}
		penalty := w.Area*normalize(d.area, maxes.area) +
			w.Bedrooms*normalize(d.beds, maxes.beds) +
			w.Bathrooms*normalize(d.baths, maxes.baths) +
			w.Age*ageDiff +
			w.Lot*normalize(d.lot, maxes.lot) +
			w.PropertyType*d.ptype +
			w.Distance*normalize(d.dist, maxes.dist)
		candidates[i].SimilarityScore = roundTo(clamp(100*(1-penalty), 0, 100), 2)
	}
}

func normalize(v, largest float64) float64 {
	if largest == 0 {
		return 0
	}
	return v / largest
}
