package models

import (
	"time"

	"github.com/paulmach/orb"
)

type PropertyType string

const (
	PropertyTypeSingleFamily PropertyType = "single_family"
	PropertyTypeTownhouse    PropertyType = "townhouse"
	PropertyTypeCondo        PropertyType = "condo"
	PropertyTypeMultiFamily  PropertyType = "multi_family"
)

// PropertyTypes lists every recognised property type tag.
func PropertyTypes() []PropertyType {
	return []PropertyType{
		PropertyTypeSingleFamily,
		PropertyTypeTownhouse,
		PropertyTypeCondo,
		PropertyTypeMultiFamily,
	}
}

func (t PropertyType) Valid() bool {
	for _, known := range PropertyTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// SaleRecord is a historical transaction. Records are never mutated once
// imported.
type SaleRecord struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	Address      string       `gorm:"not null;uniqueIndex:idx_sales_address_date" json:"address"`
	SaleDate     time.Time    `gorm:"not null;index;uniqueIndex:idx_sales_address_date" json:"sale_date"`
	SalePrice    int64        `gorm:"not null" json:"sale_price"`
	LivingArea   int          `gorm:"not null" json:"sqft"`
	Bedrooms     int          `json:"bedrooms"`
	Bathrooms    float64      `json:"bathrooms"`
	YearBuilt    int          `json:"year_built"`
	LotAcres     float64      `json:"lot_acres"`
	HasPool      bool         `json:"has_pool"`
	HasGarage    bool         `json:"has_garage"`
	PropertyType PropertyType `gorm:"size:32" json:"property_type"`
	SegmentKey   string       `gorm:"size:16;index" json:"segment_key"`
	Latitude     *float64     `json:"latitude"`
	Longitude    *float64     `json:"longitude"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (SaleRecord) TableName() string {
	return "sales"
}

func (s SaleRecord) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// Point returns the record location in orb's lon/lat order. Callers must
// check HasCoordinates first.
func (s SaleRecord) Point() orb.Point {
	return orb.Point{*s.Longitude, *s.Latitude}
}

// SubjectProperty is the property being valued.
type SubjectProperty struct {
	Address      string       `json:"address"`
	Latitude     float64      `json:"latitude" validate:"required,latitude"`
	Longitude    float64      `json:"longitude" validate:"required,longitude"`
	LivingArea   int          `json:"sqft" validate:"gt=0"`
	Bedrooms     int          `json:"bedrooms" validate:"gte=0,lte=30"`
	Bathrooms    float64      `json:"bathrooms" validate:"gte=0,lte=30,half_step"`
	YearBuilt    int          `json:"year_built" validate:"gte=1700"`
	LotAcres     float64      `json:"lot_acres" validate:"gte=0"`
	HasPool      bool         `json:"has_pool"`
	HasGarage    bool         `json:"has_garage"`
	PropertyType PropertyType `json:"property_type" validate:"required,property_type"`
	SegmentKey   string       `json:"zip" validate:"required,max=16"`
}

func (s SubjectProperty) Point() orb.Point {
	return orb.Point{s.Longitude, s.Latitude}
}

// SaleQuery is the read query against a sale record source. An empty
// SegmentKey means county-wide; a zero RadiusMiles disables the
// geographic filter; a zero Since disables the date filter.
type SaleQuery struct {
	SegmentKey  string
	Latitude    float64
	Longitude   float64
	RadiusMiles float64
	Since       time.Time
}

// SegmentStats summarises the recorded sales of one segment.
type SegmentStats struct {
	SegmentKey          string    `json:"segment"`
	SaleCount           int       `json:"sale_count"`
	AveragePrice        int64     `json:"average_price"`
	AveragePricePerSqft float64   `json:"average_price_per_sqft"`
	LatestSale          time.Time `json:"latest_sale"`
}
