package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MarketFactors are per-segment pricing coefficients derived from recent
// sales. SampleSize is always at least 1.
type MarketFactors struct {
	PricePerArea        float64 `json:"price_per_sqft"`
	BedroomValue        float64 `json:"bedroom_value"`
	BathroomValue       float64 `json:"bathroom_value"`
	LotValuePerAcre     float64 `json:"lot_value_per_acre"`
	AgeDepreciationRate float64 `json:"age_depreciation_rate"`
	PoolPremium         float64 `json:"pool_premium"`
	GaragePremium       float64 `json:"garage_premium"`
	MonthlyAppreciation float64 `json:"monthly_appreciation"`
	SampleSize          int     `json:"sample_size"`
}

type AdjustmentKind string

const (
	AdjustmentSqft      AdjustmentKind = "sqft"
	AdjustmentBedrooms  AdjustmentKind = "bedrooms"
	AdjustmentBathrooms AdjustmentKind = "bathrooms"
	AdjustmentLot       AdjustmentKind = "lot"
	AdjustmentAge       AdjustmentKind = "age"
	AdjustmentPool      AdjustmentKind = "pool"
	AdjustmentGarage    AdjustmentKind = "garage"
	AdjustmentTime      AdjustmentKind = "time"
)

// AdjustmentKinds returns every adjustment category in application order.
func AdjustmentKinds() []AdjustmentKind {
	return []AdjustmentKind{
		AdjustmentSqft,
		AdjustmentBedrooms,
		AdjustmentBathrooms,
		AdjustmentLot,
		AdjustmentAge,
		AdjustmentPool,
		AdjustmentGarage,
		AdjustmentTime,
	}
}

// Comparable is a sale record selected as evidence for the subject's value.
type Comparable struct {
	Record          SaleRecord
	Distance        float64
	SimilarityScore float64
	Adjustments     map[AdjustmentKind]int64
	AdjustedPrice   int64
}

// TotalAdjustment sums every adjustment category.
func (c Comparable) TotalAdjustment() int64 {
	var total int64
	for _, delta := range c.Adjustments {
		total += delta
	}
	return total
}

type comparableJSON struct {
	Address         string                   `json:"address"`
	SalePrice       int64                    `json:"sale_price"`
	SaleDate        string                   `json:"sale_date"`
	AdjustedPrice   int64                    `json:"adjusted_price"`
	SimilarityScore float64                  `json:"similarity_score"`
	DistanceMiles   float64                  `json:"distance_miles"`
	Sqft            int                      `json:"sqft"`
	Bedrooms        int                      `json:"bedrooms"`
	Bathrooms       float64                  `json:"bathrooms"`
	Adjustments     map[AdjustmentKind]int64 `json:"adjustments"`
}

func (c Comparable) MarshalJSON() ([]byte, error) {
	return json.Marshal(comparableJSON{
		Address:         c.Record.Address,
		SalePrice:       c.Record.SalePrice,
		SaleDate:        c.Record.SaleDate.Format(time.DateOnly),
		AdjustedPrice:   c.AdjustedPrice,
		SimilarityScore: c.SimilarityScore,
		DistanceMiles:   c.Distance,
		Sqft:            c.Record.LivingArea,
		Bedrooms:        c.Record.Bedrooms,
		Bathrooms:       c.Record.Bathrooms,
		Adjustments:     c.Adjustments,
	})
}

// ConfidenceRange serialises as a [low, high] pair.
type ConfidenceRange struct {
	Low  int64
	High int64
}

func (r ConfidenceRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{r.Low, r.High})
}

func (r *ConfidenceRange) UnmarshalJSON(data []byte) error {
	var pair []int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("confidence range must have 2 elements, got %d", len(pair))
	}
	r.Low, r.High = pair[0], pair[1]
	return nil
}

// ValuationResult is the engine output. ConfidenceRange.Low <= EstimatedValue
// <= ConfidenceRange.High always holds.
type ValuationResult struct {
	EstimatedValue   int64           `json:"estimated_value"`
	ConfidenceRange  ConfidenceRange `json:"confidence_range"`
	ConfidenceScore  int             `json:"confidence_score"`
	ConfidenceRating string          `json:"confidence_rating"`
	ValuationDate    string          `json:"valuation_date"`
	CompsUsed        []Comparable    `json:"comps_used"`
	MarketFactors    MarketFactors   `json:"market_factors"`
}
