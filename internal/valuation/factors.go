package valuation

import (
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"compsense/server/config"
	"compsense/server/internal/models"
)

const (
	maxAgeDepreciationRate = 0.02
	maxMonthlyAppreciation = 0.03
	daysPerMonth           = 30.4375

	// Fitted marginal values are kept within [0, maxFactorMultiple] times
	// the county default.
	maxFactorMultiple = 5.0
	// Groups compared by unitStepValue and amenityPremium need this many sales.
	minFactorGroupSize = 2
	// Lot sizes must vary at least this much (standard deviation, acres)
	// before a per-acre value is fitted.
	minLotSpreadAcres = 0.05
)

// FactorEstimator derives MarketFactors from a segment of recent sales.
type FactorEstimator struct {
	defaults  config.CountyDefaults
	minSample int
	logger    *logrus.Logger
}

func NewFactorEstimator(defaults config.CountyDefaults, minSample int, logger *logrus.Logger) *FactorEstimator {
	return &FactorEstimator{
		defaults:  defaults,
		minSample: minSample,
		logger:    logger,
	}
}

// Estimate computes factors as of asOf. It fails with
// KindInsufficientSegmentData when no usable sale is present.
func (e *FactorEstimator) Estimate(sales []models.SaleRecord, asOf time.Time) (models.MarketFactors, error) {
	usable := make([]models.SaleRecord, 0, len(sales))
	for _, s := range sales {
		if s.SalePrice > 0 && s.LivingArea > 0 {
			usable = append(usable, s)
		}
	}
	if len(usable) == 0 {
		return models.MarketFactors{}, &Error{
			Kind:     KindInsufficientSegmentData,
			Op:       "estimate market factors",
			Message:  "no usable sales in segment",
			Found:    0,
			Required: 1,
		}
	}

	ppa := make([]float64, len(usable))
	for i, s := range usable {
		ppa[i] = float64(s.SalePrice) / float64(s.LivingArea)
	}
	pricePerArea := median(ppa)

	// Residual price once living area is priced in, so marginal effects of
	// other attributes are not confounded by size.
	residuals := make([]float64, len(usable))
	for i, s := range usable {
		residuals[i] = float64(s.SalePrice) - pricePerArea*float64(s.LivingArea)
	}

	sparse := len(usable) < e.minSample
	factors := models.MarketFactors{
		PricePerArea:        roundTo(pricePerArea, 2),
		BedroomValue:        e.defaults.BedroomValue,
		BathroomValue:       e.defaults.BathroomValue,
		LotValuePerAcre:     e.defaults.LotValuePerAcre,
		AgeDepreciationRate: clamp(e.defaults.AgeDepreciationRate, 0, maxAgeDepreciationRate),
		PoolPremium:         e.defaults.PoolPremium,
		GaragePremium:       e.defaults.GaragePremium,
		MonthlyAppreciation: e.defaults.MonthlyAppreciation,
		SampleSize:          len(usable),
	}

	if !sparse {
		if v, ok := unitStepValue(usable, residuals, func(s models.SaleRecord) float64 { return float64(s.Bedrooms) }); ok {
			factors.BedroomValue = roundTo(bounded(v, e.defaults.BedroomValue), 0)
		}
		if v, ok := unitStepValue(usable, residuals, func(s models.SaleRecord) float64 { return s.Bathrooms }); ok {
			factors.BathroomValue = roundTo(bounded(v, e.defaults.BathroomValue), 0)
		}
		if v, ok := lotValue(usable, residuals); ok {
			factors.LotValuePerAcre = roundTo(bounded(v, e.defaults.LotValuePerAcre), 0)
		}
		if v, ok := ageDepreciation(usable, ppa, pricePerArea); ok {
			factors.AgeDepreciationRate = roundTo(clamp(v, 0, maxAgeDepreciationRate), 5)
		}
		if v, ok := amenityPremium(usable, residuals, func(s models.SaleRecord) bool { return s.HasPool }); ok {
			factors.PoolPremium = roundTo(bounded(v, e.defaults.PoolPremium), 0)
		}
		if v, ok := amenityPremium(usable, residuals, func(s models.SaleRecord) bool { return s.HasGarage }); ok {
			factors.GaragePremium = roundTo(bounded(v, e.defaults.GaragePremium), 0)
		}
	}
	if v, ok := monthlyAppreciation(usable, ppa, asOf); ok {
		factors.MonthlyAppreciation = roundTo(clamp(v, -maxMonthlyAppreciation, maxMonthlyAppreciation), 5)
	}

	e.logger.WithFields(logrus.Fields{
		"sample_size":    factors.SampleSize,
		"sparse":         sparse,
		"price_per_sqft": factors.PricePerArea,
	}).Debug("Estimated market factors")

	return factors, nil
}

// bounded clamps a fitted marginal value to [0, maxFactorMultiple*def].
func bounded(v, def float64) float64 {
	return clamp(v, 0, maxFactorMultiple*math.Max(0, def))
}

// unitStepValue averages the residual price difference between groups of
// sales whose attribute differs by exactly one unit.
func unitStepValue(sales []models.SaleRecord, residuals []float64, attr func(models.SaleRecord) float64) (float64, bool) {
	// Half units are keyed as integers so 2.5 and 3.5 baths pair up.
	groups := make(map[int][]float64)
	for i, s := range sales {
		key := int(math.Round(attr(s) * 2))
		groups[key] = append(groups[key], residuals[i])
	}

	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var diffs []float64
	for _, k := range keys {
		upper, ok := groups[k+2]
		if !ok || len(upper) < minFactorGroupSize || len(groups[k]) < minFactorGroupSize {
			continue
		}
		diffs = append(diffs, mean(upper)-mean(groups[k]))
	}
	if len(diffs) == 0 {
		return 0, false
	}
	return mean(diffs), true
}

func lotValue(sales []models.SaleRecord, residuals []float64) (float64, bool) {
	lots := make([]float64, len(sales))
	for i, s := range sales {
		lots[i] = s.LotAcres
	}
	if stddev(lots) < minLotSpreadAcres {
		return 0, false
	}
	return slope(lots, residuals)
}

// ageDepreciation is the fractional drop in price-per-area per year of age,
// relative to the segment median.
func ageDepreciation(sales []models.SaleRecord, ppa []float64, medianPPA float64) (float64, bool) {
	if medianPPA <= 0 {
		return 0, false
	}
	var ages, relative []float64
	for i, s := range sales {
		if s.YearBuilt <= 0 {
			continue
		}
		age := math.Max(0, float64(s.SaleDate.Year()-s.YearBuilt))
		ages = append(ages, age)
		relative = append(relative, ppa[i]/medianPPA)
	}
	b, ok := slope(ages, relative)
	if !ok {
		return 0, false
	}
	return -b, true
}

func amenityPremium(sales []models.SaleRecord, residuals []float64, has func(models.SaleRecord) bool) (float64, bool) {
	var with, without []float64
	for i, s := range sales {
		if has(s) {
			with = append(with, residuals[i])
		} else {
			without = append(without, residuals[i])
		}
	}
	if len(with) < minFactorGroupSize || len(without) < minFactorGroupSize {
		return 0, false
	}
	return mean(with) - mean(without), true
}

// monthlyAppreciation is the least-squares trend of price-per-area over
// sale month, expressed as a fraction of the mean price-per-area.
func monthlyAppreciation(sales []models.SaleRecord, ppa []float64, asOf time.Time) (float64, bool) {
	months := make([]float64, len(sales))
	for i, s := range sales {
		months[i] = -monthsBetween(s.SaleDate, asOf)
	}
	b, ok := slope(months, ppa)
	if !ok {
		return 0, false
	}
	avg := mean(ppa)
	if avg <= 0 {
		return 0, false
	}
	return b / avg, true
}

func monthsBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24 / daysPerMonth
}
