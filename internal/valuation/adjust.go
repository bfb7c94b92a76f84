package valuation

import (
	"math"
	"time"

	"compsense/server/internal/models"
)

// Adjust brings one comparable to the subject's characteristics at asOf.
// Every adjustment is rounded to whole currency before summing, so
// AdjustedPrice is exactly SalePrice plus the sum of Adjustments.
func Adjust(subject models.SubjectProperty, factors models.MarketFactors, comp models.Comparable, asOf time.Time) models.Comparable {
	r := comp.Record
	price := float64(r.SalePrice)

	raw := map[models.AdjustmentKind]float64{
		models.AdjustmentSqft:      float64(subject.LivingArea-r.LivingArea) * factors.PricePerArea,
		models.AdjustmentBedrooms:  float64(subject.Bedrooms-r.Bedrooms) * factors.BedroomValue,
		models.AdjustmentBathrooms: (subject.Bathrooms - r.Bathrooms) * factors.BathroomValue,
		models.AdjustmentLot:       (subject.LotAcres - r.LotAcres) * factors.LotValuePerAcre,
		models.AdjustmentAge:       ageAdjustment(subject.YearBuilt, r.YearBuilt, factors.AgeDepreciationRate, price),
		models.AdjustmentPool:      amenityDelta(subject.HasPool, r.HasPool, factors.PoolPremium),
		models.AdjustmentGarage:    amenityDelta(subject.HasGarage, r.HasGarage, factors.GaragePremium),
		models.AdjustmentTime:      timeAdjustment(price, r.SaleDate, asOf, factors.MonthlyAppreciation),
	}

	adjustments := make(map[models.AdjustmentKind]int64, len(raw))
	var total int64
	for _, kind := range models.AdjustmentKinds() {
		delta := roundCurrency(raw[kind])
		adjustments[kind] = delta
		total += delta
	}

	comp.Adjustments = adjustments
	comp.AdjustedPrice = r.SalePrice + total
	return comp
}

// AdjustAll applies Adjust to every comparable independently.
func AdjustAll(subject models.SubjectProperty, factors models.MarketFactors, comps []models.Comparable, asOf time.Time) []models.Comparable {
	adjusted := make([]models.Comparable, len(comps))
	for i, c := range comps {
		adjusted[i] = Adjust(subject, factors, c, asOf)
	}
	return adjusted
}

// ageAdjustment prices comp age minus subject age, both measured at asOf.
// An unknown year built (zero) on either side contributes nothing.
func ageAdjustment(subjectYear, compYear int, rate, price float64) float64 {
	if subjectYear <= 0 || compYear <= 0 {
		return 0
	}
	return float64(subjectYear-compYear) * rate * price
}

func amenityDelta(subjectHas, compHas bool, premium float64) float64 {
	switch {
	case subjectHas && !compHas:
		return premium
	case !subjectHas && compHas:
		return -premium
	default:
		return 0
	}
}

// timeAdjustment compounds price forward at the monthly rate and returns
// only the appreciation component.
func timeAdjustment(price float64, saleDate, asOf time.Time, monthlyRate float64) float64 {
	months := monthsBetween(saleDate, asOf)
	if months <= 0 || monthlyRate == 0 {
		return 0
	}
	return price * (math.Pow(1+monthlyRate, months) - 1)
}
