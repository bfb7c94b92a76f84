package valuation

import (
	"math"

	"compsense/server/config"
	"compsense/server/internal/models"
)

// Rating buckets for the confidence score.
const (
	RatingVerySafe  = "Very Safe"
	RatingSafe      = "Safe"
	RatingModerate  = "Moderate"
	RatingRisky     = "Risky"
	RatingVeryRisky = "Very Risky"
)

func RatingFor(score int) string {
	switch {
	case score >= 90:
		return RatingVerySafe
	case score >= 75:
		return RatingSafe
	case score >= 50:
		return RatingModerate
	case score >= 25:
		return RatingRisky
	default:
		return RatingVeryRisky
	}
}

// Confidence is the aggregated estimate for a set of adjusted comparables.
type Confidence struct {
	Estimate int64
	Range    models.ConfidenceRange
	Score    int
	Rating   string
}

// evidence is what the confidence score is penalised on.
type evidence struct {
	Count       int
	AvgDistance float64
	Dispersion  float64 // coefficient of variation of adjusted prices
	SampleSize  int
}

type ConfidenceScorer struct {
	cfg        config.ConfidenceConfig
	idealComps int
}

func NewConfidenceScorer(cfg config.ConfidenceConfig, idealComps int) *ConfidenceScorer {
	return &ConfidenceScorer{cfg: cfg, idealComps: idealComps}
}

// Score aggregates adjusted comparables. comps must not be empty.
func (s *ConfidenceScorer) Score(comps []models.Comparable, sampleSize int) Confidence {
	prices := make([]float64, len(comps))
	var weighted, weights, distance float64
	for i, c := range comps {
		p := float64(c.AdjustedPrice)
		prices[i] = p
		weighted += c.SimilarityScore * p
		weights += c.SimilarityScore
		distance += c.Distance
	}

	var estimate float64
	if weights > 0 {
		estimate = weighted / weights
	} else {
		estimate = mean(prices)
	}
	est := roundCurrency(estimate)

	sd := stddev(prices)
	halfWidth := math.Max(s.cfg.RangeStdDevs*sd, math.Max(s.cfg.MinBandPct*math.Abs(estimate), float64(s.cfg.MinBandAbs)))
	hw := roundCurrency(halfWidth)

	low := est - hw
	if low < 0 {
		low = 0
	}
	if low > est {
		low = est
	}

	var dispersion float64
	if m := mean(prices); m > 0 {
		dispersion = sd / m
	}

	score := s.scoreFrom(evidence{
		Count:       len(comps),
		AvgDistance: distance / float64(len(comps)),
		Dispersion:  dispersion,
		SampleSize:  sampleSize,
	})

	return Confidence{
		Estimate: est,
		Range:    models.ConfidenceRange{Low: low, High: est + hw},
		Score:    score,
		Rating:   RatingFor(score),
	}
}

// scoreFrom starts at 100 and subtracts independent penalties. Each penalty
// is non-decreasing in its input's badness, so the score is monotone.
func (s *ConfidenceScorer) scoreFrom(ev evidence) int {
	cfg := s.cfg

	missing := math.Max(0, float64(s.idealComps-ev.Count))
	countPenalty := cfg.MissingCompPenalty * missing

	distancePenalty := math.Min(cfg.MaxDistancePenalty, cfg.DistancePenaltyPerMile*math.Max(0, ev.AvgDistance))

	dispersionPenalty := math.Min(cfg.MaxDispersionPenalty, cfg.DispersionPenaltyScale*math.Max(0, ev.Dispersion))

	coverage := math.Min(float64(ev.SampleSize), float64(cfg.SampleTarget)) / float64(cfg.SampleTarget)
	samplePenalty := cfg.SparseSamplePenalty * (1 - math.Max(0, coverage))

	score := 100 - countPenalty - distancePenalty - dispersionPenalty - samplePenalty
	return int(math.Round(clamp(score, 0, 100)))
}
