package valuation

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"compsense/server/config"
	"compsense/server/internal/models"
)

// SaleRecordSource is the read-only collaborator holding historical sales.
// Implementations must be safe for concurrent reads.
type SaleRecordSource interface {
	Query(ctx context.Context, q models.SaleQuery) ([]models.SaleRecord, error)
}

// Estimator is implemented by Valuator and by decorators wrapping it.
type Estimator interface {
	Estimate(ctx context.Context, subject models.SubjectProperty) (*models.ValuationResult, error)
}

// Valuator estimates a subject's market value from comparable sales.
// It holds no mutable state after construction and may be shared.
type Valuator struct {
	source       SaleRecordSource
	cfg          config.ValuationConfig
	queryTimeout time.Duration
	estimator    *FactorEstimator
	selector     *Selector
	scorer       *ConfidenceScorer
	validate     *validator.Validate
	now          func() time.Time
	logger       *logrus.Logger
}

func NewValuator(source SaleRecordSource, cfg config.ValuationConfig, defaults config.CountyDefaults, queryTimeout time.Duration, logger *logrus.Logger) *Valuator {
	return &Valuator{
		source:       source,
		cfg:          cfg,
		queryTimeout: queryTimeout,
		estimator:    NewFactorEstimator(defaults, cfg.MinSegmentSample, logger),
		selector:     NewSelector(cfg.Weights, cfg.MinComps, logger),
		scorer:       NewConfidenceScorer(cfg.Confidence, cfg.IdealComps),
		validate:     newSubjectValidator(),
		now:          time.Now,
		logger:       logger,
	}
}

// SetClock replaces the clock used to fix the valuation date. Must be called
// before the valuator is shared.
func (v *Valuator) SetClock(now func() time.Time) {
	v.now = now
}

// ValuationDate is the day valuations are computed for.
func (v *Valuator) ValuationDate() time.Time {
	return v.now().UTC().Truncate(24 * time.Hour)
}

// Estimate values the subject. On failure no partial result is returned.
func (v *Valuator) Estimate(ctx context.Context, subject models.SubjectProperty) (*models.ValuationResult, error) {
	started := time.Now()
	asOf := v.ValuationDate()

	if err := validateSubject(v.validate, subject, asOf); err != nil {
		return nil, err
	}

	log := v.logger.WithFields(logrus.Fields{
		"segment": subject.SegmentKey,
		"address": subject.Address,
	})

	factors, err := v.marketFactors(ctx, subject, asOf)
	if err != nil {
		log.WithError(err).Warn("Could not derive market factors")
		return nil, err
	}

	comps, err := v.comparables(ctx, subject, asOf)
	if err != nil {
		log.WithError(err).Warn("Could not select comparables")
		return nil, err
	}

	comps = AdjustAll(subject, factors, comps, asOf)
	confidence := v.scorer.Score(comps, factors.SampleSize)

	result := &models.ValuationResult{
		EstimatedValue:   confidence.Estimate,
		ConfidenceRange:  confidence.Range,
		ConfidenceScore:  confidence.Score,
		ConfidenceRating: confidence.Rating,
		ValuationDate:    asOf.Format(time.DateOnly),
		CompsUsed:        comps,
		MarketFactors:    factors,
	}

	log.WithFields(logrus.Fields{
		"estimated_value":  result.EstimatedValue,
		"confidence_score": result.ConfidenceScore,
		"comps_used":       len(comps),
		"sample_size":      factors.SampleSize,
		"duration_ms":      time.Since(started).Milliseconds(),
	}).Info("Valuation completed")

	return result, nil
}

// MarketFactors derives the factors for a segment without valuing a
// specific property. It widens to county-wide like Estimate does.
func (v *Valuator) MarketFactors(ctx context.Context, segmentKey string) (*models.MarketFactors, error) {
	if segmentKey == "" {
		return nil, &Error{Kind: KindInvalidPropertyInput, Op: "market factors", Message: "segment key is required", Fields: []string{"SegmentKey:required"}}
	}
	factors, err := v.marketFactors(ctx, models.SubjectProperty{SegmentKey: segmentKey}, v.ValuationDate())
	if err != nil {
		return nil, err
	}
	return &factors, nil
}

// marketFactors tries the subject's segment first, then county-wide.
func (v *Valuator) marketFactors(ctx context.Context, subject models.SubjectProperty, asOf time.Time) (models.MarketFactors, error) {
	since := asOf.AddDate(0, -v.cfg.SegmentWindowMonths, 0)
	segments := []string{subject.SegmentKey, ""}

	var lastErr error
	for attempt, segment := range segments {
		sales, err := v.query(ctx, models.SaleQuery{SegmentKey: segment, Since: since})
		if err != nil {
			return models.MarketFactors{}, err
		}

		factors, err := v.estimator.Estimate(sales, asOf)
		if err == nil {
			if attempt > 0 {
				v.logger.WithFields(logrus.Fields{
					"segment":     subject.SegmentKey,
					"sample_size": factors.SampleSize,
				}).Info("Market factors derived from county-wide sales")
			}
			return factors, nil
		}
		if !errors.Is(err, ErrInsufficientSegmentData) {
			return models.MarketFactors{}, err
		}
		lastErr = err
	}

	var verr *Error
	if errors.As(lastErr, &verr) {
		verr.SegmentKey = subject.SegmentKey
		verr.Attempts = len(segments)
	}
	return models.MarketFactors{}, lastErr
}

// comparables selects with the configured radius and window, then once more
// with a widened radius, window and county-wide pool.
func (v *Valuator) comparables(ctx context.Context, subject models.SubjectProperty, asOf time.Time) ([]models.Comparable, error) {
	attempts := []struct {
		segment string
		radius  float64
		maxAge  int
	}{
		{subject.SegmentKey, v.cfg.RadiusMiles, v.cfg.MaxAgeDays},
		{"", math.Min(v.cfg.RadiusMiles*v.cfg.RadiusWidenFactor, v.cfg.MaxRadiusMiles), v.cfg.WidenedMaxAgeDays},
	}

	var lastErr error
	for i, a := range attempts {
		pool, err := v.query(ctx, models.SaleQuery{
			SegmentKey:  a.segment,
			Latitude:    subject.Latitude,
			Longitude:   subject.Longitude,
			RadiusMiles: a.radius,
			Since:       asOf.AddDate(0, 0, -a.maxAge),
		})
		if err != nil {
			return nil, err
		}

		comps, err := v.selector.Select(subject, pool, SelectionCriteria{
			RadiusMiles: a.radius,
			MaxAgeDays:  a.maxAge,
			TopK:        v.cfg.TopK,
			AsOf:        asOf,
		})
		if err == nil {
			if i > 0 {
				v.logger.WithFields(logrus.Fields{
					"segment":      subject.SegmentKey,
					"radius_miles": a.radius,
					"max_age_days": a.maxAge,
					"comps":        len(comps),
				}).Info("Comparables found after widening search")
			}
			return comps, nil
		}
		if !errors.Is(err, ErrInsufficientComparables) {
			return nil, err
		}
		lastErr = err
	}

	var verr *Error
	if errors.As(lastErr, &verr) {
		verr.Attempts = len(attempts)
	}
	return nil, lastErr
}

type queryResult struct {
	records []models.SaleRecord
	err     error
}

// query bounds the source call by the configured timeout and maps every
// failure to KindSourceUnavailable. A source that ignores ctx cannot block
// the caller past the deadline.
func (v *Valuator) query(ctx context.Context, q models.SaleQuery) ([]models.SaleRecord, error) {
	if v.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.queryTimeout)
		defer cancel()
	}

	done := make(chan queryResult, 1)
	go func() {
		records, err := v.source.Query(ctx, q)
		done <- queryResult{records: records, err: err}
	}()

	var records []models.SaleRecord
	var err error
	select {
	case res := <-done:
		records, err = res.records, res.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return nil, &Error{
			Kind:       KindSourceUnavailable,
			Op:         "query sale records",
			SegmentKey: q.SegmentKey,
			Timeout:    errors.Is(err, context.DeadlineExceeded),
			Err:        err,
		}
	}
	return records, nil
}
