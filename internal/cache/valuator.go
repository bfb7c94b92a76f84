package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"compsense/server/internal/models"
	"compsense/server/internal/valuation"
)

// VersionSource reports the corpus version; it changes whenever sale
// records are added or replaced.
type VersionSource interface {
	CorpusVersion(ctx context.Context) (uint64, error)
}

// DatedEstimator is an estimator whose results depend on a valuation day.
type DatedEstimator interface {
	valuation.Estimator
	ValuationDate() time.Time
}

// CachingValuator memoizes valuations per subject, valuation day and corpus
// version. Results are shared between callers and must not be modified.
type CachingValuator struct {
	next     DatedEstimator
	versions VersionSource
	cache    *Cache[*models.ValuationResult]
	logger   *logrus.Logger

	mu          sync.Mutex
	lastVersion uint64
	seenVersion bool
}

func NewCachingValuator(next DatedEstimator, versions VersionSource, cache *Cache[*models.ValuationResult], logger *logrus.Logger) *CachingValuator {
	return &CachingValuator{
		next:     next,
		versions: versions,
		cache:    cache,
		logger:   logger,
	}
}

func (v *CachingValuator) Estimate(ctx context.Context, subject models.SubjectProperty) (*models.ValuationResult, error) {
	version, err := v.versions.CorpusVersion(ctx)
	if err != nil {
		v.logger.WithError(err).Warn("Corpus version unavailable, bypassing valuation cache")
		return v.next.Estimate(ctx, subject)
	}
	v.observeVersion(version)

	key, err := Key(subject, v.next.ValuationDate(), version)
	if err != nil {
		return v.next.Estimate(ctx, subject)
	}

	result, hit, err := v.cache.GetOrCompute(key, func() (*models.ValuationResult, error) {
		return v.next.Estimate(ctx, subject)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		v.logger.WithFields(logrus.Fields{
			"segment": subject.SegmentKey,
			"version": version,
		}).Debug("Valuation served from cache")
	}
	return result, nil
}

// observeVersion drops every cached valuation once the corpus moves on.
func (v *CachingValuator) observeVersion(version uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.seenVersion && version != v.lastVersion {
		v.logger.WithFields(logrus.Fields{
			"previous": v.lastVersion,
			"current":  version,
		}).Info("Sale corpus changed")
		v.cache.Invalidate()
	}
	v.lastVersion = version
	v.seenVersion = true
}

type cacheKey struct {
	Subject       models.SubjectProperty `json:"subject"`
	ValuationDate string                 `json:"valuation_date"`
	Version       uint64                 `json:"version"`
}

// Key fingerprints everything a valuation result depends on.
func Key(subject models.SubjectProperty, valuationDate time.Time, version uint64) (string, error) {
	data, err := json.Marshal(cacheKey{
		Subject:       subject,
		ValuationDate: valuationDate.Format(time.DateOnly),
		Version:       version,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
