package valuation

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"compsense/server/config"
	"compsense/server/internal/models"
)

var testAsOf = time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

const (
	subjectLat = 39.0438
	subjectLon = -77.4874
)

func fixedClock() time.Time {
	return testAsOf.Add(10 * time.Hour)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func ptr(f float64) *float64 {
	return &f
}

func testSubject() models.SubjectProperty {
	return models.SubjectProperty{
		Address:      "44 Founders Ct, Ashburn, VA",
		Latitude:     subjectLat,
		Longitude:    subjectLon,
		LivingArea:   3200,
		Bedrooms:     4,
		Bathrooms:    3.5,
		YearBuilt:    2015,
		LotAcres:     0.35,
		HasPool:      false,
		HasGarage:    true,
		PropertyType: models.PropertyTypeSingleFamily,
		SegmentKey:   "20147",
	}
}

// sale builds a record shaped like testSubject, offset in degrees from it.
func sale(address string, price int64, sqft int, monthsAgo int, latOff, lonOff float64, opts ...func(*models.SaleRecord)) models.SaleRecord {
	r := models.SaleRecord{
		Address:      address,
		SaleDate:     testAsOf.AddDate(0, -monthsAgo, 0),
		SalePrice:    price,
		LivingArea:   sqft,
		Bedrooms:     4,
		Bathrooms:    3.5,
		YearBuilt:    2015,
		LotAcres:     0.35,
		HasGarage:    true,
		PropertyType: models.PropertyTypeSingleFamily,
		SegmentKey:   "20147",
		Latitude:     ptr(subjectLat + latOff),
		Longitude:    ptr(subjectLon + lonOff),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func withBeds(n int) func(*models.SaleRecord) {
	return func(r *models.SaleRecord) { r.Bedrooms = n }
}

func withBaths(n float64) func(*models.SaleRecord) {
	return func(r *models.SaleRecord) { r.Bathrooms = n }
}

func withYearBuilt(y int) func(*models.SaleRecord) {
	return func(r *models.SaleRecord) { r.YearBuilt = y }
}

func withLot(acres float64) func(*models.SaleRecord) {
	return func(r *models.SaleRecord) { r.LotAcres = acres }
}

func withPool() func(*models.SaleRecord) {
	return func(r *models.SaleRecord) { r.HasPool = true }
}

func withoutGarage() func(*models.SaleRecord) {
	return func(r *models.SaleRecord) { r.HasGarage = false }
}

func withSegment(key string) func(*models.SaleRecord) {
	return func(r *models.SaleRecord) { r.SegmentKey = key }
}

func withoutCoordinates() func(*models.SaleRecord) {
	return func(r *models.SaleRecord) { r.Latitude, r.Longitude = nil, nil }
}

// scenarioSales are eight recent 20147 sales priced at roughly $225/sqft.
func scenarioSales() []models.SaleRecord {
	return []models.SaleRecord{
		sale("101 Belmont Ridge Rd", 712000, 3150, 1, 0.002, 0.001, withYearBuilt(2014)),
		sale("22 Ashburn Farm Pkwy", 745000, 3300, 2, -0.003, 0.002, withYearBuilt(2016)),
		sale("7 Broadlands Blvd", 688000, 3050, 3, 0.004, -0.002, withBeds(3), withBaths(3)),
		sale("415 Claiborne Pkwy", 802000, 3500, 4, -0.001, -0.004, withBeds(5), withBaths(4), withPool()),
		sale("9 Riverside Pkwy", 655000, 2900, 6, 0.005, 0.003, withBaths(3), withYearBuilt(2010)),
		sale("18 Loudoun Tech Dr", 730000, 3250, 8, -0.004, 0.004),
		sale("33 Ryan Rd", 760000, 3400, 10, 0.003, -0.005, withYearBuilt(2018), withLot(0.4)),
		sale("5 Evergreen Mills Rd", 699000, 3100, 11, -0.006, -0.001, withoutGarage()),
	}
}

func testConfig() config.ValuationConfig {
	return config.DefaultValuationConfig()
}

// memorySource filters like a real store would.
type memorySource struct {
	records []models.SaleRecord
	calls   atomic.Int32
}

func (m *memorySource) Query(_ context.Context, q models.SaleQuery) ([]models.SaleRecord, error) {
	m.calls.Add(1)
	center := orb.Point{q.Longitude, q.Latitude}
	var out []models.SaleRecord
	for _, r := range m.records {
		if q.SegmentKey != "" && r.SegmentKey != q.SegmentKey {
			continue
		}
		if !q.Since.IsZero() && r.SaleDate.Before(q.Since) {
			continue
		}
		if q.RadiusMiles > 0 {
			if !r.HasCoordinates() || geo.DistanceHaversine(center, r.Point())/MetersPerMile > q.RadiusMiles {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Query(ctx context.Context, q models.SaleQuery) ([]models.SaleRecord, error) {
	args := m.Called(ctx, q)
	records, _ := args.Get(0).([]models.SaleRecord)
	return records, args.Error(1)
}

func newTestValuator(source SaleRecordSource, cfg config.ValuationConfig) *Valuator {
	v := NewValuator(source, cfg, config.BuiltinCountyDefaults, time.Second, newTestLogger())
	v.SetClock(fixedClock)
	return v
}
