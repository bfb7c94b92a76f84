package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"compsense/server/internal/models"
	"compsense/server/internal/processor"
	"compsense/server/internal/queue"
	"compsense/server/internal/valuation"
)

type mockEstimator struct {
	mock.Mock
}

func (m *mockEstimator) Estimate(ctx context.Context, subject models.SubjectProperty) (*models.ValuationResult, error) {
	args := m.Called(ctx, subject)
	result, _ := args.Get(0).(*models.ValuationResult)
	return result, args.Error(1)
}

func (m *mockEstimator) MarketFactors(ctx context.Context, segmentKey string) (*models.MarketFactors, error) {
	args := m.Called(ctx, segmentKey)
	factors, _ := args.Get(0).(*models.MarketFactors)
	return factors, args.Error(1)
}

type mockSales struct {
	mock.Mock
}

func (m *mockSales) RecentSales(ctx context.Context, segmentKey string, since time.Time, limit int) ([]models.SaleRecord, error) {
	args := m.Called(ctx, segmentKey, since, limit)
	sales, _ := args.Get(0).([]models.SaleRecord)
	return sales, args.Error(1)
}

func (m *mockSales) SegmentStats(ctx context.Context, since time.Time) ([]models.SegmentStats, error) {
	args := m.Called(ctx, since)
	stats, _ := args.Get(0).([]models.SegmentStats)
	return stats, args.Error(1)
}

func (m *mockSales) CorpusVersion(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

type recordingQueue struct {
	batches [][]*models.SaleRecord
	err     error
}

func (q *recordingQueue) Push(batch []*models.SaleRecord) error {
	if q.err != nil {
		return q.err
	}
	q.batches = append(q.batches, batch)
	return nil
}

type fixedStats processor.Stats

func (s fixedStats) Stats() processor.Stats {
	return processor.Stats(s)
}

type testServer struct {
	router    *gin.Engine
	estimator *mockEstimator
	sales     *mockSales
	queue     *recordingQueue
}

func newTestServer(t *testing.T, limiter *IPRateLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := &testServer{
		router:    gin.New(),
		estimator: new(mockEstimator),
		sales:     new(mockSales),
		queue:     &recordingQueue{},
	}
	handler := NewHandler(Dependencies{
		Valuator:     s.estimator,
		Factors:      s.estimator,
		Sales:        s.sales,
		Queue:        s.queue,
		Imports:      fixedStats{Batches: 3, Records: 250},
		MaxBatchSize: 1,
	}, logger)
	s.router.Use(RequestLogger(logger))
	SetupRoutes(s.router, handler, limiter)
	return s
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func validRequest() map[string]any {
	return map[string]any{
		"address":       "42 Belmont Ridge Rd",
		"latitude":      39.0458,
		"longitude":     -77.4864,
		"sqft":          3200,
		"bedrooms":      4,
		"bathrooms":     3.5,
		"year_built":    2015,
		"lot_acres":     0.35,
		"has_pool":      false,
		"has_garage":    true,
		"property_type": "single_family",
		"zip":           "20147",
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCreateValuation(t *testing.T) {
	s := newTestServer(t, nil)
	result := &models.ValuationResult{EstimatedValue: 715000, ValuationDate: "2026-06-15"}
	s.estimator.On("Estimate", mock.Anything, mock.MatchedBy(func(subject models.SubjectProperty) bool {
		return subject.SegmentKey == "20147" && subject.LivingArea == 3200 && subject.HasGarage && !subject.HasPool
	})).Return(result, nil).Once()

	w := s.do(http.MethodPost, "/api/valuations", validRequest())

	require.Equal(t, http.StatusOK, w.Code)
	var got models.ValuationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(715000), got.EstimatedValue)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
	s.estimator.AssertExpectations(t)
}

func TestCreateValuation_ZeroValuesAreNotMissing(t *testing.T) {
	s := newTestServer(t, nil)
	s.estimator.On("Estimate", mock.Anything, mock.Anything).
		Return(&models.ValuationResult{}, nil).Once()

	body := validRequest()
	body["bedrooms"] = 0
	body["lot_acres"] = 0

	w := s.do(http.MethodPost, "/api/valuations", body)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateValuation_MissingFields(t *testing.T) {
	s := newTestServer(t, nil)
	body := validRequest()
	delete(body, "sqft")
	delete(body, "has_pool")

	w := s.do(http.MethodPost, "/api/valuations", body)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "invalid_property_input", resp.Error)
	assert.ElementsMatch(t, []string{"Sqft:required", "HasPool:required"}, resp.Fields)
	s.estimator.AssertNotCalled(t, "Estimate", mock.Anything, mock.Anything)
}

func TestCreateValuation_MalformedBody(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodPost, "/api/valuations", `{"sqft": "big"`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_property_input", decodeError(t, w).Error)
}

func TestCreateValuation_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "invalid input",
			err:        &valuation.Error{Kind: valuation.KindInvalidPropertyInput, Fields: []string{"Bathrooms:half_step"}},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_property_input",
		},
		{
			name:       "insufficient comparables",
			err:        &valuation.Error{Kind: valuation.KindInsufficientComparables, Found: 2, Required: 3},
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "insufficient_comparables",
		},
		{
			name:       "insufficient segment data",
			err:        &valuation.Error{Kind: valuation.KindInsufficientSegmentData, Required: 1},
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "insufficient_segment_data",
		},
		{
			name:       "source down",
			err:        &valuation.Error{Kind: valuation.KindSourceUnavailable, Err: errors.New("disk I/O error")},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "source_unavailable",
		},
		{
			name:       "source timeout",
			err:        &valuation.Error{Kind: valuation.KindSourceUnavailable, Timeout: true, Err: context.DeadlineExceeded},
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "source_unavailable",
		},
		{
			name:       "untyped",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			s.estimator.On("Estimate", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			w := s.do(http.MethodPost, "/api/valuations", validRequest())

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.wantError, resp.Error)
			assert.NotContains(t, resp.Message, "disk I/O")
		})
	}
}

func TestCreateValuation_InsufficientReportsCounts(t *testing.T) {
	s := newTestServer(t, nil)
	s.estimator.On("Estimate", mock.Anything, mock.Anything).
		Return(nil, &valuation.Error{Kind: valuation.KindInsufficientComparables, Found: 2, Required: 3, Attempts: 2}).Once()

	w := s.do(http.MethodPost, "/api/valuations", validRequest())

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeError(t, w)
	require.NotNil(t, resp.Found)
	require.NotNil(t, resp.Required)
	assert.Equal(t, 2, *resp.Found)
	assert.Equal(t, 3, *resp.Required)
}

func TestCreateValuation_RateLimited(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	limiter := NewIPRateLimiter(0.001, 1, time.Minute, logger)
	t.Cleanup(limiter.Close)
	s := newTestServer(t, limiter)
	s.estimator.On("Estimate", mock.Anything, mock.Anything).Return(&models.ValuationResult{}, nil)

	first := s.do(http.MethodPost, "/api/valuations", validRequest())
	second := s.do(http.MethodPost, "/api/valuations", validRequest())

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limited", decodeError(t, second).Error)
	s.estimator.AssertNumberOfCalls(t, "Estimate", 1)

	// other endpoints are not throttled
	s.sales.On("CorpusVersion", mock.Anything).Return(uint64(1), nil)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/health", nil).Code)
}

func TestGetSegmentFactors(t *testing.T) {
	s := newTestServer(t, nil)
	s.estimator.On("MarketFactors", mock.Anything, "20147").
		Return(&models.MarketFactors{PricePerArea: 225, SampleSize: 14}, nil).Once()
	s.estimator.On("MarketFactors", mock.Anything, "99999").
		Return(nil, &valuation.Error{Kind: valuation.KindInsufficientSegmentData}).Once()

	w := s.do(http.MethodGet, "/api/segments/20147/factors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var factors models.MarketFactors
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &factors))
	assert.Equal(t, 14, factors.SampleSize)

	w = s.do(http.MethodGet, "/api/segments/99999/factors", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetSegments(t *testing.T) {
	s := newTestServer(t, nil)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.sales.On("SegmentStats", mock.Anything, since).
		Return([]models.SegmentStats{{SegmentKey: "20147", SaleCount: 12}}, nil).Once()

	w := s.do(http.MethodGet, "/api/segments?since=2026-01-01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"segment":"20147","sale_count":12,"average_price":0,"average_price_per_sqft":0,"latest_sale":"0001-01-01T00:00:00Z"}]`, w.Body.String())

	w = s.do(http.MethodGet, "/api/segments?since=last-week", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	s.sales.AssertExpectations(t)
}

func TestGetRecentSales(t *testing.T) {
	s := newTestServer(t, nil)
	s.sales.On("RecentSales", mock.Anything, "20147", time.Time{}, maxRecentLimit).
		Return([]models.SaleRecord{{Address: "1 Main St"}}, nil).Once()
	s.sales.On("RecentSales", mock.Anything, "", time.Time{}, defaultRecentLimit).
		Return(nil, nil).Once()

	w := s.do(http.MethodGet, "/api/sales/recent?segment=20147&limit=5000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "1 Main St")

	w = s.do(http.MethodGet, "/api/sales/recent?limit=abc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
	s.sales.AssertExpectations(t)
}

func importRows() []map[string]any {
	return []map[string]any{
		{
			"Address": "101 Belmont Ridge Rd", "Sold Date": "2026-05-15", "Sold Price": 712000,
			"Sqft": 3150, "Beds": 4, "Baths": 3.5, "Year Built": 2014, "Acres": 0.35,
			"Pool": false, "Garage": true, "Type": "Single Family", "Zip": "20147",
			"Lat": 39.0458, "Lng": -77.4864,
		},
		{
			"Address": "7 Claiborne Pkwy", "Sold Date": "2026-04-02", "Sold Price": "$655,000",
			"Sqft": "2,900", "Type": "townhouse", "Zip": "20147",
		},
		{
			"Address": "missing price", "Sold Date": "2026-04-02", "Sqft": 2000,
			"Type": "condo", "Zip": "20148",
		},
	}
}

func TestImportSales(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/sales", importRows())

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp importResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 2, resp.Batches)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, 2, resp.Rejected[0].Index)
	assert.Contains(t, resp.Rejected[0].Error, "sale_price")

	require.Len(t, s.queue.batches, 2)
	first := s.queue.batches[0][0]
	assert.Equal(t, int64(712000), first.SalePrice)
	assert.Equal(t, 3.5, first.Bathrooms)
	assert.True(t, first.HasGarage)
	assert.True(t, first.HasCoordinates())
	assert.False(t, s.queue.batches[1][0].HasCoordinates())
}

func TestImportSales_QueueFull(t *testing.T) {
	s := newTestServer(t, nil)
	s.queue.err = queue.ErrQueueFull

	w := s.do(http.MethodPost, "/api/sales", importRows())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "queue_unavailable")
}

func TestImportSales_BadBody(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodPost, "/api/sales", `{"address": "not an array"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	s.sales.On("CorpusVersion", mock.Anything).Return(uint64(7), nil).Once()
	s.sales.On("CorpusVersion", mock.Anything).Return(uint64(0), errors.New("database is locked")).Once()

	w := s.do(http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","corpus_version":7,"imports":{"batches":3,"records":250,"failed_batches":0}}`, w.Body.String())

	w = s.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestLogger_EchoesRequestID(t *testing.T) {
	s := newTestServer(t, nil)
	s.sales.On("CorpusVersion", mock.Anything).Return(uint64(1), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}
