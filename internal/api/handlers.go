package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"compsense/server/internal/importer"
	"compsense/server/internal/models"
	"compsense/server/internal/processor"
	"compsense/server/internal/queue"
	"compsense/server/internal/valuation"
)

// FactorSource derives market factors for a segment.
type FactorSource interface {
	MarketFactors(ctx context.Context, segmentKey string) (*models.MarketFactors, error)
}

// SalesReader lists stored sales.
type SalesReader interface {
	RecentSales(ctx context.Context, segmentKey string, since time.Time, limit int) ([]models.SaleRecord, error)
	SegmentStats(ctx context.Context, since time.Time) ([]models.SegmentStats, error)
	CorpusVersion(ctx context.Context) (uint64, error)
}

// SalesQueue accepts batches of sales for asynchronous import.
type SalesQueue interface {
	Push(batch []*models.SaleRecord) error
}

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
	maxImportRows      = 5000
)

// ImportStats reports what the background importer has persisted.
type ImportStats interface {
	Stats() processor.Stats
}

// Dependencies wires a Handler. Imports may be nil, in which case health
// reports omit importer counters.
type Dependencies struct {
	Valuator     valuation.Estimator
	Factors      FactorSource
	Sales        SalesReader
	Queue        SalesQueue
	Imports      ImportStats
	MaxBatchSize int
}

type Handler struct {
	valuator     valuation.Estimator
	factors      FactorSource
	sales        SalesReader
	queue        SalesQueue
	imports      ImportStats
	resolver     *importer.SaleResolver
	maxBatchSize int
	logger       *logrus.Logger
}

func NewHandler(deps Dependencies, logger *logrus.Logger) *Handler {
	return &Handler{
		valuator:     deps.Valuator,
		factors:      deps.Factors,
		sales:        deps.Sales,
		queue:        deps.Queue,
		imports:      deps.Imports,
		resolver:     importer.DefaultResolver(),
		maxBatchSize: deps.MaxBatchSize,
		logger:       logger,
	}
}

// ValuationRequest is the subject property input. Pointers tell a missing
// field apart from a zero value.
type ValuationRequest struct {
	Address      string   `json:"address"`
	Latitude     *float64 `json:"latitude" binding:"required"`
	Longitude    *float64 `json:"longitude" binding:"required"`
	Sqft         *int     `json:"sqft" binding:"required"`
	Bedrooms     *int     `json:"bedrooms" binding:"required"`
	Bathrooms    *float64 `json:"bathrooms" binding:"required"`
	YearBuilt    *int     `json:"year_built" binding:"required"`
	LotAcres     *float64 `json:"lot_acres" binding:"required"`
	HasPool      *bool    `json:"has_pool" binding:"required"`
	HasGarage    *bool    `json:"has_garage" binding:"required"`
	PropertyType *string  `json:"property_type" binding:"required"`
	Zip          *string  `json:"zip" binding:"required"`
}

func (r ValuationRequest) Subject() models.SubjectProperty {
	return models.SubjectProperty{
		Address:      r.Address,
		Latitude:     *r.Latitude,
		Longitude:    *r.Longitude,
		LivingArea:   *r.Sqft,
		Bedrooms:     *r.Bedrooms,
		Bathrooms:    *r.Bathrooms,
		YearBuilt:    *r.YearBuilt,
		LotAcres:     *r.LotAcres,
		HasPool:      *r.HasPool,
		HasGarage:    *r.HasGarage,
		PropertyType: models.PropertyType(*r.PropertyType),
		SegmentKey:   *r.Zip,
	}
}

type ErrorResponse struct {
	Error    string   `json:"error"`
	Message  string   `json:"message"`
	Fields   []string `json:"fields,omitempty"`
	Found    *int     `json:"found,omitempty"`
	Required *int     `json:"required,omitempty"`
}

func (h *Handler) CreateValuation(c *gin.Context) {
	var req ValuationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindingError(err))
		return
	}

	result, err := h.valuator.Estimate(c.Request.Context(), req.Subject())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetSegmentFactors(c *gin.Context) {
	factors, err := h.factors.MarketFactors(c.Request.Context(), c.Param("segment"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, factors)
}

func (h *Handler) GetSegments(c *gin.Context) {
	since, err := parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_query", Message: err.Error()})
		return
	}

	stats, err := h.sales.SegmentStats(c.Request.Context(), since)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get segment stats")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "Failed to get segment stats"})
		return
	}
	if stats == nil {
		stats = []models.SegmentStats{}
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetRecentSales(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultRecentLimit)))
	if err != nil || limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)

	since, err := parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_query", Message: err.Error()})
		return
	}

	sales, err := h.sales.RecentSales(c.Request.Context(), c.Query("segment"), since, limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get recent sales")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "Failed to get recent sales"})
		return
	}
	if sales == nil {
		sales = []models.SaleRecord{}
	}
	c.JSON(http.StatusOK, sales)
}

type rejectedRow struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type importResponse struct {
	Accepted int           `json:"accepted"`
	Batches  int           `json:"batches"`
	Rejected []rejectedRow `json:"rejected"`
}

// ImportSales queues a JSON array of loosely formatted sale rows. Column
// names and value formats follow the CSV importer.
func (h *Handler) ImportSales(c *gin.Context) {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.UseNumber()

	var rows []map[string]any
	if err := decoder.Decode(&rows); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_body", Message: "Body must be a JSON array of sale objects"})
		return
	}
	if len(rows) > maxImportRows {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "too_many_rows",
			Message: fmt.Sprintf("At most %d sales per request", maxImportRows),
		})
		return
	}

	resp := importResponse{Rejected: []rejectedRow{}}
	var records []*models.SaleRecord
	for i, raw := range rows {
		row := make(importer.Row, len(raw))
		for k, v := range raw {
			if v != nil {
				row[importer.NormalizeHeader(k)] = fmt.Sprint(v)
			}
		}
		record, err := h.resolver.Resolve(row)
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedRow{Index: i, Error: err.Error()})
			continue
		}
		records = append(records, record)
	}

	size := h.maxBatchSize
	if size <= 0 {
		size = len(records)
	}
	for start := 0; start < len(records); start += size {
		batch := records[start:min(start+size, len(records))]
		if err := h.queue.Push(batch); err != nil {
			if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
				h.logger.WithError(err).WithField("queued_batches", resp.Batches).Warn("Import queue unavailable")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error":    "queue_unavailable",
					"message":  "Import queue is full, retry later",
					"accepted": resp.Accepted,
					"batches":  resp.Batches,
				})
				return
			}
			h.logger.WithError(err).Error("Failed to queue sales")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "Failed to queue sales"})
			return
		}
		resp.Accepted += len(batch)
		resp.Batches++
	}

	h.logger.WithFields(logrus.Fields{
		"accepted": resp.Accepted,
		"rejected": len(resp.Rejected),
		"batches":  resp.Batches,
	}).Info("Queued sales for import")

	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) Health(c *gin.Context) {
	version, err := h.sales.CorpusVersion(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	resp := gin.H{"status": "ok", "corpus_version": version}
	if h.imports != nil {
		resp["imports"] = h.imports.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}

// bindingError turns a request decoding failure into an invalid input error
// naming the offending fields.
func bindingError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
		return &valuation.Error{
			Kind:    valuation.KindInvalidPropertyInput,
			Op:      "decode request",
			Message: "missing required fields",
			Fields:  fields,
		}
	}
	return &valuation.Error{
		Kind:    valuation.KindInvalidPropertyInput,
		Op:      "decode request",
		Message: "malformed request body",
		Err:     err,
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status, resp := errorResponse(err)
	entry := h.logger.WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("Valuation request failed")
	} else {
		entry.Info("Valuation request rejected")
	}
	c.JSON(status, resp)
}

func errorResponse(err error) (int, ErrorResponse) {
	var verr *valuation.Error
	if !errors.As(err, &verr) {
		return http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "Internal server error"}
	}

	resp := ErrorResponse{Error: verr.Kind.String(), Message: verr.Error(), Fields: verr.Fields}
	switch verr.Kind {
	case valuation.KindInvalidPropertyInput:
		return http.StatusBadRequest, resp
	case valuation.KindInsufficientSegmentData, valuation.KindInsufficientComparables:
		found, required := verr.Found, verr.Required
		resp.Found, resp.Required = &found, &required
		return http.StatusUnprocessableEntity, resp
	case valuation.KindSourceUnavailable:
		// internal detail stays in the log
		resp.Message = "Sale records are temporarily unavailable"
		if verr.Timeout {
			return http.StatusGatewayTimeout, resp
		}
		return http.StatusServiceUnavailable, resp
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "Internal server error"}
	}
}
