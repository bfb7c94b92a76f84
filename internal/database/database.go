package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"compsense/server/internal/models"
	"compsense/server/internal/valuation"
)

const upsertBatchSize = 100

// Store is the SQLite-backed sale record source. It is safe for concurrent
// use.
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewStore(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &Store{db: db, logger: logger}, nil
}

// Query returns the sales matching q, newest first. A positive radius keeps
// only records with coordinates inside that great-circle distance.
func (s *Store) Query(ctx context.Context, q models.SaleQuery) ([]models.SaleRecord, error) {
	tx := s.db.WithContext(ctx).Model(&models.SaleRecord{})
	if q.SegmentKey != "" {
		tx = tx.Where("segment_key = ?", q.SegmentKey)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("sale_date >= ?", q.Since.UTC())
	}

	center := orb.Point{q.Longitude, q.Latitude}
	radiusMeters := q.RadiusMiles * valuation.MetersPerMile
	if q.RadiusMiles > 0 {
		// cheap bounding box in SQL, exact distance below
		bound := geo.NewBoundAroundPoint(center, radiusMeters)
		tx = tx.Where("latitude BETWEEN ? AND ?", bound.Min.Lat(), bound.Max.Lat()).
			Where("longitude BETWEEN ? AND ?", bound.Min.Lon(), bound.Max.Lon())
	}

	var records []models.SaleRecord
	if err := tx.Order("sale_date DESC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	normalizeDates(records)

	if q.RadiusMiles > 0 {
		inside := records[:0]
		for _, r := range records {
			if r.HasCoordinates() && geo.DistanceHaversine(center, r.Point()) <= radiusMeters {
				inside = append(inside, r)
			}
		}
		records = inside
	}

	s.logger.WithFields(logrus.Fields{
		"segment":      q.SegmentKey,
		"radius_miles": q.RadiusMiles,
		"records":      len(records),
	}).Debug("Queried sale records")

	return records, nil
}

// RecentSales lists the newest sales, optionally restricted to a segment.
func (s *Store) RecentSales(ctx context.Context, segmentKey string, since time.Time, limit int) ([]models.SaleRecord, error) {
	tx := s.db.WithContext(ctx).Model(&models.SaleRecord{})
	if segmentKey != "" {
		tx = tx.Where("segment_key = ?", segmentKey)
	}
	if !since.IsZero() {
		tx = tx.Where("sale_date >= ?", since.UTC())
	}

	var records []models.SaleRecord
	if err := tx.Order("sale_date DESC").Order("id ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query recent sales: %w", err)
	}
	normalizeDates(records)
	return records, nil
}

// SegmentStats summarises every segment with sales since the given date.
func (s *Store) SegmentStats(ctx context.Context, since time.Time) ([]models.SegmentStats, error) {
	tx := s.db.WithContext(ctx).Model(&models.SaleRecord{}).
		Select(`segment_key,
			COUNT(*) AS sale_count,
			ROUND(AVG(sale_price)) AS average_price,
			ROUND(AVG(CAST(sale_price AS REAL) / NULLIF(living_area, 0)), 2) AS average_price_per_sqft,
			MAX(sale_date) AS latest_sale`).
		Group("segment_key").
		Order("segment_key")
	if !since.IsZero() {
		tx = tx.Where("sale_date >= ?", since.UTC())
	}

	rows, err := tx.Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to query segment stats: %w", err)
	}
	defer rows.Close()

	var stats []models.SegmentStats
	for rows.Next() {
		var st models.SegmentStats
		var averagePrice, pricePerSqft sql.NullFloat64
		var latest any
		if err := rows.Scan(&st.SegmentKey, &st.SaleCount, &averagePrice, &pricePerSqft, &latest); err != nil {
			return nil, fmt.Errorf("failed to scan segment stats: %w", err)
		}
		st.AveragePrice = int64(averagePrice.Float64)
		st.AveragePricePerSqft = pricePerSqft.Float64

		// MAX() loses the column type, so the driver may hand back text
		switch v := latest.(type) {
		case time.Time:
			st.LatestSale = v.UTC()
		case string:
			if t, err := time.ParseInLocation(sqliteTimeLayout, v, time.UTC); err == nil {
				st.LatestSale = t
			}
		case []byte:
			if t, err := time.ParseInLocation(sqliteTimeLayout, string(v), time.UTC); err == nil {
				st.LatestSale = t
			}
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating segment stats: %w", err)
	}
	return stats, nil
}

const sqliteTimeLayout = "2006-01-02 15:04:05.999999999-07:00"

func normalizeDates(records []models.SaleRecord) {
	for i := range records {
		records[i].SaleDate = records[i].SaleDate.UTC()
	}
}

// InsertSales upserts records by address and sale date and bumps the corpus
// version in the same transaction.
func (s *Store) InsertSales(ctx context.Context, records []models.SaleRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := make([]*models.SaleRecord, len(records))
	for i := range records {
		r := records[i]
		batch[i] = &r
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := UpsertSales(tx, batch); err != nil {
			return err
		}
		return BumpCorpusVersion(tx)
	})
}

// UpsertSales writes a batch inside the caller's transaction. Sale dates are
// stored in UTC so text comparisons in SQLite stay ordered.
func UpsertSales(tx *gorm.DB, records []*models.SaleRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		r.SaleDate = r.SaleDate.UTC()
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}, {Name: "sale_date"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).CreateInBatches(records, upsertBatchSize).Error
	if err != nil {
		return fmt.Errorf("failed to upsert sales: %w", err)
	}
	return nil
}

var upsertColumns = []string{
	"sale_price",
	"living_area",
	"bedrooms",
	"bathrooms",
	"year_built",
	"lot_acres",
	"has_pool",
	"has_garage",
	"property_type",
	"segment_key",
	"latitude",
	"longitude",
}

// BumpCorpusVersion marks the sale corpus as changed.
func BumpCorpusVersion(tx *gorm.DB) error {
	err := tx.Model(&corpusMeta{}).
		Where("id = ?", corpusMetaID).
		Updates(map[string]any{
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to bump corpus version: %w", err)
	}
	return nil
}

// CorpusVersion changes every time sales are written.
func (s *Store) CorpusVersion(ctx context.Context) (uint64, error) {
	var meta corpusMeta
	if err := s.db.WithContext(ctx).First(&meta, corpusMetaID).Error; err != nil {
		return 0, fmt.Errorf("failed to read corpus version: %w", err)
	}
	return meta.Version, nil
}

// DB exposes the handle for callers that manage their own transactions.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
