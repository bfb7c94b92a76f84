package database

import (
	"fmt"
	"time"

	"compsense/server/internal/models"
)

const corpusMetaID = 1

// corpusMeta holds the single row tracking how often the sales changed.
type corpusMeta struct {
	ID        uint `gorm:"primaryKey"`
	Version   uint64
	UpdatedAt time.Time
}

func (corpusMeta) TableName() string {
	return "corpus_meta"
}

func (s *Store) RunMigrations() error {
	if err := s.db.AutoMigrate(&models.SaleRecord{}, &corpusMeta{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	// Create spatial index on coordinates
	err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sales_coordinates
		ON sales(latitude, longitude);
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create coordinate index: %w", err)
	}

	err = s.db.Where(corpusMeta{ID: corpusMetaID}).
		Attrs(corpusMeta{UpdatedAt: time.Now().UTC()}).
		FirstOrCreate(&corpusMeta{}).Error
	if err != nil {
		return fmt.Errorf("failed to seed corpus version: %w", err)
	}

	return nil
}
