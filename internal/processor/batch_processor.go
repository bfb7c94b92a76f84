package processor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"compsense/server/config"
	"compsense/server/internal/database"
	"compsense/server/internal/models"
	"compsense/server/internal/queue"
)

// Transactor is the part of *gorm.DB the processor needs.
type Transactor interface {
	Transaction(fc func(*gorm.DB) error, opts ...*sql.TxOptions) error
}

// Stats counts what the processor has persisted since it started.
type Stats struct {
	Batches       int64 `json:"batches"`
	Records       int64 `json:"records"`
	FailedBatches int64 `json:"failed_batches"`
}

// BatchProcessor persists imported sale batches from the queue. Each batch
// is written in one transaction that also bumps the corpus version.
type BatchProcessor struct {
	db        Transactor
	logger    *logrus.Logger
	config    config.BatchProcessingConfig
	queue     *queue.SaleQueue
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once

	batches atomic.Int64
	records atomic.Int64
	failed  atomic.Int64
}

// NewBatchProcessor creates a new batch processor instance
func NewBatchProcessor(db Transactor, q *queue.SaleQueue, cfg config.BatchProcessingConfig, logger *logrus.Logger) *BatchProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &BatchProcessor{
		db:     db,
		queue:  q,
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes the processor to its queue. Calling it again is a no-op.
func (p *BatchProcessor) Start() {
	p.startOnce.Do(func() {
		p.queue.Subscribe(p.processBatch)
	})
}

// Stop abandons pending retries. Batches already committed stay committed.
func (p *BatchProcessor) Stop() {
	p.cancel()
}

func (p *BatchProcessor) Stats() Stats {
	return Stats{
		Batches:       p.batches.Load(),
		Records:       p.records.Load(),
		FailedBatches: p.failed.Load(),
	}
}

// processBatch handles a single batch with transaction and retry logic
func (p *BatchProcessor) processBatch(batch []*models.SaleRecord) error {
	attempts := p.config.MaxRetries + 1

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			p.logger.Infof("Retrying batch processing, attempt %d of %d", attempt, attempts)
			select {
			case <-time.After(p.config.RetryDelay):
			case <-p.ctx.Done():
				p.failed.Add(1)
				return fmt.Errorf("batch processing stopped: %w", p.ctx.Err())
			}
		}

		err = p.db.Transaction(func(tx *gorm.DB) error {
			if err := database.UpsertSales(tx, batch); err != nil {
				return fmt.Errorf("failed to upsert sales batch: %w", err)
			}
			return database.BumpCorpusVersion(tx)
		})

		if err == nil {
			p.batches.Add(1)
			p.records.Add(int64(len(batch)))
			p.logger.WithField("batch_size", len(batch)).Info("Successfully processed sales batch")
			return nil
		}

		p.logger.WithError(err).WithField("attempt", attempt).Error("Batch processing failed")
	}

	p.failed.Add(1)
	return fmt.Errorf("failed to process batch after %d attempts: %w", attempts, err)
}
