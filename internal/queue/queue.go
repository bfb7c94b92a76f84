package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"compsense/server/internal/models"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Handler persists or otherwise consumes one batch of sale records.
type Handler func([]*models.SaleRecord) error

// SaleQueue is an in-memory queue of sale record batches awaiting import.
type SaleQueue struct {
	items   chan []*models.SaleRecord
	done    chan struct{}
	maxSize int
	closed  bool
	mu      sync.RWMutex
	pending sync.WaitGroup
	logger  *logrus.Logger

	handlersMu sync.RWMutex
	handlers   []Handler
}

// NewSaleQueue creates a queue buffering up to bufferSize batches.
func NewSaleQueue(bufferSize int, logger *logrus.Logger) *SaleQueue {
	return &SaleQueue{
		items:   make(chan []*models.SaleRecord, bufferSize),
		done:    make(chan struct{}),
		maxSize: bufferSize,
		logger:  logger,
	}
}

// Push adds a batch without blocking.
func (q *SaleQueue) Push(batch []*models.SaleRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	q.pending.Add(1)
	select {
	case q.items <- batch:
		q.logger.WithField("batch_size", len(batch)).Debug("Pushed batch to queue")
		return nil
	default:
		q.pending.Done()
		return ErrQueueFull
	}
}

// PushWait adds a batch, waiting for room until ctx is done.
func (q *SaleQueue) PushWait(ctx context.Context, batch []*models.SaleRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	q.pending.Add(1)
	select {
	case q.items <- batch:
		q.logger.WithField("batch_size", len(batch)).Debug("Pushed batch to queue")
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

// PushChunks splits records into batches of at most size and pushes each,
// waiting for room. It returns the number of batches queued.
func (q *SaleQueue) PushChunks(ctx context.Context, records []*models.SaleRecord, size int) (int, error) {
	if size <= 0 {
		size = len(records)
	}
	pushed := 0
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		if err := q.PushWait(ctx, records[start:end]); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}

// Subscribe adds a handler called for each batch, in subscription order.
func (q *SaleQueue) Subscribe(handler Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Start begins processing items in the queue
func (q *SaleQueue) Start() {
	go q.process()
}

func (q *SaleQueue) process() {
	for {
		select {
		case <-q.done:
			return
		case batch := <-q.items:
			q.processBatch(batch)
		}
	}
}

func (q *SaleQueue) processBatch(batch []*models.SaleRecord) {
	defer q.pending.Done()

	q.handlersMu.RLock()
	handlers := q.handlers
	q.handlersMu.RUnlock()

	for _, handler := range handlers {
		if err := handler(batch); err != nil {
			q.logger.WithError(err).WithField("batch_size", len(batch)).Error("Handler failed to process batch")
		}
	}
}

// Flush waits until every pushed batch has been handled.
func (q *SaleQueue) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue and prevents new items from being added. Batches
// still buffered are dropped.
func (q *SaleQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.done)

	dropped := 0
	for {
		select {
		case <-q.items:
			dropped++
			q.pending.Done()
		default:
			if dropped > 0 {
				q.logger.WithField("batches", dropped).Warn("Dropped unprocessed batches on close")
			}
			return nil
		}
	}
}

// Len returns the current number of batches in the queue
func (q *SaleQueue) Len() int {
	return len(q.items)
}

// IsClosed returns whether the queue has been closed
func (q *SaleQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
