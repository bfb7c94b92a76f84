package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compsense/server/internal/database"
	"compsense/server/internal/models"
	"compsense/server/internal/queue"
)

func setupTestStore(tb testing.TB) *database.Store {
	tb.Helper()
	store, err := database.NewStore(filepath.Join(tb.TempDir(), "sales.db"), newTestLogger())
	require.NoError(tb, err)
	require.NoError(tb, store.RunMigrations())
	tb.Cleanup(func() { _ = store.Close() })
	return store
}

func generateTestSales(prefix string, count int) []*models.SaleRecord {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sales := make([]*models.SaleRecord, count)
	for i := range sales {
		lat, lon := 39.04+float64(i)*0.0001, -77.48
		sales[i] = &models.SaleRecord{
			Address:      fmt.Sprintf("%s %d Main St", prefix, i),
			SaleDate:     day.AddDate(0, 0, i%90),
			SalePrice:    500000 + int64(i)*1000,
			LivingArea:   2400,
			Bedrooms:     3,
			Bathrooms:    2.5,
			YearBuilt:    2005,
			LotAcres:     0.25,
			PropertyType: models.PropertyTypeTownhouse,
			SegmentKey:   "20147",
			Latitude:     &lat,
			Longitude:    &lon,
		}
	}
	return sales
}

func TestBatchProcessingIntegration(t *testing.T) {
	store := setupTestStore(t)
	cfg := testBatchConfig()

	saleQueue := queue.NewSaleQueue(cfg.QueueSize, newTestLogger())
	processor := NewBatchProcessor(store.DB(), saleQueue, cfg, newTestLogger())
	processor.Start()
	saleQueue.Start()
	defer saleQueue.Close()
	defer processor.Stop()

	before, err := store.CorpusVersion(context.Background())
	require.NoError(t, err)

	require.NoError(t, saleQueue.Push(generateTestSales("A", 2)))
	require.NoError(t, saleQueue.Flush(context.Background()))

	records, err := store.Query(context.Background(), models.SaleQuery{SegmentKey: "20147"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "A 1 Main St", records[0].Address)
	assert.Equal(t, int64(501000), records[0].SalePrice)

	after, err := store.CorpusVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}

func TestBatchProcessingWithConcurrency(t *testing.T) {
	store := setupTestStore(t)
	cfg := testBatchConfig()
	cfg.MaxBatchSize = 7

	saleQueue := queue.NewSaleQueue(cfg.QueueSize, newTestLogger())
	processor := NewBatchProcessor(store.DB(), saleQueue, cfg, newTestLogger())
	processor.Start()
	saleQueue.Start()
	defer saleQueue.Close()
	defer processor.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := saleQueue.PushChunks(context.Background(), generateTestSales(fmt.Sprintf("P%d", i), 20), cfg.MaxBatchSize)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.NoError(t, saleQueue.Flush(context.Background()))

	var count int64
	require.NoError(t, store.DB().Model(&models.SaleRecord{}).Count(&count).Error)
	assert.Equal(t, int64(100), count) // 5 producers * 20 sales
	assert.Equal(t, Stats{Batches: 15, Records: 100}, processor.Stats())
}

func TestBatchProcessingReimportIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	cfg := testBatchConfig()

	saleQueue := queue.NewSaleQueue(cfg.QueueSize, newTestLogger())
	processor := NewBatchProcessor(store.DB(), saleQueue, cfg, newTestLogger())
	processor.Start()
	saleQueue.Start()
	defer saleQueue.Close()
	defer processor.Stop()

	require.NoError(t, saleQueue.Push(generateTestSales("R", 10)))
	require.NoError(t, saleQueue.Push(generateTestSales("R", 10)))
	require.NoError(t, saleQueue.Flush(context.Background()))

	var count int64
	require.NoError(t, store.DB().Model(&models.SaleRecord{}).Count(&count).Error)
	assert.Equal(t, int64(10), count)
}
