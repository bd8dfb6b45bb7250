package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-offers/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExporter struct {
	mu        sync.Mutex
	batches   [][]models.ShopPrice
	closed    bool
	exportErr error
}

func (me *mockExporter) Export(shops []models.ShopPrice) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.exportErr != nil {
		return me.exportErr
	}
	batch := make([]models.ShopPrice, len(shops))
	copy(batch, shops)
	me.batches = append(me.batches, batch)
	return nil
}

func (me *mockExporter) Close() error {
	me.mu.Lock()
	me.closed = true
	me.mu.Unlock()
	return nil
}

func price(v float64) *float64 {
	return &v
}

func TestPipelineLastWriteWins(t *testing.T) {
	t.Parallel()

	export := &mockExporter{}
	p := NewPipeline(export)
	p.Start()

	require.NoError(t, p.Process(
		models.Offer{Shop: "Shop A", Price: price(100), Page: 1},
		models.Offer{Shop: "Shop B", Price: price(200), Page: 1},
	))
	require.NoError(t, p.Process(
		models.Offer{Shop: "Shop A", Price: price(90), Page: 2},
		models.Offer{Shop: "  Shop  B ", Price: nil, Page: 2},
		models.Offer{Shop: "Shop C", Price: price(300), Page: 2},
	))
	require.NoError(t, p.Close())

	shops := p.Shops()
	require.Len(t, shops, 3)
	assert.Equal(t, "Shop A", shops[0].Shop)
	assert.Equal(t, 90.0, *shops[0].Price)
	assert.Equal(t, "Shop B", shops[1].Shop)
	assert.Nil(t, shops[1].Price)
	assert.Equal(t, "Shop C", shops[2].Shop)

	require.Len(t, export.batches, 1)
	assert.Equal(t, shops, export.batches[0])
	assert.True(t, export.closed)

	metrics := p.GetMetrics()
	assert.Equal(t, int64(5), metrics["processed_offers"])
	assert.Equal(t, int64(2), metrics["replaced_prices"])
	assert.Equal(t, 3, metrics["shops"])
}

func TestPipelineRejectsInvalidOffers(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil)
	p.Start()

	require.NoError(t, p.Process(
		models.Offer{Shop: "", Price: price(10)},
		models.Offer{Shop: "Shop A", Price: price(-1)},
		models.Offer{Shop: "Shop B", Price: price(5)},
	))
	require.NoError(t, p.Close())

	assert.Len(t, p.Shops(), 1)
	validation, ok := p.GetMetrics()["validation_errors"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 2, validation["invalid_record"])
}

func TestPipelinePreservesSubmissionOrder(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil)
	p.Start()

	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, p.Process(models.Offer{Shop: fmt.Sprintf("shop-%d", i%10), Price: price(float64(i))}))
	}
	require.NoError(t, p.Close())

	shops := p.Shops()
	require.Len(t, shops, 10)
	for i, shop := range shops {
		assert.Equal(t, fmt.Sprintf("shop-%d", i), shop.Shop)
		assert.Equal(t, float64(n-10+i), *shop.Price)
	}
}

func TestPipelineCloseWithoutStart(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil)
	require.NoError(t, p.Process(models.Offer{Shop: "Shop A", Price: price(1)}))
	require.NoError(t, p.Close())
	assert.Len(t, p.Shops(), 1)
}

func TestPipelineProcessAfterClose(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil)
	p.Start()
	require.NoError(t, p.Close())

	err := p.Process(models.Offer{Shop: "Shop A"})
	assert.ErrorIs(t, err, ErrPipelineClosed)
}

func TestPipelineExportFailure(t *testing.T) {
	t.Parallel()

	export := &mockExporter{exportErr: errors.New("disk full")}
	p := NewPipeline(export)
	p.Start()
	require.NoError(t, p.Process(models.Offer{Shop: "Shop A", Price: price(1)}))

	err := p.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, err, p.Err())
	assert.True(t, export.closed)
}

func TestPipelineCloseTimeout(t *testing.T) {
	block := make(chan struct{})
	p := NewPipeline(nil)
	p.now = func() time.Time {
		<-block
		return time.Now()
	}
	p.Start()
	require.NoError(t, p.Process(models.Offer{Shop: "Shop A", Price: price(1)}))

	previousTimeout := drainTimeout
	drainTimeout = 25 * time.Millisecond
	t.Cleanup(func() {
		drainTimeout = previousTimeout
		close(block)
	})

	assert.ErrorIs(t, p.Close(), ErrPipelineCloseTimeout)
}

func TestPipelineEmptyMappingIsExported(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.jsonl")
	export, err := NewJSONLExporter(path)
	require.NoError(t, err)

	p := NewPipeline(export)
	p.Start()
	require.NoError(t, p.Close())
	assert.Empty(t, p.Shops())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestPipelineCloseTimeoutDiscardsExport(t *testing.T) {
	block := make(chan struct{})
	export := &mockExporter{}
	p := NewPipeline(export)
	p.now = func() time.Time {
		<-block
		return time.Now()
	}
	p.Start()
	require.NoError(t, p.Process(models.Offer{Shop: "Shop A", Price: price(1)}))

	previousTimeout := drainTimeout
	drainTimeout = 25 * time.Millisecond
	t.Cleanup(func() {
		drainTimeout = previousTimeout
		close(block)
	})

	assert.ErrorIs(t, p.Close(), ErrPipelineCloseTimeout)
	assert.Empty(t, export.batches)
	assert.True(t, export.closed)
}
