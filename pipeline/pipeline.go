// Package pipeline aggregates extracted offers into the final shop to price
// mapping and optionally exports it.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-offers/models"
	"github.com/aluiziolira/go-scrape-offers/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when the aggregator does not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

var drainTimeout = 30 * time.Second

// Pipeline validates offers and folds them, in submission order, into a
// shop to price mapping. A later offer for a known shop replaces its price
// but keeps the shop's original position.
type Pipeline struct {
	export  Exporter
	offerCh chan models.Offer
	now     func() time.Time

	wg      sync.WaitGroup
	started bool

	shopsMu sync.Mutex
	index   map[string]int
	shops   []models.ShopPrice

	metrics metrics

	mu     sync.Mutex // guards started/closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline. export may be nil when no export is wanted.
func NewPipeline(export Exporter) *Pipeline {
	return &Pipeline{
		export:   export,
		offerCh:  make(chan models.Offer, 512),
		now:      time.Now,
		index:    make(map[string]int),
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}
}

// Start launches the aggregator. A single goroutine owns the mapping so
// submission order decides which price wins.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.started {
		return
	}
	p.started = true

	p.wg.Add(1)
	go p.aggregate()
}

// Process enqueues offers for aggregation.
func (p *Pipeline) Process(offers ...models.Offer) error {
	if len(offers) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, offer := range offers {
		if err := p.enqueue(offer); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending offers, prevents more submissions and hands the
// final mapping to the exporter, if any. A pipeline that fails to drain
// discards the export.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	started := p.started
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.offerCh)
	})
	if !started {
		// Nothing will drain the channel; fold what was buffered inline.
		for offer := range p.offerCh {
			p.fold(offer)
		}
	}

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		p.signalShutdown()
		p.discardExport()
		return ErrPipelineCloseTimeout
	}
	p.signalShutdown()

	if err := p.Err(); err != nil {
		p.discardExport()
		return err
	}
	if p.export == nil {
		return nil
	}
	if err := p.export.Export(p.Shops()); err != nil {
		p.setErr(fmt.Errorf("export shops: %w", err))
		p.discardExport()
		return p.Err()
	}
	if err := p.export.Close(); err != nil {
		p.setErr(fmt.Errorf("close exporter: %w", err))
	}
	return p.Err()
}

func (p *Pipeline) discardExport() {
	if p.export != nil {
		p.export.Close()
	}
}

// Shops returns the current mapping in first-seen order.
func (p *Pipeline) Shops() []models.ShopPrice {
	p.shopsMu.Lock()
	defer p.shopsMu.Unlock()
	out := make([]models.ShopPrice, len(p.shops))
	copy(out, p.shops)
	return out
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				logger.Info("pipeline progress",
					slog.Int64("processed_offers", metrics["processed_offers"].(int64)),
					slog.Int("shops", metrics["shops"].(int)),
					slog.Int("validation_errors", len(metrics["validation_errors"].(map[string]int))),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) aggregate() {
	defer p.wg.Done()
	for offer := range p.offerCh {
		p.fold(offer)
	}
}

func (p *Pipeline) fold(offer models.Offer) {
	if err := parser.ValidateOffer(&offer); err != nil {
		p.metrics.addValidation("invalid_record")
		return
	}
	shop := parser.NormalizeShop(offer.Shop)
	entry := models.ShopPrice{Shop: shop, Price: offer.Price, ScrapedAt: p.now()}

	p.shopsMu.Lock()
	if i, ok := p.index[shop]; ok {
		p.shops[i] = entry
		p.metrics.incrementReplaced()
	} else {
		p.index[shop] = len(p.shops)
		p.shops = append(p.shops, entry)
	}
	shops := len(p.shops)
	p.shopsMu.Unlock()

	p.metrics.incrementProcessed(shops)
}

func (p *Pipeline) enqueue(offer models.Offer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.offerCh <- offer:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	replaced   int64
	shops      int
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed(shops int) {
	m.mu.Lock()
	m.processed++
	m.shops = shops
	m.mu.Unlock()
}

func (m *metrics) incrementReplaced() {
	m.mu.Lock()
	m.replaced++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_offers":  m.processed,
		"replaced_prices":   m.replaced,
		"shops":             m.shops,
		"validation_errors": copyValidation,
	}
}
