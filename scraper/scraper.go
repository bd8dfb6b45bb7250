package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-offers/config"
	"github.com/aluiziolira/go-scrape-offers/models"
	"github.com/aluiziolira/go-scrape-offers/parser"
	"github.com/aluiziolira/go-scrape-offers/pipeline"
	"github.com/aluiziolira/go-scrape-offers/proxy"
	"github.com/google/uuid"
)

// Scraper looks a product up by name and streams the offers found on every
// offers page through a pipeline.
type Scraper struct {
	cfg     *config.Config
	runID   string
	client  *Client
	pages   *Pages
	Metrics *Metrics
	logger  *slog.Logger
}

// NewScraper builds a scraper and its HTTP session. Every log line of the
// session carries the run id.
func NewScraper(cfg *config.Config, pool ProxySource, identities IdentitySource, logger *slog.Logger, opts ...ClientOption) (*Scraper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))

	base := []ClientOption{WithMetrics(NewMetrics()), WithLogger(logger)}
	client, err := NewClient(cfg, pool, identities, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	return &Scraper{
		cfg:     cfg,
		runID:   runID,
		client:  client,
		pages:   NewPages(cfg, client, logger),
		Metrics: client.metrics,
		logger:  logger.With(slog.String("component", "scraper")),
	}, nil
}

// RunID identifies this scraper's run in logs and results.
func (s *Scraper) RunID() string {
	return s.runID
}

// LastPage returns the most recent page the session received.
func (s *Scraper) LastPage() (string, string) {
	return s.client.LastPage()
}

// Run searches for product, follows its offers listing and sends every
// extracted offer to p. The result is returned even on failure so partial
// progress can be reported; Shops is left for the caller to fill once the
// pipeline is closed.
func (s *Scraper) Run(ctx context.Context, product string, p *pipeline.Pipeline) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result := &models.ScrapeResult{
		RunID:     s.runID,
		Product:   product,
		StartTime: time.Now(),
	}
	defer s.finish(result)

	s.logger.Info("searching product", slog.String("product", product))
	search, err := s.pages.SearchByName(ctx, product)
	if err != nil {
		if passThrough(ctx, err) {
			return result, err
		}
		return result, fmt.Errorf("%w: search %q: %w", ErrProductNotFound, product, err)
	}

	link, err := parser.ProductLink(search.Body, product)
	if err != nil {
		return result, fmt.Errorf("%w: %q: %w", ErrProductNotFound, product, err)
	}
	result.OffersURL = link + s.cfg.OffersSuffix
	s.logger.Info("product found",
		slog.String("product", product),
		slog.String("offers_url", result.OffersURL),
	)

	set, err := s.pages.FetchAllOffersPages(ctx, result.OffersURL)
	if set == nil {
		return result, err
	}
	result.DeclaredPages = set.Declared
	result.PageCount = len(set.Pages)
	result.SkippedPages = set.Skipped

	for _, page := range set.Pages {
		if perr := s.extract(page, p, result); perr != nil {
			return result, perr
		}
	}

	return result, err
}

func (s *Scraper) extract(page models.OfferPage, p *pipeline.Pipeline, result *models.ScrapeResult) error {
	extraction := parser.ExtractOffers(page.Body, page.Number)
	result.CardCount += extraction.Cards
	for _, failure := range extraction.Failures {
		result.ParseErrors++
		s.client.recordError(failure)
		s.logger.Warn("offer parse failure",
			slog.String("field", failure.Field),
			slog.Int("page", failure.Page),
			slog.Int("card", failure.Card),
			slog.Any("error", failure.Err),
		)
	}

	s.logger.Debug("offers extracted",
		slog.Int("page", page.Number),
		slog.Int("cards", extraction.Cards),
		slog.Int("offers", len(extraction.Offers)),
	)
	if len(extraction.Offers) == 0 {
		return nil
	}
	if err := p.Process(extraction.Offers...); err != nil {
		return fmt.Errorf("process offers of page %d: %w", page.Number, err)
	}
	result.OfferCount += len(extraction.Offers)
	s.Metrics.AddOffers(len(extraction.Offers))
	return nil
}

func (s *Scraper) finish(result *models.ScrapeResult) {
	stats := s.client.Stats()
	result.EndTime = time.Now()
	result.RequestCount = stats.Requests
	result.RetryCount = stats.Retries
	result.RotationCount = stats.Rotations
	result.ErrorsByType = stats.ErrorsByType
}

// passThrough reports whether a search failure says nothing about the
// product itself.
func passThrough(ctx context.Context, err error) bool {
	return errors.Is(err, ErrEmptyQuery) ||
		errors.Is(err, proxy.ErrPoolExhausted) ||
		IsTransient(err) ||
		ctx.Err() != nil
}
