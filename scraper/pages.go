package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-offers/config"
	"github.com/aluiziolira/go-scrape-offers/models"
	"github.com/aluiziolira/go-scrape-offers/parser"
	"github.com/aluiziolira/go-scrape-offers/proxy"
)

// Fetcher issues one logical GET. *Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, target string, params url.Values) (*Result, error)
}

// Pages drives the marketplace endpoints on top of a Fetcher.
type Pages struct {
	cfg     *config.Config
	fetcher Fetcher
	logger  *slog.Logger
}

// NewPages builds a page fetcher. A nil logger uses slog.Default.
func NewPages(cfg *config.Config, fetcher Fetcher, logger *slog.Logger) *Pages {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pages{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.With(slog.String("component", "pages")),
	}
}

// SearchByName fetches the search results page for name.
func (p *Pages) SearchByName(ctx context.Context, name string) (*Result, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyQuery
	}
	params := url.Values{}
	params.Set(p.cfg.SearchParam, name)
	return p.fetcher.Fetch(ctx, p.cfg.SearchPath, params)
}

// FetchByURL fetches an arbitrary page and returns its body.
func (p *Pages) FetchByURL(ctx context.Context, target string, params url.Values) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", ErrEmptyURL
	}
	res, err := p.fetcher.Fetch(ctx, target, params)
	if err != nil {
		return "", err
	}
	return res.Body, nil
}

// PageSet is the outcome of walking a paginated offers listing.
type PageSet struct {
	Pages    []models.OfferPage
	Skipped  []int
	Declared int
}

// FetchAllOffersPages fetches page 1, reads the declared page count from it
// and then fetches the remaining pages in order. A failing intermediate page
// is skipped. Pool exhaustion and cancellation stop the walk and return the
// pages gathered so far together with the error.
func (p *Pages) FetchAllOffersPages(ctx context.Context, offersURL string) (*PageSet, error) {
	if strings.TrimSpace(offersURL) == "" {
		return nil, ErrEmptyURL
	}

	first, err := p.fetcher.Fetch(ctx, offersURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch offers page 1: %w", err)
	}

	declared, err := parser.PageCount(first.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPagination, err)
	}

	set := &PageSet{
		Declared: declared,
		Pages:    []models.OfferPage{{Number: 1, URL: first.URL, Body: first.Body}},
	}

	last := declared
	if p.cfg.MaxPages > 0 && last > p.cfg.MaxPages {
		p.logger.Warn("page count capped",
			slog.Int("declared", declared),
			slog.Int("max_pages", p.cfg.MaxPages),
		)
		last = p.cfg.MaxPages
	}

	for page := 2; page <= last; page++ {
		params := url.Values{}
		params.Set(p.cfg.PageParam, strconv.Itoa(page))

		res, err := p.fetcher.Fetch(ctx, offersURL, params)
		if err != nil {
			if errors.Is(err, proxy.ErrPoolExhausted) || ctx.Err() != nil {
				return set, fmt.Errorf("fetch offers page %d: %w", page, err)
			}
			p.logger.Warn("skipping offers page",
				slog.Int("page", page),
				slog.String("category", errorTypeLabel(err)),
				slog.Any("error", err),
			)
			set.Skipped = append(set.Skipped, page)
			continue
		}
		set.Pages = append(set.Pages, models.OfferPage{Number: page, URL: res.URL, Body: res.Body})
	}

	p.logger.Info("offers pages fetched",
		slog.Int("declared", declared),
		slog.Int("fetched", len(set.Pages)),
		slog.Int("skipped", len(set.Skipped)),
	)
	return set, nil
}
