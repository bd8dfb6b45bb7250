// Package models defines data structures for the scraper.
package models

import (
	"strconv"
	"time"
)

// Offer is a single seller listing for the searched product. Price is nil
// when it could not be extracted.
type Offer struct {
	Shop  string   `json:"shop"`
	Price *float64 `json:"price"`
	Page  int      `json:"page"`
}

// PriceText renders the price, or "unknown" when it is missing.
func (o *Offer) PriceText() string {
	return FormatPrice(o.Price)
}

// OfferPage is the raw content of one offers page.
type OfferPage struct {
	Number int
	URL    string
	Body   string
}

// ShopPrice is one entry of the final shop to price mapping.
type ShopPrice struct {
	Shop      string    `json:"shop"`
	Price     *float64  `json:"price"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// FormatPrice renders an optional price.
func FormatPrice(price *float64) string {
	if price == nil {
		return "unknown"
	}
	return strconv.FormatFloat(*price, 'f', -1, 64)
}

// ScrapeResult holds the overall result of a scraping run.
type ScrapeResult struct {
	RunID         string
	Product       string
	OffersURL     string
	Shops         []ShopPrice
	StartTime     time.Time
	EndTime       time.Time
	CardCount     int
	OfferCount    int
	DeclaredPages int
	PageCount     int
	SkippedPages  []int
	ParseErrors   int
	ErrorsByType  map[string]int
	RetryCount    int
	RequestCount  int
	RotationCount int
}
