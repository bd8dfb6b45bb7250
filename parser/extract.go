package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-offers/models"
)

// ErrNoProductLink is returned when a search page has no link for the product.
var ErrNoProductLink = errors.New("no product link on search page")

// ErrNoPager is returned when an offers page carries no pagination metadata.
var ErrNoPager = errors.New("no pagination metadata")

const (
	pagerSelector    = "div.n-pager"
	cardSelector     = "div.n-snippet-card"
	complainSelector = "div.b-popup-complain"
	bemAttr          = "data-bem"
)

type pagerBEM struct {
	Pager *struct {
		PagesCount int `json:"pagesCount"`
	} `json:"n-pager"`
}

type cardBEM struct {
	ShopHistory *struct {
		ClickParams *struct {
			Price json.RawMessage `json:"price"`
		} `json:"clickParams"`
	} `json:"shop-history"`
}

type complainBEM struct {
	Complain *struct {
		Shop *struct {
			Name string `json:"name"`
		} `json:"shop"`
	} `json:"b-popup-complain"`
}

// Extraction is the outcome of reading offer cards from one page.
type Extraction struct {
	Cards    int
	Offers   []models.Offer
	Failures []*ParseError
}

func newDocument(body string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ProductLink finds the first link whose title mentions name, ignoring case,
// and returns its href without the query string.
func ProductLink(body, name string) (string, error) {
	doc, err := newDocument(body)
	if err != nil {
		return "", err
	}

	needle := strings.ToLower(strings.TrimSpace(name))
	var href string
	doc.Find("a[title]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title, _ := s.Attr("title")
		if !strings.Contains(strings.ToLower(title), needle) {
			return true
		}
		link, ok := s.Attr("href")
		if !ok || strings.TrimSpace(link) == "" {
			return true
		}
		href = strings.SplitN(strings.TrimSpace(link), "?", 2)[0]
		return false
	})

	if href == "" {
		return "", ErrNoProductLink
	}
	return href, nil
}

// PageCount reads the total number of offers pages from the pager block.
func PageCount(body string) (int, error) {
	doc, err := newDocument(body)
	if err != nil {
		return 0, err
	}

	raw, ok := doc.Find(pagerSelector).First().Attr(bemAttr)
	if !ok {
		return 0, ErrNoPager
	}
	var bem pagerBEM
	if err := json.Unmarshal([]byte(raw), &bem); err != nil {
		return 0, fmt.Errorf("%w: decode pager: %v", ErrNoPager, err)
	}
	if bem.Pager == nil || bem.Pager.PagesCount <= 0 {
		return 0, ErrNoPager
	}
	return bem.Pager.PagesCount, nil
}

// ExtractOffers reads every offer card on a page. A card with an unreadable
// price is kept with an unknown price; a card without a shop is dropped.
// Both are reported as failures.
func ExtractOffers(body string, page int) Extraction {
	var out Extraction

	doc, err := newDocument(body)
	if err != nil {
		out.Failures = append(out.Failures, &ParseError{Field: "document", Page: page, Err: err})
		return out
	}

	doc.Find(cardSelector).Each(func(i int, card *goquery.Selection) {
		out.Cards++

		shop, err := shopFromCard(card)
		if err != nil {
			out.Failures = append(out.Failures, &ParseError{Field: "shop", Page: page, Card: i, Err: err})
			return
		}

		offer := models.Offer{Shop: shop, Page: page}
		price, err := priceFromCard(card)
		if err != nil {
			out.Failures = append(out.Failures, &ParseError{Field: "price", Page: page, Card: i, Err: err})
		} else {
			offer.Price = &price
		}
		out.Offers = append(out.Offers, offer)
	})

	return out
}

func priceFromCard(card *goquery.Selection) (float64, error) {
	raw, ok := card.Attr(bemAttr)
	if !ok {
		return 0, ErrMissing
	}
	var bem cardBEM
	if err := json.Unmarshal([]byte(raw), &bem); err != nil {
		return 0, fmt.Errorf("decode card: %w", err)
	}
	if bem.ShopHistory == nil || bem.ShopHistory.ClickParams == nil {
		return 0, ErrMissing
	}
	return ParsePrice(bem.ShopHistory.ClickParams.Price)
}

func shopFromCard(card *goquery.Selection) (string, error) {
	raw, ok := card.Find(complainSelector).First().Attr(bemAttr)
	if !ok {
		return "", ErrMissing
	}
	var bem complainBEM
	if err := json.Unmarshal([]byte(raw), &bem); err != nil {
		return "", fmt.Errorf("decode complain block: %w", err)
	}
	if bem.Complain == nil || bem.Complain.Shop == nil {
		return "", ErrMissing
	}
	name := NormalizeShop(bem.Complain.Shop.Name)
	if name == "" {
		return "", ErrMissing
	}
	return name, nil
}
