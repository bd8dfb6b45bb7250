package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-scrape-offers/models"
)

// ErrMissing reports an absent markup fragment or JSON field.
var ErrMissing = errors.New("missing")

// ParseError is a per-offer extraction failure. It never aborts a batch.
type ParseError struct {
	Field string
	Page  int
	Card  int
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (page %d, card %d): %v", e.Field, e.Page, e.Card, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidateOffer ensures the extractor captured the required fields.
func ValidateOffer(o *models.Offer) error {
	if o == nil {
		return fmt.Errorf("offer is nil")
	}
	if strings.TrimSpace(o.Shop) == "" {
		return fmt.Errorf("offer missing shop")
	}
	if o.Price != nil && *o.Price < 0 {
		return fmt.Errorf("offer from %s has negative price", o.Shop)
	}
	return nil
}

// NormalizeShop trims and collapses whitespace in a shop name.
func NormalizeShop(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// ParsePrice decodes a price that may be encoded as a JSON number or as a
// string such as "12 990,50".
func ParsePrice(raw json.RawMessage) (float64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, ErrMissing
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("price is neither number nor string: %s", trimmed)
	}
	return ParsePriceText(text)
}

// ParsePriceText strips currency symbols and grouping spaces from text.
// A '.' or ',' followed by exactly three digits groups thousands; otherwise
// the last separator is the decimal point.
func ParsePriceText(text string) (float64, error) {
	var groups []string
	var current strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			current.WriteRune(r)
		case r == '.' || r == ',':
			if current.Len() > 0 {
				groups = append(groups, current.String())
				current.Reset()
			}
		}
	}
	if current.Len() > 0 {
		groups = append(groups, current.String())
	}
	if len(groups) == 0 {
		return 0, ErrMissing
	}

	cleaned := strings.Join(groups, "")
	if last := groups[len(groups)-1]; len(groups) > 1 && len(last) != 3 {
		cleaned = strings.Join(groups[:len(groups)-1], "") + "." + last
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", text, err)
	}
	return value, nil
}
