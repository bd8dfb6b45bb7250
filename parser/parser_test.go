package parser

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/aluiziolira/go-scrape-offers/models"
)

func TestValidateOffer(t *testing.T) {
	price := 10.0
	negative := -1.0
	tests := []struct {
		name    string
		offer   *models.Offer
		wantErr bool
	}{
		{
			name:    "valid offer",
			offer:   &models.Offer{Shop: "Shop A", Price: &price},
			wantErr: false,
		},
		{
			name:    "unknown price is valid",
			offer:   &models.Offer{Shop: "Shop A"},
			wantErr: false,
		},
		{
			name:    "missing shop",
			offer:   &models.Offer{Shop: "  ", Price: &price},
			wantErr: true,
		},
		{
			name:    "negative price",
			offer:   &models.Offer{Shop: "Shop A", Price: &negative},
			wantErr: true,
		},
		{
			name:    "nil offer",
			offer:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOffer(tt.offer)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOffer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeShop(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "surrounding whitespace", input: "  Shop A  ", expected: "Shop A"},
		{name: "inner whitespace", input: "Big \n\t Shop", expected: "Big Shop"},
		{name: "already clean", input: "Shop", expected: "Shop"},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := NormalizeShop(tt.input); result != tt.expected {
				t.Errorf("NormalizeShop(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected float64
		wantErr  error
		anyErr   bool
	}{
		{name: "integer", input: `12990`, expected: 12990},
		{name: "float", input: `499.5`, expected: 499.5},
		{name: "numeric string", input: `"12990"`, expected: 12990},
		{name: "string with grouping and currency", input: `"12 990,50 ₽"`, expected: 12990.5},
		{name: "comma groups thousands", input: `"1,299"`, expected: 1299},
		{name: "dot groups thousands", input: `"1.299 ₽"`, expected: 1299},
		{name: "dot grouping with comma decimals", input: `"1.299,50"`, expected: 1299.5},
		{name: "comma grouping with dot decimals", input: `"1,299.99"`, expected: 1299.99},
		{name: "several groups", input: `"1,234,567"`, expected: 1234567},
		{name: "comma decimal", input: `"99,9"`, expected: 99.9},
		{name: "null", input: `null`, wantErr: ErrMissing},
		{name: "absent", input: ``, wantErr: ErrMissing},
		{name: "string without digits", input: `"call us"`, wantErr: ErrMissing},
		{name: "object", input: `{"value":1}`, anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParsePrice(json.RawMessage(tt.input))
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParsePrice(%s) error = %v, want %v", tt.input, err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil {
					t.Fatalf("ParsePrice(%s) expected error", tt.input)
				}
			default:
				if err != nil {
					t.Fatalf("ParsePrice(%s) unexpected error: %v", tt.input, err)
				}
				if result != tt.expected {
					t.Errorf("ParsePrice(%s) = %v, want %v", tt.input, result, tt.expected)
				}
			}
		})
	}
}

func TestParseErrorUnwrap(t *testing.T) {
	err := &ParseError{Field: "price", Page: 2, Card: 3, Err: ErrMissing}
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("ParseError should unwrap to ErrMissing")
	}
	if got := err.Error(); got != "parse price (page 2, card 3): missing" {
		t.Fatalf("Error() = %q", got)
	}
}
