package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL         string
	SearchPath      string
	SearchParam     string
	PageParam       string
	OffersSuffix    string
	ChallengeMarker string

	UserAgents     []string
	AcceptLanguage string

	Proxies            []string
	ProxyFile          string
	ProxyFirst         bool
	ProxyBurnCacheSize int

	Timeout           time.Duration
	RateLimitCooldown time.Duration
	MaxAttempts       int // 0 retries rotation faults without limit
	RetryBackoff      time.Duration
	RetryBackoffMax   time.Duration
	MaxPages          int
	Delay             time.Duration
	RandomDelay       time.Duration

	OutputFile   string
	OutputFormat string // csv, json, or dual
	MetricsAddr  string
	Verbose      bool
}

// DefaultConfig returns defaults for the marketplace target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "https://market.yandex.ru",
		SearchPath:         "/search",
		SearchParam:        "text",
		PageParam:          "page",
		OffersSuffix:       "/offers",
		ChallengeMarker:    "showcaptcha",
		UserAgents:         DefaultUserAgents(),
		AcceptLanguage:     "ru-RU,ru;q=0.8,en-US;q=0.6,en;q=0.4",
		ProxyBurnCacheSize: 1024,
		Timeout:            5 * time.Second,
		RateLimitCooldown:  5 * time.Minute,
		MaxAttempts:        25,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		MaxPages:           100,
		OutputFormat:       "csv",
	}
}

// DefaultUserAgents is the identity set rotated on challenge pages.
func DefaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if !strings.HasPrefix(c.SearchPath, "/") {
		return fmt.Errorf("search path must start with /")
	}
	if c.SearchParam == "" || c.PageParam == "" {
		return fmt.Errorf("search and page parameter names cannot be empty")
	}
	if c.ChallengeMarker == "" {
		return fmt.Errorf("challenge marker cannot be empty")
	}
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("user agents cannot be empty")
	}
	for i, ua := range c.UserAgents {
		if strings.TrimSpace(ua) == "" {
			return fmt.Errorf("user agent %d is blank", i)
		}
	}
	if c.ProxyBurnCacheSize <= 0 {
		return fmt.Errorf("proxy burn cache size must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.RateLimitCooldown < 0 {
		return fmt.Errorf("rate limit cooldown cannot be negative")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoff > 0 && c.RetryBackoffMax == 0 {
		return fmt.Errorf("retry backoff max must be set when retry backoff is positive")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}

	return nil
}
