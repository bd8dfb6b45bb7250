package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-offers/config"
	"github.com/aluiziolira/go-scrape-offers/proxy"
	"github.com/gocolly/colly/v2"
)

// State is a phase of the session state machine.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateSuccess
	StateRetryWithNewProxy
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateSuccess:
		return "success"
	case StateRetryWithNewProxy:
		return "retry_with_new_proxy"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ProxySource hands out egress proxies. *proxy.Pool satisfies it.
type ProxySource interface {
	Next() (string, error)
	Burn(proxy string)
	Len() int
}

// IdentitySource draws client identities. *proxy.Rotator satisfies it.
type IdentitySource interface {
	Next() string
	Rotate(current string) string
}

type noProxies struct{}

func (noProxies) Next() (string, error) { return "", proxy.ErrPoolExhausted }
func (noProxies) Burn(string)           {}
func (noProxies) Len() int              { return 0 }

// Result is the payload of a successful fetch.
type Result struct {
	Status int
	URL    string
	Body   string
}

// Stats summarises the work a client has done.
type Stats struct {
	Requests     int
	Retries      int
	Rotations    int
	ErrorsByType map[string]int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMetrics sets the collectors the client reports to.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithSleep replaces the context-aware wait used for cooldowns and backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleep = fn
	}
}

type attemptOutcome struct {
	status   int
	finalURL string
	body     []byte
	err      error
}

// Client is a single sequential HTTP session that owns its current proxy and
// identity and recovers from anti-bot faults by rotating them.
type Client struct {
	cfg        *config.Config
	base       *url.URL
	collector  *colly.Collector
	pool       ProxySource
	identities IdentitySource
	retry      *retryPolicy
	metrics    *Metrics
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	fetchMu sync.Mutex
	outcome attemptOutcome // filled by collector callbacks during Visit

	mu       sync.Mutex // guards the session fields below
	state    State
	proxy    string
	identity string
	lastURL  string
	lastPage string

	requestCount  int64
	retryCount    int64
	rotationCount int64

	errMu        sync.Mutex
	errorsByType map[string]int
}

// NewClient builds a session. A nil pool means direct connections only; the
// first proxy fault then surfaces proxy.ErrPoolExhausted.
func NewClient(cfg *config.Config, pool ProxySource, identities IdentitySource, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if identities == nil {
		return nil, fmt.Errorf("identity source is required")
	}
	if pool == nil {
		pool = noProxies{}
	}

	c := &Client{
		cfg:          cfg,
		base:         base,
		pool:         pool,
		identities:   identities,
		retry:        newRetryPolicy(cfg),
		sleep:        sleepContext,
		errorsByType: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "client"))
	c.identity = identities.Next()

	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(c.identity),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: c.proxyURL,
		DialContext: (&net.Dialer{
			Timeout: cfg.Timeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		DisableKeepAlives:     true,
	})
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}
	c.collector = collector
	c.registerCallbacks()

	c.metrics.SetPoolSize(pool.Len())
	if cfg.ProxyFirst {
		if err := c.switchProxy(); err != nil {
			return nil, fmt.Errorf("acquire initial proxy: %w", err)
		}
		c.setState(StateIdle)
	}
	return c, nil
}

func (c *Client) registerCallbacks() {
	c.collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Connection", "close")
		r.Headers.Set("Accept", "*/*")
		r.Headers.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		r.Headers.Set("Accept-Language", c.cfg.AcceptLanguage)
		r.Headers.Set("User-Agent", c.Identity())
	})

	c.collector.OnResponse(func(r *colly.Response) {
		c.outcome.status = r.StatusCode
		c.outcome.body = r.Body
		if r.Request != nil && r.Request.URL != nil {
			c.outcome.finalURL = r.Request.URL.String()
		}
	})

	c.collector.OnError(func(r *colly.Response, err error) {
		c.outcome.err = err
		if r == nil {
			return
		}
		c.outcome.status = r.StatusCode
		c.outcome.body = r.Body
		if r.Request != nil && r.Request.URL != nil {
			c.outcome.finalURL = r.Request.URL.String()
		}
	})
}

// Fetch issues one logical GET for target (absolute, or relative to the base
// URL) with params merged into its query. Challenge pages and proxy faults
// are recovered by rotation and retried; a 429 is served a cooldown and
// then surfaced; other non-200 statuses are surfaced immediately.
func (c *Client) Fetch(ctx context.Context, target string, params url.Values) (*Result, error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	endpoint, err := c.resolve(target, params)
	if err != nil {
		return nil, err
	}

	if c.State() == StateFatal {
		if err := c.switchProxy(); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
		}
	}

	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			c.setState(StateIdle)
			return nil, err
		}
		if !c.retry.allow(attempt) {
			c.setState(StateIdle)
			exhausted := ErrRetriesExhausted{Attempts: attempt - 1, Last: last}
			c.recordError(exhausted)
			c.logger.Error("retries exhausted",
				slog.String("url", endpoint),
				slog.Int("attempts", attempt-1),
				slog.Any("error", last),
			)
			return nil, exhausted
		}
		if attempt > 1 {
			atomic.AddInt64(&c.retryCount, 1)
			c.metrics.IncRetries()
			if err := c.sleep(ctx, c.retry.backoff(attempt-1)); err != nil {
				c.setState(StateIdle)
				return nil, err
			}
		}

		c.setState(StateRequesting)
		c.logger.Debug("requesting",
			slog.String("url", endpoint),
			slog.String("proxy", c.Proxy()),
			slog.Int("attempt", attempt),
		)
		outcome := c.do(endpoint)
		fault := classifyAttempt(outcome.status, outcome.finalURL, outcome.err, c.cfg.ChallengeMarker)
		if fault == nil {
			c.metrics.IncRequest("success")
			result := &Result{Status: outcome.status, URL: outcome.finalURL, Body: string(outcome.body)}
			c.mu.Lock()
			c.state = StateSuccess
			c.lastURL = result.URL
			c.lastPage = result.Body
			c.mu.Unlock()
			return result, nil
		}

		last = fault
		label := errorTypeLabel(fault)
		c.recordError(fault)
		c.metrics.IncRequest(label)

		var challenge ErrChallenge
		var rateLimited ErrRateLimited
		var status ErrHTTPStatus
		var unclassified ErrUnclassified
		switch {
		case errors.As(fault, &challenge):
			c.logger.Warn("challenge page, rotating identity and proxy",
				slog.String("url", challenge.URL),
				slog.String("proxy", c.Proxy()),
			)
			c.rotateIdentity()
			if err := c.switchProxy(); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
			}

		case errors.As(fault, &rateLimited):
			c.keepLastPage(outcome)
			cooldown := c.cfg.RateLimitCooldown
			c.logger.Warn("too many requests, cooling down",
				slog.String("url", endpoint),
				slog.Duration("cooldown", cooldown),
			)
			c.metrics.IncCooldown()
			err := c.sleep(ctx, cooldown)
			c.setState(StateIdle)
			if err != nil {
				return nil, err
			}
			rateLimited.Cooldown = cooldown
			return nil, rateLimited

		case errors.As(fault, &status):
			c.keepLastPage(outcome)
			c.setState(StateIdle)
			c.logger.Warn("non-200 response",
				slog.Int("status", status.Status),
				slog.String("url", status.URL),
			)
			return nil, fault

		case errors.As(fault, &unclassified):
			c.logger.Warn("unclassified fault, rotating proxy",
				slog.String("url", endpoint),
				slog.String("proxy", c.Proxy()),
				slog.Any("error", unclassified.Err),
			)
			if err := c.switchProxy(); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
			}

		case IsProxyFault(fault):
			c.logger.Error("proxy fault, rotating proxy",
				slog.String("url", endpoint),
				slog.String("proxy", c.Proxy()),
				slog.String("category", label),
				slog.Any("error", fault),
			)
			if err := c.switchProxy(); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
			}

		default:
			c.setState(StateIdle)
			return nil, fault
		}
	}
}

func (c *Client) do(endpoint string) attemptOutcome {
	c.outcome = attemptOutcome{}
	start := time.Now()
	err := c.collector.Visit(endpoint)
	c.metrics.ObserveDuration(time.Since(start))
	atomic.AddInt64(&c.requestCount, 1)

	out := c.outcome
	if out.err == nil && err != nil {
		out.err = err
	}
	if out.finalURL == "" {
		out.finalURL = endpoint
	}
	return out
}

func (c *Client) resolve(target string, params url.Values) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrEmptyURL
	}
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", target, err)
	}
	u := c.base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme in %q", u.String())
	}
	if len(params) > 0 {
		query := u.Query()
		for key, values := range params {
			query.Del(key)
			for _, v := range values {
				query.Add(key, v)
			}
		}
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// switchProxy discards the current proxy and installs the next one. On an
// empty pool the session becomes fatal and proxy.ErrPoolExhausted is returned.
func (c *Client) switchProxy() error {
	c.mu.Lock()
	old := c.proxy
	c.state = StateRetryWithNewProxy
	c.mu.Unlock()

	if old != "" {
		c.pool.Burn(old)
	}
	next, err := c.pool.Next()
	c.metrics.SetPoolSize(c.pool.Len())
	if err != nil {
		c.setState(StateFatal)
		c.recordError(err)
		c.logger.Error("no proxies left", slog.String("last_proxy", old))
		return err
	}

	c.mu.Lock()
	c.proxy = next
	c.mu.Unlock()
	atomic.AddInt64(&c.rotationCount, 1)
	c.metrics.IncRotation("proxy")
	c.logger.Info("new proxy",
		slog.String("proxy", next),
		slog.Int("left", c.pool.Len()),
	)
	return nil
}

func (c *Client) rotateIdentity() {
	c.mu.Lock()
	c.identity = c.identities.Rotate(c.identity)
	c.mu.Unlock()
	atomic.AddInt64(&c.rotationCount, 1)
	c.metrics.IncRotation("identity")
}

func (c *Client) keepLastPage(out attemptOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastURL = out.finalURL
	c.lastPage = string(out.body)
}

func (c *Client) proxyURL(*http.Request) (*url.URL, error) {
	current := c.Proxy()
	if current == "" {
		return nil, nil
	}
	return url.Parse(current)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) recordError(err error) {
	label := errorTypeLabel(err)
	c.errMu.Lock()
	c.errorsByType[label]++
	c.errMu.Unlock()
	c.metrics.IncError(label)
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Proxy returns the current proxy, or "" for a direct connection.
func (c *Client) Proxy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxy
}

// Identity returns the current user-agent.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// LastPage returns the URL and body of the most recent response, including
// non-200 responses kept for debugging.
func (c *Client) LastPage() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastURL, c.lastPage
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	c.errMu.Lock()
	errs := make(map[string]int, len(c.errorsByType))
	for k, v := range c.errorsByType {
		errs[k] = v
	}
	c.errMu.Unlock()

	return Stats{
		Requests:     int(atomic.LoadInt64(&c.requestCount)),
		Retries:      int(atomic.LoadInt64(&c.retryCount)),
		Rotations:    int(atomic.LoadInt64(&c.rotationCount)),
		ErrorsByType: errs,
	}
}
