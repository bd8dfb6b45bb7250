package scraper

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-offers/config"
	"github.com/aluiziolira/go-scrape-offers/proxy"
	"github.com/jarcoal/httpmock"
)

const testBase = "http://example.test"

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.Timeout = time.Second
	cfg.RetryBackoff = 0
	cfg.RetryBackoffMax = 0
	cfg.RateLimitCooldown = 5 * time.Minute
	return cfg
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	if d > 0 {
		r.mu.Lock()
		r.waits = append(r.waits, d)
		r.mu.Unlock()
	}
	return ctx.Err()
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.waits))
	copy(out, r.waits)
	return out
}

func newTestClient(t *testing.T, cfg *config.Config, proxies []string, opts ...ClientOption) (*Client, *httpmock.MockTransport, *proxy.Pool) {
	t.Helper()

	seed := proxy.WithRand(rand.New(rand.NewPCG(1, 2)))
	pool, err := proxy.NewPool(proxies, 16, seed)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	rotator, err := proxy.NewRotator(cfg.UserAgents, seed)
	if err != nil {
		t.Fatalf("new rotator: %v", err)
	}

	base := []ClientOption{WithLogger(slog.New(slog.DiscardHandler))}
	client, err := NewClient(cfg, pool, rotator, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	transport := httpmock.NewMockTransport()
	client.collector.WithTransport(transport)
	return client, transport, pool
}

// sequence answers successive calls with the given responders and repeats
// the last one once they run out.
func sequence(responders ...httpmock.Responder) httpmock.Responder {
	var mu sync.Mutex
	calls := 0
	return func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		i := calls
		calls++
		mu.Unlock()
		if i >= len(responders) {
			i = len(responders) - 1
		}
		return responders[i](req)
	}
}

func redirectResponder(location string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", location)
		resp.Request = req
		return resp, nil
	}
}

func TestClassifyAttempt(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		finalURL string
		err      error
		expected string
	}{
		{name: "ok", status: http.StatusOK, finalURL: testBase + "/search", expected: "ok"},
		{name: "challenge", status: http.StatusOK, finalURL: testBase + "/showcaptcha?retpath=x", expected: "challenge"},
		{name: "rate limited", status: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", status: http.StatusInternalServerError, expected: "http_status"},
		{name: "not found", status: http.StatusNotFound, expected: "http_status"},
		{name: "context timeout", err: context.DeadlineExceeded, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, expected: "connection"},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "proxy.invalid"}, expected: "connection"},
		{name: "proxy connect", err: errors.New("proxyconnect tcp: EOF"), expected: "connection"},
		{name: "tls", err: &url.Error{Op: "Get", URL: testBase, Err: x509.UnknownAuthorityError{}}, expected: "tls"},
		{name: "unclassified", err: errors.New("stream reset"), expected: "unclassified"},
		{name: "no response", expected: "unclassified"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fault := classifyAttempt(tt.status, tt.finalURL, tt.err, "showcaptcha")
			got := "ok"
			if fault != nil {
				got = errorTypeLabel(fault)
			}
			if got != tt.expected {
				t.Fatalf("classifyAttempt(%d, %q, %v) = %q, want %q", tt.status, tt.finalURL, tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsProxyFault(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: ErrTimeout{Err: context.DeadlineExceeded}, want: true},
		{err: ErrConnection{Err: errors.New("refused")}, want: true},
		{err: ErrTLS{Err: errors.New("bad cert")}, want: true},
		{err: ErrUnclassified{Err: errors.New("odd")}, want: true},
		{err: ErrChallenge{URL: testBase}, want: false},
		{err: ErrRateLimited{Err: errors.New("429")}, want: false},
		{err: ErrHTTPStatus{Status: 500}, want: false},
	}

	for _, tt := range tests {
		if got := IsProxyFault(tt.err); got != tt.want {
			t.Fatalf("IsProxyFault(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryPolicyRespectsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	rp := newRetryPolicy(cfg)

	if !rp.allow(3) {
		t.Fatalf("third attempt should be allowed")
	}
	if rp.allow(4) {
		t.Fatalf("fourth attempt should not be allowed")
	}

	cfg.MaxAttempts = 0
	if !newRetryPolicy(cfg).allow(1000) {
		t.Fatalf("zero budget should never refuse")
	}
}

func TestRetryPolicyBackoffCapped(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond
	rp := newRetryPolicy(cfg)

	if got := rp.backoff(1); got != 200*time.Millisecond {
		t.Fatalf("backoff(1) = %v, want 200ms", got)
	}
	if got := rp.backoff(2); got != 400*time.Millisecond {
		t.Fatalf("backoff(2) = %v, want 400ms", got)
	}
	for _, retry := range []int{3, 4, 40, 100} {
		if got := rp.backoff(retry); got != cfg.RetryBackoffMax {
			t.Fatalf("backoff(%d) = %v, want %v", retry, got, cfg.RetryBackoffMax)
		}
	}

	cfg.RetryBackoff = 0
	if got := newRetryPolicy(cfg).backoff(5); got != 0 {
		t.Fatalf("backoff without base = %v, want 0", got)
	}
}

func TestClientFetchSendsSessionHeaders(t *testing.T) {
	cfg := testConfig()
	client, transport, _ := newTestClient(t, cfg, nil)

	var got http.Header
	var query url.Values
	transport.RegisterResponder("GET", testBase+"/search", func(req *http.Request) (*http.Response, error) {
		got = req.Header.Clone()
		query = req.URL.Query()
		resp := httpmock.NewStringResponse(http.StatusOK, "<html></html>")
		resp.Request = req
		return resp, nil
	})

	res, err := client.Fetch(context.Background(), "/search", url.Values{"text": {"iphone 15"}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if ua := got.Get("User-Agent"); ua != client.Identity() {
		t.Fatalf("user-agent = %q, want session identity %q", ua, client.Identity())
	}
	if lang := got.Get("Accept-Language"); lang != cfg.AcceptLanguage {
		t.Fatalf("accept-language = %q, want %q", lang, cfg.AcceptLanguage)
	}
	if accept := got.Get("Accept"); accept != "*/*" {
		t.Fatalf("accept = %q, want */*", accept)
	}
	if q := query.Get("text"); q != "iphone 15" {
		t.Fatalf("text param = %q, want %q", q, "iphone 15")
	}
	if client.State() != StateSuccess {
		t.Fatalf("state = %s, want success", client.State())
	}
	if client.Proxy() != "" {
		t.Fatalf("proxy = %q, want direct connection", client.Proxy())
	}
}

func TestClientChallengeRotatesProxyAndIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyFirst = true
	client, transport, _ := newTestClient(t, cfg, []string{"10.0.0.1:3128", "10.0.0.2:3128", "10.0.0.3:3128"})

	transport.RegisterResponder("GET", testBase+"/product/offers", sequence(
		redirectResponder(testBase+"/showcaptcha?retpath=%2Fproduct%2Foffers"),
		httpmock.NewStringResponder(http.StatusOK, "<html>offers</html>"),
	))
	transport.RegisterResponder("GET", testBase+"/showcaptcha", httpmock.NewStringResponder(http.StatusOK, "<html>captcha</html>"))

	proxyBefore := client.Proxy()
	identityBefore := client.Identity()
	if proxyBefore == "" {
		t.Fatalf("expected an initial proxy")
	}

	res, err := client.Fetch(context.Background(), "/product/offers", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Body != "<html>offers</html>" {
		t.Fatalf("body = %q", res.Body)
	}
	if client.Proxy() == proxyBefore {
		t.Fatalf("proxy was not rotated: %q", client.Proxy())
	}
	if client.Identity() == identityBefore {
		t.Fatalf("identity was not rotated: %q", client.Identity())
	}

	stats := client.Stats()
	if stats.ErrorsByType["challenge"] != 1 {
		t.Fatalf("challenge count = %d, want 1", stats.ErrorsByType["challenge"])
	}
	if stats.Retries != 1 {
		t.Fatalf("retries = %d, want 1", stats.Retries)
	}
}

func TestClientRateLimitCoolsDownWithoutRotation(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyFirst = true
	recorder := &sleepRecorder{}
	client, transport, pool := newTestClient(t, cfg, []string{"10.0.0.1:3128", "10.0.0.2:3128"}, WithSleep(recorder.sleep))

	transport.RegisterResponder("GET", testBase+"/search", httpmock.NewStringResponder(http.StatusTooManyRequests, "slow down"))

	proxyBefore := client.Proxy()
	identityBefore := client.Identity()
	poolBefore := pool.Len()

	_, err := client.Fetch(context.Background(), "/search", nil)
	var rateLimited ErrRateLimited
	if !errors.As(err, &rateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	if rateLimited.Cooldown != cfg.RateLimitCooldown {
		t.Fatalf("cooldown = %v, want %v", rateLimited.Cooldown, cfg.RateLimitCooldown)
	}

	waits := recorder.all()
	if len(waits) != 1 || waits[0] != cfg.RateLimitCooldown {
		t.Fatalf("waits = %v, want one %v cooldown", waits, cfg.RateLimitCooldown)
	}
	if client.Proxy() != proxyBefore || client.Identity() != identityBefore {
		t.Fatalf("session rotated on rate limit")
	}
	if pool.Len() != poolBefore {
		t.Fatalf("pool size = %d, want %d", pool.Len(), poolBefore)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if _, body := client.LastPage(); body != "slow down" {
		t.Fatalf("last page = %q, want rate-limit body", body)
	}
}

func TestClientHTTPErrorIsNotRetried(t *testing.T) {
	cfg := testConfig()
	client, transport, _ := newTestClient(t, cfg, []string{"10.0.0.1:3128"})

	transport.RegisterResponder("GET", testBase+"/search", httpmock.NewStringResponder(http.StatusInternalServerError, "oops"))

	_, err := client.Fetch(context.Background(), "/search", nil)
	var status ErrHTTPStatus
	if !errors.As(err, &status) || status.Status != http.StatusInternalServerError {
		t.Fatalf("error = %v, want ErrHTTPStatus 500", err)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if client.Proxy() != "" {
		t.Fatalf("proxy = %q, want no rotation", client.Proxy())
	}
	if client.State() != StateIdle {
		t.Fatalf("state = %s, want idle", client.State())
	}
}

func TestClientProxyFaultRotatesProxy(t *testing.T) {
	cfg := testConfig()
	client, transport, pool := newTestClient(t, cfg, []string{"10.0.0.1:3128", "10.0.0.2:3128"})

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	transport.RegisterResponder("GET", testBase+"/search", sequence(
		httpmock.NewErrorResponder(refused),
		httpmock.NewStringResponder(http.StatusOK, "<html>results</html>"),
	))

	res, err := client.Fetch(context.Background(), "/search", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Body != "<html>results</html>" {
		t.Fatalf("body = %q", res.Body)
	}
	if client.Proxy() == "" {
		t.Fatalf("expected a proxy after a connection fault")
	}
	if pool.Len() != 1 {
		t.Fatalf("pool size = %d, want 1", pool.Len())
	}
	if got := client.Stats().ErrorsByType["connection"]; got != 1 {
		t.Fatalf("connection errors = %d, want 1", got)
	}
}

func TestClientPoolExhausted(t *testing.T) {
	cfg := testConfig()
	client, transport, pool := newTestClient(t, cfg, []string{"10.0.0.1:3128"})

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	transport.RegisterResponder("GET", testBase+"/search", httpmock.NewErrorResponder(refused))

	_, err := client.Fetch(context.Background(), "/search", nil)
	if !errors.Is(err, proxy.ErrPoolExhausted) {
		t.Fatalf("error = %v, want ErrPoolExhausted", err)
	}
	if client.State() != StateFatal {
		t.Fatalf("state = %s, want fatal", client.State())
	}
	if got := transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("calls = %d, want 2 (direct, then one proxy)", got)
	}
	if !pool.Burned("http://10.0.0.1:3128") {
		t.Fatalf("failed proxy should be burned")
	}

	// Replenishing the pool revives the session.
	pool.Add("10.0.0.9:3128")
	transport.RegisterResponder("GET", testBase+"/search", httpmock.NewStringResponder(http.StatusOK, "ok"))
	if _, err := client.Fetch(context.Background(), "/search", nil); err != nil {
		t.Fatalf("fetch after replenish: %v", err)
	}
	if client.Proxy() != "http://10.0.0.9:3128" {
		t.Fatalf("proxy = %q, want replenished proxy", client.Proxy())
	}
}

func TestClientUnclassifiedFaultLoggedDistinctly(t *testing.T) {
	cfg := testConfig()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client, transport, _ := newTestClient(t, cfg, []string{"10.0.0.1:3128"}, WithLogger(logger))

	transport.RegisterResponder("GET", testBase+"/search", sequence(
		httpmock.NewErrorResponder(errors.New("stream reset by peer")),
		httpmock.NewStringResponder(http.StatusOK, "ok"),
	))

	if _, err := client.Fetch(context.Background(), "/search", nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(buf.String(), "unclassified fault, rotating proxy") {
		t.Fatalf("expected distinct unclassified log line, got:\n%s", buf.String())
	}
	if got := client.Stats().ErrorsByType["unclassified"]; got != 1 {
		t.Fatalf("unclassified errors = %d, want 1", got)
	}
	if client.Proxy() != "http://10.0.0.1:3128" {
		t.Fatalf("proxy = %q, want rotation", client.Proxy())
	}
}

func TestClientRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	proxies := []string{"10.0.0.1:3128", "10.0.0.2:3128", "10.0.0.3:3128", "10.0.0.4:3128", "10.0.0.5:3128"}
	client, transport, pool := newTestClient(t, cfg, proxies)

	transport.RegisterResponder("GET", testBase+"/search", redirectResponder(testBase+"/showcaptcha"))
	transport.RegisterResponder("GET", testBase+"/showcaptcha", httpmock.NewStringResponder(http.StatusOK, "captcha"))

	_, err := client.Fetch(context.Background(), "/search", nil)
	var exhausted ErrRetriesExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ErrRetriesExhausted", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", exhausted.Attempts)
	}
	var challenge ErrChallenge
	if !errors.As(err, &challenge) {
		t.Fatalf("last error should be a challenge, got %v", exhausted.Last)
	}
	if pool.Len() != 2 {
		t.Fatalf("pool size = %d, want 2", pool.Len())
	}
	if client.State() != StateIdle {
		t.Fatalf("state = %s, want idle", client.State())
	}
}

func TestClientHonoursCanceledContext(t *testing.T) {
	cfg := testConfig()
	client, transport, _ := newTestClient(t, cfg, nil)
	transport.RegisterResponder("GET", testBase+"/search", httpmock.NewStringResponder(http.StatusOK, "ok"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Fetch(ctx, "/search", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("calls = %d, want 0", got)
	}
}

func TestClientResolve(t *testing.T) {
	client, _, _ := newTestClient(t, testConfig(), nil)

	tests := []struct {
		name    string
		target  string
		params  url.Values
		want    string
		wantErr bool
	}{
		{name: "relative", target: "/search", want: testBase + "/search"},
		{name: "absolute", target: "https://other.test/x", want: "https://other.test/x"},
		{name: "params merged", target: "/p/offers?track=1", params: url.Values{"page": {"2"}}, want: testBase + "/p/offers?page=2&track=1"},
		{name: "params replace", target: "/p/offers?page=1", params: url.Values{"page": {"3"}}, want: testBase + "/p/offers?page=3"},
		{name: "empty", target: "  ", wantErr: true},
		{name: "bad scheme", target: "ftp://example.test/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.resolve(tt.target, tt.params)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("resolve(%q) expected error", tt.target)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve(%q): %v", tt.target, err)
			}
			if got != tt.want {
				t.Fatalf("resolve(%q) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}
