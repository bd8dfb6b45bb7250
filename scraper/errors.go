package scraper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-offers/parser"
	"github.com/aluiziolira/go-scrape-offers/proxy"
)

var (
	// ErrEmptyQuery is returned when a search is attempted without a term.
	ErrEmptyQuery = errors.New("search term cannot be empty")
	// ErrEmptyURL is returned when a page fetch is attempted without a URL.
	ErrEmptyURL = errors.New("url cannot be empty")
	// ErrProductNotFound is returned when the search yields no product page.
	ErrProductNotFound = errors.New("product not found")
	// ErrNoPagination is returned when the first offers page has no pager.
	ErrNoPagination = errors.New("offers pagination unavailable")
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network or proxy connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrTLS indicates a failed TLS handshake or certificate check.
type ErrTLS struct {
	Err error
}

func (e ErrTLS) Error() string {
	return fmt.Errorf("tls: %w", e.Err).Error()
}

func (e ErrTLS) Unwrap() error {
	return e.Err
}

// ErrChallenge indicates the target served an anti-bot verification page.
type ErrChallenge struct {
	URL string
}

func (e ErrChallenge) Error() string {
	return fmt.Sprintf("challenge page served at %s", e.URL)
}

// ErrRateLimited indicates the target rate-limited the request.
type ErrRateLimited struct {
	Err      error
	Cooldown time.Duration
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited (cooled down %s): %w", e.Cooldown, e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrHTTPStatus indicates a non-200 response that is not retried.
type ErrHTTPStatus struct {
	Status int
	URL    string
}

func (e ErrHTTPStatus) Error() string {
	return fmt.Sprintf("http status %d for %s", e.Status, e.URL)
}

// ErrUnclassified wraps a failure no other class matched. It is handled
// like a proxy fault but reported under its own label.
type ErrUnclassified struct {
	Err error
}

func (e ErrUnclassified) Error() string {
	return fmt.Errorf("unclassified: %w", e.Err).Error()
}

func (e ErrUnclassified) Unwrap() error {
	return e.Err
}

// ErrRetriesExhausted indicates a fetch used its whole attempt budget.
type ErrRetriesExhausted struct {
	Attempts int
	Last     error
}

func (e ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e ErrRetriesExhausted) Unwrap() error {
	return e.Last
}

// IsProxyFault reports whether err is recovered by switching proxy alone.
func IsProxyFault(err error) bool {
	var timeout ErrTimeout
	var conn ErrConnection
	var tlsErr ErrTLS
	var unclassified ErrUnclassified
	return errors.As(err, &timeout) || errors.As(err, &conn) || errors.As(err, &tlsErr) || errors.As(err, &unclassified)
}

// IsTransient reports whether err means "try again later": the attempt
// budget ran out or the site rate limited the session.
func IsTransient(err error) bool {
	var exhausted ErrRetriesExhausted
	var rateLimited ErrRateLimited
	return errors.As(err, &exhausted) || errors.As(err, &rateLimited)
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, proxy.ErrPoolExhausted) {
		return "pool_exhausted"
	}
	var retries ErrRetriesExhausted
	if errors.As(err, &retries) {
		return "retries_exhausted"
	}
	var challenge ErrChallenge
	if errors.As(err, &challenge) {
		return "challenge"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var tlsErr ErrTLS
	if errors.As(err, &tlsErr) {
		return "tls"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var status ErrHTTPStatus
	if errors.As(err, &status) {
		return "http_status"
	}
	var unclassified ErrUnclassified
	if errors.As(err, &unclassified) {
		return "unclassified"
	}
	var parseErr *parser.ParseError
	if errors.As(err, &parseErr) {
		return "parse"
	}
	if errors.Is(err, ErrEmptyQuery) || errors.Is(err, ErrEmptyURL) {
		return "precondition"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}

// classifyAttempt maps the outcome of one request to exactly one fault
// class, or nil for a usable page. A 200 whose final URL carries the
// challenge marker is a challenge, not a success.
func classifyAttempt(status int, finalURL string, err error, challengeMarker string) error {
	if status == 0 {
		if err == nil {
			return ErrUnclassified{Err: errors.New("no response")}
		}
		return classifyTransport(err)
	}

	switch {
	case status == http.StatusOK && challengeMarker != "" && strings.Contains(finalURL, challengeMarker):
		return ErrChallenge{URL: finalURL}
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", status)
		}
		return ErrRateLimited{Err: wrapped}
	default:
		return ErrHTTPStatus{Status: status, URL: finalURL}
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}

	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &invalidCert) {
		return ErrTLS{Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrConnection{Err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "proxyconnect") || strings.Contains(msg, "Proxy Authentication Required") {
		return ErrConnection{Err: err}
	}

	return ErrUnclassified{Err: err}
}
