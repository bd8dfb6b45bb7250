package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry             *prometheus.Registry
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      prometheus.Histogram
	RetriesTotal         prometheus.Counter
	RotationsTotal       *prometheus.CounterVec
	ErrorsTotal          *prometheus.CounterVec
	CooldownsTotal       prometheus.Counter
	OffersExtractedTotal prometheus.Counter
	ProxyPoolSize        prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper, by outcome.",
		},
		[]string{"outcome"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of retry attempts after a rotation.",
		},
	)
	rotations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_rotations_total",
			Help: "Total number of session resource rotations.",
		},
		[]string{"resource"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)
	cooldowns := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_rate_limit_cooldowns_total",
			Help: "Total number of rate-limit cooldowns served.",
		},
	)
	offers := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_offers_extracted_total",
			Help: "Total number of offers sent to the pipeline.",
		},
	)
	poolSize := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_proxy_pool_size",
			Help: "Proxies left in the pool.",
		},
	)

	registry.MustRegister(requests, requestDuration, retries, rotations, errorsTotal, cooldowns, offers, poolSize)

	return &Metrics{
		Registry:             registry,
		RequestsTotal:        requests,
		RequestDuration:      requestDuration,
		RetriesTotal:         retries,
		RotationsTotal:       rotations,
		ErrorsTotal:          errorsTotal,
		CooldownsTotal:       cooldowns,
		OffersExtractedTotal: offers,
		ProxyPoolSize:        poolSize,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncRotation counts a proxy or identity rotation.
func (m *Metrics) IncRotation(resource string) {
	if m == nil {
		return
	}
	m.RotationsTotal.WithLabelValues(resource).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncCooldown counts a rate-limit cooldown.
func (m *Metrics) IncCooldown() {
	if m == nil {
		return
	}
	m.CooldownsTotal.Inc()
}

// AddOffers adds n extracted offers.
func (m *Metrics) AddOffers(n int) {
	if m == nil {
		return
	}
	m.OffersExtractedTotal.Add(float64(n))
}

// SetPoolSize records the remaining proxy count.
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.ProxyPoolSize.Set(float64(n))
}
