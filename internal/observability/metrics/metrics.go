package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for the booking pipeline.
type Metrics struct {
	webhookLatency *prometheus.HistogramVec
	pmsRequests    *prometheus.CounterVec
	pmsLatency     *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
	bookings       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicebook",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of voice-agent webhook handling",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		pmsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "pms",
			Name:      "requests_total",
			Help:      "Total outbound PMS requests",
		}, []string{"endpoint", "outcome"}),
		pmsLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicebook",
			Subsystem: "pms",
			Name:      "request_latency_seconds",
			Help:      "Latency of outbound PMS requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and result",
		}, []string{"tier", "result"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "booking",
			Name:      "outcomes_total",
			Help:      "Booking operations by outcome",
		}, []string{"operation", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.webhookLatency, m.pmsRequests, m.pmsLatency, m.cacheLookups, m.bookings)
	return m
}

// ObserveWebhook records one handled webhook.
func (m *Metrics) ObserveWebhook(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(operation, status).Observe(seconds)
}

// ObservePMSRequest satisfies the PMS client's Recorder.
func (m *Metrics) ObservePMSRequest(endpoint, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.pmsRequests.WithLabelValues(endpoint, outcome).Inc()
	m.pmsLatency.WithLabelValues(endpoint).Observe(seconds)
}

// ObserveCache satisfies the cache store's Recorder.
func (m *Metrics) ObserveCache(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// ObserveBooking records a booking-coordinator outcome.
func (m *Metrics) ObserveBooking(operation, outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(operation, outcome).Inc()
}
