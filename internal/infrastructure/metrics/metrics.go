package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayer"

// Relay outcomes.
const (
	OutcomeMined    = "mined"
	OutcomeReverted = "reverted"
	OutcomeInvalid  = "invalid"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomePending  = "pending"
)

// Recorder owns a private registry so tests can build as many as they like.
// A nil *Recorder records nothing.
type Recorder struct {
	registry    *prometheus.Registry
	relays      *prometheus.CounterVec
	duration    prometheus.Histogram
	nonceEvents *prometheus.CounterVec
	rateLimited prometheus.Counter
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Relay requests by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Time from request to mined receipt or failure.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		nonceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_events_total",
			Help:      "Nonce slot lifecycle events.",
		}, []string{"event"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the per-client rate limit.",
		}),
	}
	r.registry.MustRegister(
		r.relays,
		r.duration,
		r.nonceEvents,
		r.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Relay(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.relays.WithLabelValues(outcome).Inc()
	r.duration.Observe(elapsed.Seconds())
}

// NonceEvent implements wallet.NonceObserver.
func (r *Recorder) NonceEvent(event string) {
	if r == nil {
		return
	}
	r.nonceEvents.WithLabelValues(event).Inc()
}

func (r *Recorder) RateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
