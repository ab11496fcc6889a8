package messaging

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcome labels. Stable: dashboards and alerts key off these.
const (
	OutcomeSuccess     = "success"
	OutcomeBadRequest  = "bad_request"
	OutcomeForbidden   = "forbidden"
	OutcomeNotFound    = "not_found"
	OutcomeConflict    = "conflict"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// slowFetchThreshold triggers a warn log on conversation fetches.
const slowFetchThreshold = 1000 * time.Millisecond

// Metrics records conversation-fetch instrumentation.
type Metrics struct {
	fetchDuration *prometheus.HistogramVec
	fetchErrors   *prometheus.CounterVec
}

// NewMetrics registers the messaging collectors on reg.
// A nil registerer yields a no-op Metrics (unit tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workkap",
			Subsystem: "messaging",
			Name:      "conversation_fetch_duration_seconds",
			Help:      "Duration of conversation fetch operations by outcome.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"outcome"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workkap",
			Subsystem: "messaging",
			Name:      "conversation_fetch_errors_total",
			Help:      "Conversation fetch failures by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.fetchDuration, m.fetchErrors)
	}
	return m
}

// ObserveFetch records one fetch with its outcome label.
func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if outcome != OutcomeSuccess {
		m.fetchErrors.WithLabelValues(outcome).Inc()
	}
}

// OutcomeForError maps a taxonomy error onto its stable outcome label.
func OutcomeForError(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInvalidInput):
		return OutcomeBadRequest
	case errors.Is(err, ErrForbidden):
		return OutcomeForbidden
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrConflict):
		return OutcomeConflict
	case errors.Is(err, ErrUnavailable):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}
