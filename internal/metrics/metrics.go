// Package metrics holds the Prometheus collectors shared by both services.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jobrouter"

// Metrics holds all collectors
type Metrics struct {
	Transitions      *prometheus.CounterVec
	OffersCreated    prometheus.Counter
	OfferResponses   *prometheus.CounterVec
	PayoutsScheduled *prometheus.CounterVec
	SweepRows        *prometheus.CounterVec
	OutboxPublished  *prometheus.CounterVec
}

// New creates and registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Job status transitions committed",
		}, []string{"from", "to"}),
		OffersCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_created_total",
			Help:      "Offers created by routers or admins",
		}),
		OfferResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offer_responses_total",
			Help:      "Contractor responses to offers by outcome",
		}, []string{"decision", "outcome"}),
		PayoutsScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_scheduled_total",
			Help:      "Payout scheduling attempts by result",
		}, []string{"result"}),
		SweepRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_total",
			Help:      "Rows changed by the expiry sweep",
		}, []string{"kind"}),
		OutboxPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events relayed to the broker by result",
		}, []string{"result"}),
	}
}

// Transition counts a committed status change
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) OfferCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OffersCreated.Add(float64(n))
}

func (m *Metrics) OfferResponse(decision, outcome string) {
	if m == nil {
		return
	}
	m.OfferResponses.WithLabelValues(decision, outcome).Inc()
}

func (m *Metrics) PayoutScheduled(result string) {
	if m == nil {
		return
	}
	m.PayoutsScheduled.WithLabelValues(result).Inc()
}

// Swept counts rows changed by one sweep pass
func (m *Metrics) Swept(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepRows.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Published(result string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(result).Inc()
}
