package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketplace"

// Metrics groups the collectors shared by the order core and the catalog cache.
type Metrics struct {
	OrdersPlaced      *prometheus.CounterVec // outcome
	PlaceDuration     prometheus.Histogram
	StatusUpdates     *prometheus.CounterVec // outcome
	CacheRequests     *prometheus.CounterVec // result: hit | miss | error | bypass
	CacheInvalidation prometheus.Counter
	EventsConsumed    *prometheus.CounterVec // event_type, outcome
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "PlaceOrder invocations by outcome.",
		}, []string{"outcome"}),
		PlaceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_place_duration_seconds",
			Help:      "Duration of PlaceOrder including the stock transaction.",
			Buckets:   prometheus.DefBuckets,
		}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_updates_total",
			Help:      "Order status transition requests by outcome.",
		}, []string{"outcome"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_cache_requests_total",
			Help:      "Catalog reads by cache result.",
		}, []string{"result"}),
		CacheInvalidation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_invalidations_total",
			Help:      "Catalog cache invalidations.",
		}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Kafka events handled by the catalog warmer.",
		}, []string{"event_type", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OrdersPlaced,
			m.PlaceDuration,
			m.StatusUpdates,
			m.CacheRequests,
			m.CacheInvalidation,
			m.EventsConsumed,
		)
	}
	return m
}

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeAborted   = "aborted"
	OutcomeInvalid   = "invalid"
	OutcomeForbidden = "forbidden"
	OutcomeNotFound  = "not_found"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"

	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheError  = "error"
	CacheBypass = "bypass"
)
