// README: Prometheus metrics for the ride pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "swiftride"

var (
	QuotesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "quotes_issued_total", Help: "Quotes signed and cached"},
		[]string{"vehicle_class"},
	)
	QuoteVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "quote_verifications_total", Help: "Quote verification outcomes"},
		[]string{"result"},
	)
	CandidatesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_candidates",
		Help:      "Eligible drivers returned per matching query",
		Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
	})
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Dispatch offers broadcast"})
	OffersExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_expired_total", Help: "Dispatch offers expired by the sweep"})
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_accept_outcomes_total", Help: "Offer accept attempts by outcome"},
		[]string{"outcome"},
	)
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride state transitions"},
		[]string{"from", "to"},
	)
	LedgerMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ledger_mutations_total", Help: "Ledger credit/debit attempts"},
		[]string{"op", "result"},
	)
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "settlements_total", Help: "Settlement outcomes"},
		[]string{"result"},
	)
	SettlementAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_alerts_total",
		Help:      "Driver credits that exhausted inline retries after the rider was charged",
	})
	LocationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_messages_total", Help: "Driver location stream messages by result"},
		[]string{"result"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Domain events published"},
		[]string{"event", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
