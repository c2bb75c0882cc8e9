package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "livedoc", Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "livedoc", Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)

	// event bus
	BusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "livedoc", Name: "bus_subscribers", Help: "Currently registered change-event listeners across all documents."},
	)
	BusEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "livedoc", Name: "bus_events_published_total", Help: "Events published to the bus by event type."},
		[]string{"type"},
	)
	BusListenerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "livedoc", Name: "bus_listener_failures_total", Help: "Listener invocations that panicked during publish."},
	)
	SSEEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "livedoc", Name: "sse_events_dropped_total", Help: "Events dropped because a stream queue was full."},
	)

	// document store
	StoreDocuments = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "livedoc", Name: "store_documents", Help: "Documents currently held in memory."},
	)
	StoreMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "livedoc", Name: "store_mutations_total", Help: "Store mutations by kind (content, cursor, join, leave)."},
		[]string{"kind"},
	)
	StoreParticipantsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "livedoc", Name: "store_participants_evicted_total", Help: "Participants evicted after exceeding the liveness window."},
	)
	StoreDocumentsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "livedoc", Name: "store_documents_reaped_total", Help: "Idle documents removed by the reaper."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(BusSubscribers, BusEventsPublished, BusListenerFailures, SSEEventsDropped)
	reg.MustRegister(StoreDocuments, StoreMutations, StoreParticipantsEvicted, StoreDocumentsReaped)
}
