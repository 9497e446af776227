package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disputehook_poll_ticks_total",
		Help: "Total number of poll ticks started.",
	})

	EntityPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disputehook_entity_polls_total",
		Help: "Total number of entity polls, labelled by result (ok, error, skipped).",
	}, []string{"result"})

	TrackedEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "disputehook_tracked_entities",
		Help: "Number of entities currently tracked by the poller.",
	})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disputehook_events_emitted_total",
		Help: "Total number of synthesized events, labelled by event type.",
	}, []string{"type"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disputehook_deliveries_total",
		Help: "Total number of completed deliveries, labelled by result (success, failed, dropped).",
	}, []string{"result"})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disputehook_delivery_attempts_total",
		Help: "Total number of webhook HTTP calls, labelled by outcome (2xx, 3xx, 4xx, 5xx, network_error).",
	}, []string{"outcome"})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "disputehook_delivery_duration_ms",
		Help:    "Duration of a full delivery including retries, in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	DeliveryQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "disputehook_delivery_queue_utilization_ratio",
		Help: "Current delivery queue utilization (0–1).",
	})
)
