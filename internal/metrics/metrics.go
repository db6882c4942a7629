package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfeed_polls_total",
			Help: "Total number of subscription polls by channel and outcome.",
		},
		[]string{"channel", "outcome"}, // outcome: records, empty, disabled, error
	)

	RecordsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfeed_records_delivered_total",
			Help: "Total number of records handed to consumers by channel.",
		},
		[]string{"channel"},
	)

	PushConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborfeed_push_connections",
			Help: "Number of open push connections.",
		},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfeed_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by resulting status.",
		},
		[]string{"status"},
	)

	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborfeed_webhook_latency_seconds",
			Help:    "Webhook attempt latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfeed_webhook_retries_total",
			Help: "Total number of webhook retries scheduled by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborfeed_dlq_total",
			Help: "Total number of deliveries published to the dead letter topic.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborfeed_webhook_queue_depth",
			Help: "Number of deliveries waiting for a dispatch worker.",
		},
	)

	RecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfeed_records_ingested_total",
			Help: "Total number of record-created events consumed by outcome.",
		},
		[]string{"outcome"}, // ok, invalid, error
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		PollsTotal,
		RecordsDeliveredTotal,
		PushConnections,
		WebhookDeliveriesTotal,
		WebhookLatency,
		RetriesTotal,
		DLQTotal,
		QueueDepth,
		RecordsIngestedTotal,
	)
}

// RecordPoll counts one poll and the records it returned
func RecordPoll(channel, outcome string, records int) {
	PollsTotal.WithLabelValues(channel, outcome).Inc()
	if records > 0 {
		RecordsDeliveredTotal.WithLabelValues(channel).Add(float64(records))
	}
}

// RecordWebhookAttempt counts one attempt and observes its latency
func RecordWebhookAttempt(status string, latency time.Duration) {
	WebhookDeliveriesTotal.WithLabelValues(status).Inc()
	WebhookLatency.WithLabelValues(status).Observe(latency.Seconds())
	if status == "delivered" {
		RecordsDeliveredTotal.WithLabelValues("webhook").Inc()
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ() {
	DLQTotal.Inc()
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

func RecordIngested(outcome string) {
	RecordsIngestedTotal.WithLabelValues(outcome).Inc()
}
