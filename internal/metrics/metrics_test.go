package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Vec metrics only show up in Gather once a child exists
	RecordPoll("pull", "records", 1)
	RecordWebhookAttempt("delivered", 10*time.Millisecond)
	RecordRetry("timeout")
	RecordIngested("ok")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	got := make(map[string]bool)
	for _, mf := range families {
		got[mf.GetName()] = true
	}

	expected := []string{
		"harborfeed_polls_total",
		"harborfeed_records_delivered_total",
		"harborfeed_push_connections",
		"harborfeed_webhook_deliveries_total",
		"harborfeed_webhook_latency_seconds",
		"harborfeed_webhook_retries_total",
		"harborfeed_dlq_total",
		"harborfeed_webhook_queue_depth",
		"harborfeed_records_ingested_total",
	}
	for _, name := range expected {
		if !got[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestRecordPoll(t *testing.T) {
	PollsTotal.Reset()
	RecordsDeliveredTotal.Reset()

	tests := []struct {
		name    string
		channel string
		outcome string
		records int
	}{
		{name: "pull with records", channel: "pull", outcome: "records", records: 3},
		{name: "push empty", channel: "push", outcome: "empty", records: 0},
		{name: "pull again", channel: "pull", outcome: "records", records: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordPoll(tt.channel, tt.outcome, tt.records)
		})
	}

	if got := testutil.ToFloat64(PollsTotal.WithLabelValues("pull", "records")); got != 2 {
		t.Errorf("pull polls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RecordsDeliveredTotal.WithLabelValues("pull")); got != 5 {
		t.Errorf("pull records = %v, want 5", got)
	}
	if got := testutil.CollectAndCount(RecordsDeliveredTotal); got != 1 {
		t.Errorf("empty poll should not create a records series, got %d series", got)
	}
}

func TestRecordWebhookAttempt(t *testing.T) {
	WebhookDeliveriesTotal.Reset()
	WebhookLatency.Reset()
	RecordsDeliveredTotal.Reset()

	RecordWebhookAttempt("delivered", 50*time.Millisecond)
	RecordWebhookAttempt("failed", 2*time.Second)
	RecordWebhookAttempt("failed", time.Second)

	if got := testutil.ToFloat64(WebhookDeliveriesTotal.WithLabelValues("failed")); got != 2 {
		t.Errorf("failed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RecordsDeliveredTotal.WithLabelValues("webhook")); got != 1 {
		t.Errorf("webhook records = %v, want 1", got)
	}

	expected := `
		# HELP harborfeed_webhook_deliveries_total Total number of webhook delivery attempts by resulting status.
		# TYPE harborfeed_webhook_deliveries_total counter
		harborfeed_webhook_deliveries_total{status="delivered"} 1
		harborfeed_webhook_deliveries_total{status="failed"} 2
	`
	if err := testutil.CollectAndCompare(WebhookDeliveriesTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric output: %v", err)
	}
}

func TestGaugesAndCounters(t *testing.T) {
	RetriesTotal.Reset()
	RecordsIngestedTotal.Reset()

	SetQueueDepth(7)
	PushConnections.Set(0)
	PushConnections.Inc()
	PushConnections.Inc()
	PushConnections.Dec()
	before := testutil.ToFloat64(DLQTotal)
	RecordDLQ()
	RecordRetry("http_5xx")
	RecordRetry("http_5xx")
	RecordIngested("invalid")

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{name: "queue depth", c: QueueDepth, want: 7},
		{name: "push connections", c: PushConnections, want: 1},
		{name: "dlq", c: DLQTotal, want: before + 1},
		{name: "retries", c: RetriesTotal.WithLabelValues("http_5xx"), want: 2},
		{name: "ingested", c: RecordsIngestedTotal.WithLabelValues("invalid"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}
