package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_feed/internal/logging"
	"github.com/austindbirch/harbor_feed/internal/metrics"
	"github.com/austindbirch/harbor_feed/internal/tracing"
)

const (
	DefaultWorkers = 3

	// bytes of a response body read before the connection is released
	maxResponseDrain = 64 << 10
)

// Backoff returns the delay before the next attempt after attempt failed
type Backoff func(attempt int) time.Duration

// ExponentialBackoff waits 2^attempt seconds
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Config tunes a Dispatcher; zero values take the defaults
type Config struct {
	Workers          int
	HistorySize      int
	HistoryRetention time.Duration
	Backoff          Backoff
	Client           *http.Client
	DeadLetters      DeadLetterSink
}

// Stats summarises dispatcher activity since start
type Stats struct {
	RegisteredWebhooks int    `json:"registered_webhooks"`
	ActiveWebhooks     int    `json:"active_webhooks"`
	TotalDeliveries    int64  `json:"total_deliveries"`
	Delivered          int64  `json:"delivered"`
	Failed             int64  `json:"failed"`
	SuccessRate        string `json:"success_rate"`
	QueueSize          int    `json:"queue_size"`
	PendingRetries     int64  `json:"pending_retries"`
	WorkerRunning      bool   `json:"worker_running"`
}

// Dispatcher fans events out to registered endpoints and delivers them with
// a fixed pool of workers. Failed attempts are retried on a timer so no
// worker ever sleeps on a backoff.
type Dispatcher struct {
	registry *Registry
	queue    *Queue
	history  *History
	client   *http.Client
	backoff  Backoff
	dlq      DeadLetterSink
	workers  int
	logger   *logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	attempts       atomic.Int64
	delivered      atomic.Int64
	failed         atomic.Int64
	pendingRetries atomic.Int64
}

// NewDispatcher wires a dispatcher to registry. Call Start to begin delivering.
func NewDispatcher(registry *Registry, cfg Config, logger *logging.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff
	}
	if cfg.Client == nil {
		// per-endpoint timeouts are applied through the request context
		cfg.Client = &http.Client{}
	}
	if logger == nil {
		logger = logging.New("webhook")
	}
	return &Dispatcher{
		registry: registry,
		queue:    NewQueue(),
		history:  NewHistory(cfg.HistorySize, cfg.HistoryRetention),
		client:   cfg.Client,
		backoff:  cfg.Backoff,
		dlq:      cfg.DeadLetters,
		workers:  cfg.Workers,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry exposes the endpoint registry the dispatcher reads from
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Start launches the worker pool. It is a no-op when already running or stopped.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.stopped {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.Plain().WithField("workers", d.workers).Info("webhook dispatcher started")
}

// Stop ends dequeuing and waits for in-flight attempts to finish. Retry
// timers that fire afterwards find the queue closed and drop their delivery.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.queue.Close()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.logger.Plain().Info("webhook dispatcher stopped")
}

// Trigger queues one delivery per enabled endpoint subscribed to ev and
// returns how many were queued
func (d *Dispatcher) Trigger(ctx context.Context, ev Event, payload map[string]any) int {
	return d.TriggerFor(ctx, "", ev, payload)
}

// TriggerFor is Trigger restricted to owner's endpoints plus ownerless ones
func (d *Dispatcher) TriggerFor(ctx context.Context, owner string, ev Event, payload map[string]any) int {
	traceHeaders := tracing.PropagateTraceToNSQ(ctx)
	queued := 0
	for _, ep := range d.registry.Matching(ev, owner) {
		if d.enqueue(ctx, ep, ev, payload, traceHeaders) != nil {
			queued++
		}
	}
	if queued > 0 {
		tracing.AddSpanEvent(ctx, "webhook.triggered",
			tracing.AttrEvent.String(string(ev)),
			attribute.Int("webhook.queued", queued),
		)
	}
	return queued
}

// Notify adapts subscription lifecycle events onto TriggerFor
func (d *Dispatcher) Notify(ctx context.Context, owner, event string, payload map[string]any) {
	ev, err := ParseEvent(event)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("dropping notification for unknown event")
		return
	}
	d.TriggerFor(ctx, owner, ev, payload)
}

// SendTest queues a system.alert delivery to a single endpoint, enabled or not
func (d *Dispatcher) SendTest(ctx context.Context, endpointID, triggeredBy string) (Delivery, error) {
	ep, err := d.registry.Get(endpointID)
	if err != nil {
		return Delivery{}, err
	}
	payload := map[string]any{
		"type":         "test",
		"message":      "This is a test webhook delivery",
		"triggered_by": triggeredBy,
	}
	del := d.enqueue(ctx, ep, EventSystemAlert, payload, tracing.PropagateTraceToNSQ(ctx))
	if del == nil {
		return Delivery{}, errors.New("webhook dispatcher is stopped")
	}
	return *del, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, ep Endpoint, ev Event, payload map[string]any, traceHeaders map[string]string) *Delivery {
	del := &Delivery{
		ID:           uuid.NewString(),
		EndpointID:   ep.ID,
		Owner:        ep.Owner,
		Event:        ev,
		Payload:      payload,
		Status:       StatusPending,
		CreatedAt:    d.now().UTC(),
		traceHeaders: traceHeaders,
	}
	snap := del.snapshot()
	if !d.queue.Push(del) {
		d.logger.WithContext(ctx).WithEndpoint(ep.ID).WithField("event", string(ev)).Warn("dispatcher stopped, delivery dropped")
		return nil
	}
	metrics.SetQueueDepth(d.queue.Len())
	d.logger.WithContext(ctx).WithEndpoint(ep.ID).WithDelivery(snap.ID).WithField("event", string(ev)).Debug("delivery queued")
	return &snap
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		del, ok := d.queue.Pop(ctx)
		if !ok {
			return
		}
		metrics.SetQueueDepth(d.queue.Len())
		d.deliver(del)
	}
}

// deliver makes one attempt on a background context; Stop never interrupts it.
func (d *Dispatcher) deliver(del *Delivery) {
	ctx := tracing.ExtractTraceFromNSQ(context.Background(), del.traceHeaders)
	ctx, span := tracing.StartSpan(ctx, "webhook.deliver",
		tracing.AttrDeliveryID.String(del.ID),
		tracing.AttrEndpointID.String(del.EndpointID),
		tracing.AttrEvent.String(string(del.Event)),
		tracing.AttrAttempt.Int(del.Attempts+1),
	)
	defer span.End()

	if del.Attempts > 0 {
		del.Status = StatusRetrying
	}
	del.Attempts++
	attemptAt := d.now().UTC()
	del.LastAttempt = &attemptAt
	del.ResponseCode = 0
	del.Error = ""

	ep, err := d.registry.Get(del.EndpointID)
	if err != nil {
		del.Status = StatusFailed
		del.Error = "endpoint no longer registered"
		d.failed.Add(1)
		d.attempts.Add(1)
		d.history.Append(del.snapshot())
		metrics.RecordWebhookAttempt(StatusFailed.String(), 0)
		tracing.SetSpanError(ctx, err)
		return
	}

	status, latency, sendErr := d.send(ctx, ep, del, attemptAt)
	del.ResponseCode = status
	del.LatencyMS = latency.Milliseconds()
	d.attempts.Add(1)
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	log := d.logger.WithContext(ctx).WithEndpoint(ep.ID).WithDelivery(del.ID).
		WithFields(map[string]any{"event": string(del.Event), "attempt": del.Attempts, "status_code": status})

	if sendErr == nil && status >= 200 && status < 300 {
		del.Status = StatusDelivered
		d.delivered.Add(1)
		d.history.Append(del.snapshot())
		metrics.RecordWebhookAttempt(StatusDelivered.String(), latency)
		tracing.AddSpanEvent(ctx, "delivery.success")
		log.Info("webhook delivered")
		return
	}

	d.failed.Add(1)
	del.Error = attemptError(sendErr, status)
	reason := classifyReason(sendErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	tracing.SetSpanError(ctx, errors.New(del.Error))

	// each history entry records the outcome of its own attempt
	del.Status = StatusFailed
	if del.Attempts < ep.RetryBudget {
		d.history.Append(del.snapshot())
		metrics.RecordWebhookAttempt(StatusFailed.String(), latency)
		metrics.RecordRetry(reason)

		delay := d.backoff(del.Attempts)
		tracing.AddSpanEvent(ctx, "delivery.retry_scheduled", attribute.String("delay", delay.String()))
		log.WithError(errors.New(del.Error)).WithField("delay", delay.String()).Warn("webhook attempt failed, retrying")
		d.scheduleRetry(del, delay)
		return
	}

	final := del.snapshot()
	d.history.Append(final)
	metrics.RecordWebhookAttempt(StatusFailed.String(), latency)
	log.WithError(errors.New(del.Error)).Error("webhook delivery failed permanently")

	if d.dlq != nil {
		dl := NewDeadLetter(final, ep.URL, fmt.Sprintf("retry budget exhausted (%d attempts)", del.Attempts), d.now())
		if err := d.dlq.PublishDeadLetter(ctx, dl); err != nil {
			log.WithError(err).Error("dead letter publish failed")
			tracing.SetSpanError(ctx, err)
		} else {
			metrics.RecordDLQ()
			tracing.AddSpanEvent(ctx, "delivery.dead_lettered")
		}
	}
}

func (d *Dispatcher) scheduleRetry(del *Delivery, delay time.Duration) {
	d.pendingRetries.Add(1)
	time.AfterFunc(delay, func() {
		d.pendingRetries.Add(-1)
		if !d.queue.Push(del) {
			d.logger.Plain().WithDelivery(del.ID).WithEndpoint(del.EndpointID).Debug("retry fired after stop, dropped")
			return
		}
		metrics.SetQueueDepth(d.queue.Len())
	})
}

func (d *Dispatcher) send(ctx context.Context, ep Endpoint, del *Delivery, at time.Time) (int, time.Duration, error) {
	body, err := NewEnvelope(del, at).Encode()
	if err != nil {
		return 0, 0, fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(del.Event))
	req.Header.Set(HeaderSignature, Sign(ep.Secret, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(at.Unix(), 10))
	req.Header.Set(HeaderDeliveryID, del.ID)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, time.Since(start), err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))
	_ = resp.Body.Close()
	return resp.StatusCode, time.Since(start), nil
}

// Deliveries returns recorded attempts matching q
func (d *Dispatcher) Deliveries(q HistoryQuery) []Delivery {
	return d.history.List(q)
}

// Stats summarises attempts since start along with queue and endpoint counts
func (d *Dispatcher) Stats() Stats {
	registered, active := d.registry.Counts()
	total := d.attempts.Load()
	delivered := d.delivered.Load()

	rate := "N/A"
	if total > 0 {
		rate = fmt.Sprintf("%.1f%%", float64(delivered)/float64(total)*100)
	}

	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	return Stats{
		RegisteredWebhooks: registered,
		ActiveWebhooks:     active,
		TotalDeliveries:    total,
		Delivered:          delivered,
		Failed:             d.failed.Load(),
		SuccessRate:        rate,
		QueueSize:          d.queue.Len(),
		PendingRetries:     d.pendingRetries.Load(),
		WorkerRunning:      running,
	}
}

func attemptError(err error, status int) string {
	if err == nil {
		return fmt.Sprintf("HTTP %d", status)
	}
	if isTimeout(err) {
		return "Timeout"
	}
	return err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyReason buckets a failed attempt for the retries metric
func classifyReason(err error, status int) string {
	if err != nil {
		if isTimeout(err) {
			return "timeout"
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
			return "dns_error"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
