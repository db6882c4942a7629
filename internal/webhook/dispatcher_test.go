package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_feed/internal/logging"
)

type capturedRequest struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   func(n int) int
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rc.mu.Lock()
	rc.requests = append(rc.requests, capturedRequest{header: r.Header.Clone(), body: body})
	n := len(rc.requests)
	rc.mu.Unlock()
	w.WriteHeader(rc.status(n))
}

func (rc *receiver) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.requests)
}

func (rc *receiver) request(i int) capturedRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.requests[i]
}

type recordingBackoff struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (b *recordingBackoff) next(attempt int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays = append(b.delays, ExponentialBackoff(attempt))
	return 5 * time.Millisecond
}

func (b *recordingBackoff) recorded() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Duration(nil), b.delays...)
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (f *fakeDeadLetters) PublishDeadLetter(_ context.Context, dl DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.letters = append(f.letters, dl)
	return nil
}

func (f *fakeDeadLetters) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.letters)
}

func quietLogger() *logging.Logger {
	l := logging.New("webhook-test")
	l.SetLevel(logging.LevelFatal)
	return l
}

func startDispatcher(t *testing.T, cfg Config) (*Dispatcher, *Registry) {
	t.Helper()
	reg := NewRegistry()
	d := NewDispatcher(reg, cfg, quietLogger())
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d, reg
}

func finalDeliveries(d *Dispatcher, endpointID string) []Delivery {
	return d.Deliveries(HistoryQuery{EndpointID: endpointID})
}

func TestDispatcherDeliversSignedEnvelope(t *testing.T) {
	rc := &receiver{status: func(int) int { return http.StatusOK }}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	d, reg := startDispatcher(t, Config{})
	ep, err := reg.Register("alice", srv.URL, "s3cret", []Event{EventDataCreated}, map[string]string{"X-Custom": "yes"})
	require.NoError(t, err)

	n := d.Trigger(context.Background(), EventDataCreated, map[string]any{"id": 7})
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool { return len(finalDeliveries(d, ep.ID)) == 1 }, 2*time.Second, 10*time.Millisecond)

	got := finalDeliveries(d, ep.ID)[0]
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, http.StatusOK, got.ResponseCode)

	req := rc.request(0)
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "data.created", req.header.Get(HeaderEvent))
	assert.Equal(t, got.ID, req.header.Get(HeaderDeliveryID))
	assert.NotEmpty(t, req.header.Get(HeaderTimestamp))
	assert.Equal(t, "yes", req.header.Get("X-Custom"))
	assert.NoError(t, Verify("s3cret", req.body, req.header.Get(HeaderSignature)))

	var env Envelope
	require.NoError(t, json.Unmarshal(req.body, &env))
	assert.Equal(t, got.ID, env.ID)
	assert.Equal(t, EventDataCreated, env.Event)
	assert.EqualValues(t, 7, env.Data["id"])
	_, err = time.Parse(time.RFC3339Nano, env.Timestamp)
	assert.NoError(t, err)
}

func TestDispatcherTimeoutExhaustsBudget(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	backoff := &recordingBackoff{}
	dlq := &fakeDeadLetters{}
	d, reg := startDispatcher(t, Config{Backoff: backoff.next, DeadLetters: dlq})

	ep, err := reg.Register("alice", srv.URL, "", []Event{EventDataCreated}, nil,
		RegisterOptions{RetryBudget: 2, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	require.Equal(t, 1, d.Trigger(context.Background(), EventDataCreated, map[string]any{"id": 1}))

	require.Eventually(t, func() bool {
		h := finalDeliveries(d, ep.ID)
		return len(h) == 2 && h[1].Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	h := finalDeliveries(d, ep.ID)
	assert.Equal(t, StatusFailed, h[0].Status)
	assert.Equal(t, 1, h[0].Attempts)
	assert.Equal(t, StatusFailed, h[1].Status)
	assert.Equal(t, 2, h[1].Attempts)
	assert.Equal(t, "Timeout", h[1].Error)
	assert.Equal(t, h[0].ID, h[1].ID)

	assert.Equal(t, []time.Duration{2 * time.Second}, backoff.recorded())
	require.Eventually(t, func() bool { return dlq.count() == 1 }, time.Second, 10*time.Millisecond)

	// no third attempt is ever made
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, finalDeliveries(d, ep.ID), 2)
}

func TestDispatcherRetryBound(t *testing.T) {
	for _, budget := range []int{1, 3, 5} {
		budget := budget
		t.Run(fmt.Sprintf("budget_%d", budget), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusBadGateway)
			}))
			defer srv.Close()

			backoff := &recordingBackoff{}
			d, reg := startDispatcher(t, Config{Backoff: backoff.next})
			ep, err := reg.Register("", srv.URL, "k", []Event{EventSystemAlert}, nil, RegisterOptions{RetryBudget: budget})
			require.NoError(t, err)

			d.Trigger(context.Background(), EventSystemAlert, nil)

			require.Eventually(t, func() bool {
				h := finalDeliveries(d, ep.ID)
				return len(h) == budget && h[len(h)-1].Status == StatusFailed
			}, 3*time.Second, 5*time.Millisecond)

			time.Sleep(30 * time.Millisecond)
			assert.EqualValues(t, budget, hits.Load())
			assert.Len(t, backoff.recorded(), budget-1)
			last := finalDeliveries(d, ep.ID)
			assert.Equal(t, "HTTP 502", last[len(last)-1].Error)
		})
	}
}

func TestDispatcherRecoversAfterFailure(t *testing.T) {
	rc := &receiver{status: func(n int) int {
		if n == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusAccepted
	}}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	d, reg := startDispatcher(t, Config{Backoff: (&recordingBackoff{}).next})
	ep, err := reg.Register("", srv.URL, "k", []Event{EventDataCreated}, nil)
	require.NoError(t, err)

	d.Trigger(context.Background(), EventDataCreated, map[string]any{})
	require.Eventually(t, func() bool {
		h := finalDeliveries(d, ep.ID)
		return len(h) == 2 && h[1].Status == StatusDelivered
	}, 2*time.Second, 5*time.Millisecond)

	delivered := StatusDelivered
	assert.Len(t, d.Deliveries(HistoryQuery{Status: &delivered}), 1)

	stats := d.Stats()
	assert.EqualValues(t, 2, stats.TotalDeliveries)
	assert.EqualValues(t, 1, stats.Delivered)
	assert.EqualValues(t, 1, stats.Failed)
	assert.Equal(t, "50.0%", stats.SuccessRate)
	assert.True(t, stats.WorkerRunning)
	assert.Equal(t, 2, rc.count())
}

func TestDispatcherHistoryStatusMatchesStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, reg := startDispatcher(t, Config{Backoff: (&recordingBackoff{}).next})
	ep, err := reg.Register("alice", srv.URL, "", []Event{EventDataCreated}, nil, RegisterOptions{RetryBudget: 3})
	require.NoError(t, err)

	d.Trigger(context.Background(), EventDataCreated, map[string]any{"id": 1})
	require.Eventually(t, func() bool {
		return len(finalDeliveries(d, ep.ID)) == 3
	}, 3*time.Second, 5*time.Millisecond)

	h := finalDeliveries(d, ep.ID)
	for i, attempt := range h {
		assert.Equal(t, StatusFailed, attempt.Status, "attempt %d", i+1)
		assert.Equal(t, i+1, attempt.Attempts)
	}

	failed := StatusFailed
	retrying := StatusRetrying
	stats := d.Stats()
	assert.EqualValues(t, 3, stats.Failed)
	assert.Len(t, d.Deliveries(HistoryQuery{EndpointID: ep.ID, Status: &failed}), int(stats.Failed))
	assert.Empty(t, d.Deliveries(HistoryQuery{EndpointID: ep.ID, Status: &retrying}))
}

func TestTriggerSelection(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, Config{}, quietLogger())

	mine, err := reg.Register("alice", "https://a.example.com", "", []Event{EventDataCreated}, nil)
	require.NoError(t, err)
	_, err = reg.Register("bob", "https://b.example.com", "", []Event{EventDataCreated}, nil)
	require.NoError(t, err)
	_, err = reg.Register("", "https://shared.example.com", "", []Event{EventDataCreated, EventSystemAlert}, nil)
	require.NoError(t, err)
	off, err := reg.Register("alice", "https://off.example.com", "", []Event{EventDataCreated}, nil)
	require.NoError(t, err)
	_, err = reg.Disable(off.ID)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, 3, d.Trigger(ctx, EventDataCreated, nil))
	assert.Equal(t, 2, d.TriggerFor(ctx, "alice", EventDataCreated, nil))
	assert.Equal(t, 1, d.Trigger(ctx, EventSystemAlert, nil))
	assert.Equal(t, 0, d.Trigger(ctx, EventStrategyUpdated, nil))

	d.Notify(ctx, "alice", "data.created", map[string]any{})
	d.Notify(ctx, "alice", "not.an.event", nil)

	test, err := d.SendTest(ctx, mine.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, EventSystemAlert, test.Event)
	assert.Equal(t, StatusPending, test.Status)

	// queued but no workers running
	assert.Equal(t, 3+2+1+2+1, d.Stats().QueueSize)
	assert.False(t, d.Stats().WorkerRunning)
}

func TestStopDropsLateWork(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, Config{}, quietLogger())
	_, err := reg.Register("", "https://a.example.com", "", []Event{EventDataCreated}, nil)
	require.NoError(t, err)

	d.Start(context.Background())
	d.Stop()
	d.Stop()

	assert.Equal(t, 0, d.Trigger(context.Background(), EventDataCreated, nil))

	// a retry timer firing after stop is a no-op
	d.scheduleRetry(&Delivery{ID: "late"}, time.Millisecond)
	require.Eventually(t, func() bool { return d.Stats().PendingRetries == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.Stats().QueueSize)
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "refused", err: errString("dial tcp: connection refused"), want: "connection_refused"},
		{name: "dns", err: errString("lookup x: no such host"), want: "dns_error"},
		{name: "other network", err: errString("EOF"), want: "network"},
		{name: "5xx", status: 503, want: "http_5xx"},
		{name: "429", status: 429, want: "http_429"},
		{name: "4xx", status: 404, want: "http_4xx"},
		{name: "3xx", status: 302, want: "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyReason(tt.err, tt.status))
		})
	}
}

type errString string

func (e errString) Error() string { return string(e) }
