package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/config"
	"github.com/austindbirch/harbor_feed/internal/feed"
	"github.com/austindbirch/harbor_feed/internal/logging"
	"github.com/austindbirch/harbor_feed/internal/metrics"
	"github.com/austindbirch/harbor_feed/internal/webhook"
)

type recordingTrigger struct {
	mu       sync.Mutex
	events   []webhook.Event
	payloads []map[string]any
}

func (r *recordingTrigger) Trigger(_ context.Context, ev webhook.Event, payload map[string]any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.payloads = append(r.payloads, payload)
	return 1
}

type failingSink struct{ err error }

func (f failingSink) AppendRecord(context.Context, feed.Record) (feed.Record, error) {
	return feed.Record{}, f.err
}

type capturePublisher struct {
	topic string
	body  []byte
	err   error
}

func (c *capturePublisher) Publish(topic string, body []byte) error {
	c.topic, c.body = topic, body
	return c.err
}

func quietLogger() *logging.Logger {
	l := logging.New("ingest-test")
	l.SetLevel(logging.LevelFatal)
	return l
}

func encode(t *testing.T, rec feed.Record) []byte {
	t.Helper()
	body, err := json.Marshal(NewRecordCreated(context.Background(), rec))
	require.NoError(t, err)
	return body
}

func TestHandleAppendsAndTriggers(t *testing.T) {
	store := feed.NewMemoryStore()
	trig := &recordingTrigger{}
	svc := NewService(store, trig, quietLogger())

	before := testutil.ToFloat64(metrics.RecordsIngestedTotal.WithLabelValues("ok"))
	require.NoError(t, svc.Handle(context.Background(), encode(t, feed.Record{Symbol: "AAPL", Type: "signal"})))
	require.NoError(t, svc.Handle(context.Background(), encode(t, feed.Record{Symbol: "MSFT", Type: "signal"})))
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.RecordsIngestedTotal.WithLabelValues("ok")))

	require.Len(t, trig.events, 2)
	assert.Equal(t, webhook.EventDataCreated, trig.events[0])
	assert.EqualValues(t, 1, trig.payloads[0]["id"])
	assert.EqualValues(t, 2, trig.payloads[1]["id"])
	assert.Equal(t, "MSFT", trig.payloads[1]["symbol"])

	// the appended records are visible to polling
	sub, err := store.CreateSubscription(context.Background(), feed.Subscription{Owner: "alice", Name: "all", Mode: feed.ModePull, Enabled: true})
	require.NoError(t, err)
	res, err := feed.NewPoller(store, feed.PollerConfig{}, quietLogger()).Poll(context.Background(), feed.PollRequest{SubscriptionID: sub.ID, Identity: "alice"})
	require.NoError(t, err)
	assert.Len(t, res.Data, 2)
}

func TestHandleWithoutSink(t *testing.T) {
	trig := &recordingTrigger{}
	svc := NewService(nil, trig, quietLogger())

	require.NoError(t, svc.Handle(context.Background(), encode(t, feed.Record{ID: 42, Symbol: "AAPL"})))
	require.Len(t, trig.payloads, 1)
	assert.EqualValues(t, 42, trig.payloads[0]["id"])

	err := svc.Handle(context.Background(), encode(t, feed.Record{Symbol: "AAPL"}))
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Len(t, trig.events, 1)
}

func TestHandleErrors(t *testing.T) {
	tests := []struct {
		name      string
		sink      feed.RecordSink
		body      []byte
		terminal  bool
		triggered bool
	}{
		{name: "malformed json", sink: feed.NewMemoryStore(), body: []byte("{not json"), terminal: true},
		{name: "store rejects record", sink: failingSink{err: apperr.Invalid("record id 1 is not greater than last id 5")}, body: []byte(`{"record":{"id":1}}`), terminal: true},
		{name: "store unavailable", sink: failingSink{err: errors.New("connection reset")}, body: []byte(`{"record":{"symbol":"AAPL"}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := &recordingTrigger{}
			err := NewService(tt.sink, trig, quietLogger()).Handle(context.Background(), tt.body)
			require.Error(t, err)
			assert.Equal(t, tt.terminal, errors.Is(err, apperr.ErrValidation))
			assert.Empty(t, trig.events)
		})
	}
}

func TestHandleMessage(t *testing.T) {
	svc := NewService(failingSink{err: errors.New("connection reset")}, &recordingTrigger{}, quietLogger())

	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")

	// bad payloads are acknowledged, transient failures surface for requeue
	assert.NoError(t, svc.HandleMessage(nsq.NewMessage(id, []byte("garbage"))))
	assert.Error(t, svc.HandleMessage(nsq.NewMessage(id, []byte(`{"record":{"symbol":"AAPL"}}`))))

	ok := NewService(feed.NewMemoryStore(), nil, quietLogger())
	assert.NoError(t, ok.HandleMessage(nsq.NewMessage(id, encode(t, feed.Record{Symbol: "AAPL"}))))
}

func TestPublish(t *testing.T) {
	p := &capturePublisher{}
	rec := feed.Record{ID: 7, Symbol: "AAPL", CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	require.NoError(t, Publish(context.Background(), p, "records", rec))
	assert.Equal(t, "records", p.topic)

	var ev RecordCreated
	require.NoError(t, json.Unmarshal(p.body, &ev))
	assert.EqualValues(t, 7, ev.Record.ID)
	assert.Equal(t, rec.CreatedAt, ev.Record.CreatedAt)
	_, err := time.Parse(time.RFC3339, ev.PublishedAt)
	assert.NoError(t, err)

	p.err = errors.New("nsqd down")
	assert.ErrorContains(t, Publish(context.Background(), p, "records", rec), "nsqd down")
}

func TestNewConsumer(t *testing.T) {
	cfg := config.NSQ{RecordsTopic: "records", IngestChannel: "delivery", MaxInFlight: 5}
	c, err := NewConsumer(cfg, NewService(nil, nil, quietLogger()), quietLogger())
	require.NoError(t, err)
	c.Stop()

	_, err = NewConsumer(config.NSQ{RecordsTopic: "bad topic!", IngestChannel: "delivery"}, NewService(nil, nil, quietLogger()), quietLogger())
	assert.Error(t, err)
}
