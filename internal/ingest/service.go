// Package ingest consumes record-created events from NSQ and fans them out
// to the record log and the webhook dispatcher.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/config"
	"github.com/austindbirch/harbor_feed/internal/feed"
	"github.com/austindbirch/harbor_feed/internal/logging"
	"github.com/austindbirch/harbor_feed/internal/metrics"
	"github.com/austindbirch/harbor_feed/internal/tracing"
	"github.com/austindbirch/harbor_feed/internal/webhook"
)

// RecordCreated is the body of a message on the records topic
type RecordCreated struct {
	Record       feed.Record       `json:"record"`
	PublishedAt  string            `json:"published_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// NewRecordCreated wraps rec for publishing and carries the span in ctx
func NewRecordCreated(ctx context.Context, rec feed.Record) RecordCreated {
	return RecordCreated{
		Record:       rec,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	}
}

// Publisher is the subset of *nsq.Producer used to emit record events
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Publish encodes rec as a RecordCreated message on topic
func Publish(ctx context.Context, p Publisher, topic string, rec feed.Record) error {
	body, err := json.Marshal(NewRecordCreated(ctx, rec))
	if err != nil {
		return fmt.Errorf("marshal record event: %w", err)
	}
	if err := p.Publish(topic, body); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	return nil
}

// Trigger is satisfied by *webhook.Dispatcher
type Trigger interface {
	Trigger(ctx context.Context, ev webhook.Event, payload map[string]any) int
}

// Service handles record-created events. sink is nil when the producer owns
// the record table, in which case incoming records must carry their id.
type Service struct {
	sink    feed.RecordSink
	trigger Trigger
	logger  *logging.Logger
}

func NewService(sink feed.RecordSink, trigger Trigger, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.New("ingest")
	}
	return &Service{sink: sink, trigger: trigger, logger: logger}
}

// Handle processes one encoded RecordCreated. Validation errors are
// terminal; anything else is worth a redelivery.
func (s *Service) Handle(ctx context.Context, body []byte) error {
	var ev RecordCreated
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.RecordIngested("invalid")
		return apperr.Invalid("bad record event: %v", err)
	}

	ctx = tracing.ExtractTraceFromNSQ(ctx, ev.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "ingest.record",
		attribute.Int64("record.id", ev.Record.ID),
		attribute.String("record.symbol", ev.Record.Symbol),
	)
	defer span.End()

	rec := ev.Record
	if s.sink != nil {
		stored, err := s.sink.AppendRecord(ctx, rec)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			if errors.Is(err, apperr.ErrValidation) {
				metrics.RecordIngested("invalid")
			} else {
				metrics.RecordIngested("error")
			}
			return fmt.Errorf("append record: %w", err)
		}
		rec = stored
	} else if rec.ID == 0 {
		metrics.RecordIngested("invalid")
		return apperr.Invalid("record event without id")
	}

	queued := 0
	if s.trigger != nil {
		queued = s.trigger.Trigger(ctx, webhook.EventDataCreated, rec.AsMap())
	}
	span.SetAttributes(attribute.Int("webhook.queued", queued))
	metrics.RecordIngested("ok")
	s.logger.WithContext(ctx).WithField("record_id", rec.ID).WithField("webhooks", queued).Debug("record ingested")
	return nil
}

// HandleMessage implements nsq.Handler. Bad payloads are finished so they
// do not bounce forever; other failures are requeued by returning the error.
func (s *Service) HandleMessage(m *nsq.Message) error {
	err := s.Handle(context.Background(), m.Body)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrValidation) {
		s.logger.Plain().WithError(err).WithField("attempts", m.Attempts).Error("dropping bad record event")
		return nil
	}
	s.logger.Plain().WithError(err).WithField("attempts", m.Attempts).Warn("record event failed, requeueing")
	return err
}

// Consumer binds a Service to the records topic
type Consumer struct {
	consumer *nsq.Consumer
	cfg      config.NSQ
	logger   *logging.Logger
}

func NewConsumer(cfg config.NSQ, svc *Service, logger *logging.Logger) (*Consumer, error) {
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	c, err := nsq.NewConsumer(cfg.RecordsTopic, cfg.IngestChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer creation failed: %w", err)
	}
	c.SetLoggerLevel(nsq.LogLevelWarning)
	c.AddHandler(svc)
	if logger == nil {
		logger = logging.New("ingest")
	}
	return &Consumer{consumer: c, cfg: cfg, logger: logger}, nil
}

// Start connects through nsqlookupd when configured, otherwise straight to nsqd
func (c *Consumer) Start() error {
	entry := c.logger.Plain().WithField("topic", c.cfg.RecordsTopic).WithField("channel", c.cfg.IngestChannel)
	if c.cfg.LookupHTTPAddr != "" {
		if err := c.consumer.ConnectToNSQLookupd(c.cfg.LookupHTTPAddr); err != nil {
			return fmt.Errorf("connect nsqlookupd: %w", err)
		}
		entry.WithField("lookupd", c.cfg.LookupHTTPAddr).Info("record consumer started")
		return nil
	}
	if err := c.consumer.ConnectToNSQD(c.cfg.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect nsqd: %w", err)
	}
	entry.WithField("nsqd", c.cfg.NsqdTCPAddr).Info("record consumer started")
	return nil
}

// Stop drains in-flight messages and waits for the consumer to exit
func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}
