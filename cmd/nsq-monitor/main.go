package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_feed/internal/config"
	"github.com/austindbirch/harbor_feed/internal/logging"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor exports the ingest backlog and dead letter depth as gauges
type monitor struct {
	nsqdHTTP      string
	recordsTopic  string
	ingestChannel string
	dlqTopic      string
	client        *http.Client

	ingestBacklog   prometheus.Gauge
	deadLetters     prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(cfg config.NSQ, reg prometheus.Registerer) *monitor {
	m := &monitor{
		nsqdHTTP:      cfg.NsqdHTTPAddr,
		recordsTopic:  cfg.RecordsTopic,
		ingestChannel: cfg.IngestChannel,
		dlqTopic:      cfg.DLQTopic,
		client:        &http.Client{Timeout: 5 * time.Second},
		ingestBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborfeed_ingest_backlog",
			Help: "Record events waiting on the ingest channel",
		}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborfeed_dlq_depth",
			Help: "Dead-lettered webhook deliveries waiting on the DLQ topic",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborfeed_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborfeed_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
	}
	reg.MustRegister(m.ingestBacklog, m.deadLetters, m.channelDepth, m.channelInflight)
	return m
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.update(ctx); err != nil {
			logging.Plain().WithError(err).Warn("error updating NSQ metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", m.nsqdHTTP), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		switch topic.TopicName {
		case m.dlqTopic:
			m.deadLetters.Set(float64(topic.Depth))
		case m.recordsTopic:
		default:
			continue
		}
		for _, channel := range topic.Channels {
			if topic.TopicName == m.recordsTopic && channel.ChannelName == m.ingestChannel {
				m.ingestBacklog.Set(float64(channel.Depth))
			}
			m.channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	return nil
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("nsq-monitor")

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NSQ, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go m.run(ctx, cfg.Monitor.Interval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.Monitor.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Plain().WithFields(map[string]any{
		"addr":     srv.Addr,
		"nsqd":     cfg.NSQ.NsqdHTTPAddr,
		"interval": cfg.Monitor.Interval.String(),
	}).Info("NSQ monitor starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Plain().WithError(err).Fatal("NSQ monitor failed")
	}
}
