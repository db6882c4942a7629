package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/austindbirch/harbor_feed/internal/config"
	"github.com/austindbirch/harbor_feed/internal/logging"
	"github.com/austindbirch/harbor_feed/internal/webhook"
)

var reqCount atomic.Int64

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("fake-receiver")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) { handleHook(w, r, cfg.FakeReceiver) })

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Plain().WithField("addr", srv.Addr).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func handleHook(w http.ResponseWriter, r *http.Request, cfg config.FakeReceiver) {
	n := reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	entry := logging.Plain().WithFields(map[string]any{
		"event":       r.Header.Get(webhook.HeaderEvent),
		"delivery_id": r.Header.Get(webhook.HeaderDeliveryID),
	})

	if cfg.EndpointSecret != "" {
		leeway := time.Duration(cfg.SigningLeewaySeconds) * time.Second
		if msg := verifySignature(cfg.EndpointSecret, b, r.Header.Get(webhook.HeaderTimestamp), r.Header.Get(webhook.HeaderSignature), leeway); msg != "" {
			entry.WithField("reason", msg).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(cfg.FailFirstN) {
		entry.WithField("attempt", n).Warnf("failing (%d/%d) body=%s", n, cfg.FailFirstN, truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.WithField("attempt", n).Infof("received body=%q", truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// verifySignature returns an empty string when the request is authentic
func verifySignature(secret string, body []byte, ts, sig string, leeway time.Duration) string {
	if ts == "" || sig == "" {
		return "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "invalid timestamp"
	}
	if leeway > 0 && abs64(time.Now().Unix()-unix) > int64(leeway.Seconds()) {
		return "timestamp outside leeway"
	}
	if err := webhook.Verify(secret, body, sig); err != nil {
		return "sig mismatch"
	}
	return ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
