package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_feed/internal/api"
	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/auth"
	"github.com/austindbirch/harbor_feed/internal/config"
	"github.com/austindbirch/harbor_feed/internal/db"
	"github.com/austindbirch/harbor_feed/internal/feed"
	"github.com/austindbirch/harbor_feed/internal/health"
	"github.com/austindbirch/harbor_feed/internal/ingest"
	"github.com/austindbirch/harbor_feed/internal/logging"
	"github.com/austindbirch/harbor_feed/internal/metrics"
	"github.com/austindbirch/harbor_feed/internal/push"
	"github.com/austindbirch/harbor_feed/internal/store/postgres"
	"github.com/austindbirch/harbor_feed/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

// app owns every long-lived component of the server
type app struct {
	cfg        config.Config
	logger     *logging.Logger
	hub        *push.Hub
	dispatcher *webhook.Dispatcher
	handler    http.Handler
	grpcSrv    *grpc.Server
	grpcHealth *grpc_health.Server
	consumer   *ingest.Consumer

	// run in reverse order by close
	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	store, sink, pinger, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	authenticator, err := buildAuthenticator(ctx, cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	var dlq webhook.DeadLetterSink
	if cfg.Webhook.PublishDLQ && cfg.NSQ.Enabled {
		producer, err := webhook.NewNSQProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, producer.Stop)
		dlq = webhook.NewNSQDeadLetters(producer, cfg.NSQ.DLQTopic)
	}

	a.dispatcher = webhook.NewDispatcher(webhook.NewRegistry(), webhook.Config{
		Workers:          cfg.Webhook.Workers,
		HistorySize:      cfg.Webhook.HistorySize,
		HistoryRetention: cfg.Webhook.HistoryRetention,
		DeadLetters:      dlq,
	}, logger)
	a.dispatcher.Start(context.Background())
	a.closers = append(a.closers, a.dispatcher.Stop)

	poller := feed.NewPoller(store, feed.PollerConfig{
		DefaultLimit: cfg.Poll.DefaultLimit,
		MaxLimit:     cfg.Poll.MaxLimit,
	}, logger)
	a.hub = push.NewHub()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	a.handler = api.New(api.Deps{
		Subscriptions: feed.NewService(store, a.dispatcher, logger),
		Poller:        poller,
		Dispatcher:    a.dispatcher,
		WebhookDefaults: webhook.RegisterOptions{
			RetryBudget: cfg.Webhook.RetryBudget,
			Timeout:     cfg.Webhook.Timeout,
		},
		Connections: a.hub,
		Health:      health.NewChecker(cfg.DB.Driver, pinger, a.hub),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Push: push.NewHandler(a.hub, poller, authenticator, push.Config{
			Interval:   cfg.Push.Interval,
			BatchLimit: cfg.Push.BatchLimit,
		}, logger),
		PushPath: cfg.Push.Path,
		Auth:     auth.Middleware(authenticator, cfg.Auth.TrustIdentityHeader),
		Logger:   logger,
	}).Routes()

	a.grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(auth.GRPCInterceptor(authenticator)))
	a.grpcHealth = grpc_health.NewServer()
	healthpb.RegisterHealthServer(a.grpcSrv, a.grpcHealth)

	if cfg.NSQ.Enabled {
		a.consumer, err = ingest.NewConsumer(cfg.NSQ, ingest.NewService(sink, a.dispatcher, logger), logger)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// openStore picks the cursor store. With Postgres the producer owns the
// records table, so no sink is returned.
func (a *app) openStore(ctx context.Context) (feed.Store, feed.RecordSink, health.Pinger, error) {
	if a.cfg.DB.Driver != config.DriverPostgres {
		store := feed.NewMemoryStore()
		a.logger.Plain().Warn("using the in-memory store; subscriptions and cursors are lost on restart")
		return store, store, nil, nil
	}

	pool, err := db.Connect(ctx, a.cfg.DSN(), a.cfg.DB.MaxConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("db connect: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		return nil, nil, nil, fmt.Errorf("db migrate: %w", err)
	}
	a.logger.Plain().WithField("host", a.cfg.DB.Host).Info("connected to postgres")
	return postgres.New(pool), nil, pool, nil
}

// buildAuthenticator prefers a PEM key and falls back to JWKS. With neither,
// bearer tokens are refused and only the trusted identity header works.
func buildAuthenticator(ctx context.Context, cfg config.Auth, logger *logging.Logger) (auth.Authenticator, error) {
	switch {
	case cfg.PublicKeyPEM != "":
		v, err := auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, err
		}
		return v, nil
	case cfg.JWKSURL != "":
		key, err := auth.FetchJWKS(ctx, cfg.JWKSURL, "")
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, cfg.Issuer, cfg.Audience), nil
	case cfg.TrustIdentityHeader:
		logger.Plain().Warn("no JWT key configured; only the identity header is accepted")
		return auth.AuthenticatorFunc(func(string) (string, error) {
			return "", apperr.Unauthenticated("token authentication is not configured")
		}), nil
	}
	return nil, errors.New("JWT_PUBLIC_KEY or JWKS_URL is required")
}

// run serves HTTP and gRPC until ctx ends, then shuts both down
func (a *app) run(ctx context.Context) error {
	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			return err
		}
	}

	httpSrv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	lis, err := net.Listen("tcp", a.cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Plain().WithField("addr", a.cfg.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Plain().WithField("addr", a.cfg.GRPCPort).Info("gRPC listening")
		if err := a.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Plain().Info("shutting down")
		a.grpcHealth.Shutdown()
		// hijacked push connections are not tracked by http.Server
		a.hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) close() {
	if a.consumer != nil {
		a.consumer.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
