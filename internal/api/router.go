// Package api is the HTTP surface: polling, subscription and webhook
// management, stats and the push upgrade route.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/harbor_feed/internal/feed"
	"github.com/austindbirch/harbor_feed/internal/health"
	"github.com/austindbirch/harbor_feed/internal/logging"
	"github.com/austindbirch/harbor_feed/internal/webhook"
)

// Counter is satisfied by *push.Hub
type Counter interface {
	Count() int
}

// Deps are the services the router dispatches to
type Deps struct {
	Subscriptions   *feed.Service
	Poller          *feed.Poller
	Dispatcher      *webhook.Dispatcher
	WebhookDefaults webhook.RegisterOptions // applied when a registration omits them
	Connections     Counter
	Health          *health.Checker
	Metrics         http.Handler
	Push            http.Handler // mounted outside Auth; it authenticates after the upgrade
	PushPath        string
	Auth            func(http.Handler) http.Handler
	Logger          *logging.Logger
}

type Server struct {
	subs     *feed.Service
	poller   *feed.Poller
	dispatch *webhook.Dispatcher
	conns    Counter
	deps     Deps
	logger   *logging.Logger
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.New("api")
	}
	if deps.PushPath == "" {
		deps.PushPath = "/ws/subscribe"
	}
	return &Server{
		subs:     deps.Subscriptions,
		poller:   deps.Poller,
		dispatch: deps.Dispatcher,
		conns:    deps.Connections,
		deps:     deps,
		logger:   deps.Logger,
	}
}

// Routes builds the chi router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if s.deps.Health != nil {
		r.Get("/healthz", health.HTTPHandler(s.deps.Health))
	}
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
	if s.deps.Push != nil {
		r.Get(s.deps.PushPath, s.deps.Push.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Auth != nil {
			r.Use(s.deps.Auth)
		}

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.createSubscription)
			r.Get("/", s.listSubscriptions)
			r.Get("/{id}", s.getSubscription)
			r.Patch("/{id}", s.updateSubscription)
			r.Delete("/{id}", s.deleteSubscription)
			r.Get("/{id}/data", s.pollSubscription)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", s.createWebhook)
			r.Get("/", s.listWebhooks)
			r.Get("/events", s.listEvents)
			r.Get("/deliveries", s.listAllDeliveries)
			r.Get("/{id}", s.getWebhook)
			r.Patch("/{id}", s.updateWebhook)
			r.Delete("/{id}", s.deleteWebhook)
			r.Post("/{id}/enable", s.enableWebhook)
			r.Post("/{id}/disable", s.disableWebhook)
			r.Post("/{id}/test", s.testWebhook)
			r.Get("/{id}/deliveries", s.listDeliveries)
		})

		r.Get("/stats", s.stats)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}
