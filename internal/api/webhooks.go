package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/webhook"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 200
)

type createWebhookRequest struct {
	URL            string            `json:"url"`
	Events         []string          `json:"events"`
	Secret         string            `json:"secret,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	RetryCount     int               `json:"retry_count,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type updateWebhookRequest struct {
	URL            *string            `json:"url,omitempty"`
	Events         *[]string          `json:"events,omitempty"`
	Secret         *string            `json:"secret,omitempty"`
	Headers        *map[string]string `json:"headers,omitempty"`
	Enabled        *bool              `json:"enabled,omitempty"`
	RetryCount     *int               `json:"retry_count,omitempty"`
	TimeoutSeconds *int               `json:"timeout_seconds,omitempty"`
}

type webhookView struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Secret         string            `json:"secret,omitempty"`
	Events         []webhook.Event   `json:"events"`
	Enabled        bool              `json:"enabled"`
	Headers        map[string]string `json:"headers,omitempty"`
	RetryCount     int               `json:"retry_count"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	CreatedAt      time.Time         `json:"created_at"`
}

// viewOf renders ep; the secret is shown in full only on creation
func viewOf(ep webhook.Endpoint, revealSecret bool) webhookView {
	if !revealSecret {
		ep = ep.Redacted()
	}
	return webhookView{
		ID:             ep.ID,
		URL:            ep.URL,
		Secret:         ep.Secret,
		Events:         ep.Events,
		Enabled:        ep.Enabled,
		Headers:        ep.Headers,
		RetryCount:     ep.RetryBudget,
		TimeoutSeconds: ep.TimeoutSeconds(),
		CreatedAt:      ep.CreatedAt,
	}
}

type eventView struct {
	Value       string `json:"value"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) registry() *webhook.Registry { return s.dispatch.Registry() }

// ownedWebhook loads the endpoint named in the path if the caller owns it
func (s *Server) ownedWebhook(r *http.Request) (string, webhook.Endpoint, error) {
	owner, err := identity(r)
	if err != nil {
		return "", webhook.Endpoint{}, err
	}
	ep, err := s.registry().Authorize(owner, chi.URLParam(r, "id"))
	if err != nil {
		return "", webhook.Endpoint{}, err
	}
	return owner, ep, nil
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	owner, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createWebhookRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	events, err := webhook.ParseEvents(req.Events)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := s.deps.WebhookDefaults
	if req.RetryCount != 0 {
		opts.RetryBudget = req.RetryCount
	}
	if req.TimeoutSeconds != 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ep, err := s.registry().Register(owner, req.URL, req.Secret, events, req.Headers, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.WithContext(r.Context()).WithIdentity(owner).WithEndpoint(ep.ID).Info("webhook registered")
	writeOK(w, http.StatusCreated, "Webhook registered", viewOf(ep, true))
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	owner, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	eps := s.registry().List(owner)
	views := make([]webhookView, 0, len(eps))
	for _, ep := range eps {
		views = append(views, viewOf(ep, false))
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("Found %d webhooks", len(views)), map[string]any{"webhooks": views})
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	_, ep, err := s.ownedWebhook(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Webhook found", viewOf(ep, false))
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	_, ep, err := s.ownedWebhook(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateWebhookRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	upd := webhook.EndpointUpdate{
		URL:         req.URL,
		Secret:      req.Secret,
		Headers:     req.Headers,
		RetryBudget: req.RetryCount,
	}
	if req.Events != nil {
		events, err := webhook.ParseEvents(*req.Events)
		if err != nil {
			writeError(w, err)
			return
		}
		upd.Events = &events
	}
	if req.TimeoutSeconds != nil {
		timeout := time.Duration(*req.TimeoutSeconds) * time.Second
		upd.Timeout = &timeout
	}

	updated, err := s.registry().Update(ep.ID, upd)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled != nil && *req.Enabled != updated.Enabled {
		if *req.Enabled {
			updated, err = s.registry().Enable(ep.ID)
		} else {
			updated, err = s.registry().Disable(ep.ID)
		}
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeOK(w, http.StatusOK, "Webhook updated", viewOf(updated, false))
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	owner, ep, err := s.ownedWebhook(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry().Unregister(ep.ID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.WithContext(r.Context()).WithIdentity(owner).WithEndpoint(ep.ID).Info("webhook deleted")
	writeOK(w, http.StatusOK, "Webhook deleted", nil)
}

func (s *Server) enableWebhook(w http.ResponseWriter, r *http.Request) {
	s.setWebhookEnabled(w, r, true)
}

func (s *Server) disableWebhook(w http.ResponseWriter, r *http.Request) {
	s.setWebhookEnabled(w, r, false)
}

func (s *Server) setWebhookEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	_, ep, err := s.ownedWebhook(r)
	if err != nil {
		writeError(w, err)
		return
	}
	set, msg := s.registry().Disable, "Webhook disabled"
	if enabled {
		set, msg = s.registry().Enable, "Webhook enabled"
	}
	if _, err := set(ep.ID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, msg, nil)
}

// testWebhook queues a system.alert delivery to this endpoint only
func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	owner, ep, err := s.ownedWebhook(r)
	if err != nil {
		writeError(w, err)
		return
	}
	del, err := s.dispatch.SendTest(r.Context(), ep.ID, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusAccepted, "Test event queued for delivery", map[string]any{"delivery_id": del.ID})
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	_, ep, err := s.ownedWebhook(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := deliveryQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q.EndpointID = ep.ID
	s.writeDeliveries(w, s.dispatch.Deliveries(q))
}

// listAllDeliveries spans every endpoint the caller owns
func (s *Server) listAllDeliveries(w http.ResponseWriter, r *http.Request) {
	owner, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := deliveryQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q.EndpointIDs = map[string]struct{}{}
	for _, ep := range s.registry().List(owner) {
		q.EndpointIDs[ep.ID] = struct{}{}
	}
	s.writeDeliveries(w, s.dispatch.Deliveries(q))
}

func (s *Server) writeDeliveries(w http.ResponseWriter, deliveries []webhook.Delivery) {
	if deliveries == nil {
		deliveries = []webhook.Delivery{}
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("Found %d deliveries", len(deliveries)), map[string]any{"deliveries": deliveries})
}

func deliveryQuery(r *http.Request) (webhook.HistoryQuery, error) {
	limit, err := queryInt(r, "limit", defaultDeliveryLimit)
	if err != nil {
		return webhook.HistoryQuery{}, err
	}
	if limit < 1 || limit > maxDeliveryLimit {
		return webhook.HistoryQuery{}, apperr.Invalid("limit must be between 1 and %d", maxDeliveryLimit)
	}
	q := webhook.HistoryQuery{Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := webhook.ParseStatus(raw)
		if err != nil {
			return webhook.HistoryQuery{}, err
		}
		q.Status = &st
	}
	return q, nil
}

func (s *Server) listEvents(w http.ResponseWriter, _ *http.Request) {
	all := webhook.AllEvents()
	views := make([]eventView, 0, len(all))
	for _, ev := range all {
		views = append(views, eventView{
			Value:       string(ev),
			Name:        strings.ToUpper(strings.ReplaceAll(string(ev), ".", "_")),
			Description: ev.Description(),
		})
	}
	writeOK(w, http.StatusOK, "Available webhook events", map[string]any{"events": views})
}

type statsView struct {
	webhook.Stats
	PushConnections int `json:"push_connections"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	st := statsView{Stats: s.dispatch.Stats()}
	if s.conns != nil {
		st.PushConnections = s.conns.Count()
	}
	writeOK(w, http.StatusOK, "Webhook statistics", st)
}
