package webhook

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/harbor_feed/internal/apperr"
)

const (
	DefaultRetryBudget = 3
	DefaultTimeout     = 30 * time.Second

	maxRetryBudget = 10
	maxTimeout     = 2 * time.Minute
)

// Endpoint is a registered webhook receiver
type Endpoint struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner,omitempty"`
	URL         string            `json:"url"`
	Secret      string            `json:"secret"`
	Events      []Event           `json:"events"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	RetryBudget int               `json:"retry_count"`
	Timeout     time.Duration     `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
}

// TimeoutSeconds is exposed for JSON clients
func (e Endpoint) TimeoutSeconds() int {
	return int(e.Timeout / time.Second)
}

// Subscribed reports whether the endpoint listens for ev
func (e Endpoint) Subscribed(ev Event) bool {
	for _, x := range e.Events {
		if x == ev {
			return true
		}
	}
	return false
}

// Redacted returns a copy with the secret masked for listing
func (e Endpoint) Redacted() Endpoint {
	if len(e.Secret) > 4 {
		e.Secret = e.Secret[:4] + "****"
	} else if e.Secret != "" {
		e.Secret = "****"
	}
	return e
}

func (e Endpoint) clone() Endpoint {
	e.Events = append([]Event(nil), e.Events...)
	if e.Headers != nil {
		h := make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			h[k] = v
		}
		e.Headers = h
	}
	return e
}

// RegisterOptions overrides the per-endpoint defaults
type RegisterOptions struct {
	RetryBudget int
	Timeout     time.Duration
}

// EndpointUpdate is a partial endpoint change; nil fields are left alone
type EndpointUpdate struct {
	URL         *string
	Secret      *string
	Events      *[]Event
	Headers     *map[string]string
	RetryBudget *int
	Timeout     *time.Duration
}

// Registry holds webhook endpoints in memory
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	now       func() time.Time
}

// NewRegistry returns an empty endpoint registry
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]Endpoint),
		now:       time.Now,
	}
}

// Register validates and stores a new endpoint. An empty secret is replaced
// with a generated one.
func (r *Registry) Register(owner, rawURL, secret string, events []Event, headers map[string]string, opts ...RegisterOptions) (Endpoint, error) {
	if err := validateEndpointURL(rawURL); err != nil {
		return Endpoint{}, err
	}
	if err := validateEvents(events); err != nil {
		return Endpoint{}, err
	}
	if err := validateHeaders(headers); err != nil {
		return Endpoint{}, err
	}

	ep := Endpoint{
		Owner:       owner,
		URL:         rawURL,
		Secret:      secret,
		Events:      events,
		Enabled:     true,
		Headers:     headers,
		RetryBudget: DefaultRetryBudget,
		Timeout:     DefaultTimeout,
	}
	for _, o := range opts {
		if o.RetryBudget != 0 {
			ep.RetryBudget = o.RetryBudget
		}
		if o.Timeout != 0 {
			ep.Timeout = o.Timeout
		}
	}
	if err := validateLimits(ep.RetryBudget, ep.Timeout); err != nil {
		return Endpoint{}, err
	}

	id, err := randomHex(8)
	if err != nil {
		return Endpoint{}, fmt.Errorf("generate endpoint id: %w", err)
	}
	ep.ID = "wh_" + id
	if ep.Secret == "" {
		if ep.Secret, err = randomHex(24); err != nil {
			return Endpoint{}, fmt.Errorf("generate secret: %w", err)
		}
	}
	ep.CreatedAt = r.now().UTC()
	ep = ep.clone()

	r.mu.Lock()
	r.endpoints[ep.ID] = ep
	r.mu.Unlock()
	return ep.clone(), nil
}

// Get returns the endpoint with id regardless of owner
func (r *Registry) Get(id string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, apperr.NotFound("Webhook", id)
	}
	return ep.clone(), nil
}

// Authorize returns the endpoint when owner may manage it
func (r *Registry) Authorize(owner, id string) (Endpoint, error) {
	ep, err := r.Get(id)
	if err != nil {
		return Endpoint{}, err
	}
	if ep.Owner != "" && ep.Owner != owner {
		return Endpoint{}, apperr.Forbidden("access denied to webhook %s", id)
	}
	return ep, nil
}

// List returns owner's endpoints ordered by creation, or all when owner is empty
func (r *Registry) List(owner string) []Endpoint {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if owner == "" || ep.Owner == owner {
			out = append(out, ep.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Enable and Disable toggle whether an endpoint receives deliveries
func (r *Registry) Enable(id string) (Endpoint, error)  { return r.setEnabled(id, true) }
func (r *Registry) Disable(id string) (Endpoint, error) { return r.setEnabled(id, false) }

func (r *Registry) setEnabled(id string, enabled bool) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, apperr.NotFound("Webhook", id)
	}
	ep.Enabled = enabled
	r.endpoints[id] = ep
	return ep.clone(), nil
}

// Update applies the set fields of upd after validating them
func (r *Registry) Update(id string, upd EndpointUpdate) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, apperr.NotFound("Webhook", id)
	}
	if upd.URL != nil {
		if err := validateEndpointURL(*upd.URL); err != nil {
			return Endpoint{}, err
		}
		ep.URL = *upd.URL
	}
	if upd.Secret != nil && *upd.Secret != "" {
		ep.Secret = *upd.Secret
	}
	if upd.Events != nil {
		if err := validateEvents(*upd.Events); err != nil {
			return Endpoint{}, err
		}
		ep.Events = *upd.Events
	}
	if upd.Headers != nil {
		if err := validateHeaders(*upd.Headers); err != nil {
			return Endpoint{}, err
		}
		ep.Headers = *upd.Headers
	}
	if upd.RetryBudget != nil {
		ep.RetryBudget = *upd.RetryBudget
	}
	if upd.Timeout != nil {
		ep.Timeout = *upd.Timeout
	}
	if err := validateLimits(ep.RetryBudget, ep.Timeout); err != nil {
		return Endpoint{}, err
	}

	ep = ep.clone()
	r.endpoints[id] = ep
	return ep.clone(), nil
}

// Unregister removes an endpoint. Queued deliveries for it fail on their next attempt.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[id]; !ok {
		return apperr.NotFound("Webhook", id)
	}
	delete(r.endpoints, id)
	return nil
}

// Matching returns the enabled endpoints subscribed to ev. A non-empty owner
// skips endpoints that belong to somebody else; ownerless endpoints always match.
func (r *Registry) Matching(ev Event, owner string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Endpoint
	for _, ep := range r.endpoints {
		if !ep.Enabled || !ep.Subscribed(ev) {
			continue
		}
		if owner != "" && ep.Owner != "" && ep.Owner != owner {
			continue
		}
		out = append(out, ep.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of registered and enabled endpoints
func (r *Registry) Counts() (registered, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ep := range r.endpoints {
		registered++
		if ep.Enabled {
			active++
		}
	}
	return registered, active
}

func validateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.Invalid("invalid webhook url %q: must be an absolute http(s) url", raw)
	}
	return nil
}

func validateEvents(events []Event) error {
	if len(events) == 0 {
		return apperr.Invalid("at least one event is required")
	}
	for _, e := range events {
		if !e.Valid() {
			return apperr.Invalid("unknown event %q", string(e))
		}
	}
	return nil
}

func validateHeaders(headers map[string]string) error {
	for k := range headers {
		if k == "" || http.CanonicalHeaderKey(k) == "" {
			return apperr.Invalid("invalid header name %q", k)
		}
	}
	return nil
}

func validateLimits(budget int, timeout time.Duration) error {
	if budget < 1 || budget > maxRetryBudget {
		return apperr.Invalid("retry_count must be between 1 and %d", maxRetryBudget)
	}
	if timeout <= 0 || timeout > maxTimeout {
		return apperr.Invalid("timeout must be between 1s and %s", maxTimeout)
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
