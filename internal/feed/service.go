package feed

import (
	"context"
	"net/url"
	"strings"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/filter"
	"github.com/austindbirch/harbor_feed/internal/logging"
)

const (
	maxNameLength = 200
	maxURLLength  = 500

	DefaultListLimit = 50
)

// Lifecycle event names emitted by Service
const (
	EventSubscriptionCreated     = "subscription.created"
	EventSubscriptionActivated   = "subscription.activated"
	EventSubscriptionDeactivated = "subscription.deactivated"
	EventSubscriptionDeleted     = "subscription.deleted"
)

// Notifier is told about subscription lifecycle changes. The webhook
// dispatcher is the production implementation.
type Notifier interface {
	Notify(ctx context.Context, owner, event string, payload map[string]any)
}

// CreateSubscriptionRequest carries the caller-supplied subscription fields
type CreateSubscriptionRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Mode        Mode           `json:"mode"`
	ScopeID     *int64         `json:"scope_id,omitempty"`
	Filters     map[string]any `json:"filters,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
}

// UpdateSubscriptionRequest is a partial update; nil fields are left alone
type UpdateSubscriptionRequest struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Filters     *map[string]any `json:"filters,omitempty"`
	CallbackURL *string         `json:"callback_url,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

// Service manages subscriptions on behalf of their owners
type Service struct {
	store    Store
	notifier Notifier
	logger   *logging.Logger
}

// NewService returns a subscription service. notifier may be nil.
func NewService(store Store, notifier Notifier, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.New("feed")
	}
	return &Service{store: store, notifier: notifier, logger: logger}
}

// Create validates req and stores a subscription owned by owner with its
// cursor at zero
func (s *Service) Create(ctx context.Context, owner string, req CreateSubscriptionRequest) (Subscription, error) {
	if owner == "" {
		return Subscription{}, apperr.Unauthenticated("missing identity")
	}
	if req.Mode == "" {
		req.Mode = ModePull
	}
	if !req.Mode.Valid() {
		return Subscription{}, apperr.Invalid("invalid mode %q: must be one of pull, push, callback", req.Mode)
	}
	if err := validateName(req.Name); err != nil {
		return Subscription{}, err
	}
	if err := filter.Validate(req.Filters); err != nil {
		return Subscription{}, err
	}
	if err := validateCallback(req.Mode, req.CallbackURL); err != nil {
		return Subscription{}, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sub, err := s.store.CreateSubscription(ctx, Subscription{
		Owner:       owner,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Mode:        req.Mode,
		ScopeID:     req.ScopeID,
		Filters:     req.Filters,
		CallbackURL: req.CallbackURL,
		Enabled:     enabled,
	})
	if err != nil {
		return Subscription{}, err
	}

	s.logger.WithContext(ctx).WithIdentity(owner).WithSubscription(sub.ID).
		WithField("mode", string(sub.Mode)).Info("subscription created")
	s.notify(ctx, owner, EventSubscriptionCreated, sub)
	return sub, nil
}

// Get returns a subscription owned by owner
func (s *Service) Get(ctx context.Context, owner string, id int64) (Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return Subscription{}, err
	}
	if sub.Owner != owner {
		return Subscription{}, apperr.Forbidden("access denied to subscription %d", id)
	}
	return sub, nil
}

// List pages through owner's subscriptions in id order and returns the total count
func (s *Service) List(ctx context.Context, owner string, limit, offset int) ([]Subscription, int, error) {
	if limit < 0 || offset < 0 {
		return nil, 0, apperr.Invalid("limit and offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > MaxPollLimit {
		limit = MaxPollLimit
	}
	return s.store.ListSubscriptions(ctx, owner, limit, offset)
}

// Update applies the non-nil fields of req. The cursor is never touched.
func (s *Service) Update(ctx context.Context, owner string, id int64, req UpdateSubscriptionRequest) (Subscription, error) {
	sub, err := s.Get(ctx, owner, id)
	if err != nil {
		return Subscription{}, err
	}
	wasEnabled := sub.Enabled

	if req.Name != nil {
		if err := validateName(*req.Name); err != nil {
			return Subscription{}, err
		}
		sub.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.Filters != nil {
		if err := filter.Validate(*req.Filters); err != nil {
			return Subscription{}, err
		}
		sub.Filters = *req.Filters
	}
	if req.CallbackURL != nil {
		sub.CallbackURL = *req.CallbackURL
	}
	if err := validateCallback(sub.Mode, sub.CallbackURL); err != nil {
		return Subscription{}, err
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}

	updated, err := s.store.UpdateSubscription(ctx, sub)
	if err != nil {
		return Subscription{}, err
	}

	switch {
	case !wasEnabled && updated.Enabled:
		s.notify(ctx, owner, EventSubscriptionActivated, updated)
	case wasEnabled && !updated.Enabled:
		s.notify(ctx, owner, EventSubscriptionDeactivated, updated)
	}
	return updated, nil
}

// Delete removes a subscription owned by owner
func (s *Service) Delete(ctx context.Context, owner string, id int64) error {
	sub, err := s.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	s.logger.WithContext(ctx).WithIdentity(owner).WithSubscription(id).Info("subscription deleted")
	s.notify(ctx, owner, EventSubscriptionDeleted, sub)
	return nil
}

func (s *Service) notify(ctx context.Context, owner, event string, sub Subscription) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, owner, event, map[string]any{
		"subscription_id": sub.ID,
		"name":            sub.Name,
		"mode":            string(sub.Mode),
		"enabled":         sub.Enabled,
	})
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Invalid("name is required")
	}
	if len(name) > maxNameLength {
		return apperr.Invalid("name must be at most %d characters", maxNameLength)
	}
	return nil
}

func validateCallback(mode Mode, raw string) error {
	if raw == "" {
		if mode == ModeCallback {
			return apperr.Invalid("callback_url is required for callback subscriptions")
		}
		return nil
	}
	if len(raw) > maxURLLength {
		return apperr.Invalid("callback_url must be at most %d characters", maxURLLength)
	}
	return ValidateURL(raw)
}

// ValidateURL accepts absolute http and https URLs only
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.Invalid("invalid url %q: must be an absolute http(s) url", raw)
	}
	return nil
}
