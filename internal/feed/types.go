package feed

import (
	"time"
)

// Mode is how a subscription receives records
type Mode string

const (
	ModePull     Mode = "pull"
	ModePush     Mode = "push"
	ModeCallback Mode = "callback"
)

// Valid reports whether m is one of the known delivery modes
func (m Mode) Valid() bool {
	switch m {
	case ModePull, ModePush, ModeCallback:
		return true
	}
	return false
}

// Record is a data record produced upstream. IDs increase monotonically.
type Record struct {
	ID        int64          `json:"id"`
	ScopeID   int64          `json:"scope_id"`
	Type      string         `json:"type"`
	Symbol    string         `json:"symbol"`
	Status    string         `json:"status,omitempty"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Field exposes the filterable columns of a record
func (r Record) Field(name string) (any, bool) {
	switch name {
	case "id":
		return r.ID, true
	case "scope_id", "strategy_id":
		return r.ScopeID, true
	case "type":
		return r.Type, true
	case "symbol":
		return r.Symbol, true
	case "status":
		return r.Status, true
	case "source":
		return r.Source, true
	}
	return nil, false
}

// AsMap renders the record as a JSON-style map for webhook payloads
func (r Record) AsMap() map[string]any {
	m := map[string]any{
		"id":         r.ID,
		"scope_id":   r.ScopeID,
		"type":       r.Type,
		"symbol":     r.Symbol,
		"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.Status != "" {
		m["status"] = r.Status
	}
	if r.Source != "" {
		m["source"] = r.Source
	}
	if r.Payload != nil {
		m["payload"] = r.Payload
	}
	return m
}

// Subscription is a consumer's standing interest in records plus its cursor
type Subscription struct {
	ID              int64          `json:"id"`
	Owner           string         `json:"owner"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Mode            Mode           `json:"mode"`
	ScopeID         *int64         `json:"scope_id,omitempty"`
	Filters         map[string]any `json:"filters,omitempty"`
	CallbackURL     string         `json:"callback_url,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastDeliveredID int64          `json:"last_delivered_id"`
	LastDeliveredAt *time.Time     `json:"last_delivered_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// InScope reports whether rec belongs to the subscription's scope
func (s Subscription) InScope(rec Record) bool {
	return s.ScopeID == nil || *s.ScopeID == rec.ScopeID
}

// PollRequest asks for the next batch of a subscription's records
type PollRequest struct {
	SubscriptionID int64
	Identity       string
	Since          int64
	Limit          int
	Channel        string // "pull" or "push", used for metrics
}

// PollResult is one batch of records in ascending id order
type PollResult struct {
	SubscriptionID int64    `json:"subscription_id"`
	Data           []Record `json:"data"`
	LastID         int64    `json:"last_id"`
	HasMore        bool     `json:"has_more"`
}
