package webhook

import (
	"github.com/austindbirch/harbor_feed/internal/apperr"
)

// Event names a webhook event. The set is closed; use ParseEvent to convert
// untrusted input.
type Event string

const (
	EventDataCreated      Event = "data.created"
	EventDataUpdated      Event = "data.updated"
	EventDataDeleted      Event = "data.deleted"
	EventDataBatchCreated Event = "data.batch_created"

	EventSubscriptionCreated     Event = "subscription.created"
	EventSubscriptionActivated   Event = "subscription.activated"
	EventSubscriptionDeactivated Event = "subscription.deactivated"
	EventSubscriptionDeleted     Event = "subscription.deleted"

	EventClientCreated     Event = "client.created"
	EventClientActivated   Event = "client.activated"
	EventClientDeactivated Event = "client.deactivated"

	EventSystemAlert           Event = "system.alert"
	EventSystemBackupCompleted Event = "system.backup_completed"
	EventSystemDailyReport     Event = "system.daily_report"

	EventStrategyCreated Event = "strategy.created"
	EventStrategyUpdated Event = "strategy.updated"
)

var allEvents = []Event{
	EventDataCreated,
	EventDataUpdated,
	EventDataDeleted,
	EventDataBatchCreated,
	EventSubscriptionCreated,
	EventSubscriptionActivated,
	EventSubscriptionDeactivated,
	EventSubscriptionDeleted,
	EventClientCreated,
	EventClientActivated,
	EventClientDeactivated,
	EventSystemAlert,
	EventSystemBackupCompleted,
	EventSystemDailyReport,
	EventStrategyCreated,
	EventStrategyUpdated,
}

var eventDescriptions = map[Event]string{
	EventDataCreated:             "A data record was created",
	EventDataUpdated:             "A data record was updated",
	EventDataDeleted:             "A data record was deleted",
	EventDataBatchCreated:        "A batch of data records was created",
	EventSubscriptionCreated:     "A subscription was created",
	EventSubscriptionActivated:   "A subscription was enabled",
	EventSubscriptionDeactivated: "A subscription was disabled",
	EventSubscriptionDeleted:     "A subscription was deleted",
	EventClientCreated:           "A client was created",
	EventClientActivated:         "A client was activated",
	EventClientDeactivated:       "A client was deactivated",
	EventSystemAlert:             "System alert or test delivery",
	EventSystemBackupCompleted:   "A backup finished",
	EventSystemDailyReport:       "The daily report is available",
	EventStrategyCreated:         "A strategy was created",
	EventStrategyUpdated:         "A strategy was updated",
}

// AllEvents returns every known event in a stable order
func AllEvents() []Event {
	out := make([]Event, len(allEvents))
	copy(out, allEvents)
	return out
}

// Description is a short human readable summary of e
func (e Event) Description() string {
	return eventDescriptions[e]
}

func (e Event) Valid() bool {
	_, ok := eventDescriptions[e]
	return ok
}

func (e Event) String() string { return string(e) }

// ParseEvent validates s against the known event set
func ParseEvent(s string) (Event, error) {
	e := Event(s)
	if !e.Valid() {
		return "", apperr.Invalid("unknown event %q", s)
	}
	return e, nil
}

// ParseEvents validates a list of event names, rejecting empty lists and
// dropping duplicates while keeping order
func ParseEvents(names []string) ([]Event, error) {
	if len(names) == 0 {
		return nil, apperr.Invalid("at least one event is required")
	}
	seen := make(map[Event]struct{}, len(names))
	out := make([]Event, 0, len(names))
	for _, n := range names {
		e, err := ParseEvent(n)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func (e Event) MarshalText() ([]byte, error) {
	return []byte(e), nil
}

func (e *Event) UnmarshalText(b []byte) error {
	parsed, err := ParseEvent(string(b))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
