package webhook

import (
	"github.com/austindbirch/harbor_feed/internal/apperr"
)

// Status is the lifecycle state of a Delivery
type Status uint8

const (
	StatusPending Status = iota
	StatusRetrying
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRetrying:
		return "retrying"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further attempts will be made
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// ParseStatus converts a status name back into a Status
func ParseStatus(name string) (Status, error) {
	switch name {
	case "pending":
		return StatusPending, nil
	case "retrying":
		return StatusRetrying, nil
	case "delivered":
		return StatusDelivered, nil
	case "failed":
		return StatusFailed, nil
	}
	return 0, apperr.Invalid("unknown delivery status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
