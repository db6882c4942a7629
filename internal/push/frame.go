package push

import (
	"fmt"

	"github.com/austindbirch/harbor_feed/internal/feed"
)

// Inbound actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Outbound frame types
const (
	FrameConnected    = "connected"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePong         = "pong"
	FrameError        = "error"
	FrameData         = "data"
)

// Message is a control frame sent by the client
type Message struct {
	Action         string `json:"action"`
	SubscriptionID *int64 `json:"subscription_id,omitempty"`
}

// Frame is any message sent to the client
type Frame struct {
	Type           string        `json:"type"`
	Message        string        `json:"message,omitempty"`
	Identity       string        `json:"identity,omitempty"`
	SubscriptionID int64         `json:"subscription_id,omitempty"`
	Data           []feed.Record `json:"data,omitempty"`
	HasMore        *bool         `json:"has_more,omitempty"`
}

func connectedFrame(identity string) Frame {
	return Frame{Type: FrameConnected, Message: "Connected successfully", Identity: identity}
}

func errorFrame(format string, args ...any) Frame {
	return Frame{Type: FrameError, Message: fmt.Sprintf(format, args...)}
}

func dataFrame(res feed.PollResult) Frame {
	hasMore := res.HasMore
	return Frame{
		Type:           FrameData,
		SubscriptionID: res.SubscriptionID,
		Data:           res.Data,
		HasMore:        &hasMore,
	}
}
