package webhook

import (
	"encoding/json"
	"time"
)

// Delivery is one event bound for one endpoint, tracked across attempts
type Delivery struct {
	ID           string         `json:"id"`
	EndpointID   string         `json:"endpoint_id"`
	Owner        string         `json:"owner,omitempty"`
	Event        Event          `json:"event"`
	Payload      map[string]any `json:"payload"`
	Attempts     int            `json:"attempts"`
	Status       Status         `json:"status"`
	ResponseCode int            `json:"response_code,omitempty"`
	Error        string         `json:"error,omitempty"`
	LastAttempt  *time.Time     `json:"last_attempt,omitempty"`
	LatencyMS    int64          `json:"latency_ms,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`

	// trace context captured at trigger time
	traceHeaders map[string]string
}

func (d *Delivery) snapshot() Delivery {
	s := *d
	s.traceHeaders = nil
	if d.LastAttempt != nil {
		t := *d.LastAttempt
		s.LastAttempt = &t
	}
	return s
}

// Envelope is the JSON body POSTed to an endpoint
type Envelope struct {
	ID        string         `json:"id"`
	Event     Event          `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEnvelope wraps a delivery's payload for sending at time at
func NewEnvelope(d *Delivery, at time.Time) Envelope {
	data := d.Payload
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		ID:        d.ID,
		Event:     d.Event,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// Encode serialises the envelope. The returned bytes are exactly what is signed and sent.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

const DeadLetterType = "webhook.dlq"

// DeadLetter is published when a delivery exhausts its retry budget
type DeadLetter struct {
	Type         string   `json:"type"`
	Version      string   `json:"version"`
	At           string   `json:"at"`
	Reason       string   `json:"reason"`
	Attempts     int      `json:"attempts"`
	ResponseCode int      `json:"response_code,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
	EndpointURL  string   `json:"endpoint_url"`
	Delivery     Delivery `json:"delivery"`
}

func NewDeadLetter(d Delivery, endpointURL, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:         DeadLetterType,
		Version:      "v1",
		At:           at.UTC().Format(time.RFC3339Nano),
		Reason:       reason,
		Attempts:     d.Attempts,
		ResponseCode: d.ResponseCode,
		LastError:    d.Error,
		EndpointURL:  endpointURL,
		Delivery:     d,
	}
}
