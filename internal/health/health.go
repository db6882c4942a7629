package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports a gauge value such as open push connections
type Counter interface {
	Count() int
}

type Status struct {
	OK          bool   `json:"ok"`
	Message     string `json:"message,omitempty"`
	Store       string `json:"store,omitempty"`
	Database    bool   `json:"database,omitempty"`
	Connections int    `json:"connections"`
}

// Checker reports the health of the store backend and the push hub
type Checker struct {
	store   string
	db      Pinger
	conns   Counter
	timeout time.Duration
}

// NewChecker builds a checker. db may be nil for the memory store.
func NewChecker(store string, db Pinger, conns Counter) *Checker {
	return &Checker{store: store, db: db, conns: conns, timeout: time.Second}
}

// Check pings the database, if any, and reports the current connection count
func (c *Checker) Check(ctx context.Context) Status {
	st := Status{OK: true, Message: "ok", Store: c.store, Database: true}
	if c.conns != nil {
		st.Connections = c.conns.Count()
	}
	if c.db == nil {
		return st
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.db.Ping(ctx); err != nil {
		st.OK = false
		st.Message = "db ping failed"
		st.Database = false
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(c *Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
