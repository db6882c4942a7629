package push

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/austindbirch/harbor_feed/internal/metrics"
)

// Hub tracks open push connections. An identity may hold any number of them.
type Hub struct {
	conns *xsync.MapOf[string, *Conn]
}

// NewHub returns an empty connection registry
func NewHub() *Hub {
	return &Hub{conns: xsync.NewMapOf[string, *Conn]()}
}

func (h *Hub) add(c *Conn) {
	if _, loaded := h.conns.LoadOrStore(c.id, c); !loaded {
		metrics.PushConnections.Inc()
	}
}

func (h *Hub) remove(c *Conn) {
	if _, loaded := h.conns.LoadAndDelete(c.id); loaded {
		metrics.PushConnections.Dec()
	}
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	return h.conns.Size()
}

// IdentityConnections returns the ids of identity's open connections, sorted
func (h *Hub) IdentityConnections(identity string) []string {
	var ids []string
	h.conns.Range(func(id string, c *Conn) bool {
		if c.identity == identity {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// CloseAll asks every connection to shut down; Run returns on each shortly after
func (h *Hub) CloseAll() {
	h.conns.Range(func(_ string, c *Conn) bool {
		c.shutdown(closeGoingAway, "server shutting down")
		return true
	})
}
