package push

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/feed"
	"github.com/austindbirch/harbor_feed/internal/logging"
	"github.com/austindbirch/harbor_feed/internal/tracing"
)

const (
	DefaultInterval   = 5 * time.Second
	DefaultBatchLimit = 50

	defaultSendBuffer = 64
)

// WebSocket close codes used by the push channel
const (
	closeNormal     = 1000
	closeGoingAway  = 1001
	CloseAuthFailed = 4001
)

// State is the lifecycle of a push connection
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is a framed, bidirectional channel. ReadMessage is only called
// from one goroutine and WriteJSON from another.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// Poller is the subset of feed.Poller used by push connections
type Poller interface {
	Poll(ctx context.Context, req feed.PollRequest) (feed.PollResult, error)
	Authorize(ctx context.Context, id int64, identity string) error
}

// Config tunes push connections; zero values take the defaults
type Config struct {
	Interval   time.Duration
	BatchLimit int
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// Conn is one authenticated push connection. The reader owns the armed set;
// the poll loop only reads it.
type Conn struct {
	id        string
	identity  string
	transport Transport
	poller    Poller
	hub       *Hub
	cfg       Config
	logger    *logging.Logger

	state atomic.Int32

	mu    sync.Mutex
	armed map[int64]struct{}

	send      chan Frame
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(identity string, t Transport, poller Poller, hub *Hub, cfg Config, logger *logging.Logger) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		id:        uuid.NewString(),
		identity:  identity,
		transport: t,
		poller:    poller,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
		armed:     make(map[int64]struct{}),
		send:      make(chan Frame, cfg.SendBuffer),
		closed:    make(chan struct{}),
	}
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) Identity() string { return c.identity }
func (c *Conn) State() State     { return State(c.state.Load()) }

// Armed returns the armed subscription ids in ascending order
func (c *Conn) Armed() []int64 {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.armed))
	for id := range c.armed {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Run serves the connection until the client goes away or ctx ends
func (c *Conn) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := c.logger.WithContext(ctx).WithConnection(c.id).WithIdentity(c.identity)

	c.hub.add(c)
	defer c.hub.remove(c)
	c.state.Store(int32(StateOpen))
	log.Info("push connection opened")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			c.shutdown(closeGoingAway, "")
		case <-c.closed:
		}
	}()

	c.queue(ctx, connectedFrame(c.identity))
	err := c.readLoop(ctx)

	c.state.Store(int32(StateClosing))
	cancel()
	c.shutdown(closeNormal, "")
	wg.Wait()
	c.state.Store(int32(StateClosed))

	log.WithField("armed", len(c.Armed())).WithError(err).Info("push connection closed")
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		raw, err := c.transport.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(ctx, raw)
	}
}

func (c *Conn) handle(ctx context.Context, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.queue(ctx, errorFrame("Invalid JSON message"))
		return
	}

	switch msg.Action {
	case ActionPing:
		c.queue(ctx, Frame{Type: FramePong})

	case ActionSubscribe:
		if msg.SubscriptionID == nil {
			c.queue(ctx, errorFrame("subscription_id is required"))
			return
		}
		id := *msg.SubscriptionID
		if err := c.poller.Authorize(ctx, id, c.identity); err != nil {
			if !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrAuthorization) {
				c.logger.WithContext(ctx).WithConnection(c.id).WithSubscription(id).WithError(err).Error("subscribe check failed")
			}
			c.queue(ctx, errorFrame("Subscription %d not found", id))
			return
		}
		// acknowledge before arming so no data frame can precede it
		c.queue(ctx, Frame{Type: FrameSubscribed, SubscriptionID: id})
		c.mu.Lock()
		c.armed[id] = struct{}{}
		c.mu.Unlock()

	case ActionUnsubscribe:
		if msg.SubscriptionID == nil {
			c.queue(ctx, errorFrame("subscription_id is required"))
			return
		}
		id := *msg.SubscriptionID
		c.mu.Lock()
		delete(c.armed, id)
		c.mu.Unlock()
		c.queue(ctx, Frame{Type: FrameUnsubscribed, SubscriptionID: id})

	default:
		c.queue(ctx, errorFrame("Unknown action: %s", msg.Action))
	}
}

func (c *Conn) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick polls every armed subscription once. A failing subscription is logged
// and skipped.
func (c *Conn) tick(ctx context.Context) {
	armed := c.Armed()
	if len(armed) == 0 {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "push.tick",
		tracing.AttrConnectionID.String(c.id),
		tracing.AttrIdentity.String(c.identity),
	)
	defer span.End()

	for _, id := range armed {
		if ctx.Err() != nil {
			return
		}
		res, err := c.poller.Poll(ctx, feed.PollRequest{
			SubscriptionID: id,
			Identity:       c.identity,
			Limit:          c.cfg.BatchLimit,
			Channel:        "push",
		})
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithContext(ctx).WithConnection(c.id).WithSubscription(id).WithError(err).Warn("push poll failed")
			}
			continue
		}
		if len(res.Data) > 0 {
			c.queue(ctx, dataFrame(res))
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.send:
			if err := c.transport.WriteJSON(f); err != nil {
				c.logger.WithContext(ctx).WithConnection(c.id).WithError(err).Debug("push write failed")
				c.shutdown(closeNormal, "")
				return
			}
		}
	}
}

// queue hands a frame to the writer, giving up when the connection ends
func (c *Conn) queue(ctx context.Context, f Frame) {
	select {
	case c.send <- f:
	case <-ctx.Done():
	case <-c.closed:
	}
}

// shutdown closes the transport once, which unblocks the reader
func (c *Conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.transport.Close(code, reason)
	})
}
