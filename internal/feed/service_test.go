package feed

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/logging"
)

type recordedEvent struct {
	owner string
	event string
	id    any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeNotifier) Notify(_ context.Context, owner, event string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{owner: owner, event: event, id: payload["subscription_id"]})
}

func (f *fakeNotifier) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.event)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeNotifier) {
	t.Helper()
	logger := logging.New("feed-test")
	logger.SetLevel(logging.LevelError)
	n := &fakeNotifier{}
	return NewService(NewMemoryStore(), n, logger), n
}

func ptr[T any](v T) *T { return &v }

func TestServiceCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name    string
		req     CreateSubscriptionRequest
		wantErr bool
	}{
		{name: "minimal pull", req: CreateSubscriptionRequest{Name: "signals"}},
		{name: "push with filters", req: CreateSubscriptionRequest{Name: "s", Mode: ModePush, Filters: map[string]any{"symbol": []any{"AAPL"}}}},
		{name: "callback with url", req: CreateSubscriptionRequest{Name: "s", Mode: ModeCallback, CallbackURL: "https://example.com/hook"}},
		{name: "missing name", req: CreateSubscriptionRequest{Name: "  "}, wantErr: true},
		{name: "name too long", req: CreateSubscriptionRequest{Name: strings.Repeat("x", 201)}, wantErr: true},
		{name: "bad mode", req: CreateSubscriptionRequest{Name: "s", Mode: "carrier-pigeon"}, wantErr: true},
		{name: "unknown filter", req: CreateSubscriptionRequest{Name: "s", Filters: map[string]any{"colour": "red"}}, wantErr: true},
		{name: "callback without url", req: CreateSubscriptionRequest{Name: "s", Mode: ModeCallback}, wantErr: true},
		{name: "relative callback url", req: CreateSubscriptionRequest{Name: "s", Mode: ModeCallback, CallbackURL: "/hook"}, wantErr: true},
		{name: "ftp callback url", req: CreateSubscriptionRequest{Name: "s", CallbackURL: "ftp://example.com"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := svc.Create(context.Background(), "alice", tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.NotZero(t, sub.ID)
			assert.Equal(t, "alice", sub.Owner)
			assert.True(t, sub.Enabled)
			assert.Zero(t, sub.LastDeliveredID)
		})
	}
}

func TestServiceCreateDefaultsAndNotifies(t *testing.T) {
	svc, n := newTestService(t)

	sub, err := svc.Create(context.Background(), "alice", CreateSubscriptionRequest{Name: " feed ", Enabled: ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, ModePull, sub.Mode)
	assert.Equal(t, "feed", sub.Name)
	assert.False(t, sub.Enabled)
	assert.Equal(t, []string{EventSubscriptionCreated}, n.names())

	_, err = svc.Create(context.Background(), "", CreateSubscriptionRequest{Name: "x"})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestServiceOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Create(ctx, "alice", CreateSubscriptionRequest{Name: "mine"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "bob", sub.ID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	_, err = svc.Update(ctx, "bob", sub.ID, UpdateSubscriptionRequest{Name: ptr("stolen")})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	assert.ErrorIs(t, svc.Delete(ctx, "bob", sub.ID), apperr.ErrAuthorization)
	assert.ErrorIs(t, svc.Delete(ctx, "alice", 999), apperr.ErrNotFound)

	got, err := svc.Get(ctx, "alice", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Name)
}

func TestServiceUpdateLifecycleEvents(t *testing.T) {
	svc, n := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Create(ctx, "alice", CreateSubscriptionRequest{Name: "s"})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, "alice", sub.ID, UpdateSubscriptionRequest{
		Description: ptr("desc"),
		Filters:     ptr(map[string]any{"symbol": "AAPL"}),
		Enabled:     ptr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "desc", updated.Description)
	assert.Equal(t, map[string]any{"symbol": "AAPL"}, updated.Filters)
	assert.False(t, updated.Enabled)

	_, err = svc.Update(ctx, "alice", sub.ID, UpdateSubscriptionRequest{Enabled: ptr(true)})
	require.NoError(t, err)

	_, err = svc.Update(ctx, "alice", sub.ID, UpdateSubscriptionRequest{Filters: ptr(map[string]any{"nope": 1})})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, svc.Delete(ctx, "alice", sub.ID))

	assert.Equal(t, []string{
		EventSubscriptionCreated,
		EventSubscriptionDeactivated,
		EventSubscriptionActivated,
		EventSubscriptionDeleted,
	}, n.names())
}

func TestServiceList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, "alice", CreateSubscriptionRequest{Name: "a"})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, "bob", CreateSubscriptionRequest{Name: "b"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		limit     int
		offset    int
		wantCount int
		wantFirst int64
	}{
		{name: "default limit", limit: 0, offset: 0, wantCount: 5, wantFirst: 1},
		{name: "page", limit: 2, offset: 2, wantCount: 2, wantFirst: 3},
		{name: "past end", limit: 2, offset: 10, wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs, total, err := svc.List(ctx, "alice", tt.limit, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, 5, total)
			require.Len(t, subs, tt.wantCount)
			if tt.wantCount > 0 {
				assert.Equal(t, tt.wantFirst, subs[0].ID)
			}
		})
	}

	_, _, err = svc.List(ctx, "alice", -1, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
