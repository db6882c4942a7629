package webhook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		require.True(t, q.Push(&Delivery{ID: fmt.Sprint(i)}))
	}
	assert.Equal(t, 5, q.Len())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d, ok := q.Pop(ctx)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), d.ID)
	}
	assert.Zero(t, q.Len())
}

func TestQueuePopWaitsForPush(t *testing.T) {
	q := NewQueue()
	got := make(chan string, 1)
	go func() {
		d, ok := q.Pop(context.Background())
		if ok {
			got <- d.ID
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(&Delivery{ID: "late"})

	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	q.Push(&Delivery{ID: "a"})

	done := make(chan bool, 1)
	go func() {
		// drain then block
		_, _ = q.Pop(context.Background())
		_, ok := q.Pop(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not return after close")
	}
	assert.False(t, q.Push(&Delivery{ID: "b"}))
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestHistoryCapacity(t *testing.T) {
	h := NewHistory(3, time.Hour)
	now := time.Now()
	for i := 0; i < 5; i++ {
		h.Append(Delivery{ID: fmt.Sprint(i), EndpointID: "ep", CreatedAt: now})
	}

	got := h.List(HistoryQuery{})
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].ID)
	assert.Equal(t, "4", got[2].ID)

	latest := h.List(HistoryQuery{Limit: 1})
	require.Len(t, latest, 1)
	assert.Equal(t, "4", latest[0].ID)
}

func TestHistoryRetention(t *testing.T) {
	h := NewHistory(10, time.Hour)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	old := base.Add(-2 * time.Hour)
	h.Append(Delivery{ID: "old", CreatedAt: old, LastAttempt: &old})
	h.Append(Delivery{ID: "fresh", CreatedAt: base})
	assert.Equal(t, 1, h.Len())

	h.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Zero(t, h.Len())
}

func TestHistoryFilters(t *testing.T) {
	h := NewHistory(0, 0)
	now := time.Now()
	h.Append(Delivery{ID: "1", EndpointID: "a", Status: StatusDelivered, CreatedAt: now})
	h.Append(Delivery{ID: "2", EndpointID: "b", Status: StatusFailed, CreatedAt: now})
	h.Append(Delivery{ID: "3", EndpointID: "c", Status: StatusDelivered, CreatedAt: now})

	failed := StatusFailed
	tests := []struct {
		name string
		q    HistoryQuery
		want []string
	}{
		{name: "all", q: HistoryQuery{}, want: []string{"1", "2", "3"}},
		{name: "endpoint", q: HistoryQuery{EndpointID: "b"}, want: []string{"2"}},
		{name: "endpoint set", q: HistoryQuery{EndpointIDs: map[string]struct{}{"a": {}, "c": {}}}, want: []string{"1", "3"}},
		{name: "empty set", q: HistoryQuery{EndpointIDs: map[string]struct{}{}}, want: nil},
		{name: "status", q: HistoryQuery{Status: &failed}, want: []string{"2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, d := range h.List(tt.q) {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}
