package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/harbor_feed/internal/apperr"
)

// MemoryStore is an in-process Store and RecordSink
type MemoryStore struct {
	mu        sync.RWMutex
	subs      map[int64]Subscription
	locks     map[int64]*sync.Mutex
	nextSubID int64

	recMu     sync.RWMutex
	records   []Record
	nextRecID int64

	now func() time.Time
}

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:  make(map[int64]Subscription),
		locks: make(map[int64]*sync.Mutex),
		now:   time.Now,
	}
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub Subscription) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	sub.ID = m.nextSubID
	now := m.now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	sub.Filters = cloneFilters(sub.Filters)
	m.subs[sub.ID] = sub
	m.locks[sub.ID] = &sync.Mutex{}
	return sub, nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id int64) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return Subscription{}, apperr.NotFound("Subscription", id)
	}
	return sub, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, owner string, limit, offset int) ([]Subscription, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []Subscription
	for _, s := range m.subs {
		if s.Owner == owner {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	if offset >= total {
		return []Subscription{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// UpdateSubscription replaces the mutable fields of sub. The cursor fields
// are owned by WithCursor and are left untouched.
func (m *MemoryStore) UpdateSubscription(_ context.Context, sub Subscription) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.subs[sub.ID]
	if !ok {
		return Subscription{}, apperr.NotFound("Subscription", sub.ID)
	}
	cur.Name = sub.Name
	cur.Description = sub.Description
	cur.Filters = cloneFilters(sub.Filters)
	cur.CallbackURL = sub.CallbackURL
	cur.Enabled = sub.Enabled
	cur.UpdatedAt = m.now().UTC()
	m.subs[sub.ID] = cur
	return cur, nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return apperr.NotFound("Subscription", id)
	}
	delete(m.subs, id)
	delete(m.locks, id)
	return nil
}

func (m *MemoryStore) WithCursor(ctx context.Context, id int64, fn func(ctx context.Context, tx CursorTx) error) error {
	m.mu.RLock()
	lock, ok := m.locks[id]
	m.mu.RUnlock()
	if !ok {
		return apperr.NotFound("Subscription", id)
	}

	lock.Lock()
	defer lock.Unlock()

	// Re-read under the subscription lock; a concurrent delete may have won.
	sub, err := m.GetSubscription(ctx, id)
	if err != nil {
		return err
	}

	tx := &memoryTx{store: m, sub: sub}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if !tx.advanced {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[id]
	if !ok {
		return apperr.NotFound("Subscription", id)
	}
	if tx.lastID > cur.LastDeliveredID {
		at := tx.at
		cur.LastDeliveredID = tx.lastID
		cur.LastDeliveredAt = &at
		m.subs[id] = cur
	}
	return nil
}

// AppendRecord adds rec to the log. A zero ID is assigned the next id; an
// explicit ID must be greater than every existing one.
func (m *MemoryStore) AppendRecord(_ context.Context, rec Record) (Record, error) {
	m.recMu.Lock()
	defer m.recMu.Unlock()

	if rec.ID == 0 {
		rec.ID = m.nextRecID + 1
	}
	if rec.ID <= m.nextRecID {
		return Record{}, apperr.Invalid("record id %d is not greater than last id %d", rec.ID, m.nextRecID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	m.nextRecID = rec.ID
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MemoryStore) scanRecords(afterID int64, scopeID *int64, limit int) []Record {
	m.recMu.RLock()
	defer m.recMu.RUnlock()

	start := sort.Search(len(m.records), func(i int) bool { return m.records[i].ID > afterID })
	out := make([]Record, 0, limit)
	for _, rec := range m.records[start:] {
		if len(out) == limit {
			break
		}
		if scopeID != nil && rec.ScopeID != *scopeID {
			continue
		}
		out = append(out, rec)
	}
	return out
}

type memoryTx struct {
	store    *MemoryStore
	sub      Subscription
	advanced bool
	lastID   int64
	at       time.Time
}

func (t *memoryTx) Subscription() Subscription { return t.sub }

func (t *memoryTx) Records(ctx context.Context, afterID int64, scopeID *int64, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.store.scanRecords(afterID, scopeID, limit), nil
}

func (t *memoryTx) Advance(_ context.Context, lastID int64, at time.Time) error {
	if lastID <= t.sub.LastDeliveredID {
		return nil
	}
	t.advanced = true
	t.lastID = lastID
	t.at = at
	t.sub.LastDeliveredID = lastID
	t.sub.LastDeliveredAt = &at
	return nil
}

func cloneFilters(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
