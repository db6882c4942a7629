package feed

import (
	"context"
	"time"
)

// Store persists subscriptions and reads the record log.
//
// WithCursor runs fn as the single critical section for one subscription:
// no other WithCursor call for the same id runs until fn returns. Changes
// made through the CursorTx are committed only when fn returns nil.
type Store interface {
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	GetSubscription(ctx context.Context, id int64) (Subscription, error)
	ListSubscriptions(ctx context.Context, owner string, limit, offset int) ([]Subscription, int, error)
	UpdateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
	WithCursor(ctx context.Context, id int64, fn func(ctx context.Context, tx CursorTx) error) error
}

// CursorTx is the view of one subscription inside its critical section
type CursorTx interface {
	Subscription() Subscription
	// Records returns up to limit records with id > afterID, ascending,
	// restricted to scopeID when non-nil
	Records(ctx context.Context, afterID int64, scopeID *int64, limit int) ([]Record, error)
	// Advance moves the cursor forward to lastID. It never moves it back.
	Advance(ctx context.Context, lastID int64, at time.Time) error
}

// RecordSink accepts records from the producer side
type RecordSink interface {
	AppendRecord(ctx context.Context, rec Record) (Record, error)
}
