package feed

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/filter"
	"github.com/austindbirch/harbor_feed/internal/logging"
	"github.com/austindbirch/harbor_feed/internal/metrics"
	"github.com/austindbirch/harbor_feed/internal/tracing"
)

const (
	DefaultPollLimit = 100
	MaxPollLimit     = 1000

	// records read from the store per scan step while filtering
	defaultScanBatch = 500
)

// PollerConfig tunes batch sizes; zero values take the defaults
type PollerConfig struct {
	DefaultLimit int
	MaxLimit     int
	ScanBatch    int
}

// Poller serves cursor-based batches of records to subscription owners.
// Both the pull API and the push loop go through Poll.
type Poller struct {
	store  Store
	cfg    PollerConfig
	now    func() time.Time
	logger *logging.Logger
}

// NewPoller builds a Poller over store. Zero limits take the package defaults.
func NewPoller(store Store, cfg PollerConfig, logger *logging.Logger) *Poller {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultPollLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxPollLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = defaultScanBatch
	}
	if logger == nil {
		logger = logging.New("feed")
	}
	return &Poller{store: store, cfg: cfg, now: time.Now, logger: logger}
}

// Limit normalises a requested batch size
func (p *Poller) Limit(requested int) (int, error) {
	switch {
	case requested < 0:
		return 0, apperr.Invalid("limit must not be negative, got %d", requested)
	case requested == 0:
		return p.cfg.DefaultLimit, nil
	case requested > p.cfg.MaxLimit:
		return p.cfg.MaxLimit, nil
	}
	return requested, nil
}

// Poll returns the next batch of matching records after the subscription's
// cursor and advances the cursor to the last id returned. Selection and
// advance run inside one WithCursor critical section, so two concurrent
// polls of the same subscription never return overlapping records.
func (p *Poller) Poll(ctx context.Context, req PollRequest) (PollResult, error) {
	channel := req.Channel
	if channel == "" {
		channel = "pull"
	}

	ctx, span := tracing.StartSpan(ctx, "feed.poll",
		tracing.AttrSubscriptionID.Int64(req.SubscriptionID),
		tracing.AttrIdentity.String(req.Identity),
		tracing.AttrChannel.String(channel),
	)
	defer span.End()

	limit, err := p.Limit(req.Limit)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordPoll(channel, "error", 0)
		return PollResult{}, err
	}

	result := PollResult{SubscriptionID: req.SubscriptionID, Data: []Record{}}
	outcome := "empty"

	err = p.store.WithCursor(ctx, req.SubscriptionID, func(ctx context.Context, tx CursorTx) error {
		sub := tx.Subscription()
		if sub.Owner != req.Identity {
			return apperr.Forbidden("access denied to subscription %d", sub.ID)
		}
		result.LastID = sub.LastDeliveredID
		if !sub.Enabled {
			outcome = "disabled"
			return nil
		}

		after := sub.LastDeliveredID
		if req.Since > after {
			after = req.Since
		}

		matched, err := p.collect(ctx, tx, sub, after, limit+1)
		if err != nil {
			return err
		}
		if len(matched) > limit {
			result.HasMore = true
			matched = matched[:limit]
		}
		if len(matched) == 0 {
			return nil
		}

		lastID := matched[len(matched)-1].ID
		if err := tx.Advance(ctx, lastID, p.now().UTC()); err != nil {
			return err
		}
		result.Data = matched
		result.LastID = lastID
		outcome = "records"
		return nil
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordPoll(channel, "error", 0)
		return PollResult{}, err
	}

	span.SetAttributes(tracing.AttrRecordCount.Int(len(result.Data)), attribute.Bool("feed.has_more", result.HasMore))
	metrics.RecordPoll(channel, outcome, len(result.Data))
	if len(result.Data) > 0 {
		p.logger.WithContext(ctx).
			WithSubscription(req.SubscriptionID).
			WithIdentity(req.Identity).
			WithFields(map[string]any{"channel": channel, "count": len(result.Data), "last_id": result.LastID}).
			Debug("records delivered")
	}
	return result, nil
}

// collect scans forward from after until want matches are found or the log is exhausted
func (p *Poller) collect(ctx context.Context, tx CursorTx, sub Subscription, after int64, want int) ([]Record, error) {
	var matched []Record
	for len(matched) < want {
		batch, err := tx.Records(ctx, after, sub.ScopeID, p.cfg.ScanBatch)
		if err != nil {
			return nil, err
		}
		for _, rec := range batch {
			if !sub.InScope(rec) || !filter.Match(sub.Filters, rec) {
				continue
			}
			matched = append(matched, rec)
			if len(matched) == want {
				break
			}
		}
		if len(batch) < p.cfg.ScanBatch {
			break
		}
		after = batch[len(batch)-1].ID
	}
	return matched, nil
}

// Authorize checks that identity owns subscription id. Unknown ids return
// NotFound and foreign ones return Forbidden.
func (p *Poller) Authorize(ctx context.Context, id int64, identity string) error {
	sub, err := p.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if sub.Owner != identity {
		return apperr.Forbidden("access denied to subscription %d", id)
	}
	return nil
}
