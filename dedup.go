// dedup.go
// Webhook event deduplication. Meta redelivers events whenever it does
// not see a timely 200, so every event carries through an idempotency
// check before it reaches the pipeline.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduplicator answers "has this event been admitted before?".
// Postgres is the source of truth; Redis, when configured, short-circuits
// replays without touching the database.
type EventDeduplicator struct {
	db    *sql.DB
	cache *redis.Client
	ttl   time.Duration
}

func NewEventDeduplicator(db *sql.DB, cache *redis.Client, ttl time.Duration) *EventDeduplicator {
	return &EventDeduplicator{db: db, cache: cache, ttl: ttl}
}

// ShouldProcess atomically claims an event ID for processing. The first
// caller for a given (business, event) pair gets true; replays and
// concurrent duplicates get false. An error means the claim could not be
// recorded, in which case the delivery must NOT be acknowledged.
func (d *EventDeduplicator) ShouldProcess(ctx context.Context, businessID int64, eventID string, payload []byte) (bool, error) {
	key := fmt.Sprintf("seen:%d:%s", businessID, eventID)

	if d.cache != nil {
		seen, err := d.cache.Exists(ctx, key).Result()
		if err == nil && seen > 0 {
			LogDebug("Dedup cache hit for event %s", eventID)
			return false, nil
		}
		if err != nil {
			LogWarn("Dedup cache check failed, falling back to database: %v", err)
		}
	}

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO webhook_events (business_id, event_id, payload, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (business_id, event_id) DO NOTHING`,
		businessID, eventID, payload)
	if err != nil {
		return false, fmt.Errorf("recording event %s: %v", eventID, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking event insert %s: %v", eventID, err)
	}

	if d.cache != nil {
		// Best effort: a failed cache write only costs one extra DB
		// round trip on the next replay.
		if err := d.cache.Set(ctx, key, 1, d.ttl).Err(); err != nil {
			LogWarn("Dedup cache write failed for event %s: %v", eventID, err)
		}
	}

	return inserted > 0, nil
}

// PruneLoop periodically deletes event records older than the dedup TTL.
// Meta stops redelivering long before that, so expired rows are dead weight.
func (d *EventDeduplicator) PruneLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.prune(ctx); err != nil {
				LogWarn("Pruning webhook events failed: %v", err)
			}
		}
	}
}

func (d *EventDeduplicator) prune(ctx context.Context) error {
	cutoff := time.Now().Add(-d.ttl)
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		LogDebug("Pruned %d expired webhook events", n)
	}
	return nil
}
