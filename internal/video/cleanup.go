package video

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/vidrelay/vidrelay/internal/database"
)

const (
	orphanBatchSize       = 50
	deleteMaxAttempts     = 3
	DefaultPendingMaxAge  = 24 * time.Hour
	DefaultDeliveryMaxAge = 7 * 24 * time.Hour
)

var deleteRetryBase = time.Second

// PurgeOrphanedObjects deletes queued thumbnail objects from storage and
// drops their queue rows. Keys that still fail stay queued for the next run.
func PurgeOrphanedObjects(ctx context.Context, db database.DBTX, storage ObjectStorage) int {
	rows, err := db.Query(ctx,
		`SELECT object_key FROM orphaned_objects ORDER BY created_at LIMIT $1`,
		orphanBatchSize,
	)
	if err != nil {
		slog.Error("cleanup: failed to query orphaned objects", "error", err)
		return 0
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			slog.Error("cleanup: failed to scan object key", "error", err)
			continue
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		slog.Error("cleanup: row iteration error", "error", err)
	}

	purged := 0
	for _, key := range keys {
		if err := deleteWithRetry(ctx, storage, key, deleteMaxAttempts); err != nil {
			slog.Error("cleanup: failed to delete object", "key", key, "error", err)
			continue
		}
		if _, err := db.Exec(ctx, `DELETE FROM orphaned_objects WHERE object_key = $1`, key); err != nil {
			slog.Error("cleanup: failed to dequeue object", "key", key, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		slog.Info("cleanup: purged orphaned objects", "count", purged)
	}
	return purged
}

func deleteWithRetry(ctx context.Context, storage ObjectStorage, key string, maxAttempts int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := deleteRetryBase << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = storage.DeleteObject(ctx, key)
		if lastErr == nil {
			return nil
		}
		slog.Error("storage: delete attempt failed", "attempt", attempt+1, "max_attempts", maxAttempts, "key", key, "error", lastErr)
	}
	return fmt.Errorf("all %d delete attempts failed for %s: %w", maxAttempts, key, lastErr)
}

// SweepStalePending removes pending videos whose upload never completed
// before cutoff and queues their thumbnails for purging.
func SweepStalePending(ctx context.Context, db database.DBTX, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx,
		`WITH stale AS (
		     DELETE FROM videos WHERE status = 'pending' AND created_at < $1
		     RETURNING thumbnail_key
		 )
		 INSERT INTO orphaned_objects (object_key)
		 SELECT thumbnail_key FROM stale
		 ON CONFLICT DO NOTHING`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep stale pending videos: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneDeliveries forgets webhook delivery ids received before cutoff.
// Providers stop retrying long before that.
func PruneDeliveries(ctx context.Context, db database.DBTX, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx, `DELETE FROM webhook_deliveries WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune webhook deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func StartCleanupLoop(ctx context.Context, db database.DBTX, storage ObjectStorage, clock clockwork.Clock, interval time.Duration) {
	runEvery(ctx, clock, interval, "cleanup", func(ctx context.Context) {
		PurgeOrphanedObjects(ctx, db, storage)
	})
}

// Pruner deletes log rows older than cutoff.
type Pruner func(ctx context.Context, cutoff time.Time) (int64, error)

// StartStalePendingSweep periodically removes abandoned uploads and old
// delivery markers. extra pruners share the delivery retention.
func StartStalePendingSweep(ctx context.Context, db database.DBTX, clock clockwork.Clock, interval, pendingMaxAge, deliveryMaxAge time.Duration, extra ...Pruner) {
	runEvery(ctx, clock, interval, "sweep", func(ctx context.Context) {
		now := clock.Now()
		if n, err := SweepStalePending(ctx, db, now.Add(-pendingMaxAge)); err != nil {
			slog.Error("sweep: stale pending videos", "error", err)
		} else if n > 0 {
			slog.Info("sweep: removed stale pending videos", "count", n)
		}
		if n, err := PruneDeliveries(ctx, db, now.Add(-deliveryMaxAge)); err != nil {
			slog.Error("sweep: webhook deliveries", "error", err)
		} else if n > 0 {
			slog.Info("sweep: pruned webhook deliveries", "count", n)
		}
		for _, prune := range extra {
			if _, err := prune(ctx, now.Add(-deliveryMaxAge)); err != nil {
				slog.Error("sweep: prune failed", "error", err)
			}
		}
	})
}

func runEvery(ctx context.Context, clock clockwork.Clock, interval time.Duration, name string, fn func(ctx context.Context)) {
	go func() {
		ticker := clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info(name + ": shutting down")
				return
			case <-ticker.Chan():
				fn(ctx)
			}
		}
	}()
}
