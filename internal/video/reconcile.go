package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vidrelay/vidrelay/internal/cache"
	"github.com/vidrelay/vidrelay/internal/database"
	"github.com/vidrelay/vidrelay/internal/provider"
)

// Outcome reports what applying an event did to the store.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeNotFound Outcome = "not_found"
	// OutcomeDeferred means the event was valid but could not take effect yet;
	// a provider retry may succeed.
	OutcomeDeferred Outcome = "deferred"
	OutcomeIgnored  Outcome = "ignored"
)

const enrichmentTimeout = 5 * time.Second

// Reconciler converges provider events into video rows. Every transition is a
// single conditional statement keyed by (provider, ref), so duplicates and any
// arrival order settle on the same state without application locks.
type Reconciler struct {
	db       database.DBTX
	registry *provider.Registry
	cache    cache.Cache
	notifier LifecycleNotifier
	tasks    TaskRunner
}

// LifecycleNotifier is told when a video becomes playable or is removed.
type LifecycleNotifier interface {
	Notify(ctx context.Context, event string, data map[string]any) error
}

const (
	EventVideoReady   = "video.ready"
	EventVideoDeleted = "video.deleted"
)

func NewReconciler(db database.DBTX, registry *provider.Registry, c cache.Cache) *Reconciler {
	return &Reconciler{db: db, registry: registry, cache: c}
}

func (r *Reconciler) SetNotifier(n LifecycleNotifier, tasks TaskRunner) {
	r.notifier = n
	r.tasks = tasks
}

func (r *Reconciler) Apply(ctx context.Context, evt *provider.Event) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)
	switch evt.Kind {
	case provider.KindUploadCompleted:
		outcome, err = r.uploadCompleted(ctx, evt)
	case provider.KindProcessingStarted:
		outcome, err = r.processingStarted(ctx, evt)
	case provider.KindReady:
		outcome, err = r.ready(ctx, evt)
	case provider.KindUploadFailed, provider.KindUploadCancelled:
		outcome, err = r.deleteByUploadRef(ctx, evt)
	case provider.KindProcessingFailed:
		outcome, err = r.deleteByAssetRef(ctx, evt)
	default:
		slog.Info("reconcile: ignoring unhandled event", "provider", evt.Provider, "type", evt.RawType)
		return OutcomeIgnored, nil
	}

	if err != nil {
		return outcome, err
	}
	if outcome == OutcomeNotFound {
		slog.Info("reconcile: no matching video",
			"provider", evt.Provider, "kind", evt.Kind, "upload_ref", evt.UploadRef, "asset_ref", evt.AssetRef)
	}
	return outcome, nil
}

func (r *Reconciler) uploadCompleted(ctx context.Context, evt *provider.Event) (Outcome, error) {
	candidate := r.earlyPlaybackCandidate(ctx, evt)

	var id string
	err := r.db.QueryRow(ctx,
		`UPDATE videos
		 SET provider_asset_ref = COALESCE(provider_asset_ref, $3),
		     playback_candidate = COALESCE(playback_candidate, $4),
		     status = CASE WHEN status = 'pending' THEN 'processing' ELSE status END,
		     updated_at = now()
		 WHERE provider = $1 AND provider_upload_ref = $2
		 RETURNING id`,
		evt.Provider, evt.UploadRef, evt.AssetRef, candidate,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark upload completed: %w", err)
	}

	slog.Info("reconcile: upload completed", "video_id", id, "provider", evt.Provider, "asset_ref", evt.AssetRef)
	return OutcomeApplied, nil
}

// earlyPlaybackCandidate asks the provider for a playback id as soon as the
// asset exists. Fallback: nil, leaving playback to the READY event. The
// candidate lives in playback_candidate; playback_ref is only written on READY.
func (r *Reconciler) earlyPlaybackCandidate(ctx context.Context, evt *provider.Event) *string {
	adapter, ok := r.registry.Get(evt.Provider)
	if !ok || evt.AssetRef == "" {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, enrichmentTimeout)
	defer cancel()

	detail, err := adapter.FetchAssetDetail(fetchCtx, evt.AssetRef)
	if err != nil {
		slog.Warn("reconcile: asset detail unavailable, continuing without playback candidate",
			"provider", evt.Provider, "asset_ref", evt.AssetRef, "error", err)
		return nil
	}
	if len(detail.PlaybackRefs) == 0 {
		return nil
	}
	return &detail.PlaybackRefs[0]
}

// matchAssetSQL finds a record by asset ref, or by upload ref when the asset
// ref has not been recorded yet. It expects $1 provider, $2 upload ref and
// $3 asset ref.
const matchAssetSQL = `provider = $1 AND (provider_asset_ref = $3
	OR (provider_asset_ref IS NULL AND provider_upload_ref = NULLIF($2, '')))`

func (r *Reconciler) processingStarted(ctx context.Context, evt *provider.Event) (Outcome, error) {
	var id string
	err := r.db.QueryRow(ctx,
		`UPDATE videos
		 SET status = CASE WHEN status = 'pending' THEN 'processing' ELSE status END,
		     provider_asset_ref = COALESCE(provider_asset_ref, $3),
		     updated_at = now()
		 WHERE `+matchAssetSQL+`
		 RETURNING id`,
		evt.Provider, evt.UploadRef, evt.AssetRef,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}
	return OutcomeApplied, nil
}

type playbackResolution struct {
	PlaybackRef     string
	DurationSeconds int
}

func (p playbackResolution) resolved() bool {
	return p.PlaybackRef != ""
}

func (r *Reconciler) ready(ctx context.Context, evt *provider.Event) (Outcome, error) {
	var id string
	var stored *string
	err := r.db.QueryRow(ctx,
		`SELECT id, COALESCE(playback_ref, playback_candidate) FROM videos WHERE `+matchAssetSQL,
		evt.Provider, evt.UploadRef, evt.AssetRef,
	).Scan(&id, &stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup video for ready: %w", err)
	}

	playback, err := r.resolvePlayback(ctx, evt, stored)
	if err != nil {
		return OutcomeDeferred, err
	}
	if !playback.resolved() {
		slog.Warn("reconcile: ready event without playback reference, leaving status unchanged",
			"video_id", id, "provider", evt.Provider, "asset_ref", evt.AssetRef)
		return OutcomeDeferred, nil
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE videos
		 SET status = 'ready', playback_ref = $2, playback_candidate = NULL, duration_seconds = $3,
		     provider_asset_ref = COALESCE(provider_asset_ref, $4),
		     updated_at = now()
		 WHERE id = $1`,
		id, playback.PlaybackRef, playback.DurationSeconds, evt.AssetRef,
	)
	if err != nil {
		return "", fmt.Errorf("mark ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Deleted between lookup and update.
		return OutcomeNotFound, nil
	}

	slog.Info("reconcile: video ready", "video_id", id, "provider", evt.Provider, "duration_seconds", playback.DurationSeconds)
	r.invalidateFeed(ctx)
	r.notify(EventVideoReady, map[string]any{
		"videoId":         id,
		"provider":        evt.Provider,
		"playbackRef":     playback.PlaybackRef,
		"durationSeconds": playback.DurationSeconds,
	})
	return OutcomeApplied, nil
}

// resolvePlayback picks the playback reference for a READY event: the event
// payload first, then the provider's asset detail, then a candidate stored
// when the upload completed. The documented fallback is an unresolved value
// with a nil error. An error is returned only when the provider could not be
// asked and nothing else is known, so the caller can have the event retried.
func (r *Reconciler) resolvePlayback(ctx context.Context, evt *provider.Event, stored *string) (playbackResolution, error) {
	var res playbackResolution
	if len(evt.PlaybackRefs) > 0 {
		res.PlaybackRef = evt.PlaybackRefs[0]
	}
	duration := evt.DurationSeconds

	if res.PlaybackRef == "" || duration == nil {
		detail, err := r.fetchDetail(ctx, evt)
		switch {
		case err != nil && res.PlaybackRef == "" && stored == nil:
			return playbackResolution{}, err
		case err != nil:
			slog.Warn("reconcile: asset detail unavailable, using known playback",
				"provider", evt.Provider, "asset_ref", evt.AssetRef, "error", err)
		case detail != nil:
			if res.PlaybackRef == "" && len(detail.PlaybackRefs) > 0 {
				res.PlaybackRef = detail.PlaybackRefs[0]
			}
			if duration == nil && detail.DurationSeconds > 0 {
				d := detail.DurationSeconds
				duration = &d
			}
		}
	}

	if res.PlaybackRef == "" && stored != nil {
		res.PlaybackRef = *stored
	}
	if duration != nil {
		res.DurationSeconds = wholeSeconds(*duration)
	}
	return res, nil
}

func (r *Reconciler) fetchDetail(ctx context.Context, evt *provider.Event) (*provider.AssetDetail, error) {
	adapter, ok := r.registry.Get(evt.Provider)
	if !ok || evt.AssetRef == "" {
		return nil, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, enrichmentTimeout)
	defer cancel()
	return adapter.FetchAssetDetail(fetchCtx, evt.AssetRef)
}

func wholeSeconds(d float64) int {
	if d <= 0 || math.IsNaN(d) {
		return 0
	}
	return int(math.Floor(d))
}

func (r *Reconciler) deleteByUploadRef(ctx context.Context, evt *provider.Event) (Outcome, error) {
	return r.deleteMatching(ctx, evt,
		`DELETE FROM videos WHERE provider = $1 AND provider_upload_ref = $2 RETURNING id, thumbnail_key`,
		evt.Provider, evt.UploadRef)
}

func (r *Reconciler) deleteByAssetRef(ctx context.Context, evt *provider.Event) (Outcome, error) {
	return r.deleteMatching(ctx, evt,
		`DELETE FROM videos WHERE `+matchAssetSQL+` RETURNING id, thumbnail_key`,
		evt.Provider, evt.UploadRef, evt.AssetRef)
}

// deleteMatching removes the record and queues its thumbnail for purging in
// one transaction. A missing record is a successful no-op.
func (r *Reconciler) deleteMatching(ctx context.Context, evt *provider.Event, query string, args ...any) (Outcome, error) {
	var id string
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var thumbKey string
		if err := tx.QueryRow(ctx, query, args...).Scan(&id, &thumbKey); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO orphaned_objects (object_key) VALUES ($1) ON CONFLICT DO NOTHING`,
			thumbKey,
		)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("delete video: %w", err)
	}

	slog.Info("reconcile: video deleted", "video_id", id, "provider", evt.Provider, "kind", evt.Kind, "reason", evt.ErrorMessage)
	r.invalidateFeed(ctx)
	r.notify(EventVideoDeleted, map[string]any{
		"videoId":  id,
		"provider": evt.Provider,
		"kind":     string(evt.Kind),
		"reason":   evt.ErrorMessage,
	})
	return OutcomeApplied, nil
}

func (r *Reconciler) notify(event string, data map[string]any) {
	if r.notifier == nil {
		return
	}
	submit(r.tasks, "callback:"+event, func(ctx context.Context) error {
		return r.notifier.Notify(ctx, event, data)
	})
}

func (r *Reconciler) invalidateFeed(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.DeletePrefix(ctx, FeedCachePrefix); err != nil {
		slog.Warn("reconcile: feed cache invalidation failed", "error", err)
	}
}
