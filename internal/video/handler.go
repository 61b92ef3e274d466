package video

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/vidrelay/vidrelay/internal/cache"
	"github.com/vidrelay/vidrelay/internal/database"
	"github.com/vidrelay/vidrelay/internal/provider"
)

type ObjectStorage interface {
	GenerateUploadURL(ctx context.Context, key string, contentType string, contentLength int64, expiry time.Duration) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// PublicURLer is implemented by storage backends that can serve thumbnails
// without signing.
type PublicURLer interface {
	PublicURL(key string) string
}

// TaskRunner executes work after the response has been written.
type TaskRunner interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

type GeoResolver interface {
	Lookup(ip string) (country, city string)
}

type Handler struct {
	db         database.DBTX
	registry   *provider.Registry
	uploader   *Uploader
	reconciler *Reconciler
	engagement *Engagement
	feed       *Feed
	tasks      TaskRunner
	storage    ObjectStorage
}

// NewHandler wires the HTTP surface. uploadProvider names the adapter used for
// new uploads; every registered adapter still receives webhooks.
func NewHandler(db database.DBTX, registry *provider.Registry, uploadProvider string, storage ObjectStorage, c cache.Cache) *Handler {
	h := &Handler{
		db:       db,
		registry: registry,
		storage:  storage,
	}
	adapter, ok := registry.Get(uploadProvider)
	if !ok {
		slog.Warn("video: upload provider not registered, uploads disabled", "provider", uploadProvider)
	}
	h.uploader = NewUploader(db, adapter, storage)
	h.reconciler = NewReconciler(db, registry, c)
	h.engagement = NewEngagement(db, clockwork.NewRealClock())
	h.feed = NewFeed(db, c, DefaultFeedTTL)
	h.feed.SetThumbnailURLs(storage)
	return h
}

func (h *Handler) SetTaskRunner(t TaskRunner) {
	h.tasks = t
	h.uploader.SetTaskRunner(t)
}

// SetLifecycleNotifier dispatches ready/deleted notifications through the
// task runner; call it after SetTaskRunner.
func (h *Handler) SetLifecycleNotifier(n LifecycleNotifier) {
	h.reconciler.SetNotifier(n, h.tasks)
}

func (h *Handler) SetGeoResolver(g GeoResolver) {
	h.engagement.SetGeoResolver(g)
}

// SetClock replaces the clock behind comment windows and upload target expiry.
func (h *Handler) SetClock(c clockwork.Clock) {
	h.engagement.clock = c
	if h.uploader != nil {
		h.uploader.clock = c
	}
}

func (h *Handler) SetFeedTTL(ttl time.Duration) {
	if ttl > 0 {
		h.feed.ttl = ttl
	}
}

func (h *Handler) Reconciler() *Reconciler {
	return h.reconciler
}

// submit runs fn through the task runner, or inline when none is configured.
func submit(tasks TaskRunner, name string, fn func(ctx context.Context) error) {
	if tasks != nil {
		tasks.Submit(name, fn)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Error("video: task failed", "task", name, "error", err)
	}
}
