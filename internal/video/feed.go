package video

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vidrelay/vidrelay/internal/cache"
	"github.com/vidrelay/vidrelay/internal/database"
	"github.com/vidrelay/vidrelay/internal/httputil"
)

const (
	FeedPageSize    = 20
	FeedCachePrefix = "feed:videos:"
	DefaultFeedTTL  = 120 * time.Second
	maxFeedPage     = 500
)

type FeedItem struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	ThumbnailKey    string    `json:"thumbnailKey"`
	ThumbnailURL    string    `json:"thumbnailUrl,omitempty"`
	DurationSeconds int       `json:"duration"`
	ViewCount       int64     `json:"viewCount"`
	CreatedAt       time.Time `json:"createdAt"`
	OwnerName       string    `json:"ownerName"`
	OwnerHandle     string    `json:"ownerHandle"`
}

type FeedPage struct {
	Page    int        `json:"page"`
	Videos  []FeedItem `json:"videos"`
	HasMore bool       `json:"hasMore"`
}

// Feed serves the public ready-video listing through a read-through cache.
// Entries are keyed by page and expire after ttl; READY transitions and
// deletions drop every page.
type Feed struct {
	db     database.DBTX
	cache  cache.Cache
	ttl    time.Duration
	public PublicURLer
}

func NewFeed(db database.DBTX, c cache.Cache, ttl time.Duration) *Feed {
	if ttl <= 0 {
		ttl = DefaultFeedTTL
	}
	return &Feed{db: db, cache: c, ttl: ttl}
}

// SetThumbnailURLs enables thumbnailUrl in responses when storage can build
// public URLs.
func (f *Feed) SetThumbnailURLs(storage ObjectStorage) {
	if p, ok := storage.(PublicURLer); ok {
		f.public = p
	}
}

func feedPageKey(page int) string {
	return FeedCachePrefix + "page:" + strconv.Itoa(page)
}

func (f *Feed) Page(ctx context.Context, page int) (*FeedPage, error) {
	result, err := cache.ReadThrough(ctx, f.cache, feedPageKey(page), f.ttl, func(ctx context.Context) (*FeedPage, error) {
		return f.load(ctx, page)
	})
	if err != nil {
		return nil, err
	}
	if f.public != nil {
		for i := range result.Videos {
			result.Videos[i].ThumbnailURL = f.public.PublicURL(result.Videos[i].ThumbnailKey)
		}
	}
	return result, nil
}

func (f *Feed) load(ctx context.Context, page int) (*FeedPage, error) {
	rows, err := f.db.Query(ctx,
		`SELECT `+feedItemColumns+`
		 FROM videos v
		 JOIN users u ON u.id = v.owner_id
		 WHERE v.visibility = 'public' AND v.status = 'ready'
		 ORDER BY v.created_at DESC, v.id DESC
		 LIMIT $1 OFFSET $2`,
		FeedPageSize+1, page*FeedPageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	items, err := scanFeedItems(rows, FeedPageSize+1)
	if err != nil {
		return nil, err
	}

	result := &FeedPage{Page: page, Videos: items}
	if len(items) > FeedPageSize {
		result.Videos = items[:FeedPageSize]
		result.HasMore = true
	}
	return result, nil
}

// feedItemColumns is the select list scanFeedItems expects, over videos v
// joined to users u.
const feedItemColumns = `v.id, v.title, v.thumbnail_key, v.duration_seconds, v.view_count, v.created_at,
		        u.name, COALESCE(u.handle, '')`

func scanFeedItems(rows pgx.Rows, sizeHint int) ([]FeedItem, error) {
	defer rows.Close()

	items := make([]FeedItem, 0, sizeHint)
	for rows.Next() {
		var item FeedItem
		var duration *int
		if err := rows.Scan(&item.ID, &item.Title, &item.ThumbnailKey, &duration, &item.ViewCount,
			&item.CreatedAt, &item.OwnerName, &item.OwnerHandle); err != nil {
			return nil, fmt.Errorf("scan video row: %w", err)
		}
		if duration != nil {
			item.DurationSeconds = *duration
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate video rows: %w", err)
	}
	return items, nil
}

// ListFeed serves GET /api/feed?page=N with zero-based pages.
func (h *Handler) ListFeed(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(r, "page", 0, 0, maxFeedPage)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid page")
		return
	}

	result, err := h.feed.Page(r.Context(), page)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
