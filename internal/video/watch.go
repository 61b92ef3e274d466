package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/httputil"
)

type watchOwner struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Handle        string `json:"handle,omitempty"`
	FollowerCount int64  `json:"followerCount"`
}

type watchResponse struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	Tags            []string   `json:"tags"`
	Visibility      Visibility `json:"visibility"`
	Status          Status     `json:"status"`
	PlaybackRef     string     `json:"playbackRef,omitempty"`
	DurationSeconds int        `json:"duration,omitempty"`
	ThumbnailURL    string     `json:"thumbnailUrl,omitempty"`
	ViewCount       int64      `json:"viewCount"`
	LikeCount       int64      `json:"likeCount"`
	CommentCount    int64      `json:"commentCount"`
	CreatedAt       time.Time  `json:"createdAt"`
	Owner           watchOwner `json:"owner"`
	Liked           bool       `json:"liked"`
	Following       bool       `json:"following"`
}

func (h *Handler) loadWatch(ctx context.Context, videoID string) (*Record, *watchOwner, error) {
	rec := &Record{ID: videoID}
	owner := &watchOwner{}
	err := h.db.QueryRow(ctx,
		`SELECT v.owner_id, v.title, v.description, v.category, v.tags, v.visibility, v.status,
		        v.playback_ref, v.duration_seconds, v.thumbnail_key,
		        v.view_count, v.like_count, v.comment_count, v.created_at,
		        u.name, COALESCE(u.handle, ''),
		        (SELECT COUNT(*) FROM follows f WHERE f.following_id = v.owner_id)
		 FROM videos v
		 JOIN users u ON u.id = v.owner_id
		 WHERE v.id = $1`,
		videoID,
	).Scan(&rec.OwnerID, &rec.Title, &rec.Description, &rec.Category, &rec.Tags, &rec.Visibility, &rec.Status,
		&rec.PlaybackRef, &rec.DurationSeconds, &rec.ThumbnailKey,
		&rec.ViewCount, &rec.LikeCount, &rec.CommentCount, &rec.CreatedAt,
		&owner.Name, &owner.Handle, &owner.FollowerCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load video: %w", err)
	}
	owner.ID = rec.OwnerID
	return rec, owner, nil
}

// canWatch reports whether viewerID may see rec. Owners see their own videos
// in every state; everyone else only sees ready, non-private videos.
func canWatch(rec *Record, viewerID string) bool {
	if viewerID != "" && viewerID == rec.OwnerID {
		return true
	}
	return rec.Status == StatusReady && rec.Visibility != VisibilityPrivate
}

// requireVisible returns ErrNotFound when videoID is missing or hidden from
// viewerID under the same rule WatchVideo applies.
func (h *Handler) requireVisible(ctx context.Context, videoID, viewerID string) error {
	rec := &Record{ID: videoID}
	err := h.db.QueryRow(ctx,
		`SELECT owner_id, visibility, status FROM videos WHERE id = $1`,
		videoID,
	).Scan(&rec.OwnerID, &rec.Visibility, &rec.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load video visibility: %w", err)
	}
	if !canWatch(rec, viewerID) {
		return ErrNotFound
	}
	return nil
}

// gateVisible writes the 404 or 500 itself and reports whether the caller
// may continue.
func (h *Handler) gateVisible(w http.ResponseWriter, r *http.Request, videoID, viewerID string) bool {
	err := h.requireVisible(r.Context(), videoID, viewerID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "Video not found")
		return false
	}
	if err != nil {
		slog.Error("watch: failed to check visibility", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load video")
		return false
	}
	return true
}

// WatchVideo serves GET /api/videos/{id}. The view is counted after the
// response through the task runner.
func (h *Handler) WatchVideo(w http.ResponseWriter, r *http.Request) {
	videoID, ok := videoIDParam(r)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "Video not found")
		return
	}
	viewerID := auth.UserIDFromContext(r.Context())

	rec, owner, err := h.loadWatch(r.Context(), videoID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "Video not found")
		return
	}
	if err != nil {
		slog.Error("watch: failed to load video", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load video")
		return
	}
	if !canWatch(rec, viewerID) {
		httputil.WriteError(w, http.StatusNotFound, "Video not found")
		return
	}

	resp := watchResponse{
		ID:           rec.ID,
		Title:        rec.Title,
		Description:  rec.Description,
		Category:     rec.Category,
		Tags:         rec.Tags,
		Visibility:   rec.Visibility,
		Status:       rec.Status,
		ViewCount:    rec.ViewCount,
		LikeCount:    rec.LikeCount,
		CommentCount: rec.CommentCount,
		CreatedAt:    rec.CreatedAt,
		Owner:        *owner,
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if rec.PlaybackRef != nil && rec.Status == StatusReady {
		resp.PlaybackRef = *rec.PlaybackRef
	}
	if rec.DurationSeconds != nil {
		resp.DurationSeconds = *rec.DurationSeconds
	}
	if p, ok := h.storage.(PublicURLer); ok && rec.ThumbnailKey != "" {
		resp.ThumbnailURL = p.PublicURL(rec.ThumbnailKey)
	}

	if viewerID != "" {
		if err := h.db.QueryRow(r.Context(),
			`SELECT EXISTS (SELECT 1 FROM video_likes WHERE video_id = $1 AND user_id = $2),
			        EXISTS (SELECT 1 FROM follows WHERE follower_id = $2 AND following_id = $3)`,
			videoID, viewerID, rec.OwnerID,
		).Scan(&resp.Liked, &resp.Following); err != nil {
			slog.Warn("watch: failed to load viewer state", "video_id", videoID, "user_id", viewerID, "error", err)
		}
	}

	httputil.WriteJSON(w, http.StatusOK, resp)

	if rec.Status == StatusReady {
		viewer := Viewer{IP: clientIP(r), UserAgent: r.UserAgent()}
		submit(h.tasks, "view:"+videoID, func(ctx context.Context) error {
			_, err := h.engagement.IncrementView(ctx, videoID, viewer)
			return err
		})
	}
}

// clientIP takes the first X-Forwarded-For hop, else the connection address
// without its port.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
