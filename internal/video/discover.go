package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/httputil"
)

const (
	searchResultLimit = 20
	minSearchQueryLen = 2
	maxSearchQueryLen = 100
	profilePageSize   = 20
	maxHandleLength   = 64
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds an ILIKE pattern matching q anywhere, with q's own
// wildcards taken literally.
func containsPattern(q string) string {
	return "%" + likeEscaper.Replace(q) + "%"
}

type searchResponse struct {
	Query   string     `json:"query"`
	Results []FeedItem `json:"results"`
}

// Search serves GET /api/search?q=. Queries shorter than two characters
// return no results without touching the database.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if utf8.RuneCountInString(q) < minSearchQueryLen {
		httputil.WriteJSON(w, http.StatusOK, searchResponse{Query: q, Results: []FeedItem{}})
		return
	}
	if utf8.RuneCountInString(q) > maxSearchQueryLen {
		httputil.WriteError(w, http.StatusBadRequest, "search query is too long")
		return
	}

	results, err := h.searchVideos(r.Context(), q)
	if err != nil {
		slog.Error("search: query failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to search videos")
		return
	}
	h.fillThumbnailURLs(results)
	httputil.WriteJSON(w, http.StatusOK, searchResponse{Query: q, Results: results})
}

// searchVideos matches title, description, owner name or handle and category
// case-insensitively, and tags exactly (ignoring case). Only public ready
// videos are searched.
func (h *Handler) searchVideos(ctx context.Context, q string) ([]FeedItem, error) {
	rows, err := h.db.Query(ctx,
		`SELECT `+feedItemColumns+`
		 FROM videos v
		 JOIN users u ON u.id = v.owner_id
		 WHERE v.visibility = 'public' AND v.status = 'ready'
		   AND (v.title ILIKE $1 OR v.description ILIKE $1
		        OR u.name ILIKE $1 OR u.handle ILIKE $1 OR v.category ILIKE $1
		        OR EXISTS (SELECT 1 FROM unnest(v.tags) AS t(tag) WHERE lower(t.tag) = lower($2)))
		 ORDER BY v.view_count DESC, v.created_at DESC, v.id DESC
		 LIMIT $3`,
		containsPattern(q), q, searchResultLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query search: %w", err)
	}
	return scanFeedItems(rows, searchResultLimit)
}

type creatorProfile struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Handle        string     `json:"handle"`
	FollowerCount int64      `json:"followerCount"`
	VideoCount    int64      `json:"videoCount"`
	Following     bool       `json:"following"`
	Page          int        `json:"page"`
	Videos        []FeedItem `json:"videos"`
	HasMore       bool       `json:"hasMore"`
}

// CreatorProfile serves GET /api/users/{handle}. The owner sees every one of
// their videos; other viewers see the public ready ones.
func (h *Handler) CreatorProfile(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if handle == "" || len(handle) > maxHandleLength {
		httputil.WriteError(w, http.StatusNotFound, "User not found")
		return
	}
	page, ok := queryInt(r, "page", 0, 0, maxFeedPage)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid page")
		return
	}
	viewerID := auth.UserIDFromContext(r.Context())

	profile, err := h.loadCreator(r.Context(), handle, viewerID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		slog.Error("profile: failed to load creator", "handle", handle, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	isOwner := viewerID != "" && viewerID == profile.ID
	videos, err := h.creatorVideos(r.Context(), profile.ID, isOwner, page)
	if err != nil {
		slog.Error("profile: failed to load videos", "user_id", profile.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if len(videos) > profilePageSize {
		videos = videos[:profilePageSize]
		profile.HasMore = true
	}
	h.fillThumbnailURLs(videos)
	profile.Page = page
	profile.Videos = videos
	httputil.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) loadCreator(ctx context.Context, handle, viewerID string) (*creatorProfile, error) {
	p := &creatorProfile{}
	err := h.db.QueryRow(ctx,
		`SELECT u.id, u.name, COALESCE(u.handle, ''),
		        (SELECT COUNT(*) FROM follows f WHERE f.following_id = u.id),
		        (SELECT COUNT(*) FROM videos v WHERE v.owner_id = u.id
		           AND (u.id = $2 OR (v.visibility = 'public' AND v.status = 'ready'))),
		        EXISTS (SELECT 1 FROM follows f WHERE f.follower_id = $2 AND f.following_id = u.id)
		 FROM users u
		 WHERE u.handle = $1`,
		handle, viewerID,
	).Scan(&p.ID, &p.Name, &p.Handle, &p.FollowerCount, &p.VideoCount, &p.Following)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load creator: %w", err)
	}
	return p, nil
}

// creatorVideos returns up to one row past the page so the caller can set
// hasMore.
func (h *Handler) creatorVideos(ctx context.Context, ownerID string, isOwner bool, page int) ([]FeedItem, error) {
	rows, err := h.db.Query(ctx,
		`SELECT `+feedItemColumns+`
		 FROM videos v
		 JOIN users u ON u.id = v.owner_id
		 WHERE v.owner_id = $1
		   AND ($2 OR (v.visibility = 'public' AND v.status = 'ready'))
		 ORDER BY v.created_at DESC, v.id DESC
		 LIMIT $3 OFFSET $4`,
		ownerID, isOwner, profilePageSize+1, page*profilePageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("query creator videos: %w", err)
	}
	return scanFeedItems(rows, profilePageSize+1)
}

func (h *Handler) fillThumbnailURLs(items []FeedItem) {
	p, ok := h.storage.(PublicURLer)
	if !ok {
		return
	}
	for i := range items {
		if items[i].ThumbnailKey != "" {
			items[i].ThumbnailURL = p.PublicURL(items[i].ThumbnailKey)
		}
	}
}
