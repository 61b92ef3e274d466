package video

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/httputil"
)

const (
	defaultCommentPageSize = 10
	maxCommentPageSize     = 50
	maxCommentRequestBody  = 32 << 10
)

type likeResponse struct {
	httputil.ResultBody
	LikeResult
}

type commentResponse struct {
	httputil.ResultBody
	Comment *Comment `json:"comment"`
}

type commentListResponse struct {
	Page     int       `json:"page"`
	Comments []Comment `json:"comments"`
}

type followResponse struct {
	httputil.ResultBody
	Following bool `json:"following"`
}

// videoIDParam returns the {id} URL parameter when it is a well-formed video id.
func videoIDParam(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

func (h *Handler) LikeVideo(w http.ResponseWriter, r *http.Request) {
	videoID, ok := videoIDParam(r)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "Video not found")
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	if !h.gateVisible(w, r, videoID, userID) {
		return
	}

	result, err := h.engagement.ToggleLike(r.Context(), videoID, userID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "Video not found")
		return
	}
	if err != nil {
		slog.Error("engagement: toggle like failed", "video_id", videoID, "user_id", userID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update like")
		return
	}

	message := "Like removed"
	if result.Liked {
		message = "Like successful"
	}
	httputil.WriteJSON(w, http.StatusOK, likeResponse{
		ResultBody: httputil.ResultBody{Success: true, Message: message},
		LikeResult: *result,
	})
}

func (h *Handler) PostComment(w http.ResponseWriter, r *http.Request) {
	videoID, ok := videoIDParam(r)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "Video not found")
		return
	}
	userID := auth.UserIDFromContext(r.Context())

	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommentRequestBody)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.gateVisible(w, r, videoID, userID) {
		return
	}

	comment, err := h.engagement.AddComment(r.Context(), videoID, userID, req.Body)
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		httputil.WriteFieldError(w, http.StatusBadRequest, validationErr.Field, validationErr.Message)
		return
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "Video not found")
		return
	case err != nil:
		slog.Error("engagement: add comment failed", "video_id", videoID, "user_id", userID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to add comment")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, commentResponse{
		ResultBody: httputil.ResultBody{Success: true, Message: "Comment added"},
		Comment:    comment,
	})
}

func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	videoID, ok := videoIDParam(r)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "Video not found")
		return
	}

	page, ok := queryInt(r, "page", 0, 0, maxFeedPage)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid page")
		return
	}
	limit, ok := queryInt(r, "limit", defaultCommentPageSize, 1, maxCommentPageSize)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if !h.gateVisible(w, r, videoID, auth.UserIDFromContext(r.Context())) {
		return
	}

	comments, err := h.engagement.ListComments(r.Context(), videoID, page, limit)
	if err != nil {
		slog.Error("engagement: list comments failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load comments")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, commentListResponse{Page: page, Comments: comments})
}

func (h *Handler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	commentID := chi.URLParam(r, "id")
	userID := auth.UserIDFromContext(r.Context())

	err := h.engagement.DeleteComment(r.Context(), commentID, userID)
	var windowErr *DeleteWindowError
	switch {
	case err == nil:
		httputil.WriteResult(w, http.StatusOK, true, "Comment deleted")
	case errors.Is(err, ErrNotFound):
		httputil.WriteResult(w, http.StatusNotFound, false, "Comment not found")
	case errors.Is(err, ErrForbidden):
		httputil.WriteResult(w, http.StatusForbidden, false, "you can only delete your own comments")
	case errors.As(err, &windowErr):
		httputil.WriteResult(w, http.StatusForbidden, false, windowErr.Error())
	default:
		slog.Error("engagement: delete comment failed", "comment_id", commentID, "user_id", userID, "error", err)
		httputil.WriteResult(w, http.StatusInternalServerError, false, "failed to delete comment")
	}
}

func (h *Handler) FollowUser(w http.ResponseWriter, r *http.Request) {
	creatorID := chi.URLParam(r, "id")
	userID := auth.UserIDFromContext(r.Context())

	following, err := h.engagement.ToggleFollow(r.Context(), userID, creatorID)
	switch {
	case errors.Is(err, errCannotFollowSelf):
		httputil.WriteResult(w, http.StatusBadRequest, false, "Cannot follow yourself!")
		return
	case errors.Is(err, ErrNotFound):
		httputil.WriteResult(w, http.StatusNotFound, false, "User not found")
		return
	case err != nil:
		slog.Error("engagement: toggle follow failed", "user_id", userID, "creator_id", creatorID, "error", err)
		httputil.WriteResult(w, http.StatusInternalServerError, false, "failed to update follow")
		return
	}

	message := "Unfollowed"
	if following {
		message = "Successfully followed"
	}
	httputil.WriteJSON(w, http.StatusOK, followResponse{
		ResultBody: httputil.ResultBody{Success: true, Message: message},
		Following:  following,
	})
}

func queryInt(r *http.Request, name string, fallback, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}
