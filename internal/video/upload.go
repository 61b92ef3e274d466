package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/database"
	"github.com/vidrelay/vidrelay/internal/httputil"
	"github.com/vidrelay/vidrelay/internal/provider"
)

const (
	uploadTargetExpiry   = 10 * time.Minute
	maxIdempotencyKeyLen = 255
	maxUploadRequestBody = 64 << 10
)

var errUploadsDisabled = errors.New("no upload provider configured")

type UploadResult struct {
	VideoID               string                `json:"videoId"`
	UploadTarget          provider.UploadTarget `json:"uploadTarget"`
	ThumbnailUploadTarget provider.UploadTarget `json:"thumbnailUploadTarget"`
}

// Uploader creates pending videos and hands out the time-boxed upload
// credentials for the raw video and its thumbnail.
type Uploader struct {
	db      database.DBTX
	adapter provider.Adapter
	storage ObjectStorage
	tasks   TaskRunner
	clock   clockwork.Clock
}

func NewUploader(db database.DBTX, adapter provider.Adapter, storage ObjectStorage) *Uploader {
	return &Uploader{db: db, adapter: adapter, storage: storage, clock: clockwork.NewRealClock()}
}

func (u *Uploader) SetTaskRunner(t TaskRunner) {
	u.tasks = t
}

// InitiateUpload validates the request, opens a provider upload session,
// presigns the thumbnail PUT and persists a pending record, in that order.
// A failure after the session exists schedules a best-effort cancel.
func (u *Uploader) InitiateUpload(ctx context.Context, ownerID string, meta UploadMetadata, thumb ThumbnailDescriptor, idempotencyKey string) (*UploadResult, error) {
	meta, ext, err := prepareUpload(meta, thumb)
	if err != nil {
		return nil, err
	}
	if len(idempotencyKey) > maxIdempotencyKeyLen {
		return nil, &ValidationError{Field: "Idempotency-Key", Message: fmt.Sprintf("must be %d characters or fewer", maxIdempotencyKeyLen)}
	}
	if u.adapter == nil {
		return nil, errUploadsDisabled
	}

	if idempotencyKey != "" {
		existing, err := u.findByIdempotencyKey(ctx, ownerID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != "" {
			return nil, &DuplicateUploadError{VideoID: existing}
		}
	}

	session, err := u.adapter.CreateUploadSession(ctx, provider.UploadSessionRequest{
		Title:  meta.Title,
		Expiry: uploadTargetExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("create upload session: %w", err)
	}

	videoID := uuid.NewString()
	thumbKey := thumbnailKey(ownerID, ext)
	thumbURL, err := u.storage.GenerateUploadURL(ctx, thumbKey, thumb.ContentType, thumb.Size, uploadTargetExpiry)
	if err != nil {
		u.cancelSession(session.UploadRef, "thumbnail presign failed")
		return nil, fmt.Errorf("presign thumbnail: %w", err)
	}

	_, err = u.db.Exec(ctx,
		`INSERT INTO videos (id, owner_id, title, description, category, tags, visibility, status,
		                     provider, provider_upload_ref, thumbnail_key, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, $11)`,
		videoID, ownerID, meta.Title, meta.Description, meta.Category, meta.Tags, meta.Visibility,
		u.adapter.Name(), session.UploadRef, thumbKey, nullIfEmpty(idempotencyKey),
	)
	if err != nil {
		u.cancelSession(session.UploadRef, "persist failed")
		if database.IsUniqueViolation(err) && idempotencyKey != "" {
			// A concurrent request with the same key won the insert.
			if existing, lookupErr := u.findByIdempotencyKey(ctx, ownerID, idempotencyKey); lookupErr == nil && existing != "" {
				return nil, &DuplicateUploadError{VideoID: existing}
			}
			return nil, ErrConflict
		}
		if database.IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("owner %s: %w", ownerID, ErrNotFound)
		}
		return nil, fmt.Errorf("insert video: %w", err)
	}

	slog.Info("upload: initiated", "video_id", videoID, "provider", u.adapter.Name(), "upload_ref", session.UploadRef)

	return &UploadResult{
		VideoID:      videoID,
		UploadTarget: session.Target,
		ThumbnailUploadTarget: provider.UploadTarget{
			URL:       thumbURL,
			Method:    http.MethodPut,
			Headers:   map[string]string{"Content-Type": thumb.ContentType},
			ExpiresAt: u.clock.Now().Add(uploadTargetExpiry).UTC(),
		},
	}, nil
}

func (u *Uploader) findByIdempotencyKey(ctx context.Context, ownerID, key string) (string, error) {
	var id string
	err := u.db.QueryRow(ctx,
		`SELECT id FROM videos WHERE owner_id = $1 AND idempotency_key = $2`,
		ownerID, key,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return id, nil
}

// cancelSession releases a provider upload session nothing will reference.
// The session would expire on its own, so failures are only logged.
func (u *Uploader) cancelSession(uploadRef, reason string) {
	slog.Warn("upload: cancelling orphaned upload session", "provider", u.adapter.Name(), "upload_ref", uploadRef, "reason", reason)
	adapter := u.adapter
	submit(u.tasks, "cancel-upload-session", func(ctx context.Context) error {
		return adapter.CancelUploadSession(ctx, uploadRef)
	})
}

func thumbnailKey(ownerID, ext string) string {
	return fmt.Sprintf("thumbnails/%s/%s%s", ownerID, uuid.NewString(), ext)
}

type initiateUploadRequest struct {
	UploadMetadata
	Thumbnail ThumbnailDescriptor `json:"thumbnail"`
}

type duplicateUploadResponse struct {
	Error   string `json:"error"`
	VideoID string `json:"videoId"`
}

func (h *Handler) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req initiateUploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadRequestBody)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	result, err := h.uploader.InitiateUpload(r.Context(), userID, req.UploadMetadata, req.Thumbnail, idempotencyKey)
	if err != nil {
		writeUploadError(w, userID, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, result)
}

func writeUploadError(w http.ResponseWriter, userID string, err error) {
	var validationErr *ValidationError
	var duplicate *DuplicateUploadError
	var upstream *provider.UpstreamError

	switch {
	case errors.As(err, &validationErr):
		httputil.WriteFieldError(w, http.StatusBadRequest, validationErr.Field, validationErr.Message)
	case errors.As(err, &duplicate):
		httputil.WriteJSON(w, http.StatusConflict, duplicateUploadResponse{
			Error:   "upload already initiated",
			VideoID: duplicate.VideoID,
		})
	case errors.Is(err, ErrConflict):
		httputil.WriteError(w, http.StatusConflict, "upload already initiated")
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusForbidden, "unknown account")
	case errors.Is(err, errUploadsDisabled):
		httputil.WriteError(w, http.StatusServiceUnavailable, "uploads are not configured")
	case errors.As(err, &upstream):
		slog.Error("upload: provider request failed", "user_id", userID, "provider", upstream.Provider, "status", upstream.StatusCode, "error", err)
		httputil.WriteError(w, http.StatusBadGateway, "transcoding provider unavailable")
	default:
		slog.Error("upload: failed to initiate upload", "user_id", userID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to initiate upload")
	}
}
