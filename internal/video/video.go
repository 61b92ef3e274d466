package video

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusErrored    Status = "errored"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// DuplicateUploadError is returned when an Idempotency-Key was already used
// by the same owner. It matches ErrConflict.
type DuplicateUploadError struct {
	VideoID string
}

func (e *DuplicateUploadError) Error() string {
	return fmt.Sprintf("upload already initiated as video %s", e.VideoID)
}

func (e *DuplicateUploadError) Is(target error) bool {
	return target == ErrConflict
}

// Record mirrors one row of the videos table.
type Record struct {
	ID              string
	OwnerID         string
	Title           string
	Description     string
	Category        string
	Tags            []string
	Visibility      Visibility
	Status          Status
	Provider        string
	UploadRef       string
	AssetRef        *string
	PlaybackRef     *string
	DurationSeconds *int
	ThumbnailKey    string
	ViewCount       int64
	LikeCount       int64
	CommentCount    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
