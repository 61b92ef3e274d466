package video

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/vidrelay/vidrelay/internal/provider"
)

var uploadNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestUploader(t *testing.T) (*Uploader, pgxmock.PgxPoolIface, *fakeAdapter, *mockStorage, *syncTasks) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mock.Close)

	adapter := newFakeAdapter()
	storage := &mockStorage{}
	tasks := &syncTasks{}
	u := NewUploader(mock, adapter, storage)
	u.SetTaskRunner(tasks)
	u.clock = clockwork.NewFakeClockAt(uploadNow)
	return u, mock, adapter, storage, tasks
}

func validMetadata() UploadMetadata {
	return UploadMetadata{
		Title:       "  My first video ",
		Description: "walkthrough",
		Tags:        []string{"go", " tutorial ", "Go"},
	}
}

func validThumbnail() ThumbnailDescriptor {
	return ThumbnailDescriptor{ContentType: "image/png", Size: 2048}
}

func TestInitiateUploadPersistsPendingRecord(t *testing.T) {
	u, mock, adapter, storage, _ := newTestUploader(t)

	mock.ExpectExec(`INSERT INTO videos`).
		WithArgs(pgxmock.AnyArg(), testUserID, "My first video", "walkthrough", "uncategorized",
			[]string{"go", "tutorial"}, "public", testProvider, "upload-ref-1", pgxmock.AnyArg(), (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	result, err := u.InitiateUpload(context.Background(), testUserID, validMetadata(), validThumbnail(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.VideoID == "" {
		t.Error("expected a video id")
	}
	if result.UploadTarget.URL != "https://upload.example.com/session-1" {
		t.Errorf("unexpected upload target %s", result.UploadTarget.URL)
	}
	if result.ThumbnailUploadTarget.Method != http.MethodPut {
		t.Errorf("expected PUT thumbnail target, got %s", result.ThumbnailUploadTarget.Method)
	}
	if got := result.ThumbnailUploadTarget.Headers["Content-Type"]; got != "image/png" {
		t.Errorf("expected Content-Type image/png, got %s", got)
	}
	if want := uploadNow.Add(10 * time.Minute); !result.ThumbnailUploadTarget.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, result.ThumbnailUploadTarget.ExpiresAt)
	}
	if len(storage.presignedKeys) != 1 || !strings.HasPrefix(storage.presignedKeys[0], "thumbnails/"+testUserID+"/") ||
		!strings.HasSuffix(storage.presignedKeys[0], ".png") {
		t.Errorf("unexpected thumbnail key %v", storage.presignedKeys)
	}
	if len(adapter.cancelledRefs()) != 0 {
		t.Errorf("expected no cancelled sessions, got %v", adapter.cancelledRefs())
	}
	assertExpectations(t, mock)
}

func TestInitiateUploadValidationFailsBeforeProviderCall(t *testing.T) {
	tests := []struct {
		name  string
		meta  UploadMetadata
		thumb ThumbnailDescriptor
		field string
	}{
		{"short title", UploadMetadata{Title: "ab"}, validThumbnail(), "title"},
		{"bad visibility", UploadMetadata{Title: "Valid", Visibility: "friends"}, validThumbnail(), "visibility"},
		{"too many tags", UploadMetadata{Title: "Valid", Tags: strings.Split("a,b,c,d,e,f,g,h,i,j,k", ",")}, validThumbnail(), "tags"},
		{"long tag", UploadMetadata{Title: "Valid", Tags: []string{strings.Repeat("x", 31)}}, validThumbnail(), "tags"},
		{"thumbnail type", UploadMetadata{Title: "Valid"}, ThumbnailDescriptor{ContentType: "image/gif", Size: 10}, "thumbnail.contentType"},
		{"thumbnail size", UploadMetadata{Title: "Valid"}, ThumbnailDescriptor{ContentType: "image/png", Size: 11 << 20}, "thumbnail.size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, mock, adapter, _, _ := newTestUploader(t)

			_, err := u.InitiateUpload(context.Background(), testUserID, tt.meta, tt.thumb, "")
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, validationErr.Field)
			}
			if adapter.createCalls != 0 {
				t.Errorf("expected no provider session, got %d", adapter.createCalls)
			}
			assertExpectations(t, mock)
		})
	}
}

func TestInitiateUploadReturnsExistingVideoForRepeatedKey(t *testing.T) {
	u, mock, adapter, _, _ := newTestUploader(t)

	mock.ExpectQuery(`SELECT id FROM videos WHERE owner_id = \$1 AND idempotency_key = \$2`).
		WithArgs(testUserID, "key-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testVideoID))

	_, err := u.InitiateUpload(context.Background(), testUserID, validMetadata(), validThumbnail(), "key-1")
	var duplicate *DuplicateUploadError
	if !errors.As(err, &duplicate) {
		t.Fatalf("expected DuplicateUploadError, got %v", err)
	}
	if duplicate.VideoID != testVideoID {
		t.Errorf("expected video id %s, got %s", testVideoID, duplicate.VideoID)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("expected error to match ErrConflict")
	}
	if adapter.createCalls != 0 {
		t.Errorf("expected no provider session, got %d", adapter.createCalls)
	}
	assertExpectations(t, mock)
}

func TestInitiateUploadConcurrentKeyCancelsSession(t *testing.T) {
	u, mock, adapter, _, _ := newTestUploader(t)

	mock.ExpectQuery(`SELECT id FROM videos WHERE owner_id`).
		WithArgs(testUserID, "key-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO videos`).
		WithArgs(pgxmock.AnyArg(), testUserID, "My first video", "walkthrough", "uncategorized",
			[]string{"go", "tutorial"}, "public", testProvider, "upload-ref-1", pgxmock.AnyArg(), ptr("key-1")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(`SELECT id FROM videos WHERE owner_id`).
		WithArgs(testUserID, "key-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testVideoID))

	_, err := u.InitiateUpload(context.Background(), testUserID, validMetadata(), validThumbnail(), "key-1")
	var duplicate *DuplicateUploadError
	if !errors.As(err, &duplicate) || duplicate.VideoID != testVideoID {
		t.Fatalf("expected DuplicateUploadError for %s, got %v", testVideoID, err)
	}
	if got := adapter.cancelledRefs(); len(got) != 1 || got[0] != "upload-ref-1" {
		t.Errorf("expected upload-ref-1 to be cancelled, got %v", got)
	}
	assertExpectations(t, mock)
}

func TestInitiateUploadUnknownOwner(t *testing.T) {
	u, mock, adapter, _, _ := newTestUploader(t)

	mock.ExpectExec(`INSERT INTO videos`).
		WithArgs(pgxmock.AnyArg(), "ghost", "My first video", "walkthrough", "uncategorized",
			[]string{"go", "tutorial"}, "public", testProvider, pgxmock.AnyArg(), pgxmock.AnyArg(), (*string)(nil)).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	_, err := u.InitiateUpload(context.Background(), "ghost", validMetadata(), validThumbnail(), "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(adapter.cancelledRefs()) != 1 {
		t.Errorf("expected orphaned session to be cancelled, got %v", adapter.cancelledRefs())
	}
	assertExpectations(t, mock)
}

func TestInitiateUploadPresignFailureCancelsSession(t *testing.T) {
	u, mock, adapter, storage, _ := newTestUploader(t)
	storage.uploadErr = errors.New("s3 down")

	_, err := u.InitiateUpload(context.Background(), testUserID, validMetadata(), validThumbnail(), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(adapter.cancelledRefs()) != 1 {
		t.Errorf("expected session cancel, got %v", adapter.cancelledRefs())
	}
	assertExpectations(t, mock)
}

func TestInitiateUploadProviderFailure(t *testing.T) {
	u, mock, adapter, storage, _ := newTestUploader(t)
	adapter.sessionErr = &provider.UpstreamError{Provider: testProvider, Op: "create upload", StatusCode: 500, Err: errors.New("boom")}

	_, err := u.InitiateUpload(context.Background(), testUserID, validMetadata(), validThumbnail(), "")
	var upstream *provider.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if len(storage.presignedKeys) != 0 {
		t.Error("expected no thumbnail presign after provider failure")
	}
	assertExpectations(t, mock)
}

func TestInitiateUploadWithoutAdapter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	u := NewUploader(mock, nil, &mockStorage{})
	if _, err := u.InitiateUpload(context.Background(), testUserID, validMetadata(), validThumbnail(), ""); !errors.Is(err, errUploadsDisabled) {
		t.Errorf("expected errUploadsDisabled, got %v", err)
	}
}

func newUploadRequest(t *testing.T, body string, idempotencyKey string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return withUser(req, testUserID)
}

// handlerInsertArgs matches the insert issued for the "Launch day" request
// body used by the handler tests.
func handlerInsertArgs() []any {
	return []any{
		pgxmock.AnyArg(), testUserID, "Launch day", "", "uncategorized",
		pgxmock.AnyArg(), "public", testProvider, pgxmock.AnyArg(), pgxmock.AnyArg(), (*string)(nil),
	}
}

func TestInitiateUploadHandler(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	adapter := newFakeAdapter()
	h := NewHandler(mock, provider.NewRegistry(adapter), testProvider, &mockStorage{}, nil)
	h.SetTaskRunner(&syncTasks{})

	t.Run("created", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO videos`).
			WithArgs(handlerInsertArgs()...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		rec := httptest.NewRecorder()
		h.InitiateUpload(rec, newUploadRequest(t, `{"title":"Launch day","thumbnail":{"contentType":"image/jpeg","size":100}}`, ""))

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp UploadResult
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.UploadTarget.URL == "" || resp.ThumbnailUploadTarget.URL == "" {
			t.Errorf("expected both upload targets, got %+v", resp)
		}
	})

	t.Run("field error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.InitiateUpload(rec, newUploadRequest(t, `{"title":"x","thumbnail":{"contentType":"image/jpeg","size":100}}`, ""))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"field":"title"`) {
			t.Errorf("expected title field error, got %s", rec.Body.String())
		}
	})

	t.Run("duplicate key", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id FROM videos WHERE owner_id`).
			WithArgs(testUserID, "retry-1").
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testVideoID))

		rec := httptest.NewRecorder()
		h.InitiateUpload(rec, newUploadRequest(t, `{"title":"Launch day","thumbnail":{"contentType":"image/jpeg","size":100}}`, "retry-1"))

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), testVideoID) {
			t.Errorf("expected existing video id in body, got %s", rec.Body.String())
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO videos`).
			WithArgs(handlerInsertArgs()...).
			WillReturnError(&pgconn.PgError{Code: "23503"})

		rec := httptest.NewRecorder()
		h.InitiateUpload(rec, newUploadRequest(t, `{"title":"Launch day","thumbnail":{"contentType":"image/jpeg","size":100}}`, ""))

		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.InitiateUpload(rec, newUploadRequest(t, `{"title":`, ""))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	assertExpectations(t, mock)
}

func TestHandlerSetClockDrivesThumbnailExpiry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	h := NewHandler(mock, provider.NewRegistry(newFakeAdapter()), testProvider, &mockStorage{}, nil)
	h.SetTaskRunner(&syncTasks{})
	h.SetClock(clockwork.NewFakeClockAt(uploadNow))

	mock.ExpectExec(`INSERT INTO videos`).
		WithArgs(handlerInsertArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := httptest.NewRecorder()
	h.InitiateUpload(rec, newUploadRequest(t, `{"title":"Launch day","thumbnail":{"contentType":"image/jpeg","size":100}}`, ""))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if want := uploadNow.Add(uploadTargetExpiry); !resp.ThumbnailUploadTarget.ExpiresAt.Equal(want) {
		t.Errorf("expected thumbnail expiry %s, got %s", want, resp.ThumbnailUploadTarget.ExpiresAt)
	}
	assertExpectations(t, mock)
}
