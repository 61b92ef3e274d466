package video

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/provider"
)

const (
	testUserID   = "user-1"
	testVideoID  = "6f1c7c1e-8a9e-4d57-9a43-2b8f0c1d2e3f"
	testProvider = "fake"
)

type mockStorage struct {
	mu              sync.Mutex
	uploadURL       string
	uploadErr       error
	deleteErr       error
	deleteFailUntil int
	deleteCallCount int
	deletedKeys     []string
	presignedKeys   []string
}

func (m *mockStorage) GenerateUploadURL(_ context.Context, key string, _ string, _ int64, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presignedKeys = append(m.presignedKeys, key)
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	if m.uploadURL != "" {
		return m.uploadURL, nil
	}
	return "https://storage.example.com/" + key + "?signed=1", nil
}

func (m *mockStorage) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCallCount++
	if m.deleteErr != nil && (m.deleteFailUntil == 0 || m.deleteCallCount <= m.deleteFailUntil) {
		return m.deleteErr
	}
	m.deletedKeys = append(m.deletedKeys, key)
	return nil
}

func (m *mockStorage) PublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

// fakeAdapter is a scriptable provider.Adapter.
type fakeAdapter struct {
	mu          sync.Mutex
	session     *provider.UploadSession
	sessionErr  error
	createCalls int
	detail      *provider.AssetDetail
	detailErr   error
	detailCalls int
	cancelled   []string
	verifyErr   error
	event       *provider.Event
	decodeErr   error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		session: &provider.UploadSession{
			UploadRef: "upload-ref-1",
			Target: provider.UploadTarget{
				URL:    "https://upload.example.com/session-1",
				Method: http.MethodPut,
			},
		},
	}
}

func (f *fakeAdapter) Name() string { return testProvider }

func (f *fakeAdapter) CreateUploadSession(_ context.Context, _ provider.UploadSessionRequest) (*provider.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return f.session, nil
}

func (f *fakeAdapter) FetchAssetDetail(_ context.Context, assetRef string) (*provider.AssetDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	if f.detail == nil {
		return &provider.AssetDetail{AssetRef: assetRef}, nil
	}
	return f.detail, nil
}

func (f *fakeAdapter) CancelUploadSession(_ context.Context, uploadRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, uploadRef)
	return nil
}

func (f *fakeAdapter) VerifyWebhook(_ provider.Delivery) error {
	return f.verifyErr
}

func (f *fakeAdapter) DecodeWebhook(_ provider.Delivery) (*provider.Event, error) {
	if f.decodeErr != nil {
		return nil, f.decodeErr
	}
	evt := *f.event
	return &evt, nil
}

func (f *fakeAdapter) cancelledRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// syncTasks runs submitted work immediately on the calling goroutine.
type syncTasks struct {
	mu    sync.Mutex
	names []string
	errs  []error
}

func (s *syncTasks) Submit(name string, fn func(ctx context.Context) error) bool {
	err := fn(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.errs = append(s.errs, err)
	return true
}

type fakeGeo struct {
	country string
}

func (g fakeGeo) Lookup(string) (string, string) { return g.country, "" }

var errUpstream = &provider.UpstreamError{Provider: testProvider, Op: "fetch asset", StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}

// withURLParams attaches chi route params to r.
func withURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(auth.ContextWithUserID(r.Context(), userID))
}

func ptr[T any](v T) *T { return &v }

func assertExpectations(t *testing.T, mock interface{ ExpectationsWereMet() error }) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
