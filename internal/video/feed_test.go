package video

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/vidrelay/vidrelay/internal/cache"
)

var feedColumns = []string{"id", "title", "thumbnail_key", "duration_seconds", "view_count", "created_at", "name", "handle"}

func newRedisCache(t *testing.T) (*cache.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisFromClient(client), mr
}

func feedRows(n int) *pgxmock.Rows {
	rows := pgxmock.NewRows(feedColumns)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		rows.AddRow(fmt.Sprintf("video-%02d", i), fmt.Sprintf("Video %d", i), fmt.Sprintf("thumbnails/u/%d.png", i),
			ptr(95), int64(i), created.Add(-time.Duration(i)*time.Minute), "Ada", "ada")
	}
	return rows
}

func TestFeedPageReadsThroughRedis(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()
	c, mr := newRedisCache(t)
	feed := NewFeed(mock, c, DefaultFeedTTL)

	mock.ExpectQuery(`SELECT v.id, v.title`).
		WithArgs(FeedPageSize+1, 0).
		WillReturnRows(feedRows(3))

	first, err := feed.Page(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.Videos) != 3 || first.HasMore {
		t.Errorf("expected 3 videos without more, got %d (hasMore=%v)", len(first.Videos), first.HasMore)
	}
	if ttl := mr.TTL("feed:videos:page:0"); ttl != 120*time.Second {
		t.Errorf("expected 120s TTL, got %v", ttl)
	}

	// Served from cache: no further query is expected.
	second, err := feed.Page(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.Videos) != 3 || second.Videos[0].ID != first.Videos[0].ID {
		t.Errorf("expected cached page, got %+v", second)
	}
	assertExpectations(t, mock)
}

func TestFeedPageExpires(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()
	c, mr := newRedisCache(t)
	feed := NewFeed(mock, c, DefaultFeedTTL)

	mock.ExpectQuery(`SELECT v.id, v.title`).WithArgs(FeedPageSize+1, 0).WillReturnRows(feedRows(1))
	mock.ExpectQuery(`SELECT v.id, v.title`).WithArgs(FeedPageSize+1, 0).WillReturnRows(feedRows(2))

	if _, err := feed.Page(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(121 * time.Second)
	page, err := feed.Page(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Videos) != 2 {
		t.Errorf("expected reload after expiry, got %d videos", len(page.Videos))
	}
	assertExpectations(t, mock)
}

func TestFeedPageHasMore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()
	feed := NewFeed(mock, nil, DefaultFeedTTL)

	mock.ExpectQuery(`SELECT v.id, v.title`).
		WithArgs(FeedPageSize+1, 2*FeedPageSize).
		WillReturnRows(feedRows(FeedPageSize + 1))

	page, err := feed.Page(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if !page.HasMore {
		t.Error("expected hasMore")
	}
	if len(page.Videos) != FeedPageSize {
		t.Errorf("expected %d videos, got %d", FeedPageSize, len(page.Videos))
	}
	assertExpectations(t, mock)
}

func TestFeedInvalidationDropsAllPages(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	for _, key := range []string{feedPageKey(0), feedPageKey(1), "other:key"} {
		if err := c.Set(ctx, key, []byte(`{}`), time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	rec := NewReconciler(nil, nil, c)
	rec.invalidateFeed(ctx)

	if mr.Exists(feedPageKey(0)) || mr.Exists(feedPageKey(1)) {
		t.Error("expected feed pages to be removed")
	}
	if !mr.Exists("other:key") {
		t.Error("expected unrelated keys to survive")
	}
}

func TestListFeedHandler(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()
	h := NewHandler(mock, nil, "", &mockStorage{}, cache.NewMemory(nil))

	t.Run("invalid page", func(t *testing.T) {
		for _, raw := range []string{"-1", "abc", "501"} {
			rec := httptest.NewRecorder()
			h.ListFeed(rec, httptest.NewRequest(http.MethodGet, "/api/feed?page="+raw, nil))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("page=%s: expected 400, got %d", raw, rec.Code)
			}
		}
	})

	t.Run("thumbnail urls", func(t *testing.T) {
		mock.ExpectQuery(`SELECT v.id, v.title`).
			WithArgs(FeedPageSize+1, FeedPageSize).
			WillReturnRows(feedRows(1))

		rec := httptest.NewRecorder()
		h.ListFeed(rec, httptest.NewRequest(http.MethodGet, "/api/feed?page=1", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var page FeedPage
		if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
			t.Fatal(err)
		}
		if page.Page != 1 || len(page.Videos) != 1 {
			t.Fatalf("unexpected page %+v", page)
		}
		if page.Videos[0].ThumbnailURL != "https://cdn.example.com/thumbnails/u/0.png" {
			t.Errorf("unexpected thumbnail url %s", page.Videos[0].ThumbnailURL)
		}
	})

	assertExpectations(t, mock)
}
