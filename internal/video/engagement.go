package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/mssola/useragent"
	"github.com/vidrelay/vidrelay/internal/database"
	"github.com/vidrelay/vidrelay/internal/validate"
)

// CommentDeleteWindow is measured from the stored created_at, never from
// anything the client sends.
const CommentDeleteWindow = 2 * time.Minute

var (
	ErrForbidden        = errors.New("forbidden")
	errCannotFollowSelf = errors.New("cannot follow yourself")
)

// DeleteWindowError is returned when a comment is older than
// CommentDeleteWindow.
type DeleteWindowError struct {
	Elapsed time.Duration
}

func (e *DeleteWindowError) Error() string {
	return "comments can only be deleted within 2 minutes of posting"
}

// Engagement owns the counter mutations. Every counter change commits in the
// same transaction as the row that justifies it.
type Engagement struct {
	db    database.DBTX
	clock clockwork.Clock
	geo   GeoResolver
}

func NewEngagement(db database.DBTX, clock clockwork.Clock) *Engagement {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engagement{db: db, clock: clock}
}

func (e *Engagement) SetGeoResolver(g GeoResolver) {
	e.geo = g
}

type Viewer struct {
	IP        string
	UserAgent string
}

// IncrementView counts one playback. Crawlers are skipped and reported with
// counted=false.
func (e *Engagement) IncrementView(ctx context.Context, videoID string, viewer Viewer) (counted bool, err error) {
	if isBot(viewer.UserAgent) {
		return false, nil
	}

	tag, err := e.db.Exec(ctx,
		`UPDATE videos SET view_count = view_count + 1 WHERE id = $1`,
		videoID,
	)
	if err != nil {
		return false, fmt.Errorf("increment view count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}

	if e.geo != nil {
		if country, _ := e.geo.Lookup(viewer.IP); country != "" {
			if _, err := e.db.Exec(ctx,
				`INSERT INTO video_view_regions (video_id, country, views) VALUES ($1, $2, 1)
				 ON CONFLICT (video_id, country) DO UPDATE SET views = video_view_regions.views + 1`,
				videoID, country,
			); err != nil {
				slog.Warn("engagement: failed to tally view region", "video_id", videoID, "country", country, "error", err)
			}
		}
	}
	return true, nil
}

func isBot(ua string) bool {
	if ua == "" {
		return false
	}
	return useragent.New(ua).Bot()
}

type LikeResult struct {
	Liked     bool  `json:"liked"`
	LikeCount int64 `json:"likeCount"`
}

// ToggleLike removes the caller's like if present and adds it otherwise.
func (e *Engagement) ToggleLike(ctx context.Context, videoID, userID string) (*LikeResult, error) {
	result := &LikeResult{}
	err := database.WithTx(ctx, e.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM video_likes WHERE video_id = $1 AND user_id = $2`,
			videoID, userID,
		)
		if err != nil {
			return fmt.Errorf("delete like: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return tx.QueryRow(ctx,
				`UPDATE videos SET like_count = GREATEST(like_count - 1, 0) WHERE id = $1 RETURNING like_count`,
				videoID,
			).Scan(&result.LikeCount)
		}

		tag, err = tx.Exec(ctx,
			`INSERT INTO video_likes (video_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			videoID, userID,
		)
		if err != nil {
			return fmt.Errorf("insert like: %w", err)
		}
		result.Liked = true
		if tag.RowsAffected() == 0 {
			// A concurrent request liked first; report the current count.
			return tx.QueryRow(ctx, `SELECT like_count FROM videos WHERE id = $1`, videoID).Scan(&result.LikeCount)
		}
		return tx.QueryRow(ctx,
			`UPDATE videos SET like_count = like_count + 1 WHERE id = $1 RETURNING like_count`,
			videoID,
		).Scan(&result.LikeCount)
	})
	if err != nil {
		if database.IsForeignKeyViolation(err) || errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("toggle like: %w", err)
	}
	return result, nil
}

type Comment struct {
	ID           string    `json:"id"`
	VideoID      string    `json:"videoId"`
	UserID       string    `json:"userId"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"createdAt"`
	AuthorName   string    `json:"authorName,omitempty"`
	AuthorHandle string    `json:"authorHandle,omitempty"`
}

func (e *Engagement) AddComment(ctx context.Context, videoID, userID, body string) (*Comment, error) {
	body = strings.TrimSpace(body)
	if msg := validate.CommentBody(body); msg != "" {
		return nil, &ValidationError{Field: "body", Message: msg}
	}

	c := &Comment{VideoID: videoID, UserID: userID, Body: body}
	err := database.WithTx(ctx, e.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO video_comments (video_id, user_id, body) VALUES ($1, $2, $3)
			 RETURNING id, created_at`,
			videoID, userID, body,
		).Scan(&c.ID, &c.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE videos SET comment_count = comment_count + 1 WHERE id = $1`,
			videoID,
		)
		return err
	})
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("add comment: %w", err)
	}
	return c, nil
}

// DeleteComment lets the author remove a comment within CommentDeleteWindow.
// The row is locked while the window is checked.
func (e *Engagement) DeleteComment(ctx context.Context, commentID, userID string) error {
	if _, err := uuid.Parse(commentID); err != nil {
		return ErrNotFound
	}

	return database.WithTx(ctx, e.db, func(tx pgx.Tx) error {
		var authorID, videoID string
		var createdAt time.Time
		err := tx.QueryRow(ctx,
			`SELECT user_id, video_id, created_at FROM video_comments WHERE id = $1 FOR UPDATE`,
			commentID,
		).Scan(&authorID, &videoID, &createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup comment: %w", err)
		}
		if authorID != userID {
			return ErrForbidden
		}
		if elapsed := e.clock.Now().Sub(createdAt); elapsed > CommentDeleteWindow {
			return &DeleteWindowError{Elapsed: elapsed}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM video_comments WHERE id = $1`, commentID); err != nil {
			return fmt.Errorf("delete comment: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE videos SET comment_count = GREATEST(comment_count - 1, 0) WHERE id = $1`,
			videoID,
		); err != nil {
			return fmt.Errorf("decrement comment count: %w", err)
		}
		return nil
	})
}

func (e *Engagement) ListComments(ctx context.Context, videoID string, page, limit int) ([]Comment, error) {
	rows, err := e.db.Query(ctx,
		`SELECT c.id, c.user_id, c.body, c.created_at, u.name, COALESCE(u.handle, '')
		 FROM video_comments c
		 JOIN users u ON u.id = c.user_id
		 WHERE c.video_id = $1
		 ORDER BY c.created_at DESC, c.id DESC
		 LIMIT $2 OFFSET $3`,
		videoID, limit, page*limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	comments := make([]Comment, 0, limit)
	for rows.Next() {
		c := Comment{VideoID: videoID}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Body, &c.CreatedAt, &c.AuthorName, &c.AuthorHandle); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

// ToggleFollow follows or unfollows a creator and reports the new state.
func (e *Engagement) ToggleFollow(ctx context.Context, followerID, creatorID string) (following bool, err error) {
	if followerID == creatorID {
		return false, errCannotFollowSelf
	}

	tag, err := e.db.Exec(ctx,
		`DELETE FROM follows WHERE follower_id = $1 AND following_id = $2`,
		followerID, creatorID,
	)
	if err != nil {
		return false, fmt.Errorf("unfollow: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}

	if _, err := e.db.Exec(ctx,
		`INSERT INTO follows (follower_id, following_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		followerID, creatorID,
	); err != nil {
		if database.IsForeignKeyViolation(err) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("follow: %w", err)
	}
	return true, nil
}
