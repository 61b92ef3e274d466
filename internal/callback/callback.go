// Package callback delivers signed lifecycle notifications to an operator
// endpoint when a video becomes playable or is removed.
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/vidrelay/vidrelay/internal/database"
)

const (
	maxResponseBodyBytes = 1024
	SignatureHeader      = "X-Vidrelay-Signature"
)

type Event struct {
	Name      string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type Client struct {
	db          database.DBTX
	http        *http.Client
	url         string
	secret      string
	clock       clockwork.Clock
	retryDelays []time.Duration
}

// New returns a client posting to url. An empty url yields a client whose
// Notify is a no-op.
func New(db database.DBTX, url, secret string) *Client {
	return &Client{
		db:          db,
		http:        &http.Client{Timeout: 10 * time.Second},
		url:         url,
		secret:      secret,
		clock:       clockwork.NewRealClock(),
		retryDelays: []time.Duration{1 * time.Second, 4 * time.Second},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// SignPayload computes HMAC-SHA256 of the payload using the secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Notify stamps and dispatches a named event.
func (c *Client) Notify(ctx context.Context, name string, data map[string]any) error {
	if !c.Enabled() {
		return nil
	}
	return c.Dispatch(ctx, Event{Name: name, Timestamp: c.clock.Now().UTC(), Data: data})
}

// Dispatch sends an event with up to 1+len(retryDelays) attempts. Every
// attempt is recorded in callback_deliveries.
func (c *Client) Dispatch(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	signature := SignPayload(c.secret, body)
	videoID, _ := event.Data["videoId"].(string)
	maxAttempts := 1 + len(c.retryDelays)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		statusCode, respBody, err := c.doPost(ctx, body, signature)
		c.logDelivery(ctx, videoID, event.Name, body, statusCode, respBody, attempt)

		if err == nil && statusCode != nil && *statusCode >= 200 && *statusCode < 300 {
			return nil
		}

		if err != nil {
			lastErr = err
		} else if statusCode != nil {
			lastErr = fmt.Errorf("callback returned status %d", *statusCode)
		}

		if attempt < maxAttempts {
			select {
			case <-c.clock.After(c.retryDelays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

func (c *Client) doPost(ctx context.Context, body []byte, signature string) (*int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err.Error(), err
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, int64(maxResponseBodyBytes)+1))
	respBody := string(respBytes)
	if len(respBody) > maxResponseBodyBytes {
		respBody = respBody[:maxResponseBodyBytes]
	}

	return &resp.StatusCode, respBody, nil
}

func (c *Client) logDelivery(ctx context.Context, videoID, event string, payload []byte, statusCode *int, responseBody string, attempt int) {
	if _, err := c.db.Exec(ctx,
		`INSERT INTO callback_deliveries (video_id, event, payload, status_code, response_body, attempt)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		videoID, event, payload, statusCode, responseBody, attempt,
	); err != nil {
		slog.Error("callback: failed to log delivery", "video_id", videoID, "event", event, "error", err)
	}
}

// Prune removes delivery log rows older than cutoff.
func (c *Client) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := c.db.Exec(ctx, `DELETE FROM callback_deliveries WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune callback deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
