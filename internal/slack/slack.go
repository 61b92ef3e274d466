package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client posts lifecycle messages to a Slack incoming webhook.
type Client struct {
	webhookURL string
	http       *http.Client
}

func New(webhookURL string) *Client {
	return &Client{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.webhookURL != ""
}

type block struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	Elements []text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type payload struct {
	Blocks []block `json:"blocks"`
}

// Notify formats a lifecycle event. Unknown events are skipped.
func (c *Client) Notify(ctx context.Context, event string, data map[string]any) error {
	if !c.Enabled() {
		return nil
	}
	p, ok := messageFor(event, data)
	if !ok {
		slog.Debug("slack: no message for event", "event", event)
		return nil
	}
	return c.postMessage(ctx, p)
}

func messageFor(event string, data map[string]any) (payload, bool) {
	videoID := fmt.Sprint(data["videoId"])
	providerName := fmt.Sprint(data["provider"])

	switch event {
	case "video.ready":
		return payload{Blocks: []block{
			{
				Type: "section",
				Text: &text{Type: "mrkdwn", Text: fmt.Sprintf(":white_check_mark: *Video ready*\n`%s`", videoID)},
			},
			{
				Type: "context",
				Elements: []text{{
					Type: "mrkdwn",
					Text: fmt.Sprintf("%s · %vs · playback `%v`", providerName, data["durationSeconds"], data["playbackRef"]),
				}},
			},
		}}, true
	case "video.deleted":
		reason, _ := data["reason"].(string)
		if reason == "" {
			reason = fmt.Sprint(data["kind"])
		}
		return payload{Blocks: []block{
			{
				Type: "section",
				Text: &text{Type: "mrkdwn", Text: fmt.Sprintf(":wastebasket: *Video removed*\n`%s`", videoID)},
			},
			{
				Type:     "context",
				Elements: []text{{Type: "mrkdwn", Text: fmt.Sprintf("%s · %s", providerName, reason)}},
			},
		}}, true
	}
	return payload{}, false
}

func (c *Client) postMessage(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	return nil
}
