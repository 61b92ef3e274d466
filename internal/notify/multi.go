package notify

import (
	"context"
	"log/slog"

	"github.com/vidrelay/vidrelay/internal/video"
)

var _ video.LifecycleNotifier = (*Multi)(nil)

// Multi fans out lifecycle events to all registered notifiers.
type Multi struct {
	notifiers []video.LifecycleNotifier
}

func NewMulti(notifiers ...video.LifecycleNotifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) Len() int {
	return len(m.notifiers)
}

// Notify delivers to every notifier; one failing does not stop the others.
func (m *Multi) Notify(ctx context.Context, event string, data map[string]any) error {
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, event, data); err != nil {
			slog.Error("multi-notifier: notification failed", "event", event, "video_id", data["videoId"], "error", err)
		}
	}
	return nil
}
