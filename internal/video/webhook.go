package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vidrelay/vidrelay/internal/httputil"
	"github.com/vidrelay/vidrelay/internal/provider"
)

const maxWebhookBodyBytes = 64 << 10

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// ProviderWebhook authenticates and applies one provider callback. Anything
// accepted gets a 200, including unknown event types and lookup misses, so the
// provider does not retry needlessly.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	adapter, ok := h.registry.Get(name)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	evt, err := provider.Normalize(adapter, provider.Delivery{
		Body:   body,
		Header: r.Header,
		Query:  r.URL.Query(),
	})
	if err != nil {
		if errors.Is(err, provider.ErrAuth) {
			slog.Warn("webhook: authentication failed", "provider", name, "error", err)
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		slog.Warn("webhook: rejected malformed payload", "provider", name, "error", err)
		httputil.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ctx := r.Context()
	if evt.DeliveryID != "" {
		if err := h.claimDelivery(ctx, evt); err != nil {
			if errors.Is(err, ErrConflict) {
				slog.Info("webhook: duplicate delivery skipped", "provider", name, "delivery_id", evt.DeliveryID, "type", evt.RawType)
				httputil.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: true})
				return
			}
			slog.Error("webhook: failed to record delivery", "provider", name, "delivery_id", evt.DeliveryID, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
			return
		}
	}

	outcome, err := h.reconciler.Apply(ctx, evt)
	if err != nil || outcome == OutcomeDeferred {
		h.releaseDelivery(ctx, evt)
	}
	if err != nil {
		var upstream *provider.UpstreamError
		if errors.As(err, &upstream) {
			slog.Warn("webhook: deferring event until provider detail is available",
				"provider", name, "type", evt.RawType, "asset_ref", evt.AssetRef, "error", err)
			httputil.WriteError(w, http.StatusServiceUnavailable, "playback not yet available")
			return
		}
		slog.Error("webhook: failed to apply event", "provider", name, "type", evt.RawType, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	slog.Debug("webhook: event processed", "provider", name, "type", evt.RawType, "outcome", outcome)
	httputil.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})
}

// claimDelivery records the delivery id. ErrConflict means it was already
// processed.
func (h *Handler) claimDelivery(ctx context.Context, evt *provider.Event) error {
	tag, err := h.db.Exec(ctx,
		`INSERT INTO webhook_deliveries (provider, delivery_id, event_type)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		evt.Provider, evt.DeliveryID, evt.RawType,
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// releaseDelivery forgets a delivery that did not take effect so a provider
// retry can apply it.
func (h *Handler) releaseDelivery(ctx context.Context, evt *provider.Event) {
	if evt.DeliveryID == "" {
		return
	}
	if _, err := h.db.Exec(ctx,
		`DELETE FROM webhook_deliveries WHERE provider = $1 AND delivery_id = $2`,
		evt.Provider, evt.DeliveryID,
	); err != nil {
		slog.Error("webhook: failed to release delivery", "provider", evt.Provider, "delivery_id", evt.DeliveryID, "error", err)
	}
}
