package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	muxgo "github.com/muxinc/mux-go/v5"
)

const (
	MuxName = "mux"

	muxSignatureHeader     = "Mux-Signature"
	muxSignatureTolerance  = 5 * time.Minute
	muxDefaultUploadExpiry = 10 * time.Minute
)

type MuxConfig struct {
	TokenID       string
	TokenSecret   string
	WebhookSecret string
	CORSOrigin    string
	Clock         clockwork.Clock
}

// muxAPI is the part of the Mux SDK the adapter calls.
type muxAPI interface {
	CreateDirectUpload(ctx context.Context, req muxgo.CreateUploadRequest) (muxgo.UploadResponse, error)
	GetAsset(ctx context.Context, assetID string) (muxgo.AssetResponse, error)
	CancelDirectUpload(ctx context.Context, uploadID string) error
}

type muxSDK struct {
	client *muxgo.APIClient
}

func newMuxSDK(tokenID, tokenSecret string) muxSDK {
	return muxSDK{client: muxgo.NewAPIClient(muxgo.NewConfiguration(
		muxgo.WithBasicAuth(tokenID, tokenSecret),
	))}
}

func (s muxSDK) CreateDirectUpload(ctx context.Context, req muxgo.CreateUploadRequest) (muxgo.UploadResponse, error) {
	return s.client.DirectUploadsApi.CreateDirectUpload(req, muxgo.WithContext(ctx))
}

func (s muxSDK) GetAsset(ctx context.Context, assetID string) (muxgo.AssetResponse, error) {
	return s.client.AssetsApi.GetAsset(assetID, muxgo.WithContext(ctx))
}

func (s muxSDK) CancelDirectUpload(ctx context.Context, uploadID string) error {
	_, err := s.client.DirectUploadsApi.CancelDirectUpload(uploadID, muxgo.WithContext(ctx))
	return err
}

type Mux struct {
	cfg   MuxConfig
	api   muxAPI
	clock clockwork.Clock
}

func NewMux(cfg MuxConfig) *Mux {
	return newMuxWithAPI(cfg, newMuxSDK(cfg.TokenID, cfg.TokenSecret))
}

func newMuxWithAPI(cfg MuxConfig, api muxAPI) *Mux {
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Mux{cfg: cfg, api: api, clock: clock}
}

func (m *Mux) Name() string { return MuxName }

func (m *Mux) CreateUploadSession(ctx context.Context, in UploadSessionRequest) (*UploadSession, error) {
	expiry := in.Expiry
	if expiry <= 0 {
		expiry = muxDefaultUploadExpiry
	}

	out, err := m.api.CreateDirectUpload(ctx, muxgo.CreateUploadRequest{
		NewAssetSettings: muxgo.CreateAssetRequest{
			PlaybackPolicy: []muxgo.PlaybackPolicy{muxgo.PUBLIC},
			Passthrough:    in.Title,
		},
		CorsOrigin: m.cfg.CORSOrigin,
		Timeout:    int32(expiry / time.Second),
	})
	if err != nil {
		return nil, &UpstreamError{Provider: MuxName, Op: "create upload", Err: err}
	}
	if out.Data.Id == "" || out.Data.Url == "" {
		return nil, &UpstreamError{Provider: MuxName, Op: "create upload", Err: fmt.Errorf("response missing upload id or url")}
	}

	return &UploadSession{
		UploadRef: out.Data.Id,
		Target: UploadTarget{
			URL:       out.Data.Url,
			Method:    http.MethodPut,
			ExpiresAt: m.clock.Now().Add(expiry).UTC(),
		},
	}, nil
}

type muxPlaybackID struct {
	ID     string `json:"id"`
	Policy string `json:"policy"`
}

func (m *Mux) FetchAssetDetail(ctx context.Context, assetRef string) (*AssetDetail, error) {
	out, err := m.api.GetAsset(ctx, assetRef)
	if err != nil {
		return nil, &UpstreamError{Provider: MuxName, Op: "fetch asset", Err: err}
	}

	ids := make([]muxPlaybackID, 0, len(out.Data.PlaybackIds))
	for _, p := range out.Data.PlaybackIds {
		ids = append(ids, muxPlaybackID{ID: p.Id, Policy: string(p.Policy)})
	}
	return &AssetDetail{
		AssetRef:        out.Data.Id,
		Status:          out.Data.Status,
		DurationSeconds: out.Data.Duration,
		PlaybackRefs:    orderPlaybackIDs(ids),
	}, nil
}

func (m *Mux) CancelUploadSession(ctx context.Context, uploadRef string) error {
	if err := m.api.CancelDirectUpload(ctx, uploadRef); err != nil {
		return &UpstreamError{Provider: MuxName, Op: "cancel upload", Err: err}
	}
	return nil
}

// VerifyWebhook checks the Mux-Signature header: t=<unix>,v1=<hex hmac>.
// The signed payload is "<t>.<body>".
func (m *Mux) VerifyWebhook(d Delivery) error {
	if m.cfg.WebhookSecret == "" {
		return fmt.Errorf("%w: mux webhook secret not configured", ErrAuth)
	}

	header := d.Header.Get(muxSignatureHeader)
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrAuth, muxSignatureHeader)
	}

	timestamp, signatures := parseMuxSignature(header)
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed signature header", ErrAuth)
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed signature timestamp", ErrAuth)
	}
	age := m.clock.Now().Sub(time.Unix(unix, 0))
	if age > muxSignatureTolerance || age < -muxSignatureTolerance {
		return fmt.Errorf("%w: signature timestamp outside tolerance", ErrAuth)
	}

	expected := []byte(SignMuxPayload(m.cfg.WebhookSecret, timestamp, d.Body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", ErrAuth)
}

// SignMuxPayload returns the hex HMAC-SHA256 Mux sends in the v1 field.
func SignMuxPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseMuxSignature(header string) (timestamp string, signatures []string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	return timestamp, signatures
}

type muxWebhook struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data muxWebhookData `json:"data"`
}

type muxWebhookData struct {
	ID          string          `json:"id"`
	AssetID     string          `json:"asset_id"`
	UploadID    string          `json:"upload_id"`
	Status      string          `json:"status"`
	Duration    *float64        `json:"duration"`
	PlaybackIDs []muxPlaybackID `json:"playback_ids"`
	Error       *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	Errors *struct {
		Type     string   `json:"type"`
		Messages []string `json:"messages"`
	} `json:"errors"`
}

func (m *Mux) DecodeWebhook(d Delivery) (*Event, error) {
	var payload muxWebhook
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return nil, &DecodeError{Provider: MuxName, Reason: "invalid json", Err: err}
	}
	if payload.Type == "" {
		return nil, &DecodeError{Provider: MuxName, Reason: "missing event type"}
	}

	evt := &Event{
		Provider:   MuxName,
		DeliveryID: payload.ID,
		RawType:    payload.Type,
	}

	data := payload.Data
	switch payload.Type {
	case "video.upload.asset_created":
		evt.Kind = KindUploadCompleted
		evt.UploadRef = data.ID
		evt.AssetRef = data.AssetID
		if evt.UploadRef == "" || evt.AssetRef == "" {
			return nil, &DecodeError{Provider: MuxName, Reason: "asset_created requires upload id and asset id"}
		}
	case "video.upload.errored", "video.upload.cancelled":
		evt.Kind = KindUploadFailed
		if payload.Type == "video.upload.cancelled" {
			evt.Kind = KindUploadCancelled
		}
		evt.UploadRef = data.ID
		if data.Error != nil {
			evt.ErrorMessage = data.Error.Message
		}
		if evt.UploadRef == "" {
			return nil, &DecodeError{Provider: MuxName, Reason: payload.Type + " requires upload id"}
		}
	case "video.asset.created", "video.asset.ready", "video.asset.errored":
		switch payload.Type {
		case "video.asset.created":
			evt.Kind = KindProcessingStarted
		case "video.asset.ready":
			evt.Kind = KindReady
			evt.PlaybackRefs = orderPlaybackIDs(data.PlaybackIDs)
			evt.DurationSeconds = data.Duration
		default:
			evt.Kind = KindProcessingFailed
			if data.Errors != nil {
				evt.ErrorMessage = strings.Join(data.Errors.Messages, "; ")
			}
		}
		evt.AssetRef = data.ID
		evt.UploadRef = data.UploadID
		if evt.AssetRef == "" {
			return nil, &DecodeError{Provider: MuxName, Reason: payload.Type + " requires asset id"}
		}
	default:
		evt.Kind = KindUnknown
	}

	return evt, nil
}

// orderPlaybackIDs puts public playback ids first.
func orderPlaybackIDs(ids []muxPlaybackID) []string {
	var public, other []string
	for _, p := range ids {
		if p.ID == "" {
			continue
		}
		if p.Policy == "public" {
			public = append(public, p.ID)
		} else {
			other = append(other, p.ID)
		}
	}
	return append(public, other...)
}
