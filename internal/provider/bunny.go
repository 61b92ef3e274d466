package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	BunnyName = "bunny"

	bunnyDefaultBaseURL      = "https://video.bunnycdn.com"
	bunnyDefaultTUSEndpoint  = "https://video.bunnycdn.com/tusupload"
	bunnyDefaultEmbedBaseURL = "https://iframe.mediadelivery.net/embed"
	bunnyTokenHeader         = "X-Webhook-Token"
	bunnyDefaultUploadExpiry = 10 * time.Minute
)

// Bunny Stream video status codes, shared by webhooks and the video API.
const (
	bunnyStatusQueued                 = 0
	bunnyStatusProcessing             = 1
	bunnyStatusEncoding               = 2
	bunnyStatusFinished               = 3
	bunnyStatusResolutionFinished     = 4
	bunnyStatusFailed                 = 5
	bunnyStatusPresignedUploadStarted = 6
	bunnyStatusPresignedUploadDone    = 7
	bunnyStatusPresignedUploadFailed  = 8
)

type BunnyConfig struct {
	LibraryID    string
	APIKey       string
	WebhookToken string
	BaseURL      string
	TUSEndpoint  string
	EmbedBaseURL string
	Clock        clockwork.Clock
}

type Bunny struct {
	cfg   BunnyConfig
	http  *http.Client
	clock clockwork.Clock
}

func NewBunny(cfg BunnyConfig) *Bunny {
	if cfg.BaseURL == "" {
		cfg.BaseURL = bunnyDefaultBaseURL
	}
	if cfg.TUSEndpoint == "" {
		cfg.TUSEndpoint = bunnyDefaultTUSEndpoint
	}
	if cfg.EmbedBaseURL == "" {
		cfg.EmbedBaseURL = bunnyDefaultEmbedBaseURL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bunny{
		cfg:   cfg,
		http:  &http.Client{Timeout: 10 * time.Second},
		clock: clock,
	}
}

func (b *Bunny) Name() string { return BunnyName }

type bunnyVideo struct {
	GUID                 string `json:"guid"`
	Status               int    `json:"status"`
	Length               int    `json:"length"`
	AvailableResolutions string `json:"availableResolutions"`
}

// CreateUploadSession creates the library video and presigns a TUS upload for it.
func (b *Bunny) CreateUploadSession(ctx context.Context, in UploadSessionRequest) (*UploadSession, error) {
	expiry := in.Expiry
	if expiry <= 0 {
		expiry = bunnyDefaultUploadExpiry
	}

	body, err := json.Marshal(map[string]string{"title": in.Title})
	if err != nil {
		return nil, fmt.Errorf("marshal bunny create request: %w", err)
	}

	req, err := b.newRequest(ctx, http.MethodPost, "/videos", body)
	if err != nil {
		return nil, err
	}

	var video bunnyVideo
	if err := doJSON(b.http, req, BunnyName, "create video", &video); err != nil {
		return nil, err
	}
	if video.GUID == "" {
		return nil, &UpstreamError{Provider: BunnyName, Op: "create video", Err: fmt.Errorf("response missing video guid")}
	}

	expiresAt := b.clock.Now().Add(expiry)
	expires := strconv.FormatInt(expiresAt.Unix(), 10)

	return &UploadSession{
		UploadRef: video.GUID,
		Target: UploadTarget{
			URL:    b.cfg.TUSEndpoint,
			Method: http.MethodPost,
			Headers: map[string]string{
				"AuthorizationSignature": SignBunnyUpload(b.cfg.LibraryID, b.cfg.APIKey, expires, video.GUID),
				"AuthorizationExpire":    expires,
				"LibraryId":              b.cfg.LibraryID,
				"VideoId":                video.GUID,
			},
			ExpiresAt: expiresAt.UTC(),
		},
	}, nil
}

// SignBunnyUpload computes the TUS presign signature sha256(library + key + expires + guid).
func SignBunnyUpload(libraryID, apiKey, expires, videoGUID string) string {
	sum := sha256.Sum256([]byte(libraryID + apiKey + expires + videoGUID))
	return hex.EncodeToString(sum[:])
}

func (b *Bunny) FetchAssetDetail(ctx context.Context, assetRef string) (*AssetDetail, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/videos/"+url.PathEscape(assetRef), nil)
	if err != nil {
		return nil, err
	}

	var video bunnyVideo
	if err := doJSON(b.http, req, BunnyName, "fetch video", &video); err != nil {
		return nil, err
	}

	detail := &AssetDetail{
		AssetRef:        video.GUID,
		Status:          strconv.Itoa(video.Status),
		DurationSeconds: float64(video.Length),
	}
	if video.Status == bunnyStatusFinished || video.Status == bunnyStatusResolutionFinished || video.AvailableResolutions != "" {
		detail.PlaybackRefs = []string{b.embedURL(video.GUID)}
	}
	return detail, nil
}

func (b *Bunny) CancelUploadSession(ctx context.Context, uploadRef string) error {
	req, err := b.newRequest(ctx, http.MethodDelete, "/videos/"+url.PathEscape(uploadRef), nil)
	if err != nil {
		return err
	}
	return doJSON(b.http, req, BunnyName, "delete video", nil)
}

func (b *Bunny) embedURL(guid string) string {
	return fmt.Sprintf("%s/%s/%s", b.cfg.EmbedBaseURL, b.cfg.LibraryID, guid)
}

func (b *Bunny) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	endpoint := fmt.Sprintf("%s/library/%s%s", b.cfg.BaseURL, url.PathEscape(b.cfg.LibraryID), path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create bunny request: %w", err)
	}
	req.Header.Set("AccessKey", b.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// VerifyWebhook compares the shared token from the webhook URL (or the
// X-Webhook-Token header) in constant time.
func (b *Bunny) VerifyWebhook(d Delivery) error {
	if b.cfg.WebhookToken == "" {
		return fmt.Errorf("%w: bunny webhook token not configured", ErrAuth)
	}

	token := d.Query.Get("token")
	if token == "" {
		token = d.Header.Get(bunnyTokenHeader)
	}
	if token == "" {
		return fmt.Errorf("%w: missing webhook token", ErrAuth)
	}

	if !hmac.Equal([]byte(token), []byte(b.cfg.WebhookToken)) {
		return fmt.Errorf("%w: token mismatch", ErrAuth)
	}
	return nil
}

type bunnyWebhook struct {
	VideoLibraryID *int64 `json:"VideoLibraryId"`
	VideoGUID      string `json:"VideoGuid"`
	Status         *int   `json:"Status"`
}

func (b *Bunny) DecodeWebhook(d Delivery) (*Event, error) {
	var payload bunnyWebhook
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return nil, &DecodeError{Provider: BunnyName, Reason: "invalid json", Err: err}
	}
	if payload.VideoGUID == "" || payload.Status == nil {
		return nil, &DecodeError{Provider: BunnyName, Reason: "missing VideoGuid or Status"}
	}
	if payload.VideoLibraryID != nil && strconv.FormatInt(*payload.VideoLibraryID, 10) != b.cfg.LibraryID {
		return nil, &DecodeError{Provider: BunnyName, Reason: "unexpected video library"}
	}

	// The guid identifies both the upload and the encoded asset.
	evt := &Event{
		Provider:  BunnyName,
		RawType:   "status." + strconv.Itoa(*payload.Status),
		UploadRef: payload.VideoGUID,
		AssetRef:  payload.VideoGUID,
	}

	switch *payload.Status {
	case bunnyStatusPresignedUploadDone:
		evt.Kind = KindUploadCompleted
	case bunnyStatusQueued, bunnyStatusProcessing, bunnyStatusEncoding:
		evt.Kind = KindProcessingStarted
	case bunnyStatusFinished:
		evt.Kind = KindReady
	case bunnyStatusFailed:
		evt.Kind = KindProcessingFailed
	case bunnyStatusPresignedUploadFailed:
		evt.Kind = KindUploadFailed
	default:
		evt.Kind = KindUnknown
	}

	return evt, nil
}
