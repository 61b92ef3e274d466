// Package provider adapts external transcoding services to a single upload and
// webhook vocabulary. Callers depend on Adapter and Event only.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"
)

type Kind string

const (
	KindUploadCompleted   Kind = "upload_completed"
	KindProcessingStarted Kind = "processing_started"
	KindReady             Kind = "ready"
	KindUploadFailed      Kind = "upload_failed"
	KindProcessingFailed  Kind = "processing_failed"
	KindUploadCancelled   Kind = "upload_cancelled"
	KindUnknown           Kind = "unknown"
)

// Delivery is one inbound webhook request as received.
type Delivery struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

// Event is a provider callback mapped onto Kind. UploadRef and AssetRef are
// whichever correlation handles the provider included.
type Event struct {
	Provider        string
	DeliveryID      string
	Kind            Kind
	RawType         string
	UploadRef       string
	AssetRef        string
	PlaybackRefs    []string
	DurationSeconds *float64
	ErrorMessage    string
}

type UploadSessionRequest struct {
	Title  string
	Expiry time.Duration
}

// UploadTarget tells the client where and how to send the raw bytes.
type UploadTarget struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

type UploadSession struct {
	UploadRef string
	Target    UploadTarget
}

type AssetDetail struct {
	AssetRef        string
	Status          string
	PlaybackRefs    []string
	DurationSeconds float64
}

type Adapter interface {
	Name() string
	CreateUploadSession(ctx context.Context, req UploadSessionRequest) (*UploadSession, error)
	FetchAssetDetail(ctx context.Context, assetRef string) (*AssetDetail, error)
	CancelUploadSession(ctx context.Context, uploadRef string) error
	VerifyWebhook(d Delivery) error
	DecodeWebhook(d Delivery) (*Event, error)
}

// ErrAuth is returned (wrapped) when a webhook fails authentication.
var ErrAuth = errors.New("webhook authentication failed")

type DecodeError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s webhook: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s webhook: %s", e.Provider, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UpstreamError describes a failed call to a provider API.
type UpstreamError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Normalize authenticates a delivery and decodes it. Nothing in the body is
// read before verification succeeds.
func Normalize(a Adapter, d Delivery) (*Event, error) {
	if err := a.VerifyWebhook(d); err != nil {
		return nil, err
	}
	return a.DecodeWebhook(d)
}

// Registry holds the configured adapters by name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Name()] = a
		}
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const maxErrorBodyBytes = 1024

func doJSON(client *http.Client, req *http.Request, providerName, op string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return &UpstreamError{Provider: providerName, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &UpstreamError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Err: errors.New(string(body))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Provider: providerName, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
