// Package relay implements a backend handle that forwards requests to another
// llmsched server through its HTTP surface. It lets schedulers be chained
// (for example a regional scheduler in front of per-site schedulers) without
// this module speaking any vendor-specific protocol.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmsched/internal/httputil"
	"github.com/blueberrycongee/llmsched/internal/observability"
	"github.com/blueberrycongee/llmsched/internal/streaming"
	"github.com/blueberrycongee/llmsched/pkg/backend"
	llmerrors "github.com/blueberrycongee/llmsched/pkg/errors"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

const (
	// TypeName is the backend type this package registers under.
	TypeName = "relay"

	ChatPath   = "/v1/chat"
	ModelsPath = "/v1/models"

	maxErrorBody = 64 << 10
)

// Backend forwards calls to a remote llmsched server.
type Backend struct {
	cfg     backend.Config
	baseURL string
	client  *http.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient sets the HTTP client used for all calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.client = c
	}
}

// New creates a relay backend.
func New(cfg backend.Config, opts ...Option) *Backend {
	b := &Backend{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromConfig creates a backend from a Config struct.
func NewFromConfig(cfg backend.Config) (backend.Backend, error) {
	return New(cfg), nil
}

// ID returns the configured backend name.
func (b *Backend) ID() string { return b.cfg.Name }

// Descriptor returns the configured descriptor.
func (b *Backend) Descriptor() backend.Descriptor {
	d := b.cfg.Descriptor()
	d.Type = TypeName
	return d
}

// Validate checks that the base URL names a reachable llmsched server root.
func (b *Backend) Validate() error {
	if b.baseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	root, err := parseEndpoint(b.baseURL, b.cfg.AllowPrivateBaseURL)
	if err != nil {
		return err
	}
	b.baseURL = root.String()
	return nil
}

// EstimateCost prices the estimated usage of req.
func (b *Backend) EstimateCost(req *types.Request) float64 {
	return backend.EstimateCost(b.cfg.Pricing, req)
}

// Send performs a non-streaming chat call.
func (b *Backend) Send(ctx context.Context, req *types.Request) (*types.Response, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	resp, err := b.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.mapError(req.Model, resp)
	}

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return nil, llmerrors.NewConnectionError(b.cfg.Name, fmt.Errorf("read response: %w", err))
	}
	var out types.Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, llmerrors.NewInternalError(b.cfg.Name, req.Model, "decode response: "+err.Error())
	}
	return &out, nil
}

// Stream opens a streaming chat call.
func (b *Backend) Stream(ctx context.Context, req *types.Request) (backend.ChunkStream, error) {
	resp, err := b.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, b.mapError(req.Model, resp)
	}
	return &chunkStream{
		backendID: b.cfg.Name,
		body:      resp.Body,
		decoder:   streaming.NewDecoder(resp.Body),
	}, nil
}

// ListModels fetches the remote model list.
func (b *Backend) ListModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+ModelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(ctx, httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, llmerrors.AsBackendError(b.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.mapError("", resp)
	}

	var list struct {
		Data []types.ModelDescriptor `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return list.Data, nil
}

func (b *Backend) post(ctx context.Context, req *types.Request, stream bool) (*http.Response, error) {
	// The override named this backend locally; the remote picks its own.
	out := req.Clone()
	out.Backend = ""
	out.Stream = stream

	body, err := json.Marshal(out)
	if err != nil {
		return nil, llmerrors.NewInvalidRequestError(b.cfg.Name, req.Model, "marshal request: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+ChatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", streaming.ContentType)
	}
	b.setHeaders(ctx, httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, llmerrors.AsBackendError(b.cfg.Name, err)
	}
	return resp, nil
}

func (b *Backend) setHeaders(ctx context.Context, r *http.Request) {
	if id := observability.RequestIDFromContext(ctx); id != "" {
		r.Header.Set(observability.RequestIDHeader, id)
	}
	if b.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	for k, v := range b.cfg.Headers {
		r.Header.Set(k, v)
	}
}

// mapError converts an error response from the remote server.
func (b *Backend) mapError(model string, resp *http.Response) error {
	body, _ := httputil.ReadLimitedBody(resp.Body, maxErrorBody)

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	message := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return llmerrors.FromStatus(b.cfg.Name, model, resp.StatusCode, message)
}

type chunkStream struct {
	backendID string
	body      io.ReadCloser
	decoder   *streaming.Decoder

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Recv returns the next chunk. A remote error chunk is surfaced as an error.
// Recv must not be called concurrently; Close unblocks it.
func (s *chunkStream) Recv() (*types.StreamChunk, error) {
	if s.closed.Load() {
		return nil, io.EOF
	}

	chunk, err := s.decoder.Next()
	if err != nil {
		if err == io.EOF || s.closed.Load() {
			return nil, io.EOF
		}
		return nil, llmerrors.AsBackendError(s.backendID, err)
	}
	if chunk.IsError() {
		return nil, llmerrors.NewServiceUnavailableError(s.backendID, chunk.Model, "remote stream failed: "+chunk.Error.Message)
	}
	return chunk, nil
}

// Close releases the response body. It is safe to call more than once and
// from another goroutine than the reader.
func (s *chunkStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
