// Package api provides the HTTP surface of the llmsched server.
package api //nolint:revive // package name is intentional

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmsched"
	"github.com/blueberrycongee/llmsched/internal/httputil"
	"github.com/blueberrycongee/llmsched/internal/observability"
	"github.com/blueberrycongee/llmsched/internal/streaming"
	llmerrors "github.com/blueberrycongee/llmsched/pkg/errors"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

// Scheduler is the part of *llmsched.Scheduler the handlers use.
type Scheduler interface {
	Chat(ctx context.Context, req *llmsched.Request) (*llmsched.Response, error)
	ChatStream(ctx context.Context, req *llmsched.Request) (*llmsched.StreamReader, error)
	ListModels(ctx context.Context) ([]llmsched.ModelDescriptor, error)
	Metrics() map[string]llmsched.HealthSnapshot
	Backends() []llmsched.BackendDescriptor
	Close() error
}

// Handler serves chat, model and health endpoints from the current scheduler.
type Handler struct {
	schedulers  *SchedulerSwapper
	logger      *slog.Logger
	maxBodySize int64
}

// HandlerConfig contains configuration for Handler.
type HandlerConfig struct {
	MaxBodySize int64 // Maximum request body size in bytes
}

// NewHandler creates a handler backed by the swapper's current scheduler.
func NewHandler(schedulers *SchedulerSwapper, logger *slog.Logger, cfg *HandlerConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	maxBodySize := int64(DefaultMaxBodySize)
	if cfg != nil && cfg.MaxBodySize > 0 {
		maxBodySize = cfg.MaxBodySize
	}
	return &Handler{
		schedulers:  schedulers,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// Chat handles POST /v1/chat. A request with "stream": true is answered as
// an event stream; otherwise the response is a single JSON document.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	body, err := httputil.ReadLimitedBody(r.Body, h.maxBodySize)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		h.writeError(w, llmerrors.NewInvalidRequestError("", "", "request body too large"))
		return
	}
	if err != nil {
		h.writeError(w, llmerrors.NewInvalidRequestError("", "", "failed to read request body"))
		return
	}

	var req types.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, llmerrors.NewInvalidRequestError("", "", "invalid JSON: "+err.Error()))
		return
	}

	sched, release, ok := h.acquire(w)
	if !ok {
		return
	}
	defer release()

	if req.Stream {
		h.stream(w, r, sched, &req)
		return
	}

	resp, err := sched.Chat(r.Context(), &req)
	if err != nil {
		h.logFailure(r.Context(), "chat failed", err)
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, sched Scheduler, req *types.Request) {
	ctx := r.Context()

	sw, err := streaming.NewWriter(w)
	if err != nil {
		h.writeError(w, llmerrors.NewInternalError("", req.Model, "streaming not supported"))
		return
	}

	stream, err := sched.ChatStream(ctx, req)
	if err != nil {
		h.logFailure(ctx, "stream creation failed", err)
		h.writeError(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if writeErr := sw.WriteDone(); writeErr != nil {
				h.logger.DebugContext(ctx, "failed to write done marker", "error", writeErr)
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client disconnect is not an error worth logging at error level
				h.logger.DebugContext(ctx, "client disconnected during stream", "backend", stream.Backend())
				return
			}
			h.logFailure(ctx, "stream failed", err)
			if chunk != nil {
				_ = sw.WriteChunk(chunk)
			}
			return
		}
		if writeErr := sw.WriteChunk(chunk); writeErr != nil {
			h.logger.DebugContext(ctx, "failed to write chunk", "error", writeErr)
			return
		}
	}
}

// ListModels handles GET /v1/models with the union of all backends' models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	sched, release, ok := h.acquire(w)
	if !ok {
		return
	}
	defer release()

	models, err := sched.ListModels(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if models == nil {
		models = []types.ModelDescriptor{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// BackendStatus is one entry of the backends listing.
type BackendStatus struct {
	llmsched.BackendDescriptor
	Health llmsched.HealthSnapshot `json:"health"`
}

// ListBackends handles GET /v1/backends with descriptors and health records.
func (h *Handler) ListBackends(w http.ResponseWriter, _ *http.Request) {
	sched, release, ok := h.acquire(w)
	if !ok {
		return
	}
	defer release()

	snapshots := sched.Metrics()
	descs := sched.Backends()
	out := make([]BackendStatus, 0, len(descs))
	for _, d := range descs {
		out = append(out, BackendStatus{BackendDescriptor: d, Health: snapshots[d.ID]})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. The server is ready once at least one
// backend is registered.
func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	sched, release := h.schedulers.Acquire()
	defer release()

	if sched == nil || len(sched.Backends()) == 0 {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no backends"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	level := slog.LevelError
	if llmerrors.HTTPStatusCode(err) < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, msg,
		"error", err,
		"request_id", observability.RequestIDFromContext(ctx),
	)
}

// acquire returns the live scheduler, or writes 503 when the server is
// shutting down and there is none.
func (h *Handler) acquire(w http.ResponseWriter) (Scheduler, func(), bool) {
	sched, release := h.schedulers.Acquire()
	if sched == nil {
		release()
		h.writeError(w, llmerrors.NewServiceUnavailableError("", "", "scheduler is shutting down"))
		return nil, nil, false
	}
	return sched, release, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
