// Package backend defines the capability interface every LLM backend handle
// implements. The scheduler treats all backends polymorphically through it and
// never depends on a backend's native request or response shape.
package backend

import (
	"context"
	"time"

	"github.com/blueberrycongee/llmsched/pkg/types"
)

// Backend is a handle to one configured LLM backend. Implementations own their
// connection resources and must be safe for concurrent use.
type Backend interface {
	// ID returns the identifier the backend is registered under.
	ID() string

	// Descriptor returns the declared capabilities, pricing and weight.
	Descriptor() Descriptor

	// Send performs a non-streaming chat call.
	Send(ctx context.Context, req *types.Request) (*types.Response, error)

	// Stream opens a streaming chat call. The returned error covers connection
	// establishment only; failures after that surface from ChunkStream.Recv.
	Stream(ctx context.Context, req *types.Request) (ChunkStream, error)

	// ListModels fetches the models the backend currently serves.
	ListModels(ctx context.Context) ([]types.ModelDescriptor, error)

	// EstimateCost returns the expected price of req before it is sent.
	EstimateCost(req *types.Request) float64
}

// ChunkStream is a finite, non-restartable sequence of response chunks.
type ChunkStream interface {
	// Recv returns the next chunk, or io.EOF after the last one.
	Recv() (*types.StreamChunk, error)

	// Close releases resources associated with the stream.
	Close() error
}

// Validator is implemented by backends that can check their own configuration
// before being registered.
type Validator interface {
	Validate() error
}

// Descriptor is the static description of a backend.
type Descriptor struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Capabilities types.Capabilities `json:"capabilities"`
	Pricing      types.Pricing      `json:"pricing"`
	// PriorityWeight breaks ties between demoted candidates; higher goes first.
	PriorityWeight int `json:"priority_weight"`
	// Local backends run on the same host and are not preloaded at startup.
	Local bool `json:"local"`
}

// Config contains backend-specific configuration.
type Config struct {
	Name           string
	Type           string
	APIKey         string `json:"-"`
	BaseURL        string
	Models         []string
	Timeout        time.Duration
	Headers        map[string]string
	Capabilities   types.Capabilities
	Pricing        types.Pricing
	PriorityWeight int
	Local          bool

	// RateLimit caps local requests per second towards this backend (0 = off).
	RateLimit float64
	Burst     int

	AllowPrivateBaseURL bool
}

// Descriptor derives the static descriptor from the configuration.
func (c Config) Descriptor() Descriptor {
	return Descriptor{
		ID:             c.Name,
		Type:           c.Type,
		Capabilities:   c.Capabilities,
		Pricing:        c.Pricing,
		PriorityWeight: c.PriorityWeight,
		Local:          c.Local,
	}
}

// Factory creates backend handles from configuration.
type Factory func(cfg Config) (Backend, error)

// Registry is the read side of the backend registry consumed by the scheduler.
type Registry interface {
	Get(id string) (Backend, bool)
	All() []Descriptor
}

// DefaultCompletionTokens is assumed when a request does not set MaxTokens.
const DefaultCompletionTokens = 1000

// EstimateUsage approximates token counts for req at four characters per
// prompt token.
func EstimateUsage(req *types.Request) *types.Usage {
	if req == nil {
		return &types.Usage{}
	}
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	prompt := chars / 4
	completion := req.MaxTokens
	if completion == 0 {
		completion = DefaultCompletionTokens
	}
	return &types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// EstimateCost prices the estimated usage of req.
func EstimateCost(p types.Pricing, req *types.Request) float64 {
	return p.Cost(EstimateUsage(req))
}
