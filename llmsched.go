// Package llmsched schedules chat requests across independently operated LLM
// backends. It picks an ordered list of candidate backends for each request,
// retries transient failures with capped exponential backoff, fails over to
// the next candidate, and keeps per-backend health, latency and cost records.
//
// Basic usage:
//
//	s, err := llmsched.New(
//	    llmsched.WithBackendConfigs(llmsched.BackendConfig{
//	        Name:    "eu",
//	        Type:    "relay",
//	        BaseURL: "https://eu.sched.example.com",
//	        APIKey:  os.Getenv("EU_KEY"),
//	    }),
//	    llmsched.WithDefaultBackend("eu"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	resp, err := s.Chat(ctx, &llmsched.Request{
//	    Messages: []llmsched.Message{
//	        llmsched.TextMessage(llmsched.RoleUser, "Hello!"),
//	    },
//	})
package llmsched

import (
	"github.com/blueberrycongee/llmsched/internal/health"
	"github.com/blueberrycongee/llmsched/internal/metacache"
	"github.com/blueberrycongee/llmsched/pkg/backend"
	"github.com/blueberrycongee/llmsched/pkg/errors"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

// Version is the current version of llmsched.
const Version = "0.3.0"

// Re-export request/response types so callers rarely need pkg/types.
type (
	Request         = types.Request
	Response        = types.Response
	Message         = types.Message
	ContentPart     = types.ContentPart
	StreamChunk     = types.StreamChunk
	Usage           = types.Usage
	ModelDescriptor = types.ModelDescriptor
	Capabilities    = types.Capabilities
	Pricing         = types.Pricing
	Priority        = types.Priority
)

// Re-export backend types.
type (
	// Backend is the capability interface every backend handle implements.
	Backend = backend.Backend

	// BackendConfig configures a backend built through the factory registry.
	BackendConfig = backend.Config

	// BackendDescriptor is the static description of a backend.
	BackendDescriptor = backend.Descriptor

	// HealthSnapshot is a read-only copy of a backend's health record.
	HealthSnapshot = health.Snapshot

	// MetadataStore is a shared second level for cached model lists.
	MetadataStore = metacache.Store

	// ModelListEntry is one cached model list.
	ModelListEntry = metacache.Entry
)

// Re-export error types.
type (
	BackendError           = errors.BackendError
	BackendFailure         = errors.BackendFailure
	ExhaustedError         = errors.ExhaustedError
	NoEligibleBackendError = errors.NoEligibleBackendError
	DeadlineExceededError  = errors.DeadlineExceededError
)

const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleTool      = types.RoleTool

	PriorityLow    = types.PriorityLow
	PriorityMedium = types.PriorityMedium
	PriorityHigh   = types.PriorityHigh
)

var (
	ErrNoEligibleBackend    = errors.ErrNoEligibleBackend
	ErrAllBackendsExhausted = errors.ErrAllBackendsExhausted
	ErrDeadlineExceeded     = errors.ErrDeadlineExceeded

	TextMessage  = types.TextMessage
	PartsMessage = types.PartsMessage
)
