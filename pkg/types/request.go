// Package types defines the normalized request, response and model descriptor
// structures shared by the scheduler and every backend handle.
package types //nolint:revive // package name is intentional

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Priority is a caller-supplied hint used when ordering candidates.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is empty or one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Content part types.
const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
)

// Request is the abstract chat request submitted to the scheduler.
// The scheduler never mutates a submitted Request; per-attempt adjustments
// are made on a Clone.
type Request struct {
	// Model optionally pins a model id. Backends whose model list is known
	// and does not contain it are not considered.
	Model           string    `json:"model,omitempty"`
	Messages        []Message `json:"messages"`
	Stream          bool      `json:"stream,omitempty"`
	MaxTokens       int       `json:"max_tokens,omitempty"`
	Temperature     *float64  `json:"temperature,omitempty"`
	ReasoningBudget int       `json:"reasoning_budget,omitempty"`
	User            string    `json:"user,omitempty"`

	// Backend forces a single backend. No failover happens when it is set.
	Backend  string   `json:"backend,omitempty"`
	Priority Priority `json:"priority,omitempty"`

	// Extra holds backend-specific parameters that are passed through unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

var requestKnownFields = map[string]struct{}{
	"model":            {},
	"messages":         {},
	"stream":           {},
	"max_tokens":       {},
	"temperature":      {},
	"reasoning_budget": {},
	"user":             {},
	"backend":          {},
	"priority":         {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r Request) MarshalJSON() ([]byte, error) {
	type Alias Request

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}
	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}
	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *Request) UnmarshalJSON(data []byte) error {
	type Alias Request

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = Request(parsed)
	for key := range requestKnownFields {
		delete(payload, key)
	}
	if len(payload) == 0 {
		r.Extra = nil
	} else {
		r.Extra = payload
	}
	return nil
}

// Validate checks the structural requirements of a request.
func (r *Request) Validate() error {
	if r == nil {
		return errors.New("request is nil")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
		if _, err := m.Parts(); err != nil {
			return fmt.Errorf("messages[%d]: invalid content: %w", i, err)
		}
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	if r.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	return nil
}

// RequiresImages reports whether any message carries an image part.
// Content that cannot be parsed is assumed to carry one.
func (r *Request) RequiresImages() bool {
	for i := range r.Messages {
		parts, err := r.Messages[i].Parts()
		if err != nil {
			return true
		}
		for _, p := range parts {
			if p.Type == PartTypeImageURL {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy that can be adjusted without touching r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		for i, m := range r.Messages {
			out.Messages[i] = m.clone()
		}
	}
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single conversation entry. Content is either a JSON string
// or an array of ContentPart.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image attachment.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ToolCall represents a function call made by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TextMessage builds a message with plain string content.
func TextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// PartsMessage builds a message with multi-part content.
func PartsMessage(role string, parts ...ContentPart) Message {
	raw, _ := json.Marshal(parts)
	return Message{Role: role, Content: raw}
}

// Parts decodes the message content. String content is returned as a single
// text part.
func (m Message) Parts() ([]ContentPart, error) {
	trimmed := bytes.TrimSpace(m.Content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return []ContentPart{{Type: PartTypeText, Text: s}}, nil
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return nil, err
		}
		return parts, nil
	default:
		return nil, fmt.Errorf("unsupported content shape %q", trimmed[:1])
	}
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	parts, err := m.Parts()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, p := range parts {
		if p.Type == PartTypeText {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

func (m Message) clone() Message {
	out := m
	if m.Content != nil {
		out.Content = append(json.RawMessage(nil), m.Content...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}
