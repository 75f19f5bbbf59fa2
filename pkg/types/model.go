package types

// ModelDescriptor describes one model served by a backend.
type ModelDescriptor struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	MaxTokens     int          `json:"max_tokens,omitempty"`
	ContextWindow int          `json:"context_window,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
	Pricing       Pricing      `json:"pricing"`
	Description   string       `json:"description,omitempty"`
	Deprecated    bool         `json:"deprecated,omitempty"`
}

// Capabilities are the feature flags a backend or model declares.
type Capabilities struct {
	SupportsImages          bool `json:"supports_images" yaml:"supports_images"`
	SupportsStreaming       bool `json:"supports_streaming" yaml:"supports_streaming"`
	SupportsPromptCache     bool `json:"supports_prompt_cache" yaml:"supports_prompt_cache"`
	SupportsReasoningBudget bool `json:"supports_reasoning_budget" yaml:"supports_reasoning_budget"`
}

// Pricing holds prices per million tokens.
type Pricing struct {
	InputPrice       float64 `json:"input_price" yaml:"input_price"`
	OutputPrice      float64 `json:"output_price" yaml:"output_price"`
	CacheWritesPrice float64 `json:"cache_writes_price,omitempty" yaml:"cache_writes_price"`
	CacheReadsPrice  float64 `json:"cache_reads_price,omitempty" yaml:"cache_reads_price"`
}

const perMillion = 1_000_000.0

// Cost returns the price of u under p.
func (p Pricing) Cost(u *Usage) float64 {
	if u == nil {
		return 0
	}
	cost := float64(u.PromptTokens)/perMillion*p.InputPrice +
		float64(u.CompletionTokens)/perMillion*p.OutputPrice
	if u.CacheCreationInputTokens > 0 {
		cost += float64(u.CacheCreationInputTokens) / perMillion * p.CacheWritesPrice
	}
	if u.CacheReadInputTokens > 0 {
		cost += float64(u.CacheReadInputTokens) / perMillion * p.CacheReadsPrice
	}
	return cost
}

// IsZero reports whether no price is configured.
func (p Pricing) IsZero() bool {
	return p == Pricing{}
}

// FindModel returns the first non-deprecated descriptor with the given id.
func FindModel(models []ModelDescriptor, id string) (ModelDescriptor, bool) {
	for _, m := range models {
		if m.ID == id && !m.Deprecated {
			return m, true
		}
	}
	return ModelDescriptor{}, false
}
