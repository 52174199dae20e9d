package schemas

import "time"

// CapabilityClass is a provider's declared role. Phase policies name the
// class they prefer; the router resolves it to a ranked provider.
type CapabilityClass string

const (
	// ClassFast favors latency over depth. Used for recon-style queries.
	ClassFast CapabilityClass = "fast"
	// ClassDeep favors reasoning quality. Used for analysis and exploitation.
	ClassDeep CapabilityClass = "deep"
	// ClassCode is specialized for code and payload generation.
	ClassCode CapabilityClass = "code"
)

// HealthState is the router's view of a provider backend. Health is global
// across sessions: a provider rate-limiting one session is rate-limiting all.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnavailable HealthState = "unavailable"
)

// ProviderConfig identifies one AI backend and its credentials. Rank orders
// providers within a class; lower rank is preferred.
type ProviderConfig struct {
	Name       string          `mapstructure:"name" json:"name"`
	Class      CapabilityClass `mapstructure:"class" json:"class"`
	Model      string          `mapstructure:"model" json:"model"`
	APIKey     string          `mapstructure:"api_key" json:"-"`
	Endpoint   string          `mapstructure:"endpoint" json:"endpoint,omitempty"`
	Rank       int             `mapstructure:"rank" json:"rank"`
	APITimeout time.Duration   `mapstructure:"api_timeout" json:"api_timeout"`
}

// CompletionRequest is the uniform request shape handed to any provider.
// Concrete wire formats are the providers' own business.
type CompletionRequest struct {
	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	Temperature  float32 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	ForceJSON    bool    `json:"force_json"`
}

// ToolCall is a structured tool request extracted from a provider response.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// CompletionResponse is the normalized result of one provider call.
type CompletionResponse struct {
	Text             string     `json:"text"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	PromptTokens     int        `json:"prompt_tokens,omitempty"`
	CompletionTokens int        `json:"completion_tokens,omitempty"`
}
