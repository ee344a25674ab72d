package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role belongs to the closed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// FinishReason is the canonical reason a generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	// FinishCancelled marks assistant messages persisted after a caller abort.
	FinishCancelled FinishReason = "cancelled"
)

// Reason returns a pointer to f for use in optional finish_reason fields.
func Reason(f FinishReason) *FinishReason {
	return &f
}

// ChatMessage is a single conversational turn in the canonical schema.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a function invocation proposed by the assistant. Arguments
// stay a raw JSON string so streamed fragments can be concatenated.
type ToolCall struct {
	ID           string `json:"id"`
	FunctionName string `json:"function_name"`
	Arguments    string `json:"arguments"`
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolChoiceMode controls whether and how the model must call tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice is the tool-choice policy. FunctionName is set for ToolChoiceFunction.
type ToolChoice struct {
	Mode         ToolChoiceMode `json:"mode"`
	FunctionName string         `json:"function_name,omitempty"`
}

// SafetySetting is a provider-specific content safety threshold.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// ProviderHints carries optional provider-specific request knobs.
type ProviderHints struct {
	SystemPrompt   string          `json:"system_prompt,omitempty"`
	CacheControl   bool            `json:"cache_control,omitempty"`
	SafetySettings []SafetySetting `json:"safety_settings,omitempty"`
}

// ChatRequest is the canonical representation of a chat completion.
type ChatRequest struct {
	Model            string           `json:"model"`
	Messages         []ChatMessage    `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	TopK             *int             `json:"top_k,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	Seed             *int             `json:"seed,omitempty"`
	Tools            []ToolDefinition `json:"tools,omitempty"`
	ToolChoice       *ToolChoice      `json:"tool_choice,omitempty"`
	Hints            *ProviderHints   `json:"hints,omitempty"`
}

var (
	errEmptyModel    = errors.New("model must be provided")
	errEmptyMessages = errors.New("at least one message is required")
)

// Validate checks the structural invariants every adapter relies on.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, msg.Role)
		}
		if msg.Role == RoleTool && msg.ToolCallID == "" {
			return fmt.Errorf("message %d: tool message requires tool_call_id", i)
		}
		for _, part := range msg.Content.Parts() {
			if err := part.validate(); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
		}
	}
	if r.ToolChoice != nil && r.ToolChoice.Mode == ToolChoiceFunction && r.ToolChoice.FunctionName == "" {
		return errors.New("tool_choice function requires function_name")
	}
	return nil
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	CachedTokens     *int `json:"cached_tokens,omitempty"`
}

// NewUsage builds a Usage with the total derived from its parts.
func NewUsage(prompt, completion int) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// ChatResponse is a complete, non-streamed provider response.
type ChatResponse struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FinishReason *FinishReason `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
}

// Delta is the incremental payload of a stream chunk.
type Delta struct {
	Role      Role            `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a streamed tool call. Index identifies the
// call within one stream; Arguments must be concatenated across fragments.
type ToolCallDelta struct {
	Index        int    `json:"index"`
	ID           string `json:"id,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
	Arguments    string `json:"arguments,omitempty"`
}

// StreamChunk is one normalized element of a provider stream.
type StreamChunk struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Delta        Delta         `json:"delta"`
	FinishReason *FinishReason `json:"finish_reason"`
	Usage        *Usage        `json:"usage,omitempty"`
}

// Terminal reports whether the chunk closes the stream.
func (c StreamChunk) Terminal() bool {
	return c.FinishReason != nil
}

// ModelCapabilities lists optional features of a model.
type ModelCapabilities struct {
	Vision       bool `json:"vision" yaml:"vision"`
	Tools        bool `json:"tools" yaml:"tools"`
	Streaming    bool `json:"streaming" yaml:"streaming"`
	SystemPrompt bool `json:"system_prompt" yaml:"system_prompt"`
}

// Pricing is expressed in USD per million tokens.
type Pricing struct {
	InputPerMillion       float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion      float64 `json:"output_per_million" yaml:"output_per_million"`
	CachedInputPerMillion float64 `json:"cached_input_per_million,omitempty" yaml:"cached_input_per_million"`
}

// Cost returns the USD cost of the given usage.
func (p Pricing) Cost(u Usage) float64 {
	prompt := u.PromptTokens
	cached := 0
	if u.CachedTokens != nil && p.CachedInputPerMillion > 0 {
		cached = min(*u.CachedTokens, prompt)
		prompt -= cached
	}
	return (float64(prompt)*p.InputPerMillion +
		float64(cached)*p.CachedInputPerMillion +
		float64(u.CompletionTokens)*p.OutputPerMillion) / 1_000_000
}

// ModelConfig identifies a served model with its limits and metadata.
type ModelConfig struct {
	ID              string            `json:"id" yaml:"id"`
	Provider        string            `json:"provider" yaml:"-"`
	ContextWindow   int               `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int               `json:"max_output_tokens" yaml:"max_output_tokens"`
	Capabilities    ModelCapabilities `json:"capabilities" yaml:"capabilities"`
	Pricing         Pricing           `json:"pricing" yaml:"pricing"`
}
