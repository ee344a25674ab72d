// Package contextbuilder selects the slice of conversation history that fits
// a model's context window.
package contextbuilder

import (
	"llm-relay/internal/models"
)

// Strategy decides what happens to history that does not fit.
type Strategy string

const (
	// Summarize flags excluded history for summarization.
	Summarize Strategy = "summarize"
	// Discard drops excluded history.
	Discard Strategy = "discard"
)

const (
	DefaultMinMessages = 2

	maxRequestedReserve = 4096
	reserveRatio        = 0.15
	minReserve          = 1024
	maxReserve          = 8192
)

// Counter estimates the tokens of a single message.
type Counter func(models.ChatMessage) int

// Options describes one build.
type Options struct {
	ContextWindow int
	// MaxTokens is the caller-requested output budget, if any.
	MaxTokens    *int
	SystemPrompt string
	Summary      string
	Strategy     Strategy
	MinMessages  int
}

// Result partitions the history. Excluded followed by Messages is always the
// original history.
type Result struct {
	Messages           []models.ChatMessage
	Excluded           []models.ChatMessage
	NeedsSummarization bool
	Available          int
	Reserve            int
	TokenCount         int
	// Overflow is set when forced messages pushed TokenCount past Available.
	Overflow bool
}

// Builder applies the window policy with a fixed token counter.
type Builder struct {
	count Counter
}

// New returns a Builder using count for per-message estimates.
func New(count Counter) *Builder {
	return &Builder{count: count}
}

// ResponseReserve returns the tokens held back for the model's answer.
func ResponseReserve(contextWindow int, maxTokens *int) int {
	if maxTokens != nil && *maxTokens > 0 {
		return min(*maxTokens, maxRequestedReserve)
	}
	reserve := int(float64(contextWindow) * reserveRatio)
	return max(minReserve, min(reserve, maxReserve))
}

// Build keeps the newest contiguous run of messages that fits the budget,
// extended to at least opts.MinMessages.
func (b *Builder) Build(history []models.ChatMessage, opts Options) Result {
	minMessages := opts.MinMessages
	if minMessages < 0 {
		minMessages = 0
	}

	reserve := ResponseReserve(opts.ContextWindow, opts.MaxTokens)
	available := opts.ContextWindow - reserve - b.textTokens(opts.SystemPrompt) - b.textTokens(opts.Summary)
	if available < 0 {
		available = 0
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := b.count(history[i])
		if used+cost > available {
			break
		}
		used += cost
		start = i
	}
	for start > 0 && len(history)-start < minMessages {
		start--
		used += b.count(history[start])
	}

	res := Result{
		Messages:   history[start:],
		Excluded:   history[:start],
		Available:  available,
		Reserve:    reserve,
		TokenCount: used,
		Overflow:   used > available,
	}
	if len(res.Excluded) > 0 && opts.Strategy != Discard {
		res.NeedsSummarization = true
	}
	return res
}

func (b *Builder) textTokens(text string) int {
	if text == "" {
		return 0
	}
	return b.count(models.ChatMessage{Role: models.RoleSystem, Content: models.Text(text)})
}
