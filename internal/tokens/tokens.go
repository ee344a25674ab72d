// Package tokens estimates prompt sizes with a character heuristic. The
// numbers are approximations tuned per upstream, not tokenizer output.
package tokens

import (
	"unicode/utf8"

	"llm-relay/internal/models"
)

const charsPerToken = 4

// Profile holds the per-upstream overhead constants.
type Profile struct {
	PerMessage   int
	PerName      int
	ReplyPriming int
	PerImage     int
	PerToolCall  int
}

var (
	// OpenAI covers the OpenAI-compatible family.
	OpenAI = Profile{PerMessage: 4, PerName: 1, ReplyPriming: 3, PerImage: 765, PerToolCall: 3}
	// Anthropic charges a flat estimate per image and no message framing.
	Anthropic = Profile{PerImage: 1600}
	// Google bills images at a fixed 258 tokens.
	Google = Profile{PerImage: 258}
	// Ollama has no published framing; only text is counted.
	Ollama = Profile{PerMessage: 4, PerImage: 765}
)

// Estimate returns the token estimate for a string, rounded up.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// Message estimates one message without reply priming.
func (p Profile) Message(m models.ChatMessage) int {
	total := p.PerMessage + Estimate(string(m.Role))
	for _, part := range m.Content.Parts() {
		switch part.Type {
		case models.PartText:
			total += Estimate(part.Text)
		case models.PartImage:
			total += p.PerImage
		}
	}
	if m.Name != "" {
		total += p.PerName + Estimate(m.Name)
	}
	for _, call := range m.ToolCalls {
		total += p.PerToolCall + Estimate(call.FunctionName) + Estimate(call.Arguments)
	}
	if m.ToolCallID != "" {
		total += Estimate(m.ToolCallID)
	}
	return total
}

// Count estimates a full prompt.
func (p Profile) Count(messages []models.ChatMessage) int {
	if len(messages) == 0 {
		return 0
	}
	total := p.ReplyPriming
	for _, m := range messages {
		total += p.Message(m)
	}
	return total
}

// ForKind returns the profile used by a provider kind.
func ForKind(kind string) Profile {
	switch kind {
	case "anthropic":
		return Anthropic
	case "google":
		return Google
	case "ollama":
		return Ollama
	default:
		return OpenAI
	}
}
