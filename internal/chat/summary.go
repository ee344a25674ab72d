package chat

import (
	"context"
	"fmt"
	"strings"

	"llm-relay/internal/models"
	"llm-relay/internal/router"
)

const summaryPrompt = "Summarize the conversation below for a model that will continue it. " +
	"Keep facts, names, decisions and open questions. Be concise and write in plain prose."

// Summarizer condenses excluded history. prior is the previous summary, if any.
type Summarizer interface {
	Summarize(ctx context.Context, model, prior string, messages []models.ChatMessage) (string, error)
}

// ModelSummarizer asks a chat model for the summary.
type ModelSummarizer struct {
	router *router.Router
	// model overrides the turn's model when set.
	model string
}

// NewModelSummarizer returns a summarizer backed by r.
func NewModelSummarizer(r *router.Router, model string) *ModelSummarizer {
	return &ModelSummarizer{router: r, model: model}
}

func (s *ModelSummarizer) Summarize(ctx context.Context, model, prior string, messages []models.ChatMessage) (string, error) {
	if s.model != "" {
		model = s.model
	}

	var transcript strings.Builder
	if prior != "" {
		transcript.WriteString("Earlier summary:\n")
		transcript.WriteString(prior)
		transcript.WriteString("\n\n")
	}
	for _, msg := range messages {
		text := msg.Content.String()
		if text == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, text)
	}

	temperature := 0.2
	resp, _, err := s.router.Chat(ctx, models.ChatRequest{
		Model: model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: models.Text(summaryPrompt)},
			{Role: models.RoleUser, Content: models.Text(transcript.String())},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func summaryMessage(content string) models.ChatMessage {
	return models.ChatMessage{
		Role:    models.RoleSystem,
		Content: models.Text("Summary of the earlier conversation:\n" + content),
	}
}
