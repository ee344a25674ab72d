// Package tasks holds the background work run after each orchestrated turn.
package tasks

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"llm-relay/internal/models"
	"llm-relay/internal/router"
)

const maxTitleRunes = 80

// Turn describes a completed exchange.
type Turn struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	NewConversation    bool
	Model              string
	UserText           string
	AssistantText      string
	FinishReason       models.FinishReason
}

// Sink receives the post-turn work. Implementations must be safe for
// concurrent use; the orchestrator runs the three calls in parallel.
type Sink interface {
	GenerateTitle(ctx context.Context, turn Turn) (string, error)
	ExtractMemory(ctx context.Context, turn Turn) error
	ExtractArtifacts(ctx context.Context, turn Turn) error
}

// LogSink records the calls and does nothing else.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s LogSink) GenerateTitle(ctx context.Context, turn Turn) (string, error) {
	s.logger().Debug("title generation skipped", zap.String("conversation_id", turn.ConversationID))
	return "", nil
}

func (s LogSink) ExtractMemory(ctx context.Context, turn Turn) error {
	s.logger().Debug("memory extraction skipped", zap.String("message_id", turn.AssistantMessageID))
	return nil
}

func (s LogSink) ExtractArtifacts(ctx context.Context, turn Turn) error {
	s.logger().Debug("artifact extraction skipped", zap.String("message_id", turn.AssistantMessageID))
	return nil
}

// ModelSink asks a model to title new conversations. Memory and artifact
// extraction are delegated to LogSink.
type ModelSink struct {
	LogSink
	router *router.Router
	model  string
}

// NewModelSink builds a sink that titles conversations with model, or with
// the turn's own model when model is empty.
func NewModelSink(r *router.Router, model string, logger *zap.Logger) *ModelSink {
	return &ModelSink{LogSink: LogSink{Logger: logger}, router: r, model: model}
}

func (s *ModelSink) GenerateTitle(ctx context.Context, turn Turn) (string, error) {
	if !turn.NewConversation {
		return "", nil
	}
	model := s.model
	if model == "" {
		model = turn.Model
	}
	maxTokens := 24
	temperature := 0.2
	req := models.ChatRequest{
		Model: model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: models.Text("Write a short title of at most six words for the conversation below. Reply with the title only.")},
			{Role: models.RoleUser, Content: models.Text("User: " + turn.UserText + "\n\nAssistant: " + turn.AssistantText)},
		},
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	}
	resp, _, err := s.router.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return CleanTitle(resp.Content), nil
}

const titlePrefix = "title:"

// CleanTitle trims quotes, a "Title:" prefix and excess length from a
// model-written title.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) >= len(titlePrefix) && strings.EqualFold(s[:len(titlePrefix)], titlePrefix) {
		s = strings.TrimSpace(s[len(titlePrefix):])
	}
	s = strings.Trim(s, "\"'` *.")
	if r := []rune(s); len(r) > maxTitleRunes {
		s = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	return s
}
