// Package store defines the persistence collaborators of the chat
// orchestrator and ships in-memory and SQLite implementations.
package store

import (
	"context"
	"errors"
	"time"

	"llm-relay/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Message is one persisted conversation turn.
type Message struct {
	ID              string               `json:"id"`
	ConversationID  string               `json:"conversation_id"`
	ParentMessageID string               `json:"parent_message_id,omitempty"`
	Role            models.Role          `json:"role"`
	Content         models.Content       `json:"content"`
	ToolCalls       []models.ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID      string               `json:"tool_call_id,omitempty"`
	Model           string               `json:"model,omitempty"`
	Provider        string               `json:"provider,omitempty"`
	TokenCount      int                  `json:"token_count"`
	FinishReason    *models.FinishReason `json:"finish_reason,omitempty"`
	Error           bool                 `json:"error,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

// ChatMessage converts the record to the canonical message shape.
func (m Message) ChatMessage() models.ChatMessage {
	return models.ChatMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// Conversation groups messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary condenses the history up to and including UpToMessageID.
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	UpToMessageID  string    `json:"up_to_message_id"`
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageStore persists conversation turns.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg Message) error
	// FindByConversation returns messages oldest first.
	FindByConversation(ctx context.Context, conversationID string) ([]Message, error)
	UpdateMessage(ctx context.Context, msg Message) error
}

// ConversationStore persists conversations and their summaries.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	UpdateConversation(ctx context.Context, conv Conversation) error
	GetSummary(ctx context.Context, conversationID string) (Summary, error)
	SaveSummary(ctx context.Context, summary Summary) error
}

// AbortStore holds out-of-band stop flags keyed by message id.
type AbortStore interface {
	Put(ctx context.Context, key string, ttl time.Duration) error
	// Get reports whether a live flag exists. Expired flags read as absent.
	Get(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Store bundles every collaborator.
type Store interface {
	MessageStore
	ConversationStore
	AbortStore
	Close() error
}
