package chat

import (
	"llm-relay/internal/models"
)

// EventType names an outbound stream event.
type EventType string

const (
	EventStart   EventType = "start"
	EventMessage EventType = "message"
	EventTool    EventType = "tool"
	EventDone    EventType = "done"
	EventAbort   EventType = "abort"
	EventError   EventType = "error"
)

// Event is one element of the outbound stream. Data holds one of the
// payload types below; a done event carries *Result.
type Event struct {
	Type EventType
	Data any
}

// EmitFunc delivers events to the caller. A returned error is treated as
// the caller going away.
type EmitFunc func(Event) error

type StartEvent struct {
	ConversationID  string `json:"conversation_id"`
	MessageID       string `json:"message_id"`
	ParentMessageID string `json:"parent_message_id"`
	Model           string `json:"model"`
	Endpoint        string `json:"endpoint"`
}

type MessageEvent struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

type ToolEvent struct {
	ID    string `json:"id"`
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

type AbortEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
}

type ErrorEvent struct {
	Message   string           `json:"message"`
	Code      models.ErrorCode `json:"code,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
}

// Result describes a finished turn. The embedded response carries the
// canonical content, tool calls, finish reason and usage.
type Result struct {
	models.ChatResponse
	ConversationID  string  `json:"conversation_id"`
	MessageID       string  `json:"message_id"`
	UserMessageID   string  `json:"user_message_id"`
	ParentMessageID string  `json:"parent_message_id,omitempty"`
	Provider        string  `json:"provider"`
	Title           string  `json:"title,omitempty"`
	Cost            float64 `json:"cost"`
}

func errorEvent(err error, messageID string) Event {
	ev := ErrorEvent{Message: err.Error(), MessageID: messageID}
	if pe, ok := models.AsProviderError(err); ok {
		ev.Code = pe.Code
		ev.Message = pe.Message
	}
	return Event{Type: EventError, Data: ev}
}
