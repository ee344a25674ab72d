package openai

import (
	"encoding/json"
	"errors"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/transport"
)

// streamExtras carries the fields go-openai does not model: mid-stream
// error objects and Groq's x_groq usage envelope.
type streamExtras struct {
	Error *goopenai.APIError `json:"error"`
	XGroq *struct {
		Usage *goopenai.Usage `json:"usage"`
	} `json:"x_groq"`
}

// streamState normalizes chat.completion.chunk events. The finish reason is
// held back until the upstream closes so that a trailing usage-only chunk
// can be folded into the terminal chunk.
type streamState struct {
	provider string
	id       string
	model    string
	finish   *models.FinishReason
	usage    *models.Usage
	sawTools bool
}

func (s *streamState) run(reader *transport.SSEReader, emit provider.Emit) error {
	for {
		payload, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return s.finishStream(emit)
		}
		if err != nil {
			return err
		}

		var extras streamExtras
		if err := json.Unmarshal([]byte(payload), &extras); err == nil {
			if extras.Error != nil && extras.Error.Message != "" {
				return s.streamError(extras.Error)
			}
			if extras.XGroq != nil && extras.XGroq.Usage != nil {
				u := toUsage(*extras.XGroq.Usage)
				s.usage = &u
			}
		}

		var event goopenai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if err := s.handle(event, emit); err != nil {
			return err
		}
	}
}

func (s *streamState) handle(event goopenai.ChatCompletionStreamResponse, emit provider.Emit) error {
	if event.ID != "" {
		s.id = event.ID
	}
	if event.Model != "" {
		s.model = event.Model
	}
	if event.Usage != nil {
		u := toUsage(*event.Usage)
		s.usage = &u
	}

	for _, choice := range event.Choices {
		if choice.Index != 0 {
			continue
		}
		delta := models.Delta{Content: choice.Delta.Content}
		for i, tc := range choice.Delta.ToolCalls {
			index := i
			if tc.Index != nil {
				index = *tc.Index
			}
			delta.ToolCalls = append(delta.ToolCalls, models.ToolCallDelta{
				Index:        index,
				ID:           tc.ID,
				FunctionName: tc.Function.Name,
				Arguments:    tc.Function.Arguments,
			})
		}
		if len(delta.ToolCalls) > 0 {
			s.sawTools = true
		}
		if delta.Content != "" || len(delta.ToolCalls) > 0 {
			if choice.Delta.Role == goopenai.ChatMessageRoleAssistant {
				delta.Role = models.RoleAssistant
			}
			if err := emit(s.chunk(delta)); err != nil {
				return err
			}
		}
		if reason := mapFinishReason(string(choice.FinishReason), s.sawTools); reason != nil {
			s.finish = reason
		}
	}
	return nil
}

// finishStream emits the held terminal chunk. A stream that closes without
// a finish reason returns nil and is reported as truncated by the caller.
func (s *streamState) finishStream(emit provider.Emit) error {
	if s.finish == nil {
		return nil
	}
	chunk := s.chunk(models.Delta{})
	chunk.FinishReason = s.finish
	chunk.Usage = s.usage
	return emit(chunk)
}

func (s *streamState) streamError(apiErr *goopenai.APIError) error {
	status := apiErr.HTTPStatusCode
	if pe := toProviderError(s.provider, status, apiErr); pe != nil {
		return pe
	}
	return models.NewProviderError(s.provider, models.ErrServer, status, apiErr.Message)
}

func (s *streamState) chunk(delta models.Delta) models.StreamChunk {
	return models.StreamChunk{ID: s.id, Model: s.model, Delta: delta}
}
