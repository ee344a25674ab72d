package anthropic

import (
	"encoding/json"
	"errors"
	"io"

	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/transport"
)

type phase int

const (
	awaitingStart phase = iota
	streaming
	done
)

type streamEvent struct {
	Type         string            `json:"type"`
	Message      *messagesResponse `json:"message"`
	Index        int               `json:"index"`
	ContentBlock *contentBlock     `json:"content_block"`
	Delta        *streamDelta      `json:"delta"`
	Usage        *usage            `json:"usage"`
	Error        *apiError         `json:"error"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

// streamState follows the Messages event sequence:
// message_start, content blocks with deltas, message_delta, message_stop.
type streamState struct {
	provider string
	phase    phase
	id       string
	model    string
	input    usage
	tools    map[int]bool
}

func newStreamState(providerName, model string) *streamState {
	return &streamState{provider: providerName, model: model, tools: make(map[int]bool)}
}

func (s *streamState) run(reader *transport.SSEReader, emit provider.Emit) error {
	for s.phase != done {
		payload, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if err := s.handle(event, emit); err != nil {
			return err
		}
	}
	return nil
}

func (s *streamState) handle(event streamEvent, emit provider.Emit) error {
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			s.id = event.Message.ID
			if event.Message.Model != "" {
				s.model = event.Message.Model
			}
			s.input = event.Message.Usage
		}
		s.phase = streaming

	case "content_block_start":
		block := event.ContentBlock
		if block == nil {
			return nil
		}
		switch block.Type {
		case "tool_use":
			s.tools[event.Index] = true
			return emit(s.chunk(models.Delta{ToolCalls: []models.ToolCallDelta{{
				Index:        event.Index,
				ID:           block.ID,
				FunctionName: block.Name,
			}}}))
		case "text":
			if block.Text != "" {
				return emit(s.chunk(models.Delta{Content: block.Text}))
			}
		}

	case "content_block_delta":
		if event.Delta == nil {
			return nil
		}
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				return emit(s.chunk(models.Delta{Content: event.Delta.Text}))
			}
		case "input_json_delta":
			if event.Delta.PartialJSON == "" || !s.tools[event.Index] {
				return nil
			}
			return emit(s.chunk(models.Delta{ToolCalls: []models.ToolCallDelta{{
				Index:     event.Index,
				Arguments: event.Delta.PartialJSON,
			}}}))
		}

	case "message_delta":
		if event.Delta == nil || event.Delta.StopReason == "" {
			return nil
		}
		final := s.input
		if event.Usage != nil {
			final.OutputTokens = event.Usage.OutputTokens
			if event.Usage.InputTokens > 0 {
				final.InputTokens = event.Usage.InputTokens
			}
		}
		u := final.toCanonical()
		chunk := s.chunk(models.Delta{})
		chunk.FinishReason = mapStopReason(event.Delta.StopReason)
		chunk.Usage = &u
		return emit(chunk)

	case "message_stop":
		s.phase = done

	case "error":
		if event.Error != nil {
			if pe := event.Error.toProviderError(s.provider, 0); pe != nil {
				return pe
			}
			return models.NewProviderError(s.provider, models.ErrUnknown, 0, event.Error.Message)
		}
		return models.NewProviderError(s.provider, models.ErrServer, 0, "stream error event")
	}
	return nil
}

func (s *streamState) chunk(delta models.Delta) models.StreamChunk {
	return models.StreamChunk{ID: s.id, Model: s.model, Delta: delta}
}
