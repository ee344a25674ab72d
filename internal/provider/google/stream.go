package google

import (
	"encoding/json"
	"errors"
	"io"

	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/transport"
)

type streamEvent struct {
	generateResponse
	Error *apiError `json:"error"`
}

// streamState reads streamGenerateContent SSE events. Each function call
// arrives whole in one part and gets the next tool index.
type streamState struct {
	provider  string
	id        string
	model     string
	toolCount int
	finish    *models.FinishReason
	usage     *models.Usage
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

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if event.Error != nil {
			if pe := event.Error.toProviderError(s.provider, event.Error.Code); pe != nil {
				return pe
			}
			return models.NewProviderError(s.provider, models.ErrServer, event.Error.Code, event.Error.Message)
		}
		if err := s.handle(event.generateResponse, emit); err != nil {
			return err
		}
	}
}

func (s *streamState) handle(event generateResponse, emit provider.Emit) error {
	if event.ResponseID != "" {
		s.id = event.ResponseID
	}
	if event.ModelVersion != "" {
		s.model = event.ModelVersion
	}
	if event.UsageMetadata != nil {
		u := event.UsageMetadata.toCanonical()
		s.usage = &u
	}

	if len(event.Candidates) == 0 {
		if event.PromptFeedback != nil && event.PromptFeedback.BlockReason != "" {
			s.finish = models.Reason(models.FinishContentFilter)
		}
		return nil
	}

	cand := event.Candidates[0]
	var delta models.Delta
	for _, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			delta.ToolCalls = append(delta.ToolCalls, models.ToolCallDelta{
				Index:        s.toolCount,
				ID:           callID(p.FunctionCall),
				FunctionName: p.FunctionCall.Name,
				Arguments:    callArgs(p.FunctionCall),
			})
			s.toolCount++
			continue
		}
		delta.Content += p.Text
	}
	if delta.Content != "" || len(delta.ToolCalls) > 0 {
		if err := emit(models.StreamChunk{ID: s.id, Model: s.model, Delta: delta}); err != nil {
			return err
		}
	}
	if reason := mapFinishReason(cand.FinishReason, s.toolCount > 0); reason != nil {
		s.finish = reason
	}
	return nil
}

func (s *streamState) finishStream(emit provider.Emit) error {
	if s.finish == nil {
		return nil
	}
	return emit(models.StreamChunk{ID: s.id, Model: s.model, FinishReason: s.finish, Usage: s.usage})
}
