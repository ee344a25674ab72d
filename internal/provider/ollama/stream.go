package ollama

import (
	"github.com/ollama/ollama/api"

	"llm-relay/internal/models"
	"llm-relay/internal/provider"
)

// streamState turns NDJSON chat responses into chunks. Ollama sends each
// tool call whole, so every call gets its own index and a single delta.
type streamState struct {
	model     string
	toolCount int
}

func (s *streamState) handle(resp api.ChatResponse, emit provider.Emit) error {
	if resp.Model != "" {
		s.model = resp.Model
	}

	calls, err := toolCalls(resp.Message)
	if err != nil {
		return err
	}
	delta := models.Delta{Content: resp.Message.Content}
	for _, call := range calls {
		delta.ToolCalls = append(delta.ToolCalls, models.ToolCallDelta{
			Index:        s.toolCount,
			ID:           call.ID,
			FunctionName: call.FunctionName,
			Arguments:    call.Arguments,
		})
		s.toolCount++
	}

	if !resp.Done {
		if delta.Content == "" && len(delta.ToolCalls) == 0 {
			return nil
		}
		return emit(models.StreamChunk{Model: s.model, Delta: delta})
	}

	usage := usageOf(resp)
	return emit(models.StreamChunk{
		Model:        s.model,
		Delta:        delta,
		FinishReason: mapDoneReason(resp.DoneReason, s.toolCount > 0),
		Usage:        &usage,
	})
}
