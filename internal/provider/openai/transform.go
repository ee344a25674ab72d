package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/transport"
)

var defaultParameters = json.RawMessage(`{"type":"object","properties":{}}`)

type chatPayload struct {
	Model               string                           `json:"model"`
	Messages            []goopenai.ChatCompletionMessage `json:"messages"`
	Stream              bool                             `json:"stream,omitempty"`
	StreamOptions       *goopenai.StreamOptions          `json:"stream_options,omitempty"`
	MaxTokens           *int                             `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64                         `json:"temperature,omitempty"`
	TopP                *float64                         `json:"top_p,omitempty"`
	TopK                *int                             `json:"top_k,omitempty"`
	FrequencyPenalty    *float64                         `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64                         `json:"presence_penalty,omitempty"`
	Stop                []string                         `json:"stop,omitempty"`
	Seed                *int                             `json:"seed,omitempty"`
	RandomSeed          *int                             `json:"random_seed,omitempty"`
	Tools               []goopenai.Tool                  `json:"tools,omitempty"`
	ToolChoice          any                              `json:"tool_choice,omitempty"`
}

// isReasoningModel reports o-series models, which reject temperature and
// take max_completion_tokens.
func isReasoningModel(model string) bool {
	name := model
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if name == prefix || strings.HasPrefix(name, prefix+"-") {
			return true
		}
	}
	return false
}

func buildChatPayload(kind provider.Kind, req models.ChatRequest) (chatPayload, error) {
	messages, err := toOpenAIMessages(req)
	if err != nil {
		return chatPayload{}, err
	}

	payload := chatPayload{
		Model:            req.Model,
		Messages:         messages,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
	}

	if isReasoningModel(req.Model) {
		payload.MaxCompletionTokens = req.MaxTokens
	} else {
		payload.MaxTokens = req.MaxTokens
		payload.Temperature = req.Temperature
	}

	switch kind {
	case provider.KindMistral:
		payload.RandomSeed = req.Seed
	case provider.KindOpenRouter:
		payload.Seed = req.Seed
		payload.TopK = req.TopK
	default:
		payload.Seed = req.Seed
	}

	for _, def := range req.Tools {
		params := def.Parameters
		if len(params) == 0 {
			params = defaultParameters
		}
		payload.Tools = append(payload.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	if req.ToolChoice != nil && len(payload.Tools) > 0 {
		switch req.ToolChoice.Mode {
		case models.ToolChoiceAuto, models.ToolChoiceNone, models.ToolChoiceRequired:
			payload.ToolChoice = string(req.ToolChoice.Mode)
		case models.ToolChoiceFunction:
			payload.ToolChoice = goopenai.ToolChoice{
				Type:     goopenai.ToolTypeFunction,
				Function: goopenai.ToolFunction{Name: req.ToolChoice.FunctionName},
			}
		}
	}

	return payload, nil
}

func toOpenAIMessages(req models.ChatRequest) ([]goopenai.ChatCompletionMessage, error) {
	out := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.Hints != nil && strings.TrimSpace(req.Hints.SystemPrompt) != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.Hints.SystemPrompt})
	}

	for i, msg := range req.Messages {
		if req.Hints != nil && req.Hints.SystemPrompt != "" && msg.Role == models.RoleSystem {
			continue
		}
		converted := goopenai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}

		if msg.Content.IsMulti() && len(msg.Content.Images()) > 0 {
			if msg.Role != models.RoleUser {
				return nil, fmt.Errorf("message %d: images are only supported in user messages", i)
			}
			converted.MultiContent = toParts(msg.Content)
		} else {
			converted.Content = msg.Content.String()
		}

		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, goopenai.ToolCall{
				ID:   call.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      call.FunctionName,
					Arguments: call.Arguments,
				},
			})
		}

		if converted.Content == "" && converted.MultiContent == nil && len(converted.ToolCalls) == 0 && msg.Role != models.RoleTool {
			return nil, fmt.Errorf("message %d: content must not be empty", i)
		}
		out = append(out, converted)
	}
	return out, nil
}

func toParts(content models.Content) []goopenai.ChatMessagePart {
	parts := make([]goopenai.ChatMessagePart, 0, len(content.Parts()))
	for _, part := range content.Parts() {
		switch part.Type {
		case models.PartText:
			parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: part.Text})
		case models.PartImage:
			url := part.Image.URL
			if part.Image.Encoding == models.ImageBase64 {
				mediaType := part.Image.MediaType
				if mediaType == "" {
					mediaType = "image/png"
				}
				url = "data:" + mediaType + ";base64," + part.Image.Data
			}
			parts = append(parts, goopenai.ChatMessagePart{
				Type:     goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{URL: url},
			})
		}
	}
	return parts
}

func fromResponse(providerName string, resp goopenai.ChatCompletionResponse) (*models.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, transport.ClassifyError(providerName, errors.New("response did not include choices"))
	}

	choice := resp.Choices[0]
	content := choice.Message.Content
	if content == "" && len(choice.Message.MultiContent) > 0 {
		var b strings.Builder
		for _, part := range choice.Message.MultiContent {
			b.WriteString(part.Text)
		}
		content = b.String()
	}

	var calls []models.ToolCall
	for _, call := range choice.Message.ToolCalls {
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		calls = append(calls, models.ToolCall{ID: call.ID, FunctionName: call.Function.Name, Arguments: args})
	}

	return &models.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		ToolCalls:    calls,
		FinishReason: mapFinishReason(string(choice.FinishReason), len(calls) > 0),
		Usage:        toUsage(resp.Usage),
	}, nil
}

func toUsage(u goopenai.Usage) models.Usage {
	out := models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	if u.PromptTokensDetails != nil && u.PromptTokensDetails.CachedTokens > 0 {
		cached := u.PromptTokensDetails.CachedTokens
		out.CachedTokens = &cached
	}
	return out
}

func mapFinishReason(reason string, hasToolCalls bool) *models.FinishReason {
	switch reason {
	case "":
		return nil
	case "stop", "eos":
		if hasToolCalls {
			return models.Reason(models.FinishToolCalls)
		}
		return models.Reason(models.FinishStop)
	case "length", "model_length":
		return models.Reason(models.FinishLength)
	case "tool_calls", "function_call":
		return models.Reason(models.FinishToolCalls)
	case "content_filter":
		return models.Reason(models.FinishContentFilter)
	case "error":
		return models.Reason(models.FinishError)
	default:
		return models.Reason(models.FinishStop)
	}
}
