package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"llm-relay/internal/models"
)

const fillerUserTurn = "Hello."

var defaultInputSchema = json.RawMessage(`{"type":"object","properties":{}}`)

type messagesRequest struct {
	Model         string         `json:"model"`
	System        []contentBlock `json:"system,omitempty"`
	Messages      []message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	Tools         []tool         `json:"tools,omitempty"`
	ToolChoice    *toolChoice    `json:"tool_choice,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Source       *imageSource    `json:"source,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	CacheControl *cacheControl   `json:"cache_control,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

func buildMessagesRequest(req models.ChatRequest, model models.ModelConfig) (messagesRequest, error) {
	system, messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return messagesRequest{}, err
	}
	if req.Hints != nil && strings.TrimSpace(req.Hints.SystemPrompt) != "" {
		system = req.Hints.SystemPrompt
	}

	payload := messagesRequest{
		Model:         req.Model,
		Messages:      messages,
		MaxTokens:     maxTokens(req, model),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.Stop,
	}
	if system != "" {
		payload.System = []contentBlock{{Type: "text", Text: system}}
	}

	if req.Hints != nil && req.Hints.CacheControl {
		applyCacheControl(&payload)
	}

	for _, def := range req.Tools {
		schema := def.Parameters
		if len(schema) == 0 {
			schema = defaultInputSchema
		}
		payload.Tools = append(payload.Tools, tool{Name: def.Name, Description: def.Description, InputSchema: schema})
	}
	if req.ToolChoice != nil && len(payload.Tools) > 0 {
		switch req.ToolChoice.Mode {
		case models.ToolChoiceAuto:
			payload.ToolChoice = &toolChoice{Type: "auto"}
		case models.ToolChoiceRequired:
			payload.ToolChoice = &toolChoice{Type: "any"}
		case models.ToolChoiceFunction:
			payload.ToolChoice = &toolChoice{Type: "tool", Name: req.ToolChoice.FunctionName}
		case models.ToolChoiceNone:
			payload.ToolChoice = &toolChoice{Type: "none"}
		}
	}

	return payload, nil
}

func maxTokens(req models.ChatRequest, model models.ModelConfig) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	if model.MaxOutputTokens > 0 {
		return model.MaxOutputTokens
	}
	return defaultMaxTokens
}

// toAnthropicMessages extracts system text and produces a strictly
// alternating message list that starts with a user turn.
func toAnthropicMessages(in []models.ChatMessage) (string, []message, error) {
	var systemParts []string
	var out []message

	for i, msg := range in {
		var role string
		var blocks []contentBlock

		switch msg.Role {
		case models.RoleSystem:
			if text := strings.TrimSpace(msg.Content.String()); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		case models.RoleUser:
			role = "user"
			b, err := contentBlocks(msg.Content)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			blocks = b
		case models.RoleAssistant:
			role = "assistant"
			b, err := contentBlocks(msg.Content)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			blocks = b
			for _, call := range msg.ToolCalls {
				input, err := toolInput(call.Arguments)
				if err != nil {
					return "", nil, fmt.Errorf("message %d: tool call %s: %w", i, call.ID, err)
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: call.ID, Name: call.FunctionName, Input: input})
			}
		case models.RoleTool:
			role = "user"
			blocks = []contentBlock{{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content.String()}}
		}

		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, message{Role: role, Content: blocks})
	}

	if len(out) == 0 || out[0].Role != "user" {
		filler := message{Role: "user", Content: []contentBlock{{Type: "text", Text: fillerUserTurn}}}
		out = append([]message{filler}, out...)
	}

	return strings.Join(systemParts, "\n\n"), out, nil
}

func contentBlocks(content models.Content) ([]contentBlock, error) {
	var blocks []contentBlock
	for _, part := range content.Parts() {
		switch part.Type {
		case models.PartText:
			if part.Text == "" {
				continue
			}
			blocks = append(blocks, contentBlock{Type: "text", Text: part.Text})
		case models.PartImage:
			if part.Image.Encoding != models.ImageBase64 {
				return nil, errors.New("anthropic requires base64 image data, url images are not supported")
			}
			mediaType := part.Image.MediaType
			if mediaType == "" {
				mediaType = "image/png"
			}
			blocks = append(blocks, contentBlock{
				Type:   "image",
				Source: &imageSource{Type: "base64", MediaType: mediaType, Data: part.Image.Data},
			})
		}
	}
	return blocks, nil
}

func toolInput(arguments string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, errors.New("arguments are not valid JSON")
	}
	return json.RawMessage(trimmed), nil
}

func applyCacheControl(payload *messagesRequest) {
	ephemeral := &cacheControl{Type: "ephemeral"}
	if n := len(payload.System); n > 0 {
		payload.System[n-1].CacheControl = ephemeral
	}
	for i := len(payload.Messages) - 1; i >= 0; i-- {
		msg := &payload.Messages[i]
		if msg.Role != "user" || len(msg.Content) == 0 {
			continue
		}
		msg.Content[len(msg.Content)-1].CacheControl = ephemeral
		return
	}
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

func (u usage) toCanonical() models.Usage {
	out := models.NewUsage(u.InputTokens+u.CacheReadInputTokens+u.CacheCreationInputTokens, u.OutputTokens)
	if u.CacheReadInputTokens > 0 {
		cached := u.CacheReadInputTokens
		out.CachedTokens = &cached
	}
	return out
}

func (r messagesResponse) toCanonical() *models.ChatResponse {
	var text strings.Builder
	var calls []models.ToolCall
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" || args == "null" {
				args = "{}"
			}
			calls = append(calls, models.ToolCall{ID: block.ID, FunctionName: block.Name, Arguments: args})
		}
	}

	return &models.ChatResponse{
		ID:           r.ID,
		Model:        r.Model,
		Content:      text.String(),
		ToolCalls:    calls,
		FinishReason: mapStopReason(r.StopReason),
		Usage:        r.Usage.toCanonical(),
	}
}

func mapStopReason(reason string) *models.FinishReason {
	switch reason {
	case "":
		return nil
	case "end_turn", "stop_sequence", "pause_turn":
		return models.Reason(models.FinishStop)
	case "max_tokens":
		return models.Reason(models.FinishLength)
	case "tool_use":
		return models.Reason(models.FinishToolCalls)
	case "refusal":
		return models.Reason(models.FinishContentFilter)
	default:
		return models.Reason(models.FinishStop)
	}
}
