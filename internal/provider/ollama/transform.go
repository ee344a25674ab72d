package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"

	"llm-relay/internal/models"
)

var defaultParameters = json.RawMessage(`{"type":"object","properties":{}}`)

// chatPayload mirrors the /api/chat request body. It is decoded into
// api.ChatRequest so the SDK owns the final wire types.
type chatPayload struct {
	Model    string         `json:"model"`
	Messages []wireMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []wireTool     `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Images    []string       `json:"images,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id,omitempty"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Index     int             `json:"index,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

func buildChatPayload(req models.ChatRequest, model models.ModelConfig) (chatPayload, error) {
	payload := chatPayload{Model: req.Model}

	if req.Hints != nil && strings.TrimSpace(req.Hints.SystemPrompt) != "" {
		payload.Messages = append(payload.Messages, wireMessage{Role: "system", Content: req.Hints.SystemPrompt})
	}

	toolNames := make(map[string]string)
	for i, msg := range req.Messages {
		if msg.Role == models.RoleSystem && req.Hints != nil && req.Hints.SystemPrompt != "" {
			continue
		}
		out := wireMessage{Role: string(msg.Role), Content: msg.Content.String()}
		for _, img := range msg.Content.Images() {
			if img.Encoding != models.ImageBase64 {
				return chatPayload{}, fmt.Errorf("message %d: ollama requires base64 image data, url images are not supported", i)
			}
			out.Images = append(out.Images, img.Data)
		}
		for _, call := range msg.ToolCalls {
			args := json.RawMessage(strings.TrimSpace(call.Arguments))
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			if !json.Valid(args) {
				return chatPayload{}, fmt.Errorf("message %d: tool call %s arguments are not valid JSON", i, call.ID)
			}
			toolNames[call.ID] = call.FunctionName
			out.ToolCalls = append(out.ToolCalls, wireToolCall{
				ID:       call.ID,
				Function: wireFunctionCall{Name: call.FunctionName, Arguments: args},
			})
		}
		if msg.Role == models.RoleTool {
			out.ToolName = toolNames[msg.ToolCallID]
		}
		payload.Messages = append(payload.Messages, out)
	}

	for _, def := range req.Tools {
		params := def.Parameters
		if len(params) == 0 {
			params = defaultParameters
		}
		payload.Tools = append(payload.Tools, wireTool{
			Type:     "function",
			Function: wireFunction{Name: def.Name, Description: def.Description, Parameters: params},
		})
	}

	options := make(map[string]any)
	setOption(options, "temperature", req.Temperature)
	setOption(options, "top_p", req.TopP)
	setOption(options, "top_k", req.TopK)
	setOption(options, "num_predict", req.MaxTokens)
	setOption(options, "seed", req.Seed)
	setOption(options, "frequency_penalty", req.FrequencyPenalty)
	setOption(options, "presence_penalty", req.PresencePenalty)
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}
	if model.ContextWindow > 0 {
		options["num_ctx"] = model.ContextWindow
	}
	if len(options) > 0 {
		payload.Options = options
	}

	return payload, nil
}

func setOption[T any](options map[string]any, key string, value *T) {
	if value != nil {
		options[key] = *value
	}
}

// toAPIRequest hands the payload to the SDK types through their JSON form.
func toAPIRequest(payload chatPayload) (*api.ChatRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var req api.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("encode ollama request: %w", err)
	}
	stream := payload.Stream
	req.Stream = &stream
	return &req, nil
}

// toolCalls extracts calls from an SDK message, assigning ids when the
// server omits them.
func toolCalls(msg api.Message) ([]models.ToolCall, error) {
	if len(msg.ToolCalls) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return nil, err
	}
	var wire []wireToolCall
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	calls := make([]models.ToolCall, 0, len(wire))
	for _, call := range wire {
		if call.Function.Name == "" {
			return nil, errors.New("tool call without a function name")
		}
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := string(call.Function.Arguments)
		if args == "" || args == "null" {
			args = "{}"
		}
		calls = append(calls, models.ToolCall{ID: id, FunctionName: call.Function.Name, Arguments: args})
	}
	return calls, nil
}

func usageOf(resp api.ChatResponse) models.Usage {
	return models.NewUsage(resp.PromptEvalCount, resp.EvalCount)
}

func mapDoneReason(reason string, hasToolCalls bool) *models.FinishReason {
	switch {
	case hasToolCalls:
		return models.Reason(models.FinishToolCalls)
	case reason == "length":
		return models.Reason(models.FinishLength)
	default:
		return models.Reason(models.FinishStop)
	}
}
