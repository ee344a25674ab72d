package google

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"llm-relay/internal/models"
)

const fillerUserTurn = "Hello."

var defaultSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []safetySetting   `json:"safetySettings,omitempty"`
	Tools             []toolSet         `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	TopK             *int     `json:"topK,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
}

func (c generationConfig) empty() bool {
	return c.Temperature == nil && c.TopP == nil && c.TopK == nil && c.MaxOutputTokens == nil &&
		len(c.StopSequences) == 0 && c.Seed == nil && c.PresencePenalty == nil && c.FrequencyPenalty == nil
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type toolSet struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

func buildGenerateRequest(req models.ChatRequest) (generateRequest, error) {
	system, contents, err := toContents(req.Messages)
	if err != nil {
		return generateRequest{}, err
	}
	if req.Hints != nil && strings.TrimSpace(req.Hints.SystemPrompt) != "" {
		system = req.Hints.SystemPrompt
	}

	out := generateRequest{Contents: contents}
	if system != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	cfg := generationConfig{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		MaxOutputTokens:  req.MaxTokens,
		StopSequences:    req.Stop,
		Seed:             req.Seed,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
	}
	if !cfg.empty() {
		out.GenerationConfig = &cfg
	}

	if req.Hints != nil && len(req.Hints.SafetySettings) > 0 {
		for _, s := range req.Hints.SafetySettings {
			out.SafetySettings = append(out.SafetySettings, safetySetting{Category: s.Category, Threshold: s.Threshold})
		}
	} else {
		for _, category := range defaultSafetyCategories {
			out.SafetySettings = append(out.SafetySettings, safetySetting{Category: category, Threshold: "BLOCK_NONE"})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			decls = append(decls, functionDeclaration{Name: def.Name, Description: def.Description, Parameters: def.Parameters})
		}
		out.Tools = []toolSet{{FunctionDeclarations: decls}}

		if req.ToolChoice != nil {
			switch req.ToolChoice.Mode {
			case models.ToolChoiceAuto:
				out.ToolConfig = &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "AUTO"}}
			case models.ToolChoiceNone:
				out.ToolConfig = &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "NONE"}}
			case models.ToolChoiceRequired:
				out.ToolConfig = &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "ANY"}}
			case models.ToolChoiceFunction:
				out.ToolConfig = &toolConfig{FunctionCallingConfig: functionCallingConfig{
					Mode:                 "ANY",
					AllowedFunctionNames: []string{req.ToolChoice.FunctionName},
				}}
			}
		}
	}

	return out, nil
}

// toContents extracts system text and maps the conversation onto user and
// model turns. Consecutive turns of the same role are merged and a filler
// user turn is inserted when the history would not start with the user.
func toContents(in []models.ChatMessage) (string, []content, error) {
	var systemParts []string
	var out []content
	toolNames := make(map[string]string)

	for i, msg := range in {
		var role string
		var parts []part

		switch msg.Role {
		case models.RoleSystem:
			if text := strings.TrimSpace(msg.Content.String()); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		case models.RoleUser:
			role = "user"
			p, err := contentParts(msg.Content)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			parts = p
		case models.RoleAssistant:
			role = "model"
			p, err := contentParts(msg.Content)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			parts = p
			for _, call := range msg.ToolCalls {
				args := strings.TrimSpace(call.Arguments)
				if args == "" {
					args = "{}"
				}
				if !json.Valid([]byte(args)) {
					return "", nil, fmt.Errorf("message %d: tool call %s arguments are not valid JSON", i, call.ID)
				}
				toolNames[call.ID] = call.FunctionName
				parts = append(parts, part{FunctionCall: &functionCall{ID: call.ID, Name: call.FunctionName, Args: json.RawMessage(args)}})
			}
		case models.RoleTool:
			role = "user"
			name := toolNames[msg.ToolCallID]
			if name == "" {
				name = msg.Name
			}
			if name == "" {
				return "", nil, fmt.Errorf("message %d: tool result %s does not match a prior tool call", i, msg.ToolCallID)
			}
			parts = []part{{FunctionResponse: &functionResponse{ID: msg.ToolCallID, Name: name, Response: toolResponse(msg.Content.String())}}}
		}

		if len(parts) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, content{Role: role, Parts: parts})
	}

	if len(out) == 0 || out[0].Role != "user" {
		out = append([]content{{Role: "user", Parts: []part{{Text: fillerUserTurn}}}}, out...)
	}
	return strings.Join(systemParts, "\n\n"), out, nil
}

// toolResponse wraps tool output in the object form functionResponse needs.
func toolResponse(output string) json.RawMessage {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	raw, _ := json.Marshal(map[string]string{"content": output})
	return raw
}

func contentParts(c models.Content) ([]part, error) {
	var parts []part
	for _, p := range c.Parts() {
		switch p.Type {
		case models.PartText:
			if p.Text != "" {
				parts = append(parts, part{Text: p.Text})
			}
		case models.PartImage:
			if p.Image.Encoding != models.ImageBase64 {
				return nil, errors.New("google requires base64 image data, url images are not supported")
			}
			mediaType := p.Image.MediaType
			if mediaType == "" {
				mediaType = "image/png"
			}
			parts = append(parts, part{InlineData: &inlineData{MimeType: mediaType, Data: p.Image.Data}})
		}
	}
	return parts, nil
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata"`
	PromptFeedback *promptFeedback `json:"promptFeedback"`
	ModelVersion   string          `json:"modelVersion"`
	ResponseID     string          `json:"responseId"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
	Index        int     `json:"index"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type usageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

func (u *usageMetadata) toCanonical() models.Usage {
	if u == nil {
		return models.Usage{}
	}
	out := models.NewUsage(u.PromptTokenCount, u.CandidatesTokenCount)
	if u.TotalTokenCount > out.TotalTokens {
		out.TotalTokens = u.TotalTokenCount
	}
	if u.CachedContentTokenCount > 0 {
		cached := u.CachedContentTokenCount
		out.CachedTokens = &cached
	}
	return out
}

// callID returns the upstream id or a generated one.
func callID(call *functionCall) string {
	if call.ID != "" {
		return call.ID
	}
	return "call_" + uuid.NewString()
}

func callArgs(call *functionCall) string {
	args := strings.TrimSpace(string(call.Args))
	if args == "" || args == "null" {
		return "{}"
	}
	return args
}

func (r generateResponse) toCanonical(model string) *models.ChatResponse {
	resp := &models.ChatResponse{ID: r.ResponseID, Model: model, Usage: r.UsageMetadata.toCanonical()}
	if r.ModelVersion != "" {
		resp.Model = r.ModelVersion
	}

	if len(r.Candidates) == 0 {
		if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
			resp.FinishReason = models.Reason(models.FinishContentFilter)
		}
		return resp
	}

	cand := r.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:           callID(p.FunctionCall),
				FunctionName: p.FunctionCall.Name,
				Arguments:    callArgs(p.FunctionCall),
			})
			continue
		}
		text.WriteString(p.Text)
	}
	resp.Content = text.String()
	resp.FinishReason = mapFinishReason(cand.FinishReason, len(resp.ToolCalls) > 0)
	return resp
}

func mapFinishReason(reason string, hasToolCalls bool) *models.FinishReason {
	switch {
	case reason == "":
		return nil
	case hasToolCalls:
		return models.Reason(models.FinishToolCalls)
	}
	switch reason {
	case "STOP":
		return models.Reason(models.FinishStop)
	case "MAX_TOKENS":
		return models.Reason(models.FinishLength)
	case "TOOL_CALLS":
		return models.Reason(models.FinishToolCalls)
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return models.Reason(models.FinishContentFilter)
	case "MALFORMED_FUNCTION_CALL":
		return models.Reason(models.FinishError)
	default:
		return models.Reason(models.FinishStop)
	}
}
