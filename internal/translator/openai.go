// Package translator converts between the OpenAI chat/completions surface
// exposed by the server and the canonical request and response types.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"llm-relay/internal/models"
)

var (
	errEmptyModel      = errors.New("model must be provided")
	errEmptyMessages   = errors.New("at least one message is required")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
	errInvalidTools    = errors.New("invalid tools")
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model            string
	Messages         []models.ChatMessage
	Stream           bool
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Seed             *int
	Stop             []string
	Tools            []models.ToolDefinition
	ToolChoice       *models.ToolChoice
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string          `json:"model"`
		Messages            []chatMessage   `json:"messages"`
		Stream              bool            `json:"stream"`
		MaxTokens           *int            `json:"max_tokens"`
		MaxCompletionTokens *int            `json:"max_completion_tokens"`
		Temperature         *float64        `json:"temperature"`
		TopP                *float64        `json:"top_p"`
		FrequencyPenalty    *float64        `json:"frequency_penalty"`
		PresencePenalty     *float64        `json:"presence_penalty"`
		Seed                *int            `json:"seed"`
		Stop                json.RawMessage `json:"stop"`
		Tools               []tool          `json:"tools"`
		ToolChoice          json.RawMessage `json:"tool_choice"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}
	choice, err := parseToolChoice(raw.ToolChoice)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	if r.MaxTokens == nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.PresencePenalty = raw.PresencePenalty
	r.Seed = raw.Seed
	r.Stop = stopValues
	r.ToolChoice = choice

	r.Messages = make([]models.ChatMessage, 0, len(raw.Messages))
	for _, m := range raw.Messages {
		r.Messages = append(r.Messages, m.msg)
	}
	r.Tools = make([]models.ToolDefinition, 0, len(raw.Tools))
	for i, t := range raw.Tools {
		if t.Type != "" && t.Type != string(goopenai.ToolTypeFunction) {
			return fmt.Errorf("%w: tool[%d] type %q not supported", errInvalidTools, i, t.Type)
		}
		if strings.TrimSpace(t.Function.Name) == "" {
			return fmt.Errorf("%w: tool[%d] requires a function name", errInvalidTools, i)
		}
		r.Tools = append(r.Tools, models.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	return nil
}

// ToCanonical converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToCanonical() models.ChatRequest {
	return models.ChatRequest{
		Model:            r.Model,
		Messages:         append([]models.ChatMessage(nil), r.Messages...),
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		MaxTokens:        r.MaxTokens,
		Stop:             append([]string(nil), r.Stop...),
		FrequencyPenalty: r.FrequencyPenalty,
		PresencePenalty:  r.PresencePenalty,
		Seed:             r.Seed,
		Tools:            r.Tools,
		ToolChoice:       r.ToolChoice,
	}
}

type tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// chatMessage decodes one OpenAI message into the canonical shape.
type chatMessage struct {
	msg models.ChatMessage
}

// UnmarshalJSON supports string and array content, image_url parts and
// assistant tool calls.
func (m *chatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string              `json:"role"`
		Content    json.RawMessage     `json:"content"`
		Name       string              `json:"name"`
		ToolCallID string              `json:"tool_call_id"`
		ToolCalls  []goopenai.ToolCall `json:"tool_calls"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	role := models.Role(strings.TrimSpace(raw.Role))
	if role == "developer" {
		role = models.RoleSystem
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %s", errInvalidRole, raw.Role)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	msg := models.ChatMessage{
		Role:       role,
		Content:    content,
		Name:       strings.TrimSpace(raw.Name),
		ToolCallID: raw.ToolCallID,
	}
	for _, call := range raw.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:           call.ID,
			FunctionName: call.Function.Name,
			Arguments:    call.Function.Arguments,
		})
	}

	if strings.TrimSpace(content.String()) == "" && len(content.Images()) == 0 && len(msg.ToolCalls) == 0 {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	if role == models.RoleTool && msg.ToolCallID == "" {
		return fmt.Errorf("%w: tool messages require tool_call_id", errInvalidContent)
	}
	m.msg = msg
	return nil
}

func extractMessageContent(raw json.RawMessage) (models.Content, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return models.Content{}, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return models.Text(text), nil
	}

	var segments []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return models.Content{}, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	parts := make([]models.ContentPart, 0, len(segments))
	for _, segment := range segments {
		switch segment.Type {
		case "text":
			parts = append(parts, models.TextPart(segment.Text))
		case "image_url":
			if segment.ImageURL == nil || segment.ImageURL.URL == "" {
				return models.Content{}, fmt.Errorf("%w: image_url segment requires a url", errInvalidContent)
			}
			parts = append(parts, imagePart(segment.ImageURL.URL))
		default:
			return models.Content{}, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	return models.Parts(parts...), nil
}

// imagePart splits data URLs into inline base64 images.
func imagePart(url string) models.ContentPart {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return models.URLImagePart(url)
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return models.URLImagePart(url)
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return models.URLImagePart(url)
	}
	return models.Base64ImagePart(mediaType, data)
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

func parseToolChoice(raw json.RawMessage) (*models.ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch models.ToolChoiceMode(mode) {
		case models.ToolChoiceAuto, models.ToolChoiceNone, models.ToolChoiceRequired:
			return &models.ToolChoice{Mode: models.ToolChoiceMode(mode)}, nil
		}
		return nil, fmt.Errorf("%w: tool_choice %q not supported", errInvalidTools, mode)
	}

	var named goopenai.ToolChoice
	if err := json.Unmarshal(raw, &named); err != nil || named.Function.Name == "" {
		return nil, fmt.Errorf("%w: tool_choice must name a function", errInvalidTools)
	}
	return &models.ToolChoice{Mode: models.ToolChoiceFunction, FunctionName: named.Function.Name}, nil
}

// FromCanonical constructs the OpenAI response shape from a canonical response.
func FromCanonical(modelID string, createdUnix int64, resp *models.ChatResponse) goopenai.ChatCompletionResponse {
	msg := goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleAssistant,
		Content: resp.Content,
	}
	for _, call := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
			ID:       call.ID,
			Type:     goopenai.ToolTypeFunction,
			Function: goopenai.FunctionCall{Name: call.FunctionName, Arguments: call.Arguments},
		})
	}

	return goopenai.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   modelID,
		Choices: []goopenai.ChatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: finishReason(resp.FinishReason),
		}},
		Usage: usage(resp.Usage),
	}
}

// ChunkFromCanonical re-encodes a canonical chunk as chat.completion.chunk.
func ChunkFromCanonical(id, modelID string, createdUnix int64, chunk models.StreamChunk) goopenai.ChatCompletionStreamResponse {
	delta := goopenai.ChatCompletionStreamChoiceDelta{
		Role:    string(chunk.Delta.Role),
		Content: chunk.Delta.Content,
	}
	for _, d := range chunk.Delta.ToolCalls {
		index := d.Index
		call := goopenai.ToolCall{
			Index:    &index,
			ID:       d.ID,
			Function: goopenai.FunctionCall{Name: d.FunctionName, Arguments: d.Arguments},
		}
		if d.ID != "" {
			call.Type = goopenai.ToolTypeFunction
		}
		delta.ToolCalls = append(delta.ToolCalls, call)
	}

	out := goopenai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: createdUnix,
		Model:   modelID,
		Choices: []goopenai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason(chunk.FinishReason),
		}},
	}
	if chunk.Usage != nil {
		u := usage(*chunk.Usage)
		out.Usage = &u
	}
	return out
}

func finishReason(reason *models.FinishReason) goopenai.FinishReason {
	if reason == nil {
		return goopenai.FinishReasonNull
	}
	switch *reason {
	case models.FinishLength:
		return goopenai.FinishReasonLength
	case models.FinishToolCalls:
		return goopenai.FinishReasonToolCalls
	case models.FinishContentFilter:
		return goopenai.FinishReasonContentFilter
	default:
		return goopenai.FinishReasonStop
	}
}

func usage(u models.Usage) goopenai.Usage {
	out := goopenai.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.CachedTokens != nil {
		out.PromptTokensDetails = &goopenai.PromptTokensDetails{CachedTokens: *u.CachedTokens}
	}
	return out
}
