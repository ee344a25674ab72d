package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"

	"llm-relay/internal/config"
	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/transport"
)

func newTestProvider(t *testing.T, kind provider.Kind, cfg config.ProviderConfig) *Provider {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-test"
	}
	p, err := New(string(kind), kind, cfg, []models.ModelConfig{{ID: "gpt-4o"}}, transport.Options{MaxRetries: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func userText(s string) models.ChatMessage {
	return models.ChatMessage{Role: models.RoleUser, Content: models.Text(s)}
}

func ptr[T any](v T) *T {
	return &v
}

// captureServer records the decoded JSON body and headers of the last request.
func captureServer(t *testing.T, reply string, body *map[string]any, header *http.Header, path *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body != nil {
			if err := json.NewDecoder(r.Body).Decode(body); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		if header != nil {
			*header = r.Header.Clone()
		}
		if path != nil {
			*path = r.URL.RequestURI()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
}

const simpleReply = `{"id":"c1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9,"prompt_tokens_details":{"cached_tokens":3}}}`

func TestNewRejectsForeignKind(t *testing.T) {
	if _, err := New("x", provider.KindAnthropic, config.ProviderConfig{APIKey: "k"}, nil, transport.Options{}); err == nil {
		t.Fatalf("expected error for anthropic kind")
	}
	if _, err := New("x", provider.KindOpenAI, config.ProviderConfig{}, nil, transport.Options{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
	if _, err := New("x", provider.KindAzure, config.ProviderConfig{APIKey: "k", BaseURL: "https://r.openai.azure.com"}, nil, transport.Options{}); err == nil {
		t.Fatalf("expected error for missing azure api version")
	}
}

func TestChatParsesResponse(t *testing.T) {
	var header http.Header
	var path string
	srv := captureServer(t, simpleReply, nil, &header, &path)
	defer srv.Close()

	p := newTestProvider(t, provider.KindOpenAI, config.ProviderConfig{BaseURL: srv.URL})
	resp, err := p.Chat(context.Background(), models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{userText("hi")}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if path != "/chat/completions" || header.Get("Authorization") != "Bearer sk-test" {
		t.Fatalf("unexpected request %s %v", path, header)
	}
	if resp.Content != "hello" || resp.ID != "c1" || *resp.FinishReason != models.FinishStop {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 9 || resp.Usage.CachedTokens == nil || *resp.Usage.CachedTokens != 3 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestAzureUsesDeploymentURLAndAPIKeyHeader(t *testing.T) {
	var header http.Header
	var path string
	srv := captureServer(t, simpleReply, nil, &header, &path)
	defer srv.Close()

	p := newTestProvider(t, provider.KindAzure, config.ProviderConfig{
		BaseURL:     srv.URL,
		APIVersion:  "2024-06-01",
		Deployments: map[string]string{"gpt-4o": "prod-4o"},
	})
	if _, err := p.Chat(context.Background(), models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{userText("hi")}}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if path != "/openai/deployments/prod-4o/chat/completions?api-version=2024-06-01" {
		t.Fatalf("unexpected azure path %s", path)
	}
	if header.Get("api-key") != "sk-test" || header.Get("Authorization") != "" {
		t.Fatalf("azure should authenticate with api-key, got %v", header)
	}
}

func TestOpenRouterAttributionAndSampling(t *testing.T) {
	var header http.Header
	var body map[string]any
	srv := captureServer(t, simpleReply, &body, &header, nil)
	defer srv.Close()

	p := newTestProvider(t, provider.KindOpenRouter, config.ProviderConfig{BaseURL: srv.URL, Referer: "https://app.example", Title: "Relay"})
	_, err := p.Chat(context.Background(), models.ChatRequest{
		Model:    "anthropic/claude-3.5-sonnet",
		Messages: []models.ChatMessage{userText("hi")},
		TopK:     ptr(40),
		Seed:     ptr(7),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if header.Get("HTTP-Referer") != "https://app.example" || header.Get("X-Title") != "Relay" {
		t.Fatalf("missing attribution headers %v", header)
	}
	if body["top_k"] != float64(40) || body["seed"] != float64(7) {
		t.Fatalf("unexpected sampling fields %v", body)
	}
}

func TestPayloadVariants(t *testing.T) {
	base := models.ChatRequest{
		Messages:    []models.ChatMessage{userText("hi")},
		Temperature: ptr(0.2),
		MaxTokens:   ptr(100),
		Seed:        ptr(3),
		TopK:        ptr(5),
	}

	t.Run("mistral random seed", func(t *testing.T) {
		req := base
		req.Model = "mistral-large-latest"
		payload, err := buildChatPayload(provider.KindMistral, req)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if payload.RandomSeed == nil || *payload.RandomSeed != 3 || payload.Seed != nil {
			t.Fatalf("mistral should send random_seed, got %+v", payload)
		}
		if payload.TopK != nil {
			t.Fatalf("top_k is only forwarded to openrouter")
		}
	})

	t.Run("reasoning model", func(t *testing.T) {
		req := base
		req.Model = "o3-mini"
		payload, err := buildChatPayload(provider.KindOpenAI, req)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if payload.Temperature != nil || payload.MaxTokens != nil {
			t.Fatalf("reasoning models take neither temperature nor max_tokens: %+v", payload)
		}
		if payload.MaxCompletionTokens == nil || *payload.MaxCompletionTokens != 100 {
			t.Fatalf("expected max_completion_tokens 100")
		}
	})

	t.Run("chat model", func(t *testing.T) {
		req := base
		req.Model = "gpt-4o"
		payload, err := buildChatPayload(provider.KindOpenAI, req)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if payload.Temperature == nil || payload.MaxTokens == nil || payload.MaxCompletionTokens != nil {
			t.Fatalf("unexpected payload %+v", payload)
		}
	})
}

func TestPayloadImagesAndTools(t *testing.T) {
	req := models.ChatRequest{
		Model: "gpt-4o",
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: models.Parts(
				models.TextPart("what is this?"),
				models.Base64ImagePart("image/jpeg", "QUJD"),
				models.URLImagePart("https://example.com/cat.png"),
			)},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", FunctionName: "lookup", Arguments: `{"q":"cat"}`}}},
			{Role: models.RoleTool, ToolCallID: "call_1", Content: models.Text("a cat")},
		},
		Tools:      []models.ToolDefinition{{Name: "lookup"}},
		ToolChoice: &models.ToolChoice{Mode: models.ToolChoiceFunction, FunctionName: "lookup"},
	}
	payload, err := buildChatPayload(provider.KindOpenAI, req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	user := payload.Messages[0]
	if user.Content != "" || len(user.MultiContent) != 3 {
		t.Fatalf("expected multi-part user message, got %+v", user)
	}
	if got := user.MultiContent[1].ImageURL.URL; got != "data:image/jpeg;base64,QUJD" {
		t.Fatalf("unexpected data url %q", got)
	}
	if got := user.MultiContent[2].ImageURL.URL; got != "https://example.com/cat.png" {
		t.Fatalf("unexpected image url %q", got)
	}
	if payload.Messages[1].ToolCalls[0].ID != "call_1" || payload.Messages[2].ToolCallID != "call_1" {
		t.Fatalf("tool call ids not preserved: %+v", payload.Messages)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"tool_choice":{"type":"function","function":{"name":"lookup"}}`) {
		t.Fatalf("unexpected tool_choice encoding: %s", raw)
	}
	if !strings.Contains(string(raw), `"parameters":{"type":"object","properties":{}}`) {
		t.Fatalf("expected default parameters schema: %s", raw)
	}
}

func TestToolRoundTrip(t *testing.T) {
	req := models.ChatRequest{
		Model: "gpt-4o",
		Messages: []models.ChatMessage{
			userText("add"),
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_abc", FunctionName: "f", Arguments: `{"a":1}`},
				{ID: "call_def", FunctionName: "g", Arguments: `{}`},
			}},
			{Role: models.RoleTool, ToolCallID: "call_abc", Content: models.Text("2")},
		},
	}
	payload, err := buildChatPayload(provider.KindOpenAI, req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if payload.Messages[2].ToolCallID != "call_abc" {
		t.Fatalf("tool result lost its call id: %+v", payload.Messages[2])
	}

	raw, err := json.Marshal(payload.Messages[1])
	if err != nil {
		t.Fatal(err)
	}
	var echoed goopenai.ChatCompletionMessage
	if err := json.Unmarshal(raw, &echoed); err != nil {
		t.Fatal(err)
	}
	resp, err := fromResponse("openai", goopenai.ChatCompletionResponse{
		ID:      "c1",
		Choices: []goopenai.ChatCompletionChoice{{Message: echoed, FinishReason: goopenai.FinishReasonToolCalls}},
	})
	if err != nil {
		t.Fatalf("fromResponse: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls %+v", resp.ToolCalls)
	}
	for i, want := range req.Messages[1].ToolCalls {
		if resp.ToolCalls[i] != want {
			t.Errorf("call %d = %+v, want %+v", i, resp.ToolCalls[i], want)
		}
	}
	if *resp.FinishReason != models.FinishToolCalls {
		t.Fatalf("finish reason %s", *resp.FinishReason)
	}
}

func TestChatClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		body   string
		code   models.ErrorCode
	}{
		{401, `{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`, models.ErrInvalidAPIKey},
		{429, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`, models.ErrQuotaExceeded},
		{429, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`, models.ErrRateLimit},
		{400, `{"error":{"message":"This model's maximum context length is 8192 tokens","type":"invalid_request_error","code":"context_length_exceeded"}}`, models.ErrContextLengthExceeded},
		{404, `{"error":{"message":"The model does not exist","type":"invalid_request_error","code":"model_not_found"}}`, models.ErrModelNotFound},
		{400, `{"error":{"message":"blocked","type":"invalid_request_error","code":"content_policy_violation"}}`, models.ErrContentFiltered},
		{400, `{"object":"error","message":"bad field","type":"invalid_request_error","param":null,"code":null}`, models.ErrInvalidRequest},
		{500, `{"error":{"message":"oops","type":"server_error"}}`, models.ErrServer},
		{503, `upstream unavailable`, models.ErrServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.status, tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			p := newTestProvider(t, provider.KindOpenAI, config.ProviderConfig{BaseURL: srv.URL})
			_, err := p.Chat(context.Background(), models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{userText("hi")}})
			pe, ok := models.AsProviderError(err)
			if !ok || pe.Code != tt.code || pe.StatusCode != tt.status {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
			if pe.Retryable != tt.code.Retryable() {
				t.Fatalf("retryable mismatch for %s", tt.code)
			}
		})
	}
}

func sseServer(t *testing.T, body *map[string]any, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body != nil {
			_ = json.NewDecoder(r.Body).Decode(body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
			w.(http.Flusher).Flush()
		}
	}))
}

func collect(t *testing.T, p *Provider) ([]models.StreamChunk, error) {
	t.Helper()
	stream, err := p.Stream(context.Background(), models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{userText("hi")}})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var chunks []models.StreamChunk
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestStreamFoldsTrailingUsageIntoTerminal(t *testing.T) {
	var body map[string]any
	srv := sseServer(t, &body,
		`{"id":"s1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"s1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"s1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"s1","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`[DONE]`,
	)
	defer srv.Close()

	chunks, err := collect(t, newTestProvider(t, provider.KindOpenAI, config.ProviderConfig{BaseURL: srv.URL}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Delta.Content+chunks[1].Delta.Content != "Hello" {
		t.Fatalf("unexpected content deltas %+v", chunks)
	}
	last := chunks[2]
	if !last.Terminal() || *last.FinishReason != models.FinishStop {
		t.Fatalf("unexpected terminal chunk %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 7 {
		t.Fatalf("expected trailing usage on terminal chunk, got %+v", last.Usage)
	}
	opts, ok := body["stream_options"].(map[string]any)
	if body["stream"] != true || !ok || opts["include_usage"] != true {
		t.Fatalf("expected stream with include_usage, got %v", body)
	}
}

func TestStreamGroqUsageEnvelope(t *testing.T) {
	var body map[string]any
	srv := sseServer(t, &body,
		`{"id":"g1","model":"llama-3.1-8b-instant","choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		`{"id":"g1","model":"llama-3.1-8b-instant","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"x_groq":{"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}}`,
		`[DONE]`,
	)
	defer srv.Close()

	chunks, err := collect(t, newTestProvider(t, provider.KindGroq, config.ProviderConfig{BaseURL: srv.URL}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	last := chunks[len(chunks)-1]
	if last.Usage == nil || last.Usage.PromptTokens != 4 || last.Usage.CompletionTokens != 1 {
		t.Fatalf("expected x_groq usage, got %+v", last.Usage)
	}
	if _, present := body["stream_options"]; present {
		t.Fatalf("groq should not receive stream_options")
	}
}

func TestStreamToolCallDeltas(t *testing.T) {
	srv := sseServer(t, nil,
		`{"id":"t1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"calc","arguments":""}}]}}]}`,
		`{"id":"t1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":"}}]}}]}`,
		`{malformed`,
		`{"id":"t1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"2}"}}]}}]}`,
		`{"id":"t1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)
	defer srv.Close()

	chunks, err := collect(t, newTestProvider(t, provider.KindOpenAI, config.ProviderConfig{BaseURL: srv.URL}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var acc models.ToolCallAccumulator
	for _, c := range chunks {
		for _, d := range c.Delta.ToolCalls {
			acc.Add(d)
		}
	}
	calls := acc.Calls()
	if len(calls) != 1 || calls[0].ID != "call_a" || calls[0].FunctionName != "calc" || calls[0].Arguments != `{"x":2}` {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if *chunks[len(chunks)-1].FinishReason != models.FinishToolCalls {
		t.Fatalf("expected tool_calls finish")
	}
}

func TestStreamMidStreamError(t *testing.T) {
	srv := sseServer(t, nil,
		`{"id":"e1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"par"}}]}`,
		`{"error":{"message":"Rate limit reached for requests","type":"requests","code":"rate_limit_exceeded"}}`,
	)
	defer srv.Close()

	chunks, err := collect(t, newTestProvider(t, provider.KindOpenAI, config.ProviderConfig{BaseURL: srv.URL}))
	if len(chunks) != 1 {
		t.Fatalf("expected partial chunk before error, got %d", len(chunks))
	}
	if pe, ok := models.AsProviderError(err); !ok || pe.Code != models.ErrRateLimit {
		t.Fatalf("expected RATE_LIMIT, got %v", err)
	}
}

func TestStreamWithoutFinishIsTruncated(t *testing.T) {
	srv := sseServer(t, nil,
		`{"id":"x1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"cut"}}]}`,
	)
	defer srv.Close()

	_, err := collect(t, newTestProvider(t, provider.KindOpenAI, config.ProviderConfig{BaseURL: srv.URL}))
	if pe, ok := models.AsProviderError(err); !ok || pe.Code != models.ErrNetwork {
		t.Fatalf("expected NETWORK_ERROR, got %v", err)
	}
}
