package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"llm-relay/internal/chat"
	"llm-relay/internal/config"
	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/router"
	"llm-relay/internal/store"
)

type stubProvider struct {
	reply   models.ChatResponse
	chunks  []models.StreamChunk
	chatErr error
}

func (p *stubProvider) Name() string        { return "stub" }
func (p *stubProvider) Kind() provider.Kind { return provider.KindOpenAI }
func (p *stubProvider) Models() []models.ModelConfig {
	return []models.ModelConfig{{ID: "stub-model", Provider: "stub", ContextWindow: 8192}}
}
func (p *stubProvider) CountTokens([]models.ChatMessage, string) int { return 0 }

func (p *stubProvider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	resp := p.reply
	return &resp, nil
}

func (p *stubProvider) Stream(ctx context.Context, req models.ChatRequest) (*provider.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	return provider.NewStream(ctx, cancel, "stub", func(ctx context.Context, emit provider.Emit) error {
		for _, chunk := range p.chunks {
			if err := emit(chunk); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func newTestServer(t *testing.T, p *stubProvider) (*Server, *store.Memory) {
	t.Helper()
	registry := provider.NewRegistry()
	if err := registry.RegisterProvider(p, nil); err != nil {
		t.Fatal(err)
	}
	rt := router.New(registry)
	mem := store.NewMemory()
	orch := chat.New(chat.Options{Router: rt, Messages: mem, Conversations: mem, Aborts: mem})

	srv, err := New(config.Config{Server: config.ServerConfig{Port: 8080}}, rt, orch, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, mem
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func defaultStub() *stubProvider {
	usage := models.NewUsage(5, 2)
	return &stubProvider{
		reply: models.ChatResponse{
			ID:           "resp-1",
			Model:        "stub-model",
			Content:      "pong",
			FinishReason: models.Reason(models.FinishStop),
			Usage:        usage,
		},
		chunks: []models.StreamChunk{
			{ID: "s1", Delta: models.Delta{Role: models.RoleAssistant, Content: "po"}},
			{ID: "s1", Delta: models.Delta{Content: "ng"}},
			{ID: "s1", FinishReason: models.Reason(models.FinishStop), Usage: &usage},
		},
	}
}

func TestHealthAndModels(t *testing.T) {
	srv, _ := newTestServer(t, defaultStub())

	if rec := do(srv, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}

	rec := do(srv, http.MethodGet, "/v1/models", "")
	var list modelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "stub-model" || list.Data[0].OwnedBy != "stub" || list.Data[0].ContextWindow != 8192 {
		t.Fatalf("unexpected models %+v", list)
	}
}

func TestChatJSON(t *testing.T) {
	srv, mem := newTestServer(t, defaultStub())

	rec := do(srv, http.MethodPost, "/v1/chat", `{"model":"stub-model","content":"ping"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var res chat.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Content != "pong" || res.ConversationID == "" || res.MessageID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	msgs, _ := mem.FindByConversation(context.Background(), res.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("expected persisted turn, got %d messages", len(msgs))
	}
}

func TestChatStreamEvents(t *testing.T) {
	srv, _ := newTestServer(t, defaultStub())

	rec := do(srv, http.MethodPost, "/v1/chat", `{"model":"stub-model","content":"ping","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	body := rec.Body.String()
	order := []string{"event: start", "event: message", "event: message", "event: done"}
	pos := 0
	for _, want := range order {
		i := strings.Index(body[pos:], want)
		if i < 0 {
			t.Fatalf("missing %q after offset %d in %s", want, pos, body)
		}
		pos += i + len(want)
	}
	if !strings.Contains(body, `"text":"po"`) || !strings.Contains(body, `"content":"pong"`) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestChatErrors(t *testing.T) {
	srv, _ := newTestServer(t, defaultStub())

	rec := do(srv, http.MethodPost, "/v1/chat", `{"model":"nope","content":"ping","stream":true}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown model status %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error.Code != "model_not_found" {
		t.Fatalf("error body %s", rec.Body.String())
	}

	if rec := do(srv, http.MethodPost, "/v1/chat", `{"model":"stub-model"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty content status %d", rec.Code)
	}
	if rec := do(srv, http.MethodPost, "/v1/chat", `{"model":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status %d", rec.Code)
	}
}

func TestChatProviderErrorStatus(t *testing.T) {
	stub := defaultStub()
	pe := models.NewProviderError("stub", models.ErrRateLimit, 429, "slow down")
	pe.RetryAfter = 30 * time.Second
	stub.chatErr = pe
	srv, _ := newTestServer(t, stub)

	rec := do(srv, http.MethodPost, "/v1/chat/completions", `{"model":"stub-model","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("status %d retry-after %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), `"code":"rate_limit"`) {
		t.Fatalf("body %s", rec.Body.String())
	}
}

func TestAbort(t *testing.T) {
	srv, mem := newTestServer(t, defaultStub())

	rec := do(srv, http.MethodPost, "/v1/chat/abort", `{"message_id":"m-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}
	if ok, _ := mem.Get(context.Background(), "m-1"); !ok {
		t.Fatalf("abort flag not set")
	}
	if rec := do(srv, http.MethodPost, "/v1/chat/abort", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status %d", rec.Code)
	}
}

func TestChatCompletionsPassthrough(t *testing.T) {
	srv, mem := newTestServer(t, defaultStub())

	rec := do(srv, http.MethodPost, "/v1/chat/completions", `{"model":"stub-model","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "chat.completion" || resp.Choices[0].Message.Content != "pong" || resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}

	rec = do(srv, http.MethodPost, "/v1/chat/completions", `{"model":"stub-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	body := rec.Body.String()
	if !strings.Contains(body, `"object":"chat.completion.chunk"`) || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("unexpected stream %s", body)
	}
	if strings.Count(body, "data: ") != 4 {
		t.Fatalf("expected 3 chunks and a terminator, got %s", body)
	}

	// Passthrough never touches the store.
	if ok, err := mem.Get(context.Background(), "anything"); ok || err != nil {
		t.Fatalf("unexpected store state")
	}
}

func TestToHTTPErrorMapping(t *testing.T) {
	cases := []struct {
		code   models.ErrorCode
		status int
	}{
		{models.ErrInvalidRequest, http.StatusBadRequest},
		{models.ErrContextLengthExceeded, http.StatusBadRequest},
		{models.ErrInvalidAPIKey, http.StatusUnauthorized},
		{models.ErrModelNotFound, http.StatusNotFound},
		{models.ErrQuotaExceeded, http.StatusTooManyRequests},
		{models.ErrTimeout, http.StatusGatewayTimeout},
		{models.ErrServer, http.StatusBadGateway},
		{models.ErrNetwork, http.StatusBadGateway},
	}
	for _, tc := range cases {
		got := toHTTPError(models.NewProviderError("p", tc.code, 0, "x"))
		if got.Status != tc.status {
			t.Errorf("%s: status %d, want %d", tc.code, got.Status, tc.status)
		}
	}
	if got := toHTTPError(errors.New("boom")); got.Status != http.StatusInternalServerError {
		t.Errorf("plain error status %d", got.Status)
	}
}
