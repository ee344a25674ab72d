package router

import (
	"context"
	"errors"
	"testing"

	"llm-relay/internal/models"
	"llm-relay/internal/provider"
)

type stubProvider struct {
	name string
	got  models.ChatRequest
	err  error
}

func (s *stubProvider) Name() string        { return s.name }
func (s *stubProvider) Kind() provider.Kind { return provider.KindOpenAI }
func (s *stubProvider) Models() []models.ModelConfig {
	return []models.ModelConfig{{ID: "gpt-4o", Provider: s.name}}
}
func (s *stubProvider) CountTokens(messages []models.ChatMessage, model string) int { return 0 }

func (s *stubProvider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return &models.ChatResponse{Model: req.Model, Content: "ok"}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req models.ChatRequest) (*provider.Stream, error) {
	return nil, provider.ErrUnsupportedOperation
}

func newRouter(t *testing.T, p *stubProvider) *Router {
	t.Helper()
	registry := provider.NewRegistry()
	if err := registry.RegisterProvider(p, map[string]string{"smart": "gpt-4o"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return New(registry)
}

func TestChatRewritesAlias(t *testing.T) {
	p := &stubProvider{name: "openai"}
	r := newRouter(t, p)

	resp, info, err := r.Chat(context.Background(), models.ChatRequest{Model: "smart"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if p.got.Model != "gpt-4o" || resp.Model != "gpt-4o" || info.Provider != "openai" {
		t.Fatalf("alias not resolved: %+v %+v", p.got, info)
	}
}

func TestChatUnknownModel(t *testing.T) {
	r := newRouter(t, &stubProvider{name: "openai"})
	if _, _, err := r.Chat(context.Background(), models.ChatRequest{Model: "nope"}); !errors.Is(err, provider.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestChatKeepsProviderError(t *testing.T) {
	pe := models.NewProviderError("openai", models.ErrRateLimit, 429, "slow down")
	r := newRouter(t, &stubProvider{name: "openai", err: pe})
	_, _, err := r.Chat(context.Background(), models.ChatRequest{Model: "openai:gpt-4o"})
	got, ok := models.AsProviderError(err)
	if !ok || got.Code != models.ErrRateLimit {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestStreamPropagatesUnsupported(t *testing.T) {
	r := newRouter(t, &stubProvider{name: "openai"})
	if _, _, err := r.Stream(context.Background(), models.ChatRequest{Model: "gpt-4o"}); !errors.Is(err, provider.ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}
