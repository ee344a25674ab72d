package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"llm-relay/internal/models"
)

// Kind is the closed set of upstream protocols.
type Kind string

const (
	KindOpenAI     Kind = "openai"
	KindAzure      Kind = "azure"
	KindGroq       Kind = "groq"
	KindMistral    Kind = "mistral"
	KindOpenRouter Kind = "openrouter"
	KindOllama     Kind = "ollama"
	KindAnthropic  Kind = "anthropic"
	KindGoogle     Kind = "google"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindOpenAI, KindAzure, KindGroq, KindMistral, KindOpenRouter, KindOllama, KindAnthropic, KindGoogle}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// InferKind guesses the protocol from an upstream base URL. Anything not
// recognised is assumed to speak the OpenAI protocol.
func InferKind(baseURL string) Kind {
	lower := strings.ToLower(baseURL)
	host := lower
	port := ""
	if u, err := url.Parse(lower); err == nil && u.Host != "" {
		host = u.Hostname()
		port = u.Port()
	}

	switch {
	case strings.HasSuffix(host, "anthropic.com"):
		return KindAnthropic
	case strings.HasSuffix(host, "openai.azure.com"):
		return KindAzure
	case strings.HasSuffix(host, "groq.com"):
		return KindGroq
	case strings.HasSuffix(host, "mistral.ai"):
		return KindMistral
	case strings.HasSuffix(host, "openrouter.ai"):
		return KindOpenRouter
	case strings.HasSuffix(host, "generativelanguage.googleapis.com"):
		return KindGoogle
	case port == "11434" || strings.Contains(lower, "ollama"):
		return KindOllama
	default:
		return KindOpenAI
	}
}

// Provider is the contract every upstream adapter implements.
type Provider interface {
	Name() string
	Kind() Kind
	// Models returns the statically configured models.
	Models() []models.ModelConfig
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
	// Stream starts a streamed generation. The returned stream is finite and
	// must be closed by the caller.
	Stream(ctx context.Context, req models.ChatRequest) (*Stream, error)
	// CountTokens estimates the prompt size of messages for model.
	CountTokens(messages []models.ChatMessage, model string) int
}

// ValidateRequest checks req and reports failures as INVALID_REQUEST.
func ValidateRequest(providerName string, req models.ChatRequest) error {
	if err := req.Validate(); err != nil {
		return models.NewProviderError(providerName, models.ErrInvalidRequest, 0, err.Error()).Wrap(err)
	}
	return nil
}

// FindModel returns the entry for id from list, or a zero config carrying id.
func FindModel(list []models.ModelConfig, id string) models.ModelConfig {
	for _, m := range list {
		if m.ID == id {
			return m
		}
	}
	return models.ModelConfig{ID: id}
}
