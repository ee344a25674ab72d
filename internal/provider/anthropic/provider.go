package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"llm-relay/internal/config"
	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/tokens"
	"llm-relay/internal/transport"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Provider implements the Anthropic Messages API.
type Provider struct {
	name     string
	apiKey   string
	headers  map[string]string
	client   *transport.Client
	models   []models.ModelConfig
	messages string
}

// New constructs an Anthropic provider instance.
func New(name string, cfg config.ProviderConfig, modelList []models.ModelConfig, opts transport.Options) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key must not be empty")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	opts.Provider = name
	opts.DecodeError = decodeError(name)

	return &Provider{
		name:     name,
		apiKey:   cfg.APIKey,
		headers:  cfg.Headers,
		client:   transport.New(opts),
		models:   modelList,
		messages: baseURL + "/v1/messages",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() provider.Kind {
	return provider.KindAnthropic
}

func (p *Provider) Models() []models.ModelConfig {
	result := make([]models.ModelConfig, len(p.models))
	copy(result, p.models)
	return result
}

func (p *Provider) CountTokens(messages []models.ChatMessage, model string) int {
	return tokens.Anthropic.Count(messages)
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	payload, err := p.buildPayload(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.client.WithTimeout(ctx)
	defer cancel()

	var resp messagesResponse
	if err := p.client.SendJSON(ctx, p.request(payload, req), &resp); err != nil {
		return nil, err
	}
	return resp.toCanonical(), nil
}

func (p *Provider) Stream(ctx context.Context, req models.ChatRequest) (*provider.Stream, error) {
	payload, err := p.buildPayload(req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.client.WithTimeout(ctx)
	resp, err := p.client.Send(ctx, p.request(payload, req))
	if err != nil {
		cancel()
		return nil, err
	}

	return provider.NewStream(ctx, cancel, p.name, func(ctx context.Context, emit provider.Emit) error {
		defer resp.Body.Close()
		return newStreamState(p.name, req.Model).run(transport.NewSSEReader(resp.Body), emit)
	}), nil
}

func (p *Provider) buildPayload(req models.ChatRequest, stream bool) (messagesRequest, error) {
	if err := provider.ValidateRequest(p.name, req); err != nil {
		return messagesRequest{}, err
	}
	payload, err := buildMessagesRequest(req, provider.FindModel(p.models, req.Model))
	if err != nil {
		return messagesRequest{}, transport.InvalidRequest(p.name, "%v", err)
	}
	payload.Stream = stream
	return payload, nil
}

func (p *Provider) request(payload messagesRequest, req models.ChatRequest) transport.Request {
	header := http.Header{}
	header.Set("x-api-key", p.apiKey)
	header.Set("anthropic-version", apiVersion)
	if payload.Stream {
		header.Set("Accept", "text/event-stream")
	} else {
		header.Set("Accept", "application/json")
	}
	for k, v := range p.headers {
		header.Set(k, v)
	}

	return transport.Request{
		Method:          http.MethodPost,
		URL:             p.messages,
		Header:          header,
		Body:            payload,
		EstimatedTokens: p.CountTokens(req.Messages, req.Model) + payload.MaxTokens,
	}
}
