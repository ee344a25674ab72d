package google

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"llm-relay/internal/config"
	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/tokens"
	"llm-relay/internal/transport"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Provider implements the Gemini generateContent REST API.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
	client  *transport.Client
	models  []models.ModelConfig
}

// New constructs a Google provider instance.
func New(name string, cfg config.ProviderConfig, modelList []models.ModelConfig, opts transport.Options) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key must not be empty")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/v1beta")

	opts.Provider = name
	opts.DecodeError = decodeError(name)

	return &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		headers: cfg.Headers,
		client:  transport.New(opts),
		models:  modelList,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() provider.Kind {
	return provider.KindGoogle
}

func (p *Provider) Models() []models.ModelConfig {
	result := make([]models.ModelConfig, len(p.models))
	copy(result, p.models)
	return result
}

func (p *Provider) CountTokens(messages []models.ChatMessage, model string) int {
	return tokens.Google.Count(messages)
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	payload, err := p.buildPayload(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.client.WithTimeout(ctx)
	defer cancel()

	var resp generateResponse
	if err := p.client.SendJSON(ctx, p.request(payload, req, false), &resp); err != nil {
		return nil, err
	}
	return resp.toCanonical(req.Model), nil
}

func (p *Provider) Stream(ctx context.Context, req models.ChatRequest) (*provider.Stream, error) {
	payload, err := p.buildPayload(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.client.WithTimeout(ctx)
	resp, err := p.client.Send(ctx, p.request(payload, req, true))
	if err != nil {
		cancel()
		return nil, err
	}

	return provider.NewStream(ctx, cancel, p.name, func(ctx context.Context, emit provider.Emit) error {
		defer resp.Body.Close()
		state := &streamState{provider: p.name, model: req.Model}
		return state.run(transport.NewSSEReader(resp.Body), emit)
	}), nil
}

func (p *Provider) buildPayload(req models.ChatRequest) (generateRequest, error) {
	if err := provider.ValidateRequest(p.name, req); err != nil {
		return generateRequest{}, err
	}
	payload, err := buildGenerateRequest(req)
	if err != nil {
		return generateRequest{}, transport.InvalidRequest(p.name, "%v", err)
	}
	return payload, nil
}

func (p *Provider) endpoint(model string, stream bool) string {
	model = strings.TrimPrefix(model, "models/")
	if stream {
		return p.baseURL + "/v1beta/models/" + url.PathEscape(model) + ":streamGenerateContent?alt=sse"
	}
	return p.baseURL + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
}

func (p *Provider) request(payload generateRequest, req models.ChatRequest, stream bool) transport.Request {
	header := http.Header{}
	header.Set("x-goog-api-key", p.apiKey)
	if stream {
		header.Set("Accept", "text/event-stream")
	} else {
		header.Set("Accept", "application/json")
	}
	for k, v := range p.headers {
		header.Set(k, v)
	}

	estimated := p.CountTokens(req.Messages, req.Model)
	if req.MaxTokens != nil {
		estimated += *req.MaxTokens
	}
	return transport.Request{
		Method:          http.MethodPost,
		URL:             p.endpoint(req.Model, stream),
		Header:          header,
		Body:            payload,
		EstimatedTokens: estimated,
	}
}
