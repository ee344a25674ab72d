package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"llm-relay/internal/config"
	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/tokens"
	"llm-relay/internal/transport"
)

var defaultBaseURLs = map[provider.Kind]string{
	provider.KindOpenAI:     "https://api.openai.com/v1",
	provider.KindGroq:       "https://api.groq.com/openai/v1",
	provider.KindMistral:    "https://api.mistral.ai/v1",
	provider.KindOpenRouter: "https://openrouter.ai/api/v1",
}

// Provider implements the OpenAI chat/completions protocol and its
// compatible variants (Azure, Groq, Mistral, OpenRouter).
type Provider struct {
	name        string
	kind        provider.Kind
	apiKey      string
	baseURL     string
	headers     map[string]string
	client      *transport.Client
	models      []models.ModelConfig
	apiVersion  string
	deployments map[string]string
	referer     string
	title       string
}

// New creates a provider for one of the OpenAI-compatible kinds.
func New(name string, kind provider.Kind, cfg config.ProviderConfig, modelList []models.ModelConfig, opts transport.Options) (*Provider, error) {
	switch kind {
	case provider.KindOpenAI, provider.KindAzure, provider.KindGroq, provider.KindMistral, provider.KindOpenRouter:
	default:
		return nil, fmt.Errorf("openai provider %q cannot serve kind %q", name, kind)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key must not be empty")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURLs[kind]
	}
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if kind == provider.KindAzure && cfg.APIVersion == "" {
		return nil, errors.New("azure requires an api version")
	}

	opts.Provider = name
	opts.DecodeError = decodeError(name)

	return &Provider{
		name:        name,
		kind:        kind,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		headers:     cfg.Headers,
		client:      transport.New(opts),
		models:      modelList,
		apiVersion:  cfg.APIVersion,
		deployments: cfg.Deployments,
		referer:     cfg.Referer,
		title:       cfg.Title,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() provider.Kind {
	return p.kind
}

func (p *Provider) Models() []models.ModelConfig {
	result := make([]models.ModelConfig, len(p.models))
	copy(result, p.models)
	return result
}

func (p *Provider) CountTokens(messages []models.ChatMessage, model string) int {
	return tokens.OpenAI.Count(messages)
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	payload, err := p.buildPayload(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.client.WithTimeout(ctx)
	defer cancel()

	var resp goopenai.ChatCompletionResponse
	if err := p.client.SendJSON(ctx, p.request(payload, req), &resp); err != nil {
		return nil, err
	}
	return fromResponse(p.name, resp)
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
		state := &streamState{provider: p.name, model: req.Model}
		return state.run(transport.NewSSEReader(resp.Body), emit)
	}), nil
}

func (p *Provider) buildPayload(req models.ChatRequest, stream bool) (chatPayload, error) {
	if err := provider.ValidateRequest(p.name, req); err != nil {
		return chatPayload{}, err
	}
	payload, err := buildChatPayload(p.kind, req)
	if err != nil {
		return chatPayload{}, transport.InvalidRequest(p.name, "%v", err)
	}
	if stream {
		payload.Stream = true
		if includesStreamUsage(p.kind) {
			payload.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
		}
	}
	return payload, nil
}

func (p *Provider) chatURL(model string) string {
	if p.kind != provider.KindAzure {
		return p.baseURL + "/chat/completions"
	}
	deployment := model
	if d, ok := p.deployments[model]; ok && d != "" {
		deployment = d
	}
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.baseURL, url.PathEscape(deployment), url.QueryEscape(p.apiVersion))
}

func (p *Provider) request(payload chatPayload, req models.ChatRequest) transport.Request {
	header := http.Header{}
	if p.kind == provider.KindAzure {
		header.Set("api-key", p.apiKey)
	} else {
		header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if p.kind == provider.KindOpenRouter {
		if p.referer != "" {
			header.Set("HTTP-Referer", p.referer)
		}
		if p.title != "" {
			header.Set("X-Title", p.title)
		}
	}
	if payload.Stream {
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
		URL:             p.chatURL(req.Model),
		Header:          header,
		Body:            payload,
		EstimatedTokens: estimated,
	}
}

func includesStreamUsage(kind provider.Kind) bool {
	switch kind {
	case provider.KindOpenAI, provider.KindAzure, provider.KindOpenRouter:
		return true
	}
	return false
}
