package ollama

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"llm-relay/internal/config"
	"llm-relay/internal/models"
	"llm-relay/internal/provider"
	"llm-relay/internal/tokens"
	"llm-relay/internal/transport"
)

const defaultBaseURL = "http://localhost:11434"

// Provider talks to the native Ollama chat endpoint through the ollama SDK.
// No API key is required; one is forwarded as a bearer token when set.
type Provider struct {
	name   string
	client *transport.Client
	api    *api.Client
	models []models.ModelConfig
}

// New creates an Ollama provider.
func New(name string, cfg config.ProviderConfig, modelList []models.ModelConfig, opts transport.Options) (*Provider, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	base = strings.TrimSuffix(base, "/v1")
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("base url must include scheme and host")
	}

	opts.Provider = name
	client := transport.New(opts)

	httpClient := client.HTTPClient()
	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	if len(headers) > 0 {
		next := httpClient.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		httpClient = &http.Client{Transport: &headerTransport{header: headers, next: next}}
	}

	return &Provider{
		name:   name,
		client: client,
		api:    api.NewClient(u, httpClient),
		models: modelList,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() provider.Kind {
	return provider.KindOllama
}

func (p *Provider) Models() []models.ModelConfig {
	result := make([]models.ModelConfig, len(p.models))
	copy(result, p.models)
	return result
}

func (p *Provider) CountTokens(messages []models.ChatMessage, model string) int {
	return tokens.Ollama.Count(messages)
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	chatReq, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.client.WithTimeout(ctx)
	defer cancel()

	var final api.ChatResponse
	var content strings.Builder
	var calls []models.ToolCall
	err = p.client.Retry(ctx, p.estimate(req), func(ctx context.Context) error {
		content.Reset()
		calls = nil
		return p.classify(p.api.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			content.WriteString(resp.Message.Content)
			more, err := toolCalls(resp.Message)
			if err != nil {
				return err
			}
			calls = append(calls, more...)
			if resp.Done {
				final = resp
			}
			return nil
		}))
	})
	if err != nil {
		return nil, err
	}

	return &models.ChatResponse{
		Model:        final.Model,
		Content:      content.String(),
		ToolCalls:    calls,
		FinishReason: mapDoneReason(final.DoneReason, len(calls) > 0),
		Usage:        usageOf(final),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req models.ChatRequest) (*provider.Stream, error) {
	chatReq, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.client.WithTimeout(ctx)
	started := make(chan error, 1)

	stream := provider.NewStream(ctx, cancel, p.name, func(ctx context.Context, emit provider.Emit) error {
		state := &streamState{model: req.Model}
		first := true
		err := p.client.Retry(ctx, p.estimate(req), func(ctx context.Context) error {
			err := p.api.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
				if first {
					first = false
					started <- nil
				}
				return state.handle(resp, emit)
			})
			if err != nil && !first {
				// Chunks already reached the consumer; a retry would repeat them.
				pe, _ := models.AsProviderError(p.classify(err))
				final := *pe
				final.Retryable = false
				return &final
			}
			return p.classify(err)
		})
		if first {
			started <- err
		}
		return err
	})

	if err := <-started; err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

func (p *Provider) buildRequest(req models.ChatRequest, stream bool) (*api.ChatRequest, error) {
	if err := provider.ValidateRequest(p.name, req); err != nil {
		return nil, err
	}
	payload, err := buildChatPayload(req, provider.FindModel(p.models, req.Model))
	if err != nil {
		return nil, transport.InvalidRequest(p.name, "%v", err)
	}
	payload.Stream = stream
	chatReq, err := toAPIRequest(payload)
	if err != nil {
		return nil, transport.InvalidRequest(p.name, "%v", err)
	}
	return chatReq, nil
}

func (p *Provider) estimate(req models.ChatRequest) int {
	n := p.CountTokens(req.Messages, req.Model)
	if req.MaxTokens != nil {
		n += *req.MaxTokens
	}
	return n
}

// classify maps SDK failures onto the error taxonomy. It returns a nil error
// interface for a nil input.
func (p *Provider) classify(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := models.AsProviderError(err); ok {
		return pe
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if code, ok := codeFromMessage(statusErr.ErrorMessage); ok {
			return models.NewProviderError(p.name, code, statusErr.StatusCode, statusErr.ErrorMessage)
		}
		return transport.ClassifyStatus(p.name, statusErr.StatusCode, statusErr.ErrorMessage)
	}

	var netErr net.Error
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return transport.ClassifyError(p.name, err)
	}

	// Anything else is an error message reported by the server.
	if code, ok := codeFromMessage(err.Error()); ok {
		return models.NewProviderError(p.name, code, 0, err.Error()).Wrap(err)
	}
	return models.NewProviderError(p.name, models.ErrUnknown, 0, err.Error()).Wrap(err)
}

func codeFromMessage(message string) (models.ErrorCode, bool) {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "not found"):
		return models.ErrModelNotFound, true
	case strings.Contains(lower, "context length"), strings.Contains(lower, "context window"), strings.Contains(lower, "too long"):
		return models.ErrContextLengthExceeded, true
	case strings.Contains(lower, "unauthorized"):
		return models.ErrInvalidAPIKey, true
	}
	return "", false
}

type headerTransport struct {
	header http.Header
	next   http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, values := range t.header {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return t.next.RoundTrip(req)
}
