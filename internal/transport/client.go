package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"llm-relay/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "llm-relay/0.2"
	// DefaultTimeout bounds a whole upstream call, stream included.
	DefaultTimeout = 120 * time.Second
)

var tracer = otel.Tracer("llm-relay/transport")

// ErrorDecoder turns a non-2xx upstream response into a ProviderError.
// Returning nil falls back to the status-code default.
type ErrorDecoder func(status int, header http.Header, body []byte) *models.ProviderError

// Options configures a Client.
type Options struct {
	Provider          string
	HTTPClient        *http.Client
	Timeout           time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestsPerMinute int
	TokensPerMinute   int
	DecodeError       ErrorDecoder
	Logger            *zap.Logger
}

// Client is the shared upstream caller: timeout composition, rate limiting,
// retry with backoff and error classification.
type Client struct {
	provider string
	http     *http.Client
	timeout  time.Duration
	retrier  *Retrier
	decode   ErrorDecoder
	logger   *zap.Logger
}

// Request is one upstream HTTP call.
type Request struct {
	Method          string
	URL             string
	Header          http.Header
	Body            any
	EstimatedTokens int
}

// New constructs a Client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		provider: opts.Provider,
		http:     httpClient,
		timeout:  timeout,
		retrier: &Retrier{
			Provider:   opts.Provider,
			MaxRetries: max(opts.MaxRetries, 0),
			BaseDelay:  opts.BaseDelay,
			MaxDelay:   opts.MaxDelay,
			Limiter:    NewRateLimiter(opts.RequestsPerMinute, opts.TokensPerMinute),
			Logger:     logger,
		},
		decode: opts.DecodeError,
		logger: logger,
	}
}

// Provider returns the provider name used in errors.
func (c *Client) Provider() string {
	return c.provider
}

// HTTPClient exposes the pooled client for SDKs that drive HTTP themselves.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Retrier exposes the retry policy, mainly so tests can stub sleeping.
func (c *Client) Retrier() *Retrier {
	return c.retrier
}

// WithTimeout arms the call timeout on top of the caller's context. Whichever
// fires first aborts the in-flight call.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Retry runs fn under the client's retry and rate-limit policy.
func (c *Client) Retry(ctx context.Context, estimatedTokens int, fn func(ctx context.Context) error) error {
	return c.retrier.Do(ctx, estimatedTokens, func(ctx context.Context, attempt int) error {
		ctx, span := tracer.Start(ctx, "transport.attempt", trace.WithAttributes(
			attribute.String("provider", c.provider),
			attribute.Int("attempt", attempt),
		))
		defer span.End()

		err := fn(ctx)
		if err != nil {
			pe := ClassifyError(c.provider, err)
			span.SetAttributes(attribute.String("error.code", string(pe.Code)))
			span.SetStatus(codes.Error, pe.Error())
			return pe
		}
		return nil
	})
}

// Send performs req with retries and returns the first 2xx response. The
// caller owns the response body.
func (c *Client) Send(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, InvalidRequest(c.provider, "marshal payload: %v", err)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var resp *http.Response
	err = c.Retry(ctx, req.EstimatedTokens, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(body))
		if err != nil {
			return InvalidRequest(c.provider, "construct request: %v", err)
		}
		httpReq.Header.Set("Content-Type", contentTypeJSON)
		httpReq.Header.Set("User-Agent", userAgent)
		for k, values := range req.Header {
			httpReq.Header.Del(k)
			for _, v := range values {
				httpReq.Header.Add(k, v)
			}
		}

		r, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			defer r.Body.Close()
			return c.classifyResponse(r)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SendJSON performs req and decodes the JSON response body into out.
func (c *Client) SendJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ClassifyError(c.provider, fmt.Errorf("decode provider response: %w", err))
	}
	return nil
}

func (c *Client) classifyResponse(resp *http.Response) *models.ProviderError {
	body := ReadErrorBody(resp)
	var pe *models.ProviderError
	if c.decode != nil {
		pe = c.decode(resp.StatusCode, resp.Header, body)
	}
	if pe == nil {
		pe = ClassifyStatus(c.provider, resp.StatusCode, string(bytes.TrimSpace(body)))
	}
	pe.Provider = c.provider
	pe.StatusCode = resp.StatusCode
	if after := ParseRetryAfter(resp.Header, time.Now()); after > 0 && pe.Retryable {
		pe.RetryAfter = after
	}
	c.logger.Debug("upstream error",
		zap.String("provider", c.provider),
		zap.Int("status", resp.StatusCode),
		zap.String("code", string(pe.Code)),
	)
	return pe
}
