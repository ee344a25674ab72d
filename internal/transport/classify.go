package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llm-relay/internal/models"
)

const (
	maxErrorBodyBytes = 64 * 1024
	// DefaultRateLimitRetryAfter is the hint attached to a bare 429.
	DefaultRateLimitRetryAfter = 60 * time.Second
)

// ClassifyStatus maps an HTTP status to the default error code.
func ClassifyStatus(provider string, status int, message string) *models.ProviderError {
	var code models.ErrorCode
	switch {
	case status == http.StatusBadRequest:
		code = models.ErrInvalidRequest
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		code = models.ErrInvalidAPIKey
	case status == http.StatusNotFound:
		code = models.ErrModelNotFound
	case status == http.StatusRequestEntityTooLarge:
		code = models.ErrContextLengthExceeded
	case status == http.StatusTooManyRequests:
		code = models.ErrRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		code = models.ErrServer
	case status >= 500:
		code = models.ErrServer
	case status >= 400:
		code = models.ErrInvalidRequest
	default:
		code = models.ErrUnknown
	}
	if message == "" {
		message = http.StatusText(status)
	}
	pe := models.NewProviderError(provider, code, status, message)
	if code == models.ErrRateLimit {
		pe.RetryAfter = DefaultRateLimitRetryAfter
	}
	return pe
}

// ClassifyError converts any failure into a ProviderError. Cancellation and
// deadline expiry become TIMEOUT; unclassified errors become NETWORK_ERROR.
func ClassifyError(provider string, err error) *models.ProviderError {
	if err == nil {
		return nil
	}
	if pe, ok := models.AsProviderError(err); ok {
		return pe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewProviderError(provider, models.ErrTimeout, 0, "request cancelled or timed out").Wrap(err)
	}
	return models.NewProviderError(provider, models.ErrNetwork, 0, err.Error()).Wrap(err)
}

// InvalidRequest wraps a local validation failure.
func InvalidRequest(provider string, format string, args ...any) *models.ProviderError {
	return models.NewProviderError(provider, models.ErrInvalidRequest, 0, fmt.Sprintf(format, args...))
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	value := strings.TrimSpace(h.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ReadErrorBody reads a bounded prefix of an error response body.
func ReadErrorBody(resp *http.Response) []byte {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil
	}
	return body
}
