package anthropic

import (
	"encoding/json"
	"net/http"
	"strings"

	"llm-relay/internal/models"
	"llm-relay/internal/transport"
)

type errorResponse struct {
	Type  string   `json:"type"`
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e apiError) toProviderError(providerName string, status int) *models.ProviderError {
	var code models.ErrorCode
	lower := strings.ToLower(e.Message)
	switch e.Type {
	case "authentication_error", "permission_error":
		code = models.ErrInvalidAPIKey
	case "rate_limit_error":
		code = models.ErrRateLimit
	case "overloaded_error", "api_error":
		code = models.ErrServer
	case "not_found_error":
		code = models.ErrModelNotFound
	case "request_too_large":
		code = models.ErrContextLengthExceeded
	case "billing_error":
		code = models.ErrQuotaExceeded
	case "invalid_request_error":
		switch {
		case strings.Contains(lower, "prompt is too long"), strings.Contains(lower, "context window"):
			code = models.ErrContextLengthExceeded
		case strings.Contains(lower, "credit balance"):
			code = models.ErrQuotaExceeded
		default:
			code = models.ErrInvalidRequest
		}
	default:
		return nil
	}

	pe := models.NewProviderError(providerName, code, status, e.Message)
	if code == models.ErrRateLimit {
		pe.RetryAfter = transport.DefaultRateLimitRetryAfter
	}
	return pe
}

func decodeError(providerName string) transport.ErrorDecoder {
	return func(status int, header http.Header, body []byte) *models.ProviderError {
		var resp errorResponse
		if err := json.Unmarshal(body, &resp); err != nil || resp.Error.Type == "" {
			return nil
		}
		return resp.Error.toProviderError(providerName, status)
	}
}
