package google

import (
	"encoding/json"
	"net/http"
	"strings"

	"llm-relay/internal/models"
	"llm-relay/internal/transport"
)

type errorResponse struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e apiError) toProviderError(providerName string, status int) *models.ProviderError {
	lower := strings.ToLower(e.Message)
	var code models.ErrorCode
	switch e.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		code = models.ErrInvalidAPIKey
	case "RESOURCE_EXHAUSTED":
		if strings.Contains(lower, "quota") && !strings.Contains(lower, "per minute") {
			code = models.ErrQuotaExceeded
		} else {
			code = models.ErrRateLimit
		}
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		switch {
		case strings.Contains(lower, "api key"):
			code = models.ErrInvalidAPIKey
		case strings.Contains(lower, "token") && (strings.Contains(lower, "exceed") || strings.Contains(lower, "limit")):
			code = models.ErrContextLengthExceeded
		default:
			code = models.ErrInvalidRequest
		}
	case "NOT_FOUND":
		code = models.ErrModelNotFound
	case "INTERNAL", "UNAVAILABLE", "DEADLINE_EXCEEDED":
		code = models.ErrServer
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
		if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil {
			return resp.Error.toProviderError(providerName, status)
		}
		// Streaming endpoints may wrap the error in a one-element array.
		var list []errorResponse
		if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 && list[0].Error != nil {
			return list[0].Error.toProviderError(providerName, status)
		}
		return nil
	}
}
