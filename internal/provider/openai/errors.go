package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"llm-relay/internal/models"
	"llm-relay/internal/transport"
)

// decodeError reads the OpenAI error envelope. Mistral returns the error
// object at the top level instead of under "error".
func decodeError(providerName string) transport.ErrorDecoder {
	return func(status int, header http.Header, body []byte) *models.ProviderError {
		var resp goopenai.ErrorResponse
		if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil {
			return toProviderError(providerName, status, resp.Error)
		}
		var flat goopenai.APIError
		if err := json.Unmarshal(body, &flat); err == nil && flat.Message != "" {
			return toProviderError(providerName, status, &flat)
		}
		return nil
	}
}

func errorCode(apiErr *goopenai.APIError) string {
	switch code := apiErr.Code.(type) {
	case string:
		return code
	case int:
		if code != 0 {
			return fmt.Sprint(code)
		}
	}
	return ""
}

// toProviderError maps an upstream error object to the canonical taxonomy.
// It returns nil when nothing in the object is recognised.
func toProviderError(providerName string, status int, apiErr *goopenai.APIError) *models.ProviderError {
	code := errorCode(apiErr)
	lower := strings.ToLower(apiErr.Message)

	var mapped models.ErrorCode
	switch {
	case code == "context_length_exceeded", strings.Contains(lower, "maximum context length"),
		strings.Contains(lower, "context length"), strings.Contains(lower, "too many tokens"):
		mapped = models.ErrContextLengthExceeded
	case code == "insufficient_quota", apiErr.Type == "insufficient_quota":
		mapped = models.ErrQuotaExceeded
	case code == "invalid_api_key", apiErr.Type == "authentication_error":
		mapped = models.ErrInvalidAPIKey
	case code == "model_not_found":
		mapped = models.ErrModelNotFound
	case code == "rate_limit_exceeded", apiErr.Type == "rate_limit_exceeded", apiErr.Type == "requests":
		mapped = models.ErrRateLimit
	case code == "content_filter", code == "content_policy_violation":
		mapped = models.ErrContentFiltered
	case apiErr.Type == "server_error":
		mapped = models.ErrServer
	case apiErr.Type == "invalid_request_error":
		if status == http.StatusNotFound {
			mapped = models.ErrModelNotFound
		} else {
			mapped = models.ErrInvalidRequest
		}
	default:
		return nil
	}

	message := apiErr.Message
	if message == "" {
		message = http.StatusText(status)
	}
	pe := models.NewProviderError(providerName, mapped, status, message)
	if mapped == models.ErrRateLimit {
		pe.RetryAfter = transport.DefaultRateLimitRetryAfter
	}
	return pe
}
