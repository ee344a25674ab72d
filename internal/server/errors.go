package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"llm-relay/internal/chat"
	"llm-relay/internal/models"
	"llm-relay/internal/provider"
)

type requestError struct {
	Status     int
	Message    string
	Type       string
	Code       string
	RetryAfter int
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func newErrorBody(message, errType, code string) errorBody {
	return errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}}
}

func openAIErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var reqErr requestError
		if !errors.As(err, &reqErr) {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				reqErr = requestError{Status: he.Code, Message: http.StatusText(he.Code), Type: "invalid_request_error"}
				if msg, ok := he.Message.(string); ok {
					reqErr.Message = msg
				}
			} else {
				reqErr = toHTTPError(err)
			}
		}
		if reqErr.Status >= http.StatusInternalServerError {
			logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		}
		if reqErr.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(reqErr.RetryAfter))
		}
		_ = c.JSON(reqErr.Status, newErrorBody(reqErr.Message, reqErr.Type, reqErr.Code))
	}
}

func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, provider.ErrUnknownModel):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "invalid_request_error", Code: "model_not_found"}
	case errors.Is(err, provider.ErrUnsupportedOperation), errors.Is(err, chat.ErrInvalidRequest):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}

	if pe, ok := models.AsProviderError(err); ok {
		status, errType := statusFor(pe.Code)
		out := requestError{
			Status:  status,
			Message: pe.Message,
			Type:    errType,
			Code:    strings.ToLower(string(pe.Code)),
		}
		if out.Message == "" {
			out.Message = pe.Error()
		}
		if pe.RetryAfter > 0 {
			out.RetryAfter = int(pe.RetryAfter.Seconds() + 0.5)
		}
		return out
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

func statusFor(code models.ErrorCode) (int, string) {
	switch code {
	case models.ErrInvalidRequest, models.ErrContextLengthExceeded:
		return http.StatusBadRequest, "invalid_request_error"
	case models.ErrInvalidAPIKey:
		return http.StatusUnauthorized, "authentication_error"
	case models.ErrModelNotFound:
		return http.StatusNotFound, "invalid_request_error"
	case models.ErrRateLimit, models.ErrQuotaExceeded:
		return http.StatusTooManyRequests, "rate_limit_error"
	case models.ErrTimeout:
		return http.StatusGatewayTimeout, "timeout_error"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}
