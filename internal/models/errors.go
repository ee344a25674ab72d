package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the provider-independent failure taxonomy.
type ErrorCode string

const (
	ErrInvalidAPIKey         ErrorCode = "INVALID_API_KEY"
	ErrRateLimit             ErrorCode = "RATE_LIMIT"
	ErrQuotaExceeded         ErrorCode = "QUOTA_EXCEEDED"
	ErrInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrModelNotFound         ErrorCode = "MODEL_NOT_FOUND"
	ErrContextLengthExceeded ErrorCode = "CONTEXT_LENGTH_EXCEEDED"
	ErrContentFiltered       ErrorCode = "CONTENT_FILTERED"
	ErrServer                ErrorCode = "SERVER_ERROR"
	ErrTimeout               ErrorCode = "TIMEOUT"
	ErrNetwork               ErrorCode = "NETWORK_ERROR"
	ErrUnknown               ErrorCode = "UNKNOWN"
)

// Retryable reports whether failures with this code may succeed on retry.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrRateLimit, ErrServer, ErrNetwork:
		return true
	}
	return false
}

// ProviderError is the single error type surfaced by adapters.
type ProviderError struct {
	Code       ErrorCode
	StatusCode int
	Provider   string
	Retryable  bool
	// RetryAfter is an exact upstream-supplied delay; zero means none.
	RetryAfter time.Duration
	Message    string
	Err        error
}

// NewProviderError builds an error whose retryability follows its code.
func NewProviderError(provider string, code ErrorCode, status int, message string) *ProviderError {
	return &ProviderError{
		Code:       code,
		StatusCode: status,
		Provider:   provider,
		Retryable:  code.Retryable(),
		Message:    message,
	}
}

// Wrap attaches a cause and returns the receiver.
func (e *ProviderError) Wrap(err error) *ProviderError {
	e.Err = err
	return e
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Code, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
