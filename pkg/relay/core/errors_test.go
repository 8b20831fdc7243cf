package core

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "first message must be valid JSON",
	}

	expected := "invalid_request_error: first message must be valid JSON"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrRateLimit,
		Message: "too many sessions",
		Code:    "session_limit",
	}

	expected := "rate_limit_error: too many sessions (code: session_limit)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("bad message")
	if err.Type != ErrInvalidRequest {
		t.Errorf("Type = %v, want %v", err.Type, ErrInvalidRequest)
	}
	if err.Message != "bad message" {
		t.Errorf("Message = %q, want %q", err.Message, "bad message")
	}
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("too many sessions", 30)
	if err.Type != ErrRateLimit {
		t.Errorf("Type = %v, want %v", err.Type, ErrRateLimit)
	}
	if err.RetryAfter == nil || *err.RetryAfter != 30 {
		t.Errorf("RetryAfter = %v, want 30", err.RetryAfter)
	}
}

func TestNewUpstreamError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewUpstreamError("Gemini API unavailable", cause)
	if err.Type != ErrUpstream {
		t.Errorf("Type = %v, want %v", err.Type, ErrUpstream)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	expected := "upstream_error: Gemini API unavailable: dial tcp: connection refused"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  *Error
		want bool
	}{
		{NewRateLimitError("slow down", 1), true},
		{NewOverloadedError("draining"), true},
		{NewUpstreamError("unreachable", nil), true},
		{NewInvalidRequestError("bad"), false},
		{NewNotFoundError("missing"), false},
		{NewInternalError("boom"), false},
	}

	for _, tt := range tests {
		if got := tt.err.IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.err.Type, got, tt.want)
		}
	}
}
