package remote

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		message   string
		retryable bool
	}{
		{"request timeout after 30s", true},
		{"connection refused", true},
		{"network unreachable", true},
		{"rate limit exceeded", true},
		{"Too Many Requests", true},
		{"HTTP 429 returned", true},
		{"Overloaded", true},
		{"status 529", true},
		{"invalid request body", false},
		{"violates content policy", false},
		{"malformed prompt payload", false},
		{"HTTP 400 bad request", false},
		{"unsupported message format", false},
		{"invalid_request_error: field missing", false},
		{"something entirely unexpected", true},
		{"", true},
	}

	for _, tc := range cases {
		if got := ClassifyMessage(tc.message); got != tc.retryable {
			t.Errorf("ClassifyMessage(%q) = %v, want %v", tc.message, got, tc.retryable)
		}
	}
}

func TestClassifyMessageRetryKeywordsWin(t *testing.T) {
	// A throttling failure mentioning a request id with "400" in it must
	// still retry: retry keywords are checked first.
	if !ClassifyMessage("rate limit exceeded for request req_400abc") {
		t.Error("retry keyword should take precedence over no-retry keyword")
	}
}

func TestClassifyStatusCode(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{429, true},
		{500, true},
		{502, true},
		{529, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{413, false},
	}
	for _, tc := range cases {
		if got := ClassifyStatusCode(tc.code); got != tc.retryable {
			t.Errorf("ClassifyStatusCode(%d) = %v, want %v", tc.code, got, tc.retryable)
		}
	}
}

func TestNewErrorStatusCodeTakesPrecedence(t *testing.T) {
	// The message alone says retry, the status says permanent
	err := NewError("create batch", "connection reset by upstream", 400)
	if err.Retryable {
		t.Error("HTTP 400 must not retry regardless of message keywords")
	}

	err = NewError("create batch", "invalid upstream response", 503)
	if !err.Retryable {
		t.Error("HTTP 503 must retry regardless of message keywords")
	}
}

func TestErrorString(t *testing.T) {
	err := NewError("create batch", "overloaded", 529)
	if got := err.Error(); got != "create batch: overloaded (HTTP 529)" {
		t.Errorf("unexpected error string: %s", got)
	}

	err = NewError("batch status", "connection refused", 0)
	if got := err.Error(); got != "batch status: connection refused" {
		t.Errorf("unexpected error string: %s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := NewError("create batch", "timeout", 0)
	if !IsRetryable(retryable) {
		t.Error("timeout error should be retryable")
	}

	permanent := NewError("create batch", "invalid request", 0)
	if IsRetryable(permanent) {
		t.Error("invalid request should not be retryable")
	}

	wrapped := fmt.Errorf("submitting task: %w", permanent)
	if IsRetryable(wrapped) {
		t.Error("classification must survive wrapping")
	}

	if !IsRetryable(errors.New("plain error")) {
		t.Error("unclassified errors default to retryable")
	}
}
