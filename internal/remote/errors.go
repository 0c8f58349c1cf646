package remote

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a classified remote API failure. Retryable tells the
// dispatcher whether re-queueing the task can help (transport hiccups,
// rate limits) or whether the request itself is bad and retrying would
// only burn attempts.
type Error struct {
	// Op is the operation that failed ("create batch", "batch status",
	// "batch results")
	Op string

	// Message is the underlying failure text
	Message string

	// StatusCode is the HTTP status when one was received, 0 otherwise
	StatusCode int

	// Retryable marks transient failures
	Retryable bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Op, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// IsRetryable reports whether err is a remote error marked retryable.
// Unclassified errors count as retryable, matching Classify's default.
func IsRetryable(err error) bool {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Retryable
	}
	return true
}

// Keyword classes for failures that arrive as bare text. Transient
// transport and throttling problems retry; content and format problems
// never will succeed, so they fail fast.
var (
	retryKeywords = []string{
		"timeout",
		"connection",
		"network",
		"rate limit",
		"too many requests",
		"429",
		"overloaded",
		"529",
	}

	noRetryKeywords = []string{
		"invalid",
		"content policy",
		"malformed",
		"400",
		"format",
		"invalid_request_error",
	}
)

// ClassifyMessage decides retryability from an error message alone.
// Unrecognized failures default to retryable; a wasted retry is cheaper
// than a wrongly failed task.
func ClassifyMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, keyword := range retryKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	for _, keyword := range noRetryKeywords {
		if strings.Contains(lower, keyword) {
			return false
		}
	}
	return true
}

// ClassifyStatusCode decides retryability from an HTTP status. Throttling
// and server-side failures retry; other client errors do not.
func ClassifyStatusCode(code int) bool {
	if code == 429 || code == 529 {
		return true
	}
	if code >= 500 {
		return true
	}
	return false
}

// NewError builds a classified Error. A known HTTP status takes
// precedence over keyword matching.
func NewError(op, message string, statusCode int) *Error {
	retryable := ClassifyMessage(message)
	if statusCode > 0 {
		retryable = ClassifyStatusCode(statusCode)
	}
	return &Error{
		Op:         op,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
	}
}
