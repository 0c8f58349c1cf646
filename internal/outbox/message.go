// Package outbox implements a transactional outbox on Redis for webhook
// delivery. A message is enqueued in the same Redis transaction as the
// terminal task transition that produced it, so a completion can never be
// recorded without its notification and a notification can never exist
// for a transition that was rolled back.
//
// Delivery lifecycle (single-relay, score-based):
//  1. The relay claims due messages from outbox:pending, scored by
//     next_retry_at (initially the enqueue time)
//  2. A delivered message moves to outbox:sent, scored by sent_at
//  3. A failed delivery re-scores the pending entry to now + min(60s * 2^n, 24h)
//  4. Crash recovery is implicit: an unacknowledged message stays due in
//     outbox:pending and is claimed again on the next cycle
//
// Receivers must treat deliveries as at-least-once and deduplicate on
// message id.
package outbox

import (
	"time"
)

// Status is the terminal task outcome a message notifies about.
type Status string

const (
	// StatusCompleted - the task produced a result
	StatusCompleted Status = "completed"

	// StatusFailed - the task failed permanently
	StatusFailed Status = "failed"
)

// Message is one webhook notification awaiting delivery.
type Message struct {
	// ID is the unique message identifier (TSID format, 13-char
	// Crockford Base32, time-sorted)
	ID string `json:"message_id"`

	// TaskID and DocumentID identify the task the notification is about
	TaskID     string `json:"task_id"`
	DocumentID string `json:"document_id"`

	// Status is the terminal outcome being announced
	Status Status `json:"status"`

	// Payload is the serialized JSON body to deliver
	Payload string `json:"payload"`

	// CallbackURL is captured from the task at enqueue time so config
	// changes never redirect queued notifications
	CallbackURL string `json:"callback_url"`

	// RetryCount is the number of failed delivery attempts so far
	RetryCount int `json:"retry_count"`

	// NextRetryAt is when the message becomes due again. Zero means due
	// immediately.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`

	// LastError is the most recent delivery failure
	LastError string `json:"last_error,omitempty"`

	// SentAt is set exactly once when a delivery is acknowledged
	SentAt time.Time `json:"sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsSent returns true once the message was acknowledged.
func (m *Message) IsSent() bool {
	return !m.SentAt.IsZero()
}
