// Package remote defines the boundary to the batch-oriented language
// model API. The dispatcher and watcher program against BatchClient;
// concrete backends live in subpackages (remote/anthropic). Errors
// crossing this boundary are classified as retryable or permanent, see
// Error.
package remote

import (
	"context"
	"time"
)

// Batch processing states reported by the remote API. Only StatusEnded
// means results are available; an expired or canceling batch keeps its
// tasks in flight until the API settles.
const (
	StatusInProgress = "in_progress"
	StatusEnded      = "ended"
	StatusExpired    = "expired"
	StatusCanceling  = "canceling"
)

// BatchClient submits prompts to the remote batch API and reads results
// back. Implementations must return *Error for request failures so
// callers can branch on retryability.
type BatchClient interface {
	// CreateBatch submits a single-request batch. The customID is echoed
	// back with the result entry and is how results are correlated.
	CreateBatch(ctx context.Context, customID, prompt string) (*BatchHandle, error)

	// BatchStatus reports the processing state of a batch.
	BatchStatus(ctx context.Context, batchID string) (*BatchStatus, error)

	// BatchResults streams the per-request results of an ended batch.
	// The iterator is single-pass; callers drain it exactly once.
	BatchResults(ctx context.Context, batchID string) (ResultIterator, error)
}

// BatchHandle describes a freshly created batch.
type BatchHandle struct {
	BatchID          string
	ProcessingStatus string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// BatchStatus is a point-in-time view of a batch.
type BatchStatus struct {
	BatchID   string
	Status    string
	CreatedAt time.Time
	EndedAt   time.Time

	// ProcessingTime is the batch wall time in seconds, available once
	// both timestamps are set
	ProcessingTime float64

	Counts     RequestCounts
	ResultsURL string
}

// RequestCounts breaks the batch down by request outcome.
type RequestCounts struct {
	Processing int64
	Succeeded  int64
	Errored    int64
	Canceled   int64
	Expired    int64
}

// Result entry kinds. Succeeded and errored entries carry data; anything
// else (canceled, expired) only carries its kind.
const (
	ResultSucceeded = "succeeded"
	ResultErrored   = "errored"
)

// ResultEntry is one per-request outcome from a batch result stream,
// tagged by Kind.
type ResultEntry struct {
	// CustomID echoes the id the request was submitted under
	CustomID string

	// Kind is ResultSucceeded, ResultErrored, or the raw kind reported
	// by the API for anything else
	Kind string

	// Succeeded fields
	Text         string
	MessageID    string
	InputTokens  int64
	OutputTokens int64

	// Errored field
	ErrorMessage string
}

// ResultIterator walks a batch result stream. Next advances and reports
// whether an entry is available; Err surfaces the terminal stream error
// once Next returns false.
type ResultIterator interface {
	Next() bool
	Entry() ResultEntry
	Err() error
	Close() error
}
