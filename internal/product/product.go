// Package product implements classification batches over arbitrary
// product JSON. Each product of a batch becomes a regular task on the
// core state machine; batch status and progress derive from the member
// tasks' states at read time.
package product

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound marks a batch id with no record (or one whose record expired).
var ErrNotFound = errors.New("product batch not found")

// Status is the lifecycle phase of a product batch.
type Status string

const (
	// StatusPending - created, no member task finished yet
	StatusPending Status = "pending"

	// StatusProcessing - at least one member task moved or finished
	StatusProcessing Status = "processing"

	// StatusCompleted - every member task reached a terminal state
	StatusCompleted Status = "completed"

	// StatusFailed - the batch itself failed to be set up
	StatusFailed Status = "failed"
)

// Batch is one product batch snapshot.
type Batch struct {
	ID string `json:"batch_id"`

	Status Status `json:"status"`

	// ProductCount is fixed at creation
	ProductCount int `json:"product_count"`

	// ProcessedCount is the number of member tasks in a terminal state
	ProcessedCount int `json:"processed_count"`

	// Completed mirrors the terminal flag of the original wire format
	Completed bool `json:"completed"`

	Error string `json:"error,omitempty"`

	// Products holds the enriched product blobs. Only populated on
	// request and only once the batch is completed or failed.
	Products []json.RawMessage `json:"products,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal returns true once no member task can change the batch.
func (b *Batch) IsTerminal() bool {
	return b.Status == StatusCompleted || b.Status == StatusFailed
}

// Keyspace layout. TTLs follow the task schedule: the pending window
// while the batch is live, the completed window once it is terminal.
func batchKey(batchID string) string {
	return "product_batch:" + batchID
}

func productsSetKey(batchID string) string {
	return "product_batch:" + batchID + ":products"
}

func productKey(batchID, productID string) string {
	return "product:" + batchID + ":" + productID
}

const (
	activeBatchesKey    = "product_batches:active"
	completedBatchesKey = "product_batches:completed"
	failedBatchesKey    = "product_batches:failed"
)
