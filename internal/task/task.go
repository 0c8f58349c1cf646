// Package task implements the classification task state machine on Redis.
// Every task lives in exactly one state queue at a time and moves through
// pending -> processing -> in_flight -> completed/failed, with retries
// looping back to pending. State transitions are written as a single
// transactional pipeline so the hash, the state queues, the secondary
// indexes and the stats counters can never disagree.
//
// Key layout:
//
//	task:<id>                hash of small scalar fields
//	task:<id>:prompt         prompt blob (can be large)
//	task:<id>:result         result blob
//	task:<id>:error          error text
//	task:<id>:callback_url   callback URL captured at creation
//	task:<id>:callback_secret signing secret captured at creation
//	tasks:<state>            zset of task ids scored by transition time
//	tasks:batch:<batch>      zset of task ids belonging to a remote batch
//	tasks:document:<doc>     zset of task ids sharing a document id
//	stats:*_tasks            global counters
package task

import (
	"time"
)

// State is the lifecycle state of a task. Stored as a string field in the
// task hash and mirrored by membership in the tasks:<state> queue.
type State string

const (
	// StatePending - waiting for the dispatcher to pick the task up
	StatePending State = "pending"

	// StateProcessing - dispatcher claimed the task and is submitting it
	StateProcessing State = "processing"

	// StateInFlight - submitted to the remote batch API, awaiting results
	StateInFlight State = "in_flight"

	// StateCompleted - result received and stored (terminal)
	StateCompleted State = "completed"

	// StateFailed - permanently failed (terminal)
	StateFailed State = "failed"
)

// States lists every lifecycle state in queue order. Used to size the
// stats snapshot and to validate inbound state names.
var States = []State{StatePending, StateProcessing, StateInFlight, StateCompleted, StateFailed}

// IsTerminal returns true if the state is final. Terminal tasks are
// immutable apart from TTL refreshes.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsValid returns true for a known lifecycle state name.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateProcessing, StateInFlight, StateCompleted, StateFailed:
		return true
	}
	return false
}

// AttemptKind selects which attempt counter IncrementAttempts bumps.
type AttemptKind string

const (
	// AttemptSubmit counts remote batch submissions
	AttemptSubmit AttemptKind = "attempts"

	// AttemptCallback counts webhook delivery attempts
	AttemptCallback AttemptKind = "callback_attempts"
)

// Task is one classification request moving through the state machine.
type Task struct {
	// ID is the unique task identifier (uuid, assigned at creation)
	ID string `json:"task_id"`

	// DocumentID is the caller-supplied correlation id. May repeat across
	// tasks; the watcher resolves duplicates per batch.
	DocumentID string `json:"document_id"`

	// State is the current lifecycle state
	State State `json:"status"`

	// BatchID is the remote batch the task was submitted in. Empty until
	// the first successful submission, immutable afterwards.
	BatchID string `json:"batch_id,omitempty"`

	// Attempts counts remote submissions, bounded by MaxAttempts
	Attempts int `json:"attempts"`

	// CallbackAttempts counts webhook deliveries for this task
	CallbackAttempts int `json:"callback_attempts"`

	// Prompt is the opaque prompt blob. Only populated when requested.
	Prompt string `json:"-"`

	// CallbackURL and CallbackSecret are captured at creation and never
	// mutated, so later config changes do not affect queued work.
	CallbackURL    string `json:"-"`
	CallbackSecret string `json:"-"`

	// Result holds the remote result text once completed
	Result string `json:"result,omitempty"`

	// Error holds the failure reason once failed
	Error string `json:"error,omitempty"`

	// RemoteMessageID is the per-request message id reported by the
	// remote API alongside a successful result
	RemoteMessageID string `json:"remote_message_id,omitempty"`

	// InputTokens / OutputTokens are usage figures from the remote result
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`

	// ProcessingTime is the remote batch wall time in seconds, attached
	// to every task of the batch when results are demultiplexed
	ProcessingTime float64 `json:"processing_time"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal returns true once the task reached completed or failed.
func (t *Task) IsTerminal() bool {
	return t.State.IsTerminal()
}

// Stats is a point-in-time snapshot of the global counters and the
// per-state queue depths.
type Stats struct {
	TotalTasks     int64 `json:"total_tasks"`
	PendingTasks   int64 `json:"pending_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`

	// QueueDepths holds ZCARD of every tasks:<state> queue
	QueueDepths map[State]int64 `json:"queue_depths"`
}
