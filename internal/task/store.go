package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a task id has no backing hash (never
// created, or expired by TTL).
var ErrNotFound = errors.New("task not found")

// TTLSchedule holds the retention window per lifecycle phase. The schedule
// is re-applied on every transition so a task's retention always matches
// its current state.
type TTLSchedule struct {
	// Pending covers pending, processing and in_flight
	Pending time.Duration

	Completed time.Duration
	Failed    time.Duration
}

// DefaultTTLSchedule returns the standard retention windows.
func DefaultTTLSchedule() TTLSchedule {
	return TTLSchedule{
		Pending:   7 * 24 * time.Hour,
		Completed: 3 * 24 * time.Hour,
		Failed:    14 * 24 * time.Hour,
	}
}

// For returns the retention window for a state.
func (s TTLSchedule) For(state State) time.Duration {
	switch state {
	case StateCompleted:
		return s.Completed
	case StateFailed:
		return s.Failed
	default:
		return s.Pending
	}
}

// Stats counter keys. Incremented inside the same pipeline as the
// transition they describe.
const (
	statsTotalKey     = "stats:total_tasks"
	statsPendingKey   = "stats:pending_tasks"
	statsCompletedKey = "stats:completed_tasks"
	statsFailedKey    = "stats:failed_tasks"
)

func taskKey(id string) string           { return "task:" + id }
func promptKey(id string) string         { return "task:" + id + ":prompt" }
func resultKey(id string) string         { return "task:" + id + ":result" }
func errorKey(id string) string          { return "task:" + id + ":error" }
func callbackURLKey(id string) string    { return "task:" + id + ":callback_url" }
func callbackSecretKey(id string) string { return "task:" + id + ":callback_secret" }
func stateQueueKey(s State) string       { return "tasks:" + string(s) }
func batchIndexKey(b string) string      { return "tasks:batch:" + b }
func documentIndexKey(d string) string   { return "tasks:document:" + d }

// score converts a timestamp to a zset score with sub-second precision so
// queue order follows enqueue order.
func score(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// Store persists tasks in Redis. Every mutation that touches more than one
// key runs as a single transactional pipeline.
type Store struct {
	client redis.UniversalClient
	ttl    TTLSchedule
	logger *slog.Logger
}

// NewStore creates a task store on the given Redis client.
func NewStore(client redis.UniversalClient, ttl TTLSchedule) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "task-store"),
	}
}

// CreateParams carries the immutable inputs of a new task. TaskID and
// DocumentID are generated when empty. BatchID is only set by callers that
// already hold a remote batch (normally it stays empty until dispatch).
type CreateParams struct {
	TaskID         string
	DocumentID     string
	Prompt         string
	CallbackURL    string
	CallbackSecret string
	BatchID        string
}

// Create writes a new task in state pending: hash, blobs, state queue,
// secondary indexes and stats counters in one pipeline.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Task, error) {
	if p.TaskID == "" {
		p.TaskID = "task_" + uuid.NewString()
	}
	if p.DocumentID == "" {
		p.DocumentID = "doc_" + uuid.NewString()
	}

	now := time.Now().UTC()
	ttl := s.ttl.For(StatePending)

	t := &Task{
		ID:             p.TaskID,
		DocumentID:     p.DocumentID,
		State:          StatePending,
		BatchID:        p.BatchID,
		Prompt:         p.Prompt,
		CallbackURL:    p.CallbackURL,
		CallbackSecret: p.CallbackSecret,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(t.ID), map[string]interface{}{
			"document_id":       t.DocumentID,
			"status":            string(StatePending),
			"batch_id":          t.BatchID,
			"attempts":          0,
			"callback_attempts": 0,
			"created_at":        now.Format(time.RFC3339Nano),
			"updated_at":        now.Format(time.RFC3339Nano),
		})

		// Large fields live outside the hash
		pipe.Set(ctx, promptKey(t.ID), t.Prompt, ttl)
		pipe.Set(ctx, callbackURLKey(t.ID), t.CallbackURL, ttl)
		pipe.Set(ctx, callbackSecretKey(t.ID), t.CallbackSecret, ttl)
		pipe.Expire(ctx, taskKey(t.ID), ttl)

		pipe.ZAdd(ctx, stateQueueKey(StatePending), redis.Z{Score: score(now), Member: t.ID})
		pipe.ZAdd(ctx, documentIndexKey(t.DocumentID), redis.Z{Score: score(now), Member: t.ID})
		if t.BatchID != "" {
			pipe.ZAdd(ctx, batchIndexKey(t.BatchID), redis.Z{Score: score(now), Member: t.ID})
		}

		pipe.Incr(ctx, statsTotalKey)
		pipe.Incr(ctx, statsPendingKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return t, nil
}

// Patch carries the fields a transition may set. Zero values are skipped
// except on terminal transitions: completed always writes the result blob
// and the usage fields, failed always writes the error blob.
type Patch struct {
	BatchID         string
	Result          string
	Error           string
	RemoteMessageID string
	InputTokens     int64
	OutputTokens    int64
	ProcessingTime  float64
}

// UpdateState moves a task to newState and applies the patch in one
// pipeline. Returns false when the task does not exist. The store does not
// validate transition legality; each loop only moves tasks it owns.
func (s *Store) UpdateState(ctx context.Context, taskID string, newState State, patch Patch) (bool, error) {
	return s.transition(ctx, taskID, newState, patch, false, nil)
}

// PipelineAppend lets another store attach commands to a task transition
// pipeline. Used to write the outbox message atomically with the terminal
// transition that produced it.
type PipelineAppend func(pipe redis.Pipeliner)

// CompleteWithOutbox moves a task to completed and appends the outbox
// enqueue to the same pipeline. Returns false when the task is missing or
// already terminal (terminal records are immutable, so a re-processed
// batch never produces a second outbox message).
func (s *Store) CompleteWithOutbox(ctx context.Context, taskID string, patch Patch, appendOutbox PipelineAppend) (bool, error) {
	return s.transition(ctx, taskID, StateCompleted, patch, true, appendOutbox)
}

// FailWithOutbox moves a task to failed with the given reason and appends
// the outbox enqueue to the same pipeline. Same skip rules as
// CompleteWithOutbox.
func (s *Store) FailWithOutbox(ctx context.Context, taskID string, reason string, appendOutbox PipelineAppend) (bool, error) {
	return s.transition(ctx, taskID, StateFailed, Patch{Error: reason}, true, appendOutbox)
}

func (s *Store) transition(ctx context.Context, taskID string, newState State, patch Patch, guardTerminal bool, appendOutbox PipelineAppend) (bool, error) {
	vals, err := s.client.HMGet(ctx, taskKey(taskID), "status", "document_id", "batch_id").Result()
	if err != nil {
		return false, fmt.Errorf("read task %s: %w", taskID, err)
	}
	cur, _ := vals[0].(string)
	if cur == "" {
		return false, nil
	}
	oldState := State(cur)
	if guardTerminal && oldState.IsTerminal() {
		s.logger.Warn("skipping transition of terminal task", "taskId", taskID, "state", cur)
		return false, nil
	}
	documentID, _ := vals[1].(string)
	batchID, _ := vals[2].(string)

	now := time.Now().UTC()
	ttl := s.ttl.For(newState)

	fields := map[string]interface{}{
		"status":     string(newState),
		"updated_at": now.Format(time.RFC3339Nano),
	}
	if patch.BatchID != "" {
		fields["batch_id"] = patch.BatchID
		batchID = patch.BatchID
	}
	if patch.RemoteMessageID != "" {
		fields["remote_message_id"] = patch.RemoteMessageID
	}
	if newState == StateCompleted {
		fields["input_tokens"] = patch.InputTokens
		fields["output_tokens"] = patch.OutputTokens
		fields["processing_time"] = strconv.FormatFloat(patch.ProcessingTime, 'f', -1, 64)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(taskID), fields)

		if newState == StateCompleted {
			pipe.Set(ctx, resultKey(taskID), patch.Result, ttl)
		}
		if newState == StateFailed {
			pipe.Set(ctx, errorKey(taskID), patch.Error, ttl)
		}

		// Retention follows the new state
		pipe.Expire(ctx, taskKey(taskID), ttl)
		pipe.Expire(ctx, promptKey(taskID), ttl)
		pipe.Expire(ctx, callbackURLKey(taskID), ttl)
		pipe.Expire(ctx, callbackSecretKey(taskID), ttl)

		if oldState != newState {
			pipe.ZRem(ctx, stateQueueKey(oldState), taskID)
			pipe.ZAdd(ctx, stateQueueKey(newState), redis.Z{Score: score(now), Member: taskID})

			if oldState == StatePending {
				pipe.Decr(ctx, statsPendingKey)
			}
			if newState == StatePending {
				pipe.Incr(ctx, statsPendingKey)
			}
			switch newState {
			case StateCompleted:
				pipe.Incr(ctx, statsCompletedKey)
			case StateFailed:
				pipe.Incr(ctx, statsFailedKey)
			}
		}

		if patch.BatchID != "" {
			pipe.ZAdd(ctx, batchIndexKey(patch.BatchID), redis.Z{Score: score(now), Member: taskID})
		}
		if documentID != "" {
			pipe.Expire(ctx, documentIndexKey(documentID), ttl)
		}
		if batchID != "" {
			pipe.Expire(ctx, batchIndexKey(batchID), ttl)
		}

		if appendOutbox != nil {
			appendOutbox(pipe)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("transition task %s to %s: %w", taskID, newState, err)
	}
	return true, nil
}

// Get loads a task by id. The prompt blob is only fetched when requested
// since it can be large.
func (s *Store) Get(ctx context.Context, taskID string, includePrompt bool) (*Task, error) {
	vals, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	t := taskFromHash(taskID, vals)

	blobKeys := []string{resultKey(taskID), errorKey(taskID), callbackURLKey(taskID), callbackSecretKey(taskID)}
	if includePrompt {
		blobKeys = append(blobKeys, promptKey(taskID))
	}
	blobs, err := s.client.MGet(ctx, blobKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s blobs: %w", taskID, err)
	}
	if v, ok := blobs[0].(string); ok {
		t.Result = v
	}
	if v, ok := blobs[1].(string); ok {
		t.Error = v
	}
	if v, ok := blobs[2].(string); ok {
		t.CallbackURL = v
	}
	if v, ok := blobs[3].(string); ok {
		t.CallbackSecret = v
	}
	if includePrompt {
		if v, ok := blobs[4].(string); ok {
			t.Prompt = v
		}
	}
	return t, nil
}

// GetPending returns the oldest pending tasks, prompts included, up to
// limit. Queue entries whose hash expired are dropped from the queue.
func (s *Store) GetPending(ctx context.Context, limit int) ([]*Task, error) {
	return s.getByQueue(ctx, stateQueueKey(StatePending), limit, true)
}

// GetByBatch returns the tasks of a remote batch in submission order.
func (s *Store) GetByBatch(ctx context.Context, batchID string, limit int) ([]*Task, error) {
	return s.getByQueue(ctx, batchIndexKey(batchID), limit, false)
}

// GetByDocument returns the tasks sharing a document id, oldest first.
func (s *Store) GetByDocument(ctx context.Context, documentID string, limit int) ([]*Task, error) {
	return s.getByQueue(ctx, documentIndexKey(documentID), limit, false)
}

func (s *Store) getByQueue(ctx context.Context, queue string, limit int, includePrompt bool) ([]*Task, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, queue, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", queue, err)
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id, includePrompt)
		if errors.Is(err, ErrNotFound) {
			// Hash expired under the queue entry
			s.logger.Warn("dropping dangling queue entry", "queue", queue, "taskId", id)
			s.client.ZRem(ctx, queue, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// InFlightBatchIDs returns the distinct remote batch ids over the
// in_flight queue, preserving first-seen order.
func (s *Store) InFlightBatchIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, stateQueueKey(StateInFlight), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range in_flight queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, taskKey(id), "batch_id")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read in_flight batch ids: %w", err)
	}

	seen := make(map[string]bool)
	var batches []string
	for _, cmd := range cmds {
		batchID, err := cmd.Result()
		if err != nil || batchID == "" {
			continue
		}
		if !seen[batchID] {
			seen[batchID] = true
			batches = append(batches, batchID)
		}
	}
	return batches, nil
}

// IncrementAttempts bumps one of the task's attempt counters and returns
// the new value.
func (s *Store) IncrementAttempts(ctx context.Context, taskID string, kind AttemptKind) (int64, error) {
	n, err := s.client.HIncrBy(ctx, taskKey(taskID), string(kind), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %s for task %s: %w", kind, taskID, err)
	}
	return n, nil
}

// Stats reads the global counters and the per-state queue depths.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	counters := make([]*redis.StringCmd, 4)
	depths := make([]*redis.IntCmd, len(States))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		counters[0] = pipe.Get(ctx, statsTotalKey)
		counters[1] = pipe.Get(ctx, statsPendingKey)
		counters[2] = pipe.Get(ctx, statsCompletedKey)
		counters[3] = pipe.Get(ctx, statsFailedKey)
		for i, st := range States {
			depths[i] = pipe.ZCard(ctx, stateQueueKey(st))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("read stats: %w", err)
	}

	stats := Stats{QueueDepths: make(map[State]int64, len(States))}
	stats.TotalTasks = counterValue(counters[0])
	stats.PendingTasks = counterValue(counters[1])
	stats.CompletedTasks = counterValue(counters[2])
	stats.FailedTasks = counterValue(counters[3])
	for i, st := range States {
		stats.QueueDepths[st] = depths[i].Val()
	}
	return stats, nil
}

func counterValue(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

func taskFromHash(id string, vals map[string]string) *Task {
	t := &Task{
		ID:         id,
		DocumentID: vals["document_id"],
		State:      State(vals["status"]),
		BatchID:    vals["batch_id"],
	}
	t.Attempts, _ = strconv.Atoi(vals["attempts"])
	t.CallbackAttempts, _ = strconv.Atoi(vals["callback_attempts"])
	t.RemoteMessageID = vals["remote_message_id"]
	t.InputTokens, _ = strconv.ParseInt(vals["input_tokens"], 10, 64)
	t.OutputTokens, _ = strconv.ParseInt(vals["output_tokens"], 10, 64)
	t.ProcessingTime, _ = strconv.ParseFloat(vals["processing_time"], 64)
	if v, err := time.Parse(time.RFC3339Nano, vals["created_at"]); err == nil {
		t.CreatedAt = v
	}
	if v, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		t.UpdatedAt = v
	}
	return t
}
