package watcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.docrelay.tech/internal/outbox"
	"go.docrelay.tech/internal/remote"
	"go.docrelay.tech/internal/task"
)

type fakeBatchClient struct {
	statuses map[string]*remote.BatchStatus
	results  map[string][]remote.ResultEntry
}

func (f *fakeBatchClient) CreateBatch(ctx context.Context, customID, prompt string) (*remote.BatchHandle, error) {
	return nil, remote.NewError("create batch", "not implemented", 0)
}

func (f *fakeBatchClient) BatchStatus(ctx context.Context, batchID string) (*remote.BatchStatus, error) {
	status, ok := f.statuses[batchID]
	if !ok {
		return nil, remote.NewError("batch status", fmt.Sprintf("batch %s not found", batchID), 404)
	}
	return status, nil
}

func (f *fakeBatchClient) BatchResults(ctx context.Context, batchID string) (remote.ResultIterator, error) {
	return &sliceIterator{entries: f.results[batchID]}, nil
}

type sliceIterator struct {
	entries []remote.ResultEntry
	pos     int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Entry() remote.ResultEntry { return it.entries[it.pos-1] }
func (it *sliceIterator) Err() error                { return nil }
func (it *sliceIterator) Close() error              { return nil }

func newWatcher(t *testing.T, client remote.BatchClient) (*Watcher, *task.Store, *outbox.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	tasks := task.NewStore(rc, task.DefaultTTLSchedule())
	outboxStore := outbox.NewStore(rc, outbox.DefaultRetention())
	return New(tasks, outboxStore, client, DefaultConfig()), tasks, outboxStore
}

// inFlightTask creates a task already submitted under the given batch.
func inFlightTask(t *testing.T, tasks *task.Store, documentID, batchID string) *task.Task {
	t.Helper()
	ctx := context.Background()
	created, err := tasks.Create(ctx, task.CreateParams{
		DocumentID:  documentID,
		Prompt:      "classify",
		CallbackURL: "https://example.com/hook",
	})
	require.NoError(t, err)
	_, err = tasks.UpdateState(ctx, created.ID, task.StateInFlight, task.Patch{BatchID: batchID})
	require.NoError(t, err)
	created.BatchID = batchID
	return created
}

func TestCheckBatchesLeavesUnfinishedBatchInFlight(t *testing.T) {
	client := &fakeBatchClient{
		statuses: map[string]*remote.BatchStatus{
			"batch_1": {BatchID: "batch_1", Status: remote.StatusInProgress},
		},
	}
	w, tasks, _ := newWatcher(t, client)
	ctx := context.Background()

	created := inFlightTask(t, tasks, "doc_1", "batch_1")

	require.NoError(t, w.CheckBatches(ctx))

	got, err := tasks.Get(ctx, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateInFlight, got.State)
}

func TestCheckBatchesExpiredBatchStaysInFlight(t *testing.T) {
	// Expired batches can still settle into ended with partial results,
	// so the watcher keeps polling them
	client := &fakeBatchClient{
		statuses: map[string]*remote.BatchStatus{
			"batch_1": {BatchID: "batch_1", Status: remote.StatusExpired},
		},
	}
	w, tasks, _ := newWatcher(t, client)
	ctx := context.Background()

	created := inFlightTask(t, tasks, "doc_1", "batch_1")

	require.NoError(t, w.CheckBatches(ctx))

	got, err := tasks.Get(ctx, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateInFlight, got.State)
}

func TestCheckBatchesCompletesEndedBatch(t *testing.T) {
	client := &fakeBatchClient{
		statuses: map[string]*remote.BatchStatus{
			"batch_1": {BatchID: "batch_1", Status: remote.StatusEnded, ProcessingTime: 12.5},
		},
		results: map[string][]remote.ResultEntry{
			"batch_1": {{
				CustomID:     "doc_1",
				Kind:         remote.ResultSucceeded,
				Text:         "classified result",
				MessageID:    "msg_1",
				InputTokens:  100,
				OutputTokens: 20,
			}},
		},
	}
	w, tasks, outboxStore := newWatcher(t, client)
	ctx := context.Background()

	created := inFlightTask(t, tasks, "doc_1", "batch_1")

	require.NoError(t, w.CheckBatches(ctx))

	got, err := tasks.Get(ctx, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Equal(t, "classified result", got.Result)
	assert.Equal(t, "msg_1", got.RemoteMessageID)
	assert.Equal(t, int64(100), got.InputTokens)
	assert.Equal(t, int64(20), got.OutputTokens)
	assert.Equal(t, 12.5, got.ProcessingTime)

	msgs, err := outboxStore.GetByTask(ctx, created.ID, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, outbox.StatusCompleted, msgs[0].Status)
	assert.Contains(t, msgs[0].Payload, "classified result")
	assert.Contains(t, msgs[0].Payload, "12.5")
}

func TestCheckBatchesFailsErroredEntry(t *testing.T) {
	client := &fakeBatchClient{
		statuses: map[string]*remote.BatchStatus{
			"batch_1": {BatchID: "batch_1", Status: remote.StatusEnded},
		},
		results: map[string][]remote.ResultEntry{
			"batch_1": {{
				CustomID:     "doc_1",
				Kind:         remote.ResultErrored,
				ErrorMessage: "prompt too long",
			}},
		},
	}
	w, tasks, outboxStore := newWatcher(t, client)
	ctx := context.Background()

	created := inFlightTask(t, tasks, "doc_1", "batch_1")

	require.NoError(t, w.CheckBatches(ctx))

	got, err := tasks.Get(ctx, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.State)
	assert.Equal(t, "prompt too long", got.Error)

	msgs, err := outboxStore.GetByTask(ctx, created.ID, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, outbox.StatusFailed, msgs[0].Status)
}

func TestCheckBatchesFailsTaskWithoutResult(t *testing.T) {
	client := &fakeBatchClient{
		statuses: map[string]*remote.BatchStatus{
			"batch_1": {BatchID: "batch_1", Status: remote.StatusEnded},
		},
		results: map[string][]remote.ResultEntry{"batch_1": {}},
	}
	w, tasks, _ := newWatcher(t, client)
	ctx := context.Background()

	created := inFlightTask(t, tasks, "doc_1", "batch_1")

	require.NoError(t, w.CheckBatches(ctx))

	got, err := tasks.Get(ctx, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.State)
	assert.Equal(t, "result for document doc_1 not found in batch batch_1", got.Error)
}

func TestCheckBatchesDuplicateDocumentIDs(t *testing.T) {
	client := &fakeBatchClient{
		statuses: map[string]*remote.BatchStatus{
			"batch_1": {BatchID: "batch_1", Status: remote.StatusEnded},
		},
		results: map[string][]remote.ResultEntry{
			"batch_1": {{
				CustomID: "doc_dup",
				Kind:     remote.ResultSucceeded,
				Text:     "result",
			}},
		},
	}
	w, tasks, _ := newWatcher(t, client)
	ctx := context.Background()

	first := inFlightTask(t, tasks, "doc_dup", "batch_1")
	second := inFlightTask(t, tasks, "doc_dup", "batch_1")

	require.NoError(t, w.CheckBatches(ctx))

	// First task in batch order gets the result
	got, err := tasks.Get(ctx, first.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)

	got, err = tasks.Get(ctx, second.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.State)
	assert.Equal(t, "duplicate document id in batch", got.Error)
}

func TestCheckBatchesIgnoresUnknownResultEntries(t *testing.T) {
	// A result entry whose custom id matches no task of the batch is
	// skipped without failing the cycle
	client := &fakeBatchClient{
		statuses: map[string]*remote.BatchStatus{
			"batch_1": {BatchID: "batch_1", Status: remote.StatusEnded},
		},
		results: map[string][]remote.ResultEntry{
			"batch_1": {
				{CustomID: "doc_1", Kind: remote.ResultSucceeded, Text: "classified result"},
				{CustomID: "doc_stray", Kind: remote.ResultSucceeded, Text: "stray result"},
			},
		},
	}
	w, tasks, outboxStore := newWatcher(t, client)
	ctx := context.Background()

	created := inFlightTask(t, tasks, "doc_1", "batch_1")

	require.NoError(t, w.CheckBatches(ctx))

	got, err := tasks.Get(ctx, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Equal(t, "classified result", got.Result)

	// The stray entry produced no task and no notification
	stats, err := tasks.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalTasks)

	pending, err := outboxStore.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestCheckBatchesTerminalTaskNotReprocessed(t *testing.T) {
	client := &fakeBatchClient{
		statuses: map[string]*remote.BatchStatus{
			"batch_1": {BatchID: "batch_1", Status: remote.StatusEnded},
		},
		results: map[string][]remote.ResultEntry{
			"batch_1": {
				{CustomID: "doc_1", Kind: remote.ResultSucceeded, Text: "result"},
				{CustomID: "doc_2", Kind: remote.ResultSucceeded, Text: "result"},
			},
		},
	}
	w, tasks, outboxStore := newWatcher(t, client)
	ctx := context.Background()

	done := inFlightTask(t, tasks, "doc_1", "batch_1")
	pendingResult := inFlightTask(t, tasks, "doc_2", "batch_1")

	// First task already completed by an earlier cycle
	_, err := tasks.CompleteWithOutbox(ctx, done.ID, task.Patch{Result: "earlier"}, nil)
	require.NoError(t, err)

	require.NoError(t, w.CheckBatches(ctx))

	// The earlier result is untouched and no second notification exists
	got, err := tasks.Get(ctx, done.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "earlier", got.Result)

	msgs, err := outboxStore.GetByTask(ctx, done.ID, true)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	got, err = tasks.Get(ctx, pendingResult.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)
}

func TestCheckBatchesStatusErrorLeavesTasks(t *testing.T) {
	client := &fakeBatchClient{statuses: map[string]*remote.BatchStatus{}}
	w, tasks, _ := newWatcher(t, client)
	ctx := context.Background()

	created := inFlightTask(t, tasks, "doc_1", "batch_unknown")

	require.NoError(t, w.CheckBatches(ctx))

	got, err := tasks.Get(ctx, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateInFlight, got.State)
}

func TestRunLoopBacksOffAfterCycleFailure(t *testing.T) {
	client := &fakeBatchClient{
		statuses: map[string]*remote.BatchStatus{
			"batch_1": {BatchID: "batch_1", Status: remote.StatusEnded},
		},
		results: map[string][]remote.ResultEntry{
			"batch_1": {{CustomID: "doc_1", Kind: remote.ResultSucceeded, Text: "result"}},
		},
	}

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	tasks := task.NewStore(rc, task.DefaultTTLSchedule())
	outboxStore := outbox.NewStore(rc, outbox.DefaultRetention())

	cfg := DefaultConfig()
	cfg.CheckInterval = 200 * time.Millisecond
	w := New(tasks, outboxStore, client, cfg)
	ctx := context.Background()

	created := inFlightTask(t, tasks, "doc_1", "batch_1")

	// Every command errors until the store recovers, so the first cycle
	// fails at the loop level
	mr.SetError("LOADING Redis is loading the dataset in memory")

	w.Start()
	defer w.Stop()

	// The first cycle fails after one interval, then the loop holds off
	// a full extra interval. Recover the store during the hold.
	time.Sleep(300 * time.Millisecond)
	mr.SetError("")

	// Normal cadence would already have resolved the batch on the
	// second tick
	time.Sleep(180 * time.Millisecond)
	got, err := tasks.Get(ctx, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.StateInFlight, got.State)

	require.Eventually(t, func() bool {
		got, err := tasks.Get(ctx, created.ID, false)
		return err == nil && got.State == task.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	client := &fakeBatchClient{}
	w, _, _ := newWatcher(t, client)

	w.Start()
	assert.True(t, w.IsRunning())
	w.Start()

	w.Stop()
	assert.False(t, w.IsRunning())
}
