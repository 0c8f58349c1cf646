// Package watcher polls in-flight remote batches and demultiplexes their
// results back onto tasks. Each cycle collects the distinct batch ids over
// the in_flight queue, checks every batch's status on a bounded worker
// pool, and drains the result stream of batches that have ended.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.docrelay.tech/internal/common/metrics"
	"go.docrelay.tech/internal/outbox"
	"go.docrelay.tech/internal/remote"
	"go.docrelay.tech/internal/task"
)

// Config holds the watcher loop configuration
type Config struct {
	// CheckInterval is how often to poll in-flight batches
	CheckInterval time.Duration

	// Workers bounds concurrent status checks within a cycle
	Workers int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		CheckInterval: 60 * time.Second,
		Workers:       5,
	}
}

// Watcher is the batch status polling loop.
type Watcher struct {
	config Config
	tasks  *task.Store
	outbox *outbox.Store
	client remote.BatchClient
	logger *slog.Logger

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	pollMu    sync.Mutex // Prevent overlapping cycles
}

// New creates a watcher.
func New(tasks *task.Store, outboxStore *outbox.Store, client remote.BatchClient, config Config) *Watcher {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		config: config,
		tasks:  tasks,
		outbox: outboxStore,
		client: client,
		logger: slog.Default().With("component", "batch-watcher"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the watch loop
func (w *Watcher) Start() {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()

	if w.running {
		return
	}
	w.running = true

	w.wg.Add(1)
	go w.runLoop()

	w.logger.Info("batch watcher started",
		"checkInterval", w.config.CheckInterval,
		"workers", w.config.Workers)
}

// Stop stops the watch loop and waits for in-flight checks
func (w *Watcher) Stop() {
	w.runningMu.Lock()
	w.running = false
	w.runningMu.Unlock()

	w.cancel()
	w.wg.Wait()

	w.logger.Info("batch watcher stopped")
}

// IsRunning reports whether the loop is active. Used by health checks.
func (w *Watcher) IsRunning() bool {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	return w.running
}

func (w *Watcher) runLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.CheckBatches(w.ctx); err != nil {
				w.logger.Error("batch check cycle failed", "error", err)
				// Back off one extra interval after a cycle failure
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(w.config.CheckInterval):
				}
				// Drop the tick buffered during the backoff so the next
				// cycle lands a full interval later
				select {
				case <-ticker.C:
				default:
				}
			}
		}
	}
}

// CheckBatches runs one cycle: poll every in-flight batch and process the
// ones that ended. Exported so tests and manual triggers can run a cycle
// without the ticker.
func (w *Watcher) CheckBatches(ctx context.Context) error {
	// Prevent overlapping cycles
	if !w.pollMu.TryLock() {
		return nil
	}
	defer w.pollMu.Unlock()

	batchIDs, err := w.tasks.InFlightBatchIDs(ctx)
	if err != nil {
		return err
	}
	metrics.WatcherInFlightBatches.Set(float64(len(batchIDs)))
	if len(batchIDs) == 0 {
		return nil
	}

	w.logger.Info("checking in-flight batches", "count", len(batchIDs))

	sem := make(chan struct{}, w.config.Workers)
	var wg sync.WaitGroup
	for _, batchID := range batchIDs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(batchID string) {
			defer wg.Done()
			defer func() { <-sem }()
			w.checkBatch(ctx, batchID)
		}(batchID)
	}
	wg.Wait()
	return nil
}

// checkBatch polls one batch and processes its results if it ended.
func (w *Watcher) checkBatch(ctx context.Context, batchID string) {
	logger := w.logger.With("batchId", batchID)

	status, err := w.client.BatchStatus(ctx, batchID)
	if err != nil {
		metrics.WatcherBatchChecks.WithLabelValues("error").Inc()
		logger.Error("failed to check batch status", "error", err)
		return
	}
	metrics.WatcherBatchChecks.WithLabelValues(status.Status).Inc()

	// Anything but ended keeps its tasks in flight: an expired or
	// canceling batch can still settle into ended with partial results
	if status.Status != remote.StatusEnded {
		logger.Debug("batch not ended yet", "status", status.Status)
		return
	}

	if err := w.processEndedBatch(ctx, status); err != nil {
		logger.Error("failed to process ended batch", "error", err)
	}
}

// processEndedBatch drains the batch's result stream once and resolves
// every task of the batch against it.
func (w *Watcher) processEndedBatch(ctx context.Context, status *remote.BatchStatus) error {
	batchID := status.BatchID
	logger := w.logger.With("batchId", batchID)

	members, err := w.tasks.GetByBatch(ctx, batchID, 0)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		logger.Warn("ended batch has no tasks")
		return nil
	}

	results, err := w.drainResults(ctx, batchID)
	if err != nil {
		return err
	}

	logger.Info("processing ended batch",
		"tasks", len(members),
		"results", len(results),
		"processingTime", status.ProcessingTime)

	// Duplicate document ids within one batch cannot be told apart in the
	// result stream, so only the first task per document gets the entry
	seen := make(map[string]bool, len(members))
	for _, t := range members {
		if t.IsTerminal() {
			continue
		}
		if seen[t.DocumentID] {
			w.failTask(ctx, t, "duplicate document id in batch")
			metrics.WatcherResultsProcessed.WithLabelValues("duplicate").Inc()
			logger.Warn("duplicate document id in batch", "taskId", t.ID, "documentId", t.DocumentID)
			continue
		}
		seen[t.DocumentID] = true

		entry, ok := results[t.DocumentID]
		if !ok {
			reason := fmt.Sprintf("result for document %s not found in batch %s", t.DocumentID, batchID)
			w.failTask(ctx, t, reason)
			metrics.WatcherResultsProcessed.WithLabelValues("missing").Inc()
			logger.Warn("no result for task", "taskId", t.ID, "documentId", t.DocumentID)
			continue
		}

		w.resolveTask(ctx, t, entry, status.ProcessingTime)
	}
	return nil
}

// drainResults reads the single-pass result stream into a map keyed by
// custom id. The first entry per custom id wins.
func (w *Watcher) drainResults(ctx context.Context, batchID string) (map[string]remote.ResultEntry, error) {
	iter, err := w.client.BatchResults(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	results := make(map[string]remote.ResultEntry)
	for iter.Next() {
		entry := iter.Entry()
		if _, ok := results[entry.CustomID]; ok {
			continue
		}
		results[entry.CustomID] = entry
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// resolveTask applies one result entry to a task.
func (w *Watcher) resolveTask(ctx context.Context, t *task.Task, entry remote.ResultEntry, processingTime float64) {
	logger := w.logger.With("taskId", t.ID, "documentId", t.DocumentID)

	switch entry.Kind {
	case remote.ResultSucceeded:
		msg := outbox.NewCompletionMessage(outbox.CompletionParams{
			TaskID:         t.ID,
			DocumentID:     t.DocumentID,
			CallbackURL:    t.CallbackURL,
			Result:         entry.Text,
			ProcessingTime: processingTime,
			InputTokens:    entry.InputTokens,
			OutputTokens:   entry.OutputTokens,
		})
		ok, err := w.tasks.CompleteWithOutbox(ctx, t.ID, task.Patch{
			Result:          entry.Text,
			RemoteMessageID: entry.MessageID,
			InputTokens:     entry.InputTokens,
			OutputTokens:    entry.OutputTokens,
			ProcessingTime:  processingTime,
		}, w.outbox.AppendEnqueue(ctx, msg))
		if err != nil {
			logger.Error("failed to complete task", "error", err)
			return
		}
		if !ok {
			logger.Warn("task already terminal, result dropped")
			return
		}
		metrics.WatcherResultsProcessed.WithLabelValues("completed").Inc()
		metrics.OutboxEnqueued.WithLabelValues(string(outbox.StatusCompleted)).Inc()
		logger.Info("task completed",
			"inputTokens", entry.InputTokens,
			"outputTokens", entry.OutputTokens)

	case remote.ResultErrored:
		reason := entry.ErrorMessage
		if reason == "" {
			reason = "remote request errored"
		}
		w.failTask(ctx, t, reason)
		metrics.WatcherResultsProcessed.WithLabelValues("failed").Inc()
		logger.Warn("task errored remotely", "reason", reason)

	default:
		// Canceled or expired entries carry no data
		w.failTask(ctx, t, fmt.Sprintf("remote request %s", entry.Kind))
		metrics.WatcherResultsProcessed.WithLabelValues("failed").Inc()
		logger.Warn("task resolved without result", "kind", entry.Kind)
	}
}

// failTask moves the task to failed and enqueues the failure notification
// in the same transaction.
func (w *Watcher) failTask(ctx context.Context, t *task.Task, reason string) {
	msg := outbox.NewFailureMessage(t.ID, t.DocumentID, t.CallbackURL, reason)
	ok, err := w.tasks.FailWithOutbox(ctx, t.ID, reason, w.outbox.AppendEnqueue(ctx, msg))
	if err != nil {
		w.logger.Error("failed to fail task", "taskId", t.ID, "error", err)
		return
	}
	if ok {
		metrics.OutboxEnqueued.WithLabelValues(string(outbox.StatusFailed)).Inc()
	}
}
