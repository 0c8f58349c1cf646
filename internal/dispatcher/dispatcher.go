// Package dispatcher moves pending tasks to the remote batch API. Each
// cycle claims the oldest pending tasks and submits every one as its own
// single-request batch, bounded by a worker semaphore and an optional
// submission rate limit.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.docrelay.tech/internal/common/metrics"
	"go.docrelay.tech/internal/outbox"
	"go.docrelay.tech/internal/remote"
	"go.docrelay.tech/internal/task"
)

// Config holds the dispatcher loop configuration
type Config struct {
	// PollInterval is how often to scan the pending queue
	PollInterval time.Duration

	// BatchSize is the maximum tasks to claim per cycle
	BatchSize int

	// Workers bounds concurrent submissions within a cycle
	Workers int

	// MaxAttempts is the submission budget per task
	MaxAttempts int

	// SubmitRatePerMinute throttles batch creation, 0 disables
	SubmitRatePerMinute int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    10,
		Workers:      5,
		MaxAttempts:  3,
	}
}

// Dispatcher is the pending-queue polling loop.
type Dispatcher struct {
	config Config
	tasks  *task.Store
	outbox *outbox.Store
	client remote.BatchClient
	logger *slog.Logger

	// rateLimiter is nil when no rate limit is configured
	rateLimiter *rate.Limiter

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	pollMu    sync.Mutex // Prevent overlapping cycles
}

// New creates a dispatcher.
func New(tasks *task.Store, outboxStore *outbox.Store, client remote.BatchClient, config Config) *Dispatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		config: config,
		tasks:  tasks,
		outbox: outboxStore,
		client: client,
		logger: slog.Default().With("component", "dispatcher"),
		ctx:    ctx,
		cancel: cancel,
	}

	if config.SubmitRatePerMinute > 0 {
		// rate.Limiter uses per-second rate
		perSecond := float64(config.SubmitRatePerMinute) / 60.0
		d.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), config.SubmitRatePerMinute)
	}

	return d
}

// Start starts the dispatch loop
func (d *Dispatcher) Start() {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	if d.running {
		return
	}
	d.running = true

	d.wg.Add(1)
	go d.runLoop()

	d.logger.Info("dispatcher started",
		"pollInterval", d.config.PollInterval,
		"batchSize", d.config.BatchSize,
		"workers", d.config.Workers,
		"maxAttempts", d.config.MaxAttempts)
}

// Stop stops the dispatch loop and waits for in-flight submissions
func (d *Dispatcher) Stop() {
	d.runningMu.Lock()
	d.running = false
	d.runningMu.Unlock()

	d.cancel()
	d.wg.Wait()

	d.logger.Info("dispatcher stopped")
}

// IsRunning reports whether the loop is active. Used by health checks.
func (d *Dispatcher) IsRunning() bool {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	return d.running
}

func (d *Dispatcher) runLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.Dispatch(d.ctx); err != nil {
				d.logger.Error("dispatch cycle failed", "error", err)
				// Back off one extra interval after a cycle failure
				select {
				case <-d.ctx.Done():
					return
				case <-time.After(d.config.PollInterval):
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

// Dispatch runs one cycle: claim pending tasks and submit them. Exported
// so tests and manual triggers can run a cycle without the ticker.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	// Prevent overlapping cycles
	if !d.pollMu.TryLock() {
		return nil
	}
	defer d.pollMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.DispatcherCycleDuration.Observe(time.Since(start).Seconds())
	}()

	pending, err := d.tasks.GetPending(ctx, d.config.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	d.logger.Info("dispatching pending tasks", "count", len(pending))

	sem := make(chan struct{}, d.config.Workers)
	var wg sync.WaitGroup
	for _, t := range pending {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			d.submit(ctx, t)
		}(t)
	}
	wg.Wait()
	return nil
}

// submit pushes one task through a submission attempt.
func (d *Dispatcher) submit(ctx context.Context, t *task.Task) {
	logger := d.logger.With("taskId", t.ID, "documentId", t.DocumentID)

	// Budget check uses the count of finished attempts
	if t.Attempts >= d.config.MaxAttempts {
		d.failTask(ctx, t, "maximum attempts exceeded")
		metrics.DispatcherSubmissions.WithLabelValues("exhausted").Inc()
		logger.Warn("task exceeded submission budget", "attempts", t.Attempts)
		return
	}

	attempt, err := d.tasks.IncrementAttempts(ctx, t.ID, task.AttemptSubmit)
	if err != nil {
		logger.Error("failed to increment attempts", "error", err)
		return
	}

	if _, err := d.tasks.UpdateState(ctx, t.ID, task.StateProcessing, task.Patch{}); err != nil {
		logger.Error("failed to mark task processing", "error", err)
		return
	}

	if d.rateLimiter != nil {
		if !d.rateLimiter.Allow() {
			metrics.DispatcherRateLimitWaits.Inc()
			if err := d.rateLimiter.Wait(ctx); err != nil {
				// Shutting down mid-cycle, leave the task in processing; it
				// is re-queued by the next operator intervention or retry
				d.requeue(ctx, t, logger)
				return
			}
		}
	}

	handle, err := d.client.CreateBatch(ctx, t.DocumentID, t.Prompt)
	if err != nil {
		d.handleSubmitError(ctx, t, int(attempt), err, logger)
		return
	}

	ok, err := d.tasks.UpdateState(ctx, t.ID, task.StateInFlight, task.Patch{BatchID: handle.BatchID})
	if err != nil {
		logger.Error("failed to mark task in_flight", "error", err, "batchId", handle.BatchID)
		return
	}
	if !ok {
		logger.Warn("task disappeared during submission", "batchId", handle.BatchID)
		return
	}

	metrics.DispatcherSubmissions.WithLabelValues("submitted").Inc()
	logger.Info("task submitted", "batchId", handle.BatchID, "attempt", attempt)
}

// handleSubmitError decides between re-queueing and permanent failure.
func (d *Dispatcher) handleSubmitError(ctx context.Context, t *task.Task, attempt int, submitErr error, logger *slog.Logger) {
	if remote.IsRetryable(submitErr) && attempt < d.config.MaxAttempts {
		d.requeue(ctx, t, logger)
		metrics.DispatcherSubmissions.WithLabelValues("retried").Inc()
		logger.Warn("submission failed, task re-queued",
			"error", submitErr,
			"attempt", attempt,
			"maxAttempts", d.config.MaxAttempts)
		return
	}

	d.failTask(ctx, t, submitErr.Error())
	metrics.DispatcherSubmissions.WithLabelValues("failed").Inc()
	logger.Error("submission failed permanently",
		"error", submitErr,
		"attempt", attempt,
		"retryable", remote.IsRetryable(submitErr))
}

func (d *Dispatcher) requeue(ctx context.Context, t *task.Task, logger *slog.Logger) {
	if _, err := d.tasks.UpdateState(ctx, t.ID, task.StatePending, task.Patch{}); err != nil {
		logger.Error("failed to re-queue task", "error", err)
	}
}

// failTask moves the task to failed and enqueues the failure notification
// in the same transaction.
func (d *Dispatcher) failTask(ctx context.Context, t *task.Task, reason string) {
	msg := outbox.NewFailureMessage(t.ID, t.DocumentID, t.CallbackURL, reason)
	_, err := d.tasks.FailWithOutbox(ctx, t.ID, reason, d.outbox.AppendEnqueue(ctx, msg))
	if err != nil {
		d.logger.Error("failed to fail task", "taskId", t.ID, "error", err)
		return
	}
	metrics.OutboxEnqueued.WithLabelValues(string(outbox.StatusFailed)).Inc()
}
