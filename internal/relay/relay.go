// Package relay drains the transactional outbox and delivers each
// notification over the channel its callback URL selects. Deliveries
// are at-least-once: a failed attempt re-scores the message with
// exponential backoff and a crash before acknowledgement leaves it due
// for the next cycle.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.docrelay.tech/internal/common/metrics"
	"go.docrelay.tech/internal/delivery"
	"go.docrelay.tech/internal/outbox"
	"go.docrelay.tech/internal/task"
)

// TaskSource reads per-task delivery credentials. *task.Store satisfies it.
type TaskSource interface {
	Get(ctx context.Context, taskID string, includePrompt bool) (*task.Task, error)
	IncrementAttempts(ctx context.Context, taskID string, kind task.AttemptKind) (int64, error)
}

// Config holds the relay loop configuration
type Config struct {
	// PollInterval is how often to scan for due messages
	PollInterval time.Duration

	// BatchSize is the maximum messages to claim per cycle
	BatchSize int

	// Workers bounds concurrent deliveries within a cycle
	Workers int

	// RequestTimeout is the base per-attempt deadline. Each attempt
	// jitters it by +-20% so retries across receivers spread out.
	RequestTimeout time.Duration

	// CallbackURL is the destination for messages whose task carried
	// no callback URL of its own
	CallbackURL string

	// CallbackSecret signs messages whose task carried no secret
	CallbackSecret string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		BatchSize:      10,
		Workers:        5,
		RequestTimeout: 300 * time.Second,
	}
}

// Relay is the outbox delivery loop.
type Relay struct {
	config Config
	outbox *outbox.Store
	tasks  TaskSource
	router *delivery.Router
	signer *Signer
	logger *slog.Logger

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	pollMu    sync.Mutex // Prevent overlapping cycles
}

// New creates a relay.
func New(outboxStore *outbox.Store, tasks TaskSource, router *delivery.Router, signer *Signer, config Config) *Relay {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		config: config,
		outbox: outboxStore,
		tasks:  tasks,
		router: router,
		signer: signer,
		logger: slog.Default().With("component", "relay"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the delivery loop
func (r *Relay) Start() {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if r.running {
		return
	}
	r.running = true

	r.wg.Add(1)
	go r.runLoop()

	r.logger.Info("relay started",
		"pollInterval", r.config.PollInterval,
		"batchSize", r.config.BatchSize,
		"workers", r.config.Workers,
		"requestTimeout", r.config.RequestTimeout,
		"authMode", r.signer.Mode())
}

// Stop stops the delivery loop and waits for in-flight deliveries
func (r *Relay) Stop() {
	r.runningMu.Lock()
	r.running = false
	r.runningMu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.logger.Info("relay stopped")
}

// IsRunning reports whether the loop is active. Used by health checks.
func (r *Relay) IsRunning() bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.running
}

func (r *Relay) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.DeliverDue(r.ctx); err != nil {
				r.logger.Error("delivery cycle failed", "error", err)
				// Back off one extra interval after a cycle failure
				select {
				case <-r.ctx.Done():
					return
				case <-time.After(r.config.PollInterval):
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

// DeliverDue runs one cycle: claim due messages and deliver them.
// Exported so tests and manual triggers can run a cycle without the
// ticker.
func (r *Relay) DeliverDue(ctx context.Context) error {
	// Prevent overlapping cycles
	if !r.pollMu.TryLock() {
		return nil
	}
	defer r.pollMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.RelayCycleDuration.Observe(time.Since(start).Seconds())
	}()

	if n, err := r.outbox.PendingCount(ctx); err == nil {
		metrics.OutboxPendingDepth.Set(float64(n))
	}

	msgs, err := r.outbox.Claim(ctx, r.config.BatchSize, time.Now())
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	r.logger.Info("delivering due messages", "count", len(msgs))

	sem := make(chan struct{}, r.config.Workers)
	var wg sync.WaitGroup
	for _, msg := range msgs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(msg *outbox.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			r.deliver(ctx, msg)
		}(msg)
	}
	wg.Wait()
	return nil
}

// deliver pushes one message through a delivery attempt.
func (r *Relay) deliver(ctx context.Context, msg *outbox.Message) {
	logger := r.logger.With("messageId", msg.ID, "taskId", msg.TaskID)

	callbackURL := msg.CallbackURL
	if callbackURL == "" {
		callbackURL = r.config.CallbackURL
	}
	if callbackURL == "" {
		r.markFailed(ctx, msg, "none", errors.New("no callback url configured"), logger)
		return
	}

	ch, err := r.router.ChannelFor(callbackURL)
	if err != nil {
		r.markFailed(ctx, msg, "none", err, logger)
		return
	}

	payload := []byte(msg.Payload)
	headers, err := r.signer.Headers(payload, r.secretFor(ctx, msg.TaskID))
	if err != nil {
		r.markFailed(ctx, msg, ch.Name(), err, logger)
		return
	}

	if _, err := r.tasks.IncrementAttempts(ctx, msg.TaskID, task.AttemptCallback); err != nil {
		// The task hash may already be expired, the delivery still counts
		logger.Debug("failed to count callback attempt", "error", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout())
	defer cancel()

	start := time.Now()
	err = ch.Deliver(attemptCtx, delivery.Request{
		MessageID: msg.ID,
		TaskID:    msg.TaskID,
		URL:       callbackURL,
		Body:      payload,
		Headers:   headers,
	})
	metrics.RelayDeliveryDuration.WithLabelValues(ch.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		r.markFailed(ctx, msg, ch.Name(), err, logger)
		return
	}

	if err := r.outbox.MarkSent(ctx, msg.ID); err != nil {
		logger.Error("failed to mark message sent", "error", err)
		return
	}
	metrics.RelayDeliveries.WithLabelValues(ch.Name(), "sent").Inc()
	logger.Info("notification delivered",
		"channel", ch.Name(),
		"status", msg.Status,
		"retryCount", msg.RetryCount)
}

// secretFor resolves the signing secret: the task's own secret when the
// task is still readable, the configured default otherwise.
func (r *Relay) secretFor(ctx context.Context, taskID string) string {
	t, err := r.tasks.Get(ctx, taskID, false)
	if err == nil && t.CallbackSecret != "" {
		return t.CallbackSecret
	}
	return r.config.CallbackSecret
}

// attemptTimeout jitters the base timeout by +-20%.
func (r *Relay) attemptTimeout() time.Duration {
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(r.config.RequestTimeout) * jitter)
}

func (r *Relay) markFailed(ctx context.Context, msg *outbox.Message, channel string, deliveryErr error, logger *slog.Logger) {
	if err := r.outbox.MarkFailed(ctx, msg.ID, deliveryErr); err != nil {
		logger.Error("failed to mark message failed", "error", err)
		return
	}
	metrics.RelayDeliveries.WithLabelValues(channel, "failed").Inc()
	logger.Warn("delivery failed, retry scheduled",
		"channel", channel,
		"error", deliveryErr,
		"retryCount", msg.RetryCount+1)
}
