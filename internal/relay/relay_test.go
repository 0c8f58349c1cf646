package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.docrelay.tech/internal/delivery"
	"go.docrelay.tech/internal/outbox"
	"go.docrelay.tech/internal/task"
)

type captureChannel struct {
	mu        sync.Mutex
	name      string
	delivered []delivery.Request
	err       error
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Deliver(ctx context.Context, req delivery.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.delivered = append(c.delivered, req)
	return nil
}

func (c *captureChannel) requests() []delivery.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery.Request(nil), c.delivered...)
}

type relayFixture struct {
	relay   *Relay
	tasks   *task.Store
	outbox  *outbox.Store
	webhook *captureChannel
	mr      *miniredis.Miniredis
}

func newRelay(t *testing.T, cfg Config) *relayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	tasks := task.NewStore(rc, task.DefaultTTLSchedule())
	outboxStore := outbox.NewStore(rc, outbox.DefaultRetention())

	webhook := &captureChannel{name: "webhook"}
	router := delivery.NewRouter()
	router.Register(webhook, "http", "https")

	signer, err := NewSigner("hmac")
	require.NoError(t, err)

	return &relayFixture{
		relay:   New(outboxStore, tasks, router, signer, cfg),
		tasks:   tasks,
		outbox:  outboxStore,
		webhook: webhook,
		mr:      mr,
	}
}

// enqueueCompleted creates a completed task and its outbox message.
func enqueueCompleted(t *testing.T, f *relayFixture, callbackURL, secret string) (*task.Task, *outbox.Message) {
	t.Helper()
	ctx := context.Background()

	created, err := f.tasks.Create(ctx, task.CreateParams{
		Prompt:         "classify",
		CallbackURL:    callbackURL,
		CallbackSecret: secret,
	})
	require.NoError(t, err)

	msg := outbox.NewCompletionMessage(outbox.CompletionParams{
		TaskID:      created.ID,
		DocumentID:  created.DocumentID,
		CallbackURL: callbackURL,
		Result:      "classified result",
	})
	_, err = f.tasks.CompleteWithOutbox(ctx, created.ID, task.Patch{Result: "classified result"},
		f.outbox.AppendEnqueue(ctx, msg))
	require.NoError(t, err)
	return created, msg
}

func TestDeliverDueSendsAndMarksSent(t *testing.T) {
	f := newRelay(t, DefaultConfig())
	ctx := context.Background()

	created, msg := enqueueCompleted(t, f, "https://example.com/hook", "task-secret")

	require.NoError(t, f.relay.DeliverDue(ctx))

	reqs := f.webhook.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, msg.ID, reqs[0].MessageID)
	assert.Equal(t, created.ID, reqs[0].TaskID)
	assert.Equal(t, "https://example.com/hook", reqs[0].URL)
	assert.Equal(t, msg.Payload, string(reqs[0].Body))

	// Signed with the task's own secret over the exact payload bytes
	signer, _ := NewSigner("hmac")
	assert.Equal(t, signer.Sign([]byte(msg.Payload), "task-secret"), reqs[0].Headers[SignatureHeader])

	sent, err := f.outbox.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, sent.IsSent())

	n, err := f.outbox.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Delivery attempt is counted on the task
	got, err := f.tasks.Get(ctx, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CallbackAttempts)
}

func TestDeliverDueFallsBackToConfigCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallbackURL = "https://fallback.example.com/hook"
	cfg.CallbackSecret = "config-secret"
	f := newRelay(t, cfg)
	ctx := context.Background()

	_, msg := enqueueCompleted(t, f, "", "")

	require.NoError(t, f.relay.DeliverDue(ctx))

	reqs := f.webhook.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://fallback.example.com/hook", reqs[0].URL)

	signer, _ := NewSigner("hmac")
	assert.Equal(t, signer.Sign([]byte(msg.Payload), "config-secret"), reqs[0].Headers[SignatureHeader])
}

func TestDeliverDueFailureSchedulesRetry(t *testing.T) {
	f := newRelay(t, DefaultConfig())
	f.webhook.err = errors.New("HTTP error 502: upstream down")
	ctx := context.Background()

	_, msg := enqueueCompleted(t, f, "https://example.com/hook", "s")

	require.NoError(t, f.relay.DeliverDue(ctx))

	got, err := f.outbox.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, got.IsSent())
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "502")
	assert.True(t, got.NextRetryAt.After(time.Now()))

	// Not due yet, the next cycle leaves it alone
	require.NoError(t, f.relay.DeliverDue(ctx))
	got, err = f.outbox.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestDeliverDueNoCallbackConfigured(t *testing.T) {
	f := newRelay(t, DefaultConfig())
	ctx := context.Background()

	_, msg := enqueueCompleted(t, f, "", "")

	require.NoError(t, f.relay.DeliverDue(ctx))

	assert.Empty(t, f.webhook.requests())

	got, err := f.outbox.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "no callback url configured")
}

func TestDeliverDueUnknownScheme(t *testing.T) {
	f := newRelay(t, DefaultConfig())
	ctx := context.Background()

	_, msg := enqueueCompleted(t, f, "ftp://example.com/hook", "")

	require.NoError(t, f.relay.DeliverDue(ctx))

	got, err := f.outbox.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "ftp")
}

func TestDeliverDueUsesConfigSecretWhenTaskExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallbackSecret = "config-secret"
	f := newRelay(t, cfg)
	ctx := context.Background()

	// Message without a backing task, as after the task hash expired
	msg := outbox.NewFailureMessage("task_gone", "doc_gone", "https://example.com/hook", "boom")
	_, err := f.outbox.Enqueue(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, f.relay.DeliverDue(ctx))

	reqs := f.webhook.requests()
	require.Len(t, reqs, 1)

	signer, _ := NewSigner("hmac")
	assert.Equal(t, signer.Sign([]byte(msg.Payload), "config-secret"), reqs[0].Headers[SignatureHeader])
}

func TestDeliverDueClaimsUpToBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	f := newRelay(t, cfg)
	ctx := context.Background()

	enqueueCompleted(t, f, "https://example.com/hook", "")
	enqueueCompleted(t, f, "https://example.com/hook", "")
	enqueueCompleted(t, f, "https://example.com/hook", "")

	require.NoError(t, f.relay.DeliverDue(ctx))
	assert.Len(t, f.webhook.requests(), 2)

	require.NoError(t, f.relay.DeliverDue(ctx))
	assert.Len(t, f.webhook.requests(), 3)
}

func TestRunLoopBacksOffAfterCycleFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 200 * time.Millisecond
	f := newRelay(t, cfg)

	enqueueCompleted(t, f, "https://example.com/hook", "")

	// Every command errors until the store recovers, so the first cycle
	// fails at the loop level
	f.mr.SetError("LOADING Redis is loading the dataset in memory")

	f.relay.Start()
	defer f.relay.Stop()

	// The first cycle fails after one interval, then the loop holds off
	// a full extra interval. Recover the store during the hold.
	time.Sleep(300 * time.Millisecond)
	f.mr.SetError("")

	// Normal cadence would already have delivered on the second tick
	time.Sleep(180 * time.Millisecond)
	assert.Empty(t, f.webhook.requests())

	require.Eventually(t, func() bool {
		return len(f.webhook.requests()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	f := newRelay(t, DefaultConfig())

	f.relay.Start()
	assert.True(t, f.relay.IsRunning())
	f.relay.Start()

	f.relay.Stop()
	assert.False(t, f.relay.IsRunning())
}
