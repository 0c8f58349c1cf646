package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, DefaultRetention()), mr, client
}

func newMessage(id string) *Message {
	return &Message{
		ID:          id,
		TaskID:      "task_1",
		DocumentID:  "doc_1",
		Status:      StatusCompleted,
		Payload:     `{"task_id":"task_1","status":"completed","result":"ok"}`,
		CallbackURL: "https://example.com/hook",
	}
}

func TestEnqueue(t *testing.T) {
	store, mr, client := newTestStore(t)
	ctx := context.Background()

	msg := newMessage("")
	ok, err := store.Enqueue(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, msg.ID, 13)

	got, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "task_1", got.TaskID)
	assert.Equal(t, "doc_1", got.DocumentID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, "https://example.com/hook", got.CallbackURL)
	assert.Zero(t, got.RetryCount)
	assert.False(t, got.IsSent())

	// Due immediately: pending score equals the enqueue time
	score, err := client.ZScore(ctx, pendingQueueKey, msg.ID).Result()
	require.NoError(t, err)
	assert.InDelta(t, scoreOf(msg.CreatedAt), score, 0.001)

	isMember, err := client.SIsMember(ctx, "outbox:task:task_1", msg.ID).Result()
	require.NoError(t, err)
	assert.True(t, isMember)

	assert.Greater(t, mr.TTL(messageKey(msg.ID)), time.Duration(0))
}

func TestEnqueueDuplicateIsNoOp(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	msg := newMessage("0123456789ABC")
	ok, err := store.Enqueue(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	dup := newMessage("0123456789ABC")
	dup.Payload = `{"changed":true}`
	ok, err = store.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "0123456789ABC")
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, got.Payload)
}

func TestAppendEnqueueJoinsCallerPipeline(t *testing.T) {
	store, _, client := newTestStore(t)
	ctx := context.Background()

	msg := newMessage("")
	appendFn := store.AppendEnqueue(ctx, msg)
	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "marker:transition", "done", 0)
		appendFn(pipe)
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "task_1", got.TaskID)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClaimReturnsOnlyDueMessages(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newMessage("")
	_, err := store.Enqueue(ctx, due)
	require.NoError(t, err)

	future := newMessage("")
	future.NextRetryAt = now.Add(time.Hour)
	_, err = store.Enqueue(ctx, future)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 10, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
}

func TestClaimOldestDeadlineFirst(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	first := newMessage("")
	_, err := store.Enqueue(ctx, first)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	second := newMessage("")
	_, err = store.Enqueue(ctx, second)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 10, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)
}

func TestClaimDropsDanglingEntries(t *testing.T) {
	store, mr, client := newTestStore(t)
	ctx := context.Background()

	msg := newMessage("")
	_, err := store.Enqueue(ctx, msg)
	require.NoError(t, err)

	mr.Del(messageKey(msg.ID))

	claimed, err := store.Claim(ctx, 10, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	n, err := client.ZCard(ctx, pendingQueueKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkSent(t *testing.T) {
	store, _, client := newTestStore(t)
	ctx := context.Background()

	msg := newMessage("")
	_, err := store.Enqueue(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, store.MarkSent(ctx, msg.ID))

	got, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSent())

	assert.Error(t, client.ZScore(ctx, pendingQueueKey, msg.ID).Err())
	require.NoError(t, client.ZScore(ctx, sentQueueKey, msg.ID).Err())

	// The first acknowledgement wins, repeats do not move sent_at
	firstSentAt := got.SentAt
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.MarkSent(ctx, msg.ID))

	got, err = store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, firstSentAt, got.SentAt)
}

func TestMarkSentUnknownMessage(t *testing.T) {
	store, _, _ := newTestStore(t)

	err := store.MarkSent(context.Background(), "0123456789ABC")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkFailedSchedulesExponentialRetry(t *testing.T) {
	store, _, client := newTestStore(t)
	ctx := context.Background()

	msg := newMessage("")
	_, err := store.Enqueue(ctx, msg)
	require.NoError(t, err)

	// First failure: retry in 60s
	before := time.Now().UTC()
	require.NoError(t, store.MarkFailed(ctx, msg.ID, errors.New("connection refused")))

	got, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "connection refused", got.LastError)
	assert.InDelta(t, 60, got.NextRetryAt.Sub(before).Seconds(), 2)

	// Second failure: retry in 120s
	before = time.Now().UTC()
	require.NoError(t, store.MarkFailed(ctx, msg.ID, errors.New("HTTP 503")))

	got, err = store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "HTTP 503", got.LastError)
	assert.InDelta(t, 120, got.NextRetryAt.Sub(before).Seconds(), 2)

	// The pending entry follows the new deadline
	score, err := client.ZScore(ctx, pendingQueueKey, msg.ID).Result()
	require.NoError(t, err)
	assert.InDelta(t, scoreOf(got.NextRetryAt), score, 0.001)

	// Not due before the deadline
	claimed, err := store.Claim(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = store.Claim(ctx, 10, time.Now().Add(121*time.Second))
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{5, 1920 * time.Second},
		{10, 61440 * time.Second},
		{11, 24 * time.Hour},
		{20, 24 * time.Hour},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.retryCount); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestGetByTask(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	first := newMessage("")
	_, err := store.Enqueue(ctx, first)
	require.NoError(t, err)

	second := newMessage("")
	second.Status = StatusFailed
	_, err = store.Enqueue(ctx, second)
	require.NoError(t, err)

	require.NoError(t, store.MarkSent(ctx, first.ID))

	unsent, err := store.GetByTask(ctx, "task_1", false)
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	assert.Equal(t, second.ID, unsent[0].ID)

	all, err := store.GetByTask(ctx, "task_1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCounts(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, newMessage(""))
		require.NoError(t, err)
	}
	msgs, err := store.Claim(ctx, 1, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, store.MarkSent(ctx, msgs[0].ID))

	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	sent, err := store.SentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sent)
}
