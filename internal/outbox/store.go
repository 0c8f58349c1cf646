package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go.docrelay.tech/internal/common/tsid"
)

// ErrNotFound is returned when a message id has no backing hash.
var ErrNotFound = errors.New("outbox message not found")

const (
	pendingQueueKey = "outbox:pending"
	sentQueueKey    = "outbox:sent"

	// Delivery backoff: baseRetryDelay * 2^retry_count, capped at
	// maxRetryDelay. The exponent uses the count before increment, so the
	// first failure re-schedules +60s and the second +120s.
	baseRetryDelay = 60 * time.Second
	maxRetryDelay  = 24 * time.Hour
)

func messageKey(id string) string       { return "outbox:message:" + id }
func taskIndexKey(id string) string     { return "outbox:task:" + id }
func documentIndexKey(id string) string { return "outbox:document:" + id }

// Retention holds the TTL windows per message phase, re-applied whenever a
// message changes phase.
type Retention struct {
	Pending time.Duration
	Sent    time.Duration
	Failed  time.Duration
}

// DefaultRetention returns the standard retention windows.
func DefaultRetention() Retention {
	return Retention{
		Pending: 7 * 24 * time.Hour,
		Sent:    3 * 24 * time.Hour,
		Failed:  14 * 24 * time.Hour,
	}
}

// Store persists outbox messages in Redis.
type Store struct {
	client    redis.UniversalClient
	retention Retention
	logger    *slog.Logger
}

// NewStore creates an outbox store on the given Redis client.
func NewStore(client redis.UniversalClient, retention Retention) *Store {
	return &Store{
		client:    client,
		retention: retention,
		logger:    slog.Default().With("component", "outbox-store"),
	}
}

// Enqueue writes a new message and schedules it for immediate delivery.
// Enqueueing an id that already exists is a no-op returning false, so a
// replayed terminal transition never duplicates a notification.
func (s *Store) Enqueue(ctx context.Context, msg *Message) (bool, error) {
	s.prepare(msg)

	exists, err := s.client.Exists(ctx, messageKey(msg.ID)).Result()
	if err != nil {
		return false, fmt.Errorf("check outbox message %s: %w", msg.ID, err)
	}
	if exists > 0 {
		return false, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.writeMessage(ctx, pipe, msg)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueue outbox message %s: %w", msg.ID, err)
	}
	return true, nil
}

// AppendEnqueue returns a pipeline fragment that writes the message. It is
// handed to the task store so the enqueue lands in the same transaction as
// the terminal transition producing it.
func (s *Store) AppendEnqueue(ctx context.Context, msg *Message) func(pipe redis.Pipeliner) {
	s.prepare(msg)
	return func(pipe redis.Pipeliner) {
		s.writeMessage(ctx, pipe, msg)
	}
}

func (s *Store) prepare(msg *Message) {
	if msg.ID == "" {
		msg.ID = tsid.Generate()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.NextRetryAt.IsZero() {
		msg.NextRetryAt = msg.CreatedAt
	}
}

func (s *Store) writeMessage(ctx context.Context, pipe redis.Pipeliner, msg *Message) {
	pipe.HSet(ctx, messageKey(msg.ID), map[string]interface{}{
		"message_id":    msg.ID,
		"task_id":       msg.TaskID,
		"document_id":   msg.DocumentID,
		"status":        string(msg.Status),
		"payload":       msg.Payload,
		"callback_url":  msg.CallbackURL,
		"created_at":    formatScore(scoreOf(msg.CreatedAt)),
		"sent_at":       "",
		"retry_count":   0,
		"next_retry_at": formatScore(scoreOf(msg.NextRetryAt)),
		"last_error":    "",
	})
	pipe.ZAdd(ctx, pendingQueueKey, redis.Z{Score: scoreOf(msg.NextRetryAt), Member: msg.ID})
	pipe.SAdd(ctx, taskIndexKey(msg.TaskID), msg.ID)
	pipe.SAdd(ctx, documentIndexKey(msg.DocumentID), msg.ID)
	pipe.Expire(ctx, messageKey(msg.ID), s.retention.Pending)
	pipe.Expire(ctx, taskIndexKey(msg.TaskID), s.retention.Pending)
	pipe.Expire(ctx, documentIndexKey(msg.DocumentID), s.retention.Pending)
}

// Claim returns due messages (next_retry_at <= now), oldest deadline
// first, up to limit. Queue entries whose hash expired are dropped.
func (s *Store) Claim(ctx context.Context, limit int, now time.Time) ([]*Message, error) {
	ids, err := s.client.ZRangeByScore(ctx, pendingQueueKey, &redis.ZRangeBy{
		Min:    "0",
		Max:    formatScore(scoreOf(now)),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}

	messages := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("dropping dangling outbox queue entry", "messageId", id)
			s.client.ZRem(ctx, pendingQueueKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Get loads a message by id.
func (s *Store) Get(ctx context.Context, messageID string) (*Message, error) {
	vals, err := s.client.HGetAll(ctx, messageKey(messageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get outbox message %s: %w", messageID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return messageFromHash(messageID, vals), nil
}

// GetByTask returns the messages produced for a task. Acknowledged
// messages are skipped unless includeSent is set.
func (s *Store) GetByTask(ctx context.Context, taskID string, includeSent bool) ([]*Message, error) {
	ids, err := s.client.SMembers(ctx, taskIndexKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get outbox messages for task %s: %w", taskID, err)
	}

	var messages []*Message
	for _, id := range ids {
		msg, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if msg.IsSent() && !includeSent {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// MarkSent acknowledges a delivery: sets sent_at and moves the message
// from the pending queue to the sent queue. Idempotent, the first
// acknowledgement wins and repeats are no-ops.
func (s *Store) MarkSent(ctx context.Context, messageID string) error {
	vals, err := s.client.HMGet(ctx, messageKey(messageID), "sent_at", "task_id", "document_id").Result()
	if err != nil {
		return fmt.Errorf("read outbox message %s: %w", messageID, err)
	}
	sentAt, ok := vals[0].(string)
	if !ok {
		return ErrNotFound
	}
	if sentAt != "" {
		s.logger.Debug("outbox message already acknowledged", "messageId", messageID)
		return nil
	}
	taskID, _ := vals[1].(string)
	documentID, _ := vals[2].(string)

	now := time.Now().UTC()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messageKey(messageID), "sent_at", formatScore(scoreOf(now)))
		pipe.ZRem(ctx, pendingQueueKey, messageID)
		pipe.ZAdd(ctx, sentQueueKey, redis.Z{Score: scoreOf(now), Member: messageID})
		pipe.Expire(ctx, messageKey(messageID), s.retention.Sent)
		if taskID != "" {
			pipe.Expire(ctx, taskIndexKey(taskID), s.retention.Sent)
		}
		if documentID != "" {
			pipe.Expire(ctx, documentIndexKey(documentID), s.retention.Sent)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark outbox message %s sent: %w", messageID, err)
	}
	return nil
}

// MarkFailed records a delivery failure and re-schedules the message with
// exponential backoff. The pending queue entry is re-scored to the new
// deadline, so the deadline never moves backwards.
func (s *Store) MarkFailed(ctx context.Context, messageID string, deliveryErr error) error {
	vals, err := s.client.HMGet(ctx, messageKey(messageID), "retry_count", "task_id", "document_id").Result()
	if err != nil {
		return fmt.Errorf("read outbox message %s: %w", messageID, err)
	}
	countRaw, ok := vals[0].(string)
	if !ok {
		return ErrNotFound
	}
	retryCount, _ := strconv.Atoi(countRaw)
	taskID, _ := vals[1].(string)
	documentID, _ := vals[2].(string)

	nextRetryAt := time.Now().UTC().Add(backoffDelay(retryCount))
	reason := ""
	if deliveryErr != nil {
		reason = deliveryErr.Error()
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messageKey(messageID), map[string]interface{}{
			"retry_count":   retryCount + 1,
			"next_retry_at": formatScore(scoreOf(nextRetryAt)),
			"last_error":    reason,
		})
		pipe.ZAdd(ctx, pendingQueueKey, redis.Z{Score: scoreOf(nextRetryAt), Member: messageID})
		pipe.Expire(ctx, messageKey(messageID), s.retention.Failed)
		if taskID != "" {
			pipe.Expire(ctx, taskIndexKey(taskID), s.retention.Failed)
		}
		if documentID != "" {
			pipe.Expire(ctx, documentIndexKey(documentID), s.retention.Failed)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark outbox message %s failed: %w", messageID, err)
	}
	return nil
}

// PendingCount returns the depth of the pending queue.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, pendingQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending outbox messages: %w", err)
	}
	return n, nil
}

// SentCount returns the depth of the sent queue.
func (s *Store) SentCount(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, sentQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count sent outbox messages: %w", err)
	}
	return n, nil
}

// backoffDelay computes the wait before the next delivery attempt from
// the number of failures so far.
func backoffDelay(retryCount int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 6, 64)
}

func timeOfScore(raw string) time.Time {
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil || score == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(score * 1e6)).UTC()
}

func messageFromHash(id string, vals map[string]string) *Message {
	msg := &Message{
		ID:          id,
		TaskID:      vals["task_id"],
		DocumentID:  vals["document_id"],
		Status:      Status(vals["status"]),
		Payload:     vals["payload"],
		CallbackURL: vals["callback_url"],
		CreatedAt:   timeOfScore(vals["created_at"]),
		SentAt:      timeOfScore(vals["sent_at"]),
		NextRetryAt: timeOfScore(vals["next_retry_at"]),
		LastError:   vals["last_error"],
	}
	msg.RetryCount, _ = strconv.Atoi(vals["retry_count"])
	return msg
}
