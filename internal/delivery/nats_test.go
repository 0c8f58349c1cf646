package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEmbeddedNATS(t *testing.T) *EmbeddedNATS {
	t.Helper()
	cfg := DefaultEmbeddedNATSConfig()
	cfg.DataDir = t.TempDir()
	cfg.Port = -1 // random free port

	e, err := NewEmbeddedNATS(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNATSChannelDeliver(t *testing.T) {
	e := startEmbeddedNATS(t)
	ctx := context.Background()

	ch, err := NewNATSChannelWithConn(e.Conn())
	require.NoError(t, err)

	err = ch.Deliver(ctx, Request{
		MessageID: "msg_1",
		TaskID:    "task_1",
		URL:       "nats://callbacks.completed",
		Body:      []byte(`{"task_id":"task_1","status":"completed"}`),
		Headers:   map[string]string{"X-Signature": "deadbeef"},
	})
	require.NoError(t, err)

	// Read the message back through a consumer on the stream
	stream, err := e.JetStream().Stream(ctx, "CALLBACKS")
	require.NoError(t, err)
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:      "test-reader",
		Durable:   "test-reader",
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)

	var got jetstream.Msg
	for msg := range batch.Messages() {
		got = msg
		msg.Ack()
	}
	require.NotNil(t, got)
	assert.Equal(t, "callbacks.completed", got.Subject())
	assert.Equal(t, `{"task_id":"task_1","status":"completed"}`, string(got.Data()))
	assert.Equal(t, "msg_1", got.Headers().Get("Nats-Msg-Id"))
	assert.Equal(t, "deadbeef", got.Headers().Get("X-Signature"))
}

func TestNATSChannelDeduplicatesOnMessageID(t *testing.T) {
	e := startEmbeddedNATS(t)
	ctx := context.Background()

	ch, err := NewNATSChannelWithConn(e.Conn())
	require.NoError(t, err)

	req := Request{
		MessageID: "msg_dup",
		URL:       "nats://callbacks.completed",
		Body:      []byte(`{}`),
	}
	require.NoError(t, ch.Deliver(ctx, req))
	require.NoError(t, ch.Deliver(ctx, req))

	stream, err := e.JetStream().Stream(ctx, "CALLBACKS")
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestNATSChannelRejectsEmptySubject(t *testing.T) {
	e := startEmbeddedNATS(t)

	ch, err := NewNATSChannelWithConn(e.Conn())
	require.NoError(t, err)

	err = ch.Deliver(context.Background(), Request{URL: "nats://", Body: []byte(`{}`)})
	require.Error(t, err)
}
