package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	name      string
	delivered []Request
	err       error
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) Deliver(ctx context.Context, req Request) error {
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, req)
	return nil
}

func TestRouterSelectsChannelByScheme(t *testing.T) {
	webhook := &stubChannel{name: "webhook"}
	natsCh := &stubChannel{name: "nats"}

	r := NewRouter()
	r.Register(webhook, "http", "https")
	r.Register(natsCh, "nats")

	ch, err := r.ChannelFor("https://example.com/hook")
	require.NoError(t, err)
	assert.Equal(t, "webhook", ch.Name())

	ch, err = r.ChannelFor("http://example.com/hook")
	require.NoError(t, err)
	assert.Equal(t, "webhook", ch.Name())

	ch, err = r.ChannelFor("nats://callbacks.completed")
	require.NoError(t, err)
	assert.Equal(t, "nats", ch.Name())
}

func TestRouterUnknownScheme(t *testing.T) {
	r := NewRouter()
	r.Register(&stubChannel{name: "webhook"}, "http", "https")

	_, err := r.ChannelFor("ftp://example.com/hook")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp")
}

func TestSubjectFromURL(t *testing.T) {
	subject, err := subjectFromURL("nats://callbacks.completed")
	require.NoError(t, err)
	assert.Equal(t, "callbacks.completed", subject)

	subject, err = subjectFromURL("nats://callbacks/tasks/completed")
	require.NoError(t, err)
	assert.Equal(t, "callbacks.tasks.completed", subject)

	_, err = subjectFromURL("nats://")
	require.Error(t, err)
}

func TestQueueNameFromURL(t *testing.T) {
	name, err := queueNameFromURL("sqs://task-callbacks")
	require.NoError(t, err)
	assert.Equal(t, "task-callbacks", name)

	_, err = queueNameFromURL("sqs://")
	require.Error(t, err)
}
