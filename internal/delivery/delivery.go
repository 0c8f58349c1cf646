// Package delivery routes outbox notifications to their destination.
// The callback URL scheme picks the channel: http and https go out as
// signed webhooks, nats:// publishes to a JetStream subject and sqs://
// sends to an SQS queue.
package delivery

import (
	"context"
	"fmt"
	"net/url"
)

// Request is one notification handed to a channel for delivery.
type Request struct {
	// MessageID is the outbox message id, used for receiver-side
	// deduplication
	MessageID string

	// TaskID identifies the task the notification is about
	TaskID string

	// URL is the destination in channel-specific form
	URL string

	// Body is the exact payload bytes to deliver
	Body []byte

	// Headers carry transport metadata such as the payload signature.
	// Channels without header support map them to message attributes.
	Headers map[string]string
}

// Channel delivers notifications over one transport.
type Channel interface {
	// Name identifies the channel in logs and metrics
	Name() string

	// Deliver sends one notification. A nil return acknowledges the
	// message; any error leaves it due for retry.
	Deliver(ctx context.Context, req Request) error
}

// Router selects a channel by callback URL scheme.
type Router struct {
	channels map[string]Channel
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{channels: make(map[string]Channel)}
}

// Register binds a channel to one or more URL schemes.
func (r *Router) Register(ch Channel, schemes ...string) {
	for _, scheme := range schemes {
		r.channels[scheme] = ch
	}
}

// ChannelFor resolves the channel for a callback URL.
func (r *Router) ChannelFor(rawURL string) (Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid callback url %q: %w", rawURL, err)
	}
	ch, ok := r.channels[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no delivery channel for scheme %q", u.Scheme)
	}
	return ch, nil
}
