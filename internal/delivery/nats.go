package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSChannel publishes notifications to a JetStream subject. The
// callback URL maps to the subject: nats://callbacks.completed becomes
// the subject "callbacks.completed", path segments are joined with dots.
type NATSChannel struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	// ownsConn is true when the channel dialed the connection itself
	ownsConn bool
}

// NewNATSChannel connects to a NATS server and creates the channel.
func NewNATSChannel(serverURL string) (*NATSChannel, error) {
	if serverURL == "" {
		serverURL = "nats://localhost:4222"
	}

	conn, err := nats.Connect(serverURL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ch, err := NewNATSChannelWithConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ch.ownsConn = true
	return ch, nil
}

// NewNATSChannelWithConn creates the channel over an existing
// connection. The caller keeps ownership of the connection.
func NewNATSChannelWithConn(conn *nats.Conn) (*NATSChannel, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &NATSChannel{
		conn:   conn,
		js:     js,
		logger: slog.Default().With("channel", "nats"),
	}, nil
}

// Name implements Channel.
func (c *NATSChannel) Name() string {
	return "nats"
}

// Deliver publishes the payload. The message id goes into Nats-Msg-Id
// so JetStream deduplicates redelivered notifications within the
// stream's duplicate window.
func (c *NATSChannel) Deliver(ctx context.Context, req Request) error {
	subject, err := subjectFromURL(req.URL)
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    req.Body,
		Header:  make(nats.Header),
	}
	msg.Header.Set("Nats-Msg-Id", req.MessageID)
	for k, v := range req.Headers {
		msg.Header.Set(k, v)
	}

	if _, err := c.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	c.logger.Debug("notification published", "subject", subject, "messageId", req.MessageID)
	return nil
}

// Ping reports connection health. Used by health checks.
func (c *NATSChannel) Ping() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not established")
	}
	return nil
}

// Close closes the connection if the channel owns it.
func (c *NATSChannel) Close() error {
	if c.ownsConn {
		c.conn.Close()
	}
	return nil
}

// subjectFromURL turns a nats:// callback URL into a subject.
func subjectFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid nats url %q: %w", rawURL, err)
	}

	subject := u.Host
	if path := strings.Trim(u.Path, "/"); path != "" {
		subject += "." + strings.ReplaceAll(path, "/", ".")
	}
	if subject == "" {
		return "", fmt.Errorf("nats url %q has no subject", rawURL)
	}
	return subject, nil
}
