package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EmbeddedNATSConfig holds configuration for the in-process NATS server
// used in dev mode and tests.
type EmbeddedNATSConfig struct {
	// DataDir is the directory for JetStream persistence
	DataDir string

	// Host is the bind address (default 127.0.0.1)
	Host string

	// Port is the server port. -1 picks a random free port.
	Port int

	// StreamName is the JetStream stream receiving notifications
	StreamName string

	// Subjects is the stream's subject filter
	Subjects []string

	// MaxAge bounds how long undelivered notifications are kept
	MaxAge time.Duration

	// DuplicateWindow is the JetStream dedup window for Nats-Msg-Id
	DuplicateWindow time.Duration
}

// DefaultEmbeddedNATSConfig returns defaults for local development.
func DefaultEmbeddedNATSConfig() *EmbeddedNATSConfig {
	return &EmbeddedNATSConfig{
		DataDir:         "./data/nats",
		Host:            "127.0.0.1",
		Port:            4222,
		StreamName:      "CALLBACKS",
		Subjects:        []string{"callbacks.>"},
		MaxAge:          24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
	}
}

// EmbeddedNATS runs a NATS server with JetStream inside the process so
// nats:// callbacks work without external infrastructure.
type EmbeddedNATS struct {
	server *server.Server
	conn   *nats.Conn
	js     jetstream.JetStream
}

// NewEmbeddedNATS creates and starts an embedded server, connects to it
// and ensures the notification stream exists.
func NewEmbeddedNATS(cfg *EmbeddedNATSConfig) (*EmbeddedNATS, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedNATSConfig()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	e := &EmbeddedNATS{server: ns, conn: conn, js: js}
	if err := e.ensureStream(context.Background(), cfg); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	slog.Info("embedded NATS server started",
		"url", ns.ClientURL(),
		"stream", cfg.StreamName,
		"dataDir", cfg.DataDir)

	return e, nil
}

func (e *EmbeddedNATS) ensureStream(ctx context.Context, cfg *EmbeddedNATSConfig) error {
	streamCfg := jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   cfg.Subjects,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     cfg.MaxAge,
		Replicas:   1,
		Discard:    jetstream.DiscardOld,
		MaxMsgs:    -1,
		MaxBytes:   -1,
		Duplicates: cfg.DuplicateWindow,
	}

	if _, err := e.js.Stream(ctx, cfg.StreamName); err != nil {
		if _, err := e.js.CreateStream(ctx, streamCfg); err != nil {
			return err
		}
		return nil
	}
	_, err := e.js.UpdateStream(ctx, streamCfg)
	return err
}

// Conn returns the connection for building a NATSChannel over it.
func (e *EmbeddedNATS) Conn() *nats.Conn {
	return e.conn
}

// JetStream returns the JetStream context.
func (e *EmbeddedNATS) JetStream() jetstream.JetStream {
	return e.js
}

// ClientURL returns the server's client URL.
func (e *EmbeddedNATS) ClientURL() string {
	return e.server.ClientURL()
}

// Close shuts the server down.
func (e *EmbeddedNATS) Close() error {
	if e.conn != nil {
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
	return nil
}
