// DocRelay
//
// Single-binary deployment: HTTP API, dispatcher, batch watcher and
// outbox relay in one process, sharing a Redis connection.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "go.docrelay.tech/docs" // Swagger docs

	"go.docrelay.tech/internal/api"
	"go.docrelay.tech/internal/common/health"
	"go.docrelay.tech/internal/common/lifecycle"
	"go.docrelay.tech/internal/common/secrets"
	"go.docrelay.tech/internal/config"
	"go.docrelay.tech/internal/delivery"
	"go.docrelay.tech/internal/dispatcher"
	"go.docrelay.tech/internal/outbox"
	"go.docrelay.tech/internal/product"
	"go.docrelay.tech/internal/relay"
	"go.docrelay.tech/internal/remote"
	"go.docrelay.tech/internal/remote/anthropic"
	"go.docrelay.tech/internal/task"
	"go.docrelay.tech/internal/watcher"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	setupLogging()

	slog.Info("Starting DocRelay",
		"version", version,
		"build_time", buildTime)

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsRedis: true,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()
	cfg := app.Config

	resolveSecrets(ctx, cfg)

	// ========================================
	// 2. STORES
	// ========================================
	ttl := task.TTLSchedule{
		Pending:   cfg.TTL.Pending,
		Completed: cfg.TTL.Completed,
		Failed:    cfg.TTL.Failed,
	}
	tasks := task.NewStore(app.Redis, ttl)
	outboxStore := outbox.NewStore(app.Redis, outbox.DefaultRetention())

	// ========================================
	// 3. REMOTE BATCH CLIENT
	// ========================================
	var remoteClient remote.BatchClient = anthropic.NewClient(anthropic.Config{
		APIKey:    cfg.Remote.APIKey,
		Model:     cfg.Remote.Model,
		MaxTokens: int64(cfg.Remote.MaxTokens),
		BaseURL:   cfg.Remote.BaseURL,
	})
	if cfg.Remote.APIKey == "" {
		slog.Warn("No remote API key configured, submissions will fail until one is set")
	}

	// ========================================
	// 4. DELIVERY CHANNELS
	// ========================================
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.RedisCheck(func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.Redis.Ping(pingCtx).Err()
	}))

	router := setupDeliveryRouter(ctx, app, healthChecker)

	// ========================================
	// 5. COMPONENT WIRING
	// ========================================
	signer, err := relay.NewSigner(cfg.Relay.AuthMode)
	if err != nil {
		slog.Error("Failed to configure callback signer", "error", err)
		os.Exit(1)
	}

	dispatcherLoop := dispatcher.New(tasks, outboxStore, remoteClient, dispatcher.Config{
		PollInterval:        cfg.Dispatcher.PollInterval,
		BatchSize:           cfg.Dispatcher.BatchSize,
		Workers:             cfg.Dispatcher.Workers,
		MaxAttempts:         cfg.Dispatcher.MaxAttempts,
		SubmitRatePerMinute: cfg.Dispatcher.SubmitRatePerMinute,
	})

	watcherLoop := watcher.New(tasks, outboxStore, remoteClient, watcher.Config{
		CheckInterval: cfg.Watcher.CheckInterval,
		Workers:       cfg.Watcher.Workers,
	})

	relayLoop := relay.New(outboxStore, tasks, router, signer, relay.Config{
		PollInterval:   cfg.Relay.PollInterval,
		BatchSize:      cfg.Relay.BatchSize,
		Workers:        cfg.Relay.Workers,
		RequestTimeout: cfg.Relay.RequestTimeout,
		CallbackURL:    cfg.Relay.CallbackURL,
		CallbackSecret: cfg.Relay.CallbackSecret,
	})

	healthChecker.AddReadinessCheck(health.LoopCheck("dispatcher", dispatcherLoop.IsRunning))
	healthChecker.AddReadinessCheck(health.LoopCheck("watcher", watcherLoop.IsRunning))
	healthChecker.AddReadinessCheck(health.LoopCheck("relay", relayLoop.IsRunning))

	products := product.NewService(app.Redis, tasks, product.Config{
		PromptTemplate: cfg.Prompts.ProductTemplate,
		NotFoundMarker: cfg.Prompts.NotFoundMarker,
		TTL:            ttl,
	})

	// ========================================
	// 6. HTTP SERVER
	// ========================================
	apiServer := api.NewServer(tasks, outboxStore, products, remoteClient, relayLoop, healthChecker, api.Config{
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		APIKey:          cfg.Auth.APIKey,
		APIKeyHash:      cfg.Auth.APIKeyHash,
		Templates:       map[string]string{cfg.Prompts.TemplateName: cfg.Prompts.Template},
		DefaultTemplate: cfg.Prompts.TemplateName,
		CallbackURL:     cfg.Relay.CallbackURL,
		CallbackSecret:  cfg.Relay.CallbackSecret,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      apiServer.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 7. SERVICE STARTUP
	// ========================================
	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		loopService("dispatcher", dispatcherLoop.Start, dispatcherLoop.Stop, dispatcherLoop.IsRunning),
		loopService("watcher", watcherLoop.Start, watcherLoop.Stop, watcherLoop.IsRunning),
		loopService("relay", relayLoop.Start, relayLoop.Stop, relayLoop.IsRunning),
	}

	slog.Info("DocRelay ready",
		"port", cfg.HTTP.Port,
		"model", cfg.Remote.Model,
		"pollInterval", cfg.Dispatcher.PollInterval,
		"batchCheckInterval", cfg.Watcher.CheckInterval)

	// ========================================
	// 8. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("DocRelay stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("DOCRELAY_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// resolveSecrets fills sensitive config values from the configured
// secrets provider when the environment left them empty.
func resolveSecrets(ctx context.Context, cfg *config.Config) {
	provider, err := secrets.NewProvider(secrets.LoadConfigFromEnv())
	if err != nil {
		slog.Warn("Secrets provider unavailable, using environment values", "error", err)
		return
	}

	lookups := []struct {
		key  string
		dest *string
	}{
		{"API_KEY", &cfg.Auth.APIKey},
		{"API_KEY_HASH", &cfg.Auth.APIKeyHash},
		{"REMOTE_API_KEY", &cfg.Remote.APIKey},
		{"CALLBACK_SECRET", &cfg.Relay.CallbackSecret},
	}
	for _, l := range lookups {
		if *l.dest != "" {
			continue
		}
		value, err := provider.Get(ctx, l.key)
		if err != nil || value == "" {
			continue
		}
		*l.dest = value
		slog.Info("Secret resolved", "key", l.key, "provider", provider.Name())
	}
}

// setupDeliveryRouter wires the delivery channels: webhooks always, NATS
// and SQS when configured. A secondary channel that fails to connect is
// skipped so callbacks over the other schemes keep working.
func setupDeliveryRouter(ctx context.Context, app *lifecycle.App, healthChecker *health.Checker) *delivery.Router {
	cfg := app.Config

	router := delivery.NewRouter()

	webhookCfg := delivery.DefaultWebhookConfig()
	webhookCfg.Timeout = cfg.Relay.RequestTimeout
	router.Register(delivery.NewWebhook(webhookCfg), "http", "https")

	// NATS channel: embedded server in dev mode, external otherwise
	if cfg.DevMode {
		embedded, err := delivery.NewEmbeddedNATS(delivery.DefaultEmbeddedNATSConfig())
		if err != nil {
			slog.Warn("Failed to start embedded NATS server, nats:// callbacks disabled", "error", err)
		} else {
			app.AddCleanup(embedded.Close)
			natsChannel, err := delivery.NewNATSChannelWithConn(embedded.Conn())
			if err != nil {
				slog.Warn("Failed to attach to embedded NATS server, nats:// callbacks disabled", "error", err)
			} else {
				router.Register(natsChannel, "nats")
				healthChecker.AddReadinessCheck(health.NATSCheck(func() bool { return natsChannel.Ping() == nil }))
				slog.Info("Embedded NATS server started", "url", embedded.ClientURL())
			}
		}
	} else if cfg.Delivery.NATSUrl != "" {
		natsChannel, err := delivery.NewNATSChannel(cfg.Delivery.NATSUrl)
		if err != nil {
			slog.Warn("Failed to connect to NATS, nats:// callbacks disabled",
				"url", cfg.Delivery.NATSUrl,
				"error", err)
		} else {
			app.AddCleanup(natsChannel.Close)
			router.Register(natsChannel, "nats")
			healthChecker.AddReadinessCheck(health.NATSCheck(func() bool { return natsChannel.Ping() == nil }))
		}
	}

	// SQS channel
	if cfg.Delivery.SQSRegion != "" || cfg.Delivery.SQSEndpoint != "" {
		sqsChannel, err := delivery.NewSQSChannel(ctx, delivery.SQSChannelConfig{
			Region:         cfg.Delivery.SQSRegion,
			CustomEndpoint: cfg.Delivery.SQSEndpoint,
		})
		if err != nil {
			slog.Warn("Failed to create SQS client, sqs:// callbacks disabled", "error", err)
		} else {
			router.Register(sqsChannel, "sqs")
		}
	}

	return router
}

// loopService adapts a Start/Stop loop to the lifecycle Service interface.
func loopService(name string, start func(), stop func(), isRunning func() bool) lifecycle.Service {
	return lifecycle.NewServiceFunc(name,
		func(ctx context.Context) error {
			start()
			<-ctx.Done()
			return nil
		},
		func(ctx context.Context) error {
			stop()
			return nil
		},
	).WithHealth(func() error {
		if !isRunning() {
			return fmt.Errorf("%s loop not running", name)
		}
		return nil
	})
}
