// Package api exposes the inbound HTTP surface: task submission and
// status, product batches, stats, and the operational endpoints. All
// business endpoints live under /api/v1 behind the X-API-Key check;
// health, metrics and swagger stay outside it.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"go.docrelay.tech/internal/common/health"
	"go.docrelay.tech/internal/outbox"
	"go.docrelay.tech/internal/product"
	"go.docrelay.tech/internal/remote"
	"go.docrelay.tech/internal/task"
)

// DefaultMaxProductBatch caps products per product batch request.
const DefaultMaxProductBatch = 100

// Config holds the HTTP API configuration.
type Config struct {
	// CORSOrigins lists the allowed CORS origins
	CORSOrigins []string

	// APIKey is compared in constant time against X-API-Key
	APIKey string

	// APIKeyHash is an optional bcrypt hash checked instead of APIKey
	APIKeyHash string

	// Templates maps prompt template names to bodies; "%s" marks the
	// text insertion point
	Templates map[string]string

	// DefaultTemplate names the template used when a request carries none
	DefaultTemplate string

	// CallbackURL and CallbackSecret are stamped on created tasks
	CallbackURL    string
	CallbackSecret string

	// MaxProductBatch caps products per product batch request
	MaxProductBatch int
}

// LoopStatus reports whether a background loop is active.
type LoopStatus interface {
	IsRunning() bool
}

// Server aggregates the HTTP handlers and their dependencies.
type Server struct {
	tasks    *task.Store
	outbox   *outbox.Store
	products *product.Service
	remote   remote.BatchClient
	relay    LoopStatus
	health   *health.Checker
	config   Config
	logger   *slog.Logger
}

// NewServer creates the API server. The relay and health checker are
// optional; without them the corresponding endpoints degrade gracefully.
func NewServer(
	tasks *task.Store,
	outboxStore *outbox.Store,
	products *product.Service,
	remoteClient remote.BatchClient,
	relayLoop LoopStatus,
	healthChecker *health.Checker,
	config Config,
) *Server {
	if config.MaxProductBatch <= 0 {
		config.MaxProductBatch = DefaultMaxProductBatch
	}
	return &Server{
		tasks:    tasks,
		outbox:   outboxStore,
		products: products,
		remote:   remoteClient,
		relay:    relayLoop,
		health:   healthChecker,
		config:   config,
		logger:   slog.Default().With("component", "api"),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// Business endpoints, behind the API key
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireAPIKey(s.config.APIKey, s.config.APIKeyHash))

		r.Post("/processing/", s.HandleProcessText)
		r.Get("/processing/{taskID}", s.HandleTaskStatus)

		r.Post("/products/batch", s.HandleCreateProductBatch)
		r.Get("/products/batch/{batchID}", s.HandleProductBatchStatus)

		r.Get("/stats", s.HandleStats)
	})

	// Health endpoints
	if s.health != nil {
		r.Get("/q/health", s.health.HandleHealth)
		r.Get("/q/health/live", s.health.HandleLive)
		r.Get("/q/health/ready", s.health.HandleReady)
	}

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Outbox relay status endpoint
	r.Get("/outbox/status", s.HandleOutboxStatus)

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
