package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for DocRelay
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// Redis configuration (task store, outbox, product batches)
	Redis RedisConfig

	// Remote batch API configuration
	Remote RemoteConfig

	// Dispatcher loop configuration
	Dispatcher DispatcherConfig

	// Batch watcher loop configuration
	Watcher WatcherConfig

	// Outbox relay configuration
	Relay RelayConfig

	// Task retention windows
	TTL TTLConfig

	// Inbound API authentication
	Auth AuthConfig

	// Prompt template configuration
	Prompts PromptsConfig

	// Secondary delivery channels (nats://, sqs:// callback URLs)
	Delivery DeliveryConfig

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// RedisConfig holds the Redis connection configuration
type RedisConfig struct {
	URL string
}

// RemoteConfig holds the remote batch API configuration
type RemoteConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
}

// DispatcherConfig holds the dispatcher loop configuration
type DispatcherConfig struct {
	// PollInterval is the wait between pending-queue scans
	PollInterval time.Duration

	// BatchSize caps how many pending tasks one cycle claims
	BatchSize int

	// Workers bounds concurrent submissions within a cycle
	Workers int

	// MaxAttempts bounds remote submissions per task
	MaxAttempts int

	// SubmitRatePerMinute throttles batch creation, 0 disables
	SubmitRatePerMinute int
}

// WatcherConfig holds the batch watcher loop configuration
type WatcherConfig struct {
	// CheckInterval is the wait between in-flight batch polls
	CheckInterval time.Duration

	// Workers bounds concurrent status checks within a cycle
	Workers int
}

// RelayConfig holds the outbox relay configuration
type RelayConfig struct {
	// PollInterval is the wait between outbox scans
	PollInterval time.Duration

	// BatchSize caps how many due messages one cycle claims
	BatchSize int

	// Workers bounds concurrent deliveries within a cycle
	Workers int

	// RequestTimeout is the per-delivery timeout before jitter
	RequestTimeout time.Duration

	// CallbackURL is the default destination when a task carries none
	CallbackURL string

	// CallbackSecret signs callback bodies when a task carries no secret
	CallbackSecret string

	// AuthMode selects the callback auth scheme: "hmac" or "jwt"
	AuthMode string
}

// TTLConfig holds per-phase task retention windows
type TTLConfig struct {
	Pending   time.Duration
	Completed time.Duration
	Failed    time.Duration
}

// AuthConfig holds inbound API authentication configuration
type AuthConfig struct {
	// APIKey is compared in constant time against X-API-Key
	APIKey string

	// APIKeyHash is an optional bcrypt hash checked instead of APIKey
	APIKeyHash string
}

// PromptsConfig holds prompt template configuration
type PromptsConfig struct {
	// Template wraps inbound document text, "%s" marks the insertion point
	Template string

	// TemplateName labels the active template in status responses
	TemplateName string

	// ProductTemplate wraps product payloads for product batches
	ProductTemplate string

	// NotFoundMarker is the model answer meaning "no code applies"
	NotFoundMarker string
}

// DeliveryConfig holds the secondary delivery channel configuration
type DeliveryConfig struct {
	// NATSUrl is the JetStream endpoint for nats:// callback URLs
	NATSUrl string

	// SQSRegion is the AWS region for sqs:// callback URLs
	SQSRegion string

	// SQSEndpoint overrides the SQS endpoint, used with LocalStack
	SQSEndpoint string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8000),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
		},

		Redis: RedisConfig{
			URL: getEnvAlias([]string{"STORE_URL", "REDIS_URL"}, "redis://localhost:6379/0"),
		},

		Remote: RemoteConfig{
			APIKey:    getEnvAlias([]string{"REMOTE_API_KEY", "ANTHROPIC_API_KEY"}, ""),
			Model:     getEnv("MODEL", "claude-3-5-haiku-latest"),
			MaxTokens: getEnvInt("MAX_TOKENS", 1024),
			BaseURL:   getEnv("REMOTE_BASE_URL", ""),
		},

		Dispatcher: DispatcherConfig{
			PollInterval:        getEnvDuration("POLL_INTERVAL", 5*time.Second),
			BatchSize:           getEnvInt("DISPATCH_BATCH_SIZE", 10),
			Workers:             getEnvInt("DISPATCH_WORKERS", 5),
			MaxAttempts:         getEnvInt("MAX_ATTEMPTS", 3),
			SubmitRatePerMinute: getEnvInt("SUBMIT_RATE_LIMIT_PER_MINUTE", 0),
		},

		Watcher: WatcherConfig{
			CheckInterval: getEnvDuration("BATCH_CHECK_INTERVAL", 60*time.Second),
			Workers:       getEnvInt("WATCHER_WORKERS", 5),
		},

		Relay: RelayConfig{
			// The relay shares POLL_INTERVAL with the dispatcher unless
			// RELAY_POLL_INTERVAL overrides it
			PollInterval:   getEnvDurationAlias([]string{"RELAY_POLL_INTERVAL", "POLL_INTERVAL"}, 5*time.Second),
			BatchSize:      getEnvInt("RELAY_BATCH_SIZE", 10),
			Workers:        getEnvInt("DELIVERY_WORKERS", 5),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 300*time.Second),
			CallbackURL:    getEnv("CALLBACK_URL", ""),
			CallbackSecret: getEnv("CALLBACK_SECRET", ""),
			AuthMode:       getEnv("CALLBACK_AUTH_MODE", "hmac"),
		},

		TTL: TTLConfig{
			Pending:   getEnvDuration("TASK_PENDING_TTL", 168*time.Hour),
			Completed: getEnvDuration("TASK_COMPLETED_TTL", 72*time.Hour),
			Failed:    getEnvDuration("TASK_FAILED_TTL", 336*time.Hour),
		},

		Auth: AuthConfig{
			APIKey:     getEnv("API_KEY", ""),
			APIKeyHash: getEnv("API_KEY_HASH", ""),
		},

		Prompts: PromptsConfig{
			Template:        getEnv("PROMPT_TEMPLATE", "%s"),
			TemplateName:    getEnv("PROMPT_TEMPLATE_NAME", "default"),
			ProductTemplate: getEnv("PRODUCT_PROMPT_TEMPLATE", "%s"),
			NotFoundMarker:  getEnv("NOT_FOUND_MARKER", "code not found"),
		},

		Delivery: DeliveryConfig{
			NATSUrl:     getEnv("DELIVERY_NATS_URL", "nats://localhost:4222"),
			SQSRegion:   getEnv("DELIVERY_SQS_REGION", "us-east-1"),
			SQSEndpoint: getEnv("DELIVERY_SQS_ENDPOINT", ""),
		},

		DevMode: getEnvBool("DOCRELAY_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// getEnvAlias checks each key in order and returns the first one set.
func getEnvAlias(keys []string, defaultValue string) string {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			return value
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDurationAlias checks each key in order and parses the first one set.
func getEnvDurationAlias(keys []string, defaultValue time.Duration) time.Duration {
	for _, key := range keys {
		if _, ok := os.LookupEnv(key); ok {
			return getEnvDuration(key, defaultValue)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
