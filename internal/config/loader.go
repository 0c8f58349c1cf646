package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP       TOMLHTTPConfig       `toml:"http"`
	Redis      TOMLRedisConfig      `toml:"redis"`
	Remote     TOMLRemoteConfig     `toml:"remote"`
	Dispatcher TOMLDispatcherConfig `toml:"dispatcher"`
	Watcher    TOMLWatcherConfig    `toml:"watcher"`
	Relay      TOMLRelayConfig      `toml:"relay"`
	TTL        TOMLTTLConfig        `toml:"ttl"`
	Auth       TOMLAuthConfig       `toml:"auth"`
	Prompts    TOMLPromptsConfig    `toml:"prompts"`
	Delivery   TOMLDeliveryConfig   `toml:"delivery"`
	Secrets    TOMLSecretsConfig    `toml:"secrets"`
	DevMode    bool                 `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLRedisConfig represents Redis configuration in TOML
type TOMLRedisConfig struct {
	URL string `toml:"url"`
}

// TOMLRemoteConfig represents remote API configuration in TOML
type TOMLRemoteConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"`
}

// TOMLDispatcherConfig represents dispatcher configuration in TOML
type TOMLDispatcherConfig struct {
	PollInterval        string `toml:"poll_interval"`
	BatchSize           int    `toml:"batch_size"`
	Workers             int    `toml:"workers"`
	MaxAttempts         int    `toml:"max_attempts"`
	SubmitRatePerMinute int    `toml:"submit_rate_per_minute"`
}

// TOMLWatcherConfig represents watcher configuration in TOML
type TOMLWatcherConfig struct {
	CheckInterval string `toml:"check_interval"`
	Workers       int    `toml:"workers"`
}

// TOMLRelayConfig represents relay configuration in TOML
type TOMLRelayConfig struct {
	PollInterval   string `toml:"poll_interval"`
	BatchSize      int    `toml:"batch_size"`
	Workers        int    `toml:"workers"`
	RequestTimeout string `toml:"request_timeout"`
	CallbackURL    string `toml:"callback_url"`
	CallbackSecret string `toml:"callback_secret"`
	AuthMode       string `toml:"auth_mode"`
}

// TOMLTTLConfig represents retention configuration in TOML
type TOMLTTLConfig struct {
	Pending   string `toml:"pending"`
	Completed string `toml:"completed"`
	Failed    string `toml:"failed"`
}

// TOMLAuthConfig represents inbound auth configuration in TOML
type TOMLAuthConfig struct {
	APIKey     string `toml:"api_key"`
	APIKeyHash string `toml:"api_key_hash"`
}

// TOMLPromptsConfig represents prompt configuration in TOML
type TOMLPromptsConfig struct {
	Template        string `toml:"template"`
	TemplateName    string `toml:"template_name"`
	ProductTemplate string `toml:"product_template"`
	NotFoundMarker  string `toml:"not_found_marker"`
}

// TOMLDeliveryConfig represents delivery channel configuration in TOML
type TOMLDeliveryConfig struct {
	NATSUrl     string `toml:"nats_url"`
	SQSRegion   string `toml:"sqs_region"`
	SQSEndpoint string `toml:"sqs_endpoint"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	// Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"docrelay.toml",
	"./config/config.toml",
	"./config/docrelay.toml",
	"/etc/docrelay/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("DOCRELAY_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		Redis: RedisConfig{
			URL: tc.Redis.URL,
		},
		Remote: RemoteConfig{
			APIKey:    tc.Remote.APIKey,
			Model:     tc.Remote.Model,
			MaxTokens: tc.Remote.MaxTokens,
			BaseURL:   tc.Remote.BaseURL,
		},
		Dispatcher: DispatcherConfig{
			BatchSize:           tc.Dispatcher.BatchSize,
			Workers:             tc.Dispatcher.Workers,
			MaxAttempts:         tc.Dispatcher.MaxAttempts,
			SubmitRatePerMinute: tc.Dispatcher.SubmitRatePerMinute,
		},
		Watcher: WatcherConfig{
			Workers: tc.Watcher.Workers,
		},
		Relay: RelayConfig{
			BatchSize:      tc.Relay.BatchSize,
			Workers:        tc.Relay.Workers,
			CallbackURL:    tc.Relay.CallbackURL,
			CallbackSecret: tc.Relay.CallbackSecret,
			AuthMode:       tc.Relay.AuthMode,
		},
		Auth: AuthConfig{
			APIKey:     tc.Auth.APIKey,
			APIKeyHash: tc.Auth.APIKeyHash,
		},
		Prompts: PromptsConfig{
			Template:        tc.Prompts.Template,
			TemplateName:    tc.Prompts.TemplateName,
			ProductTemplate: tc.Prompts.ProductTemplate,
			NotFoundMarker:  tc.Prompts.NotFoundMarker,
		},
		Delivery: DeliveryConfig{
			NATSUrl:     tc.Delivery.NATSUrl,
			SQSRegion:   tc.Delivery.SQSRegion,
			SQSEndpoint: tc.Delivery.SQSEndpoint,
		},
		DevMode: tc.DevMode,
	}

	// Parse durations
	if d, ok := parseTOMLDuration(tc.Dispatcher.PollInterval); ok {
		cfg.Dispatcher.PollInterval = d
	}
	if d, ok := parseTOMLDuration(tc.Watcher.CheckInterval); ok {
		cfg.Watcher.CheckInterval = d
	}
	if d, ok := parseTOMLDuration(tc.Relay.PollInterval); ok {
		cfg.Relay.PollInterval = d
	}
	if d, ok := parseTOMLDuration(tc.Relay.RequestTimeout); ok {
		cfg.Relay.RequestTimeout = d
	}
	if d, ok := parseTOMLDuration(tc.TTL.Pending); ok {
		cfg.TTL.Pending = d
	}
	if d, ok := parseTOMLDuration(tc.TTL.Completed); ok {
		cfg.TTL.Completed = d
	}
	if d, ok := parseTOMLDuration(tc.TTL.Failed); ok {
		cfg.TTL.Failed = d
	}

	return cfg, nil
}

func parseTOMLDuration(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}

// mergeConfigs merges two configs, with override taking precedence for non-default values
func mergeConfigs(base, override *Config) *Config {
	result := *base
	defaults, _ := loadDefaults()

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != defaults.HTTP.Port {
		result.HTTP.Port = override.HTTP.Port
	}
	if result.HTTP.Port == 0 {
		result.HTTP.Port = defaults.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 && !sliceEqual(override.HTTP.CORSOrigins, defaults.HTTP.CORSOrigins) {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}
	if len(result.HTTP.CORSOrigins) == 0 {
		result.HTTP.CORSOrigins = defaults.HTTP.CORSOrigins
	}

	// Redis
	if override.Redis.URL != "" && override.Redis.URL != defaults.Redis.URL {
		result.Redis.URL = override.Redis.URL
	}
	if result.Redis.URL == "" {
		result.Redis.URL = defaults.Redis.URL
	}

	// Remote
	mergeString(&result.Remote.APIKey, override.Remote.APIKey, defaults.Remote.APIKey)
	mergeString(&result.Remote.Model, override.Remote.Model, defaults.Remote.Model)
	mergeInt(&result.Remote.MaxTokens, override.Remote.MaxTokens, defaults.Remote.MaxTokens)
	mergeString(&result.Remote.BaseURL, override.Remote.BaseURL, defaults.Remote.BaseURL)

	// Dispatcher
	mergeDuration(&result.Dispatcher.PollInterval, override.Dispatcher.PollInterval, defaults.Dispatcher.PollInterval)
	mergeInt(&result.Dispatcher.BatchSize, override.Dispatcher.BatchSize, defaults.Dispatcher.BatchSize)
	mergeInt(&result.Dispatcher.Workers, override.Dispatcher.Workers, defaults.Dispatcher.Workers)
	mergeInt(&result.Dispatcher.MaxAttempts, override.Dispatcher.MaxAttempts, defaults.Dispatcher.MaxAttempts)
	mergeInt(&result.Dispatcher.SubmitRatePerMinute, override.Dispatcher.SubmitRatePerMinute, defaults.Dispatcher.SubmitRatePerMinute)

	// Watcher
	mergeDuration(&result.Watcher.CheckInterval, override.Watcher.CheckInterval, defaults.Watcher.CheckInterval)
	mergeInt(&result.Watcher.Workers, override.Watcher.Workers, defaults.Watcher.Workers)

	// Relay
	mergeDuration(&result.Relay.PollInterval, override.Relay.PollInterval, defaults.Relay.PollInterval)
	mergeInt(&result.Relay.BatchSize, override.Relay.BatchSize, defaults.Relay.BatchSize)
	mergeInt(&result.Relay.Workers, override.Relay.Workers, defaults.Relay.Workers)
	mergeDuration(&result.Relay.RequestTimeout, override.Relay.RequestTimeout, defaults.Relay.RequestTimeout)
	mergeString(&result.Relay.CallbackURL, override.Relay.CallbackURL, defaults.Relay.CallbackURL)
	mergeString(&result.Relay.CallbackSecret, override.Relay.CallbackSecret, defaults.Relay.CallbackSecret)
	mergeString(&result.Relay.AuthMode, override.Relay.AuthMode, defaults.Relay.AuthMode)

	// TTL
	mergeDuration(&result.TTL.Pending, override.TTL.Pending, defaults.TTL.Pending)
	mergeDuration(&result.TTL.Completed, override.TTL.Completed, defaults.TTL.Completed)
	mergeDuration(&result.TTL.Failed, override.TTL.Failed, defaults.TTL.Failed)

	// Auth
	mergeString(&result.Auth.APIKey, override.Auth.APIKey, defaults.Auth.APIKey)
	mergeString(&result.Auth.APIKeyHash, override.Auth.APIKeyHash, defaults.Auth.APIKeyHash)

	// Prompts
	mergeString(&result.Prompts.Template, override.Prompts.Template, defaults.Prompts.Template)
	mergeString(&result.Prompts.TemplateName, override.Prompts.TemplateName, defaults.Prompts.TemplateName)
	mergeString(&result.Prompts.ProductTemplate, override.Prompts.ProductTemplate, defaults.Prompts.ProductTemplate)
	mergeString(&result.Prompts.NotFoundMarker, override.Prompts.NotFoundMarker, defaults.Prompts.NotFoundMarker)

	// Delivery
	mergeString(&result.Delivery.NATSUrl, override.Delivery.NATSUrl, defaults.Delivery.NATSUrl)
	mergeString(&result.Delivery.SQSRegion, override.Delivery.SQSRegion, defaults.Delivery.SQSRegion)
	mergeString(&result.Delivery.SQSEndpoint, override.Delivery.SQSEndpoint, defaults.Delivery.SQSEndpoint)

	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// loadDefaults builds a Config from defaults only, ignoring the process
// environment, so merging can tell an explicit env override from a default.
func loadDefaults() (*Config, error) {
	return &Config{
		HTTP: HTTPConfig{Port: 8000, CORSOrigins: []string{"*"}},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Remote: RemoteConfig{
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 1024,
		},
		Dispatcher: DispatcherConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    10,
			Workers:      5,
			MaxAttempts:  3,
		},
		Watcher: WatcherConfig{
			CheckInterval: 60 * time.Second,
			Workers:       5,
		},
		Relay: RelayConfig{
			PollInterval:   5 * time.Second,
			BatchSize:      10,
			Workers:        5,
			RequestTimeout: 300 * time.Second,
			AuthMode:       "hmac",
		},
		TTL: TTLConfig{
			Pending:   168 * time.Hour,
			Completed: 72 * time.Hour,
			Failed:    336 * time.Hour,
		},
		Prompts: PromptsConfig{
			Template:        "%s",
			TemplateName:    "default",
			ProductTemplate: "%s",
			NotFoundMarker:  "code not found",
		},
		Delivery: DeliveryConfig{
			NATSUrl:   "nats://localhost:4222",
			SQSRegion: "us-east-1",
		},
	}, nil
}

func mergeString(dst *string, override, def string) {
	if override != "" && override != def {
		*dst = override
	}
	if *dst == "" {
		*dst = def
	}
}

func mergeInt(dst *int, override, def int) {
	if override != 0 && override != def {
		*dst = override
	}
	if *dst == 0 {
		*dst = def
	}
}

func mergeDuration(dst *time.Duration, override, def time.Duration) {
	if override != 0 && override != def {
		*dst = override
	}
	if *dst == 0 {
		*dst = def
	}
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# DocRelay Configuration
# Environment variables override these settings

[http]
port = 8000
cors_origins = ["*"]

[redis]
url = "redis://localhost:6379/0"

[remote]
api_key = ""
model = "claude-3-5-haiku-latest"
max_tokens = 1024
base_url = ""

[dispatcher]
poll_interval = "5s"
batch_size = 10
workers = 5
max_attempts = 3
submit_rate_per_minute = 0

[watcher]
check_interval = "60s"
workers = 5

[relay]
poll_interval = "5s"
batch_size = 10
workers = 5
request_timeout = "300s"
callback_url = ""
callback_secret = ""
auth_mode = "hmac"  # hmac or jwt

[ttl]
pending = "168h"
completed = "72h"
failed = "336h"

[auth]
api_key = ""
api_key_hash = ""

[prompts]
template = "%s"
template_name = "default"
product_template = "%s"
not_found_marker = "code not found"

[delivery]
nats_url = "nats://localhost:4222"
sqs_region = "us-east-1"
sqs_endpoint = ""

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "/docrelay/"
aws_endpoint = ""

# HashiCorp Vault
vault_addr = ""
vault_path = "secret/data/docrelay"
vault_namespace = ""

# GCP Secret Manager
gcp_project = ""
gcp_prefix = "docrelay-"

dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
