package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Bus      BusConfig
	Codec    CodecConfig
	Rules    RulesConfig
	Recovery RecoveryConfig
	Vault    VaultConfig
	Logging  LogConfig
	Storage  StorageConfig
}

// AppConfig identifies this deployment on the wire. Buses drop envelopes
// whose app name does not match.
type AppConfig struct {
	Name string `envconfig:"APP_NAME" default:"extmesh"`
}

// ServerConfig holds orchestrator HTTP server configuration.
type ServerConfig struct {
	Port              string `envconfig:"PORT" default:"8700"`
	Host              string `envconfig:"HOST" default:"127.0.0.1"`
	RateLimitRPS      int    `envconfig:"RATE_LIMIT_RPS" default:"200"`
	RateLimitBurst    int    `envconfig:"RATE_LIMIT_BURST" default:"400"`
	RateLimitEnabled  bool   `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RuleEngineAddress string `envconfig:"RULE_ENGINE_ADDR" default:""`
}

// BusConfig holds message bus tunables.
type BusConfig struct {
	RequestTimeout time.Duration `envconfig:"BUS_REQUEST_TIMEOUT" default:"15s"`
	PollInterval   time.Duration `envconfig:"BUS_POLL_INTERVAL" default:"250ms"`
	SendBuffer     int           `envconfig:"BUS_SEND_BUFFER" default:"64"`
}

// CodecConfig holds reference registry retention.
type CodecConfig struct {
	BlobTTL     time.Duration `envconfig:"CODEC_BLOB_TTL" default:"5m"`
	CallableTTL time.Duration `envconfig:"CODEC_CALLABLE_TTL" default:"10m"`
}

// RulesConfig holds network rule orchestrator tunables.
type RulesConfig struct {
	RuleTTL       time.Duration `envconfig:"RULES_TTL" default:"30s"`
	SweepInterval time.Duration `envconfig:"RULES_SWEEP_INTERVAL" default:"10s"`
}

// RecoveryConfig holds restart detection and health check tunables.
type RecoveryConfig struct {
	RestartGraceWindow time.Duration `envconfig:"RECOVERY_GRACE_WINDOW" default:"60s"`
	HealthInterval     time.Duration `envconfig:"RECOVERY_HEALTH_INTERVAL" default:"5s"`
	RestartResetWindow time.Duration `envconfig:"RECOVERY_RESET_WINDOW" default:"5m"`
}

// VaultConfig selects the token vault backend.
type VaultConfig struct {
	Backend string `envconfig:"VAULT_BACKEND" default:"memory"` // "memory" or "keyring"
	Service string `envconfig:"VAULT_SERVICE" default:"extmesh"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// StorageConfig holds durable store location and catalog path.
type StorageConfig struct {
	DataDir     string `envconfig:"DATA_DIR" default:".extmesh"`
	CatalogPath string `envconfig:"PROVIDER_CATALOG" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name: "extmesh",
		},
		Server: ServerConfig{
			Port:             "8700",
			Host:             "127.0.0.1",
			RateLimitRPS:     200,
			RateLimitBurst:   400,
			RateLimitEnabled: true,
		},
		Bus: BusConfig{
			RequestTimeout: 15 * time.Second,
			PollInterval:   250 * time.Millisecond,
			SendBuffer:     64,
		},
		Codec: CodecConfig{
			BlobTTL:     5 * time.Minute,
			CallableTTL: 10 * time.Minute,
		},
		Rules: RulesConfig{
			RuleTTL:       30 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Recovery: RecoveryConfig{
			RestartGraceWindow: 60 * time.Second,
			HealthInterval:     5 * time.Second,
			RestartResetWindow: 5 * time.Minute,
		},
		Vault: VaultConfig{
			Backend: "memory",
			Service: "extmesh",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Storage: StorageConfig{
			DataDir: ".extmesh",
		},
	}
}
