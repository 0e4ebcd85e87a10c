// Package config provides configuration management for Wartabot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Wartabot.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Operator   OperatorConfig   `mapstructure:"operator"`
	AI         AIConfig         `mapstructure:"ai"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Media      MediaConfig      `mapstructure:"media"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Flows      FlowsConfig      `mapstructure:"flows"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// OperatorConfig identifies the authorized operator and the broadcast targets.
type OperatorConfig struct {
	// IDs is the set of identity strings that all resolve to the one
	// authorized operator. Transports alias the same account under
	// several identities, so equality is exact string match over the set.
	IDs []string `mapstructure:"ids"`

	// ProductionChat and DevChat are transport-opaque chat identifiers.
	ProductionChat string `mapstructure:"productionChat"`
	DevChat        string `mapstructure:"devChat"`

	// PriceMarkup is the currency markup applied by the AI processor,
	// runtime-reconfigurable via /setmarkup.
	PriceMarkup int `mapstructure:"priceMarkup"`
}

// AIConfig holds the AI processor collaborator configuration.
type AIConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	Timeout int    `mapstructure:"timeout"` // in seconds, per call
}

// TransportConfig holds the messaging bridge configuration.
type TransportConfig struct {
	BridgeURL      string `mapstructure:"bridgeUrl"` // websocket URL of the messaging sidecar
	ReconnectDelay int    `mapstructure:"reconnectDelay"`
}

// MediaConfig holds the media cache configuration.
type MediaConfig struct {
	Dir string `mapstructure:"dir"`
	// ReconcileGraceHours is how long an orphaned file is tolerated before
	// the startup reconcile may unlink it.
	ReconcileGraceHours int `mapstructure:"reconcileGraceHours"`
}

// DispatcherConfig holds queue dispatcher pacing configuration.
type DispatcherConfig struct {
	// MinIntervalMinutes is the global minimum gap between persistent
	// queue sends across all sources.
	MinIntervalMinutes int `mapstructure:"minIntervalMinutes"`
	// PollIntervalSeconds is the dispatcher wake period when no enqueue
	// signal arrives.
	PollIntervalSeconds int `mapstructure:"pollIntervalSeconds"`
}

// FlowsConfig holds conversational flow timing configuration.
type FlowsConfig struct {
	// StateTTLMinutes is the flow state expiry, extended on every update.
	StateTTLMinutes int `mapstructure:"stateTtlMinutes"`
	// BulkInactivitySeconds closes an idle bulk collection.
	BulkInactivitySeconds int `mapstructure:"bulkInactivitySeconds"`
	// RepliesPath optionally overrides the embedded reply templates.
	RepliesPath string `mapstructure:"repliesPath"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutDuration returns the per-call AI timeout as a time.Duration.
func (a *AIConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// MinInterval returns the dispatcher minimum inter-send gap.
func (d *DispatcherConfig) MinInterval() time.Duration {
	return time.Duration(d.MinIntervalMinutes) * time.Minute
}

// PollInterval returns the dispatcher poll period.
func (d *DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

// StateTTL returns the flow state expiry window.
func (f *FlowsConfig) StateTTL() time.Duration {
	return time.Duration(f.StateTTLMinutes) * time.Minute
}

// BulkInactivity returns the bulk collection inactivity window.
func (f *FlowsConfig) BulkInactivity() time.Duration {
	return time.Duration(f.BulkInactivitySeconds) * time.Second
}

// ReconcileGrace returns the media reconcile grace period.
func (m *MediaConfig) ReconcileGrace() time.Duration {
	return time.Duration(m.ReconcileGraceHours) * time.Hour
}

// IsAuthorized reports whether identity is one of the operator's aliases.
func (o *OperatorConfig) IsAuthorized(identity string) bool {
	for _, id := range o.IDs {
		if id == identity {
			return true
		}
	}
	return false
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("WARTABOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8571)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "~/.wartabot/wartabot.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "wartabot")
	v.SetDefault("nats.maxReconnects", 10)

	// Operator defaults
	v.SetDefault("operator.ids", []string{})
	v.SetDefault("operator.productionChat", "")
	v.SetDefault("operator.devChat", "")
	v.SetDefault("operator.priceMarkup", 35000)

	// AI processor defaults
	v.SetDefault("ai.baseUrl", "http://localhost:8000")
	v.SetDefault("ai.timeout", 60)

	// Transport defaults
	v.SetDefault("transport.bridgeUrl", "ws://localhost:3001/ws")
	v.SetDefault("transport.reconnectDelay", 5)

	// Media defaults
	v.SetDefault("media.dir", "~/.wartabot/media")
	v.SetDefault("media.reconcileGraceHours", 24)

	// Dispatcher defaults
	v.SetDefault("dispatcher.minIntervalMinutes", 47)
	v.SetDefault("dispatcher.pollIntervalSeconds", 60)

	// Flow defaults
	v.SetDefault("flows.stateTtlMinutes", 10)
	v.SetDefault("flows.bulkInactivitySeconds", 120)
	v.SetDefault("flows.repliesPath", "")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WARTABOT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/wartabot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("WARTABOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("operator.productionChat", "WARTABOT_OPERATOR_PRODUCTION_CHAT")
	_ = v.BindEnv("operator.devChat", "WARTABOT_OPERATOR_DEV_CHAT")
	_ = v.BindEnv("operator.priceMarkup", "WARTABOT_OPERATOR_PRICE_MARKUP")
	_ = v.BindEnv("ai.baseUrl", "WARTABOT_AI_BASE_URL")
	_ = v.BindEnv("transport.bridgeUrl", "WARTABOT_TRANSPORT_BRIDGE_URL")
	_ = v.BindEnv("dispatcher.minIntervalMinutes", "WARTABOT_DISPATCHER_MIN_INTERVAL_MINUTES")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/wartabot/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if len(cfg.Operator.IDs) == 0 {
		errs = append(errs, "operator.ids requires at least one identity")
	}
	if cfg.AI.BaseURL == "" {
		errs = append(errs, "ai.baseUrl is required")
	}
	if cfg.AI.Timeout <= 0 {
		errs = append(errs, "ai.timeout must be positive")
	}
	if cfg.Dispatcher.MinIntervalMinutes <= 0 {
		errs = append(errs, "dispatcher.minIntervalMinutes must be positive")
	}
	if cfg.Dispatcher.PollIntervalSeconds <= 0 {
		errs = append(errs, "dispatcher.pollIntervalSeconds must be positive")
	}
	if cfg.Flows.StateTTLMinutes < 0 {
		errs = append(errs, "flows.stateTtlMinutes must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
