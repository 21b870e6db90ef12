// Package config provides configuration management for owpenbot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for owpenbot.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Agent    AgentConfig    `mapstructure:"agent"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Store    StoreConfig    `mapstructure:"store"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the control API server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentConfig holds the OpenCode engine connection configuration.
type AgentConfig struct {
	// OpenCodeURL is the base URL of the running OpenCode engine.
	OpenCodeURL string `mapstructure:"opencodeUrl"`

	// RequestTimeout bounds a single prompt round-trip, in seconds.
	RequestTimeout int `mapstructure:"requestTimeout"`

	// Provider and Model select which model the engine prompts with.
	// Empty values let the engine use its configured default.
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// WhatsAppConfig holds the WhatsApp channel adapter configuration.
type WhatsAppConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// GatewayURL is the WebSocket endpoint of the WhatsApp gateway.
	GatewayURL string `mapstructure:"gatewayUrl"`

	// CredentialDir is the directory the socket layer persists session
	// credentials into. Owned by the socket layer; the adapter only checks
	// existence and deletes it on unpair.
	CredentialDir string `mapstructure:"credentialDir"`

	// AllowSelfChat delivers fromMe messages (talking to yourself) to the agent.
	AllowSelfChat bool `mapstructure:"allowSelfChat"`

	// AllowGroups delivers messages originating from group conversations.
	AllowGroups bool `mapstructure:"allowGroups"`

	// PairingTimeout bounds the wait for a QR scan during pairing, in seconds.
	PairingTimeout int `mapstructure:"pairingTimeout"`

	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig holds the backoff policy knobs for the WhatsApp adapter.
type ReconnectConfig struct {
	InitialDelayMs int     `mapstructure:"initialDelayMs"`
	MaxDelayMs     int     `mapstructure:"maxDelayMs"`
	Factor         float64 `mapstructure:"factor"`
	JitterFraction float64 `mapstructure:"jitterFraction"`
	MaxAttempts    int     `mapstructure:"maxAttempts"`
}

// TelegramConfig holds the Telegram channel adapter configuration.
type TelegramConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Token is the Bot API token. Usually provided via OWPENBOT_TELEGRAM_TOKEN.
	Token string `mapstructure:"token"`

	// APIBaseURL overrides the Bot API endpoint (tests, self-hosted relays).
	APIBaseURL string `mapstructure:"apiBaseUrl"`

	// PollTimeout is the long-poll timeout for getUpdates, in seconds.
	PollTimeout int `mapstructure:"pollTimeout"`

	// AllowGroups delivers group and supergroup chats to the agent.
	AllowGroups bool `mapstructure:"allowGroups"`
}

// StoreConfig holds the transcript store configuration.
type StoreConfig struct {
	// Driver selects the repository backend: memory, sqlite, or postgres.
	Driver string `mapstructure:"driver"`

	// Path is the SQLite database file (sqlite driver only).
	Path string `mapstructure:"path"`

	// Postgres connection settings (postgres driver only).
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS event bus configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
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

// RequestTimeoutDuration returns the agent request timeout as a time.Duration.
func (a *AgentConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// PairingTimeoutDuration returns the pairing wait as a time.Duration.
func (w *WhatsAppConfig) PairingTimeoutDuration() time.Duration {
	return time.Duration(w.PairingTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string (postgres driver).
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for production environments, "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("OWPENBOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultCredentialDir returns the default WhatsApp credential directory.
func defaultCredentialDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".owpenbot/whatsapp-auth"
	}
	return filepath.Join(homeDir, ".owpenbot", "whatsapp-auth")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8777)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent defaults
	v.SetDefault("agent.opencodeUrl", "http://127.0.0.1:4096")
	v.SetDefault("agent.requestTimeout", 300)
	v.SetDefault("agent.provider", "")
	v.SetDefault("agent.model", "")

	// WhatsApp defaults
	v.SetDefault("whatsapp.enabled", true)
	v.SetDefault("whatsapp.gatewayUrl", "ws://127.0.0.1:8778/ws")
	v.SetDefault("whatsapp.credentialDir", defaultCredentialDir())
	v.SetDefault("whatsapp.allowSelfChat", false)
	v.SetDefault("whatsapp.allowGroups", false)
	v.SetDefault("whatsapp.pairingTimeout", 120)
	v.SetDefault("whatsapp.reconnect.initialDelayMs", 2000)
	v.SetDefault("whatsapp.reconnect.maxDelayMs", 60000)
	v.SetDefault("whatsapp.reconnect.factor", 2.0)
	v.SetDefault("whatsapp.reconnect.jitterFraction", 0.2)
	v.SetDefault("whatsapp.reconnect.maxAttempts", 10)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.apiBaseUrl", "https://api.telegram.org")
	v.SetDefault("telegram.pollTimeout", 30)
	v.SetDefault("telegram.allowGroups", false)

	// Store defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "owpenbot.db")
	v.SetDefault("store.host", "")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "owpenbot")
	v.SetDefault("store.password", "")
	v.SetDefault("store.dbName", "owpenbot")
	v.SetDefault("store.sslMode", "disable")
	v.SetDefault("store.maxConns", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "owpenbot")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OWPENBOT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.owpenbot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OWPENBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("agent.opencodeUrl", "OWPENBOT_OPENCODE_URL", "OWPENBOT_AGENT_OPENCODE_URL")
	_ = v.BindEnv("whatsapp.gatewayUrl", "OWPENBOT_WHATSAPP_GATEWAY_URL")
	_ = v.BindEnv("whatsapp.credentialDir", "OWPENBOT_WHATSAPP_CREDENTIAL_DIR")
	_ = v.BindEnv("telegram.token", "OWPENBOT_TELEGRAM_TOKEN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(homeDir, ".owpenbot"))
	}

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

	if cfg.Agent.OpenCodeURL == "" {
		errs = append(errs, "agent.opencodeUrl is required")
	}
	if cfg.Agent.RequestTimeout <= 0 {
		errs = append(errs, "agent.requestTimeout must be positive")
	}

	if cfg.WhatsApp.Enabled {
		if cfg.WhatsApp.GatewayURL == "" {
			errs = append(errs, "whatsapp.gatewayUrl is required when whatsapp.enabled is set")
		}
		if cfg.WhatsApp.CredentialDir == "" {
			errs = append(errs, "whatsapp.credentialDir is required when whatsapp.enabled is set")
		}
		r := cfg.WhatsApp.Reconnect
		if r.InitialDelayMs <= 0 || r.MaxDelayMs < r.InitialDelayMs {
			errs = append(errs, "whatsapp.reconnect delays must be positive and maxDelayMs >= initialDelayMs")
		}
		if r.Factor < 1 {
			errs = append(errs, "whatsapp.reconnect.factor must be >= 1")
		}
		if r.JitterFraction < 0 || r.JitterFraction >= 1 {
			errs = append(errs, "whatsapp.reconnect.jitterFraction must be in [0, 1)")
		}
		if r.MaxAttempts <= 0 {
			errs = append(errs, "whatsapp.reconnect.maxAttempts must be positive")
		}
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram.enabled is set")
	}

	switch cfg.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Store.Host == "" {
			errs = append(errs, "store.host is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: memory, sqlite, postgres")
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
