package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the chat client core.
type Config struct {
	// Service settings
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"chat-core"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"console"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// OpenTelemetry
	EnableTracing bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`

	// Gateway (WebSocket)
	GatewayURL          string        `env:"CHAT_GATEWAY_URL" envDefault:"ws://localhost:7860"`
	DialTimeout         time.Duration `env:"GATEWAY_DIAL_TIMEOUT" envDefault:"10s"`
	WriteTimeout        time.Duration `env:"GATEWAY_WRITE_TIMEOUT" envDefault:"10s"`
	Reconnect           bool          `env:"GATEWAY_RECONNECT" envDefault:"false"`
	ReconnectMaxElapsed time.Duration `env:"GATEWAY_RECONNECT_MAX_ELAPSED" envDefault:"1m"`

	// History paging (REST, consumed only)
	HistoryURL      string        `env:"CHAT_HISTORY_URL" envDefault:"http://localhost:7860"`
	HistoryTimeout  time.Duration `env:"CHAT_HISTORY_TIMEOUT" envDefault:"15s"`
	HistoryPageSize int           `env:"CHAT_HISTORY_PAGE_SIZE" envDefault:"30"`

	// Conversation management
	MailboxSize     int           `env:"CONVERSATION_MAILBOX_SIZE" envDefault:"256"`
	JanitorInterval time.Duration `env:"SESSION_JANITOR_INTERVAL" envDefault:"15s"`

	// Metrics
	MetricsPort int `env:"METRICS_PORT" envDefault:"9406"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if !strings.HasPrefix(cfg.GatewayURL, "ws://") && !strings.HasPrefix(cfg.GatewayURL, "wss://") {
		return nil, fmt.Errorf("CHAT_GATEWAY_URL must be a ws:// or wss:// URL")
	}
	if !strings.HasPrefix(cfg.HistoryURL, "http://") && !strings.HasPrefix(cfg.HistoryURL, "https://") {
		return nil, fmt.Errorf("CHAT_HISTORY_URL must be an http:// or https:// URL")
	}
	if cfg.MailboxSize <= 0 {
		return nil, fmt.Errorf("CONVERSATION_MAILBOX_SIZE must be positive")
	}
	if cfg.HistoryPageSize <= 0 {
		return nil, fmt.Errorf("CHAT_HISTORY_PAGE_SIZE must be positive")
	}

	return cfg, nil
}

// MetricsAddr returns the metrics listener address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf(":%d", c.MetricsPort)
}
