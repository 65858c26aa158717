// Package config defines the TOML configuration for services and the
// orchestrator that runs them.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// VersionLatest is the only config version this build understands.
const VersionLatest = "v1"

// Defaults applied by Normalize when fields are unset.
const (
	DefaultBrokerURL            = "nats://127.0.0.1:4222"
	DefaultRequestTimeout       = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectWait        = 2 * time.Second
	DefaultRestartDelay         = 5 * time.Second
	DefaultMaxRestartAttempts   = 3
	DefaultDrainTimeout         = 10 * time.Second
)

// Config is the root of a configuration file: process-wide settings, the
// orchestrator policy, and the set of services to run.
type Config struct {
	Version   string `toml:"version"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Orchestrator Orchestrator `toml:"orchestrator"`
	Services     []Service    `toml:"services"`
}

// Orchestrator holds process-level supervision settings.
type Orchestrator struct {
	// SharedConnections lets services with the same broker URL share one
	// connection.
	SharedConnections bool     `toml:"shared_connections"`
	DrainTimeout      Duration `toml:"drain_timeout"`
}

// Service is one service's configuration.
type Service struct {
	Name      string `toml:"name"`
	BrokerURL string `toml:"broker_url"`

	RequestTimeout       Duration `toml:"request_timeout"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectWait        Duration `toml:"reconnect_wait"`

	AutoRestart        bool     `toml:"auto_restart"`
	RestartDelay       Duration `toml:"restart_delay"`
	MaxRestartAttempts int      `toml:"max_restart_attempts"`

	HTTPPort      int `toml:"http_port"`
	WebSocketPort int `toml:"websocket_port"`
	BackdoorPort  int `toml:"backdoor_port"`

	JetStreamEnabled bool `toml:"jetstream_enabled"`
}

// NewService returns a service config with defaults applied, ready for
// programmatic construction.
func NewService(name string) Service {
	svc := Service{Name: name, AutoRestart: true}
	svc.Normalize()
	return svc
}

// Normalize fills unset fields with their defaults.
func (s *Service) Normalize() {
	if s.BrokerURL == "" {
		s.BrokerURL = DefaultBrokerURL
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if s.MaxReconnectAttempts == 0 {
		s.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if s.ReconnectWait <= 0 {
		s.ReconnectWait = Duration(DefaultReconnectWait)
	}
	if s.RestartDelay <= 0 {
		s.RestartDelay = Duration(DefaultRestartDelay)
	}
	if s.MaxRestartAttempts == 0 {
		s.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
}

// Normalize fills defaults across the whole config.
func (c *Config) Normalize() {
	if c.Version == "" {
		c.Version = VersionLatest
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Orchestrator.DrainTimeout <= 0 {
		c.Orchestrator.DrainTimeout = Duration(DefaultDrainTimeout)
	}
	for i := range c.Services {
		c.Services[i].Normalize()
	}
}

// NewConfig loads, normalizes and validates configuration from a TOML file.
func NewConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", filePath, err)
	}
	return NewConfigFromBytes(data)
}

// NewConfigFromBytes loads, normalizes and validates configuration from
// TOML bytes.
func NewConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &cfg, nil
}
