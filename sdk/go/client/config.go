package client

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/rediscore/internal/core/connection"
	"github.com/zeusync/rediscore/internal/core/observability/log"
)

// Config holds configuration for the client
type Config struct {
	Connection connection.Spec `yaml:"connection"`

	// Reconnection after a lost connection. Zero attempts disables it;
	// faulted connections are never reconnected automatically.
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	// RequestTimeout applies to requests whose context has no deadline.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	LogLevel log.Level `yaml:"log_level"`
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		Connection:           connection.DefaultSpec(),
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 10,
		RequestTimeout:       5 * time.Second,
		LogLevel:             log.LevelInfo,
	}
}

// Validate checks the client settings and the connection spec.
func (c Config) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.ReconnectInterval < 0 {
		return fmt.Errorf("%w: reconnect_interval must not be negative", ErrInvalidConfig)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max_reconnect_attempts must not be negative", ErrInvalidConfig)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request_timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads a YAML file on top of DefaultClientConfig.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return DecodeConfig(f)
}

// DecodeConfig decodes a YAML document on top of DefaultClientConfig and validates it.
func DecodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultClientConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
