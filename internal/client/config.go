package client

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunnel client options. Interval fields are in seconds.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	TargetURL string `yaml:"target_url"`

	ReconnectInterval    int  `yaml:"reconnect_interval"`
	MaxReconnectAttempts int  `yaml:"max_reconnect_attempts"` // 0 = retry forever
	Force                bool `yaml:"force"`
	RequestTimeout       int  `yaml:"request_timeout"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		TargetURL:         "http://localhost:3000",
		ReconnectInterval: 5,
		RequestTimeout:    300,
	}
}

// LoadConfig reads a yaml config file over the defaults, then applies
// BURROW_* environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("BURROW_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("BURROW_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("BURROW_TARGET_URL"); v != "" {
		cfg.TargetURL = v
	}

	return cfg, nil
}

func (c Config) reconnectInterval() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Second
}

func (c Config) requestTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
