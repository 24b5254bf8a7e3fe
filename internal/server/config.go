package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every server option. Interval fields are in seconds.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`

	// Domain is the base domain for subdomain ingress routing
	// (<tunnel>.<domain>). Empty disables host-based routing.
	Domain string `yaml:"domain"`

	WSPath string `yaml:"ws_path"`
	// WSURL is the externally visible WebSocket URL advertised by
	// /api/info. Derived from Domain and WSPath when empty.
	WSURL string `yaml:"ws_url"`

	HeartbeatInterval  int `yaml:"heartbeat_interval"`
	HeartbeatTimeout   int `yaml:"heartbeat_timeout"`
	DefaultTimeout     int `yaml:"default_timeout"`
	MaxPendingRequests int `yaml:"max_pending_requests"`
	StreamQueueSize    int `yaml:"stream_queue_size"`

	AdminAPIKey string `yaml:"admin_api_key"`
	JWTSecret   string `yaml:"jwt_secret"`
	Instruction string `yaml:"instruction"`

	TCPListenHost   string `yaml:"tcp_listen_host"`
	TCPListenPort   int    `yaml:"tcp_listen_port"`
	TCPTargetDomain string `yaml:"tcp_target_domain"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8000,
		DatabaseURL:        "burrow.db",
		WSPath:             "/ws/tunnel",
		HeartbeatInterval:  30,
		HeartbeatTimeout:   90,
		DefaultTimeout:     300,
		MaxPendingRequests: 1000,
		StreamQueueSize:    64,
		TCPListenHost:      "0.0.0.0",
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

	applyEnv(&cfg.DatabaseURL, "BURROW_DATABASE_URL")
	applyEnv(&cfg.Domain, "BURROW_DOMAIN")
	applyEnv(&cfg.AdminAPIKey, "BURROW_ADMIN_API_KEY")
	applyEnv(&cfg.JWTSecret, "BURROW_JWT_SECRET")

	return cfg, nil
}

func applyEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c Config) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c Config) heartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

func (c Config) defaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeout) * time.Second
}

func (c Config) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) wsURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	if c.Domain != "" {
		return "wss://" + c.Domain + c.WSPath
	}
	return fmt.Sprintf("ws://localhost:%d%s", c.Port, c.WSPath)
}
