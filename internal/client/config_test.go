package client

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReconnectInterval != 5 {
		t.Errorf("reconnect_interval = %d, want 5", cfg.ReconnectInterval)
	}
	if cfg.MaxReconnectAttempts != 0 {
		t.Errorf("max_reconnect_attempts = %d, want 0", cfg.MaxReconnectAttempts)
	}
	if cfg.RequestTimeout != 300 {
		t.Errorf("request_timeout = %d, want 300", cfg.RequestTimeout)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	content := "server_url: ws://example.com/ws/tunnel\ntoken: tun_abc\ntarget_url: http://localhost:5000\nforce: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "ws://example.com/ws/tunnel" {
		t.Errorf("server_url = %q", cfg.ServerURL)
	}
	if cfg.Token != "tun_abc" {
		t.Errorf("token = %q", cfg.Token)
	}
	if cfg.TargetURL != "http://localhost:5000" {
		t.Errorf("target_url = %q", cfg.TargetURL)
	}
	if !cfg.Force {
		t.Error("force not set")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("BURROW_TOKEN", "tun_from_env")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token != "tun_from_env" {
		t.Errorf("token = %q", cfg.Token)
	}
}
