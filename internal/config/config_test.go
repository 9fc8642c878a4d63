package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"LANCHAT_PORT", "LANCHAT_HANDSHAKE_TIMEOUT", "LANCHAT_AUTH_TIMEOUT",
		"LANCHAT_DISCOVERY_INTERVAL", "LANCHAT_APP_NAME", "LANCHAT_CHAT_ECHO",
	} {
		unsetEnv(t, key)
	}

	cfg := Load()

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Timeouts.Handshake != 10*time.Second {
		t.Fatalf("expected 10s handshake timeout, got %v", cfg.Timeouts.Handshake)
	}
	if cfg.Timeouts.Auth != 15*time.Second {
		t.Fatalf("expected 15s auth timeout, got %v", cfg.Timeouts.Auth)
	}
	if cfg.Discovery.Interval != 5*time.Second {
		t.Fatalf("expected 5s discovery interval, got %v", cfg.Discovery.Interval)
	}
	if cfg.Discovery.AppName != "python_chat" {
		t.Fatalf("unexpected app name %q", cfg.Discovery.AppName)
	}
	if cfg.Server.ChatEcho {
		t.Fatal("expected chat echo off by default")
	}
}

// unsetEnv clears key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unset %s: %v", key, err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LANCHAT_HOST", "127.0.0.1")
	t.Setenv("LANCHAT_PORT", "7000")
	t.Setenv("LANCHAT_UPLOAD_DIR", "/tmp/uploads")
	t.Setenv("LANCHAT_IDLE_TIMEOUT", "90s")
	t.Setenv("LANCHAT_DISCOVERY", "false")
	t.Setenv("LANCHAT_STATUS_ADDR", ":8088")

	cfg := Load()

	if cfg.Addr() != "127.0.0.1:7000" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
	if cfg.Server.UploadDir != "/tmp/uploads" {
		t.Fatalf("unexpected upload dir %q", cfg.Server.UploadDir)
	}
	if cfg.Timeouts.Idle != 90*time.Second {
		t.Fatalf("unexpected idle timeout %v", cfg.Timeouts.Idle)
	}
	if cfg.Discovery.Enabled {
		t.Fatal("expected discovery disabled")
	}
	if cfg.Status.Addr != ":8088" {
		t.Fatalf("unexpected status addr %q", cfg.Status.Addr)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("LANCHAT_PORT", "not-a-port")
	t.Setenv("LANCHAT_IDLE_TIMEOUT", "forever")
	t.Setenv("LANCHAT_DISCOVERY", "maybe")

	cfg := Load()

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected fallback port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Timeouts.Idle != 300*time.Second {
		t.Fatalf("expected fallback idle timeout, got %v", cfg.Timeouts.Idle)
	}
	if !cfg.Discovery.Enabled {
		t.Fatal("expected fallback discovery enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server port"},
		{name: "empty upload dir", mutate: func(c *Config) { c.Server.UploadDir = " " }, wantErr: "upload dir"},
		{name: "zero idle timeout", mutate: func(c *Config) { c.Timeouts.Idle = 0 }, wantErr: "idle timeout"},
		{name: "bad discovery port", mutate: func(c *Config) { c.Discovery.Port = 0 }, wantErr: "discovery port"},
		{name: "discovery disabled skips its checks", mutate: func(c *Config) {
			c.Discovery.Enabled = false
			c.Discovery.Port = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 9090, UploadDir: "server_uploads", MaxConns: 512},
		Timeouts: TimeoutConfig{
			Handshake: 10 * time.Second,
			Auth:      15 * time.Second,
			Idle:      300 * time.Second,
			Data:      60 * time.Second,
			Write:     10 * time.Second,
		},
		Discovery: DiscoveryConfig{Enabled: true, Port: 9999, Interval: 5 * time.Second, AppName: "python_chat"},
	}
}
