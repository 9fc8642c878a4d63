package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Timeouts  TimeoutConfig
	Discovery DiscoveryConfig
	Status    StatusConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host      string
	Port      int
	UploadDir string
	MaxConns  int
	// ChatEcho delivers public chat back to its author. Off by default.
	ChatEcho bool
}

type TimeoutConfig struct {
	Handshake time.Duration
	Auth      time.Duration
	Idle      time.Duration
	Data      time.Duration
	Write     time.Duration
}

type DiscoveryConfig struct {
	Enabled       bool
	Port          int
	Interval      time.Duration
	AppName       string
	AdvertiseHost string
}

type StatusConfig struct {
	Addr string
}

type LogConfig struct {
	File  string
	Debug bool
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      getEnv("LANCHAT_HOST", "0.0.0.0"),
			Port:      getEnvAsInt("LANCHAT_PORT", 9090),
			UploadDir: getEnv("LANCHAT_UPLOAD_DIR", "server_uploads"),
			MaxConns:  getEnvAsInt("LANCHAT_MAX_CONNS", 512),
			ChatEcho:  getEnvAsBool("LANCHAT_CHAT_ECHO", false),
		},
		Timeouts: TimeoutConfig{
			Handshake: getEnvAsDuration("LANCHAT_HANDSHAKE_TIMEOUT", 10*time.Second),
			Auth:      getEnvAsDuration("LANCHAT_AUTH_TIMEOUT", 15*time.Second),
			Idle:      getEnvAsDuration("LANCHAT_IDLE_TIMEOUT", 300*time.Second),
			Data:      getEnvAsDuration("LANCHAT_DATA_TIMEOUT", 60*time.Second),
			Write:     getEnvAsDuration("LANCHAT_WRITE_TIMEOUT", 10*time.Second),
		},
		Discovery: DiscoveryConfig{
			Enabled:       getEnvAsBool("LANCHAT_DISCOVERY", true),
			Port:          getEnvAsInt("LANCHAT_DISCOVERY_PORT", 9999),
			Interval:      getEnvAsDuration("LANCHAT_DISCOVERY_INTERVAL", 5*time.Second),
			AppName:       getEnv("LANCHAT_APP_NAME", "python_chat"),
			AdvertiseHost: getEnv("LANCHAT_ADVERTISE_HOST", ""),
		},
		Status: StatusConfig{
			Addr: getEnv("LANCHAT_STATUS_ADDR", ""),
		},
		Log: LogConfig{
			File:  getEnv("LANCHAT_LOG_FILE", ""),
			Debug: getEnvAsBool("LANCHAT_DEBUG", false),
		},
	}
}

// Addr is the TCP listen address for command and data connections.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Server.UploadDir) == "" {
		errs = append(errs, errors.New("upload dir is required"))
	}
	if c.Server.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("max conns %d must not be negative", c.Server.MaxConns))
	}
	timeouts := map[string]time.Duration{
		"handshake": c.Timeouts.Handshake,
		"auth":      c.Timeouts.Auth,
		"idle":      c.Timeouts.Idle,
		"data":      c.Timeouts.Data,
		"write":     c.Timeouts.Write,
	}
	for _, name := range []string{"handshake", "auth", "idle", "data", "write"} {
		if timeouts[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s timeout must be positive", name))
		}
	}
	if c.Discovery.Enabled {
		if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
			errs = append(errs, fmt.Errorf("discovery port %d out of range", c.Discovery.Port))
		}
		if c.Discovery.Interval <= 0 {
			errs = append(errs, errors.New("discovery interval must be positive"))
		}
		if c.Discovery.AppName == "" {
			errs = append(errs, errors.New("discovery app name is required"))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
