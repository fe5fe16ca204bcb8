package config

import (
	"os"
	"strings"
	"time"
)

// ServerConfig controls the HTTP frontend's listener and timeouts.
type ServerConfig struct {
	ListenAddress   string        `json:"listen_address"`
	ReadTimeout     time.Duration `json:"-"`
	WriteTimeout    time.Duration `json:"-"`
	IdleTimeout     time.Duration `json:"-"`
	ShutdownTimeout time.Duration `json:"-"`
	MaxHeaderBytes  int           `json:"-"`
	LogLevel        string        `json:"log_level"`
	WatchReload     bool          `json:"watch_reload"`
}

// DefaultServerConfig returns sane defaults. The 300s write timeout leaves room for the
// frontend's own hard ceiling on unary router calls; per-binding timeouts stay below it.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:   ":8080",
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    300 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxHeaderBytes:  1 << 20,
		LogLevel:        "info",
	}
}

// ApplyEnvOverrides layers GATEWAY_*-prefixed environment variables over cfg.
func ApplyEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("GATEWAY_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("GATEWAY_WATCH_RELOAD"); v == "true" || v == "1" {
		cfg.WatchReload = true
	}
}
