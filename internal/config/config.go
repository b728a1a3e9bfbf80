// Package config loads the runtime configuration consulted once at
// startup. Configuration is advisory: any load failure falls back to
// safe defaults with a log line, because a missing config file must
// never stop a performance from starting.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// DefaultWebSocketPort is where engines look for the relay.
	DefaultWebSocketPort = 1421
	// DefaultWebSocketPath is the relay endpoint path.
	DefaultWebSocketPath = "/performance"

	fetchTimeout = 3 * time.Second
	maxConfigLen = 1 << 20
)

// Config carries the feature flags and relay coordinates.
type Config struct {
	EnableLocalBroadcast bool   `json:"enableLocalBroadcast"`
	EnableRemoteSync     bool   `json:"enableRemoteSync"`
	WebSocketHost        string `json:"webSocketHost"`
	WebSocketPort        int    `json:"webSocketPort"`
	WebSocketPath        string `json:"webSocketPath"`
}

// Default returns the configuration used when no source is given or the
// source cannot be read: both transports on, relay on localhost:1421.
func Default() Config {
	return Config{
		EnableLocalBroadcast: true,
		EnableRemoteSync:     true,
		WebSocketHost:        "localhost",
		WebSocketPort:        DefaultWebSocketPort,
		WebSocketPath:        DefaultWebSocketPath,
	}
}

// Load reads configuration from a file path or an http(s) URL. Every
// failure mode returns defaults; the error reports what went wrong for
// the startup log, but callers can ignore it.
func Load(source string) (Config, error) {
	if source == "" {
		return Default(), nil
	}

	var (
		raw []byte
		err error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		raw, err = fetch(source)
	} else {
		raw, err = os.ReadFile(source)
	}
	if err != nil {
		slog.Warn("config unavailable, using defaults", "source", source, "error", err)
		return Default(), fmt.Errorf("load config from %s: %w", source, err)
	}
	return Parse(raw)
}

// Parse decodes raw JSON, filling omitted fields from defaults. Malformed
// JSON yields full defaults.
func Parse(raw []byte) (Config, error) {
	// Unmarshal over a defaults copy so absent keys keep their defaults
	// while present booleans (including explicit false) win.
	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("malformed config, using defaults", "error", err)
		return Default(), fmt.Errorf("parse config: %w", err)
	}
	if cfg.WebSocketHost == "" {
		cfg.WebSocketHost = "localhost"
	}
	if cfg.WebSocketPort <= 0 || cfg.WebSocketPort > 65535 {
		slog.Warn("invalid websocket port, using default", "port", cfg.WebSocketPort)
		cfg.WebSocketPort = DefaultWebSocketPort
	}
	if !strings.HasPrefix(cfg.WebSocketPath, "/") {
		slog.Warn("invalid websocket path, using default", "path", cfg.WebSocketPath)
		cfg.WebSocketPath = DefaultWebSocketPath
	}
	return cfg, nil
}

func fetch(url string) ([]byte, error) {
	client := &http.Client{Timeout: fetchTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxConfigLen))
}
