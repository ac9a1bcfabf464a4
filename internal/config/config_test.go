package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FACEGRID_BACKEND_URL", "")
	t.Setenv("FACEGRID_CAPTURE_INTERVAL", "")

	cfg, err := Load("testdata/does-not-exist.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendURL != DefaultBackendURL {
		t.Errorf("BackendURL = %q, want %q", cfg.BackendURL, DefaultBackendURL)
	}
	if cfg.CaptureInterval != DefaultCaptureInterval {
		t.Errorf("CaptureInterval = %v, want %v", cfg.CaptureInterval, DefaultCaptureInterval)
	}
	if cfg.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("ReconnectDelay = %v, want %v", cfg.ReconnectDelay, DefaultReconnectDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FACEGRID_CAPTURE_INTERVAL", "2500")
	t.Setenv("FACEGRID_RECONNECT_DELAY", "250ms")
	t.Setenv("FACEGRID_GRID_TARGET", "12")

	cfg, err := Load("testdata/does-not-exist.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CaptureInterval != 2500*time.Millisecond {
		t.Errorf("CaptureInterval = %v, want 2.5s", cfg.CaptureInterval)
	}
	if cfg.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 250ms", cfg.ReconnectDelay)
	}
	if cfg.GridTarget != 12 {
		t.Errorf("GridTarget = %d, want 12", cfg.GridTarget)
	}
}

func TestValidate(t *testing.T) {
	base, _ := Load("testdata/does-not-exist.env")

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad source", func(c *Config) { c.Source = "screen" }, true},
		{"interval too small", func(c *Config) { c.CaptureInterval = time.Millisecond }, true},
		{"no backend", func(c *Config) { c.BackendURL = "" }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"zero target", func(c *Config) { c.GridTarget = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		backend string
		want    string
	}{
		{"http://localhost:8000", "ws://localhost:8000/ws"},
		{"https://faces.example.com/", "wss://faces.example.com/ws"},
		{"https://faces.example.com/demo", "wss://faces.example.com/demo/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := Config{BackendURL: tt.backend, WebSocketPath: DefaultWebSocketPath}
			got, err := cfg.WebSocketURL()
			if err != nil {
				t.Fatalf("WebSocketURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("WebSocketURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatsURL(t *testing.T) {
	cfg := Config{BackendURL: "http://localhost:8000/"}
	if got := cfg.StatsURL(); got != "http://localhost:8000/api/stats" {
		t.Errorf("StatsURL() = %q", got)
	}
}
