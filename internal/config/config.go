// Package config provides configuration helpers for facegrid commands.
//
// Values come from the environment (optionally seeded from a .env file) and
// are overridden by command line flags in cmd/facegrid.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Defaults mirror the behavior of the browser client this tool replaces.
const (
	DefaultBackendURL      = "http://localhost:8000"
	DefaultWebSocketPath   = "/ws"
	DefaultCaptureInterval = 10 * time.Second
	DefaultReconnectDelay  = 1 * time.Second
	DefaultStatsInterval   = 60 * time.Second
	DefaultSurfaceHeight   = 480
	DefaultAspectRatio     = 16.0 / 9.0
	DefaultGridTarget      = 40
	DefaultListenAddr      = "127.0.0.1:8090"
	DefaultDetectorModel   = "models/face_detection_yunet.onnx"
)

// Config holds everything needed to run the capture client.
type Config struct {
	BackendURL      string        `validate:"required,url"`
	WebSocketPath   string        `validate:"required,startswith=/"`
	CaptureInterval time.Duration `validate:"gte=100ms"`
	ReconnectDelay  time.Duration `validate:"gt=0"`
	StatsInterval   time.Duration `validate:"gte=1s"`

	Source        string `validate:"oneof=camera picture"`
	CameraDevice  int    `validate:"gte=0"`
	PicturePath   string
	SurfaceHeight int    `validate:"gte=120,lte=2160"`
	DetectorModel string // empty disables overlay detection

	AspectRatio float64 `validate:"gt=0"`
	GridTarget  int     `validate:"gte=1,lte=400"`

	ListenAddr string // empty disables the dashboard

	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string
}

// Load reads a .env file (if present) and the process environment.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	cfg := Config{
		BackendURL:      envOr("FACEGRID_BACKEND_URL", DefaultBackendURL),
		WebSocketPath:   envOr("FACEGRID_WS_PATH", DefaultWebSocketPath),
		CaptureInterval: durationEnv("FACEGRID_CAPTURE_INTERVAL", DefaultCaptureInterval),
		ReconnectDelay:  durationEnv("FACEGRID_RECONNECT_DELAY", DefaultReconnectDelay),
		StatsInterval:   durationEnv("FACEGRID_STATS_INTERVAL", DefaultStatsInterval),
		Source:          envOr("FACEGRID_SOURCE", "camera"),
		CameraDevice:    intEnv("FACEGRID_CAMERA_DEVICE", 0),
		PicturePath:     os.Getenv("FACEGRID_PICTURE"),
		SurfaceHeight:   intEnv("FACEGRID_SURFACE_HEIGHT", DefaultSurfaceHeight),
		DetectorModel:   envOr("FACEGRID_DETECTOR_MODEL", DefaultDetectorModel),
		AspectRatio:     floatEnv("FACEGRID_ASPECT_RATIO", DefaultAspectRatio),
		GridTarget:      intEnv("FACEGRID_GRID_TARGET", DefaultGridTarget),
		ListenAddr:      envOr("FACEGRID_LISTEN", DefaultListenAddr),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFile:         os.Getenv("LOG_FILE"),
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WebSocketURL returns the duplex endpoint derived from BackendURL.
func (c Config) WebSocketURL() (string, error) {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.WebSocketPath
	return u.String(), nil
}

// StatsURL returns the backend statistics endpoint.
func (c Config) StatsURL() string {
	return strings.TrimRight(c.BackendURL, "/") + "/api/stats"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Plain numbers are milliseconds.
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func intEnv(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func floatEnv(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}
