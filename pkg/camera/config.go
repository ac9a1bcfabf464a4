// Package camera provides runtime-configurable capture device settings
// and the OpenCV-backed device used by the camera source.
package camera

import (
	"strconv"
)

// Config holds all camera configuration parameters.
// These can be modified via the camera API at runtime and take
// effect the next time the camera source is activated.
type Config struct {
	// Device is a V4L2 index ("0"), a device path or a stream URL.
	Device string `json:"device"`

	// === Resolution ===
	Width     int `json:"width"`     // Requested frame width in pixels
	Height    int `json:"height"`    // Requested frame height in pixels
	Framerate int `json:"framerate"` // Requested FPS

	// Mirror flips frames horizontally, like a selfie preview.
	Mirror bool `json:"mirror"`
}

// Limits for requested capture modes
const (
	MinWidth     = 160
	MaxWidth     = 3840
	MinHeight    = 120
	MaxHeight    = 2160
	MaxFramerate = 120
)

// DefaultConfig returns the configuration used for a front-facing webcam.
// Portrait-friendly 480x700 is the ideal request; drivers fall back to the
// nearest supported mode.
func DefaultConfig() Config {
	return Config{
		Device:    "0",
		Width:     480,
		Height:    700,
		Framerate: 30,
		Mirror:    true,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Device == "" {
		errors = append(errors, "device must not be empty")
	}
	if c.Width < MinWidth || c.Width > MaxWidth {
		errors = append(errors, "width must be between 160 and 3840")
	}
	if c.Height < MinHeight || c.Height > MaxHeight {
		errors = append(errors, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 1 and 120")
	}

	return errors
}

// DeviceIndex returns the numeric device index when Device is one.
func (c *Config) DeviceIndex() (int, bool) {
	i, err := strconv.Atoi(c.Device)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}
