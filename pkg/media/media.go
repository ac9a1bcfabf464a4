// Package media implements the capture sources: a live camera and a
// still picture. Exactly one source is active at a time; the app
// package enforces that by switching sources under a lock.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/teslashibe/go-facegrid/pkg/camera"
	"github.com/teslashibe/go-facegrid/pkg/protocol"
)

// Kind identifies a source variant.
type Kind string

const (
	KindCamera  Kind = "camera"
	KindPicture Kind = "picture"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCamera, KindPicture:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown source kind: %q", s)
}

// State is the lifecycle state of a source.
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// Source is the capability set every capture source implements.
type Source interface {
	Kind() Kind
	State() State

	// Activate starts producing frames. Calling it on an active source is a no-op.
	Activate(ctx context.Context) error
	// Deactivate releases every resource. Safe from any state, any number of times.
	Deactivate()

	Reveal()
	Conceal()
	Visible() bool

	// CaptureFrame returns nil when the source is not ready.
	CaptureFrame() *Frame
	// OnConnectionEstablished is called each time the backend connection opens.
	OnConnectionEstablished()
	// SetFaceResults stores the latest backend face analysis for display.
	SetFaceResults(raw json.RawMessage)
	// Preview returns the surface with overlays, or nil when blank.
	Preview() image.Image
}

// Frame is one encoded still image.
type Frame struct {
	Data      []byte
	MIME      string
	Timestamp time.Time
}

// DataURI returns the frame as a data URI.
func (f *Frame) DataURI() string {
	return protocol.DataURI(f.MIME, f.Data)
}

// Errors surfaced when a source cannot start.
var (
	ErrPermissionDenied = camera.ErrPermissionDenied
	ErrNoDevice         = camera.ErrNoDevice
	ErrDeviceBusy       = camera.ErrDeviceBusy
	ErrUnsupported      = camera.ErrUnsupported
	ErrWarmupTimeout    = errors.New("camera did not deliver a frame in time")
)

// DeviceError reports a source that failed to activate. The source stays
// inactive until the user retries.
type DeviceError struct {
	Source Kind
	Reason error // one of the Err* sentinels
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err != nil && e.Err != e.Reason {
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Reason)
}

func (e *DeviceError) Unwrap() []error {
	if e.Err != nil && e.Err != e.Reason {
		return []error{e.Reason, e.Err}
	}
	return []error{e.Reason}
}

// Message returns text suitable for showing to the user.
func (e *DeviceError) Message() string {
	switch {
	case errors.Is(e.Reason, ErrPermissionDenied):
		return "Camera permission denied. Grant access to the video device and try again."
	case errors.Is(e.Reason, ErrNoDevice):
		return "No camera found. Connect a camera and try again."
	case errors.Is(e.Reason, ErrDeviceBusy):
		return "Camera is in use by another application. Close it and try again."
	case errors.Is(e.Reason, ErrUnsupported):
		return "Camera does not support the requested mode. Try a different preset."
	case errors.Is(e.Reason, ErrWarmupTimeout):
		return "Camera did not start in time. Try again."
	}
	return "Camera error: " + e.Error()
}

// classify maps an open error onto a DeviceError.
func classify(kind Kind, err error) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	reason := ErrDeviceBusy
	for _, s := range []error{ErrPermissionDenied, ErrNoDevice, ErrDeviceBusy, ErrUnsupported, ErrWarmupTimeout} {
		if errors.Is(err, s) {
			reason = s
			break
		}
	}
	return &DeviceError{Source: kind, Reason: reason, Err: err}
}
