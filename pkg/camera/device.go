package camera

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

// Device errors. Open wraps one of these so callers can classify failures.
var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera device found")
	ErrDeviceBusy       = errors.New("camera is in use by another application")
	ErrUnsupported      = errors.New("camera mode not supported")

	// ErrNoFrame is returned by Read while the device has nothing to deliver yet.
	ErrNoFrame = errors.New("no frame available")
)

// Device is an open capture device.
type Device interface {
	// Read returns the latest frame, or ErrNoFrame when none is ready.
	Read() (image.Image, error)
	Close() error
}

// Opener opens a device for cfg.
type Opener func(cfg Config) (Device, error)

// VideoDevice reads frames through OpenCV's VideoCapture.
type VideoDevice struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	mirror bool
	closed bool
}

// Open opens the device described by cfg.
func Open(cfg Config) (Device, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, errs)
	}

	var target any = cfg.Device
	if idx, ok := cfg.DeviceIndex(); ok {
		if err := probeV4L2(idx); err != nil {
			return nil, err
		}
		target = idx
	}

	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, cfg.Device)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	return &VideoDevice{
		cap:    vc,
		mat:    gocv.NewMat(),
		mirror: cfg.Mirror,
	}, nil
}

// Read grabs the next frame.
func (d *VideoDevice) Read() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrNoFrame
	}
	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, ErrNoFrame
	}
	if d.mirror {
		gocv.Flip(d.mat, &d.mat, 1)
	}

	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

// Close releases the device. Safe to call more than once.
func (d *VideoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.mat.Close()
	return d.cap.Close()
}

// probeV4L2 classifies an index that cannot be opened before OpenCV
// collapses every failure into one generic error. Platforms without
// /dev/video* nodes are left to OpenCV.
func probeV4L2(idx int) error {
	if _, err := os.Stat("/dev"); err != nil {
		return nil
	}
	entries, _ := os.ReadDir("/dev")
	hasVideo := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "video") {
			hasVideo = true
			break
		}
	}
	if !hasVideo {
		return nil
	}

	path := fmt.Sprintf("/dev/video%d", idx)
	f, err := os.Open(path)
	switch {
	case err == nil:
		f.Close()
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNoDevice, path)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
}
