package media

import (
	"context"
	"errors"
	"image"
	"math/rand"
	"sync"
	"time"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/camera"
	"github.com/teslashibe/go-facegrid/pkg/detect"
	"github.com/teslashibe/go-facegrid/pkg/timer"
)

// StatusMessages rotate in the status line while the camera is live and
// the backend is connected.
var StatusMessages = []string{
	"...",
	"You're looking great!",
	"Perfect angle!",
	"Smile detected!",
	"Double tap for screenshot!",
	"You're photogenic!",
	"Camera loves you!",
	"Error 555 - Way too good looking!",
	"Vectors can't capture all of your beauty!",
	"Do I know you from somewhere?",
}

// CameraConfig tunes the camera source timing.
type CameraConfig struct {
	RefreshInterval time.Duration // preview redraw cadence
	WarmupTimeout   time.Duration // max wait for the first frame
	WarmupPoll      time.Duration
	StatusMinDelay  time.Duration
	StatusMaxDelay  time.Duration
}

// DefaultCameraConfig returns the standard timings.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		RefreshInterval: 33 * time.Millisecond,
		WarmupTimeout:   10 * time.Second,
		WarmupPoll:      20 * time.Millisecond,
		StatusMinDelay:  3 * time.Second,
		StatusMaxDelay:  10 * time.Second,
	}
}

// CameraOptions are the collaborators of a CameraSource.
type CameraOptions struct {
	Surface  *Surface
	Clock    timer.Clock
	Open     camera.Opener
	Device   func() camera.Config // read on every Activate
	Detector detect.Detector
	Config   CameraConfig

	ShowLandmarks func() bool
	// OnStatus receives status line text.
	OnStatus func(msg string)
}

// CameraSource renders a live capture device onto its surface.
type CameraSource struct {
	base

	open     camera.Opener
	device   func() camera.Config
	detector detect.Detector
	cfg      CameraConfig
	onStatus func(string)

	// life serializes Activate, Deactivate and refresh ticks so a
	// deactivated source never renders again.
	life     sync.Mutex
	dev      camera.Device
	refresh  timer.Task
	frames   int
	notReady int

	statusMu  sync.Mutex
	status    timer.Task
	statusIdx int
}

// NewCamera creates an inactive camera source.
func NewCamera(o CameraOptions) *CameraSource {
	if o.Open == nil {
		panic("media: camera opener is required")
	}
	if o.Device == nil {
		cfg := camera.DefaultConfig()
		o.Device = func() camera.Config { return cfg }
	}
	if o.Detector == nil {
		o.Detector = detect.Nop{}
	}
	if o.Config == (CameraConfig{}) {
		o.Config = DefaultCameraConfig()
	}
	return &CameraSource{
		base:     newBase(KindCamera, o.Surface, o.Clock, o.ShowLandmarks),
		open:     o.Open,
		device:   o.Device,
		detector: o.Detector,
		cfg:      o.Config,
		onStatus: o.OnStatus,
	}
}

// Activate opens the device and waits for the first frame.
func (c *CameraSource) Activate(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()

	if c.State() == Active {
		return nil
	}

	cfg := c.device()
	logger := log.With("source", KindCamera, "device", cfg.Device)

	dev, err := c.open(cfg)
	if err != nil {
		de := classify(KindCamera, err)
		logger.Error("camera open failed", "reason", de.Reason, "error", err)
		return de
	}

	first, err := c.warmup(ctx, dev)
	if err != nil {
		dev.Close()
		de := classify(KindCamera, err)
		logger.Error("camera warmup failed", "error", err)
		return de
	}

	c.dev = dev
	c.frames, c.notReady = 0, 0
	c.render(first)
	c.setState(Active)
	c.refresh = timer.Every(c.clock, c.cfg.RefreshInterval, c.tick)

	logger.Info("camera active", "frame_size", first.Bounds().Size())
	return nil
}

func (c *CameraSource) warmup(ctx context.Context, dev camera.Device) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WarmupTimeout)
	defer cancel()

	poll := time.NewTicker(c.cfg.WarmupPoll)
	defer poll.Stop()

	for {
		img, err := dev.Read()
		if err == nil && img != nil && !img.Bounds().Empty() {
			return img, nil
		}
		if err != nil && !errors.Is(err, camera.ErrNoFrame) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrWarmupTimeout
			}
			return nil, ctx.Err()
		case <-poll.C:
		}
	}
}

func (c *CameraSource) tick() {
	c.life.Lock()
	defer c.life.Unlock()

	if c.dev == nil {
		return
	}

	img, err := c.dev.Read()
	if err != nil || img == nil {
		c.notReady++
		if c.notReady <= 5 {
			log.Debug("camera not ready for preview", "count", c.notReady, "error", err)
		}
		return
	}

	c.frames++
	if c.frames <= 3 {
		log.Debug("preview update",
			"frame", c.frames,
			"frame_size", img.Bounds().Size(),
			"surface_size", c.surface.Bounds().Size())
	}
	c.render(img)
}

// render draws img and runs detection on it. Detections are found on the
// full frame and mapped through the crop.
func (c *CameraSource) render(img image.Image) {
	m := c.surface.Render(img)
	c.surface.SetDetections(m.Apply(c.detector.Detect(img)))
}

// Deactivate stops the preview, releases the device and blanks the surface.
func (c *CameraSource) Deactivate() {
	c.stopStatus()

	c.life.Lock()
	defer c.life.Unlock()

	if c.refresh != nil {
		c.refresh.Cancel()
		c.refresh = nil
	}
	if c.dev != nil {
		if err := c.dev.Close(); err != nil {
			log.Warn("camera close failed", "error", err)
		}
		c.dev = nil
		log.Info("camera released")
	}
	c.surface.Clear()
	c.setState(Inactive)
}

// OnConnectionEstablished starts rotating status messages.
func (c *CameraSource) OnConnectionEstablished() {
	if c.State() != Active {
		return
	}

	c.statusMu.Lock()
	if c.status != nil {
		c.statusMu.Unlock()
		return
	}
	msg := StatusMessages[c.statusIdx]
	c.scheduleStatusLocked()
	c.statusMu.Unlock()

	c.emitStatus(msg)
}

func (c *CameraSource) scheduleStatusLocked() {
	span := c.cfg.StatusMaxDelay - c.cfg.StatusMinDelay
	delay := c.cfg.StatusMinDelay
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}

	var task timer.Task
	task = c.clock.AfterFunc(delay, func() {
		c.statusMu.Lock()
		if c.status != task {
			c.statusMu.Unlock()
			return
		}
		c.statusIdx = (c.statusIdx + 1) % len(StatusMessages)
		msg := StatusMessages[c.statusIdx]
		c.scheduleStatusLocked()
		c.statusMu.Unlock()

		c.emitStatus(msg)
	})
	c.status = task
}

func (c *CameraSource) stopStatus() {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.status != nil {
		c.status.Cancel()
		c.status = nil
	}
}

func (c *CameraSource) emitStatus(msg string) {
	if c.onStatus != nil {
		c.onStatus(msg)
	}
}
