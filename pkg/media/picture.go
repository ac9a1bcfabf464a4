package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	// Registered decoders for uploaded pictures
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/detect"
	"github.com/teslashibe/go-facegrid/pkg/timer"
)

// MaxPicturePixels bounds the decoded size of a loaded picture.
const MaxPicturePixels = 40_000_000

var (
	// ErrNoPicture is returned when a picture operation needs a loaded image.
	ErrNoPicture = errors.New("no picture loaded")
	// ErrPictureTooLarge is returned for images over MaxPicturePixels.
	ErrPictureTooLarge = errors.New("picture too large")
)

// PictureOptions are the collaborators of a PictureSource.
type PictureOptions struct {
	Surface       *Surface
	Clock         timer.Clock
	Detector      detect.Detector
	ShowLandmarks func() bool
}

// PictureSource renders a single still image. Detection runs once per load.
type PictureSource struct {
	base

	detector detect.Detector

	life sync.Mutex
	img  image.Image
}

// NewPicture creates an inactive picture source with no image.
func NewPicture(o PictureOptions) *PictureSource {
	if o.Detector == nil {
		o.Detector = detect.Nop{}
	}
	return &PictureSource{
		base:     newBase(KindPicture, o.Surface, o.Clock, o.ShowLandmarks),
		detector: o.Detector,
	}
}

// Load decodes a JPEG, PNG, GIF or WebP image and makes it the current
// picture. An active source renders it immediately. The header is checked
// against MaxPicturePixels before any pixel data is decoded.
func (p *PictureSource) Load(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode picture: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPicturePixels {
		return fmt.Errorf("%w: %dx%d", ErrPictureTooLarge, cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode picture: %w", err)
	}
	log.Info("picture loaded", "format", format, "size", img.Bounds().Size())
	p.LoadImage(img)
	return nil
}

// LoadImage makes img the current picture.
func (p *PictureSource) LoadImage(img image.Image) {
	p.life.Lock()
	defer p.life.Unlock()

	p.img = img
	if p.State() == Active {
		p.render()
	}
}

// HasPicture reports whether an image is loaded.
func (p *PictureSource) HasPicture() bool {
	p.life.Lock()
	defer p.life.Unlock()
	return p.img != nil
}

// Activate renders the loaded picture, if any. A source with no picture is
// active but produces no frames until one is loaded.
func (p *PictureSource) Activate(context.Context) error {
	p.life.Lock()
	defer p.life.Unlock()

	if p.State() == Active {
		return nil
	}
	p.setState(Active)
	if p.img != nil {
		p.render()
	}
	return nil
}

func (p *PictureSource) render() {
	m := p.surface.Render(p.img)
	p.surface.SetDetections(m.Apply(p.detector.Detect(p.img)))
}

// Deactivate blanks the surface. The loaded picture is kept.
func (p *PictureSource) Deactivate() {
	p.life.Lock()
	defer p.life.Unlock()

	p.surface.Clear()
	p.setState(Inactive)
}

// OnConnectionEstablished is a no-op; pictures have no live status.
func (p *PictureSource) OnConnectionEstablished() {}
