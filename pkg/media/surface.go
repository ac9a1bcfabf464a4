package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"github.com/teslashibe/go-facegrid/pkg/detect"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// SurfaceAspect is the width/height ratio of the capture surface.
const SurfaceAspect = 0.686

// JPEGQuality is used for captured frames.
const JPEGQuality = 85

// Watermark drawn in the top-left corner of every rendered frame.
var Watermark = "facegrid"

// SurfaceSize returns the surface dimensions for a given height.
func SurfaceSize(height int) image.Point {
	if height < 1 {
		height = 1
	}
	w := int(float64(height) * SurfaceAspect)
	if w < 1 {
		w = 1
	}
	return image.Pt(w, height)
}

// Mapping describes how source pixels were placed on the surface.
type Mapping struct {
	Origin image.Point // top-left of the crop in source pixels
	ScaleX float64
	ScaleY float64
}

// Apply maps detections found on the source image onto the surface.
func (m Mapping) Apply(dets []detect.Detection) []detect.Detection {
	if len(dets) == 0 {
		return nil
	}
	out := make([]detect.Detection, len(dets))
	for i, d := range dets {
		out[i] = d.Map(m.Origin, m.ScaleX, m.ScaleY)
	}
	return out
}

// CoverCrop returns the centered region of src that has the aspect ratio
// of dst, so scaling it fills dst without distortion.
func CoverCrop(src image.Rectangle, dst image.Point) image.Rectangle {
	sw, sh := float64(src.Dx()), float64(src.Dy())
	if sw == 0 || sh == 0 || dst.X == 0 || dst.Y == 0 {
		return src
	}
	srcAspect := sw / sh
	dstAspect := float64(dst.X) / float64(dst.Y)

	crop := src
	switch {
	case srcAspect > dstAspect:
		w := int(sh * dstAspect)
		crop.Min.X = src.Min.X + (src.Dx()-w)/2
		crop.Max.X = crop.Min.X + w
	case srcAspect < dstAspect:
		h := int(sw / dstAspect)
		crop.Min.Y = src.Min.Y + (src.Dy()-h)/2
		crop.Max.Y = crop.Min.Y + h
	}
	return crop
}

// Surface is the canvas a source renders onto. Captures read a snapshot of it.
type Surface struct {
	mu    sync.Mutex
	img   *image.RGBA
	drawn bool
	dets  []detect.Detection
}

// NewSurface creates a blank surface of the given height.
func NewSurface(height int) *Surface {
	size := SurfaceSize(height)
	return &Surface{img: image.NewRGBA(image.Rectangle{Max: size})}
}

// Bounds returns the surface rectangle.
func (s *Surface) Bounds() image.Rectangle {
	return s.img.Bounds()
}

// Render cover-crops src onto the surface and stamps the watermark.
func (s *Surface) Render(src image.Image) Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.img.Bounds()
	crop := CoverCrop(src.Bounds(), b.Size())
	draw.ApproxBiLinear.Scale(s.img, b, src, crop, draw.Src, nil)
	s.drawWatermark()
	s.drawn = true

	return Mapping{
		Origin: crop.Min,
		ScaleX: float64(b.Dx()) / float64(max(crop.Dx(), 1)),
		ScaleY: float64(b.Dy()) / float64(max(crop.Dy(), 1)),
	}
}

func (s *Surface) drawWatermark() {
	if Watermark == "" {
		return
	}
	d := font.Drawer{
		Dst:  s.img,
		Src:  image.NewUniform(color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0x66}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 10+basicfont.Face7x13.Ascent),
	}
	d.DrawString(Watermark)
}

// SetDetections replaces the overlay detections, in surface coordinates.
func (s *Surface) SetDetections(dets []detect.Detection) {
	s.mu.Lock()
	s.dets = dets
	s.mu.Unlock()
}

// Detections returns the current overlay detections.
func (s *Surface) Detections() []detect.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]detect.Detection(nil), s.dets...)
}

// Clear blanks the surface and drops detections.
func (s *Surface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	draw.Draw(s.img, s.img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	s.drawn = false
	s.dets = nil
}

// Drawn reports whether anything has been rendered since the last Clear.
func (s *Surface) Drawn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drawn
}

// Snapshot JPEG-encodes the surface without overlays. Returns nil when blank.
func (s *Surface) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.drawn {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, s.img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Composite returns a copy of the surface with detection overlays drawn.
// Returns nil when blank.
func (s *Surface) Composite(landmarks bool) image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.drawn {
		return nil
	}
	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	detect.Draw(out, s.dets, landmarks)
	return out
}
