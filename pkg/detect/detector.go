// Package detect provides face detection for the capture preview.
package detect

import (
	"image"
)

// Detection represents a detected face in pixel coordinates of the
// image it was found in.
type Detection struct {
	Box        image.Rectangle
	Landmarks  []image.Point // 5 points from YuNet, 68 from mesh models
	Confidence float64
}

// Map transforms d from source coordinates into a target surface:
// the crop origin is subtracted, then both axes are scaled.
func (d Detection) Map(origin image.Point, sx, sy float64) Detection {
	mp := func(p image.Point) image.Point {
		return image.Pt(
			int(float64(p.X-origin.X)*sx),
			int(float64(p.Y-origin.Y)*sy),
		)
	}
	out := Detection{
		Box:        image.Rectangle{Min: mp(d.Box.Min), Max: mp(d.Box.Max)},
		Confidence: d.Confidence,
	}
	if len(d.Landmarks) > 0 {
		out.Landmarks = make([]image.Point, len(d.Landmarks))
		for i, p := range d.Landmarks {
			out.Landmarks[i] = mp(p)
		}
	}
	return out
}

// Detector is the interface for face detection backends.
// Detect returns nil on any internal failure and before the model is loaded.
type Detector interface {
	Detect(img image.Image) []Detection

	// Close releases resources
	Close() error
}

// Config holds detector configuration
type Config struct {
	ModelPath        string  // Path to ONNX model
	ConfidenceThresh float64 // Minimum confidence (default 0.5)
	NMSThresh        float64
	TopK             int
	InputWidth       int // Initial model input width
	InputHeight      int // Initial model input height
}

// DefaultConfig returns production defaults for YuNet
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/face_detection_yunet.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.3,
		TopK:             5000,
		InputWidth:       320,
		InputHeight:      320,
	}
}

// Nop never finds anything. Used when no model is available.
type Nop struct{}

func (Nop) Detect(image.Image) []Detection { return nil }

func (Nop) Close() error { return nil }
