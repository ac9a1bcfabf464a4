package detect

import (
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/teslashibe/go-facegrid/internal/log"
	"gocv.io/x/gocv"
)

// YuNet uses OpenCV's FaceDetectorYN for face detection
type YuNet struct {
	detector gocv.FaceDetectorYN
	config   Config
	mu       sync.Mutex // Protects inference
	closed   bool
}

// NewYuNet creates a new YuNet face detector using GoCV's built-in FaceDetectorYN
func NewYuNet(cfg Config) (*YuNet, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	// Input size is updated per image
	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ConfidenceThresh),
		float32(cfg.NMSThresh),
		cfg.TopK,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)

	return &YuNet{
		detector: detector,
		config:   cfg,
	}, nil
}

// Detect finds faces in img.
func (d *YuNet) Detect(img image.Image) []Detection {
	if img == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		log.Debug("yunet: convert image", "error", err)
		return nil
	}
	defer mat.Close()

	if mat.Empty() {
		return nil
	}

	gocv.CvtColor(mat, &mat, gocv.ColorRGBToBGR)

	d.detector.SetInputSize(image.Pt(mat.Cols(), mat.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()

	d.detector.Detect(mat, &faces)

	var detections []Detection
	for r := 0; r < faces.Rows(); r++ {
		// YuNet output format (15 columns):
		// 0-3: x, y, w, h (bounding box in pixels)
		// 4-13: 5 facial landmarks (x,y pairs)
		// 14: face score
		x := int(faces.GetFloatAt(r, 0))
		y := int(faces.GetFloatAt(r, 1))
		w := int(faces.GetFloatAt(r, 2))
		h := int(faces.GetFloatAt(r, 3))

		landmarks := make([]image.Point, 0, 5)
		for c := 4; c < 14; c += 2 {
			landmarks = append(landmarks, image.Pt(
				int(faces.GetFloatAt(r, c)),
				int(faces.GetFloatAt(r, c+1)),
			))
		}

		detections = append(detections, Detection{
			Box:        image.Rect(x, y, x+w, y+h),
			Landmarks:  landmarks,
			Confidence: float64(faces.GetFloatAt(r, 14)),
		})
	}

	if len(detections) > 0 {
		log.Debug("yunet found faces", "count", len(detections))
	}

	return detections
}

// Close releases the detector resources
func (d *YuNet) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.detector.Close()
	return nil
}
