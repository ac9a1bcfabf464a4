package web

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"slices"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/camera"
	"github.com/teslashibe/go-facegrid/pkg/hub"
	"github.com/teslashibe/go-facegrid/pkg/media"
	"github.com/teslashibe/go-facegrid/pkg/settings"
)

// Image types accepted for pictures.
var allowedPictureTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// handleStatus returns the capture loop state
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.State())
}

// handleGrid returns the grid snapshot
func (s *Server) handleGrid(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Grid().Snapshot())
}

// handleSwitchSource switches between camera and picture
func (s *Server) handleSwitchSource(c *fiber.Ctx) error {
	kind, err := media.ParseKind(c.Params("kind"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err := s.ctrl.SwitchSource(s.ctx, kind); err != nil {
		var de *media.DeviceError
		if errors.As(err, &de) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":  de.Message(),
				"source": kind,
			})
		}
		return err
	}
	return c.JSON(fiber.Map{"source": kind})
}

// handlePicture loads an uploaded picture. Accepts a multipart "image"
// field or the raw image as the body.
func (s *Server) handlePicture(c *fiber.Ctx) error {
	data, err := pictureBody(c)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "no image provided")
	}
	if typ := http.DetectContentType(data); !slices.Contains(allowedPictureTypes, typ) {
		return fiber.NewError(fiber.StatusUnsupportedMediaType, "unsupported image type: "+typ)
	}

	if err := s.ctrl.LoadPicture(data); err != nil {
		if errors.Is(err, media.ErrPictureTooLarge) {
			return fiber.NewError(fiber.StatusRequestEntityTooLarge, err.Error())
		}
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(fiber.Map{"loaded": true, "bytes": len(data)})
}

func pictureBody(c *fiber.Ctx) ([]byte, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return c.Body(), nil
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleGetSettings returns the live search settings and their options
func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"settings": s.ctrl.Settings().Get(),
		"options": fiber.Map{
			"size":           settings.SizeOptions,
			"k":              settings.KOptions,
			"num_candidates": settings.NumCandidatesOptions,
			"sort":           settings.SortOptions,
		},
	})
}

// handlePatchSettings updates individual settings
func (s *Server) handlePatchSettings(c *fiber.Ctx) error {
	var params map[string]any
	if err := json.Unmarshal(c.Body(), &params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	if err := s.ctrl.Settings().Update(params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	log.Info("settings updated", "fields", len(params))
	return c.JSON(s.ctrl.Settings().Get())
}

// handleGetCamera returns the camera device configuration
func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	if s.cameras == nil {
		return fiber.NewError(fiber.StatusNotFound, "camera control not available")
	}
	return c.JSON(s.cameras.GetConfig())
}

// handlePatchCamera updates the camera device configuration
func (s *Server) handlePatchCamera(c *fiber.Ctx) error {
	if s.cameras == nil {
		return fiber.NewError(fiber.StatusNotFound, "camera control not available")
	}
	var params map[string]any
	if err := json.Unmarshal(c.Body(), &params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	if err := s.cameras.UpdateConfig(params); err != nil {
		var de *media.DeviceError
		if errors.As(err, &de) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": de.Message()})
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(s.cameras.GetConfig())
}

// handleCameraPresets lists the named camera modes
func (s *Server) handleCameraPresets(c *fiber.Ctx) error {
	return c.JSON(camera.Presets())
}

// handleCapture triggers a capture outside the cadence
func (s *Server) handleCapture(c *fiber.Ctx) error {
	if !s.capture.Allow() {
		log.Warn("manual capture rate limited", "ip", c.IP())
		return fiber.NewError(fiber.StatusTooManyRequests, "too many requests")
	}
	s.ctrl.CaptureNow()
	return c.JSON(s.ctrl.State().Capture)
}

// handlePreview returns the current source with overlays as JPEG
func (s *Server) handlePreview(c *fiber.Ctx) error {
	data, err := previewJPEG(s.ctrl.Preview())
	if err != nil {
		return err
	}
	if data == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(data)
}

// previewJPEG encodes img, or returns nil for a blank preview.
func previewJPEG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: media.JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// handleGridWS streams grid, hero and status changes. New clients first
// receive the full grid and state.
func (s *Server) handleGridWS(c *websocket.Conn) {
	var initial []hub.Message
	if m, err := hub.EncodeEnvelope("snapshot", s.ctrl.Grid().Snapshot()); err == nil {
		initial = append(initial, m)
	}
	if m, err := hub.EncodeEnvelope("state", s.ctrl.State()); err == nil {
		initial = append(initial, m)
	}

	client := hub.NewClient(s.hub, c, initial...)
	client.Run()
}
