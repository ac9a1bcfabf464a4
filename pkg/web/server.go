// Package web serves the facegrid dashboard: REST controls for the capture
// loop and a websocket feed of grid, hero and status changes.
package web

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/app"
	"github.com/teslashibe/go-facegrid/pkg/camera"
	"github.com/teslashibe/go-facegrid/pkg/grid"
	"github.com/teslashibe/go-facegrid/pkg/hub"
	"github.com/teslashibe/go-facegrid/pkg/media"
	"github.com/teslashibe/go-facegrid/pkg/settings"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Defaults for Options.
const (
	DefaultCaptureEvery = 2 * time.Second
	DefaultMaxUpload    = 10 << 20
	DefaultPreviewEvery = 500 * time.Millisecond
)

// Controller is the part of the orchestrator the dashboard drives.
type Controller interface {
	State() app.State
	Grid() *grid.Grid
	Settings() *settings.Store
	SwitchSource(ctx context.Context, kind media.Kind) error
	LoadPicture(data []byte) error
	CaptureNow()
	Preview() image.Image
}

// Options configures the dashboard server.
type Options struct {
	Addr       string
	Controller Controller
	Hub        *hub.Hub
	Cameras    *camera.Manager // optional

	// Manual captures allowed: one per CaptureEvery, bursts of CaptureBurst.
	CaptureEvery time.Duration
	CaptureBurst int
	MaxUpload    int

	// PreviewEvery paces binary preview frames on /ws/grid. Negative disables.
	PreviewEvery time.Duration

	// Context bounds source activations triggered from requests.
	Context context.Context
}

// Server is the web dashboard server
type Server struct {
	app     *fiber.App
	addr    string
	ctrl    Controller
	hub     *hub.Hub
	cameras *camera.Manager
	capture *rate.Limiter
	preview time.Duration

	ctx context.Context
}

// NewServer creates a new web dashboard server
func NewServer(o Options) *Server {
	if o.Controller == nil || o.Hub == nil {
		panic("web: controller and hub are required")
	}
	if o.CaptureEvery <= 0 {
		o.CaptureEvery = DefaultCaptureEvery
	}
	if o.CaptureBurst <= 0 {
		o.CaptureBurst = 1
	}
	if o.MaxUpload <= 0 {
		o.MaxUpload = DefaultMaxUpload
	}
	if o.PreviewEvery == 0 {
		o.PreviewEvery = DefaultPreviewEvery
	}
	if o.Context == nil {
		o.Context = context.Background()
	}

	s := &Server{
		addr:    o.Addr,
		ctrl:    o.Controller,
		hub:     o.Hub,
		cameras: o.Cameras,
		capture: rate.NewLimiter(rate.Every(o.CaptureEvery), o.CaptureBurst),
		preview: o.PreviewEvery,
		ctx:     o.Context,
	}

	fapp := fiber.New(fiber.Config{
		AppName:               "facegrid",
		DisableStartupMessage: true,
		BodyLimit:             o.MaxUpload + 64<<10,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          errorHandler,
	})

	// CORS for local development
	fapp.Use(cors.New())

	// API routes
	api := fapp.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/grid", s.handleGrid)
	api.Post("/source/:kind", s.handleSwitchSource)
	api.Post("/picture", s.handlePicture)
	api.Get("/settings", s.handleGetSettings)
	api.Patch("/settings", s.handlePatchSettings)
	api.Get("/camera", s.handleGetCamera)
	api.Patch("/camera", s.handlePatchCamera)
	api.Get("/camera/presets", s.handleCameraPresets)
	api.Post("/capture", s.handleCapture)
	api.Get("/preview.jpg", s.handlePreview)

	// WebSocket upgrade middleware
	fapp.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	fapp.Get("/ws/grid", websocket.New(s.handleGridWS))

	s.app = fapp
	return s
}

// App returns the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start runs the hub and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	if s.preview > 0 {
		go s.pushPreviews(ctx)
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("web dashboard listening", "url", "http://"+s.addr)
		errc <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// StartAsync starts the web server in a goroutine
func (s *Server) StartAsync(ctx context.Context) {
	go func() {
		if err := s.Start(ctx); err != nil {
			log.Error("web server error", "error", err)
		}
	}()
}

// Shutdown gracefully stops the web server
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

func (s *Server) pushPreviews(ctx context.Context) {
	t := time.NewTicker(s.preview)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.PushPreview()
		}
	}
}

// PushPreview broadcasts the current preview as a binary JPEG message.
// It reports false when no client is connected or there is nothing to show.
func (s *Server) PushPreview() bool {
	if s.hub.ClientCount() == 0 {
		return false
	}
	data, err := previewJPEG(s.ctrl.Preview())
	if err != nil {
		log.Warn("encode preview", "error", err)
		return false
	}
	if data == nil {
		return false
	}
	s.hub.BroadcastBinary(data)
	return true
}

// PublishEvent forwards an orchestrator event to dashboard clients.
func (s *Server) PublishEvent(ev app.Event) {
	if err := s.hub.Publish(string(ev.Type), ev); err != nil {
		log.Warn("publish event", "type", ev.Type, "error", err)
	}
}

// errorHandler renders every error as {"error": "..."}.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// GridView publishes grid changes to a hub.
type GridView struct {
	hub *hub.Hub
}

// NewGridView returns a grid.View backed by h.
func NewGridView(h *hub.Hub) *GridView {
	return &GridView{hub: h}
}

func (v *GridView) CellChanged(c grid.Cell) {
	v.hub.Publish("cell", c)
}

func (v *GridView) BestChanged(s *grid.Slot) {
	v.hub.Publish("best", s)
}

func (v *GridView) LayoutChanged(l grid.Layout) {
	v.hub.Publish("layout", l)
}
