package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/app"
	"github.com/teslashibe/go-facegrid/pkg/camera"
	"github.com/teslashibe/go-facegrid/pkg/capture"
	"github.com/teslashibe/go-facegrid/pkg/conn"
	"github.com/teslashibe/go-facegrid/pkg/detect"
	"github.com/teslashibe/go-facegrid/pkg/grid"
	"github.com/teslashibe/go-facegrid/pkg/hub"
	"github.com/teslashibe/go-facegrid/pkg/media"
	"github.com/teslashibe/go-facegrid/pkg/settings"
	"github.com/teslashibe/go-facegrid/pkg/stats"
	"github.com/teslashibe/go-facegrid/pkg/timer"
	"github.com/teslashibe/go-facegrid/pkg/web"
)

type runOptions struct {
	backoff bool
	quiet   bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the capture loop and the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Source, "source", cfg.Source, "Initial source: camera or picture")
	f.IntVar(&cfg.CameraDevice, "device", cfg.CameraDevice, "Camera device index")
	f.StringVar(&cfg.PicturePath, "picture", cfg.PicturePath, "Picture to load into the picture source")
	f.DurationVar(&cfg.CaptureInterval, "interval", cfg.CaptureInterval, "Capture interval")
	f.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Delay before reconnecting")
	f.StringVar(&cfg.DetectorModel, "model", cfg.DetectorModel, "YuNet ONNX model for the preview overlay (empty disables)")
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Dashboard listen address (empty disables)")
	f.Float64Var(&cfg.AspectRatio, "aspect", cfg.AspectRatio, "Grid viewport width/height ratio")
	f.IntVar(&cfg.GridTarget, "squares", cfg.GridTarget, "Target number of grid squares")
	f.BoolVar(&opts.backoff, "backoff", false, "Use exponential reconnect backoff instead of a fixed delay")
	f.BoolVar(&opts.quiet, "quiet", false, "Disable the terminal countdown")
	return cmd
}

func run(ctx context.Context, opts runOptions) error {
	clock := timer.Real()

	wsURL, err := cfg.WebSocketURL()
	if err != nil {
		return err
	}
	source, err := media.ParseKind(cfg.Source)
	if err != nil {
		return err
	}

	store := settings.NewStore()

	detector := newDetector()
	defer detector.Close()

	devCfg := camera.DefaultConfig()
	devCfg.Device = strconv.Itoa(cfg.CameraDevice)
	cameras := camera.NewManager(devCfg)

	gridHub := hub.New("grid")
	var view grid.View = grid.NopView{}
	if cfg.ListenAddr != "" {
		view = web.NewGridView(gridHub)
	}
	layout := grid.ComputeLayout(cfg.AspectRatio, cfg.GridTarget)
	g := grid.New(clock, layout, grid.DefaultTiming(), view)

	connCfg := conn.DefaultConfig(wsURL)
	connCfg.ReconnectDelay = cfg.ReconnectDelay
	if opts.backoff {
		connCfg.Policy = conn.ExponentialBackoff{Base: cfg.ReconnectDelay, Max: 30 * time.Second, Jitter: 0.2}
	}
	backend := conn.New(connCfg, clock)

	poller := stats.NewPoller(cfg.StatsURL(), clock, cfg.StatsInterval)

	var a *app.App
	cam := media.NewCamera(media.CameraOptions{
		Surface:       media.NewSurface(cfg.SurfaceHeight),
		Clock:         clock,
		Open:          camera.Open,
		Device:        cameras.GetConfig,
		Detector:      detector,
		ShowLandmarks: store.ShowFacialFeatures,
		OnStatus:      func(msg string) { a.SetStatus(msg) },
	})
	pic := media.NewPicture(media.PictureOptions{
		Surface:       media.NewSurface(cfg.SurfaceHeight),
		Clock:         clock,
		Detector:      detector,
		ShowLandmarks: store.ShowFacialFeatures,
	})
	if cfg.PicturePath != "" {
		data, err := os.ReadFile(cfg.PicturePath)
		if err != nil {
			return fmt.Errorf("read picture: %w", err)
		}
		if err := pic.Load(data); err != nil {
			return err
		}
	}

	a = app.New(app.Options{
		Settings: store,
		Conn:     backend,
		Grid:     g,
		Camera:   cam,
		Picture:  pic,
		Stats:    poller,
		Clock:    clock,
		Capture:  capture.Config{Interval: cfg.CaptureInterval},
		Initial:  source,
	})
	defer a.Close()

	cameras.OnConfigChange = func(camera.Config) error {
		return a.Reactivate(ctx, media.KindCamera)
	}
	a.OnDeviceError = func(de *media.DeviceError) {
		fmt.Fprintf(os.Stderr, "❌ %s\n", de.Message())
	}

	term := newTerminal(!opts.quiet)
	a.Subscribe(term.handle)

	if cfg.ListenAddr != "" {
		srv := web.NewServer(web.Options{
			Addr:       cfg.ListenAddr,
			Controller: a,
			Hub:        gridHub,
			Cameras:    cameras,
			Context:    ctx,
		})
		a.Subscribe(srv.PublishEvent)
		srv.StartAsync(ctx)
	}

	fmt.Printf("🔲 Grid %s (%d squares), capturing every %v\n", layout, layout.Capacity(), cfg.CaptureInterval)
	fmt.Printf("🔌 Backend %s\n", wsURL)
	if cfg.ListenAddr != "" {
		fmt.Printf("🌐 Dashboard http://%s\n", cfg.ListenAddr)
	}

	if err := a.Start(ctx); err != nil {
		var de *media.DeviceError
		if !errors.As(err, &de) {
			return err
		}
		// already reported; the user can switch source from the dashboard
	}

	term.countdown(ctx, a.Scheduler())
	<-ctx.Done()
	fmt.Println("\n👋 Shutting down")
	return nil
}

func newDetector() detect.Detector {
	if cfg.DetectorModel == "" {
		return detect.Nop{}
	}
	dc := detect.DefaultConfig()
	dc.ModelPath = cfg.DetectorModel
	d, err := detect.NewYuNet(dc)
	if err != nil {
		log.Warn("face overlay disabled", "model", cfg.DetectorModel, "error", err)
		return detect.Nop{}
	}
	return d
}

// terminal prints hero and status changes and draws the capture countdown.
type terminal struct {
	bar *progressbar.ProgressBar
}

func newTerminal(showBar bool) *terminal {
	t := &terminal{}
	if showBar {
		t.bar = progressbar.NewOptions(100,
			progressbar.OptionSetDescription("⏱  next capture"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	}
	return t
}

func (t *terminal) handle(ev app.Event) {
	switch ev.Type {
	case app.EventHero:
		if ev.Hero == nil || ev.Hero.Loading {
			return
		}
		t.println("👤 " + strings.Join(ev.Hero.Lines(), " | "))
	case app.EventStatus:
		log.Info("status", "message", ev.Status)
	case app.EventDeviceError:
		log.Warn("device error", "source", ev.Source, "message", ev.Error)
	}
}

func (t *terminal) println(s string) {
	if t.bar != nil {
		t.bar.Clear()
	}
	fmt.Println(s)
}

// countdown redraws the bar from the scheduler progress until ctx is done.
func (t *terminal) countdown(ctx context.Context, s *capture.Scheduler) {
	if t.bar == nil {
		return
	}
	go func() {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				t.bar.Finish()
				return
			case <-tick.C:
				t.bar.Set(int(s.Progress() * 100))
			}
		}
	}()
}
