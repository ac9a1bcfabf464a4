// Package app wires the capture loop together: the active media source
// feeds the capture scheduler, frames go to the backend connection, and
// analysis results drive the result grid and the hero info box.
package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/capture"
	"github.com/teslashibe/go-facegrid/pkg/conn"
	"github.com/teslashibe/go-facegrid/pkg/grid"
	"github.com/teslashibe/go-facegrid/pkg/media"
	"github.com/teslashibe/go-facegrid/pkg/protocol"
	"github.com/teslashibe/go-facegrid/pkg/settings"
	"github.com/teslashibe/go-facegrid/pkg/stats"
	"github.com/teslashibe/go-facegrid/pkg/timer"
)

// StatusCameraFailed is shown when the camera cannot start.
const StatusCameraFailed = "Camera access failed"

// Connection is the duplex link to the recognition backend.
type Connection interface {
	Connect(ctx context.Context) error
	Send(v any) error
	IsOpen() bool
	State() conn.State
	Stats() conn.Stats
	OnMessage(fn func(*protocol.Inbound))
	OnStatus(fn func(conn.Status))
	OnConnected(fn func())
	Close() error
}

// Picture is a source that accepts still images.
type Picture interface {
	media.Source
	Load(data []byte) error
}

// Options are the collaborators of an App.
type Options struct {
	Settings *settings.Store
	Conn     Connection
	Grid     *grid.Grid
	Camera   media.Source
	Picture  Picture
	Stats    *stats.Poller // optional
	Clock    timer.Clock
	Capture  capture.Config
	Initial  media.Kind
}

// EventType names an App event.
type EventType string

const (
	EventStatus      EventType = "status"
	EventHero        EventType = "hero"
	EventSource      EventType = "source"
	EventCapture     EventType = "capture"
	EventDeviceError EventType = "device_error"
)

// Event is published to subscribers. Only the fields for Type are set.
type Event struct {
	Type   EventType  `json:"type"`
	At     time.Time  `json:"at"`
	Status string     `json:"status,omitempty"`
	Hero   *Hero      `json:"hero,omitempty"`
	Source media.Kind `json:"source,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// State is a read-only view of the app for dashboards.
type State struct {
	Source      media.Kind    `json:"source"`
	SourceState string        `json:"source_state"`
	Status      string        `json:"status"`
	Connection  string        `json:"connection"`
	Hero        Hero          `json:"hero"`
	Progress    float64       `json:"progress"`
	NextCapture time.Time     `json:"next_capture"`
	RoundTrip   time.Duration `json:"round_trip"`
	DeviceError string        `json:"device_error,omitempty"`
	Capture     capture.Stats `json:"capture"`
	Conn        conn.Stats    `json:"conn"`
}

// App is the orchestrator.
type App struct {
	settings *settings.Store
	conn     Connection
	grid     *grid.Grid
	stats    *stats.Poller
	clock    timer.Clock
	sources  map[media.Kind]media.Source
	picture  Picture
	sched    *capture.Scheduler

	// OnDeviceError is called when a source fails to activate.
	OnDeviceError func(*media.DeviceError)

	switchMu sync.Mutex // serializes source switches

	mu        sync.RWMutex
	current   media.Kind
	status    string
	hero      Hero
	sentAt    time.Time
	deviceErr *media.DeviceError
	subs      []func(Event)
	started   bool
}

// New creates an App. Settings, Conn, Grid, Camera and Picture are required.
func New(o Options) *App {
	if o.Settings == nil || o.Conn == nil || o.Grid == nil || o.Camera == nil || o.Picture == nil {
		panic("app: settings, conn, grid, camera and picture are required")
	}
	if o.Clock == nil {
		o.Clock = timer.Real()
	}
	if o.Initial == "" {
		o.Initial = media.KindCamera
	}
	a := &App{
		settings: o.Settings,
		conn:     o.Conn,
		grid:     o.Grid,
		stats:    o.Stats,
		clock:    o.Clock,
		picture:  o.Picture,
		sources: map[media.Kind]media.Source{
			media.KindCamera:  o.Camera,
			media.KindPicture: o.Picture,
		},
		current: o.Initial,
		hero:    Hero{Loading: true},
	}
	a.sched = capture.New(o.Clock, o.Capture, a.captureFrame)
	a.sched.OnError = func(err error) {
		log.Debug("capture tick failed", "error", err)
	}
	return a
}

// Subscribe registers fn for every event. Register before Start.
func (a *App) Subscribe(fn func(Event)) {
	a.mu.Lock()
	a.subs = append(a.subs, fn)
	a.mu.Unlock()
}

// Start connects to the backend, activates the initial source and starts
// capturing. A device error is reported and returned, but the loop keeps
// running so the user can switch source or retry.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	a.conn.OnMessage(a.handleMessage)
	a.conn.OnStatus(func(s conn.Status) { a.SetStatus(s.Message) })
	a.conn.OnConnected(func() { a.currentSource().OnConnectionEstablished() })

	a.settings.OnChange(func(s settings.Settings) {
		a.grid.SetSortOrder(s.Sort)
		a.grid.SortAndRedisplay()
	})
	a.grid.SetSortOrder(a.settings.SortOrder())

	if a.stats != nil {
		a.stats.Start(ctx)
	}
	if err := a.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	a.switchMu.Lock()
	src := a.currentSource()
	src.Reveal()
	err := a.activate(ctx, src)
	a.sched.Start()
	a.switchMu.Unlock()

	log.Info("capture loop started", "source", src.Kind(), "interval", a.sched.Interval())
	return err
}

// Close stops capturing and releases every resource.
func (a *App) Close() error {
	a.switchMu.Lock()
	defer a.switchMu.Unlock()

	err := a.conn.Close()
	a.sched.Stop()
	for _, src := range a.sources {
		src.Deactivate()
	}
	if a.stats != nil {
		a.stats.Stop()
	}
	a.grid.Close()
	return err
}

// SwitchSource makes kind the active source. The old source is fully
// stopped before the new one starts.
func (a *App) SwitchSource(ctx context.Context, kind media.Kind) error {
	next, ok := a.sources[kind]
	if !ok {
		return fmt.Errorf("unknown source %q", kind)
	}

	a.switchMu.Lock()
	defer a.switchMu.Unlock()

	prev := a.currentSource()
	if prev == next && next.State() == media.Active {
		return nil
	}

	a.sched.Stop()
	if prev != next {
		prev.Deactivate()
		prev.Conceal()
	}

	a.mu.Lock()
	a.current = kind
	a.deviceErr = nil
	a.mu.Unlock()

	next.Reveal()
	if kind == media.KindPicture {
		a.grid.Clear()
		a.setHero(Hero{Loading: true})
	}
	a.publish(Event{Type: EventSource, Source: kind})

	err := a.activate(ctx, next)
	a.sched.Start()

	log.Info("source switched", "from", prev.Kind(), "to", kind)
	return err
}

// Reactivate restarts the current source, for example after the camera
// device configuration changed. Only kind is affected; another active
// source is left alone.
func (a *App) Reactivate(ctx context.Context, kind media.Kind) error {
	a.switchMu.Lock()
	defer a.switchMu.Unlock()

	src := a.currentSource()
	if src.Kind() != kind {
		return nil
	}

	a.sched.Stop()
	src.Deactivate()
	a.mu.Lock()
	a.deviceErr = nil
	a.mu.Unlock()

	err := a.activate(ctx, src)
	a.sched.Start()
	return err
}

// LoadPicture decodes data into the picture source. If the picture source
// is active the new image is captured right away.
func (a *App) LoadPicture(data []byte) error {
	if err := a.picture.Load(data); err != nil {
		return err
	}
	if a.Source() == media.KindPicture {
		a.switchMu.Lock()
		a.sched.Restart()
		a.switchMu.Unlock()
	}
	return nil
}

// CaptureNow sends a frame immediately without changing the cadence.
func (a *App) CaptureNow() {
	a.sched.CaptureNow()
}

func (a *App) activate(ctx context.Context, src media.Source) error {
	err := src.Activate(ctx)
	if err == nil {
		if a.conn.IsOpen() {
			src.OnConnectionEstablished()
		}
		return nil
	}

	var de *media.DeviceError
	if !errors.As(err, &de) {
		de = &media.DeviceError{Source: src.Kind(), Reason: media.ErrDeviceBusy, Err: err}
	}
	a.mu.Lock()
	a.deviceErr = de
	a.mu.Unlock()

	log.Warn("source failed to start", "source", src.Kind(), "error", err)
	a.SetStatus(StatusCameraFailed)
	a.publish(Event{Type: EventDeviceError, Source: src.Kind(), Error: de.Message()})
	if a.OnDeviceError != nil {
		a.OnDeviceError(de)
	}
	return de
}

// captureFrame is the scheduler action.
func (a *App) captureFrame() error {
	src := a.currentSource()
	f := src.CaptureFrame()
	if f == nil {
		return capture.ErrSkip
	}

	msg := protocol.NewFrameMessage(f.Timestamp, f.MIME, f.Data, a.settings.Snapshot())
	if err := a.conn.Send(msg); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}

	now := a.clock.Now()
	a.mu.Lock()
	a.sentAt = now
	a.mu.Unlock()

	log.Debug("frame sent", "source", src.Kind(), "bytes", len(f.Data))
	a.publish(Event{Type: EventCapture, Source: src.Kind()})
	return nil
}

func (a *App) handleMessage(msg *protocol.Inbound) {
	src := a.currentSource()

	a.mu.RLock()
	sentAt := a.sentAt
	a.mu.RUnlock()
	if !sentAt.IsZero() {
		a.sched.RecordRoundTrip(a.clock.Now().Sub(sentAt))
	}

	switch msg.Type {
	case protocol.TypeAnalysis:
		src.SetFaceResults(msg.FaceAnalysis)
		a.grid.Apply(msg.MatchingFaces)
		a.grid.ShowBest(protocol.Best(msg.MatchingFaces))

		var report *stats.Report
		if a.stats != nil {
			report = a.stats.Latest()
		}
		h := BuildHero(msg.MatchingFaces, msg.TimingStats, report, a.settings.Snapshot().Selected(), a.clock.Now())
		a.setHero(h)

		if msg.TimingStats != nil {
			log.Debug("processing timing",
				"face_analysis_ms", msg.TimingStats.FaceAnalysisMs,
				"search_ms", msg.TimingStats.SearchMs(),
				"total_ms", msg.TimingStats.TotalProcessingMs)
		}

	case protocol.TypeNotFound:
		src.SetFaceResults(nil)
		a.grid.Apply(nil)
		a.grid.ShowBest(nil)
		a.setHero(Hero{Loading: true, UpdatedAt: a.clock.Now()})
	}
}

// SetStatus replaces the status line.
func (a *App) SetStatus(msg string) {
	a.mu.Lock()
	a.status = msg
	a.mu.Unlock()
	a.publish(Event{Type: EventStatus, Status: msg})
}

func (a *App) setHero(h Hero) {
	a.mu.Lock()
	a.hero = h
	a.mu.Unlock()
	a.publish(Event{Type: EventHero, Hero: &h})
}

func (a *App) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = a.clock.Now()
	}
	a.mu.RLock()
	subs := a.subs
	a.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (a *App) currentSource() media.Source {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sources[a.current]
}

// Source returns the kind of the current source.
func (a *App) Source() media.Kind {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Preview returns the current source surface with overlays.
func (a *App) Preview() image.Image {
	return a.currentSource().Preview()
}

// Grid returns the result grid.
func (a *App) Grid() *grid.Grid { return a.grid }

// Settings returns the settings store.
func (a *App) Settings() *settings.Store { return a.settings }

// Scheduler returns the capture scheduler.
func (a *App) Scheduler() *capture.Scheduler { return a.sched }

// Hero returns the current info box.
func (a *App) Hero() Hero {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hero
}

// Status returns the status line.
func (a *App) Status() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// State returns a snapshot for dashboards.
func (a *App) State() State {
	src := a.currentSource()
	a.mu.RLock()
	st := State{
		Source:      a.current,
		SourceState: src.State().String(),
		Status:      a.status,
		Hero:        a.hero,
	}
	if a.deviceErr != nil {
		st.DeviceError = a.deviceErr.Message()
	}
	a.mu.RUnlock()

	st.Connection = a.conn.State().String()
	st.Conn = a.conn.Stats()
	st.Progress = a.sched.Progress()
	st.NextCapture = a.sched.NextAt()
	st.RoundTrip = a.sched.LastRoundTrip()
	st.Capture = a.sched.Stats()
	return st
}
