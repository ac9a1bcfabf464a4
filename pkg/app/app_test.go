package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-facegrid/pkg/camera"
	"github.com/teslashibe/go-facegrid/pkg/capture"
	"github.com/teslashibe/go-facegrid/pkg/conn"
	"github.com/teslashibe/go-facegrid/pkg/grid"
	"github.com/teslashibe/go-facegrid/pkg/media"
	"github.com/teslashibe/go-facegrid/pkg/protocol"
	"github.com/teslashibe/go-facegrid/pkg/settings"
	"github.com/teslashibe/go-facegrid/pkg/stats"
	"github.com/teslashibe/go-facegrid/pkg/timer"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeConn struct {
	mu          sync.Mutex
	open        bool
	sent        []*protocol.FrameMessage
	onMsg       func(*protocol.Inbound)
	onStatus    func(conn.Status)
	onConnected func()
	closed      bool

	// hold makes the next Send signal on held and wait for release.
	hold    bool
	held    chan struct{}
	release chan struct{}
}

func (c *fakeConn) Connect(context.Context) error { return nil }

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	if c.hold {
		c.hold = false
		held, release := c.held, c.release
		c.mu.Unlock()
		close(held)
		<-release
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	if !c.open {
		return conn.ErrNotReady
	}
	c.sent = append(c.sent, v.(*protocol.FrameMessage))
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) State() conn.State {
	if c.IsOpen() {
		return conn.Open
	}
	return conn.Connecting
}

func (c *fakeConn) Stats() conn.Stats { return conn.Stats{} }

func (c *fakeConn) OnMessage(fn func(*protocol.Inbound)) { c.onMsg = fn }

func (c *fakeConn) OnStatus(fn func(conn.Status)) { c.onStatus = fn }

func (c *fakeConn) OnConnected(fn func()) { c.onConnected = fn }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) frames() []*protocol.FrameMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.FrameMessage(nil), c.sent...)
}

func (c *fakeConn) holdNextSend() (held, release chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = true
	c.held = make(chan struct{})
	c.release = make(chan struct{})
	return c.held, c.release
}

type fakeDevice struct {
	mu     sync.Mutex
	closed int
}

func (d *fakeDevice) closedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDevice) Read() (image.Image, error) {
	return solid(160, 120, color.RGBA{R: 200, A: 255}), nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed++
	d.mu.Unlock()
	return nil
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

type fixture struct {
	app   *App
	clock *timer.Fake
	conn  *fakeConn
	dev   *fakeDevice
	store *settings.Store

	openMu  sync.Mutex
	openErr error

	events []Event
}

func (f *fixture) setOpenErr(err error) {
	f.openMu.Lock()
	f.openErr = err
	f.openMu.Unlock()
}

func newFixture(t *testing.T, open bool) *fixture {
	t.Helper()
	f := &fixture{
		clock: timer.NewFake(epoch),
		conn:  &fakeConn{open: open},
		dev:   &fakeDevice{},
		store: settings.NewStore(),
	}

	camCfg := media.DefaultCameraConfig()
	camCfg.WarmupTimeout = 200 * time.Millisecond
	camCfg.WarmupPoll = time.Millisecond

	cam := media.NewCamera(media.CameraOptions{
		Surface: media.NewSurface(100),
		Clock:   f.clock,
		Open: func(camera.Config) (camera.Device, error) {
			f.openMu.Lock()
			defer f.openMu.Unlock()
			if f.openErr != nil {
				return nil, f.openErr
			}
			return f.dev, nil
		},
		Config:   camCfg,
		OnStatus: func(msg string) { f.app.SetStatus(msg) },
	})
	pic := media.NewPicture(media.PictureOptions{Surface: media.NewSurface(100), Clock: f.clock})

	f.app = New(Options{
		Settings: f.store,
		Conn:     f.conn,
		Grid:     grid.New(f.clock, grid.Layout{Rows: 2, Cols: 3}, grid.DefaultTiming(), nil),
		Camera:   cam,
		Picture:  pic,
		Clock:    f.clock,
		Capture:  capture.Config{Interval: 10 * time.Second},
	})
	f.app.Subscribe(func(ev Event) { f.events = append(f.events, ev) })
	t.Cleanup(func() { f.app.Close() })
	return f
}

func (f *fixture) count(t EventType) int {
	n := 0
	for _, ev := range f.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func matches() []protocol.Match {
	m := func(name string, score float64) protocol.Match {
		return protocol.Match{Score: score, Metadata: protocol.MatchMetadata{Name: name, ImagePath: name + ".jpg"}, Index: "faces-bbq_hnsw-10.15"}
	}
	return []protocol.Match{m("carol", 0.61), m("bob", 0.85), m("alice", 0.72)}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(40, 60, color.RGBA{B: 255, A: 255})); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStartCapturesImmediatelyAndOnInterval(t *testing.T) {
	f := newFixture(t, true)
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sent := f.conn.frames()
	if len(sent) != 1 {
		t.Fatalf("frames after Start = %d, want 1", len(sent))
	}
	if sent[0].Type != protocol.TypeFrame || !strings.HasPrefix(sent[0].Image, "data:image/jpeg;base64,") {
		t.Errorf("frame = %+v", sent[0].Type)
	}

	f.clock.Advance(20 * time.Second)
	if got := len(f.conn.frames()); got != 3 {
		t.Errorf("frames after 20s = %d, want 3", got)
	}
	if f.count(EventCapture) != 3 {
		t.Errorf("capture events = %d", f.count(EventCapture))
	}
	var first string
	for _, ev := range f.events {
		if ev.Type == EventStatus {
			first = ev.Status
			break
		}
	}
	if first != media.StatusMessages[0] {
		t.Errorf("first status = %q, want camera greeting", first)
	}
}

func TestFramesCarryCaptureTimeSettings(t *testing.T) {
	f := newFixture(t, true)
	f.app.Start(context.Background())

	if err := f.store.Update(map[string]any{"size": 20.0}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(10 * time.Second)

	sent := f.conn.frames()
	if len(sent) != 2 {
		t.Fatalf("frames = %d", len(sent))
	}
	if sent[0].Settings.Size != 50 || sent[1].Settings.Size != 20 {
		t.Errorf("sizes = %d, %d", sent[0].Settings.Size, sent[1].Settings.Size)
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	f := newFixture(t, false)
	f.app.Start(context.Background())
	f.clock.Advance(10 * time.Second)

	if got := len(f.conn.frames()); got != 0 {
		t.Errorf("frames = %d, want none buffered", got)
	}
	st := f.app.Scheduler().Stats()
	if st.Failed != 2 || st.Sent != 0 {
		t.Errorf("scheduler stats = %+v", st)
	}
	if !f.app.Scheduler().Running() {
		t.Error("loop stopped after failed sends")
	}
}

func TestAnalysisUpdatesGridAndHero(t *testing.T) {
	f := newFixture(t, true)
	f.app.Start(context.Background())

	f.clock.Advance(1500 * time.Millisecond)
	f.conn.onMsg(&protocol.Inbound{
		Type:          protocol.TypeAnalysis,
		FaceAnalysis:  []byte(`{"success":true,"face_count":1}`),
		MatchingFaces: matches(),
		TimingStats:   &protocol.TimingStats{FaceAnalysisMs: 12.5, ElasticsearchMs: 7, TotalProcessingMs: 30},
	})
	f.clock.Advance(2 * time.Second)

	s := f.app.Grid().Snapshot()
	if s.Occupied != 3 || s.Best == nil || s.Best.Match.Metadata.Name != "bob" {
		t.Fatalf("grid = occupied %d best %+v", s.Occupied, s.Best)
	}
	h := f.app.Hero()
	if h.Greeting != "Hi, bob!" || h.SearchMs != 7 || h.FaceAnalysisMs != 12.5 {
		t.Errorf("hero = %+v", h)
	}
	if rtt := f.app.Scheduler().LastRoundTrip(); rtt != 1500*time.Millisecond {
		t.Errorf("round trip = %v", rtt)
	}
	if f.count(EventHero) != 1 {
		t.Errorf("hero events = %d", f.count(EventHero))
	}
}

func TestNotFoundEvictsAndClearsHero(t *testing.T) {
	f := newFixture(t, true)
	f.app.Start(context.Background())
	batch := append(matches(), matches()...)
	batch = append(batch, matches()[:2]...)
	f.conn.onMsg(&protocol.Inbound{Type: protocol.TypeAnalysis, MatchingFaces: batch})
	f.clock.Advance(2 * time.Second)

	// 8 matches on 6 cells: cursor at 8 mod 6
	f.conn.onMsg(&protocol.Inbound{Type: protocol.TypeNotFound})
	f.clock.Advance(2 * time.Second)

	s := f.app.Grid().Snapshot()
	if s.Occupied != 5 || s.Cells[2].Occupant != nil {
		t.Errorf("Occupied = %d, want cell 2 evicted", s.Occupied)
	}
	if s.Best != nil || !f.app.Hero().Loading {
		t.Errorf("best = %+v hero = %+v", s.Best, f.app.Hero())
	}
}

func TestSwitchToPicture(t *testing.T) {
	f := newFixture(t, true)
	f.app.Start(context.Background())
	f.conn.onMsg(&protocol.Inbound{Type: protocol.TypeAnalysis, MatchingFaces: matches()})
	f.clock.Advance(2 * time.Second)

	if err := f.app.SwitchSource(context.Background(), media.KindPicture); err != nil {
		t.Fatalf("SwitchSource() error = %v", err)
	}
	if f.dev.closed != 1 {
		t.Errorf("camera closed %d times", f.dev.closed)
	}
	if f.app.Source() != media.KindPicture {
		t.Errorf("Source() = %v", f.app.Source())
	}
	if f.app.Grid().Snapshot().Occupied != 0 {
		t.Error("grid not cleared on picture reveal")
	}

	// no picture yet: the tick is skipped
	before := len(f.conn.frames())
	f.clock.Advance(10 * time.Second)
	if got := len(f.conn.frames()); got != before {
		t.Errorf("frames sent without a picture: %d", got-before)
	}

	if err := f.app.LoadPicture(pngBytes(t)); err != nil {
		t.Fatalf("LoadPicture() error = %v", err)
	}
	if got := len(f.conn.frames()); got != before+1 {
		t.Errorf("LoadPicture should capture at once, frames = %d", got-before)
	}

	if err := f.app.LoadPicture([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}

	// switching to the current source is a no-op
	if err := f.app.SwitchSource(context.Background(), media.KindPicture); err != nil {
		t.Errorf("SwitchSource(same) error = %v", err)
	}
	if err := f.app.SwitchSource(context.Background(), media.Kind("radio")); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestSwitchWaitsForInFlightCapture(t *testing.T) {
	f := newFixture(t, true)
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	held, release := f.conn.holdNextSend()

	ticked := make(chan struct{})
	go func() {
		f.clock.Advance(10 * time.Second)
		close(ticked)
	}()
	<-held

	switched := make(chan error, 1)
	go func() { switched <- f.app.SwitchSource(context.Background(), media.KindPicture) }()

	select {
	case err := <-switched:
		t.Fatalf("SwitchSource returned during a camera send: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := f.dev.closedCount(); n != 0 {
		t.Fatalf("camera released while its frame was being sent (closed=%d)", n)
	}

	close(release)
	if err := <-switched; err != nil {
		t.Fatalf("SwitchSource() error = %v", err)
	}
	<-ticked

	if n := f.dev.closedCount(); n != 1 {
		t.Errorf("camera closed %d times", n)
	}
	if got := len(f.conn.frames()); got != 2 {
		t.Errorf("frames sent = %d, want 2", got)
	}

	// no picture loaded, so nothing further is sent
	f.clock.Advance(30 * time.Second)
	if got := len(f.conn.frames()); got != 2 {
		t.Errorf("frames after switch = %d, want 2", got)
	}
}

func TestDeviceErrorIsSurfaced(t *testing.T) {
	f := newFixture(t, true)
	f.setOpenErr(camera.ErrPermissionDenied)

	var reported *media.DeviceError
	f.app.OnDeviceError = func(de *media.DeviceError) { reported = de }

	err := f.app.Start(context.Background())
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("Start() error = %v, want permission denied", err)
	}
	if reported == nil {
		t.Fatal("OnDeviceError not called")
	}
	st := f.app.State()
	if st.DeviceError == "" || st.Status != StatusCameraFailed || st.SourceState != "inactive" {
		t.Errorf("state = %+v", st)
	}
	if !f.app.Scheduler().Running() {
		t.Error("capture loop should keep running")
	}
	if len(f.conn.frames()) != 0 {
		t.Error("frames sent from a failed camera")
	}

	// retry after the user fixes permissions
	f.setOpenErr(nil)
	if err := f.app.SwitchSource(context.Background(), media.KindCamera); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if f.app.State().DeviceError != "" {
		t.Error("device error not cleared")
	}
	if len(f.conn.frames()) != 1 {
		t.Errorf("frames after retry = %d", len(f.conn.frames()))
	}
}

func TestSortChangeRedisplays(t *testing.T) {
	f := newFixture(t, true)
	f.app.Start(context.Background())
	f.conn.onMsg(&protocol.Inbound{Type: protocol.TypeAnalysis, MatchingFaces: matches()})

	if err := f.store.Update(map[string]any{"sort": "name"}); err != nil {
		t.Fatal(err)
	}
	s := f.app.Grid().Snapshot()
	var names []string
	for _, c := range s.Cells {
		if c.Occupant != nil {
			names = append(names, c.Occupant.Metadata.Name)
		}
	}
	if strings.Join(names, ",") != "alice,bob,carol" {
		t.Errorf("order = %v", names)
	}
}

func TestBuildHero(t *testing.T) {
	report, _ := stats.Decode([]byte(`{"elasticsearch":{
		"faces-bbq_hnsw-10.15":{"_all":{"primaries":{"docs":{"count":100}}}},
		"faces-int8_hnsw-10.15":{"_all":{"primaries":{"docs":{"count":50}}}}}}`))

	h := BuildHero(matches(), &protocol.TimingStats{ElasticsearchTotalMs: 9}, report, []string{"faces-bbq_hnsw-10.15"}, epoch)
	if h.Name != "bob" || h.Searched != 100 || h.SearchMs != 9 {
		t.Errorf("hero = %+v", h)
	}
	if h := BuildHero(nil, nil, report, nil, epoch); !h.Loading {
		t.Error("empty matches should be loading")
	}
	if got := BuildHero(matches(), nil, nil, nil, epoch).Searched; got != 0 {
		t.Errorf("Searched without stats = %d", got)
	}
}

func TestGreeting(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.85, "Hi, bob!"},
		{0.7004, "Hi, bob...?"}, // rounds to 0.700
		{0.7006, "Hi, bob!"},
		{0.5, "Hi, bob...?"},
	}
	for _, tt := range tests {
		if got := Greeting("bob", tt.score); got != tt.want {
			t.Errorf("Greeting(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestReactivate(t *testing.T) {
	f := newFixture(t, true)
	f.app.Start(context.Background())

	if err := f.app.Reactivate(context.Background(), media.KindPicture); err != nil {
		t.Fatal(err)
	}
	if f.dev.closed != 0 {
		t.Error("reactivating another kind touched the camera")
	}

	if err := f.app.Reactivate(context.Background(), media.KindCamera); err != nil {
		t.Fatalf("Reactivate() error = %v", err)
	}
	if f.dev.closed != 1 || f.app.State().SourceState != "active" {
		t.Errorf("closed=%d state=%s", f.dev.closed, f.app.State().SourceState)
	}
	if got := len(f.conn.frames()); got != 2 {
		t.Errorf("frames = %d, want capture on restart", got)
	}
}

func TestLateAnalysisAfterCloseSchedulesNothing(t *testing.T) {
	f := newFixture(t, true)
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.app.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !f.conn.closed {
		t.Error("connection not closed")
	}

	f.conn.onMsg(&protocol.Inbound{Type: protocol.TypeAnalysis, MatchingFaces: matches()})
	f.conn.onMsg(&protocol.Inbound{Type: protocol.TypeNotFound})

	if n := f.clock.Pending(); n != 0 {
		t.Errorf("pending timers after Close = %d", n)
	}
}
