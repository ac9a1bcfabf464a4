package media

import (
	"encoding/json"
	"image"
	"sync"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/timer"
)

// base carries the state shared by every source variant.
type base struct {
	kind    Kind
	surface *Surface
	clock   timer.Clock

	// ShowLandmarks reports whether previews include landmark meshes.
	landmarks func() bool

	mu      sync.Mutex
	state   State
	visible bool
	results json.RawMessage
}

func newBase(kind Kind, surface *Surface, clock timer.Clock, landmarks func() bool) base {
	if surface == nil || clock == nil {
		panic("media: surface and clock are required")
	}
	if landmarks == nil {
		landmarks = func() bool { return false }
	}
	return base{kind: kind, surface: surface, clock: clock, landmarks: landmarks}
}

func (b *base) Kind() Kind { return b.kind }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *base) Reveal() {
	b.mu.Lock()
	b.visible = true
	b.mu.Unlock()
}

func (b *base) Conceal() {
	b.mu.Lock()
	b.visible = false
	b.mu.Unlock()
}

func (b *base) Visible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visible
}

func (b *base) SetFaceResults(raw json.RawMessage) {
	b.mu.Lock()
	b.results = append(json.RawMessage(nil), raw...)
	b.mu.Unlock()
}

// FaceResults returns the last face analysis stored with SetFaceResults.
func (b *base) FaceResults() json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results
}

func (b *base) Preview() image.Image {
	return b.surface.Composite(b.landmarks())
}

// Surface returns the canvas the source renders onto.
func (b *base) Surface() *Surface { return b.surface }

func (b *base) CaptureFrame() *Frame {
	if b.State() != Active {
		return nil
	}
	data, err := b.surface.Snapshot()
	if err != nil {
		log.Warn("capture: encode surface", "source", b.kind, "error", err)
		return nil
	}
	if data == nil {
		return nil
	}
	return &Frame{Data: data, MIME: "image/jpeg", Timestamp: b.clock.Now()}
}
