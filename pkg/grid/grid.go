// Package grid renders scored matches into a fixed-capacity grid that
// rotates as results arrive. Every cell change is a three-phase animation
// (start, mid, end); the occupant becomes visible at mid.
package grid

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/protocol"
	"github.com/teslashibe/go-facegrid/pkg/settings"
	"github.com/teslashibe/go-facegrid/pkg/timer"
)

// Transition is the kind of animation a cell is running.
type Transition string

const (
	TransitionNone  Transition = ""
	TransitionEvict Transition = "evict"
	TransitionClear Transition = "clear"
	TransitionFill  Transition = "fill"
)

// Phase of the running transition.
type Phase string

const (
	PhaseIdle  Phase = "idle"
	PhaseStart Phase = "start"
	PhaseMid   Phase = "mid"
)

// Timing controls animation durations. The mutation of a transition
// happens halfway through it.
type Timing struct {
	Fade         time.Duration // clear and fill
	Flip         time.Duration // evict
	Stagger      time.Duration // between cells of a batch
	ClearStagger time.Duration // between cells of a full clear
}

// DefaultTiming returns the standard animation timings.
func DefaultTiming() Timing {
	return Timing{
		Fade:         300 * time.Millisecond,
		Flip:         600 * time.Millisecond,
		Stagger:      20 * time.Millisecond,
		ClearStagger: 10 * time.Millisecond,
	}
}

// Cell is the display state of one grid position.
type Cell struct {
	Position   int             `json:"position"`
	Occupant   *protocol.Match `json:"occupant,omitempty"` // logical assignment
	Label      string          `json:"label"`              // currently displayed
	ImageURL   string          `json:"image_url,omitempty"`
	Hue        float64         `json:"hue"`
	Visible    bool            `json:"visible"`
	Transition Transition      `json:"transition,omitempty"`
	Phase      Phase           `json:"phase"`
}

// Slot is the hero display of the best match.
type Slot struct {
	Match    *protocol.Match `json:"match,omitempty"`
	Label    string          `json:"label"`
	ImageURL string          `json:"image_url,omitempty"`
}

// Snapshot is a consistent copy of the whole grid.
type Snapshot struct {
	Layout   Layout `json:"layout"`
	Cells    []Cell `json:"cells"`
	Best     *Slot  `json:"best,omitempty"`
	Cursor   int    `json:"cursor"`
	Occupied int    `json:"occupied"`
	Settled  bool   `json:"settled"`
}

// View receives display changes. Calls are made without grid locks held.
type View interface {
	CellChanged(c Cell)
	BestChanged(s *Slot)
	LayoutChanged(l Layout)
}

// NopView discards every change.
type NopView struct{}

func (NopView) CellChanged(Cell)     {}
func (NopView) BestChanged(*Slot)    {}
func (NopView) LayoutChanged(Layout) {}

// anim is one scheduled transition on one cell.
type anim struct {
	kind    Transition
	start   time.Time
	dur     time.Duration
	mutate  func(c *cell)
	task    timer.Task
	phase   Phase
	started bool
	waiting bool
	gen     uint64
}

type cell struct {
	occupant *protocol.Match
	shown    *protocol.Match
	label    string
	image    string
	current  *anim
	lane     []*anim // scheduled or running, in start order
	busy     time.Time
}

// Grid is the result grid renderer.
type Grid struct {
	clock  timer.Clock
	timing Timing
	view   View

	mu     sync.Mutex
	layout Layout
	cells  []cell
	batch  []protocol.Match // last batch, sorted by score
	order  settings.SortOrder
	cursor int
	best   *Slot
	gen    uint64
	closed bool
}

// New creates an empty grid.
func New(clock timer.Clock, layout Layout, timing Timing, view View) *Grid {
	if clock == nil {
		panic("grid: clock is required")
	}
	if layout.Capacity() < 1 {
		layout = Layout{Rows: 1, Cols: 1}
	}
	if view == nil {
		view = NopView{}
	}
	return &Grid{
		clock:  clock,
		timing: timing,
		view:   view,
		layout: layout,
		cells:  make([]cell, layout.Capacity()),
		order:  settings.SortScore,
	}
}

// Capacity returns the number of cells.
func (g *Grid) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cells)
}

// Apply renders a new batch. An empty batch evicts one cell; otherwise
// the batch replaces the grid: the top matches by score are assigned at
// once and the display follows with a staggered clear then fill.
func (g *Grid) Apply(batch []protocol.Match) {
	if len(batch) == 0 {
		g.EvictOne()
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	n := len(g.cells)
	g.batch = sortByScore(batch)
	display := g.arrangeLocked()
	g.dropPendingLocked()

	now := g.clock.Now()

	// Logical state settles immediately.
	for i := range g.cells {
		g.cells[i].occupant = nil
		if i < len(display) {
			g.cells[i].occupant = &display[i]
		}
	}

	// Fade out whatever is on screen, last cell first.
	k := 0
	for pos := n - 1; pos >= 0; pos-- {
		c := &g.cells[pos]
		if c.shown == nil && c.current == nil {
			continue
		}
		at := now.Add(time.Duration(k) * g.timing.Stagger)
		g.scheduleLocked(pos, TransitionClear, at, g.timing.Fade, hide)
		k++
	}

	fillAt := now
	if k > 0 {
		fillAt = now.Add(time.Duration(k-1)*g.timing.Stagger + g.timing.Fade)
	}
	for i := range display {
		m := &display[i]
		at := fillAt.Add(time.Duration(i) * g.timing.Stagger)
		g.scheduleLocked(i, TransitionFill, at, g.timing.Fade, func(c *cell) { show(c, m) })
	}

	g.cursor = len(batch) % n
	g.mu.Unlock()

	log.Debug("grid batch applied", "matches", len(batch), "shown", len(display), "cursor", len(batch)%n)
}

// EvictOne clears the cell under the round-robin cursor and advances it.
func (g *Grid) EvictOne() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	pos := g.cursor
	g.cursor = (g.cursor + 1) % len(g.cells)
	g.cells[pos].occupant = nil
	g.scheduleLocked(pos, TransitionEvict, g.clock.Now(), g.timing.Flip, hide)
	g.mu.Unlock()
}

// ShowBest mirrors m into the hero slot. nil clears it.
func (g *Grid) ShowBest(m *protocol.Match) {
	var slot *Slot
	if m != nil {
		mc := *m
		slot = &Slot{Match: &mc, Label: Label(&mc), ImageURL: ImageURL(mc.Metadata.ImagePath)}
	}

	g.mu.Lock()
	g.best = slot
	g.mu.Unlock()

	g.view.BestChanged(slot)
}

// SetSortOrder changes how the kept matches are arranged. Which matches
// are kept is always decided by score.
func (g *Grid) SetSortOrder(o settings.SortOrder) {
	g.mu.Lock()
	g.order = o
	g.mu.Unlock()
}

// SortAndRedisplay lays the last batch out again without animation.
// Calling it repeatedly gives the same result.
func (g *Grid) SortAndRedisplay() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.killAllLocked()
	display := g.arrangeLocked()
	for i := range g.cells {
		c := &g.cells[i]
		c.occupant = nil
		hide(c)
		if i < len(display) {
			m := &display[i]
			c.occupant = m
			show(c, m)
		}
	}
	g.cursor = len(g.batch) % len(g.cells)
	cells := g.cellsLocked()
	g.mu.Unlock()

	for _, c := range cells {
		g.view.CellChanged(c)
	}
}

// Clear fades everything out, forgets the last batch and the hero slot.
func (g *Grid) Clear() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.dropPendingLocked()
	g.batch = nil
	g.cursor = 0
	now := g.clock.Now()
	for pos := range g.cells {
		g.cells[pos].occupant = nil
		at := now.Add(time.Duration(pos) * g.timing.ClearStagger)
		g.scheduleLocked(pos, TransitionClear, at, g.timing.Fade, hide)
	}
	g.best = nil
	g.mu.Unlock()

	g.view.BestChanged(nil)
}

// Relayout changes the grid shape and redisplays the last batch.
func (g *Grid) Relayout(l Layout) {
	if l.Capacity() < 1 {
		return
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.killAllLocked()
	g.layout = l
	g.cells = make([]cell, l.Capacity())
	g.mu.Unlock()

	g.view.LayoutChanged(l)
	g.SortAndRedisplay()
}

// Close cancels every pending animation. A closed grid ignores further
// batches, evictions and clears.
func (g *Grid) Close() {
	g.mu.Lock()
	g.closed = true
	g.killAllLocked()
	g.mu.Unlock()
}

// Snapshot returns a copy of the grid state.
func (g *Grid) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		Layout:  g.layout,
		Cells:   g.cellsLocked(),
		Cursor:  g.cursor,
		Settled: true,
	}
	if g.best != nil {
		b := *g.best
		s.Best = &b
	}
	for i := range g.cells {
		if g.cells[i].occupant != nil {
			s.Occupied++
		}
		if len(g.cells[i].lane) > 0 {
			s.Settled = false
		}
	}
	return s
}

// Layout returns the current layout.
func (g *Grid) Layout() Layout {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.layout
}

// ---------------------------------------------------------------------------
// ordering

func sortByScore(batch []protocol.Match) []protocol.Match {
	out := slices.Clone(batch)
	slices.SortStableFunc(out, func(a, b protocol.Match) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return out
}

// arrangeLocked returns the matches to display in position order.
func (g *Grid) arrangeLocked() []protocol.Match {
	kept := slices.Clone(g.batch[:min(len(g.batch), len(g.cells))])
	if g.order == settings.SortName {
		slices.SortStableFunc(kept, func(a, b protocol.Match) int {
			return cmp.Compare(a.Metadata.Name, b.Metadata.Name)
		})
	}
	return kept
}

// ---------------------------------------------------------------------------
// animation lanes

func hide(c *cell) {
	c.shown = nil
	c.label = ""
	c.image = ""
}

func show(c *cell, m *protocol.Match) {
	c.shown = m
	c.label = Label(m)
	c.image = ImageURL(m.Metadata.ImagePath)
}

// scheduleLocked queues a transition on pos. It starts at `at` or when
// the cell's previous transition ends, whichever is later.
func (g *Grid) scheduleLocked(pos int, kind Transition, at time.Time, dur time.Duration, mutate func(*cell)) {
	if g.closed {
		return
	}
	c := &g.cells[pos]
	if c.busy.After(at) {
		at = c.busy
	}
	a := &anim{kind: kind, start: at, dur: dur, mutate: mutate, gen: g.gen}
	c.busy = at.Add(dur)
	c.lane = append(c.lane, a)
	a.task = g.clock.AfterFunc(at.Sub(g.clock.Now()), func() { g.begin(pos, a) })
}

func (g *Grid) begin(pos int, a *anim) {
	g.mu.Lock()
	if a.gen != g.gen || pos >= len(g.cells) {
		g.mu.Unlock()
		return
	}
	c := &g.cells[pos]
	if c.current != nil {
		// previous transition has not finished; end() starts us
		a.waiting = true
		g.mu.Unlock()
		return
	}
	ev := g.startLocked(pos, a)
	g.mu.Unlock()

	g.view.CellChanged(ev)
}

func (g *Grid) startLocked(pos int, a *anim) Cell {
	c := &g.cells[pos]
	a.started = true
	a.waiting = false
	a.start = g.clock.Now()
	a.phase = PhaseStart
	c.current = a
	a.task = g.clock.AfterFunc(a.dur/2, func() { g.mid(pos, a) })
	return g.cellLocked(pos)
}

func (g *Grid) mid(pos int, a *anim) {
	g.mu.Lock()
	if a.gen != g.gen {
		g.mu.Unlock()
		return
	}
	a.mutate(&g.cells[pos])
	a.phase = PhaseMid
	a.task = g.clock.AfterFunc(a.dur-a.dur/2, func() { g.end(pos, a) })
	ev := g.cellLocked(pos)
	g.mu.Unlock()

	g.view.CellChanged(ev)
}

func (g *Grid) end(pos int, a *anim) {
	g.mu.Lock()
	if a.gen != g.gen {
		g.mu.Unlock()
		return
	}
	c := &g.cells[pos]
	c.current = nil
	c.lane = slices.DeleteFunc(c.lane, func(x *anim) bool { return x == a })
	events := []Cell{g.cellLocked(pos)}

	for _, next := range c.lane {
		if next.waiting {
			events = append(events, g.startLocked(pos, next))
			break
		}
	}
	g.mu.Unlock()

	for _, ev := range events {
		g.view.CellChanged(ev)
	}
}

// dropPendingLocked cancels transitions that have not started. Running
// transitions finish; new ones queue behind them.
func (g *Grid) dropPendingLocked() {
	for i := range g.cells {
		c := &g.cells[i]
		c.lane = slices.DeleteFunc(c.lane, func(a *anim) bool {
			if a.started {
				return false
			}
			a.task.Cancel()
			a.gen = ^uint64(0)
			return true
		})
		c.busy = time.Time{}
		if c.current != nil {
			c.busy = c.current.start.Add(c.current.dur)
		}
	}
}

// killAllLocked stops every transition, running or not.
func (g *Grid) killAllLocked() {
	g.gen++
	for i := range g.cells {
		c := &g.cells[i]
		for _, a := range c.lane {
			a.task.Cancel()
		}
		c.lane = nil
		c.current = nil
		c.busy = time.Time{}
	}
}

func (g *Grid) cellLocked(pos int) Cell {
	c := &g.cells[pos]
	out := Cell{
		Position: pos,
		Label:    c.label,
		ImageURL: c.image,
		Hue:      Hue(pos),
		Visible:  c.shown != nil,
		Phase:    PhaseIdle,
	}
	if c.occupant != nil {
		m := *c.occupant
		out.Occupant = &m
	}
	if a := c.current; a != nil {
		out.Transition = a.kind
		out.Phase = a.phase
	}
	return out
}

func (g *Grid) cellsLocked() []Cell {
	out := make([]Cell, len(g.cells))
	for i := range g.cells {
		out[i] = g.cellLocked(i)
	}
	return out
}
