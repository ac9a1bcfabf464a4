package detect

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Overlay colors
var (
	BoxColor  = color.NRGBA{R: 0x11, G: 0xff, B: 0x00, A: 0x6b}
	MeshColor = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0x5a}
)

const strokeWidth = 2

// meshConnections joins points of the 68-point landmark layout.
var meshConnections = func() [][2]int {
	var out [][2]int
	chain := func(from, to int, closed bool) {
		for i := from; i < to; i++ {
			out = append(out, [2]int{i, i + 1})
		}
		if closed {
			out = append(out, [2]int{to, from})
		}
	}
	chain(0, 16, false)  // jaw
	chain(17, 21, false) // left brow
	chain(22, 26, false) // right brow
	chain(27, 30, false) // nose bridge
	chain(31, 35, false) // nose base
	out = append(out, [2]int{30, 33})
	chain(36, 41, true) // left eye
	chain(42, 47, true) // right eye
	chain(48, 59, true) // outer lip
	chain(60, 67, true) // inner lip
	return out
}()

// Draw renders detection boxes onto dst. When landmarks is set, the
// landmark points are drawn too, joined into a mesh for 68-point layouts.
func Draw(dst draw.Image, dets []Detection, landmarks bool) {
	for _, d := range dets {
		strokeRect(dst, d.Box, BoxColor)

		if !landmarks || len(d.Landmarks) == 0 {
			continue
		}
		if len(d.Landmarks) == 68 {
			for _, c := range meshConnections {
				line(dst, d.Landmarks[c[0]], d.Landmarks[c[1]], MeshColor)
			}
		}
		for _, p := range d.Landmarks {
			dot(dst, p, MeshColor)
		}
	}
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color) {
	r = r.Canon()
	if r.Empty() {
		return
	}
	fill(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+strokeWidth), c)
	fill(dst, image.Rect(r.Min.X, r.Max.Y-strokeWidth, r.Max.X, r.Max.Y), c)
	fill(dst, image.Rect(r.Min.X, r.Min.Y+strokeWidth, r.Min.X+strokeWidth, r.Max.Y-strokeWidth), c)
	fill(dst, image.Rect(r.Max.X-strokeWidth, r.Min.Y+strokeWidth, r.Max.X, r.Max.Y-strokeWidth), c)
}

func dot(dst draw.Image, p image.Point, c color.Color) {
	fill(dst, image.Rect(p.X-1, p.Y-1, p.X+2, p.Y+2), c)
}

// line plots a Bresenham line with square pens.
func line(dst draw.Image, a, b image.Point, c color.Color) {
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := sign(b.X-a.X), sign(b.Y-a.Y)
	e := dx + dy
	for p := a; ; {
		fill(dst, image.Rect(p.X, p.Y, p.X+strokeWidth, p.Y+strokeWidth), c)
		if p == b {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			p.X += sx
		}
		if e2 <= dx {
			e += dx
			p.Y += sy
		}
	}
}

func fill(dst draw.Image, r image.Rectangle, c color.Color) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Over)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
