package grid

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/teslashibe/go-facegrid/pkg/protocol"
)

// DefaultTarget is the number of squares the layout aims for.
const DefaultTarget = 40

// Placeholder is shown for a match that cannot be displayed.
const Placeholder = "--"

// Layout is the grid shape. Capacity is Rows*Cols.
type Layout struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Capacity returns the number of cells.
func (l Layout) Capacity() int {
	return l.Rows * l.Cols
}

func (l Layout) String() string {
	return fmt.Sprintf("%dx%d", l.Cols, l.Rows)
}

// ComputeLayout picks rows and columns for a viewport of the given
// width/height ratio so that the grid holds about target squares.
func ComputeLayout(aspect float64, target int) Layout {
	if aspect <= 0 || math.IsNaN(aspect) || math.IsInf(aspect, 0) {
		aspect = 1
	}
	if target < 1 {
		target = 1
	}
	t := float64(target)

	var rows, cols int
	if aspect > 1 {
		cols = int(math.Ceil(math.Sqrt(t * aspect)))
		rows = int(math.Ceil(t / float64(cols)))
	} else {
		rows = int(math.Ceil(math.Sqrt(t / aspect)))
		cols = int(math.Ceil(t / float64(rows)))
	}
	return Layout{Rows: max(rows, 1), Cols: max(cols, 1)}
}

// Hue returns the background hue for a cell position.
func Hue(pos int) float64 {
	return math.Mod(float64(pos)*137.5, 360)
}

// ImageURL resolves a match image path to a URL on the backend.
// Uploads are served under /local, indexed faces under /faces.
// Returns "" when the path is missing or malformed.
func ImageURL(imagePath string) string {
	p := strings.TrimSpace(imagePath)
	if p == "" || strings.ContainsAny(p, "\x00\\") || strings.Contains(p, "..") {
		return ""
	}
	if strings.HasPrefix(p, "/uploads") {
		p = "/local" + p
	} else {
		p = "/faces/" + strings.TrimLeft(p, "/")
	}
	return (&url.URL{Path: p}).EscapedPath()
}

// Label renders "name:0.87 (bbq_hnsw)" for m, or the placeholder when
// the match has no displayable image.
func Label(m *protocol.Match) string {
	if m == nil {
		return ""
	}
	if ImageURL(m.Metadata.ImagePath) == "" {
		return Placeholder
	}
	return fmt.Sprintf("%s:%.2f (%s)", m.Metadata.Name, m.Score, m.IndexTag())
}
