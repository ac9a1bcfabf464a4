package app

import (
	"fmt"
	"math"
	"time"

	"github.com/teslashibe/go-facegrid/pkg/protocol"
	"github.com/teslashibe/go-facegrid/pkg/stats"
)

// ConfidentScore is the similarity above which the greeting is certain.
const ConfidentScore = 0.7

// Hero is the info box shown next to the best match.
type Hero struct {
	Loading        bool      `json:"loading"`
	Greeting       string    `json:"greeting,omitempty"`
	Name           string    `json:"name,omitempty"`
	Score          float64   `json:"score"`
	FaceAnalysisMs float64   `json:"face_analysis_ms"`
	SearchMs       float64   `json:"search_ms"`
	TotalMs        float64   `json:"total_ms"`
	Searched       int64     `json:"searched"` // documents in the selected indices
	UpdatedAt      time.Time `json:"updated_at"`
}

// BuildHero summarizes one analysis result. With no matches the box
// shows a loading state.
func BuildHero(matches []protocol.Match, ts *protocol.TimingStats, report *stats.Report, selected []string, now time.Time) Hero {
	h := Hero{UpdatedAt: now}
	best := protocol.Best(matches)
	if best == nil {
		h.Loading = true
		return h
	}

	h.Name = best.Metadata.Name
	if h.Name == "" {
		h.Name = "Unknown"
	}
	h.Score = best.Score
	h.Greeting = Greeting(h.Name, h.Score)
	if ts != nil {
		h.FaceAnalysisMs = ts.FaceAnalysisMs
		h.SearchMs = ts.SearchMs()
		h.TotalMs = ts.TotalProcessingMs
	}
	h.Searched = report.CorpusSize(selected)
	return h
}

// Greeting returns "Hi, name!" for a confident match and "Hi, name...?"
// otherwise. The score is compared at three decimals.
func Greeting(name string, score float64) string {
	if math.Round(score*1000)/1000 > ConfidentScore {
		return fmt.Sprintf("Hi, %s!", name)
	}
	return fmt.Sprintf("Hi, %s...?", name)
}

// Lines renders the hero for terminal output.
func (h Hero) Lines() []string {
	if h.Loading {
		return []string{"Loading..."}
	}
	lines := []string{
		h.Greeting,
		fmt.Sprintf("Vector Similarity: %.3f", h.Score),
		fmt.Sprintf("Facial extraction: %.1fms", h.FaceAnalysisMs),
	}
	if h.SearchMs > 0 {
		lines = append(lines, fmt.Sprintf("Elasticsearch: %gms", h.SearchMs))
	}
	lines = append(lines, fmt.Sprintf("Searched %d vectors", h.Searched))
	return lines
}
