// Package protocol defines the websocket messages exchanged with the
// face recognition backend.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType identifies the type of websocket message
type MessageType string

const (
	// Client → backend
	TypeFrame MessageType = "frame" // Captured still image plus query settings

	// Backend → client
	TypeAnalysis MessageType = "analysis"  // Face analysis with matching faces
	TypeNotFound MessageType = "not_found" // No face in the frame
	TypeError    MessageType = "error"     // Backend failure, ignored by the client
)

// ISOTime is the timestamp layout used on the wire (JavaScript toISOString).
const ISOTime = "2006-01-02T15:04:05.000Z07:00"

// =============================================================================
// Client → Backend
// =============================================================================

// IndexSelection is one searchable vector index and whether it is queried.
type IndexSelection struct {
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
}

// QuerySettings is the immutable per-request snapshot of the search settings.
type QuerySettings struct {
	Indices       []IndexSelection `json:"indices"`
	Size          int              `json:"size"`
	K             int              `json:"k"`
	NumCandidates int              `json:"num_candidates"`
}

// Selected returns the names of the selected indices, in order.
func (q QuerySettings) Selected() []string {
	var out []string
	for _, idx := range q.Indices {
		if idx.Selected {
			out = append(out, idx.Name)
		}
	}
	return out
}

// Clone returns a deep copy so later edits to the live settings cannot leak in.
func (q QuerySettings) Clone() QuerySettings {
	c := q
	c.Indices = append([]IndexSelection(nil), q.Indices...)
	return c
}

// FrameMessage is sent once per capture tick.
type FrameMessage struct {
	Type      MessageType   `json:"type"`
	Timestamp string        `json:"timestamp"`
	Image     string        `json:"image"` // data URI
	Settings  QuerySettings `json:"settings"`
}

// Bytes returns the JSON-encoded message
func (m *FrameMessage) Bytes() ([]byte, error) {
	return codec.Marshal(m)
}

// =============================================================================
// Backend → Client
// =============================================================================

// Inbound is the discriminated union returned by the backend.
// Only the fields relevant to Type are populated.
type Inbound struct {
	Type          MessageType     `json:"type"`
	Timestamp     string          `json:"timestamp,omitempty"`
	FaceAnalysis  json.RawMessage `json:"face_analysis,omitempty"`
	MatchingFaces []Match         `json:"matching_faces,omitempty"`
	TimingStats   *TimingStats    `json:"timing_stats,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Match is one scored candidate for a submitted frame.
type Match struct {
	Score    float64       `json:"score"`
	Metadata MatchMetadata `json:"metadata"`
	Index    string        `json:"index"`
}

// MatchMetadata describes the indexed face.
type MatchMetadata struct {
	Name      string `json:"name"`
	ImagePath string `json:"image_path"`
}

// Key identifies a match across responses.
func (m Match) Key() string {
	return m.Index + "|" + m.Metadata.ImagePath
}

// IndexTag returns the short index label, e.g. "bbq_hnsw" for
// "faces-bbq_hnsw-10.15".
func (m Match) IndexTag() string {
	parts := strings.Split(m.Index, "-")
	if len(parts) < 2 || parts[1] == "" {
		return m.Index
	}
	return parts[1]
}

// TimingStats reports backend processing durations in milliseconds.
type TimingStats struct {
	FaceAnalysisMs         float64 `json:"face_analysis_ms"`
	ElasticsearchMs        float64 `json:"elasticsearch_ms,omitempty"`
	ElasticsearchTotalMs   float64 `json:"elasticsearch_total_ms,omitempty"`
	ElasticsearchTotalHits int     `json:"elasticsearch_total_hits,omitempty"`
	TotalProcessingMs      float64 `json:"total_processing_ms"`
}

// SearchMs returns the vector search time, whichever field the backend filled.
func (t *TimingStats) SearchMs() float64 {
	if t == nil {
		return 0
	}
	if t.ElasticsearchMs > 0 {
		return t.ElasticsearchMs
	}
	return t.ElasticsearchTotalMs
}

// FaceAnalysis is the decoded face_analysis payload.
type FaceAnalysis struct {
	Success   bool           `json:"success"`
	FaceCount int            `json:"face_count"`
	Faces     []AnalyzedFace `json:"faces"`
	Error     string         `json:"error,omitempty"`
}

// AnalyzedFace is one face found by the backend analyzer.
type AnalyzedFace struct {
	BBox       []float64   `json:"bbox"` // [x1, y1, x2, y2]
	Confidence float64     `json:"confidence"`
	Age        *int        `json:"age,omitempty"`
	Gender     *int        `json:"gender,omitempty"` // 0 female, 1 male
	Landmark   [][]float64 `json:"landmark,omitempty"`
}

// ParseInbound parses a backend message. Unknown types parse successfully and
// are left for the caller to ignore.
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// Dispatchable reports whether the message kind is forwarded to the analysis handler.
func (m *Inbound) Dispatchable() bool {
	return m.Type == TypeAnalysis || m.Type == TypeNotFound
}

// DecodeFaceAnalysis decodes the face_analysis field. A missing field yields nil.
func (m *Inbound) DecodeFaceAnalysis() (*FaceAnalysis, error) {
	if len(m.FaceAnalysis) == 0 || string(m.FaceAnalysis) == "null" {
		return nil, nil
	}
	var fa FaceAnalysis
	if err := codec.Unmarshal(m.FaceAnalysis, &fa); err != nil {
		return nil, fmt.Errorf("decode face_analysis: %w", err)
	}
	return &fa, nil
}

// FormatTimestamp renders t the way the backend expects.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(ISOTime)
}
