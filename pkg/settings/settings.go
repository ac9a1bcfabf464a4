// Package settings holds the live, user-editable search settings.
// The capture loop only ever reads immutable snapshots of it.
package settings

import (
	"fmt"
	"slices"

	"github.com/teslashibe/go-facegrid/pkg/protocol"
)

// SortOrder controls how the grid arranges the last batch.
type SortOrder string

const (
	SortScore SortOrder = "score" // Highest score first
	SortName  SortOrder = "name"  // Alphabetical by name
)

// Index describes one searchable vector index.
type Index struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Selected    bool   `json:"selected"`
}

// Settings is the full live settings object.
type Settings struct {
	Indices            []Index   `json:"indices"`
	Size               int       `json:"size"`
	K                  int       `json:"k"`
	NumCandidates      int       `json:"num_candidates"`
	ShowFacialFeatures bool      `json:"show_facial_features"`
	Sort               SortOrder `json:"sort"`
}

// Allowed slider values
var (
	SizeOptions          = []int{10, 20, 30, 40, 50, 75, 100}
	KOptions             = []int{3, 5, 10, 20, 30, 50, 100}
	NumCandidatesOptions = []int{50, 100, 200, 400, 600, 1000}
	SortOptions          = []SortOrder{SortScore, SortName}
)

// Default returns the settings the client starts with.
func Default() Settings {
	return Settings{
		Indices: []Index{
			{Name: "faces-bbq_hnsw-10.15", DisplayName: "bbq HNSW", Description: "Vector index using BBQ algorithm", Selected: true},
			{Name: "faces-disk_bbq-10.15", DisplayName: "disk BBQ", Description: "Disk-based index using BBQ algorithm.", Selected: true},
			{Name: "faces-int8_hnsw-10.15", DisplayName: "int8 HNSW", Description: "Vector index using 8-bit quantization.", Selected: true},
			{Name: "faces-int4_hnsw-10.15", DisplayName: "int4 HNSW", Description: "Vector index using 4-bit quantization.", Selected: true},
			{Name: "faces-bbq_hnsw-uploads", DisplayName: "Your uploads", Description: "Vector index using BBQ algorithm. Uploads are ephemeral.", Selected: true},
		},
		Size:          50,
		K:             50,
		NumCandidates: 200,
		Sort:          SortScore,
	}
}

// Validate checks the settings are usable for a query.
// Returns a list of validation errors, or nil if valid.
func (s *Settings) Validate() []string {
	var errs []string

	selected := 0
	for _, idx := range s.Indices {
		if idx.Selected {
			selected++
		}
	}
	if selected == 0 {
		errs = append(errs, "at least one index must be selected")
	}
	if !slices.Contains(SizeOptions, s.Size) {
		errs = append(errs, fmt.Sprintf("size must be one of %v", SizeOptions))
	}
	if !slices.Contains(KOptions, s.K) {
		errs = append(errs, fmt.Sprintf("k must be one of %v", KOptions))
	}
	if !slices.Contains(NumCandidatesOptions, s.NumCandidates) {
		errs = append(errs, fmt.Sprintf("num_candidates must be one of %v", NumCandidatesOptions))
	}
	if !slices.Contains(SortOptions, s.Sort) {
		errs = append(errs, "sort must be score or name")
	}

	return errs
}

// Query returns the wire snapshot of s.
func (s Settings) Query() protocol.QuerySettings {
	q := protocol.QuerySettings{
		Indices:       make([]protocol.IndexSelection, len(s.Indices)),
		Size:          s.Size,
		K:             s.K,
		NumCandidates: s.NumCandidates,
	}
	for i, idx := range s.Indices {
		q.Indices[i] = protocol.IndexSelection{Name: idx.Name, Selected: idx.Selected}
	}
	return q
}

func (s Settings) clone() Settings {
	c := s
	c.Indices = slices.Clone(s.Indices)
	return c
}
