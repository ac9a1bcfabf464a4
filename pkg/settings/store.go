package settings

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/teslashibe/go-facegrid/pkg/protocol"
)

// Store holds the current settings and handles updates.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	onChange []func(Settings)
}

// NewStore creates a store with default settings.
func NewStore() *Store {
	return &Store{settings: Default()}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone()
}

// Snapshot returns the query settings as of now.
func (s *Store) Snapshot() protocol.QuerySettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Query()
}

// SortOrder returns the current grid sort preference.
func (s *Store) SortOrder() SortOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Sort
}

// ShowFacialFeatures reports whether landmark meshes should be drawn.
func (s *Store) ShowFacialFeatures() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.ShowFacialFeatures
}

// OnChange registers fn to run after every successful update.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Set replaces the settings after validation.
func (s *Store) Set(next Settings) error {
	if errs := next.Validate(); len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs)
	}

	s.mu.Lock()
	s.settings = next.clone()
	callbacks := append([]func(Settings){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(next.clone())
	}
	return nil
}

// Update updates specific fields of the settings.
// Accepts a map of field names to values, as decoded from JSON.
// Index selection is given as "indices": {"<name>": bool}.
func (s *Store) Update(params map[string]any) error {
	cfg := s.Get()

	for key, value := range params {
		switch key {
		case "size":
			v, ok := toInt(value)
			if !ok {
				return fmt.Errorf("size: expected number, got %T", value)
			}
			cfg.Size = v
		case "k":
			v, ok := toInt(value)
			if !ok {
				return fmt.Errorf("k: expected number, got %T", value)
			}
			cfg.K = v
		case "num_candidates":
			v, ok := toInt(value)
			if !ok {
				return fmt.Errorf("num_candidates: expected number, got %T", value)
			}
			cfg.NumCandidates = v
		case "show_facial_features":
			v, ok := value.(bool)
			if !ok {
				return fmt.Errorf("show_facial_features: expected bool, got %T", value)
			}
			cfg.ShowFacialFeatures = v
		case "sort":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("sort: expected string, got %T", value)
			}
			cfg.Sort = SortOrder(v)
		case "indices":
			sel, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("indices: expected object, got %T", value)
			}
			for name, raw := range sel {
				on, ok := raw.(bool)
				if !ok {
					return fmt.Errorf("indices.%s: expected bool, got %T", name, raw)
				}
				if !setSelected(cfg.Indices, name, on) {
					return fmt.Errorf("unknown index: %s", name)
				}
			}
		default:
			return fmt.Errorf("unknown setting: %s", key)
		}
	}

	return s.Set(cfg)
}

func setSelected(indices []Index, name string, on bool) bool {
	for i := range indices {
		if indices[i].Name == name {
			indices[i].Selected = on
			return true
		}
	}
	return false
}

// Helper functions for type conversion

func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		if val != float64(int(val)) {
			return 0, false
		}
		return int(val), true
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return int(i), true
		}
	}
	return 0, false
}
