package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bryanchriswhite/FloatPeek/internal/logger"
)

// DefaultStateFileName is where the preview geometry is kept between runs
const DefaultStateFileName = "monitor_config.json"

// Viewport defaults and limits
const (
	DefaultX     = 50
	DefaultY     = 50
	DefaultWidth = 140
	DefaultAlpha = 1.0

	MinAlpha = 0.2
	MaxAlpha = 1.0
	MinWidth = 20
)

// ViewportGeometry is the persisted position, width and opacity of the preview
type ViewportGeometry struct {
	X     int     `json:"x"`
	Y     int     `json:"y"`
	Width int     `json:"width"`
	Alpha float64 `json:"alpha"`
}

// DefaultGeometry returns the geometry used when nothing is persisted
func DefaultGeometry() ViewportGeometry {
	return ViewportGeometry{X: DefaultX, Y: DefaultY, Width: DefaultWidth, Alpha: DefaultAlpha}
}

// Normalize clamps alpha into [MinAlpha, MaxAlpha] and width to MinWidth
func (g ViewportGeometry) Normalize() ViewportGeometry {
	if g.Alpha < MinAlpha {
		g.Alpha = MinAlpha
	}
	if g.Alpha > MaxAlpha {
		g.Alpha = MaxAlpha
	}
	if g.Width < MinWidth {
		g.Width = MinWidth
	}
	return g
}

// rawGeometry distinguishes absent fields from zero values
type rawGeometry struct {
	X     *int     `json:"x"`
	Y     *int     `json:"y"`
	Width *int     `json:"width"`
	Alpha *float64 `json:"alpha"`
}

// StateStore reads and writes the viewport geometry file
type StateStore struct {
	path string
}

// NewStateStore creates a store backed by path
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the backing file path
func (s *StateStore) Path() string {
	return s.path
}

// Load returns the persisted geometry. A missing, unreadable or malformed
// file yields the defaults; the failure is logged and never returned.
func (s *StateStore) Load() ViewportGeometry {
	log := logger.WithComponent("state")
	g := DefaultGeometry()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("Failed to read viewport state, using defaults")
		}
		return g
	}

	var raw rawGeometry
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Malformed viewport state, using defaults")
		return g
	}

	if raw.X != nil {
		g.X = *raw.X
	}
	if raw.Y != nil {
		g.Y = *raw.Y
	}
	if raw.Width != nil {
		g.Width = *raw.Width
	}
	if raw.Alpha != nil {
		g.Alpha = *raw.Alpha
	}
	return g.Normalize()
}

// Save writes the geometry atomically (temp file + rename)
func (s *StateStore) Save(g ViewportGeometry) error {
	g = g.Normalize()

	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal viewport state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".viewport-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write viewport state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close viewport state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace viewport state: %w", err)
	}

	logger.WithComponent("state").Debug().
		Str("path", s.path).
		Int("x", g.X).
		Int("y", g.Y).
		Int("width", g.Width).
		Float64("alpha", g.Alpha).
		Msg("Viewport state saved")
	return nil
}
