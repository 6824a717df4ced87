package geometry

import (
	"fmt"
	"math"
	"sync"
)

// Mapper converts points between the scaled coordinate space the model sees
// and the physical coordinate space the input layer drives. It is safe for
// concurrent use; the dispatcher refreshes it whenever a capture reveals a
// changed display resolution.
type Mapper struct {
	mu  sync.RWMutex
	geo Geometry
}

// NewMapper constructs a Mapper for the given geometry.
func NewMapper(geo Geometry) *Mapper {
	return &Mapper{geo: geo}
}

// Geometry returns the current geometry.
func (m *Mapper) Geometry() Geometry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.geo
}

// Refresh replaces the geometry, recomputing the scaled resolution for the
// new physical size. It reports whether the geometry changed.
func (m *Mapper) Refresh(physical Resolution, scaling bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := New(physical, scaling)
	if next == m.geo {
		return false
	}
	m.geo = next
	return true
}

// ToPhysical maps a point expressed in scaled coordinates to physical
// coordinates. Points outside the scaled resolution fail with ErrOutOfBounds.
func (m *Mapper) ToPhysical(p Point) (Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.geo.Scaled.Contains(p) {
		return Point{}, fmt.Errorf("%w: (%d,%d) exceeds %s", ErrOutOfBounds, p.X, p.Y, m.geo.Scaled)
	}
	if m.geo.Identity() {
		return p, nil
	}
	sx := float64(m.geo.Physical.Width) / float64(m.geo.Scaled.Width)
	sy := float64(m.geo.Physical.Height) / float64(m.geo.Scaled.Height)
	return Point{
		X: roundHalfAway(float64(p.X) * sx),
		Y: roundHalfAway(float64(p.Y) * sy),
	}, nil
}

// ToScaled maps a point expressed in physical coordinates to scaled
// coordinates. Points outside the physical resolution fail with
// ErrOutOfBounds.
func (m *Mapper) ToScaled(p Point) (Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.geo.Physical.Contains(p) {
		return Point{}, fmt.Errorf("%w: (%d,%d) exceeds %s", ErrOutOfBounds, p.X, p.Y, m.geo.Physical)
	}
	if m.geo.Identity() {
		return p, nil
	}
	sx := float64(m.geo.Scaled.Width) / float64(m.geo.Physical.Width)
	sy := float64(m.geo.Scaled.Height) / float64(m.geo.Physical.Height)
	return Point{
		X: roundHalfAway(float64(p.X) * sx),
		Y: roundHalfAway(float64(p.Y) * sy),
	}, nil
}

// roundHalfAway rounds to the nearest integer with halves rounded away from
// zero, matching math.Round but returning int.
func roundHalfAway(f float64) int {
	return int(math.Round(f))
}
