// Package geometry translates between the physical display resolution and the
// scaled resolution advertised to the model. Large displays are presented at a
// reduced size so that screenshots stay within model-friendly dimensions;
// coordinates received from the model are mapped back up before they reach the
// input layer.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfBounds reports a coordinate outside the resolution it was
// interpreted against.
var ErrOutOfBounds = errors.New("coordinate out of bounds")

type (
	// Resolution is a display size in pixels.
	Resolution struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}

	// Point is a pixel coordinate with the origin at the top-left corner.
	Point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	// Geometry pairs the physical resolution of the display with the scaled
	// resolution advertised to the model. When scaling is disabled the two
	// are identical.
	Geometry struct {
		Physical Resolution
		Scaled   Resolution
	}
)

// Common scaled resolutions, ordered by aspect ratio. The target whose aspect
// ratio is closest to the physical display is chosen so that scaling never
// distorts proportions beyond rounding.
var scalingTargets = []Resolution{
	{Width: 1024, Height: 768},  // 4:3
	{Width: 1280, Height: 800},  // 16:10
	{Width: 1366, Height: 768},  // ~16:9
}

// String returns the resolution formatted as WIDTHxHEIGHT.
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// AspectRatio returns width divided by height.
func (r Resolution) AspectRatio() float64 {
	return float64(r.Width) / float64(r.Height)
}

// Contains reports whether p lies inside the resolution.
func (r Resolution) Contains(p Point) bool {
	return p.X >= 0 && p.X < r.Width && p.Y >= 0 && p.Y < r.Height
}

// ScaledTarget returns the resolution the display should be presented at. The
// scaling target with the closest aspect ratio is selected; displays that
// already fit within that target are returned unchanged so that scaling never
// enlarges.
func ScaledTarget(physical Resolution) Resolution {
	best := scalingTargets[0]
	bestDiff := math.Abs(physical.AspectRatio() - best.AspectRatio())
	for _, t := range scalingTargets[1:] {
		if diff := math.Abs(physical.AspectRatio() - t.AspectRatio()); diff < bestDiff {
			best, bestDiff = t, diff
		}
	}
	// Only scale down, and only when both dimensions shrink. Unusual aspect
	// ratios whose closest target would enlarge either axis are left alone.
	if physical.Width <= best.Width || physical.Height <= best.Height {
		return physical
	}
	return best
}

// New constructs a Geometry for the given physical resolution. With scaling
// disabled the scaled resolution equals the physical one.
func New(physical Resolution, scaling bool) Geometry {
	g := Geometry{Physical: physical, Scaled: physical}
	if scaling {
		g.Scaled = ScaledTarget(physical)
	}
	return g
}

// Identity reports whether the scaled and physical resolutions coincide.
func (g Geometry) Identity() bool {
	return g.Physical == g.Scaled
}
