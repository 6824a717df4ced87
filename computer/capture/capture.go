// Package capture produces screenshots of the real display, scaled to the
// resolution advertised to the reasoning service.
package capture

import (
	"context"
	"errors"

	"github.com/deskpilot/deskpilot/computer/geometry"
)

// ErrUnavailable reports that no screenshot tool is installed or the capture
// failed outright.
var ErrUnavailable = errors.New("capture: screenshot unavailable")

type (
	// Shot is one captured screenshot together with the geometry in effect
	// when it was taken. PNG holds the image at the scaled resolution.
	Shot struct {
		PNG      []byte
		Physical geometry.Resolution
		Scaled   geometry.Resolution
	}

	// Adapter captures the current screen contents on demand.
	Adapter interface {
		Capture(ctx context.Context) (Shot, error)
	}
)
