package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/deskpilot/deskpilot/computer/geometry"
)

// commandRunner executes an external tool and returns its combined output.
// Tests substitute it to avoid needing a display or ImageMagick.
type commandRunner func(ctx context.Context, env []string, tool string, args ...string) ([]byte, error)

// X11 captures screenshots from an X display using gnome-screenshot when
// available, falling back to scrot. Images larger than the scaling target are
// downsized with ImageMagick before being returned.
type X11 struct {
	display string
	scaling bool
	dir     string
	run     commandRunner
	// lookPath is stubbed in tests.
	lookPath func(string) (string, error)
}

// NewX11 constructs an Adapter for the X display with the given number.
// Screenshots are staged under dir; the OS temp directory is used when dir is
// empty.
func NewX11(displayNum int, scaling bool, dir string) *X11 {
	if dir == "" {
		dir = os.TempDir()
	}
	return &X11{
		display:  fmt.Sprintf(":%d", displayNum),
		scaling:  scaling,
		dir:      dir,
		run:      runCommand,
		lookPath: exec.LookPath,
	}
}

// Capture implements Adapter.
func (x *X11) Capture(ctx context.Context) (Shot, error) {
	path := filepath.Join(x.dir, fmt.Sprintf("screenshot_%s.png", uuid.NewString()))
	defer os.Remove(path)

	if err := x.shoot(ctx, path); err != nil {
		return Shot{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Shot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	physical, err := pngResolution(raw)
	if err != nil {
		return Shot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	shot := Shot{PNG: raw, Physical: physical, Scaled: physical}
	if !x.scaling {
		return shot, nil
	}
	target := geometry.ScaledTarget(physical)
	if target == physical {
		return shot, nil
	}
	resized, err := x.resize(ctx, path, target)
	if err != nil {
		return Shot{}, err
	}
	shot.PNG = resized
	shot.Scaled = target
	return shot, nil
}

// shoot writes a full-screen capture to path, trying gnome-screenshot first
// and scrot second.
func (x *X11) shoot(ctx context.Context, path string) error {
	env := []string{"DISPLAY=" + x.display}
	if _, err := x.lookPath("gnome-screenshot"); err == nil {
		if out, err := x.run(ctx, env, "gnome-screenshot", "-f", path, "-p"); err != nil {
			return captureError("gnome-screenshot", out, err)
		}
		return nil
	}
	if _, err := x.lookPath("scrot"); err == nil {
		if out, err := x.run(ctx, env, "scrot", "-p", path); err != nil {
			return captureError("scrot", out, err)
		}
		return nil
	}
	return fmt.Errorf("%w: no screenshot tool found", ErrUnavailable)
}

// resize shrinks the capture at path to the target resolution and returns the
// resulting bytes. The "!" suffix forces the exact size; the aspect ratio is
// already preserved by the target selection.
func (x *X11) resize(ctx context.Context, path string, target geometry.Resolution) ([]byte, error) {
	size := strconv.Itoa(target.Width) + "x" + strconv.Itoa(target.Height) + "!"
	if out, err := x.run(ctx, nil, "convert", path, "-resize", size, path); err != nil {
		return nil, captureError("convert", out, err)
	}
	resized, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resized, nil
}

func captureError(tool string, out []byte, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s not found", ErrUnavailable, tool)
	}
	return fmt.Errorf("%w: %s: %v: %s", ErrUnavailable, tool, err, bytes.TrimSpace(out))
}

// pngResolution decodes just the image header to learn the capture size.
func pngResolution(raw []byte) (geometry.Resolution, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return geometry.Resolution{}, err
	}
	return geometry.Resolution{Width: cfg.Width, Height: cfg.Height}, nil
}

// runCommand is the production commandRunner.
func runCommand(ctx context.Context, env []string, tool string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}
