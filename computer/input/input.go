// Package input injects mouse and keyboard events into the real display. All
// coordinates are physical; callers translate from the scaled space before
// reaching this layer.
package input

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deskpilot/deskpilot/computer/geometry"
)

// ErrUnavailable reports that the underlying automation tool is not installed
// or cannot be executed.
var ErrUnavailable = errors.New("input: automation tool unavailable")

type (
	// Button identifies a mouse button.
	Button string

	// ScrollDirection identifies a scroll axis and sign.
	ScrollDirection string

	// Executor performs abstract input actions on the real screen. All
	// coordinates are expressed in the physical coordinate system.
	Executor interface {
		// Move places the cursor at the given position.
		Move(ctx context.Context, x, y int) error
		// Click moves the cursor to the given position and presses the
		// button count times.
		Click(ctx context.Context, button Button, x, y, count int) error
		// Drag presses the left button at the start position, moves to
		// the end position and releases.
		Drag(ctx context.Context, x0, y0, x1, y1 int) error
		// Type enters literal text at the current focus.
		Type(ctx context.Context, text string) error
		// Key presses a key or key combination such as "Return" or
		// "ctrl+s".
		Key(ctx context.Context, combo string) error
		// Scroll moves the cursor to the given position and scrolls in
		// the given direction by amount notches.
		Scroll(ctx context.Context, x, y int, direction ScrollDirection, amount int) error
		// CursorPosition reports the current cursor position.
		CursorPosition(ctx context.Context) (geometry.Point, error)
	}
)

// Mouse buttons.
const (
	ButtonLeft   Button = "left"
	ButtonMiddle Button = "middle"
	ButtonRight  Button = "right"
)

// Scroll directions.
const (
	ScrollUp    ScrollDirection = "up"
	ScrollDown  ScrollDirection = "down"
	ScrollLeft  ScrollDirection = "left"
	ScrollRight ScrollDirection = "right"
)

// Error carries the exit status and output of a failed automation tool
// invocation.
type Error struct {
	Tool     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: exit %d", e.Tool, strings.Join(e.Args, " "), e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Unwrap returns the underlying execution error.
func (e *Error) Unwrap() error {
	return e.Err
}
