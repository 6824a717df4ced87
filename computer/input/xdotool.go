package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/deskpilot/deskpilot/computer/geometry"
)

// Typing is chunked so that long strings do not overwhelm the X server and
// partial progress survives a timeout.
const (
	typingChunkSize = 50
	typingDelay     = 12 * time.Millisecond
)

// xdotool button numbers.
var buttonNumbers = map[Button]string{
	ButtonLeft:   "1",
	ButtonMiddle: "2",
	ButtonRight:  "3",
}

// xdotool scroll wheel button numbers.
var scrollButtons = map[ScrollDirection]string{
	ScrollUp:    "4",
	ScrollDown:  "5",
	ScrollLeft:  "6",
	ScrollRight: "7",
}

// commandRunner executes an external tool and returns its combined output.
// Tests substitute it to avoid touching a real display.
type commandRunner func(ctx context.Context, env []string, tool string, args ...string) ([]byte, error)

// XDotool drives an X11 display through the xdotool command line utility.
type XDotool struct {
	display string
	run     commandRunner
}

// NewXDotool constructs an Executor for the X display with the given number.
func NewXDotool(displayNum int) *XDotool {
	return &XDotool{
		display: fmt.Sprintf(":%d", displayNum),
		run:     runCommand,
	}
}

// Move implements Executor.
func (x *XDotool) Move(ctx context.Context, px, py int) error {
	return x.exec(ctx, "mousemove", "--sync", strconv.Itoa(px), strconv.Itoa(py))
}

// Click implements Executor.
func (x *XDotool) Click(ctx context.Context, button Button, px, py, count int) error {
	num, ok := buttonNumbers[button]
	if !ok {
		return fmt.Errorf("unknown mouse button %q", button)
	}
	args := []string{"mousemove", "--sync", strconv.Itoa(px), strconv.Itoa(py), "click"}
	if count > 1 {
		args = append(args, "--repeat", strconv.Itoa(count), "--delay", "10")
	}
	args = append(args, num)
	return x.exec(ctx, args...)
}

// Drag implements Executor.
func (x *XDotool) Drag(ctx context.Context, x0, y0, x1, y1 int) error {
	return x.exec(ctx,
		"mousemove", "--sync", strconv.Itoa(x0), strconv.Itoa(y0),
		"mousedown", "1",
		"mousemove", "--sync", strconv.Itoa(x1), strconv.Itoa(y1),
		"mouseup", "1",
	)
}

// Type implements Executor. Text is sent in fixed-size chunks with a small
// inter-key delay so applications keep up with the synthetic input.
func (x *XDotool) Type(ctx context.Context, text string) error {
	for _, chunk := range chunkString(text, typingChunkSize) {
		delay := strconv.Itoa(int(typingDelay.Milliseconds()))
		if err := x.exec(ctx, "type", "--delay", delay, "--", chunk); err != nil {
			return err
		}
	}
	return nil
}

// Key implements Executor.
func (x *XDotool) Key(ctx context.Context, combo string) error {
	return x.exec(ctx, "key", "--", normalizeCombo(combo))
}

// Scroll implements Executor. Scrolling is emulated with wheel button clicks,
// one per notch.
func (x *XDotool) Scroll(ctx context.Context, px, py int, direction ScrollDirection, amount int) error {
	btn, ok := scrollButtons[direction]
	if !ok {
		return fmt.Errorf("unknown scroll direction %q", direction)
	}
	if amount < 1 {
		amount = 1
	}
	return x.exec(ctx,
		"mousemove", "--sync", strconv.Itoa(px), strconv.Itoa(py),
		"click", "--repeat", strconv.Itoa(amount), btn,
	)
}

// CursorPosition implements Executor.
func (x *XDotool) CursorPosition(ctx context.Context) (geometry.Point, error) {
	out, err := x.output(ctx, "getmouselocation", "--shell")
	if err != nil {
		return geometry.Point{}, err
	}
	return parseMouseLocation(string(out))
}

func (x *XDotool) exec(ctx context.Context, args ...string) error {
	_, err := x.output(ctx, args...)
	return err
}

func (x *XDotool) output(ctx context.Context, args ...string) ([]byte, error) {
	env := []string{"DISPLAY=" + x.display}
	out, err := x.run(ctx, env, "xdotool", args...)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: xdotool not found", ErrUnavailable)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &Error{
			Tool:     "xdotool",
			Args:     args,
			ExitCode: exitErr.ExitCode(),
			Output:   string(out),
			Err:      err,
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// runCommand is the production commandRunner.
func runCommand(ctx context.Context, env []string, tool string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// parseMouseLocation extracts the cursor position from xdotool's --shell
// output ("X=123\nY=456\nSCREEN=0\nWINDOW=...").
func parseMouseLocation(out string) (geometry.Point, error) {
	var p geometry.Point
	var haveX, haveY bool
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		switch k {
		case "X":
			p.X, haveX = n, true
		case "Y":
			p.Y, haveY = n, true
		}
	}
	if !haveX || !haveY {
		return geometry.Point{}, fmt.Errorf("unexpected getmouselocation output %q", out)
	}
	return p, nil
}

// chunkString splits s into chunks of at most size runes.
func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	current := make([]rune, 0, size)
	for _, r := range s {
		current = append(current, r)
		if len(current) == size {
			chunks = append(chunks, string(current))
			current = current[:0]
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}
