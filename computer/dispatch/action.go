package dispatch

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/deskpilot/deskpilot/computer/geometry"
	"github.com/deskpilot/deskpilot/computer/input"
)

// Kind is the tag of one abstract desktop action.
type Kind string

// Action kinds, matching the wire names used in tool calls.
const (
	KindScreenshot     Kind = "screenshot"
	KindCursorPosition Kind = "cursor_position"
	KindMouseMove      Kind = "mouse_move"
	KindLeftClick      Kind = "left_click"
	KindRightClick     Kind = "right_click"
	KindMiddleClick    Kind = "middle_click"
	KindDoubleClick    Kind = "double_click"
	KindLeftClickDrag  Kind = "left_click_drag"
	KindType           Kind = "type"
	KindKey            Kind = "key"
	KindScroll         Kind = "scroll"
	KindWait           Kind = "wait"
)

var allKinds = []Kind{
	KindScreenshot, KindCursorPosition, KindMouseMove,
	KindLeftClick, KindRightClick, KindMiddleClick, KindDoubleClick,
	KindLeftClickDrag, KindType, KindKey, KindScroll, KindWait,
}

// clickButtons maps click kinds to the button they press.
var clickButtons = map[Kind]input.Button{
	KindLeftClick:   input.ButtonLeft,
	KindRightClick:  input.ButtonRight,
	KindMiddleClick: input.ButtonMiddle,
	KindDoubleClick: input.ButtonLeft,
}

// Action is one validated desktop action. Positional fields are expressed in
// the scaled coordinate space; the dispatcher maps them to physical space
// before they reach the input layer.
type Action struct {
	Kind Kind
	// Coordinate is the target position for positional actions. Click
	// kinds may omit it to act at the current cursor position.
	Coordinate *geometry.Point
	// Start is the drag origin for left_click_drag.
	Start *geometry.Point
	// Text is the literal text for type and the key combo for key.
	Text string
	// ScrollDirection and ScrollAmount apply to scroll.
	ScrollDirection input.ScrollDirection
	ScrollAmount    int
	// Duration applies to wait.
	Duration time.Duration
}

// wirePayload is the raw tool input shape produced by the reasoning service.
type wirePayload struct {
	Action          string  `json:"action"`
	Coordinate      []int   `json:"coordinate,omitempty"`
	StartCoordinate []int   `json:"start_coordinate,omitempty"`
	Text            string  `json:"text,omitempty"`
	ScrollDirection string  `json:"scroll_direction,omitempty"`
	ScrollAmount    int     `json:"scroll_amount,omitempty"`
	Duration        float64 `json:"duration,omitempty"`
}

// defaultScrollAmount is used when the service omits scroll_amount.
const defaultScrollAmount = 3

// decodeAction turns a validated wire payload into an Action, enforcing the
// per-kind parameter requirements the generic schema cannot express.
func decodeAction(w wirePayload) (Action, *ActionError) {
	kind := Kind(w.Action)
	a := Action{Kind: kind}

	switch kind {
	case KindScreenshot, KindCursorPosition:
		// No parameters.

	case KindMouseMove:
		p, aerr := requireCoordinate(w.Coordinate, "coordinate")
		if aerr != nil {
			return Action{}, aerr
		}
		a.Coordinate = p

	case KindLeftClick, KindRightClick, KindMiddleClick, KindDoubleClick:
		if len(w.Coordinate) > 0 {
			p, aerr := requireCoordinate(w.Coordinate, "coordinate")
			if aerr != nil {
				return Action{}, aerr
			}
			a.Coordinate = p
		}

	case KindLeftClickDrag:
		start, aerr := requireCoordinate(w.StartCoordinate, "start_coordinate")
		if aerr != nil {
			return Action{}, aerr
		}
		end, aerr := requireCoordinate(w.Coordinate, "coordinate")
		if aerr != nil {
			return Action{}, aerr
		}
		a.Start, a.Coordinate = start, end

	case KindType:
		if w.Text == "" {
			return Action{}, invalidInput("type requires text")
		}
		if aerr := validateText(w.Text); aerr != nil {
			return Action{}, aerr
		}
		a.Text = w.Text

	case KindKey:
		if strings.TrimSpace(w.Text) == "" {
			return Action{}, invalidInput("key requires text")
		}
		if aerr := validateText(w.Text); aerr != nil {
			return Action{}, aerr
		}
		a.Text = w.Text

	case KindScroll:
		p, aerr := requireCoordinate(w.Coordinate, "coordinate")
		if aerr != nil {
			return Action{}, aerr
		}
		a.Coordinate = p
		dir := input.ScrollDirection(w.ScrollDirection)
		switch dir {
		case input.ScrollUp, input.ScrollDown, input.ScrollLeft, input.ScrollRight:
			a.ScrollDirection = dir
		default:
			return Action{}, invalidInput(fmt.Sprintf("invalid scroll_direction %q", w.ScrollDirection))
		}
		a.ScrollAmount = w.ScrollAmount
		if a.ScrollAmount <= 0 {
			a.ScrollAmount = defaultScrollAmount
		}

	case KindWait:
		if w.Duration < 0 {
			return Action{}, invalidInput("duration must be non-negative")
		}
		a.Duration = time.Duration(w.Duration * float64(time.Second))

	default:
		return Action{}, &ActionError{
			Code:    CodeUnsupportedAction,
			Message: fmt.Sprintf("unknown action %q", w.Action),
		}
	}
	return a, nil
}

func requireCoordinate(raw []int, field string) (*geometry.Point, *ActionError) {
	if len(raw) != 2 {
		return nil, invalidInput(fmt.Sprintf("%s must be [x, y]", field))
	}
	if raw[0] < 0 || raw[1] < 0 {
		return nil, invalidInput(fmt.Sprintf("%s components must be non-negative", field))
	}
	return &geometry.Point{X: raw[0], Y: raw[1]}, nil
}

// validateText rejects text the input transport cannot transmit literally.
func validateText(text string) *ActionError {
	if !utf8.ValidString(text) {
		return &ActionError{Code: CodeUnsupportedInput, Message: "text is not valid UTF-8"}
	}
	if strings.ContainsRune(text, 0) {
		return &ActionError{Code: CodeUnsupportedInput, Message: "text contains a NUL byte"}
	}
	return nil
}

func invalidInput(msg string) *ActionError {
	return &ActionError{Code: CodeInvalidInput, Message: msg}
}

// mutatesScreen reports whether the action changes on-screen state, which
// triggers the automatic follow-up screenshot.
func (k Kind) mutatesScreen() bool {
	switch k {
	case KindScreenshot, KindCursorPosition, KindWait:
		return false
	}
	return true
}

// MarshalText lets kinds print cleanly in logs and metrics tags.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k), nil
}
