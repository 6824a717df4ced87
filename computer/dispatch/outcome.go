package dispatch

import "fmt"

// ErrorCode classifies dispatcher failures. Every failure is reported back to
// the reasoning service as a tool result so it can adapt; none are silently
// dropped.
type ErrorCode string

const (
	// CodeInvalidInput indicates the tool input was malformed or missing
	// required parameters.
	CodeInvalidInput ErrorCode = "invalid_input"

	// CodeUnsupportedAction indicates an unknown action tag.
	CodeUnsupportedAction ErrorCode = "unsupported_action"

	// CodeOutOfBounds indicates a coordinate outside the scaled resolution.
	CodeOutOfBounds ErrorCode = "out_of_bounds"

	// CodeUnsupportedInput indicates text the input transport cannot
	// transmit literally.
	CodeUnsupportedInput ErrorCode = "unsupported_input"

	// CodeExecutorUnavailable indicates the automation tool is missing or
	// exited non-zero.
	CodeExecutorUnavailable ErrorCode = "executor_unavailable"

	// CodeCaptureUnavailable indicates the screenshot tool is missing or
	// the capture failed.
	CodeCaptureUnavailable ErrorCode = "capture_unavailable"

	// CodeTimeout indicates the action exceeded its per-action deadline.
	CodeTimeout ErrorCode = "timeout"
)

type (
	// ActionError is the structured failure payload of one action.
	ActionError struct {
		Code    ErrorCode
		Message string
		Cause   error
	}

	// Outcome is the result of executing one action. A failed action sets
	// Err; screenshot outcomes (including automatic follow-up captures)
	// carry the image in ImagePNG.
	Outcome struct {
		Text     string
		ImagePNG []byte
		Err      *ActionError
	}
)

// Error implements the error interface.
func (e *ActionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ActionError) Unwrap() error { return e.Cause }

// Failed reports whether the action failed.
func (o Outcome) Failed() bool { return o.Err != nil }
