// Package stream carries incremental run events to live consumers (a CLI, a
// UI, a recorder). The loop publishes; consumers attach sinks to a Bus.
package stream

import (
	"context"
	"time"
)

// EventType identifies the kind of a run event.
type EventType string

// Run event types.
const (
	// EventAssistantTurn is published after each service response.
	EventAssistantTurn EventType = "assistant_turn"
	// EventToolStart is published before each action executes.
	EventToolStart EventType = "tool_start"
	// EventToolEnd is published after each action completes.
	EventToolEnd EventType = "tool_end"
	// EventRunEnded is published exactly once when a terminal state is
	// reached.
	EventRunEnded EventType = "run_ended"
)

type (
	// Event is one incremental run notification.
	Event interface {
		Type() EventType
		RunID() string
	}

	// Sink consumes run events. Send is called sequentially from the
	// loop; a Sink that fans out to slow consumers should buffer
	// internally rather than block the run.
	Sink interface {
		Send(ctx context.Context, ev Event) error
		Close() error
	}

	// Base carries the fields shared by every event. Embed it in concrete
	// event types.
	Base struct {
		typ   EventType
		runID string
	}

	// AssistantTurnEvent reports a service response: its free text and
	// how many actions it requested.
	AssistantTurnEvent struct {
		Base
		Text        string
		ActionCount int
	}

	// ToolStartEvent reports that an action is about to execute.
	ToolStartEvent struct {
		Base
		ToolCallID string
		Action     string
	}

	// ToolEndEvent reports the outcome of one action.
	ToolEndEvent struct {
		Base
		ToolCallID string
		Text       string
		IsError    bool
		ErrorCode  string
		HasImage   bool
		Elapsed    time.Duration
	}

	// RunEndedEvent reports the terminal state of the run.
	RunEndedEvent struct {
		Base
		Reason  string
		Message string
	}
)

// NewBase constructs the shared portion of an event.
func NewBase(typ EventType, runID string) Base {
	return Base{typ: typ, runID: runID}
}

// Type implements Event.
func (b Base) Type() EventType { return b.typ }

// RunID implements Event.
func (b Base) RunID() string { return b.runID }

// NopSink discards all events.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(context.Context, Event) error { return nil }

// Close implements Sink.
func (NopSink) Close() error { return nil }
