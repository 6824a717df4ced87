package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/deskpilot/deskpilot/agent/stream"
)

const roundTo = time.Millisecond

// consoleSink renders run events as terminal output.
type consoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

// Send implements stream.Sink.
func (s *consoleSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case stream.AssistantTurnEvent:
		if e.Text != "" {
			fmt.Fprintln(s.out, e.Text)
		}
		if e.ActionCount > 0 {
			fmt.Fprintf(s.out, "  [%d action(s) requested]\n", e.ActionCount)
		}
	case stream.ToolStartEvent:
		fmt.Fprintf(s.out, "  > %s\n", e.Action)
	case stream.ToolEndEvent:
		mark := "ok"
		if e.IsError {
			mark = "failed"
		}
		line := fmt.Sprintf("  < %s in %s", mark, e.Elapsed.Round(roundTo))
		if e.IsError && e.ErrorCode != "" {
			line += " (" + e.ErrorCode + ")"
		}
		fmt.Fprintln(s.out, line)
	case stream.RunEndedEvent:
		if e.Message != "" {
			fmt.Fprintf(s.out, "run ended: %s (%s)\n", e.Reason, e.Message)
		} else {
			fmt.Fprintf(s.out, "run ended: %s\n", e.Reason)
		}
	}
	return nil
}

// Close implements stream.Sink.
func (s *consoleSink) Close() error { return nil }
