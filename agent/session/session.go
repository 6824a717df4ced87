// Package session maintains the ordered conversation history for one task
// execution. The transcript is strictly append-only: the reasoning service is
// always handed the complete, unmodified prefix, never a truncated or
// reordered view.
package session

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/deskpilot/deskpilot/model"
)

type (
	// ToolResult is the outcome of one requested action, correlated to its
	// tool call by ToolUseID.
	ToolResult struct {
		ToolUseID string
		Text      string
		ImagePNG  []byte
		IsError   bool
	}

	// Session is the append-only transcript of one run. It is not safe
	// for concurrent use; the loop owns it exclusively.
	Session struct {
		id   string
		msgs []*model.Message
	}
)

// New constructs an empty session with a fresh identifier.
func New() *Session {
	return &Session{id: uuid.NewString()}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Len returns the number of messages recorded so far.
func (s *Session) Len() int { return len(s.msgs) }

// AppendUserText records a user instruction.
func (s *Session) AppendUserText(text string) {
	s.msgs = append(s.msgs, model.UserText(text))
}

// AppendAssistantTurn records the service's reply: optional free text plus
// the requested actions, in the order the service gave them.
func (s *Session) AppendAssistantTurn(text string, calls []model.ToolCall) {
	s.msgs = append(s.msgs, model.AssistantTurn(text, calls))
}

// AppendToolResults records the outcomes of one action batch as a single
// user message, preserving execution order.
func (s *Session) AppendToolResults(results []ToolResult) {
	if len(results) == 0 {
		return
	}
	msg := &model.Message{Role: model.RoleUser}
	for _, r := range results {
		msg.Parts = append(msg.Parts, model.ToolResultPart{
			ToolUseID: r.ToolUseID,
			Text:      r.Text,
			ImagePNG:  r.ImagePNG,
			IsError:   r.IsError,
		})
	}
	s.msgs = append(s.msgs, msg)
}

// Messages returns the full ordered prefix. The returned slice is a copy so
// callers cannot reorder the transcript; the messages themselves are shared
// and must be treated as immutable.
func (s *Session) Messages() []*model.Message {
	out := make([]*model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Snapshot serializes the transcript for persistence or debugging.
func (s *Session) Snapshot() ([]byte, error) {
	return json.MarshalIndent(struct {
		ID       string           `json:"id"`
		Messages []*model.Message `json:"messages"`
	}{ID: s.id, Messages: s.msgs}, "", "  ")
}
