package model

import (
	"encoding/json"
	"fmt"
)

// partEnvelope is the serialized form of a Part. Kind discriminates the
// variant so transcripts survive a round trip through JSON.
type partEnvelope struct {
	Kind      string          `json:"kind"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ImagePNG  []byte          `json:"image_png,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

const (
	partKindText       = "text"
	partKindToolUse    = "tool_use"
	partKindToolResult = "tool_result"
)

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	envs := make([]partEnvelope, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch part := p.(type) {
		case TextPart:
			envs = append(envs, partEnvelope{Kind: partKindText, Text: part.Text})
		case ToolUsePart:
			envs = append(envs, partEnvelope{Kind: partKindToolUse, ID: part.ID, Name: part.Name, Input: part.Input})
		case ToolResultPart:
			envs = append(envs, partEnvelope{
				Kind:      partKindToolResult,
				ToolUseID: part.ToolUseID,
				Text:      part.Text,
				ImagePNG:  part.ImagePNG,
				IsError:   part.IsError,
			})
		default:
			return nil, fmt.Errorf("model: cannot marshal part of type %T", p)
		}
	}
	return json.Marshal(struct {
		Role  ConversationRole `json:"role"`
		Parts []partEnvelope   `json:"parts"`
	}{Role: m.Role, Parts: envs})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role  ConversationRole `json:"role"`
		Parts []partEnvelope   `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Parts = m.Parts[:0]
	for _, env := range raw.Parts {
		switch env.Kind {
		case partKindText:
			m.Parts = append(m.Parts, TextPart{Text: env.Text})
		case partKindToolUse:
			m.Parts = append(m.Parts, ToolUsePart{ID: env.ID, Name: env.Name, Input: env.Input})
		case partKindToolResult:
			m.Parts = append(m.Parts, ToolResultPart{
				ToolUseID: env.ToolUseID,
				Text:      env.Text,
				ImagePNG:  env.ImagePNG,
				IsError:   env.IsError,
			})
		default:
			return fmt.Errorf("model: unknown part kind %q", env.Kind)
		}
	}
	return nil
}
