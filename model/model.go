// Package model defines the provider-agnostic contract between the agent loop
// and a reasoning service. Provider adapters translate these types to and from
// their wire formats; the loop never sees provider SDK types.
package model

import (
	"context"
	"encoding/json"
)

// ConversationRole identifies the author of a message.
type ConversationRole string

// Conversation roles.
const (
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

type (
	// Client is the reasoning service seam. Implementations are expected
	// to classify failures as *ProviderError so the loop can distinguish
	// transient errors from fatal ones.
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request carries the full ordered session plus the tool schema for a
	// single completion call.
	Request struct {
		// Model names the provider model to invoke.
		Model string
		// System is the system prompt, if any.
		System string
		// Messages is the complete conversation prefix, oldest first.
		Messages []*Message
		// Tools describes the actions the service may request.
		Tools []ToolDefinition
		// MaxTokens bounds the response length.
		MaxTokens int
		// Temperature controls sampling, 0 meaning provider default.
		Temperature float64
	}

	// Message is one conversation entry composed of ordered parts.
	Message struct {
		Role  ConversationRole
		Parts []Part
	}

	// Part is one typed segment of a message.
	Part interface {
		isPart()
	}

	// TextPart is plain assistant or user text.
	TextPart struct {
		Text string
	}

	// ToolUsePart records an action the assistant requested.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart reports the outcome of one requested action. A
	// failed action sets IsError with a textual explanation; screenshot
	// outcomes carry the image alongside any text.
	ToolResultPart struct {
		ToolUseID string
		Text      string
		ImagePNG  []byte
		IsError   bool
	}

	// ToolDefinition describes one tool the service may call. InputSchema
	// is a JSON Schema document for the tool parameters.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema json.RawMessage
	}

	// ToolCall is one action requested by the service.
	ToolCall struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// TokenUsage reports provider token accounting for one call.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}

	// Response is the parsed provider reply: free text plus zero or more
	// requested actions.
	Response struct {
		Text       string
		ToolCalls  []ToolCall
		StopReason string
		Usage      TokenUsage
	}
)

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// UserText builds a user message holding a single text part.
func UserText(text string) *Message {
	return &Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// AssistantTurn builds an assistant message from optional text and the
// requested tool calls, preserving call order.
func AssistantTurn(text string, calls []ToolCall) *Message {
	msg := &Message{Role: RoleAssistant}
	if text != "" {
		msg.Parts = append(msg.Parts, TextPart{Text: text})
	}
	for _, c := range calls {
		msg.Parts = append(msg.Parts, ToolUsePart{ID: c.ID, Name: c.Name, Input: c.Input})
	}
	return msg
}
