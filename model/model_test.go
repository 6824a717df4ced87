package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssistantTurn(t *testing.T) {
	calls := []ToolCall{
		{ID: "call-1", Name: "computer", Input: json.RawMessage(`{"action":"screenshot"}`)},
		{ID: "call-2", Name: "computer", Input: json.RawMessage(`{"action":"key","text":"Return"}`)},
	}
	msg := AssistantTurn("taking a look", calls)

	require.Equal(t, RoleAssistant, msg.Role)
	require.Len(t, msg.Parts, 3)
	assert.Equal(t, TextPart{Text: "taking a look"}, msg.Parts[0])
	assert.Equal(t, "call-1", msg.Parts[1].(ToolUsePart).ID)
	assert.Equal(t, "call-2", msg.Parts[2].(ToolUsePart).ID)
}

func TestAssistantTurnNoText(t *testing.T) {
	msg := AssistantTurn("", []ToolCall{{ID: "c", Name: "computer"}})
	require.Len(t, msg.Parts, 1)
	_, ok := msg.Parts[0].(ToolUsePart)
	assert.True(t, ok)
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := &Message{
		Role: RoleUser,
		Parts: []Part{
			TextPart{Text: "hello"},
			ToolResultPart{ToolUseID: "call-1", Text: "done", ImagePNG: []byte{0x89, 'P', 'N', 'G'}, IsError: false},
			ToolResultPart{ToolUseID: "call-2", Text: "out of bounds", IsError: true},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, msg.Role, got.Role)
	assert.Equal(t, msg.Parts, got.Parts)
}

func TestMessageJSONUnknownKind(t *testing.T) {
	var got Message
	err := json.Unmarshal([]byte(`{"role":"user","parts":[{"kind":"audio"}]}`), &got)
	require.Error(t, err)
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status    int
		kind      ProviderErrorKind
		retryable bool
	}{
		{401, ProviderErrorKindAuth, false},
		{403, ProviderErrorKindAuth, false},
		{429, ProviderErrorKindRateLimited, true},
		{400, ProviderErrorKindInvalidRequest, false},
		{404, ProviderErrorKindInvalidRequest, false},
		{500, ProviderErrorKindUnavailable, true},
		{529, ProviderErrorKindUnavailable, true},
		{0, ProviderErrorKindUnknown, false},
	}
	for _, tc := range cases {
		kind, retryable := ClassifyStatus(tc.status)
		assert.Equal(t, tc.kind, kind, "status %d", tc.status)
		assert.Equal(t, tc.retryable, retryable, "status %d", tc.status)
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("connection reset")
	pe := NewProviderError("anthropic", "messages", 529, ProviderErrorKindUnavailable, "overloaded", true, cause)

	assert.True(t, pe.Retryable())
	assert.Equal(t, 529, pe.HTTPStatus())
	assert.Contains(t, pe.Error(), "anthropic")
	assert.Contains(t, pe.Error(), "overloaded")
	assert.ErrorIs(t, pe, cause)

	got, ok := AsProviderError(pe)
	require.True(t, ok)
	assert.Equal(t, pe, got)

	assert.True(t, Retryable(pe))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestProviderErrorRequiresProvider(t *testing.T) {
	assert.Panics(t, func() {
		NewProviderError("", "op", 0, ProviderErrorKindUnknown, "", false, nil)
	})
}
