package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskpilot/deskpilot/model"
)

func TestAppendOrdering(t *testing.T) {
	s := New()
	require.NotEmpty(t, s.ID())

	s.AppendUserText("open the settings")
	s.AppendAssistantTurn("clicking the gear icon", []model.ToolCall{
		{ID: "call-1", Name: "computer", Input: json.RawMessage(`{"action":"left_click","coordinate":[10,10]}`)},
	})
	s.AppendToolResults([]ToolResult{
		{ToolUseID: "call-1", ImagePNG: []byte("png")},
	})
	s.AppendAssistantTurn("done", nil)

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, model.RoleUser, msgs[2].Role)
	assert.Equal(t, model.RoleAssistant, msgs[3].Role)

	result, ok := msgs[2].Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "call-1", result.ToolUseID)
}

func TestToolResultBatchStaysOneMessage(t *testing.T) {
	s := New()
	s.AppendUserText("do two things")
	s.AppendToolResults([]ToolResult{
		{ToolUseID: "call-1", Text: "ok"},
		{ToolUseID: "call-2", Text: "out_of_bounds: (9,9)", IsError: true},
	})

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].Parts, 2)
	first := msgs[1].Parts[0].(model.ToolResultPart)
	second := msgs[1].Parts[1].(model.ToolResultPart)
	assert.Equal(t, "call-1", first.ToolUseID)
	assert.Equal(t, "call-2", second.ToolUseID)
	assert.True(t, second.IsError)
}

func TestEmptyToolResultBatchIgnored(t *testing.T) {
	s := New()
	s.AppendToolResults(nil)
	assert.Zero(t, s.Len())
}

func TestMessagesReturnsCopy(t *testing.T) {
	s := New()
	s.AppendUserText("a")
	s.AppendUserText("b")

	msgs := s.Messages()
	msgs[0], msgs[1] = msgs[1], msgs[0]

	fresh := s.Messages()
	assert.Equal(t, model.TextPart{Text: "a"}, fresh[0].Parts[0])
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New()
	s.AppendUserText("take a screenshot")
	s.AppendAssistantTurn("", []model.ToolCall{
		{ID: "call-1", Name: "computer", Input: json.RawMessage(`{"action":"screenshot"}`)},
	})

	data, err := s.Snapshot()
	require.NoError(t, err)

	var decoded struct {
		ID       string           `json:"id"`
		Messages []*model.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, s.ID(), decoded.ID)
	require.Len(t, decoded.Messages, 2)
	assert.Equal(t, model.RoleAssistant, decoded.Messages[1].Role)
}
