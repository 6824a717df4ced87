package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskpilot/deskpilot/agent/stream"
	"github.com/deskpilot/deskpilot/computer/dispatch"
	"github.com/deskpilot/deskpilot/model"
)

// scriptedClient returns a fixed sequence of responses and errors.
type scriptedClient struct {
	mu       sync.Mutex
	steps    []scriptStep
	requests []model.Request
	block    chan struct{} // when set, Complete waits for ctx cancellation
}

type scriptStep struct {
	resp model.Response
	err  error
}

func (c *scriptedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	n := len(c.requests)
	block := c.block
	c.mu.Unlock()
	if block != nil {
		close(block)
		<-ctx.Done()
		return model.Response{}, ctx.Err()
	}
	if n > len(c.steps) {
		return model.Response{}, fmt.Errorf("unexpected call %d", n)
	}
	step := c.steps[n-1]
	return step.resp, step.err
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// scriptExecutor records every dispatched action and replies via fn.
type scriptExecutor struct {
	mu     sync.Mutex
	inputs []string
	fn     func(n int, raw json.RawMessage) (dispatch.Outcome, error)
}

func (e *scriptExecutor) ToolDefinition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "computer",
		Description: "desktop control",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

func (e *scriptExecutor) Execute(ctx context.Context, raw json.RawMessage) (dispatch.Outcome, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, string(raw))
	n := len(e.inputs)
	e.mu.Unlock()
	if e.fn == nil {
		return dispatch.Outcome{Text: "ok"}, nil
	}
	return e.fn(n, raw)
}

func (e *scriptExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inputs...)
}

// recordingSink collects events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *recordingSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) types() []stream.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type()
	}
	return out
}

func turn(text string, calls ...model.ToolCall) scriptStep {
	return scriptStep{resp: model.Response{Text: text, ToolCalls: calls, StopReason: "tool_use"}}
}

func action(id, input string) model.ToolCall {
	return model.ToolCall{ID: id, Name: "computer", Input: json.RawMessage(input)}
}

func failOutcome(code dispatch.ErrorCode) dispatch.Outcome {
	aerr := &dispatch.ActionError{Code: code, Message: "boom"}
	return dispatch.Outcome{Text: aerr.Error(), Err: aerr}
}

func newTestLoop(t *testing.T, cfg Config, client model.Client, exec ActionExecutor, sink stream.Sink) *Loop {
	t.Helper()
	l, err := New(cfg, Deps{Client: client, Executor: exec, Sink: sink})
	require.NoError(t, err)
	l.sleep = func(context.Context, time.Duration) error { return nil }
	return l
}

func TestRunCompletes(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		turn("taking a look",
			action("c1", `{"action":"screenshot"}`),
			action("c2", `{"action":"left_click","coordinate":[10,20]}`)),
		turn("done"),
	}}
	exec := &scriptExecutor{}
	sink := &recordingSink{}
	l := newTestLoop(t, Config{}, client, exec, sink)

	res, err := l.Run(context.Background(), "open the settings panel")
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, "done", res.FinalText)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, StateCompleted, l.State())

	require.Len(t, exec.executed(), 2)
	assert.Contains(t, exec.executed()[0], "screenshot")

	// Transcript: instruction, assistant turn, batched results, final turn.
	msgs := l.Session().Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, model.RoleUser, msgs[2].Role)
	assert.Equal(t, model.RoleAssistant, msgs[3].Role)

	// Results arrive in execution order with matching identifiers.
	require.Len(t, msgs[2].Parts, 2)
	r0, ok := msgs[2].Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "c1", r0.ToolUseID)
	r1, ok := msgs[2].Parts[1].(model.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "c2", r1.ToolUseID)

	assert.Equal(t, []stream.EventType{
		stream.EventAssistantTurn,
		stream.EventToolStart, stream.EventToolEnd,
		stream.EventToolStart, stream.EventToolEnd,
		stream.EventAssistantTurn,
		stream.EventRunEnded,
	}, sink.types())
}

func TestRunCompletesWithoutActions(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{turn("nothing to do")}}
	exec := &scriptExecutor{}
	sink := &recordingSink{}
	l := newTestLoop(t, Config{}, client, exec, sink)

	res, err := l.Run(context.Background(), "say hi")
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, "nothing to do", res.FinalText)
	assert.Equal(t, 1, res.Iterations)
	assert.Empty(t, exec.executed())
	assert.Equal(t, []stream.EventType{stream.EventAssistantTurn, stream.EventRunEnded}, sink.types())
}

func TestConsecutiveFailuresAbortAtThreshold(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		turn("try", action("c1", `{"action":"left_click"}`)),
		turn("try again", action("c2", `{"action":"left_click"}`)),
		turn("once more", action("c3", `{"action":"left_click"}`)),
		turn("never reached", action("c4", `{"action":"left_click"}`)),
	}}
	exec := &scriptExecutor{fn: func(int, json.RawMessage) (dispatch.Outcome, error) {
		return failOutcome(dispatch.CodeExecutorUnavailable), nil
	}}
	sink := &recordingSink{}
	l := newTestLoop(t, Config{ConsecutiveFailureLimit: 3}, client, exec, sink)

	res, err := l.Run(context.Background(), "click it")
	require.NoError(t, err)
	assert.Equal(t, ReasonActionFailures, res.Reason)
	assert.Equal(t, StateAborted, l.State())
	// Exactly the threshold number of attempts, no more.
	assert.Len(t, exec.executed(), 3)
	assert.Equal(t, 3, client.callCount())

	// Every failure, including the terminal one, made it into the session.
	msgs := l.Session().Messages()
	last := msgs[len(msgs)-1]
	require.Len(t, last.Parts, 1)
	tr, ok := last.Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.True(t, tr.IsError)
}

func TestFailureStreakResetsOnSuccess(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		turn("batch",
			action("c1", `{"action":"left_click"}`),
			action("c2", `{"action":"left_click"}`),
			action("c3", `{"action":"screenshot"}`),
			action("c4", `{"action":"left_click"}`),
			action("c5", `{"action":"left_click"}`)),
		turn("done"),
	}}
	exec := &scriptExecutor{fn: func(n int, _ json.RawMessage) (dispatch.Outcome, error) {
		if n == 3 {
			return dispatch.Outcome{Text: "ok"}, nil
		}
		return failOutcome(dispatch.CodeTimeout), nil
	}}
	l := newTestLoop(t, Config{ConsecutiveFailureLimit: 3}, client, exec, &recordingSink{})

	res, err := l.Run(context.Background(), "keep going")
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Len(t, exec.executed(), 5)
}

func TestFailureStreakSpansIterations(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		turn("first", action("c1", `{"action":"left_click"}`)),
		turn("second", action("c2", `{"action":"left_click"}`)),
	}}
	exec := &scriptExecutor{fn: func(int, json.RawMessage) (dispatch.Outcome, error) {
		return failOutcome(dispatch.CodeOutOfBounds), nil
	}}
	l := newTestLoop(t, Config{ConsecutiveFailureLimit: 2}, client, exec, &recordingSink{})

	res, err := l.Run(context.Background(), "click")
	require.NoError(t, err)
	assert.Equal(t, ReasonActionFailures, res.Reason)
	assert.Len(t, exec.executed(), 2)
	assert.Equal(t, 2, client.callCount())
}

func TestAbortOnFirstActionFailure(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		turn("go", action("c1", `{"action":"left_click"}`)),
	}}
	exec := &scriptExecutor{fn: func(int, json.RawMessage) (dispatch.Outcome, error) {
		return failOutcome(dispatch.CodeExecutorUnavailable), nil
	}}
	l := newTestLoop(t, Config{AbortOnActionFailure: true}, client, exec, &recordingSink{})

	res, err := l.Run(context.Background(), "click")
	require.NoError(t, err)
	assert.Equal(t, ReasonActionFailures, res.Reason)
	assert.Len(t, exec.executed(), 1)
}

func TestServiceRetriesTransientErrors(t *testing.T) {
	transient := model.NewProviderError("anthropic", "complete", 529, model.ProviderErrorKindUnavailable, "overloaded", true, nil)
	client := &scriptedClient{steps: []scriptStep{
		{err: transient},
		{err: transient},
		turn("done"),
	}}
	var waits []time.Duration
	l := newTestLoop(t, Config{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}, client, &scriptExecutor{}, &recordingSink{})
	l.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	res, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, 3, client.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestServiceBackoffIsCapped(t *testing.T) {
	transient := model.NewProviderError("anthropic", "complete", 429, model.ProviderErrorKindRateLimited, "slow down", true, nil)
	client := &scriptedClient{steps: []scriptStep{
		{err: transient}, {err: transient}, {err: transient}, {err: transient},
		turn("done"),
	}}
	var waits []time.Duration
	l := newTestLoop(t, Config{MaxServiceAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 2 * time.Second}, client, &scriptExecutor{}, &recordingSink{})
	l.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	res, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, waits)
}

func TestServiceFatalErrorAbortsImmediately(t *testing.T) {
	fatal := model.NewProviderError("anthropic", "complete", 401, model.ProviderErrorKindAuth, "bad key", false, nil)
	client := &scriptedClient{steps: []scriptStep{{err: fatal}}}
	sink := &recordingSink{}
	l := newTestLoop(t, Config{}, client, &scriptExecutor{}, sink)

	res, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, ReasonServiceError, res.Reason)
	assert.ErrorIs(t, res.Err, fatal)
	assert.Equal(t, 1, client.callCount())
	assert.Equal(t, []stream.EventType{stream.EventRunEnded}, sink.types())
}

func TestServiceRetriesExhausted(t *testing.T) {
	transient := model.NewProviderError("openai", "complete", 503, model.ProviderErrorKindUnavailable, "down", true, nil)
	client := &scriptedClient{steps: []scriptStep{
		{err: transient}, {err: transient}, {err: transient},
	}}
	l := newTestLoop(t, Config{MaxServiceAttempts: 3}, client, &scriptExecutor{}, &recordingSink{})

	res, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, ReasonServiceError, res.Reason)
	assert.ErrorIs(t, res.Err, transient)
	assert.Equal(t, 3, client.callCount())
}

func TestMaxIterations(t *testing.T) {
	step := turn("more", action("c1", `{"action":"screenshot"}`))
	client := &scriptedClient{steps: []scriptStep{step, step}}
	l := newTestLoop(t, Config{MaxIterations: 2}, client, &scriptExecutor{}, &recordingSink{})

	res, err := l.Run(context.Background(), "forever")
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxIterations, res.Reason)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, client.callCount())
}

func TestCancellationDuringServiceCall(t *testing.T) {
	client := &scriptedClient{block: make(chan struct{})}
	exec := &scriptExecutor{}
	sink := &recordingSink{}
	l := newTestLoop(t, Config{}, client, exec, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-client.block
		cancel()
	}()

	res, err := l.Run(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, ReasonCanceled, res.Reason)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, exec.executed())
	assert.Equal(t, []stream.EventType{stream.EventRunEnded}, sink.types())
}

func TestCancellationDuringAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{steps: []scriptStep{
		turn("go",
			action("c1", `{"action":"screenshot"}`),
			action("c2", `{"action":"screenshot"}`)),
	}}
	exec := &scriptExecutor{fn: func(n int, _ json.RawMessage) (dispatch.Outcome, error) {
		if n == 1 {
			cancel()
			return dispatch.Outcome{}, ctx.Err()
		}
		return dispatch.Outcome{Text: "ok"}, nil
	}}
	l := newTestLoop(t, Config{}, client, exec, &recordingSink{})

	res, err := l.Run(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, ReasonCanceled, res.Reason)
	// The second action never ran.
	assert.Len(t, exec.executed(), 1)
}

func TestUnknownToolReportedAsError(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		turn("using the wrong tool", model.ToolCall{ID: "c1", Name: "browser", Input: json.RawMessage(`{}`)}),
		turn("done"),
	}}
	exec := &scriptExecutor{}
	l := newTestLoop(t, Config{}, client, exec, &recordingSink{})

	res, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	// The dispatcher never saw the call; the service got an error result.
	assert.Empty(t, exec.executed())
	msgs := l.Session().Messages()
	tr, ok := msgs[2].Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Text, "browser")
}

func TestAssignsMissingToolCallIDs(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		turn("go", model.ToolCall{Name: "computer", Input: json.RawMessage(`{"action":"screenshot"}`)}),
		turn("done"),
	}}
	exec := &scriptExecutor{}
	l := newTestLoop(t, Config{}, client, exec, &recordingSink{})

	res, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)

	msgs := l.Session().Messages()
	tu, ok := msgs[1].Parts[len(msgs[1].Parts)-1].(model.ToolUsePart)
	require.True(t, ok)
	assert.NotEmpty(t, tu.ID)
	tr, ok := msgs[2].Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, tu.ID, tr.ToolUseID)
}

func TestRequestCarriesSessionAndTool(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		turn("step", action("c1", `{"action":"screenshot"}`)),
		turn("done"),
	}}
	l := newTestLoop(t, Config{Model: "claude-test", SystemPrompt: "be careful", MaxTokens: 2048}, client, &scriptExecutor{}, &recordingSink{})

	_, err := l.Run(context.Background(), "hello")
	require.NoError(t, err)

	require.Equal(t, 2, client.callCount())
	first, second := client.requests[0], client.requests[1]
	assert.Equal(t, "claude-test", first.Model)
	assert.Equal(t, "be careful", first.System)
	assert.Equal(t, 2048, first.MaxTokens)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "computer", first.Tools[0].Name)
	// The second request replays the whole transcript.
	assert.Len(t, first.Messages, 1)
	assert.Len(t, second.Messages, 3)
}

func TestNewValidation(t *testing.T) {
	exec := &scriptExecutor{}
	_, err := New(Config{}, Deps{Executor: exec})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Client: &scriptedClient{}})
	assert.Error(t, err)

	l, err := New(Config{}, Deps{Client: &scriptedClient{}, Executor: exec})
	require.NoError(t, err)
	_, err = l.Run(context.Background(), "")
	assert.Error(t, err)
}
