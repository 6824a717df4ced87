package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/deskpilot/deskpilot/agent/loop"
	"github.com/deskpilot/deskpilot/computer/dispatch"
	"github.com/deskpilot/deskpilot/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubClient replies with a fixed sequence; when exhausted it blocks until
// the context is canceled.
type stubClient struct {
	mu    sync.Mutex
	resps []model.Response
	calls int
}

func (c *stubClient) Complete(ctx context.Context, _ model.Request) (model.Response, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n > len(c.resps) {
		<-ctx.Done()
		return model.Response{}, ctx.Err()
	}
	return c.resps[n-1], nil
}

type stubExecutor struct{}

func (stubExecutor) ToolDefinition() model.ToolDefinition {
	return model.ToolDefinition{Name: "computer", InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (stubExecutor) Execute(context.Context, json.RawMessage) (dispatch.Outcome, error) {
	return dispatch.Outcome{Text: "ok"}, nil
}

func TestStartAndWait(t *testing.T) {
	client := &stubClient{resps: []model.Response{
		{Text: "looking", ToolCalls: []model.ToolCall{{ID: "c1", Name: "computer", Input: json.RawMessage(`{"action":"screenshot"}`)}}},
		{Text: "all done"},
	}}
	a := New(loop.Config{}, loop.Deps{Client: client, Executor: stubExecutor{}})

	h, err := a.Start(context.Background(), "check the screen")
	require.NoError(t, err)
	require.NotEmpty(t, h.RunID())

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, loop.ReasonCompleted, res.Reason)
	assert.Equal(t, "all done", res.FinalText)
	assert.Equal(t, 4, h.Session().Len())
}

func TestCancelStopsRun(t *testing.T) {
	// No scripted responses: the client parks until cancellation.
	a := New(loop.Config{}, loop.Deps{Client: &stubClient{}, Executor: stubExecutor{}})

	h, err := a.Start(context.Background(), "wait forever")
	require.NoError(t, err)

	h.Cancel()
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, loop.ReasonCanceled, res.Reason)

	select {
	case <-h.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestParentContextCancelsRun(t *testing.T) {
	a := New(loop.Config{}, loop.Deps{Client: &stubClient{}, Executor: stubExecutor{}})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := a.Start(ctx, "wait forever")
	require.NoError(t, err)

	cancel()
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, loop.ReasonCanceled, res.Reason)
}

func TestWaitHonorsContext(t *testing.T) {
	a := New(loop.Config{}, loop.Deps{Client: &stubClient{}, Executor: stubExecutor{}})

	h, err := a.Start(context.Background(), "wait forever")
	require.NoError(t, err)
	defer func() {
		h.Cancel()
		_, _ = h.Wait(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartValidation(t *testing.T) {
	a := New(loop.Config{}, loop.Deps{Client: &stubClient{}, Executor: stubExecutor{}})
	_, err := a.Start(context.Background(), "")
	assert.Error(t, err)

	bad := New(loop.Config{}, loop.Deps{})
	_, err = bad.Start(context.Background(), "do something")
	assert.Error(t, err)
}
