// Package agent starts and supervises task runs. Each run gets its own loop
// and session; the returned handle lets callers cancel and await it.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/deskpilot/deskpilot/agent/loop"
	"github.com/deskpilot/deskpilot/agent/session"
	"github.com/deskpilot/deskpilot/telemetry"
)

type (
	// Agent is a factory for runs. It is safe for concurrent use; every
	// Start spawns an independent loop.
	Agent struct {
		cfg  loop.Config
		deps loop.Deps
	}

	// Handle tracks one in-flight run.
	Handle struct {
		runID  string
		sess   *session.Session
		cancel context.CancelFunc
		done   chan struct{}

		mu     sync.Mutex
		result loop.Result
		err    error
	}
)

// New constructs an Agent. The loop dependencies are validated on Start, not
// here, so a partially wired agent fails loudly at the first run.
func New(cfg loop.Config, deps loop.Deps) *Agent {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	return &Agent{cfg: cfg, deps: deps}
}

// Start launches a run for instruction. The run inherits cancellation from
// ctx and can additionally be stopped through the handle.
func (a *Agent) Start(ctx context.Context, instruction string) (*Handle, error) {
	if instruction == "" {
		return nil, errors.New("agent: instruction is required")
	}
	l, err := loop.New(a.cfg, a.deps)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		runID:  l.RunID(),
		sess:   l.Session(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer cancel()
		defer close(h.done)
		res, rerr := l.Run(runCtx, instruction)
		h.mu.Lock()
		h.result, h.err = res, rerr
		h.mu.Unlock()
	}()
	return h, nil
}

// RunID returns the run's identifier.
func (h *Handle) RunID() string { return h.runID }

// Session returns the run's transcript. Read it only after the run is done.
func (h *Handle) Session() *session.Session { return h.sess }

// Done is closed when the run terminates.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests the run stop at its next suspension point. It does not
// wait; use Wait to observe the terminal result.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the run terminates or ctx expires. A ctx expiry abandons
// the wait, not the run.
func (h *Handle) Wait(ctx context.Context) (loop.Result, error) {
	select {
	case <-ctx.Done():
		return loop.Result{}, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}
