// Package loop drives one task execution: a sequential state machine that
// alternates between asking the reasoning service for the next step and
// executing the actions it requests, until the service stops requesting
// actions or the run aborts.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deskpilot/deskpilot/agent/session"
	"github.com/deskpilot/deskpilot/agent/stream"
	"github.com/deskpilot/deskpilot/computer/dispatch"
	"github.com/deskpilot/deskpilot/model"
	"github.com/deskpilot/deskpilot/telemetry"
)

// State is the loop's current phase. It is transient and owned by the loop;
// only the loop goroutine mutates it.
type State string

// Loop states.
const (
	StateRunning         State = "running"
	StateAwaitingService State = "awaiting_service"
	StateAwaitingAction  State = "awaiting_action"
	StateCompleted       State = "completed"
	StateAborted         State = "aborted"
)

// Reason explains why a run terminated.
type Reason string

// Termination reasons.
const (
	// ReasonCompleted means the service responded without requesting
	// actions: it judges the task finished.
	ReasonCompleted Reason = "completed"
	// ReasonCanceled means the caller canceled the run.
	ReasonCanceled Reason = "canceled"
	// ReasonMaxIterations means the configured iteration cap was hit.
	ReasonMaxIterations Reason = "max_iterations"
	// ReasonServiceError means the service failed non-transiently or
	// exhausted its retry budget.
	ReasonServiceError Reason = "service_error"
	// ReasonActionFailures means actions kept failing past the
	// configured consecutive-failure threshold.
	ReasonActionFailures Reason = "action_failures"
	// ReasonInternal means run infrastructure (such as an event sink)
	// failed.
	ReasonInternal Reason = "internal_error"
)

type (
	// ActionExecutor is the loop's view of the dispatcher. It is an
	// interface so tests can script outcomes without a screen.
	ActionExecutor interface {
		ToolDefinition() model.ToolDefinition
		Execute(ctx context.Context, raw json.RawMessage) (dispatch.Outcome, error)
	}

	// Config tunes loop behavior. Zero values select the defaults.
	Config struct {
		// Model and SystemPrompt are passed through to the service.
		Model        string
		SystemPrompt string
		MaxTokens    int
		Temperature  float64

		// MaxIterations caps service round trips, guarding against a
		// non-terminating service.
		MaxIterations int

		// MaxServiceAttempts bounds retries of one service call for
		// transient failures.
		MaxServiceAttempts int
		// InitialBackoff and MaxBackoff shape the capped exponential
		// backoff between retries.
		InitialBackoff time.Duration
		MaxBackoff     time.Duration

		// ConsecutiveFailureLimit aborts the run after this many
		// action failures in a row. Failures are still reported to the
		// service until the threshold is hit.
		ConsecutiveFailureLimit int
		// AbortOnActionFailure escalates the very first action failure
		// to an abort instead of reporting and continuing.
		AbortOnActionFailure bool
	}

	// Deps are the loop's collaborators.
	Deps struct {
		Client   model.Client
		Executor ActionExecutor
		Sink     stream.Sink
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		Tracer   telemetry.Tracer
	}

	// Result reports how a run ended.
	Result struct {
		Reason Reason
		// FinalText is the service's closing message on completion.
		FinalText  string
		Iterations int
		// Err carries the terminal error for aborted runs.
		Err error
	}

	// Loop executes one session. It is single-use: construct, Run once.
	Loop struct {
		cfg     Config
		client  model.Client
		exec    ActionExecutor
		sink    stream.Sink
		log     telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		runID string
		sess  *session.Session
		state State

		// failStreak counts consecutive action failures across turns.
		failStreak int

		// sleep is injected by tests to skip real backoff waits.
		sleep func(ctx context.Context, d time.Duration) error
	}
)

const (
	defaultMaxIterations           = 50
	defaultMaxServiceAttempts      = 5
	defaultInitialBackoff          = time.Second
	defaultMaxBackoff              = 30 * time.Second
	defaultConsecutiveFailureLimit = 3
)

// New constructs a Loop.
func New(cfg Config, deps Deps) (*Loop, error) {
	if deps.Client == nil {
		return nil, errors.New("loop: model client is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("loop: action executor is required")
	}
	if deps.Sink == nil {
		deps.Sink = stream.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxServiceAttempts <= 0 {
		cfg.MaxServiceAttempts = defaultMaxServiceAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.ConsecutiveFailureLimit <= 0 {
		cfg.ConsecutiveFailureLimit = defaultConsecutiveFailureLimit
	}
	return &Loop{
		cfg:     cfg,
		client:  deps.Client,
		exec:    deps.Executor,
		sink:    deps.Sink,
		log:     deps.Logger,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		runID:   uuid.NewString(),
		sess:    session.New(),
		state:   StateRunning,
		sleep:   sleepContext,
	}, nil
}

// RunID returns this run's identifier.
func (l *Loop) RunID() string { return l.runID }

// Session returns the transcript, for inspection after the run.
func (l *Loop) Session() *session.Session { return l.sess }

// State returns the current phase. Meaningful only from the run goroutine or
// after Run returns.
func (l *Loop) State() State { return l.state }

// Run executes the loop to termination. The returned error is non-nil only
// for usage errors; every runtime failure is expressed as a Result with an
// abort reason, so callers always learn how the run ended.
func (l *Loop) Run(ctx context.Context, instruction string) (Result, error) {
	if instruction == "" {
		return Result{}, errors.New("loop: instruction is required")
	}
	l.sess.AppendUserText(instruction)
	l.log.Info(ctx, "run started", "run_id", l.runID, "session_id", l.sess.ID())

	for iter := 1; ; iter++ {
		if iter > l.cfg.MaxIterations {
			return l.abort(ctx, iter-1, ReasonMaxIterations,
				fmt.Sprintf("exceeded %d iterations", l.cfg.MaxIterations), nil), nil
		}

		l.state = StateAwaitingService
		resp, err := l.callService(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return l.abort(ctx, iter, ReasonCanceled, "canceled while awaiting service", ctx.Err()), nil
			}
			return l.abort(ctx, iter, ReasonServiceError, err.Error(), err), nil
		}

		calls := ensureCallIDs(resp.ToolCalls)
		l.sess.AppendAssistantTurn(resp.Text, calls)
		if err := l.publish(ctx, stream.AssistantTurnEvent{
			Base:        stream.NewBase(stream.EventAssistantTurn, l.runID),
			Text:        resp.Text,
			ActionCount: len(calls),
		}); err != nil {
			return l.abort(ctx, iter, ReasonInternal, "event sink failed", err), nil
		}

		if len(calls) == 0 {
			l.state = StateCompleted
			l.publishEnd(ctx, ReasonCompleted, "")
			l.log.Info(ctx, "run completed", "run_id", l.runID, "iterations", iter)
			l.metrics.IncCounter("deskpilot.runs", 1, "reason", string(ReasonCompleted))
			return Result{Reason: ReasonCompleted, FinalText: resp.Text, Iterations: iter}, nil
		}

		l.state = StateAwaitingAction
		results, abortResult := l.executeTurn(ctx, iter, calls)
		l.sess.AppendToolResults(results)
		if abortResult != nil {
			return *abortResult, nil
		}
		l.state = StateRunning
	}
}

// executeTurn runs one turn's actions sequentially: the service's next
// decision depends on all prior outcomes, so actions are never parallelized.
// The returned results always cover every executed action, even when the turn
// ends in an abort.
func (l *Loop) executeTurn(ctx context.Context, iter int, calls []model.ToolCall) ([]session.ToolResult, *Result) {
	toolName := l.exec.ToolDefinition().Name
	results := make([]session.ToolResult, 0, len(calls))

	for _, call := range calls {
		if ctx.Err() != nil {
			r := l.abort(ctx, iter, ReasonCanceled, "canceled before action", ctx.Err())
			return results, &r
		}
		if err := l.publish(ctx, stream.ToolStartEvent{
			Base:       stream.NewBase(stream.EventToolStart, l.runID),
			ToolCallID: call.ID,
			Action:     string(call.Input),
		}); err != nil {
			r := l.abort(ctx, iter, ReasonInternal, "event sink failed", err)
			return results, &r
		}

		started := time.Now()
		out, err := l.executeCall(ctx, toolName, call)
		if err != nil {
			r := l.abort(ctx, iter, ReasonCanceled, "canceled during action", err)
			return results, &r
		}

		results = append(results, session.ToolResult{
			ToolUseID: call.ID,
			Text:      out.Text,
			ImagePNG:  out.ImagePNG,
			IsError:   out.Failed(),
		})
		endEv := stream.ToolEndEvent{
			Base:       stream.NewBase(stream.EventToolEnd, l.runID),
			ToolCallID: call.ID,
			Text:       out.Text,
			IsError:    out.Failed(),
			HasImage:   len(out.ImagePNG) > 0,
			Elapsed:    time.Since(started),
		}
		if out.Failed() {
			endEv.ErrorCode = string(out.Err.Code)
		}
		if err := l.publish(ctx, endEv); err != nil {
			r := l.abort(ctx, iter, ReasonInternal, "event sink failed", err)
			return results, &r
		}

		if out.Failed() {
			l.failStreak++
			l.log.Warn(ctx, "action failed",
				"run_id", l.runID, "tool_call_id", call.ID, "code", string(out.Err.Code), "streak", l.failStreak)
			if l.cfg.AbortOnActionFailure || l.failStreak >= l.cfg.ConsecutiveFailureLimit {
				r := l.abort(ctx, iter, ReasonActionFailures,
					fmt.Sprintf("%d consecutive action failures", l.failStreak), out.Err)
				return results, &r
			}
		} else {
			l.failStreak = 0
		}
	}
	return results, nil
}

// executeCall dispatches one action, turning calls against unknown tools into
// reported failures rather than crashes.
func (l *Loop) executeCall(ctx context.Context, toolName string, call model.ToolCall) (dispatch.Outcome, error) {
	if call.Name != toolName {
		aerr := &dispatch.ActionError{
			Code:    dispatch.CodeUnsupportedAction,
			Message: fmt.Sprintf("unknown tool %q", call.Name),
		}
		return dispatch.Outcome{Text: aerr.Error(), Err: aerr}, nil
	}
	return l.exec.Execute(ctx, call.Input)
}

// callService invokes the reasoning service with the full session prefix,
// retrying transient failures with capped exponential backoff.
func (l *Loop) callService(ctx context.Context) (model.Response, error) {
	req := model.Request{
		Model:       l.cfg.Model,
		System:      l.cfg.SystemPrompt,
		Messages:    l.sess.Messages(),
		Tools:       []model.ToolDefinition{l.exec.ToolDefinition()},
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
	}

	backoff := l.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxServiceAttempts; attempt++ {
		spanCtx, span := l.tracer.Start(ctx, "service.complete")
		resp, err := l.client.Complete(spanCtx, req)
		span.End()
		if err == nil {
			l.metrics.IncCounter("deskpilot.service_calls", 1, "status", "ok")
			l.metrics.RecordGauge("deskpilot.tokens_in", float64(resp.Usage.InputTokens))
			l.metrics.RecordGauge("deskpilot.tokens_out", float64(resp.Usage.OutputTokens))
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return model.Response{}, ctx.Err()
		}
		if !model.Retryable(err) {
			l.metrics.IncCounter("deskpilot.service_calls", 1, "status", "fatal")
			return model.Response{}, err
		}
		l.metrics.IncCounter("deskpilot.service_calls", 1, "status", "retry")
		if attempt == l.cfg.MaxServiceAttempts {
			break
		}
		l.log.Warn(ctx, "service call failed, retrying",
			"run_id", l.runID, "attempt", attempt, "backoff", backoff.String(), "error", err.Error())
		if serr := l.sleep(ctx, backoff); serr != nil {
			return model.Response{}, serr
		}
		backoff *= 2
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
	}
	return model.Response{}, fmt.Errorf("service failed after %d attempts: %w", l.cfg.MaxServiceAttempts, lastErr)
}

func (l *Loop) abort(ctx context.Context, iterations int, reason Reason, msg string, cause error) Result {
	l.state = StateAborted
	l.publishEnd(ctx, reason, msg)
	l.log.Error(ctx, "run aborted", "run_id", l.runID, "reason", string(reason), "detail", msg)
	l.metrics.IncCounter("deskpilot.runs", 1, "reason", string(reason))
	return Result{Reason: reason, Iterations: iterations, Err: cause}
}

func (l *Loop) publish(ctx context.Context, ev stream.Event) error {
	// Events must flow even when the run context was just canceled, so
	// delivery does not use ctx for gating, only for tracing metadata.
	return l.sink.Send(ctx, ev)
}

// publishEnd is best-effort: a broken sink must not mask the terminal result.
func (l *Loop) publishEnd(ctx context.Context, reason Reason, msg string) {
	ev := stream.RunEndedEvent{
		Base:    stream.NewBase(stream.EventRunEnded, l.runID),
		Reason:  string(reason),
		Message: msg,
	}
	if err := l.sink.Send(ctx, ev); err != nil {
		l.log.Error(ctx, "failed to publish run end", "run_id", l.runID, "error", err.Error())
	}
}

// ensureCallIDs assigns identifiers to calls the provider left unlabeled so
// results can always be correlated.
func ensureCallIDs(calls []model.ToolCall) []model.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
	}
	return calls
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
