// Package dispatch validates and executes the desktop actions requested by
// the reasoning service. It owns the screen resource: coordinate mapping,
// input injection and capture all flow through a single Dispatcher so the
// loop's dependencies stay explicit and substitutable.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/deskpilot/deskpilot/computer/capture"
	"github.com/deskpilot/deskpilot/computer/geometry"
	"github.com/deskpilot/deskpilot/computer/input"
	"github.com/deskpilot/deskpilot/model"
	"github.com/deskpilot/deskpilot/telemetry"
)

// ToolName is the wire name of the desktop tool advertised to the service.
const ToolName = "computer"

// validationSchema checks the shape of incoming tool input. The action tag is
// deliberately left unconstrained here so unknown tags surface as
// unsupported_action instead of a generic validation failure.
const validationSchema = `{
	"type": "object",
	"properties": {
		"action": {"type": "string"},
		"coordinate": {
			"type": "array",
			"items": {"type": "integer", "minimum": 0},
			"minItems": 2,
			"maxItems": 2
		},
		"start_coordinate": {
			"type": "array",
			"items": {"type": "integer", "minimum": 0},
			"minItems": 2,
			"maxItems": 2
		},
		"text": {"type": "string"},
		"scroll_direction": {"type": "string"},
		"scroll_amount": {"type": "integer", "minimum": 1},
		"duration": {"type": "number", "minimum": 0}
	},
	"required": ["action"],
	"additionalProperties": false
}`

// toolSchemaTmpl is the schema advertised to the reasoning service. Unlike
// the validation schema it enumerates the allowed actions so the service can
// plan without trial and error.
const toolSchemaTmpl = `{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": [%s],
			"description": "The action to perform on the desktop."
		},
		"coordinate": {
			"type": "array",
			"items": {"type": "integer", "minimum": 0},
			"minItems": 2,
			"maxItems": 2,
			"description": "Target [x, y] position in pixels from the top-left corner."
		},
		"start_coordinate": {
			"type": "array",
			"items": {"type": "integer", "minimum": 0},
			"minItems": 2,
			"maxItems": 2,
			"description": "Drag origin [x, y] for left_click_drag."
		},
		"text": {"type": "string", "description": "Text to type, or key combination to press."},
		"scroll_direction": {"type": "string", "enum": ["up", "down", "left", "right"]},
		"scroll_amount": {"type": "integer", "minimum": 1, "description": "Number of scroll notches."},
		"duration": {"type": "number", "minimum": 0, "description": "Seconds to wait."}
	},
	"required": ["action"]
}`

type (
	// Options tune dispatcher behavior. Zero values select the defaults.
	Options struct {
		// ActionTimeout is the per-action deadline. Actions exceeding
		// it fail with CodeTimeout.
		ActionTimeout time.Duration
		// MaxWait caps wait action durations; longer requests are
		// clamped, not rejected.
		MaxWait time.Duration
		// SettleDelay is how long the screen is given to settle before
		// the automatic follow-up screenshot.
		SettleDelay time.Duration
		// AutoScreenshot attaches a fresh capture to the outcome of
		// every screen-mutating action.
		AutoScreenshot bool
		// Scaling enables presenting large displays at a reduced
		// resolution.
		Scaling bool
	}

	// Config assembles a Dispatcher.
	Config struct {
		Executor input.Executor
		Capture  capture.Adapter
		// Physical is the display resolution at startup.
		Physical geometry.Resolution
		Options  Options
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}

	// Dispatcher validates raw tool input and executes the resulting
	// actions against the real screen.
	Dispatcher struct {
		exec    input.Executor
		cap     capture.Adapter
		mapper  *geometry.Mapper
		schema  *jsonschema.Schema
		opts    Options
		log     telemetry.Logger
		metrics telemetry.Metrics
	}
)

const (
	defaultActionTimeout = 30 * time.Second
	defaultMaxWait       = 60 * time.Second
	defaultSettleDelay   = 2 * time.Second
)

// New constructs a Dispatcher for the given screen.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Executor == nil {
		return nil, errors.New("dispatch: executor is required")
	}
	if cfg.Capture == nil {
		return nil, errors.New("dispatch: capture adapter is required")
	}
	if cfg.Physical.Width <= 0 || cfg.Physical.Height <= 0 {
		return nil, fmt.Errorf("dispatch: invalid physical resolution %s", cfg.Physical)
	}
	opts := cfg.Options
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}

	schema, err := compileValidationSchema()
	if err != nil {
		return nil, fmt.Errorf("dispatch: compile schema: %w", err)
	}
	return &Dispatcher{
		exec:    cfg.Executor,
		cap:     cfg.Capture,
		mapper:  geometry.NewMapper(geometry.New(cfg.Physical, opts.Scaling)),
		schema:  schema,
		opts:    opts,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

func compileValidationSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(validationSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("action.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("action.json")
}

// Geometry returns the screen geometry currently in effect.
func (d *Dispatcher) Geometry() geometry.Geometry {
	return d.mapper.Geometry()
}

// ToolDefinition describes the desktop tool at the current scaled resolution.
func (d *Dispatcher) ToolDefinition() model.ToolDefinition {
	geo := d.mapper.Geometry()
	names := make([]string, len(allKinds))
	for i, k := range allKinds {
		names[i] = fmt.Sprintf("%q", string(k))
	}
	return model.ToolDefinition{
		Name: ToolName,
		Description: fmt.Sprintf(
			"Control the desktop with mouse, keyboard and screenshots. "+
				"The screen resolution is %dx%d pixels; coordinates are [x, y] "+
				"measured from the top-left corner. Screenshots reflect this "+
				"resolution.",
			geo.Scaled.Width, geo.Scaled.Height),
		InputSchema: json.RawMessage(fmt.Sprintf(toolSchemaTmpl, strings.Join(names, ", "))),
	}
}

// Execute validates raw tool input and performs the action. The returned
// error is non-nil only when ctx is canceled; every other failure is reported
// inside the Outcome so the service sees it.
func (d *Dispatcher) Execute(ctx context.Context, raw json.RawMessage) (Outcome, error) {
	start := time.Now()
	action, aerr := d.parse(raw)
	if aerr != nil {
		d.record(ctx, "invalid", string(aerr.Code), time.Since(start))
		return failure(aerr), nil
	}

	out, err := d.perform(ctx, action)
	if err != nil {
		return Outcome{}, err
	}

	status := "ok"
	if out.Failed() {
		status = string(out.Err.Code)
	}
	d.record(ctx, string(action.Kind), status, time.Since(start))
	return out, nil
}

func (d *Dispatcher) record(ctx context.Context, kind, status string, elapsed time.Duration) {
	d.metrics.IncCounter("deskpilot.actions", 1, "action", kind, "status", status)
	d.metrics.RecordTimer("deskpilot.action_duration", elapsed, "action", kind)
	d.log.Debug(ctx, "action executed", "action", kind, "status", status, "elapsed", elapsed.String())
}

// parse checks the raw input against the validation schema and decodes it.
func (d *Dispatcher) parse(raw json.RawMessage) (Action, *ActionError) {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Action{}, &ActionError{Code: CodeInvalidInput, Message: "tool input is not valid JSON", Cause: err}
	}
	if err := d.schema.Validate(value); err != nil {
		return Action{}, &ActionError{Code: CodeInvalidInput, Message: "tool input failed validation", Cause: err}
	}
	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return Action{}, &ActionError{Code: CodeInvalidInput, Message: "tool input failed decoding", Cause: err}
	}
	return decodeAction(w)
}

func (d *Dispatcher) perform(ctx context.Context, a Action) (Outcome, error) {
	var out Outcome
	switch a.Kind {
	case KindScreenshot:
		shot, aerr, err := d.capture(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if aerr != nil {
			return failure(aerr), nil
		}
		out.ImagePNG = shot.PNG
		return out, nil

	case KindCursorPosition:
		var pos geometry.Point
		aerr, err := d.withDeadline(ctx, func(ctx context.Context) error {
			var perr error
			pos, perr = d.exec.CursorPosition(ctx)
			return perr
		})
		if err != nil {
			return Outcome{}, err
		}
		if aerr != nil {
			return failure(aerr), nil
		}
		scaled, merr := d.mapper.ToScaled(pos)
		if merr != nil {
			// The cursor can sit on a subsequently-disconnected
			// display; report rather than crash.
			return failure(&ActionError{Code: CodeOutOfBounds, Message: merr.Error(), Cause: merr}), nil
		}
		out.Text = fmt.Sprintf("X=%d,Y=%d", scaled.X, scaled.Y)
		return out, nil

	case KindWait:
		duration := a.Duration
		if duration > d.opts.MaxWait {
			duration = d.opts.MaxWait
		}
		if err := sleep(ctx, duration); err != nil {
			return Outcome{}, err
		}
		out.Text = fmt.Sprintf("waited %s", duration)
		return out, nil
	}

	// Remaining kinds drive the input executor.
	aerr, err := d.performInput(ctx, a)
	if err != nil {
		return Outcome{}, err
	}
	if aerr != nil {
		return failure(aerr), nil
	}
	if d.opts.AutoScreenshot && a.Kind.mutatesScreen() {
		return d.followUpScreenshot(ctx)
	}
	return out, nil
}

func (d *Dispatcher) performInput(ctx context.Context, a Action) (*ActionError, error) {
	var (
		target geometry.Point
		start  geometry.Point
	)
	if a.Coordinate != nil {
		p, merr := d.mapper.ToPhysical(*a.Coordinate)
		if merr != nil {
			return &ActionError{Code: CodeOutOfBounds, Message: merr.Error(), Cause: merr}, nil
		}
		target = p
	}
	if a.Start != nil {
		p, merr := d.mapper.ToPhysical(*a.Start)
		if merr != nil {
			return &ActionError{Code: CodeOutOfBounds, Message: merr.Error(), Cause: merr}, nil
		}
		start = p
	}

	return d.withDeadline(ctx, func(ctx context.Context) error {
		switch a.Kind {
		case KindMouseMove:
			return d.exec.Move(ctx, target.X, target.Y)
		case KindLeftClick, KindRightClick, KindMiddleClick, KindDoubleClick:
			count := 1
			if a.Kind == KindDoubleClick {
				count = 2
			}
			if a.Coordinate == nil {
				pos, perr := d.exec.CursorPosition(ctx)
				if perr != nil {
					return perr
				}
				target = pos
			}
			return d.exec.Click(ctx, clickButtons[a.Kind], target.X, target.Y, count)
		case KindLeftClickDrag:
			return d.exec.Drag(ctx, start.X, start.Y, target.X, target.Y)
		case KindType:
			return d.exec.Type(ctx, a.Text)
		case KindKey:
			return d.exec.Key(ctx, a.Text)
		case KindScroll:
			return d.exec.Scroll(ctx, target.X, target.Y, a.ScrollDirection, a.ScrollAmount)
		default:
			return fmt.Errorf("unhandled action %q", a.Kind)
		}
	})
}

// followUpScreenshot waits for the screen to settle and attaches a fresh
// capture so the service sees the effect of the action it just took.
func (d *Dispatcher) followUpScreenshot(ctx context.Context) (Outcome, error) {
	if err := sleep(ctx, d.opts.SettleDelay); err != nil {
		return Outcome{}, err
	}
	shot, aerr, err := d.capture(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if aerr != nil {
		return failure(aerr), nil
	}
	return Outcome{ImagePNG: shot.PNG}, nil
}

// capture takes a screenshot and refreshes the coordinate mapper if the
// display resolution changed since the last look.
func (d *Dispatcher) capture(ctx context.Context) (capture.Shot, *ActionError, error) {
	shot, err := d.cap.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return capture.Shot{}, nil, ctx.Err()
		}
		return capture.Shot{}, &ActionError{Code: CodeCaptureUnavailable, Message: "screenshot failed", Cause: err}, nil
	}
	if d.mapper.Refresh(shot.Physical, d.opts.Scaling) {
		d.log.Info(ctx, "display geometry changed",
			"physical", shot.Physical.String(), "scaled", d.mapper.Geometry().Scaled.String())
	}
	return shot, nil, nil
}

// withDeadline runs f under the per-action deadline and classifies failures.
// The returned error is non-nil only for caller cancellation.
func (d *Dispatcher) withDeadline(ctx context.Context, f func(ctx context.Context) error) (*ActionError, error) {
	actionCtx, cancel := context.WithTimeout(ctx, d.opts.ActionTimeout)
	defer cancel()

	err := f(actionCtx)
	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ActionError{
			Code:    CodeTimeout,
			Message: fmt.Sprintf("action exceeded %s deadline", d.opts.ActionTimeout),
			Cause:   err,
		}, nil
	}
	if errors.Is(err, input.ErrUnavailable) {
		return &ActionError{Code: CodeExecutorUnavailable, Message: "automation tool unavailable", Cause: err}, nil
	}
	var execErr *input.Error
	if errors.As(err, &execErr) {
		return &ActionError{Code: CodeExecutorUnavailable, Message: execErr.Error(), Cause: err}, nil
	}
	return &ActionError{Code: CodeExecutorUnavailable, Message: err.Error(), Cause: err}, nil
}

func failure(aerr *ActionError) Outcome {
	return Outcome{Text: aerr.Error(), Err: aerr}
}

// sleep blocks for d or until ctx is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
