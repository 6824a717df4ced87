// Command deskpilot runs a desktop-automation agent: it hands an instruction
// to a reasoning service and executes the service's screen actions until the
// task completes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/deskpilot/deskpilot/agent"
	"github.com/deskpilot/deskpilot/agent/loop"
	"github.com/deskpilot/deskpilot/agent/stream"
	"github.com/deskpilot/deskpilot/computer/capture"
	"github.com/deskpilot/deskpilot/computer/dispatch"
	"github.com/deskpilot/deskpilot/computer/input"
	"github.com/deskpilot/deskpilot/config"
	"github.com/deskpilot/deskpilot/model"
	anthropicclient "github.com/deskpilot/deskpilot/model/anthropic"
	"github.com/deskpilot/deskpilot/model/middleware"
	openaiclient "github.com/deskpilot/deskpilot/model/openai"
	"github.com/deskpilot/deskpilot/telemetry"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitCanceled = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		verbose    bool
		code       = exitFailed
	)

	cmd := &cobra.Command{
		Use:   "deskpilot [flags] instruction...",
		Short: "Drive a desktop through a reasoning service",
		Long: "deskpilot sends the instruction and screenshots of the display to a\n" +
			"reasoning service and executes the mouse and keyboard actions the\n" +
			"service requests, looping until the service declares the task done.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := log.Context(cmd.Context(), log.WithFormat(log.FormatTerminal))
			if verbose {
				ctx = log.Context(ctx, log.WithDebug())
			}

			var err error
			code, err = execute(ctx, configPath, strings.Join(args, " "))
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "deskpilot:", err)
		return code
	}
	return code
}

func execute(ctx context.Context, configPath, instruction string) (int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitFailed, err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	adapter := capture.NewX11(cfg.Display.Number, cfg.Display.Scaling, os.TempDir())
	// One probe shot establishes the physical resolution before any
	// coordinates are translated.
	probe, err := adapter.Capture(ctx)
	if err != nil {
		return exitFailed, fmt.Errorf("probe display :%d: %w", cfg.Display.Number, err)
	}
	logger.Info(ctx, "display probed",
		"display", cfg.Display.Number, "physical", probe.Physical.String(), "scaled", probe.Scaled.String())

	autoScreenshot := true
	if cfg.Dispatch.AutoScreenshot != nil {
		autoScreenshot = *cfg.Dispatch.AutoScreenshot
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		Executor: input.NewXDotool(cfg.Display.Number),
		Capture:  adapter,
		Physical: probe.Physical,
		Options: dispatch.Options{
			ActionTimeout:  cfg.Dispatch.ActionTimeout,
			MaxWait:        cfg.Dispatch.MaxWait,
			SettleDelay:    cfg.Dispatch.SettleDelay,
			AutoScreenshot: autoScreenshot,
			Scaling:        cfg.Display.Scaling,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return exitFailed, err
	}

	client, err := buildClient(cfg)
	if err != nil {
		return exitFailed, err
	}

	bus := stream.NewBus()
	defer bus.Close()
	if _, err := bus.Attach(&consoleSink{out: os.Stdout}); err != nil {
		return exitFailed, err
	}

	a := agent.New(loop.Config{
		Model:                   cfg.Service.Model,
		SystemPrompt:            cfg.Service.SystemPrompt,
		MaxTokens:               cfg.Service.MaxTokens,
		Temperature:             cfg.Service.Temperature,
		MaxIterations:           cfg.Loop.MaxIterations,
		MaxServiceAttempts:      cfg.Loop.MaxServiceAttempts,
		InitialBackoff:          cfg.Loop.InitialBackoff,
		MaxBackoff:              cfg.Loop.MaxBackoff,
		ConsecutiveFailureLimit: cfg.Loop.ConsecutiveFailureLimit,
		AbortOnActionFailure:    cfg.Loop.AbortOnActionFailure,
	}, loop.Deps{
		Client:   client,
		Executor: dispatcher,
		Sink:     bus,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := a.Start(runCtx, instruction)
	if err != nil {
		return exitFailed, err
	}
	// Wait on the parent context so a signal cancels the run rather than
	// abandoning it; the run then terminates with reason canceled.
	res, err := handle.Wait(ctx)
	if err != nil {
		return exitFailed, err
	}

	switch res.Reason {
	case loop.ReasonCompleted:
		return exitOK, nil
	case loop.ReasonCanceled:
		return exitCanceled, errors.New("run canceled")
	default:
		detail := string(res.Reason)
		if res.Err != nil {
			detail = fmt.Sprintf("%s: %v", res.Reason, res.Err)
		}
		return exitFailed, fmt.Errorf("run aborted: %s", detail)
	}
}

func buildClient(cfg config.Config) (model.Client, error) {
	var (
		client model.Client
		err    error
	)
	switch cfg.Service.Provider {
	case config.ProviderAnthropic:
		client, err = anthropicclient.NewFromAPIKey(cfg.APIKey, anthropicclient.Options{
			DefaultModel: cfg.Service.Model,
			MaxTokens:    cfg.Service.MaxTokens,
			Temperature:  cfg.Service.Temperature,
		})
	case config.ProviderOpenAI:
		client, err = openaiclient.NewFromAPIKey(cfg.APIKey, openaiclient.Options{
			DefaultModel: cfg.Service.Model,
			MaxTokens:    cfg.Service.MaxTokens,
			Temperature:  cfg.Service.Temperature,
		})
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Service.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RateLimit.InitialTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(float64(cfg.RateLimit.InitialTPM), float64(cfg.RateLimit.MaxTPM))
		client = limiter.Middleware()(client)
	}
	return client, nil
}
