// Package config loads and validates deskpilot configuration from a YAML
// file plus environment variables for credentials.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Environment variables consulted for credentials. Keys never live in the
// YAML file.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
)

type (
	// Config is the full runtime configuration.
	Config struct {
		Service   Service   `yaml:"service"`
		Display   Display   `yaml:"display"`
		Dispatch  Dispatch  `yaml:"dispatch"`
		Loop      Loop      `yaml:"loop"`
		RateLimit RateLimit `yaml:"rate_limit"`

		// APIKey is resolved from the environment, never from YAML.
		APIKey string `yaml:"-"`
	}

	// Service selects and tunes the reasoning service.
	Service struct {
		Provider     string  `yaml:"provider"`
		Model        string  `yaml:"model"`
		MaxTokens    int     `yaml:"max_tokens"`
		Temperature  float64 `yaml:"temperature"`
		SystemPrompt string  `yaml:"system_prompt"`
	}

	// Display describes the X display the agent controls.
	Display struct {
		Number  int  `yaml:"number"`
		Scaling bool `yaml:"scaling"`
	}

	// Dispatch tunes action execution.
	Dispatch struct {
		ActionTimeout  time.Duration `yaml:"action_timeout"`
		MaxWait        time.Duration `yaml:"max_wait"`
		SettleDelay    time.Duration `yaml:"settle_delay"`
		AutoScreenshot *bool         `yaml:"auto_screenshot"`
	}

	// Loop tunes run termination and retry behavior.
	Loop struct {
		MaxIterations           int           `yaml:"max_iterations"`
		MaxServiceAttempts      int           `yaml:"max_service_attempts"`
		InitialBackoff          time.Duration `yaml:"initial_backoff"`
		MaxBackoff              time.Duration `yaml:"max_backoff"`
		ConsecutiveFailureLimit int           `yaml:"consecutive_failure_limit"`
		AbortOnActionFailure    bool          `yaml:"abort_on_action_failure"`
	}

	// RateLimit tunes the adaptive token-per-minute limiter. Zero
	// InitialTPM disables it.
	RateLimit struct {
		InitialTPM int `yaml:"initial_tpm"`
		MaxTPM     int `yaml:"max_tpm"`
	}

	// Error describes an invalid configuration field.
	Error struct {
		Field   string
		Message string
	}
)

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Service: Service{
			Provider:  ProviderAnthropic,
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Display: Display{Number: 1, Scaling: true},
	}
}

// Load reads the YAML file at path, applies defaults, resolves credentials
// from the environment and validates the result. An empty path loads the
// defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.APIKey = apiKeyFor(cfg.Service.Provider)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration, returning every violation joined.
func (c Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &Error{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Service.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		add("service.provider", "must be %q or %q, got %q", ProviderAnthropic, ProviderOpenAI, c.Service.Provider)
	}
	if c.Service.Model == "" {
		add("service.model", "is required")
	}
	if c.Service.MaxTokens <= 0 {
		add("service.max_tokens", "must be positive, got %d", c.Service.MaxTokens)
	}
	if c.Service.Temperature < 0 || c.Service.Temperature > 2 {
		add("service.temperature", "must be in [0, 2], got %g", c.Service.Temperature)
	}
	if c.APIKey == "" {
		add("api key", "environment variable %s is not set", envVarFor(c.Service.Provider))
	}
	if c.Display.Number < 0 {
		add("display.number", "must not be negative, got %d", c.Display.Number)
	}
	if c.Dispatch.ActionTimeout < 0 {
		add("dispatch.action_timeout", "must not be negative")
	}
	if c.Dispatch.MaxWait < 0 {
		add("dispatch.max_wait", "must not be negative")
	}
	if c.Dispatch.SettleDelay < 0 {
		add("dispatch.settle_delay", "must not be negative")
	}
	if c.Loop.MaxIterations < 0 {
		add("loop.max_iterations", "must not be negative")
	}
	if c.Loop.InitialBackoff > 0 && c.Loop.MaxBackoff > 0 && c.Loop.InitialBackoff > c.Loop.MaxBackoff {
		add("loop.initial_backoff", "must not exceed loop.max_backoff")
	}
	if c.RateLimit.InitialTPM < 0 {
		add("rate_limit.initial_tpm", "must not be negative")
	}
	if c.RateLimit.MaxTPM != 0 && c.RateLimit.MaxTPM < c.RateLimit.InitialTPM {
		add("rate_limit.max_tpm", "must not be below rate_limit.initial_tpm")
	}
	return errors.Join(errs...)
}

func apiKeyFor(provider string) string {
	return os.Getenv(envVarFor(provider))
}

func envVarFor(provider string) string {
	if provider == ProviderOpenAI {
		return EnvOpenAIAPIKey
	}
	return EnvAnthropicAPIKey
}
