// Package config loads the conductor daemon configuration from a YAML file.
// Every knob has a default, a missing file yields a fully working config.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/conductor/internal/model"
)

// Config is the validated daemon configuration.
type Config struct {
	Pool     PoolConfig
	Dispatch DispatchConfig
	Session  SessionConfig
	GitHub   GitHubConfig
}

// PoolConfig configures the warm session pool.
type PoolConfig struct {
	MaxSessions    map[model.Tier]int
	IdleTTL        time.Duration
	HealthInterval time.Duration
}

// DispatchConfig configures the scheduling loop.
type DispatchConfig struct {
	MaxAttempts         int
	EscalationAllowance int
	StepTimeout         time.Duration
	PollInterval        time.Duration
	StalenessWindow     time.Duration
	Concurrency         int
}

// SessionConfig configures how agent sessions are launched.
type SessionConfig struct {
	Command string
	Args    []string
	Models  map[model.Tier]string
}

// GitHubConfig configures the remote projection.
type GitHubConfig struct {
	Enabled  bool
	Owner    string
	Repo     string
	TokenEnv string
	Interval time.Duration
}

// YAMLLoader loads the configuration from YAML files.
type YAMLLoader struct {
	fs fs.FS
}

// NewYAMLLoader creates a new YAML config loader.
func NewYAMLLoader(filesystem fs.FS) *YAMLLoader {
	return &YAMLLoader{fs: filesystem}
}

// Load reads, validates and defaults the configuration at path. A missing
// file is not an error, it yields the defaults.
func (l *YAMLLoader) Load(ctx context.Context, path string) (Config, error) {
	var raw rawConfig

	data, err := fs.ReadFile(l.fs, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if ctx.Err() != nil {
		return Config{}, ctx.Err()
	}

	cfg, err := raw.toModel()
	if err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() Config {
	cfg, _ := rawConfig{}.toModel()
	return cfg
}

type rawConfig struct {
	Pool struct {
		MaxSessions    map[string]int `yaml:"max_sessions"`
		IdleTTL        string         `yaml:"idle_ttl"`
		HealthInterval string         `yaml:"health_interval"`
	} `yaml:"pool"`
	Dispatch struct {
		MaxAttempts         int    `yaml:"max_attempts"`
		EscalationAllowance *int   `yaml:"escalation_allowance"`
		StepTimeout         string `yaml:"step_timeout"`
		PollInterval        string `yaml:"poll_interval"`
		StalenessWindow     string `yaml:"staleness_window"`
		Concurrency         int    `yaml:"concurrency"`
	} `yaml:"dispatch"`
	Session struct {
		Command string            `yaml:"command"`
		Args    []string          `yaml:"args"`
		Models  map[string]string `yaml:"models"`
	} `yaml:"session"`
	GitHub struct {
		Enabled  bool   `yaml:"enabled"`
		Owner    string `yaml:"owner"`
		Repo     string `yaml:"repo"`
		TokenEnv string `yaml:"token_env"`
		Interval string `yaml:"sync_interval"`
	} `yaml:"github"`
}

func (r rawConfig) toModel() (Config, error) {
	cfg := Config{
		Pool: PoolConfig{
			MaxSessions:    map[model.Tier]int{model.TierBasic: 2, model.TierAdvanced: 1},
			IdleTTL:        10 * time.Minute,
			HealthInterval: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:         3,
			EscalationAllowance: 1,
			StepTimeout:         5 * time.Minute,
			PollInterval:        2 * time.Second,
			StalenessWindow:     10 * time.Minute,
			Concurrency:         8,
		},
		Session: SessionConfig{
			Command: "claude",
			Args:    []string{"--print", "--output-format", "stream-json"},
			Models: map[model.Tier]string{
				model.TierBasic:    "claude-sonnet-4-5",
				model.TierAdvanced: "claude-opus-4-5",
			},
		},
		GitHub: GitHubConfig{
			TokenEnv: "GITHUB_TOKEN",
			Interval: 15 * time.Second,
		},
	}

	if len(r.Pool.MaxSessions) > 0 {
		max := map[model.Tier]int{}
		for name, n := range r.Pool.MaxSessions {
			tier, err := model.ParseTier(name)
			if err != nil {
				return Config{}, fmt.Errorf("pool.max_sessions: %w", err)
			}
			if n < 1 {
				return Config{}, fmt.Errorf("pool.max_sessions.%s must be at least 1, got: %d", name, n)
			}
			max[tier] = n
		}
		cfg.Pool.MaxSessions = max
	}
	if err := parseDuration(r.Pool.IdleTTL, &cfg.Pool.IdleTTL, "pool.idle_ttl"); err != nil {
		return Config{}, err
	}
	if err := parseDuration(r.Pool.HealthInterval, &cfg.Pool.HealthInterval, "pool.health_interval"); err != nil {
		return Config{}, err
	}

	if r.Dispatch.MaxAttempts < 0 {
		return Config{}, fmt.Errorf("dispatch.max_attempts must be positive, got: %d", r.Dispatch.MaxAttempts)
	}
	if r.Dispatch.MaxAttempts > 0 {
		cfg.Dispatch.MaxAttempts = r.Dispatch.MaxAttempts
	}
	if r.Dispatch.EscalationAllowance != nil {
		if *r.Dispatch.EscalationAllowance < 0 {
			return Config{}, fmt.Errorf("dispatch.escalation_allowance cannot be negative, got: %d", *r.Dispatch.EscalationAllowance)
		}
		cfg.Dispatch.EscalationAllowance = *r.Dispatch.EscalationAllowance
	}
	if r.Dispatch.Concurrency > 0 {
		cfg.Dispatch.Concurrency = r.Dispatch.Concurrency
	}
	if err := parseDuration(r.Dispatch.StepTimeout, &cfg.Dispatch.StepTimeout, "dispatch.step_timeout"); err != nil {
		return Config{}, err
	}
	if err := parseDuration(r.Dispatch.PollInterval, &cfg.Dispatch.PollInterval, "dispatch.poll_interval"); err != nil {
		return Config{}, err
	}
	if err := parseDuration(r.Dispatch.StalenessWindow, &cfg.Dispatch.StalenessWindow, "dispatch.staleness_window"); err != nil {
		return Config{}, err
	}

	if r.Session.Command != "" {
		cfg.Session.Command = r.Session.Command
	}
	if r.Session.Args != nil {
		cfg.Session.Args = r.Session.Args
	}
	if len(r.Session.Models) > 0 {
		models := map[model.Tier]string{}
		for name, m := range r.Session.Models {
			tier, err := model.ParseTier(name)
			if err != nil {
				return Config{}, fmt.Errorf("session.models: %w", err)
			}
			if m == "" {
				return Config{}, fmt.Errorf("session.models.%s cannot be empty", name)
			}
			models[tier] = m
		}
		cfg.Session.Models = models
	}

	// Every pool tier needs a model to launch sessions with.
	for tier := range cfg.Pool.MaxSessions {
		if cfg.Session.Models[tier] == "" {
			return Config{}, fmt.Errorf("session.models.%s is required for a pooled tier", tier)
		}
	}

	cfg.GitHub.Enabled = r.GitHub.Enabled
	cfg.GitHub.Owner = r.GitHub.Owner
	cfg.GitHub.Repo = r.GitHub.Repo
	if r.GitHub.TokenEnv != "" {
		cfg.GitHub.TokenEnv = r.GitHub.TokenEnv
	}
	if err := parseDuration(r.GitHub.Interval, &cfg.GitHub.Interval, "github.sync_interval"); err != nil {
		return Config{}, err
	}
	if cfg.GitHub.Enabled && (cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "") {
		return Config{}, fmt.Errorf("github.owner and github.repo are required when github.enabled is set")
	}

	return cfg, nil
}

func parseDuration(raw string, dst *time.Duration, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got: %s", field, raw)
	}
	*dst = d
	return nil
}
