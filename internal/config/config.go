// Package config loads the orchestrator's environment contract and the
// registry file. The environment surface is deliberately small: everything
// else (agent seeds, extraction rules, planner endpoint, observability) lives
// in the YAML file named by ORCH_AGENTS_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the environment contract.
const (
	DefaultPort          = 8000
	DefaultCheckpointDir = "~/.maestro/checkpoints"
	DefaultMaxSteps      = 100
	DefaultTokenBudget   = 8000
	DefaultIdleTTL       = 24 * time.Hour
)

// Config is the process configuration resolved from the environment.
type Config struct {
	// Port the public HTTP surface listens on.
	Port int
	// AgentsConfigPath points at the registry file (may be empty; the
	// orchestrator then starts with no seeded agents and no extraction
	// rules).
	AgentsConfigPath string
	// CheckpointDir is either a directory path for the file backend or a
	// postgres:// / postgresql:// URL for the database backend.
	CheckpointDir string
	// MaxSteps bounds the number of steps a single workflow may execute.
	MaxSteps int
	// TokenBudget bounds the conversation window handed to agents.
	TokenBudget int
	// IdleTTL is how long an inactive thread survives before it is sealed
	// and its engine reclaimed.
	IdleTTL time.Duration
}

// EnvLookup resolves one environment variable. Tests substitute a map.
type EnvLookup func(key string) (string, bool)

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup EnvLookup
}

// WithEnvLookup overrides the environment source.
func WithEnvLookup(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// Load resolves the environment contract with defaults and validation.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{envLookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Config{
		Port:          DefaultPort,
		CheckpointDir: DefaultCheckpointDir,
		MaxSteps:      DefaultMaxSteps,
		TokenBudget:   DefaultTokenBudget,
		IdleTTL:       DefaultIdleTTL,
	}

	if v, ok := options.envLookup("ORCH_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("ORCH_PORT %q is not an integer: %w", v, err)
		}
		cfg.Port = port
	}
	if v, ok := options.envLookup("ORCH_AGENTS_CONFIG"); ok {
		cfg.AgentsConfigPath = v
	}
	if v, ok := options.envLookup("ORCH_CHECKPOINT_DIR"); ok && v != "" {
		cfg.CheckpointDir = v
	}
	if v, ok := options.envLookup("ORCH_MAX_STEPS"); ok && v != "" {
		steps, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("ORCH_MAX_STEPS %q is not an integer: %w", v, err)
		}
		cfg.MaxSteps = steps
	}
	if v, ok := options.envLookup("ORCH_TOKEN_BUDGET"); ok && v != "" {
		budget, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("ORCH_TOKEN_BUDGET %q is not an integer: %w", v, err)
		}
		cfg.TokenBudget = budget
	}
	if v, ok := options.envLookup("ORCH_IDLE_TTL"); ok && v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("ORCH_IDLE_TTL %q is not a duration: %w", v, err)
		}
		cfg.IdleTTL = ttl
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max steps must be positive, got %d", c.MaxSteps)
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("token budget must be positive, got %d", c.TokenBudget)
	}
	if c.IdleTTL <= 0 {
		return fmt.Errorf("idle TTL must be positive, got %s", c.IdleTTL)
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint destination is required")
	}
	return nil
}

// CheckpointIsPostgres reports whether the checkpoint destination is a
// database URL rather than a directory.
func (c Config) CheckpointIsPostgres() bool {
	return strings.HasPrefix(c.CheckpointDir, "postgres://") ||
		strings.HasPrefix(c.CheckpointDir, "postgresql://")
}

// Addr is the listen address for the public surface.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
