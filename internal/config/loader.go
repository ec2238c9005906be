package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// Overrides are environment variables applied after the config file.
// Unset variables leave the file's values untouched.
type Overrides struct {
	Seed              *int64  `env:"SELFPLAY_SEED"`
	Iterations        *int    `env:"SELFPLAY_ITERATIONS"`
	GamesPerIteration *int    `env:"SELFPLAY_GAMES_PER_ITERATION"`
	MaxStepsPerGame   *int    `env:"SELFPLAY_MAX_STEPS_PER_GAME"`
	Deterministic     *bool   `env:"SELFPLAY_DETERMINISTIC"`
	CheckpointDir     *string `env:"SELFPLAY_CHECKPOINT_DIR"`
	OutputDir         *string `env:"SELFPLAY_OUTPUT_DIR"`
}

// Load reads and parses the configuration file and environment variables.
// An empty path loads the defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.ValidateInputs(); err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills fields that cannot be expressed as a static default
func applyDefaults(cfg *Config) {
	if cfg.Session.ControllerType == "" {
		cfg.Session.ControllerType = ControllerStandard
	}
	if cfg.Session.OutputDir == "" {
		cfg.Session.OutputDir = "output"
	}
	if cfg.Session.CheckpointFrequency > cfg.Session.Iterations {
		// A frequency longer than the session would never fire
		cfg.Session.CheckpointFrequency = cfg.Session.Iterations
	}
	if cfg.Replay.Eviction == "" {
		cfg.Replay.Eviction = "oldest_first"
	}
	if cfg.Replay.Sampling == "" {
		cfg.Replay.Sampling = "uniform"
	}
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "archive"
	}
}

// applyEnvOverrides applies SELFPLAY_* environment variables
func applyEnvOverrides(cfg *Config) error {
	var o Overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	if o.Seed != nil {
		cfg.Session.Seed = *o.Seed
	}
	if o.Iterations != nil {
		cfg.Session.Iterations = *o.Iterations
	}
	if o.GamesPerIteration != nil {
		cfg.Session.GamesPerIteration = *o.GamesPerIteration
	}
	if o.MaxStepsPerGame != nil {
		cfg.Session.MaxStepsPerGame = *o.MaxStepsPerGame
	}
	if o.Deterministic != nil {
		cfg.Session.Deterministic = *o.Deterministic
	}
	if o.CheckpointDir != nil {
		cfg.Checkpoint.Dir = *o.CheckpointDir
	}
	if o.OutputDir != nil {
		cfg.Session.OutputDir = *o.OutputDir
	}
	return nil
}
