package config

import (
	"fmt"
	"os"
	"slices"
)

// ControllerType selects how a training session uses its iterations
type ControllerType string

const (
	// ControllerStandard runs self-play, learning and evaluation each iteration
	ControllerStandard ControllerType = "standard"
	// ControllerSelfPlayOnly generates experience without updating the policy
	ControllerSelfPlayOnly ControllerType = "selfplay-only"
)

// Config represents the complete application configuration
type Config struct {
	Session    SessionConfig    `toml:"session"`
	Rewards    RewardsConfig    `toml:"rewards"`
	Replay     ReplayConfig     `toml:"replay"`
	Phases     PhasesConfig     `toml:"phases"`
	Policy     PolicyConfig     `toml:"policy"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// SessionConfig holds training loop settings
type SessionConfig struct {
	ControllerType      ControllerType `toml:"controller_type"`
	Iterations          int            `toml:"iterations"`
	GamesPerIteration   int            `toml:"games_per_iteration"`
	MaxConcurrentGames  int            `toml:"max_concurrent_games"`
	MaxStepsPerGame     int            `toml:"max_steps_per_game"`
	BatchSize           int            `toml:"batch_size"`
	BatchesPerIteration int            `toml:"batches_per_iteration"`
	CheckpointFrequency int            `toml:"checkpoint_frequency"` // Checkpoint every N iterations (0 = only at the end)
	EvaluationGames     int            `toml:"evaluation_games"`     // 0 disables the evaluation match
	Seed                int64          `toml:"seed"`
	Deterministic       bool           `toml:"deterministic"`    // false draws a fresh master seed from crypto/rand
	GamesPerSecond      float64        `toml:"games_per_second"` // Throttle for game starts (0 = unthrottled)
	ShowProgress        bool           `toml:"show_progress"`
	OutputDir           string         `toml:"output_dir"`
	ResumeFrom          string         `toml:"resume_from"` // Checkpoint file or directory to resume from
}

// RewardsConfig holds terminal and per-step reward values
type RewardsConfig struct {
	Win                  float64 `toml:"win"`
	Loss                 float64 `toml:"loss"`
	Draw                 float64 `toml:"draw"`
	StepLimitPenalty     float64 `toml:"step_limit_penalty"` // Applied to truncated games, never the draw reward
	IllegalActionPenalty float64 `toml:"illegal_action_penalty"`
}

// ReplayConfig holds experience replay buffer settings
type ReplayConfig struct {
	MaxSize        int     `toml:"max_size"`
	Eviction       string  `toml:"eviction"` // oldest_first, lowest_quality
	Sampling       string  `toml:"sampling"` // uniform, recent, mixed
	RecentFraction float64 `toml:"recent_fraction"`
	MixRatio       float64 `toml:"mix_ratio"`
	AllowPartial   bool    `toml:"allow_partial"`
}

// PhasesConfig holds move-number thresholds for game phases
type PhasesConfig struct {
	EarlyGameMoves int `toml:"early_game_moves"`
	EndGameStart   int `toml:"end_game_start"`
}

// PolicyConfig configures the built-in tabular policy
type PolicyConfig struct {
	Temperature  float64 `toml:"temperature"`
	LearningRate float64 `toml:"learning_rate"`
	UseEvaluator bool    `toml:"use_evaluator"` // Blend a position evaluation into quality scores
}

// CheckpointConfig holds checkpoint settings
type CheckpointConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`     // Defaults to <session dir>/checkpoints
	Backend string `toml:"backend"` // archive, plain
	Catalog bool   `toml:"catalog"` // Maintain a SQLite index of checkpoint versions
}

// MetricsConfig holds the prometheus endpoint settings
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

const (
	// MaxConcurrentGames is the maximum allowed game concurrency
	MaxConcurrentGames = 1024
	// MaxGamesPerIteration is the maximum allowed games per iteration
	MaxGamesPerIteration = 100000
	// MaxStepsPerGame is the maximum allowed step cap
	MaxStepsPerGame = 100000
	// MaxReplaySize is the maximum allowed replay buffer capacity
	MaxReplaySize = 10000000
)

var (
	validControllers = []ControllerType{ControllerStandard, ControllerSelfPlayOnly}
	validEvictions   = []string{"oldest_first", "lowest_quality"}
	validSamplings   = []string{"uniform", "recent", "mixed"}
	validBackends    = []string{"archive", "plain"}
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	s := c.Session
	if !slices.Contains(validControllers, s.ControllerType) {
		return fmt.Errorf("session.controller_type must be one of: standard, selfplay-only (got %s)", s.ControllerType)
	}
	if s.Iterations < 1 {
		return fmt.Errorf("session.iterations must be at least 1")
	}
	if s.GamesPerIteration < 1 || s.GamesPerIteration > MaxGamesPerIteration {
		return fmt.Errorf("session.games_per_iteration must be between 1 and %d (got %d)", MaxGamesPerIteration, s.GamesPerIteration)
	}
	if s.MaxConcurrentGames < 1 || s.MaxConcurrentGames > MaxConcurrentGames {
		return fmt.Errorf("session.max_concurrent_games must be between 1 and %d (got %d)", MaxConcurrentGames, s.MaxConcurrentGames)
	}
	if s.MaxStepsPerGame < 1 || s.MaxStepsPerGame > MaxStepsPerGame {
		return fmt.Errorf("session.max_steps_per_game must be between 1 and %d (got %d)", MaxStepsPerGame, s.MaxStepsPerGame)
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("session.batch_size must be at least 1")
	}
	if s.BatchesPerIteration < 0 {
		return fmt.Errorf("session.batches_per_iteration must be non-negative (got %d)", s.BatchesPerIteration)
	}
	if s.CheckpointFrequency < 0 {
		return fmt.Errorf("session.checkpoint_frequency must be non-negative (got %d)", s.CheckpointFrequency)
	}
	if s.EvaluationGames < 0 {
		return fmt.Errorf("session.evaluation_games must be non-negative (got %d)", s.EvaluationGames)
	}
	if s.GamesPerSecond < 0 {
		return fmt.Errorf("session.games_per_second must be non-negative (got %.2f)", s.GamesPerSecond)
	}

	if c.Replay.MaxSize < 1 || c.Replay.MaxSize > MaxReplaySize {
		return fmt.Errorf("replay.max_size must be between 1 and %d (got %d)", MaxReplaySize, c.Replay.MaxSize)
	}
	if !slices.Contains(validEvictions, c.Replay.Eviction) {
		return fmt.Errorf("replay.eviction must be one of: oldest_first, lowest_quality (got %s)", c.Replay.Eviction)
	}
	if !slices.Contains(validSamplings, c.Replay.Sampling) {
		return fmt.Errorf("replay.sampling must be one of: uniform, recent, mixed (got %s)", c.Replay.Sampling)
	}
	if c.Replay.RecentFraction <= 0 || c.Replay.RecentFraction > 1.0 {
		return fmt.Errorf("replay.recent_fraction must be between 0.0 (exclusive) and 1.0 (got %.2f)", c.Replay.RecentFraction)
	}
	if c.Replay.MixRatio < 0 || c.Replay.MixRatio > 1.0 {
		return fmt.Errorf("replay.mix_ratio must be between 0.0 and 1.0 (got %.2f)", c.Replay.MixRatio)
	}
	if s.BatchSize > c.Replay.MaxSize {
		return fmt.Errorf("session.batch_size (%d) must not exceed replay.max_size (%d)", s.BatchSize, c.Replay.MaxSize)
	}

	if c.Phases.EarlyGameMoves < 0 {
		return fmt.Errorf("phases.early_game_moves must be non-negative (got %d)", c.Phases.EarlyGameMoves)
	}
	if c.Phases.EarlyGameMoves >= c.Phases.EndGameStart {
		return fmt.Errorf("phases.early_game_moves (%d) must be less than phases.end_game_start (%d)",
			c.Phases.EarlyGameMoves, c.Phases.EndGameStart)
	}

	if c.Policy.Temperature <= 0 {
		return fmt.Errorf("policy.temperature must be positive (got %.2f)", c.Policy.Temperature)
	}
	if c.Policy.LearningRate <= 0 || c.Policy.LearningRate > 10 {
		return fmt.Errorf("policy.learning_rate must be between 0 (exclusive) and 10 (got %.3f)", c.Policy.LearningRate)
	}

	if c.Checkpoint.Enabled && !slices.Contains(validBackends, c.Checkpoint.Backend) {
		return fmt.Errorf("checkpoint.backend must be one of: archive, plain (got %s)", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Enabled && c.Session.CheckpointFrequency == 0 {
		fmt.Fprintf(os.Stderr, "WARNING: session.checkpoint_frequency is 0 - a checkpoint is written only when the session ends\n")
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	return nil
}
