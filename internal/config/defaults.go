package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Default returns the configuration used for fields a config file leaves unset.
// Load decodes the file on top of these values, so an explicit zero (draw = 0.0,
// evaluation_games = 0) is kept rather than replaced.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			ControllerType:      ControllerStandard,
			Iterations:          10,
			GamesPerIteration:   64,
			MaxConcurrentGames:  8,
			MaxStepsPerGame:     200,
			BatchSize:           64,
			BatchesPerIteration: 8,
			CheckpointFrequency: 5,
			EvaluationGames:     20,
			Seed:                42,
			Deterministic:       true,
			ShowProgress:        true,
			OutputDir:           "output",
		},
		Rewards: RewardsConfig{
			Win:                  1.0,
			Loss:                 -1.0,
			Draw:                 0.0,
			StepLimitPenalty:     -0.1,
			IllegalActionPenalty: -0.5,
		},
		Replay: ReplayConfig{
			MaxSize:        50000,
			Eviction:       "oldest_first",
			Sampling:       "uniform",
			RecentFraction: 0.25,
			MixRatio:       0.5,
		},
		Phases: PhasesConfig{
			EarlyGameMoves: 10,
			EndGameStart:   40,
		},
		Policy: PolicyConfig{
			Temperature:  1.0,
			LearningRate: 0.1,
			UseEvaluator: true,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Backend: "archive",
			Catalog: true,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// WriteExample writes the default configuration as TOML. An existing file is
// never overwritten.
func WriteExample(path string) error {
	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}
