package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config failed validation: %v", err)
	}
	if err := cfg.ValidateInputs(); err != nil {
		t.Fatalf("Default() config failed input validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad controller", func(c *Config) { c.Session.ControllerType = "async" }, "session.controller_type"},
		{"zero iterations", func(c *Config) { c.Session.Iterations = 0 }, "session.iterations"},
		{"zero games", func(c *Config) { c.Session.GamesPerIteration = 0 }, "session.games_per_iteration"},
		{"too many workers", func(c *Config) { c.Session.MaxConcurrentGames = MaxConcurrentGames + 1 }, "session.max_concurrent_games"},
		{"zero steps", func(c *Config) { c.Session.MaxStepsPerGame = 0 }, "session.max_steps_per_game"},
		{"zero batch", func(c *Config) { c.Session.BatchSize = 0 }, "session.batch_size"},
		{"batch over capacity", func(c *Config) { c.Session.BatchSize = c.Replay.MaxSize + 1 }, "must not exceed replay.max_size"},
		{"negative frequency", func(c *Config) { c.Session.CheckpointFrequency = -1 }, "session.checkpoint_frequency"},
		{"negative throttle", func(c *Config) { c.Session.GamesPerSecond = -1 }, "session.games_per_second"},
		{"bad eviction", func(c *Config) { c.Replay.Eviction = "random" }, "replay.eviction"},
		{"bad sampling", func(c *Config) { c.Replay.Sampling = "prioritized" }, "replay.sampling"},
		{"zero recent fraction", func(c *Config) { c.Replay.RecentFraction = 0 }, "replay.recent_fraction"},
		{"mix ratio above one", func(c *Config) { c.Replay.MixRatio = 1.5 }, "replay.mix_ratio"},
		{"phases overlap", func(c *Config) { c.Phases.EarlyGameMoves = 40 }, "phases.early_game_moves"},
		{"zero temperature", func(c *Config) { c.Policy.Temperature = 0 }, "policy.temperature"},
		{"bad backend", func(c *Config) { c.Checkpoint.Backend = "pickle" }, "checkpoint.backend"},
		{"backend ignored when disabled", func(c *Config) {
			c.Checkpoint.Enabled = false
			c.Checkpoint.Backend = "pickle"
		}, ""},
		{"metrics without addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddr = ""
		}, "metrics.listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[session]
controller_type = "selfplay-only"
iterations = 3
games_per_iteration = 12
seed = 7
evaluation_games = 0

[rewards]
draw = 0.0
step_limit_penalty = -0.3

[replay]
max_size = 500
eviction = "lowest_quality"
sampling = "mixed"

[phases]
early_game_moves = 2
end_game_start = 6
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Session.ControllerType != ControllerSelfPlayOnly {
		t.Errorf("controller_type = %s, want selfplay-only", cfg.Session.ControllerType)
	}
	if cfg.Session.Iterations != 3 || cfg.Session.GamesPerIteration != 12 || cfg.Session.Seed != 7 {
		t.Errorf("session values not loaded: %+v", cfg.Session)
	}
	if cfg.Session.EvaluationGames != 0 {
		t.Errorf("explicit evaluation_games = 0 was replaced with %d", cfg.Session.EvaluationGames)
	}
	// Unset fields keep their defaults
	if cfg.Session.MaxConcurrentGames != Default().Session.MaxConcurrentGames {
		t.Errorf("max_concurrent_games = %d, want default", cfg.Session.MaxConcurrentGames)
	}
	if cfg.Rewards.Win != 1.0 || cfg.Rewards.StepLimitPenalty != -0.3 {
		t.Errorf("rewards not merged with defaults: %+v", cfg.Rewards)
	}
	if cfg.Session.CheckpointFrequency != 3 {
		t.Errorf("checkpoint_frequency = %d, want clamped to 3", cfg.Session.CheckpointFrequency)
	}
	if cfg.Replay.Eviction != "lowest_quality" || cfg.Replay.Sampling != "mixed" {
		t.Errorf("replay values not loaded: %+v", cfg.Replay)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Session.Seed != Default().Session.Seed {
		t.Errorf("seed = %d, want default", cfg.Session.Seed)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}

	bad := writeConfig(t, "[session\niterations = ")
	if _, err := Load(bad); err == nil {
		t.Error("Load() should fail for malformed TOML")
	}

	invalid := writeConfig(t, "[phases]\nearly_game_moves = 9\nend_game_start = 3\n")
	_, err := Load(invalid)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Load() error = %v, want invalid configuration", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SELFPLAY_SEED", "99")
	t.Setenv("SELFPLAY_ITERATIONS", "4")
	t.Setenv("SELFPLAY_GAMES_PER_ITERATION", "16")
	t.Setenv("SELFPLAY_MAX_STEPS_PER_GAME", "30")
	t.Setenv("SELFPLAY_DETERMINISTIC", "false")
	t.Setenv("SELFPLAY_CHECKPOINT_DIR", "/tmp/ckpt")

	path := writeConfig(t, "[session]\nseed = 1\niterations = 2\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Session.Seed != 99 {
		t.Errorf("seed = %d, want 99", cfg.Session.Seed)
	}
	if cfg.Session.Iterations != 4 {
		t.Errorf("iterations = %d, want 4", cfg.Session.Iterations)
	}
	if cfg.Session.GamesPerIteration != 16 || cfg.Session.MaxStepsPerGame != 30 {
		t.Errorf("game overrides not applied: %+v", cfg.Session)
	}
	if cfg.Session.Deterministic {
		t.Error("deterministic should be overridden to false")
	}
	if cfg.Checkpoint.Dir != "/tmp/ckpt" {
		t.Errorf("checkpoint dir = %q, want /tmp/ckpt", cfg.Checkpoint.Dir)
	}
}

func TestEnvOverrideParseError(t *testing.T) {
	t.Setenv("SELFPLAY_SEED", "not-a-number")
	if _, err := Load(""); err == nil {
		t.Error("Load() should fail for a malformed SELFPLAY_SEED")
	}
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteExample(path); err != nil {
		t.Fatalf("WriteExample() failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of example failed: %v", err)
	}
	if cfg.Session.GamesPerIteration != Default().Session.GamesPerIteration {
		t.Errorf("example round trip changed games_per_iteration to %d", cfg.Session.GamesPerIteration)
	}

	if err := WriteExample(path); err == nil {
		t.Error("WriteExample() should refuse to overwrite an existing file")
	}
}
