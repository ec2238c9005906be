package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/lamim/selfplay/internal/config"
	"github.com/lamim/selfplay/pkg/models"
)

func TestValidateCheckpoint(t *testing.T) {
	cfg := config.Default()
	seeds := &models.SeedConfiguration{MasterSeed: cfg.Session.Seed, IsDeterministic: true}

	meta := &models.CheckpointMetadata{
		Version:           2,
		Cycle:             4,
		ConfigHash:        ComputeConfigHash(cfg),
		SeedConfiguration: seeds,
	}
	if err := ValidateCheckpoint(meta, cfg); err != nil {
		t.Errorf("ValidateCheckpoint failed: %v", err)
	}

	// Different rewards change the hash
	different := config.Default()
	different.Rewards.StepLimitPenalty = -0.9
	if err := ValidateCheckpoint(meta, different); err == nil {
		t.Error("ValidateCheckpoint should fail with mismatched config")
	}

	// Iteration count and output location do not
	longer := config.Default()
	longer.Session.Iterations = 50
	longer.Session.OutputDir = "elsewhere"
	if ComputeConfigHash(longer) != ComputeConfigHash(cfg) {
		t.Error("iterations and output_dir should not affect the config hash")
	}

	// Deterministic resume needs seeds
	noSeeds := *meta
	noSeeds.SeedConfiguration = nil
	if err := ValidateCheckpoint(&noSeeds, cfg); err == nil {
		t.Error("ValidateCheckpoint should fail without a seed configuration")
	}

	// Finished session
	done := *meta
	done.Cycle = cfg.Session.Iterations
	if err := ValidateCheckpoint(&done, cfg); err == nil {
		t.Error("ValidateCheckpoint should fail for a finished session")
	}
}

func TestRemainingIterations(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Iterations = 10

	tests := []struct {
		cycle     int
		remaining int
		progress  float64
	}{
		{0, 10, 0},
		{4, 6, 40},
		{10, 0, 100},
		{12, 0, 100},
	}
	for _, tt := range tests {
		meta := &models.CheckpointMetadata{Cycle: tt.cycle}
		if got := RemainingIterations(meta, cfg); got != tt.remaining {
			t.Errorf("RemainingIterations(cycle=%d) = %d, want %d", tt.cycle, got, tt.remaining)
		}
		if got := ProgressPercentage(meta, cfg); got != tt.progress {
			t.Errorf("ProgressPercentage(cycle=%d) = %.1f, want %.1f", tt.cycle, got, tt.progress)
		}
	}
}

func TestResolveCheckpointPath(t *testing.T) {
	mgr := newTestManager(t, models.BackendPlain)
	policy := &fakePolicy{Weights: map[string]float64{}}
	for i := 1; i <= 2; i++ {
		if _, err := mgr.CreateCheckpoint(policy, i, models.CheckpointMetadata{}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		path      string
		requested models.Backend
		kind      ResolutionKind
		wantPath  string
	}{
		{"directory resolves latest", mgr.Dir(), models.BackendAuto, ResolutionSuccess, "checkpoint_v0002.json"},
		{"explicit file", filepath.Join(mgr.Dir(), "checkpoint_v0001.json"), models.BackendPlain, ResolutionSuccess, "checkpoint_v0001.json"},
		{"wrong backend", filepath.Join(mgr.Dir(), "checkpoint_v0001.json"), models.BackendArchive, ResolutionFormatMismatch, "checkpoint_v0001.json"},
		{"missing", filepath.Join(mgr.Dir(), "nope.zip"), models.BackendAuto, ResolutionNotFound, "nope.zip"},
		{"empty dir", t.TempDir(), models.BackendAuto, ResolutionNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResolveCheckpointPath(tt.path, tt.requested)
			if res.Kind != tt.kind {
				t.Fatalf("Kind = %s, want %s (%s)", res.Kind, tt.kind, res.Message)
			}
			if tt.wantPath != "" && filepath.Base(res.Path) != tt.wantPath {
				t.Errorf("Path = %s, want %s", res.Path, tt.wantPath)
			}
			if !res.OK() && res.Suggestion == "" {
				t.Error("failed resolutions must carry a suggestion")
			}
		})
	}
}
