package checkpoint

import (
	"crypto/sha256"
	"fmt"

	"github.com/lamim/selfplay/internal/config"
	"github.com/lamim/selfplay/pkg/models"
)

// ComputeConfigHash hashes the config fields that change what a session
// produces for a given seed. Iteration counts and output locations are
// excluded so a resumed session may run longer or elsewhere.
func ComputeConfigHash(cfg *config.Config) string {
	data := fmt.Sprintf("%s:%d:%d:%t:%v:%s:%s:%g:%g:%d:%d:%g:%g",
		cfg.Session.ControllerType,
		cfg.Session.MaxStepsPerGame,
		cfg.Session.Seed,
		cfg.Session.Deterministic,
		cfg.Rewards,
		cfg.Replay.Eviction,
		cfg.Replay.Sampling,
		cfg.Replay.RecentFraction,
		cfg.Replay.MixRatio,
		cfg.Phases.EarlyGameMoves,
		cfg.Phases.EndGameStart,
		cfg.Policy.Temperature,
		cfg.Policy.LearningRate)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8]) // First 8 bytes
}

// ValidateCheckpoint verifies a checkpoint is compatible with the current config
func ValidateCheckpoint(meta *models.CheckpointMetadata, cfg *config.Config) error {
	expectedHash := ComputeConfigHash(cfg)
	if meta.ConfigHash != expectedHash {
		return fmt.Errorf("checkpoint config mismatch: checkpoint was created with different rewards/replay/seed settings (hash: %s vs %s)", meta.ConfigHash, expectedHash)
	}

	if cfg.Session.Deterministic && meta.SeedConfiguration == nil {
		return fmt.Errorf("checkpoint v%d has no seed configuration, cannot resume deterministically", meta.Version)
	}

	if RemainingIterations(meta, cfg) == 0 {
		return fmt.Errorf("checkpoint is already at iteration %d of %d, nothing to resume", meta.Cycle, cfg.Session.Iterations)
	}

	return nil
}

// RemainingIterations returns how many iterations a resumed session still runs
func RemainingIterations(meta *models.CheckpointMetadata, cfg *config.Config) int {
	return max(0, cfg.Session.Iterations-meta.Cycle)
}

// ProgressPercentage returns session completion at the checkpoint
func ProgressPercentage(meta *models.CheckpointMetadata, cfg *config.Config) float64 {
	if cfg.Session.Iterations == 0 {
		return 0.0
	}
	return min(100.0, float64(meta.Cycle)/float64(cfg.Session.Iterations)*100.0)
}
