// Package training runs the self-play training loop and owns its lifecycle.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/selfplay/internal/checkpoint"
	"github.com/lamim/selfplay/internal/config"
	"github.com/lamim/selfplay/internal/metrics"
	"github.com/lamim/selfplay/internal/orchestrator"
	"github.com/lamim/selfplay/internal/replay"
	"github.com/lamim/selfplay/internal/seed"
	"github.com/lamim/selfplay/pkg/models"
)

// gamesStartedMetric is stored in checkpoint training metrics so a resumed
// session continues the per-game seed streams where it left off
const gamesStartedMetric = "games_started"

// Learner updates a policy from a sampled batch
type Learner interface {
	Update(batch []models.EnhancedExperience) (models.LearnerUpdate, error)
}

// Dependencies are the collaborators a Controller drives
type Dependencies struct {
	NewEnv   orchestrator.EnvironmentFactory
	Policy   orchestrator.Policy // trained and checkpointed
	Opponent orchestrator.Policy // self-play peer; nil plays Policy against itself
	Baseline orchestrator.Policy // evaluation opponent; nil skips evaluation
	Learner  Learner

	Evaluator orchestrator.PositionEvaluator // optional
	Recorder  orchestrator.GameRecorder      // optional
	Collector *metrics.Collector             // optional
}

// Controller is the training session state machine:
//
//	STOPPED -> STARTING -> RUNNING <-> PAUSED
//	RUNNING, PAUSED -> STOPPED
//
// Pause and stop are cooperative and take effect at iteration boundaries;
// stop additionally cancels in-flight games, which end as MANUAL.
type Controller struct {
	deps   Dependencies
	logger *slog.Logger

	mu          sync.Mutex
	state       models.TrainingState
	cfg         *config.Config
	sessionID   string
	stats       models.SessionStats
	history     []models.IterationMetrics
	adjustments []adjustment
	cancel      context.CancelFunc
	done        chan struct{}
	resume      chan struct{} // non-nil while paused
	err         error
	buffer      *replay.Buffer
	seeds       *seed.Context
}

// session holds the components built for one Start
type session struct {
	id             string
	logger         *slog.Logger
	seeds          *seed.Context
	buffer         *replay.Buffer
	orch           *orchestrator.Orchestrator
	checkpoints    *checkpoint.Manager
	catalog        *checkpoint.Catalog
	firstIteration int
}

// NewController creates a stopped controller
func NewController(deps Dependencies, logger *slog.Logger) (*Controller, error) {
	if deps.NewEnv == nil {
		return nil, errors.New("an environment factory is required")
	}
	if deps.Policy == nil {
		return nil, errors.New("a policy is required")
	}
	if deps.Learner == nil {
		return nil, errors.New("a learner is required")
	}
	if deps.Opponent == nil {
		deps.Opponent = deps.Policy
	}
	if logger == nil {
		logger = slog.Default()
	}
	deps.Collector.SetTrainingState(models.StateStopped)
	return &Controller{
		deps:   deps,
		logger: logger.With("component", "training"),
		state:  models.StateStopped,
	}, nil
}

func (c *Controller) setStateLocked(s models.TrainingState) {
	c.state = s
	c.deps.Collector.SetTrainingState(s)
}

// State returns the current lifecycle state
func (c *Controller) State() models.TrainingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the current or most recent session
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Config returns a copy of the working configuration, or nil if none was loaded
func (c *Controller) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil {
		return nil
	}
	cp := *c.cfg
	return &cp
}

// Stats returns the statistics of the current or most recent session
func (c *Controller) Stats() models.SessionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	if c.state != models.StateStopped && !stats.StartTime.IsZero() {
		stats.TotalDuration = time.Since(stats.StartTime)
	}
	if c.buffer != nil {
		stats.ExperiencesStored = c.buffer.Size()
	}
	return stats
}

// Metrics returns the per-iteration history of the current or most recent session
func (c *Controller) Metrics() []models.IterationMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.IterationMetrics(nil), c.history...)
}

// SeedConfiguration returns the seeds of the current or most recent session
func (c *Controller) SeedConfiguration() (models.SeedConfiguration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seeds == nil {
		return models.SeedConfiguration{}, false
	}
	return c.seeds.SeedConfiguration(), true
}

// Configure stages cfg for the next Start. It is only legal while stopped.
func (c *Controller) Configure(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: no configuration supplied", ErrConfigurationInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != models.StateStopped {
		return &TransitionError{Op: "configure", From: c.state}
	}
	cp := *cfg
	c.cfg = &cp
	return nil
}

// Start begins a new session with cfg, or with the staged configuration when
// cfg is nil. It fails unless the controller is stopped.
func (c *Controller) Start(ctx context.Context, cfg *config.Config) error {
	c.mu.Lock()
	if c.state != models.StateStopped {
		state := c.state
		c.mu.Unlock()
		return &TransitionError{Op: "start", From: state}
	}
	if cfg == nil {
		cfg = c.cfg
	}
	if cfg == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: no configuration supplied", ErrConfigurationInvalid)
	}
	if err := cfg.Validate(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	working := *cfg
	c.cfg = &working
	snapshot := working
	c.setStateLocked(models.StateStarting)
	c.mu.Unlock()

	s, err := c.prepare(ctx, &snapshot)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.setStateLocked(models.StateStopped)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.sessionID = s.id
	c.cancel = cancel
	c.done = make(chan struct{})
	c.resume = nil
	c.err = nil
	c.history = nil
	c.buffer = s.buffer
	c.seeds = s.seeds
	c.stats = models.SessionStats{SessionID: s.id, StartTime: time.Now()}
	c.setStateLocked(models.StateRunning)

	s.logger.Info("Training session started",
		"controller_type", snapshot.Session.ControllerType,
		"first_iteration", s.firstIteration,
		"iterations", snapshot.Session.Iterations,
		"master_seed", s.seeds.SeedConfiguration().MasterSeed,
		"deterministic", s.seeds.IsDeterministic())

	go c.run(runCtx, s)
	return nil
}

// Pause asks the loop to halt at the next iteration boundary
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != models.StateRunning {
		return &TransitionError{Op: "pause", From: c.state}
	}
	c.resume = make(chan struct{})
	c.setStateLocked(models.StatePaused)
	c.logger.Info("Pause requested", "session_id", c.sessionID)
	return nil
}

// Resume continues a paused session
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != models.StatePaused {
		return &TransitionError{Op: "resume", From: c.state}
	}
	close(c.resume)
	c.resume = nil
	c.setStateLocked(models.StateRunning)
	c.logger.Info("Training resumed", "session_id", c.sessionID)
	return nil
}

// Stop cancels the session and blocks until the loop has exited
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != models.StateRunning && c.state != models.StatePaused {
		state := c.state
		c.mu.Unlock()
		return &TransitionError{Op: "stop", From: state}
	}
	cancel, done := c.cancel, c.done
	c.logger.Info("Stop requested", "session_id", c.sessionID)
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Restart stops an active session and starts a new one with cfg, or with the
// previous configuration when cfg is nil. The new session gets a new id.
func (c *Controller) Restart(ctx context.Context, cfg *config.Config) error {
	switch c.State() {
	case models.StateRunning, models.StatePaused:
		// The loop may finish on its own between the check and the call
		if err := c.Stop(); err != nil && !errors.Is(err, ErrIllegalStateTransition) {
			return err
		}
	}
	return c.Start(ctx, cfg)
}

// Wait blocks until the current session ends and returns its error.
// A session ended by Stop returns nil.
func (c *Controller) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// config returns a copy of the working configuration for one iteration
func (c *Controller) config() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.cfg
}

func (c *Controller) prepare(ctx context.Context, cfg *config.Config) (*session, error) {
	s := &session{id: uuid.New().String(), firstIteration: 1}
	s.logger = c.logger.With("session_id", s.id)

	s.seeds = seed.New(s.logger)
	if cfg.Session.Deterministic {
		s.seeds.InitializeWithSeed(cfg.Session.Seed)
	} else if err := s.seeds.InitializeRandom(); err != nil {
		return nil, fmt.Errorf("failed to seed session: %w", err)
	}

	buffer, err := replay.New(replay.Options{
		MaxSize:        cfg.Replay.MaxSize,
		Eviction:       replay.EvictionPolicy(cfg.Replay.Eviction),
		Sampling:       replay.SamplingStrategy(cfg.Replay.Sampling),
		RecentFraction: cfg.Replay.RecentFraction,
		MixRatio:       cfg.Replay.MixRatio,
		AllowPartial:   cfg.Replay.AllowPartial,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	s.buffer = buffer

	s.orch = orchestrator.New(c.deps.NewEnv, buffer, s.seeds, c.deps.Collector, s.logger)
	if c.deps.Evaluator != nil {
		s.orch.SetEvaluator(c.deps.Evaluator)
	}
	if c.deps.Recorder != nil {
		s.orch.SetGameRecorder(c.deps.Recorder)
	}

	if cfg.Session.ResumeFrom != "" {
		if err := c.resumeSession(s, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Checkpoint.Enabled {
		if err := c.openCheckpoints(ctx, s, cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// resumeSession restores policy, seeds and the game counter from a checkpoint.
// Metadata is validated before the policy is touched.
func (c *Controller) resumeSession(s *session, cfg *config.Config) error {
	meta, res, err := checkpoint.ReadMetadata(cfg.Session.ResumeFrom, models.BackendAuto)
	if err != nil {
		return fmt.Errorf("failed to resume from %s: %w", cfg.Session.ResumeFrom, err)
	}
	if err := checkpoint.ValidateCheckpoint(meta, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	if meta.SeedConfiguration != nil {
		if err := s.seeds.RestoreSeedConfiguration(*meta.SeedConfiguration); err != nil {
			return fmt.Errorf("failed to restore seeds: %w", err)
		}
	}
	if _, err := checkpoint.LoadCheckpoint(res.Path, res.Backend, c.deps.Policy, s.logger); err != nil {
		return fmt.Errorf("failed to resume from %s: %w", res.Path, err)
	}

	s.orch.ResetGameCounter(uint64(meta.TrainingMetrics[gamesStartedMetric]))
	s.firstIteration = meta.Cycle + 1

	s.logger.Info("Resuming from checkpoint",
		"path", res.Path,
		"version", meta.Version,
		"cycle", meta.Cycle,
		"remaining_iterations", checkpoint.RemainingIterations(meta, cfg),
		"progress", fmt.Sprintf("%.1f%%", checkpoint.ProgressPercentage(meta, cfg)))
	return nil
}

func (c *Controller) openCheckpoints(ctx context.Context, s *session, cfg *config.Config) error {
	dir := cfg.Checkpoint.Dir
	if dir == "" {
		dir = filepath.Join(cfg.Session.OutputDir, "checkpoints")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	if cfg.Checkpoint.Catalog {
		catalog, err := checkpoint.OpenCatalog(ctx, filepath.Join(dir, checkpoint.CatalogFilename))
		if err != nil {
			s.logger.Warn("Checkpoint catalog unavailable, falling back to directory scans", "error", err)
		} else {
			s.catalog = catalog
		}
	}

	mgr, err := checkpoint.NewManager(checkpoint.Options{
		Dir:        dir,
		Backend:    models.Backend(cfg.Checkpoint.Backend),
		SessionID:  s.id,
		ConfigHash: checkpoint.ComputeConfigHash(cfg),
		Catalog:    s.catalog,
		Collector:  c.deps.Collector,
	}, s.logger)
	if err != nil {
		if s.catalog != nil {
			_ = s.catalog.Close()
		}
		return err
	}
	s.checkpoints = mgr
	return nil
}

// waitIfPaused blocks while the session is paused. It returns false once the
// session has been stopped.
func (c *Controller) waitIfPaused(ctx context.Context, logger *slog.Logger) bool {
	c.mu.Lock()
	ch := c.resume
	c.mu.Unlock()

	if ch != nil {
		logger.Info("Training paused at iteration boundary")
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
	return ctx.Err() == nil
}

func (c *Controller) run(ctx context.Context, s *session) {
	var (
		runErr     error
		successful int
		completed  bool
	)

	for iteration := s.firstIteration; ; iteration++ {
		cfg := c.config()
		if iteration > cfg.Session.Iterations {
			completed = true
			break
		}
		if !c.waitIfPaused(ctx, s.logger) {
			break
		}

		m, err := c.runIteration(ctx, s, &cfg, iteration)
		if err != nil {
			runErr = err
			break
		}
		if m == nil {
			// Stopped mid-iteration
			break
		}
		successful += m.GamesPlayed
	}

	if completed && successful == 0 {
		runErr = fmt.Errorf("%w: session %s finished without completing a game", ErrNoSuccessfulGames, s.id)
	}
	c.finish(s, runErr)
}

func (c *Controller) finish(s *session, runErr error) {
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			s.logger.Warn("Failed to close checkpoint catalog", "error", err)
		}
	}

	c.mu.Lock()
	c.cancel()
	c.err = runErr
	c.resume = nil
	c.stats.EndTime = time.Now()
	c.stats.TotalDuration = c.stats.EndTime.Sub(c.stats.StartTime)
	stats := c.stats
	done := c.done
	c.setStateLocked(models.StateStopped)
	c.mu.Unlock()

	if runErr != nil {
		s.logger.Error("Training session failed", "error", runErr)
	}
	s.logger.Info("Training session stopped",
		"iterations_completed", stats.IterationsCompleted,
		"games_played", stats.GamesPlayed,
		"failed_games", stats.FailedGames,
		"checkpoints", stats.CheckpointsWritten,
		"duration", stats.TotalDuration.Round(time.Millisecond))

	close(done)
}

func gameOptions(cfg *config.Config, numGames int, description string) orchestrator.Options {
	return orchestrator.Options{
		NumGames:           numGames,
		MaxConcurrentGames: cfg.Session.MaxConcurrentGames,
		MaxStepsPerGame:    cfg.Session.MaxStepsPerGame,
		Rewards: orchestrator.Rewards{
			Win:                  cfg.Rewards.Win,
			Loss:                 cfg.Rewards.Loss,
			Draw:                 cfg.Rewards.Draw,
			StepLimitPenalty:     cfg.Rewards.StepLimitPenalty,
			IllegalActionPenalty: cfg.Rewards.IllegalActionPenalty,
		},
		Phases: orchestrator.Phases{
			EarlyGameMoves: cfg.Phases.EarlyGameMoves,
			EndGameStart:   cfg.Phases.EndGameStart,
		},
		GamesPerSecond: cfg.Session.GamesPerSecond,
		ShowProgress:   cfg.Session.ShowProgress,
		Description:    description,
	}
}

// runIteration plays, trains, evaluates and checkpoints once. A nil result
// with a nil error means the session was stopped before the iteration finished.
func (c *Controller) runIteration(ctx context.Context, s *session, cfg *config.Config, iteration int) (*models.IterationMetrics, error) {
	start := time.Now()
	logger := s.logger.With("iteration", iteration)
	m := models.IterationMetrics{Iteration: iteration}

	results, err := s.orch.RunSelfPlay(ctx, c.deps.Policy, c.deps.Opponent,
		gameOptions(cfg, cfg.Session.GamesPerIteration, fmt.Sprintf("Iteration %d/%d", iteration, cfg.Session.Iterations)))
	if err != nil {
		return nil, fmt.Errorf("self-play failed in iteration %d: %w", iteration, err)
	}

	c.mu.Lock()
	c.stats.GamesPlayed += results.TotalGames
	c.stats.FailedGames += results.FailedGames
	c.mu.Unlock()

	if ctx.Err() != nil {
		return nil, nil
	}

	m.GamesPlayed = results.TotalGames
	m.FailedGames = results.FailedGames
	m.ExperiencesCollected = results.TotalExperiences
	m.SelfPlayDrawRate = results.Outcomes.DrawRate()
	m.SelfPlayStepLimit = results.Outcomes.StepLimit

	if cfg.Session.ControllerType == config.ControllerStandard {
		c.train(s, cfg, iteration, &m, logger)
	}

	if cfg.Session.EvaluationGames > 0 && c.deps.Baseline != nil {
		summary, err := s.orch.EvaluateMatch(ctx, c.deps.Policy, c.deps.Baseline,
			gameOptions(cfg, cfg.Session.EvaluationGames, "Evaluating"))
		if err != nil {
			return nil, fmt.Errorf("evaluation failed in iteration %d: %w", iteration, err)
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		m.WinRate = summary.WinRate()
		m.DrawRate = summary.DrawRate()
		m.LossRate = summary.LossRate()
		m.StepLimitRate = summary.StepLimitRate()
	}

	stats := s.buffer.Stats()
	m.BufferSize = stats.Size
	m.BufferUtilization = stats.Utilization

	if s.checkpoints != nil && checkpointDue(cfg, iteration) {
		if info := c.checkpoint(s, iteration, m, logger); info != nil {
			m.CheckpointVersion = info.Metadata.Version
		}
	}

	m.Duration = time.Since(start)
	c.deps.Collector.RecordIteration(m)

	c.mu.Lock()
	c.history = append(c.history, m)
	c.stats.IterationsCompleted++
	c.mu.Unlock()

	logger.Info("Iteration completed",
		"games", m.GamesPlayed,
		"failed", m.FailedGames,
		"experiences", m.ExperiencesCollected,
		"batches", m.BatchesTrained,
		"avg_loss", fmt.Sprintf("%.4f", m.AverageLoss),
		"win_rate", fmt.Sprintf("%.3f", m.WinRate),
		"draw_rate", fmt.Sprintf("%.3f", m.DrawRate),
		"step_limit_rate", fmt.Sprintf("%.3f", m.StepLimitRate),
		"buffer", fmt.Sprintf("%d/%d", stats.Size, stats.Capacity),
		"duration", m.Duration.Round(time.Millisecond))

	return &m, nil
}

// train samples BatchesPerIteration batches and hands them to the learner.
// Each iteration samples from its own replay stream.
func (c *Controller) train(s *session, cfg *config.Config, iteration int, m *models.IterationMetrics, logger *slog.Logger) {
	rng := s.seeds.Stream(models.ComponentReplay, uint64(iteration))

	var loss, grad, entropy float64
	for b := 0; b < cfg.Session.BatchesPerIteration; b++ {
		batch, err := s.buffer.Sample(cfg.Session.BatchSize, rng)
		if err != nil {
			logger.Warn("Skipping training, replay buffer too small",
				"size", s.buffer.Size(),
				"batch_size", cfg.Session.BatchSize,
				"error", err)
			break
		}
		update, err := c.deps.Learner.Update(batch)
		if err != nil {
			logger.Error("Learner update failed", "batch", b, "error", err)
			continue
		}
		loss += update.Loss
		grad += update.GradientNorm
		entropy += update.Entropy
		m.BatchesTrained++
	}

	if m.BatchesTrained > 0 {
		n := float64(m.BatchesTrained)
		m.AverageLoss = loss / n
		m.AverageGradientNorm = grad / n
		m.AverageEntropy = entropy / n
	}
}

func checkpointDue(cfg *config.Config, iteration int) bool {
	if iteration == cfg.Session.Iterations {
		return true
	}
	freq := cfg.Session.CheckpointFrequency
	return freq > 0 && iteration%freq == 0
}

// checkpoint snapshots the policy between iterations. Failures are logged and
// the session continues.
func (c *Controller) checkpoint(s *session, iteration int, m models.IterationMetrics, logger *slog.Logger) *models.CheckpointInfo {
	trainingMetrics := make(map[string]float64)
	for k, v := range c.deps.Policy.TrainingMetrics() {
		trainingMetrics[k] = v
	}
	trainingMetrics["average_loss"] = m.AverageLoss
	trainingMetrics["win_rate"] = m.WinRate
	trainingMetrics["draw_rate"] = m.DrawRate
	trainingMetrics["loss_rate"] = m.LossRate
	trainingMetrics["step_limit_rate"] = m.StepLimitRate
	trainingMetrics["buffer_size"] = float64(m.BufferSize)
	trainingMetrics[gamesStartedMetric] = float64(s.orch.GamesStarted())

	seeds := s.seeds.SeedConfiguration()
	cfg := c.config()

	info, err := s.checkpoints.CreateCheckpoint(c.deps.Policy, iteration, models.CheckpointMetadata{
		Performance:       m.WinRate,
		Description:       fmt.Sprintf("iteration %d of %d", iteration, cfg.Session.Iterations),
		SeedConfiguration: &seeds,
		TrainingConfiguration: map[string]any{
			"controller_type":       string(cfg.Session.ControllerType),
			"games_per_iteration":   cfg.Session.GamesPerIteration,
			"max_steps_per_game":    cfg.Session.MaxStepsPerGame,
			"batch_size":            cfg.Session.BatchSize,
			"batches_per_iteration": cfg.Session.BatchesPerIteration,
			"replay_sampling":       cfg.Replay.Sampling,
			"replay_eviction":       cfg.Replay.Eviction,
		},
		TrainingMetrics: trainingMetrics,
	})
	if err != nil {
		logger.Error("Failed to write checkpoint", "error", err)
		return nil
	}

	c.mu.Lock()
	c.stats.CheckpointsWritten++
	c.mu.Unlock()
	return info
}
