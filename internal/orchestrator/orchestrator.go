package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lamim/selfplay/internal/metrics"
	"github.com/lamim/selfplay/internal/seed"
	"github.com/lamim/selfplay/pkg/models"
)

// Rewards are the terminal and per-step signals applied to experiences
type Rewards struct {
	Win                  float64
	Loss                 float64
	Draw                 float64
	StepLimitPenalty     float64
	IllegalActionPenalty float64
}

// Options configure one batch of games
type Options struct {
	NumGames           int
	MaxConcurrentGames int
	MaxStepsPerGame    int
	Rewards            Rewards
	Phases             Phases
	// GamesPerSecond throttles game starts. Zero disables the limiter.
	GamesPerSecond float64
	ShowProgress   bool
	Description    string
}

// Validate checks batch options before any game is started
func (o Options) Validate() error {
	if o.NumGames < 1 {
		return fmt.Errorf("num_games must be at least 1, got %d", o.NumGames)
	}
	if o.MaxConcurrentGames < 1 {
		return fmt.Errorf("max_concurrent_games must be at least 1, got %d", o.MaxConcurrentGames)
	}
	if o.MaxStepsPerGame < 1 {
		return fmt.Errorf("max_steps_per_game must be at least 1, got %d", o.MaxStepsPerGame)
	}
	if o.Phases.EarlyGameMoves >= o.Phases.EndGameStart {
		return fmt.Errorf("early_game_moves (%d) must be less than end_game_start (%d)",
			o.Phases.EarlyGameMoves, o.Phases.EndGameStart)
	}
	if o.GamesPerSecond < 0 {
		return fmt.Errorf("games_per_second must be non-negative, got %f", o.GamesPerSecond)
	}
	return nil
}

// Orchestrator plays batches of games between two policies and feeds the
// resulting experiences into a shared sink.
type Orchestrator struct {
	newEnv    EnvironmentFactory
	sink      ExperienceSink
	seeds     *seed.Context
	collector *metrics.Collector
	logger    *slog.Logger

	evaluator PositionEvaluator
	recorder  GameRecorder

	// games counts every game started so per-game RNG streams never repeat
	// across batches of the same session.
	games atomic.Uint64
}

// New creates a new orchestrator. sink may be nil for evaluation-only use.
func New(
	newEnv EnvironmentFactory,
	sink ExperienceSink,
	seeds *seed.Context,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if seeds == nil {
		seeds = seed.New(logger)
	}
	return &Orchestrator{
		newEnv:    newEnv,
		sink:      sink,
		seeds:     seeds,
		collector: collector,
		logger:    logger,
	}
}

// SetEvaluator installs an optional position evaluator used by quality scoring
func (o *Orchestrator) SetEvaluator(e PositionEvaluator) {
	o.evaluator = e
}

// SetGameRecorder installs an optional per-game log
func (o *Orchestrator) SetGameRecorder(r GameRecorder) {
	o.recorder = r
}

// GamesStarted returns the number of games started over the orchestrator's lifetime
func (o *Orchestrator) GamesStarted() uint64 {
	return o.games.Load()
}

// ResetGameCounter rewinds the stream index, used when a session is restarted
// from scratch with the same seeds.
func (o *Orchestrator) ResetGameCounter(n uint64) {
	o.games.Store(n)
}

type gameOutput struct {
	index  int
	result *models.SelfPlayGameResult
	err    error
}

// RunSelfPlay plays opts.NumGames games between a and b, alternating colors
// (a plays white on even game indices). Experiences from all successful games
// are merged in game order and pushed to the sink.
//
// Cancelling ctx stops new games from starting; games already in flight end
// with a MANUAL termination and are still reported.
func (o *Orchestrator) RunSelfPlay(ctx context.Context, a, b Policy, opts Options) (*models.SelfPlayResults, error) {
	start := time.Now()
	if opts.Description == "" {
		opts.Description = "Self-play"
	}

	outputs, err := o.playBatch(ctx, a, b, opts)
	if err != nil {
		return nil, err
	}

	results := &models.SelfPlayResults{}
	var all []models.EnhancedExperience
	var totalLength int

	for _, out := range outputs {
		if out.err != nil {
			results.FailedGames++
			continue
		}
		r := out.result
		results.TotalGames++
		results.Outcomes.Record(r.GameOutcome, r.TerminationReason)
		results.GameResults = append(results.GameResults, *r)
		all = append(all, r.Experiences...)
		totalLength += r.GameLength
	}

	results.TotalExperiences = len(all)
	results.ExperienceQualityMetrics = summarizeQuality(all)
	if results.TotalGames > 0 {
		results.AverageGameLength = float64(totalLength) / float64(results.TotalGames)
	}

	if o.sink != nil && len(all) > 0 {
		o.sink.AddAll(all)
		o.collector.SetBuffer(o.sink.Size(), o.sink.Capacity())
	}
	o.collector.RecordQuality(results.ExperienceQualityMetrics)

	results.Duration = time.Since(start)

	o.logger.Info("Self-play batch completed",
		"games", results.TotalGames,
		"failed", results.FailedGames,
		"experiences", results.TotalExperiences,
		"white_wins", results.Outcomes.WhiteWins,
		"black_wins", results.Outcomes.BlackWins,
		"draws", results.Outcomes.Draws,
		"step_limit", results.Outcomes.StepLimit,
		"manual", results.Outcomes.Manual,
		"avg_quality", fmt.Sprintf("%.3f", results.ExperienceQualityMetrics.AverageQuality),
		"duration", results.Duration.Round(time.Millisecond))

	return results, nil
}

// MatchSummary is the result of an evaluation match from the candidate's side.
// Rates over resolved games exclude step-limit and manual terminations.
type MatchSummary struct {
	Games     int
	Failed    int
	Wins      int
	Losses    int
	Draws     int
	StepLimit int
	Manual    int
}

// Resolved is the number of games decided by the rules
func (m MatchSummary) Resolved() int {
	return m.Wins + m.Losses + m.Draws
}

func (m MatchSummary) rate(n int) float64 {
	if m.Resolved() == 0 {
		return 0
	}
	return float64(n) / float64(m.Resolved())
}

// WinRate over rules-resolved games
func (m MatchSummary) WinRate() float64 { return m.rate(m.Wins) }

// DrawRate over rules-resolved games
func (m MatchSummary) DrawRate() float64 { return m.rate(m.Draws) }

// LossRate over rules-resolved games
func (m MatchSummary) LossRate() float64 { return m.rate(m.Losses) }

// StepLimitRate over all completed games
func (m MatchSummary) StepLimitRate() float64 {
	if m.Games == 0 {
		return 0
	}
	return float64(m.StepLimit) / float64(m.Games)
}

// EvaluateMatch plays candidate against baseline without touching the sink.
func (o *Orchestrator) EvaluateMatch(ctx context.Context, candidate, baseline Policy, opts Options) (MatchSummary, error) {
	if opts.Description == "" {
		opts.Description = "Evaluating"
	}
	outputs, err := o.playBatch(ctx, candidate, baseline, opts)
	if err != nil {
		return MatchSummary{}, err
	}

	var s MatchSummary
	for _, out := range outputs {
		if out.err != nil {
			s.Failed++
			continue
		}
		s.Games++
		r := out.result
		switch r.TerminationReason {
		case models.TerminationStepLimit:
			s.StepLimit++
			continue
		case models.TerminationManual:
			s.Manual++
			continue
		}
		candidateColor := models.White
		if out.index%2 == 1 {
			candidateColor = models.Black
		}
		switch {
		case r.GameOutcome == models.OutcomeDraw:
			s.Draws++
		case (r.GameOutcome == models.OutcomeWhiteWins) == (candidateColor == models.White):
			s.Wins++
		default:
			s.Losses++
		}
	}

	o.logger.Info("Evaluation match completed",
		"candidate", candidate.Name(),
		"baseline", baseline.Name(),
		"wins", s.Wins,
		"losses", s.Losses,
		"draws", s.Draws,
		"step_limit", s.StepLimit,
		"win_rate", fmt.Sprintf("%.3f", s.WinRate()))

	return s, nil
}

// playBatch runs the games with a bounded pool of workers and returns one
// output per game, in game order. Games that were never started because ctx
// was cancelled are absent.
func (o *Orchestrator) playBatch(ctx context.Context, a, b Policy, opts Options) ([]gameOutput, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if a == nil || b == nil {
		return nil, errors.New("both policies are required")
	}

	var limiter *rate.Limiter
	if opts.GamesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.GamesPerSecond), 1)
	}

	workers := min(opts.MaxConcurrentGames, opts.NumGames)
	jobs := make(chan gameJob)
	resultsChan := make(chan gameOutput, opts.NumGames)

	// Worker goroutines never return errors: a failed game is a result, not
	// a reason to stop its siblings.
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		workerID := i
		g.Go(func() error {
			o.worker(ctx, workerID, jobs, resultsChan, opts)
			return nil
		})
	}

	// Dispatch
	go func() {
		defer close(jobs)
		for i := 0; i < opts.NumGames; i++ {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
			global := o.games.Add(1) - 1
			job := gameJob{
				index:  i,
				global: global,
				id:     uuid.New().String(),
				white:  a,
				black:  b,
				rng:    o.seeds.Stream(models.ComponentExploration, global),
			}
			if i%2 == 1 {
				job.white, job.black = b, a
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	var collect sync.WaitGroup
	collect.Add(1)
	go func() {
		defer collect.Done()
		_ = g.Wait()
		close(resultsChan)
	}()

	var bar *progressbar.ProgressBar
	if opts.ShowProgress {
		bar = progressbar.Default(int64(opts.NumGames), opts.Description)
	} else {
		bar = progressbar.DefaultSilent(int64(opts.NumGames), opts.Description)
	}

	byIndex := make(map[int]gameOutput, opts.NumGames)
	for out := range resultsChan {
		byIndex[out.index] = out
		_ = bar.Add(1)
	}
	collect.Wait()
	_ = bar.Finish()

	outputs := make([]gameOutput, 0, len(byIndex))
	for i := 0; i < opts.NumGames; i++ {
		if out, ok := byIndex[i]; ok {
			outputs = append(outputs, out)
		}
	}
	return outputs, nil
}

func (o *Orchestrator) worker(ctx context.Context, workerID int, jobs <-chan gameJob, results chan<- gameOutput, opts Options) {
	workerLogger := o.logger.With("worker_id", workerID)
	workerLogger.Debug("Worker started")

	for job := range jobs {
		gameLogger := workerLogger.With("game_id", job.id, "game_index", job.index)

		o.collector.GameStarted()
		result, err := o.playGameSafely(ctx, gameLogger, job, opts)
		o.collector.GameFinished()

		if err != nil {
			gameLogger.Error("Game failed, excluding from results", "error", err)
			o.collector.RecordFailedGame()
		} else {
			o.collector.RecordGame(*result)
			if o.recorder != nil {
				if werr := o.recorder.WriteGame(*result); werr != nil {
					gameLogger.Warn("Failed to record game", "error", werr)
				}
			}
		}
		results <- gameOutput{index: job.index, result: result, err: err}
	}

	workerLogger.Debug("Worker finished")
}
