package orchestrator

import (
	"io"
	"math/rand/v2"

	"github.com/lamim/selfplay/pkg/models"
)

// StepInfo carries the environment's view of a transition
type StepInfo struct {
	// Outcome is the rules result when Done is set
	Outcome models.GameOutcome
	// Illegal marks an action the environment refused. The state does not advance.
	Illegal bool
	Message string
}

// StepResult is returned by Environment.Step
type StepResult struct {
	NextState []float64
	Reward    float64
	Done      bool
	Info      StepInfo
}

// Environment is the board/move-legality engine for one game. A fresh
// Environment is created per game, so implementations need not be thread-safe.
type Environment interface {
	Reset() ([]float64, error)
	Step(action int) (StepResult, error)
	ValidActions(state []float64) []int
}

// EnvironmentFactory builds a new Environment for each game
type EnvironmentFactory func() (Environment, error)

// MetricsReporter is optionally implemented by environments that expose
// domain metrics (material balance, captures, ...) at the end of a game.
type MetricsReporter interface {
	DomainMetrics() map[string]float64
}

// Policy selects actions and persists its own state. SelectAction is called
// from many games at once and must be safe for concurrent use.
type Policy interface {
	Name() string
	SelectAction(state []float64, validActions []int, rng *rand.Rand) (int, error)
	Learn(exp models.Experience) error
	TrainingMetrics() map[string]float64
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// PositionEvaluator scores a position for the side to move in [-1, 1]
type PositionEvaluator interface {
	Evaluate(state []float64, color models.PlayerColor) float64
}

// ExperienceSink receives the merged experiences of a self-play batch
type ExperienceSink interface {
	AddAll(exps []models.EnhancedExperience)
	Size() int
	Capacity() int
}

// GameRecorder persists per-game summaries
type GameRecorder interface {
	WriteGame(result models.SelfPlayGameResult) error
}
