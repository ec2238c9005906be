package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lamim/selfplay/pkg/models"
)

var (
	// Self-play metrics
	gamesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfplay_games_total",
			Help: "Completed self-play games by outcome and termination reason",
		},
		[]string{"outcome", "reason"},
	)

	failedGamesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "selfplay_failed_games_total",
			Help: "Games that failed and were excluded from results",
		},
	)

	gameDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "selfplay_game_duration_seconds",
			Help:    "Wall-clock duration of a single game",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
	)

	experiencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfplay_experiences_total",
			Help: "Experiences produced by quality bucket",
		},
		[]string{"quality"}, // "high", "medium", "low"
	)

	activeGames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "selfplay_active_games",
			Help: "Games currently in flight",
		},
	)

	// Replay buffer metrics
	bufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "selfplay_replay_buffer_size",
			Help: "Experiences held in the replay buffer",
		},
	)

	bufferUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "selfplay_replay_buffer_utilization",
			Help: "Replay buffer size over capacity",
		},
	)

	// Training metrics
	learnerLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "selfplay_learner_average_loss",
			Help: "Average learner loss of the last iteration",
		},
	)

	evaluationRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "selfplay_evaluation_rate",
			Help: "Evaluation result rates of the last iteration",
		},
		[]string{"result"}, // "win", "draw", "loss", "step_limit"
	)

	iterationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "selfplay_iteration_duration_seconds",
			Help:    "Duration of a full training loop iteration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
	)

	trainingState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "selfplay_training_state",
			Help: "1 for the current controller state, 0 otherwise",
		},
		[]string{"state"},
	)

	checkpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfplay_checkpoints_total",
			Help: "Checkpoint operations by kind and status",
		},
		[]string{"op", "status"}, // op: "create"/"load"
	)
)

var allStates = []models.TrainingState{
	models.StateStopped, models.StateStarting, models.StateRunning, models.StatePaused,
}

// Collector provides convenience methods for recording metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	logger *slog.Logger
	mu     sync.Mutex
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logger: logger,
	}
}

// RecordGame records a completed game
func (c *Collector) RecordGame(result models.SelfPlayGameResult) {
	if c == nil {
		return
	}
	gamesTotal.WithLabelValues(string(result.GameOutcome), string(result.TerminationReason)).Inc()
	gameDuration.Observe(result.GameDuration.Seconds())
}

// RecordFailedGame counts a game excluded from results
func (c *Collector) RecordFailedGame() {
	if c == nil {
		return
	}
	failedGamesTotal.Inc()
}

// RecordQuality adds a batch's quality bucket counts
func (c *Collector) RecordQuality(q models.ExperienceQualityMetrics) {
	if c == nil {
		return
	}
	experiencesTotal.WithLabelValues("high").Add(float64(q.HighQuality))
	experiencesTotal.WithLabelValues("medium").Add(float64(q.MediumQuality))
	experiencesTotal.WithLabelValues("low").Add(float64(q.LowQuality))
}

// GameStarted increments the in-flight gauge
func (c *Collector) GameStarted() {
	if c == nil {
		return
	}
	activeGames.Inc()
}

// GameFinished decrements the in-flight gauge
func (c *Collector) GameFinished() {
	if c == nil {
		return
	}
	activeGames.Dec()
}

// SetBuffer records replay buffer occupancy
func (c *Collector) SetBuffer(size, capacity int) {
	if c == nil {
		return
	}
	bufferSize.Set(float64(size))
	if capacity > 0 {
		bufferUtilization.Set(float64(size) / float64(capacity))
	}
}

// RecordIteration records the aggregate of one iteration
func (c *Collector) RecordIteration(m models.IterationMetrics) {
	if c == nil {
		return
	}
	learnerLoss.Set(m.AverageLoss)
	evaluationRate.WithLabelValues("win").Set(m.WinRate)
	evaluationRate.WithLabelValues("draw").Set(m.DrawRate)
	evaluationRate.WithLabelValues("loss").Set(m.LossRate)
	evaluationRate.WithLabelValues("step_limit").Set(m.StepLimitRate)
	iterationDuration.Observe(m.Duration.Seconds())
}

// SetTrainingState marks the current controller state
func (c *Collector) SetTrainingState(state models.TrainingState) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		trainingState.WithLabelValues(string(s)).Set(v)
	}
}

// RecordCheckpoint counts a checkpoint create or load
func (c *Collector) RecordCheckpoint(op string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	checkpointsTotal.WithLabelValues(op, status).Inc()
	c.logger.Debug("Checkpoint operation recorded", "op", op, "status", status, "duration", duration)
}
