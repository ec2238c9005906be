package models

import "time"

// GameOutcome is the game-theoretic result of a game
type GameOutcome string

const (
	OutcomeWhiteWins GameOutcome = "WHITE_WINS"
	OutcomeBlackWins GameOutcome = "BLACK_WINS"
	OutcomeDraw      GameOutcome = "DRAW"
	// OutcomeOngoing never appears on a finished SelfPlayGameResult
	OutcomeOngoing GameOutcome = "ONGOING"
)

// TerminationReason records why an episode ended, independent of its outcome
type TerminationReason string

const (
	// TerminationGameEnded means the rules reached a terminal position
	TerminationGameEnded TerminationReason = "GAME_ENDED"
	// TerminationStepLimit means the step cap was hit without a terminal position
	TerminationStepLimit TerminationReason = "STEP_LIMIT"
	// TerminationManual means the game was abandoned because a stop was requested
	TerminationManual TerminationReason = "MANUAL"
)

// PlayerColor identifies the side that made a move
type PlayerColor string

const (
	White PlayerColor = "WHITE"
	Black PlayerColor = "BLACK"
)

// Opponent returns the other color
func (c PlayerColor) Opponent() PlayerColor {
	if c == White {
		return Black
	}
	return White
}

// ColorForMove infers the mover from a 1-based move number. White moves first.
func ColorForMove(moveNumber int) PlayerColor {
	if moveNumber%2 == 1 {
		return White
	}
	return Black
}

// Experience is one (state, action, reward, next state, done) transition
type Experience struct {
	State     []float64 `json:"state"`
	Action    int       `json:"action"`
	Reward    float64   `json:"reward"`
	NextState []float64 `json:"next_state"`
	Done      bool      `json:"done"`
}

// EnhancedExperience is an Experience tagged with game provenance.
// Exactly one of the phase flags is set; IsFromWinningGame and IsFromDrawGame
// are never both set.
type EnhancedExperience struct {
	Experience

	GameID            string            `json:"game_id"`
	MoveNumber        int               `json:"move_number"` // 1-based
	PlayerColor       PlayerColor       `json:"player_color"`
	GameOutcome       GameOutcome       `json:"game_outcome"`
	TerminationReason TerminationReason `json:"termination_reason"`
	QualityScore      float64           `json:"quality_score"` // [0,1]
	IsEarlyGame       bool              `json:"is_early_game"`
	IsMidGame         bool              `json:"is_mid_game"`
	IsEndGame         bool              `json:"is_end_game"`
	IsFromWinningGame bool              `json:"is_from_winning_game"`
	IsFromDrawGame    bool              `json:"is_from_draw_game"`
}

// ToExperience drops the provenance metadata
func (e EnhancedExperience) ToExperience() Experience {
	return Experience{
		State:     append([]float64(nil), e.State...),
		Action:    e.Action,
		Reward:    e.Reward,
		NextState: append([]float64(nil), e.NextState...),
		Done:      e.Done,
	}
}

// SelfPlayGameResult describes one completed game
type SelfPlayGameResult struct {
	GameID            string               `json:"game_id"`
	GameIndex         int                  `json:"game_index"`
	WhitePolicy       string               `json:"white_policy"`
	GameLength        int                  `json:"game_length"`
	GameOutcome       GameOutcome          `json:"game_outcome"`
	TerminationReason TerminationReason    `json:"termination_reason"`
	GameDuration      time.Duration        `json:"game_duration"`
	Experiences       []EnhancedExperience `json:"-"`
	DomainMetrics     map[string]float64   `json:"domain_metrics,omitempty"`
	FinalPosition     string               `json:"final_position,omitempty"`
	IllegalActions    int                  `json:"illegal_actions"`
}

// OutcomeCounts buckets games. Draws only counts rules-terminal draws; truncated
// games land in StepLimit or Manual.
type OutcomeCounts struct {
	WhiteWins int `json:"white_wins"`
	BlackWins int `json:"black_wins"`
	Draws     int `json:"draws"`
	StepLimit int `json:"step_limit"`
	Manual    int `json:"manual"`
}

// Total returns the sum of all buckets
func (c OutcomeCounts) Total() int {
	return c.WhiteWins + c.BlackWins + c.Draws + c.StepLimit + c.Manual
}

// Record adds a finished game to the matching bucket
func (c *OutcomeCounts) Record(outcome GameOutcome, reason TerminationReason) {
	switch reason {
	case TerminationStepLimit:
		c.StepLimit++
		return
	case TerminationManual:
		c.Manual++
		return
	}
	switch outcome {
	case OutcomeWhiteWins:
		c.WhiteWins++
	case OutcomeBlackWins:
		c.BlackWins++
	default:
		c.Draws++
	}
}

// DrawRate returns legitimate draws over all games
func (c OutcomeCounts) DrawRate() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	return float64(c.Draws) / float64(total)
}

// ExperienceQualityMetrics summarizes the experiences of a batch.
// High+Medium+Low always equals the number of experiences.
type ExperienceQualityMetrics struct {
	AverageQuality  float64 `json:"average_quality"`
	HighQuality     int     `json:"high_quality"`
	MediumQuality   int     `json:"medium_quality"`
	LowQuality      int     `json:"low_quality"`
	EarlyGame       int     `json:"early_game"`
	MidGame         int     `json:"mid_game"`
	EndGame         int     `json:"end_game"`
	FromWinningGame int     `json:"from_winning_game"`
	FromDrawGame    int     `json:"from_draw_game"`
}

// SelfPlayResults is the output of one self-play batch
type SelfPlayResults struct {
	TotalGames               int                      `json:"total_games"`
	FailedGames              int                      `json:"failed_games"`
	TotalExperiences         int                      `json:"total_experiences"`
	GameResults              []SelfPlayGameResult     `json:"game_results"`
	Outcomes                 OutcomeCounts            `json:"outcomes"`
	ExperienceQualityMetrics ExperienceQualityMetrics `json:"experience_quality_metrics"`
	AverageGameLength        float64                  `json:"average_game_length"`
	Duration                 time.Duration            `json:"duration"`
}

// LearnerUpdate is returned by a Learner after one batch update
type LearnerUpdate struct {
	Loss         float64 `json:"loss"`
	GradientNorm float64 `json:"gradient_norm"`
	Entropy      float64 `json:"entropy"`
}

// TrainingState is the controller lifecycle state
type TrainingState string

const (
	StateStopped  TrainingState = "STOPPED"
	StateStarting TrainingState = "STARTING"
	StateRunning  TrainingState = "RUNNING"
	StatePaused   TrainingState = "PAUSED"
)

// IterationMetrics aggregates one training loop iteration
type IterationMetrics struct {
	Iteration            int           `json:"iteration"`
	GamesPlayed          int           `json:"games_played"`
	FailedGames          int           `json:"failed_games"`
	ExperiencesCollected int           `json:"experiences_collected"`
	SelfPlayDrawRate     float64       `json:"self_play_draw_rate"`
	SelfPlayStepLimit    int           `json:"self_play_step_limit"`
	WinRate              float64       `json:"win_rate"`
	DrawRate             float64       `json:"draw_rate"`
	LossRate             float64       `json:"loss_rate"`
	StepLimitRate        float64       `json:"step_limit_rate"`
	AverageLoss          float64       `json:"average_loss"`
	AverageGradientNorm  float64       `json:"average_gradient_norm"`
	AverageEntropy       float64       `json:"average_entropy"`
	BatchesTrained       int           `json:"batches_trained"`
	BufferSize           int           `json:"buffer_size"`
	BufferUtilization    float64       `json:"buffer_utilization"`
	CheckpointVersion    int           `json:"checkpoint_version,omitempty"`
	Duration             time.Duration `json:"duration"`
}

// SessionStats tracks statistics for a training session
type SessionStats struct {
	SessionID           string        `json:"session_id"`
	StartTime           time.Time     `json:"start_time"`
	EndTime             time.Time     `json:"end_time"`
	IterationsCompleted int           `json:"iterations_completed"`
	GamesPlayed         int           `json:"games_played"`
	FailedGames         int           `json:"failed_games"`
	ExperiencesStored   int           `json:"experiences_stored"`
	CheckpointsWritten  int           `json:"checkpoints_written"`
	TotalDuration       time.Duration `json:"total_duration"`
}
