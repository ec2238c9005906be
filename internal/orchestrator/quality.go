package orchestrator

import (
	"math"

	"github.com/lamim/selfplay/pkg/models"
)

const (
	// HighQualityThreshold and MediumQualityThreshold split experiences into buckets
	HighQualityThreshold   = 0.7
	MediumQualityThreshold = 0.4
)

// Phases holds the move-number thresholds for game phases
type Phases struct {
	EarlyGameMoves int // moves 1..EarlyGameMoves are early game
	EndGameStart   int // moves after EndGameStart are end game
}

// GamePhase is one of early, mid or end game
type GamePhase int

const (
	PhaseEarly GamePhase = iota
	PhaseMid
	PhaseEnd
)

// PhaseFor classifies a 1-based move number
func (p Phases) PhaseFor(moveNumber int) GamePhase {
	switch {
	case moveNumber <= p.EarlyGameMoves:
		return PhaseEarly
	case moveNumber > p.EndGameStart:
		return PhaseEnd
	default:
		return PhaseMid
	}
}

// moverResult is the game result from the point of view of one color
type moverResult int

const (
	moverWon moverResult = iota
	moverDrew
	moverLost
	moverTruncated
	moverAbandoned
)

func resultFor(color models.PlayerColor, outcome models.GameOutcome, reason models.TerminationReason) moverResult {
	switch reason {
	case models.TerminationStepLimit:
		return moverTruncated
	case models.TerminationManual:
		return moverAbandoned
	}
	switch {
	case outcome == models.OutcomeDraw:
		return moverDrew
	case (outcome == models.OutcomeWhiteWins) == (color == models.White):
		return moverWon
	default:
		return moverLost
	}
}

// QualityScore is a deterministic function of the mover's result, the game phase
// and an optional evaluation signal in [-1, 1]. The result is clamped to [0, 1].
func QualityScore(result moverResult, phase GamePhase, evaluation *float64) float64 {
	var score float64
	switch result {
	case moverWon:
		score = 0.8
	case moverDrew:
		score = 0.55
	case moverLost:
		score = 0.45
	case moverTruncated:
		score = 0.3
	default:
		score = 0.2
	}

	switch phase {
	case PhaseMid:
		score += 0.05
	case PhaseEnd:
		score += 0.1
	}

	if evaluation != nil {
		score += 0.1 * math.Min(1, math.Abs(*evaluation))
	}
	return math.Max(0, math.Min(1, score))
}

// summarizeQuality buckets experiences. The three quality buckets always sum to len(exps).
func summarizeQuality(exps []models.EnhancedExperience) models.ExperienceQualityMetrics {
	var q models.ExperienceQualityMetrics
	if len(exps) == 0 {
		return q
	}
	var total float64
	for _, e := range exps {
		total += e.QualityScore
		switch {
		case e.QualityScore >= HighQualityThreshold:
			q.HighQuality++
		case e.QualityScore >= MediumQualityThreshold:
			q.MediumQuality++
		default:
			q.LowQuality++
		}
		switch {
		case e.IsEarlyGame:
			q.EarlyGame++
		case e.IsEndGame:
			q.EndGame++
		default:
			q.MidGame++
		}
		if e.IsFromWinningGame {
			q.FromWinningGame++
		}
		if e.IsFromDrawGame {
			q.FromDrawGame++
		}
	}
	q.AverageQuality = total / float64(len(exps))
	return q
}
