package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lamim/selfplay/pkg/models"
)

// gameJob is one game of a batch
type gameJob struct {
	index  int    // position in the batch, used for ordering and color assignment
	global uint64 // index across the orchestrator's lifetime, used for the RNG stream
	id     string
	white  Policy
	black  Policy
	rng    *rand.Rand
}

type transition struct {
	state   []float64
	next    []float64
	action  int
	reward  float64
	color   models.PlayerColor
	illegal bool
}

// playGameSafely runs a game and converts panics into errors so one broken game
// never takes down its siblings.
func (o *Orchestrator) playGameSafely(ctx context.Context, logger *slog.Logger, job gameJob, opts Options) (result *models.SelfPlayGameResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("game %s panicked: %v", job.id, r)
		}
	}()
	return o.playGame(ctx, logger, job, opts)
}

func (o *Orchestrator) playGame(ctx context.Context, logger *slog.Logger, job gameJob, opts Options) (*models.SelfPlayGameResult, error) {
	start := time.Now()

	env, err := o.newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}
	state, err := env.Reset()
	if err != nil {
		return nil, fmt.Errorf("failed to reset environment: %w", err)
	}

	var (
		steps      []transition
		outcome    = models.OutcomeOngoing
		reason     models.TerminationReason
		legalMoves int
		illegal    int
	)

	for move := 1; reason == ""; move++ {
		if move > opts.MaxStepsPerGame {
			reason = models.TerminationStepLimit
			break
		}
		select {
		case <-ctx.Done():
			reason = models.TerminationManual
			continue
		default:
		}

		color := models.White
		policy := job.white
		if legalMoves%2 == 1 {
			color = models.Black
			policy = job.black
		}

		valid := env.ValidActions(state)
		if len(valid) == 0 {
			return nil, fmt.Errorf("no valid actions at move %d of a non-terminal game", move)
		}
		action, err := policy.SelectAction(state, valid, job.rng)
		if err != nil {
			return nil, fmt.Errorf("policy %s failed to select action at move %d: %w", policy.Name(), move, err)
		}

		res, err := env.Step(action)
		if err != nil {
			return nil, fmt.Errorf("environment step failed at move %d: %w", move, err)
		}

		t := transition{
			state:  state,
			next:   res.NextState,
			action: action,
			reward: res.Reward,
			color:  color,
		}
		if res.Info.Illegal {
			illegal++
			t.illegal = true
			t.reward += opts.Rewards.IllegalActionPenalty
			t.next = state
			logger.Debug("Illegal action", "move", move, "action", action, "message", res.Info.Message)
		} else {
			legalMoves++
			state = res.NextState
		}
		steps = append(steps, t)

		if res.Done && !res.Info.Illegal {
			switch res.Info.Outcome {
			case models.OutcomeWhiteWins, models.OutcomeBlackWins, models.OutcomeDraw:
			default:
				return nil, fmt.Errorf("environment ended the game without an outcome (got %q)", res.Info.Outcome)
			}
			outcome = res.Info.Outcome
			reason = models.TerminationGameEnded
		}
	}

	// Truncated games keep a draw outcome for bookkeeping, but the termination
	// reason keeps them out of the legitimate draw bucket.
	if reason != models.TerminationGameEnded {
		outcome = models.OutcomeDraw
	}

	result := &models.SelfPlayGameResult{
		GameID:            job.id,
		GameIndex:         job.index,
		WhitePolicy:       job.white.Name(),
		GameLength:        len(steps),
		GameOutcome:       outcome,
		TerminationReason: reason,
		IllegalActions:    illegal,
		Experiences:       o.enrich(job.id, steps, outcome, reason, opts),
	}
	if r, ok := env.(MetricsReporter); ok {
		result.DomainMetrics = r.DomainMetrics()
	}
	if s, ok := env.(fmt.Stringer); ok {
		result.FinalPosition = s.String()
	}
	result.GameDuration = time.Since(start)

	logger.Debug("Game finished",
		"length", result.GameLength,
		"outcome", outcome,
		"reason", reason,
		"illegal_actions", illegal,
		"duration_ms", result.GameDuration.Milliseconds())

	return result, nil
}

// enrich back-fills the final outcome into every transition and applies the
// terminal rewards to each side's last move.
func (o *Orchestrator) enrich(gameID string, steps []transition, outcome models.GameOutcome, reason models.TerminationReason, opts Options) []models.EnhancedExperience {
	lastIdx := map[models.PlayerColor]int{models.White: -1, models.Black: -1}
	for i, s := range steps {
		lastIdx[s.color] = i
	}

	exps := make([]models.EnhancedExperience, len(steps))
	for i, s := range steps {
		moveNumber := i + 1
		result := resultFor(s.color, outcome, reason)
		reward := s.reward
		done := false

		if lastIdx[s.color] == i && reason != models.TerminationManual {
			done = true
			reward += terminalReward(result, opts.Rewards)
		}

		phase := opts.Phases.PhaseFor(moveNumber)
		var eval *float64
		if o.evaluator != nil {
			v := o.evaluator.Evaluate(s.next, s.color)
			eval = &v
		}

		exps[i] = models.EnhancedExperience{
			Experience: models.Experience{
				State:     s.state,
				Action:    s.action,
				Reward:    reward,
				NextState: s.next,
				Done:      done,
			},
			GameID:            gameID,
			MoveNumber:        moveNumber,
			PlayerColor:       s.color,
			GameOutcome:       outcome,
			TerminationReason: reason,
			QualityScore:      QualityScore(result, phase, eval),
			IsEarlyGame:       phase == PhaseEarly,
			IsMidGame:         phase == PhaseMid,
			IsEndGame:         phase == PhaseEnd,
			IsFromWinningGame: result == moverWon,
			IsFromDrawGame:    result == moverDrew,
		}
	}
	return exps
}

func terminalReward(r moverResult, rw Rewards) float64 {
	switch r {
	case moverWon:
		return rw.Win
	case moverLost:
		return rw.Loss
	case moverDrew:
		return rw.Draw
	case moverTruncated:
		return rw.StepLimitPenalty
	}
	return 0
}
