// Package sim provides a small rules engine and tabular policy that satisfy the
// orchestrator interfaces, so a full training session can run without external
// collaborators.
package sim

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/lamim/selfplay/internal/orchestrator"
	"github.com/lamim/selfplay/pkg/models"
)

const (
	// BoardSize is the number of squares, also the action space size
	BoardSize = 9

	cross  = 1.0  // white
	circle = -1.0 // black
)

// horizontal, vertical and diagonal patterns as bitboards
var winningPatterns = [...]uint16{
	0b111000000, 0b000111000, 0b000000111,
	0b100100100, 0b010010010, 0b001001001,
	0b100010001, 0b001010100,
}

// TicTacToe is a 3x3 board. The state vector holds +1 for white (cross),
// -1 for black (circle) and 0 for empty squares.
type TicTacToe struct {
	bitboards [2]uint16
	moves     int
	illegal   int
	outcome   models.GameOutcome
}

// NewTicTacToe returns an empty board
func NewTicTacToe() *TicTacToe {
	return &TicTacToe{outcome: models.OutcomeOngoing}
}

// Factory adapts NewTicTacToe to orchestrator.EnvironmentFactory
func Factory() (orchestrator.Environment, error) {
	return NewTicTacToe(), nil
}

func (t *TicTacToe) turn() int {
	return t.moves % 2
}

func (t *TicTacToe) state() []float64 {
	s := make([]float64, BoardSize)
	for sq := 0; sq < BoardSize; sq++ {
		switch {
		case t.bitboards[0]&(1<<sq) != 0:
			s[sq] = cross
		case t.bitboards[1]&(1<<sq) != 0:
			s[sq] = circle
		}
	}
	return s
}

// Reset clears the board
func (t *TicTacToe) Reset() ([]float64, error) {
	*t = TicTacToe{outcome: models.OutcomeOngoing}
	return t.state(), nil
}

// Step places a mark for the side to move. Occupied or out-of-range squares
// are reported as illegal and leave the board unchanged.
func (t *TicTacToe) Step(action int) (orchestrator.StepResult, error) {
	if t.outcome != models.OutcomeOngoing {
		return orchestrator.StepResult{}, fmt.Errorf("game already finished with %s", t.outcome)
	}
	if action < 0 || action >= BoardSize {
		t.illegal++
		return orchestrator.StepResult{
			NextState: t.state(),
			Info:      orchestrator.StepInfo{Illegal: true, Message: fmt.Sprintf("square %d out of range", action)},
		}, nil
	}
	occupied := t.bitboards[0] | t.bitboards[1]
	if occupied&(1<<action) != 0 {
		t.illegal++
		return orchestrator.StepResult{
			NextState: t.state(),
			Info:      orchestrator.StepInfo{Illegal: true, Message: fmt.Sprintf("square %d is occupied", action)},
		}, nil
	}

	side := t.turn()
	t.bitboards[side] |= 1 << action
	t.moves++

	res := orchestrator.StepResult{NextState: t.state()}
	switch {
	case hasLine(t.bitboards[side]):
		t.outcome = models.OutcomeWhiteWins
		if side == 1 {
			t.outcome = models.OutcomeBlackWins
		}
	case t.moves == BoardSize:
		t.outcome = models.OutcomeDraw
	}
	if t.outcome != models.OutcomeOngoing {
		res.Done = true
		res.Info.Outcome = t.outcome
	}
	return res, nil
}

// ValidActions lists the empty squares of state
func (t *TicTacToe) ValidActions(state []float64) []int {
	var free uint16
	for sq, v := range state {
		if v == 0 && sq < BoardSize {
			free |= 1 << sq
		}
	}
	moves := make([]int, 0, bits.OnesCount16(free))
	for free != 0 {
		moves = append(moves, bits.TrailingZeros16(free))
		free &= free - 1
	}
	return moves
}

// DomainMetrics reports per-game counters
func (t *TicTacToe) DomainMetrics() map[string]float64 {
	return map[string]float64{
		"moves":           float64(t.moves),
		"illegal_actions": float64(t.illegal),
		"empty_squares":   float64(BoardSize - bits.OnesCount16(t.bitboards[0]|t.bitboards[1])),
	}
}

// String renders the board as three rows
func (t *TicTacToe) String() string {
	return RenderState(t.state())
}

// RenderState renders a state vector as three rows separated by '/'
func RenderState(state []float64) string {
	var sb strings.Builder
	for sq := 0; sq < BoardSize && sq < len(state); sq++ {
		if sq > 0 && sq%3 == 0 {
			sb.WriteByte('/')
		}
		switch {
		case state[sq] > 0:
			sb.WriteByte('x')
		case state[sq] < 0:
			sb.WriteByte('o')
		default:
			sb.WriteByte('.')
		}
	}
	return sb.String()
}

func hasLine(bb uint16) bool {
	for _, p := range winningPatterns {
		if bb&p == p {
			return true
		}
	}
	return false
}

// LineEvaluator scores a position by open lines: each line holding only one
// side's marks counts for that side, weighted by how many marks it holds.
type LineEvaluator struct{}

// Evaluate returns a score in [-1, 1] from color's point of view
func (LineEvaluator) Evaluate(state []float64, color models.PlayerColor) float64 {
	if len(state) < BoardSize {
		return 0
	}
	var me, them uint16
	for sq := 0; sq < BoardSize; sq++ {
		switch {
		case state[sq] > 0:
			me |= 1 << sq
		case state[sq] < 0:
			them |= 1 << sq
		}
	}
	if color == models.Black {
		me, them = them, me
	}

	var score float64
	for _, p := range winningPatterns {
		m := bits.OnesCount16(me & p)
		o := bits.OnesCount16(them & p)
		switch {
		case m == 3:
			return 1
		case o == 3:
			return -1
		case o == 0:
			score += float64(m * m)
		case m == 0:
			score -= float64(o * o)
		}
	}
	// 8 lines with at most 2 marks each bounds the score by 32
	return score / 32
}
