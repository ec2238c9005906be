package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/lamim/selfplay/pkg/models"
)

// TabularPolicy keeps a preference vector per visited state and samples
// actions from a softmax over the preferences of the valid actions.
type TabularPolicy struct {
	mu           sync.RWMutex
	name         string
	temperature  float64
	learningRate float64
	table        map[string][]float64
	updates      int
	lastLoss     float64
}

// NewTabularPolicy creates an empty policy
func NewTabularPolicy(name string, temperature, learningRate float64) *TabularPolicy {
	if temperature <= 0 {
		temperature = 1
	}
	if learningRate <= 0 {
		learningRate = 0.1
	}
	return &TabularPolicy{
		name:         name,
		temperature:  temperature,
		learningRate: learningRate,
		table:        make(map[string][]float64),
	}
}

// Name implements orchestrator.Policy
func (p *TabularPolicy) Name() string {
	return p.name
}

// stateKey relies on state values being exactly -1, 0 or 1
func stateKey(state []float64) string {
	return RenderState(state)
}

func (p *TabularPolicy) probsLocked(key string, valid []int) []float64 {
	prefs := p.table[key]
	probs := make([]float64, len(valid))
	maxPref := math.Inf(-1)
	for i, a := range valid {
		v := 0.0
		if a < len(prefs) {
			v = prefs[a]
		}
		probs[i] = v / p.temperature
		maxPref = math.Max(maxPref, probs[i])
	}
	var sum float64
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxPref)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// SelectAction samples from the softmax distribution over valid actions
func (p *TabularPolicy) SelectAction(state []float64, valid []int, rng *rand.Rand) (int, error) {
	if len(valid) == 0 {
		return 0, errors.New("no valid actions")
	}
	p.mu.RLock()
	probs := p.probsLocked(stateKey(state), valid)
	p.mu.RUnlock()

	r := rng.Float64()
	for i, pr := range probs {
		r -= pr
		if r < 0 {
			return valid[i], nil
		}
	}
	return valid[len(valid)-1], nil
}

// Learn applies a single policy-gradient step for exp
func (p *TabularPolicy) Learn(exp models.Experience) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stepLocked(exp)
	return nil
}

// stepLocked does one REINFORCE update with the reward as the return and
// reports the loss, the squared gradient norm and the entropy of the state.
func (p *TabularPolicy) stepLocked(exp models.Experience) (loss, gradSq, entropy float64) {
	valid := legalFrom(exp.State)
	if len(valid) == 0 {
		return 0, 0, 0
	}
	key := stateKey(exp.State)
	probs := p.probsLocked(key, valid)

	prefs, ok := p.table[key]
	if !ok {
		prefs = make([]float64, BoardSize)
		p.table[key] = prefs
	}

	for i, a := range valid {
		pr := probs[i]
		if pr > 0 {
			entropy -= pr * math.Log(pr)
		}
		indicator := 0.0
		if a == exp.Action {
			indicator = 1
			loss = -exp.Reward * math.Log(math.Max(pr, 1e-12))
		}
		g := exp.Reward * (indicator - pr) / p.temperature
		gradSq += g * g
		if a < len(prefs) {
			prefs[a] += p.learningRate * g
		}
	}
	p.updates++
	p.lastLoss = loss
	return loss, gradSq, entropy
}

// legalFrom lists empty squares without needing an environment
func legalFrom(state []float64) []int {
	var out []int
	for sq := 0; sq < BoardSize && sq < len(state); sq++ {
		if state[sq] == 0 {
			out = append(out, sq)
		}
	}
	return out
}

// TrainingMetrics implements orchestrator.Policy
func (p *TabularPolicy) TrainingMetrics() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]float64{
		"states":        float64(len(p.table)),
		"updates":       float64(p.updates),
		"last_loss":     p.lastLoss,
		"temperature":   p.temperature,
		"learning_rate": p.learningRate,
	}
}

type tabularSnapshot struct {
	Name         string               `json:"name"`
	Temperature  float64              `json:"temperature"`
	LearningRate float64              `json:"learning_rate"`
	Updates      int                  `json:"updates"`
	LastLoss     float64              `json:"last_loss"`
	Table        map[string][]float64 `json:"table"`
}

// Save writes the policy as JSON
func (p *TabularPolicy) Save(w io.Writer) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := tabularSnapshot{
		Name:         p.name,
		Temperature:  p.temperature,
		LearningRate: p.learningRate,
		Updates:      p.updates,
		LastLoss:     p.lastLoss,
		Table:        p.table,
	}
	return json.NewEncoder(w).Encode(snap)
}

// Load replaces the policy state. The policy is unchanged if decoding fails.
func (p *TabularPolicy) Load(r io.Reader) error {
	var snap tabularSnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode tabular policy: %w", err)
	}
	if snap.Temperature <= 0 {
		return fmt.Errorf("invalid temperature %f in policy state", snap.Temperature)
	}
	for key, prefs := range snap.Table {
		if len(prefs) != BoardSize {
			return fmt.Errorf("state %q has %d preferences, want %d", key, len(prefs), BoardSize)
		}
	}
	if snap.Table == nil {
		snap.Table = make(map[string][]float64)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = snap.Name
	p.temperature = snap.Temperature
	p.learningRate = snap.LearningRate
	p.updates = snap.Updates
	p.lastLoss = snap.LastLoss
	p.table = snap.Table
	return nil
}

// UniformPolicy plays uniformly among valid actions. It is the default
// evaluation baseline and has no learnable state.
type UniformPolicy struct {
	name string
}

// NewUniformPolicy creates a stateless random baseline
func NewUniformPolicy(name string) *UniformPolicy {
	return &UniformPolicy{name: name}
}

func (u *UniformPolicy) Name() string { return u.name }

func (u *UniformPolicy) SelectAction(_ []float64, valid []int, rng *rand.Rand) (int, error) {
	if len(valid) == 0 {
		return 0, errors.New("no valid actions")
	}
	return valid[rng.IntN(len(valid))], nil
}

func (u *UniformPolicy) Learn(models.Experience) error       { return nil }
func (u *UniformPolicy) TrainingMetrics() map[string]float64 { return map[string]float64{} }

func (u *UniformPolicy) Save(w io.Writer) error {
	return json.NewEncoder(w).Encode(map[string]string{"name": u.name})
}

func (u *UniformPolicy) Load(r io.Reader) error {
	var v struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return fmt.Errorf("failed to decode uniform policy: %w", err)
	}
	u.name = v.Name
	return nil
}
