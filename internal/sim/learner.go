package sim

import (
	"errors"
	"math"

	"github.com/lamim/selfplay/pkg/models"
)

// Learner trains a TabularPolicy from replayed batches
type Learner struct {
	policy *TabularPolicy
}

// NewLearner creates a learner bound to policy
func NewLearner(policy *TabularPolicy) *Learner {
	return &Learner{policy: policy}
}

// Update applies one gradient step per experience and returns the batch
// averages. Batches drawn with replacement simply repeat updates.
func (l *Learner) Update(batch []models.EnhancedExperience) (models.LearnerUpdate, error) {
	if l.policy == nil {
		return models.LearnerUpdate{}, errors.New("learner has no policy")
	}
	if len(batch) == 0 {
		return models.LearnerUpdate{}, nil
	}

	l.policy.mu.Lock()
	defer l.policy.mu.Unlock()

	var loss, gradSq, entropy float64
	for _, e := range batch {
		lo, g, en := l.policy.stepLocked(e.ToExperience())
		loss += lo
		gradSq += g
		entropy += en
	}
	n := float64(len(batch))
	return models.LearnerUpdate{
		Loss:         loss / n,
		GradientNorm: math.Sqrt(gradSq),
		Entropy:      entropy / n,
	}, nil
}
