package training

import (
	"errors"
	"fmt"

	"github.com/lamim/selfplay/pkg/models"
)

var (
	// ErrConfigurationInvalid is returned when a session cannot start with the supplied configuration
	ErrConfigurationInvalid = errors.New("configuration invalid")
	// ErrIllegalStateTransition is wrapped by every TransitionError
	ErrIllegalStateTransition = errors.New("illegal state transition")
	// ErrNoSuccessfulGames is the fatal result of a session that ran all of its
	// iterations without completing a single self-play game
	ErrNoSuccessfulGames = errors.New("no successful self-play games")
)

// TransitionError reports a lifecycle call made from the wrong state
type TransitionError struct {
	Op   string
	From models.TrainingState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s training: controller is %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalStateTransition
}
