package pipeline

import (
	"fmt"

	"github.com/fmueller/vidtranscribe/internal/domain"
)

// isValidTransition enforces the job state machine. Conversion may be skipped
// for audio inputs, so idle can move straight to transcribing.
func isValidTransition(from, to domain.State) bool {
	switch from {
	case domain.StateIdle:
		return to == domain.StateConverting || to == domain.StateTranscribing || to == domain.StateFailed || to == domain.StateCancelled
	case domain.StateConverting:
		return to == domain.StateTranscribing || to == domain.StateFailed || to == domain.StateCancelled
	case domain.StateTranscribing:
		return to == domain.StateSaving || to == domain.StateFailed || to == domain.StateCancelled
	case domain.StateSaving:
		return to == domain.StateCompleted || to == domain.StateFailed || to == domain.StateCancelled
	default:
		return false
	}
}

func transitionError(from, to domain.State) error {
	return fmt.Errorf("invalid transition: %s -> %s", from, to)
}
