package deploy

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an unknown deployment id or lineage.
	ErrNotFound = errors.New("deployment not found")

	// ErrInvalidTransition reports a state machine violation, e.g. cancelling
	// an already-completed record.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrBusy reports that another version of the same lineage is running.
	// It is a retryable condition, not a failure.
	ErrBusy = errors.New("deployment already running for this lineage")

	// ErrNotRunning reports a cancel request for a deployment that holds no
	// execution slot.
	ErrNotRunning = errors.New("deployment is not running")

	// ErrDeleteRunning guards history: running records cannot be deleted.
	ErrDeleteRunning = errors.New("cannot delete a running deployment")

	// ErrNotRecurring reports pause/resume on a non-recurring deployment.
	ErrNotRecurring = errors.New("deployment is not recurring")
)

// ValidationError reports a rejected creation spec. It surfaces to API
// callers as a 400 with the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
