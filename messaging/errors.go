package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnexpectedCall is the default behavior's verdict on a call it
	// does not recognize: a contract violation, fatal to the actor.
	ErrUnexpectedCall = errors.New("messaging: unexpected call")

	// ErrUnexpectedCast is the cast counterpart of ErrUnexpectedCall.
	ErrUnexpectedCast = errors.New("messaging: unexpected cast")

	// ErrActorStopped is returned by calls into an actor that has
	// already terminated.
	ErrActorStopped = errors.New("messaging: actor stopped")

	// errStopRequested stands in for a behavior that asked to stop
	// without giving a reason.
	errStopRequested = errors.New("messaging: stop requested by behavior")
)

// SetupError wraps a failure while declaring the role's protocol context
// on a fresh channel. Fatal to the actor; a supervising layer is
// expected to restart it.
type SetupError struct {
	Role      string
	Err       error
	Timestamp time.Time
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("messaging: %s context setup failed: %v", e.Role, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
