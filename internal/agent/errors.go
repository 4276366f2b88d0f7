package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToResume is returned by Resume when the conversation has
	// no checkpoint or nothing to re-enter or replay.
	ErrNothingToResume = errors.New("nothing to resume")

	// ErrConversationSuspended is returned by Start when the
	// conversation is parked on pending tool calls. Resume it first or
	// fork it with Edit.
	ErrConversationSuspended = errors.New("conversation is suspended")

	// ErrTurnUnfinished is returned by Start when the previous turn
	// stopped before the model answered (a failed model call, a
	// cancelled context, a crash). Resume finishes that turn.
	ErrTurnUnfinished = errors.New("previous turn is unfinished")

	// ErrModelTransport matches every *ModelError.
	ErrModelTransport = errors.New("model transport failed")

	// ErrEmptyConversationID is returned when an entry point gets an
	// empty conversation id.
	ErrEmptyConversationID = errors.New("conversation id is empty")
)

// ModelError wraps a failed model call. The checkpoint written before
// the call is left intact, so the conversation can be resumed.
type ModelError struct {
	Step int
	Err  error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	return fmt.Sprintf("model call for step %d: %v", e.Step, e.Err)
}

// Unwrap returns the transport error.
func (e *ModelError) Unwrap() error { return e.Err }

// Is reports true for ErrModelTransport.
func (e *ModelError) Is(target error) bool { return target == ErrModelTransport }
