package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAnswering means the session is not in a state that accepts input.
	ErrNotAnswering = errors.New("session is not accepting input")
	// ErrLockedDown means input is disabled while an inspector lockdown is active.
	ErrLockedDown = errors.New("session is locked down")
	// ErrSubmitInFlight means a submission is already running for this session.
	ErrSubmitInFlight = errors.New("submission already in progress")
	// ErrUnknownQuestion means the referenced question is not part of the test.
	ErrUnknownQuestion = errors.New("unknown question")
	// ErrUnknownChoice means the referenced choice does not belong to the question.
	ErrUnknownChoice = errors.New("unknown choice")
	// ErrIndexOutOfRange means a navigation target is outside the question list.
	ErrIndexOutOfRange = errors.New("question index out of range")
	// ErrTestUnavailable means no test definition could be loaded for the session.
	ErrTestUnavailable = errors.New("test definition unavailable")
)

// ConfirmationError is returned by Submit when unanswered questions remain
// and the caller has not confirmed the submission.
type ConfirmationError struct {
	Unanswered int
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("%d questions unanswered, confirmation required", e.Unanswered)
}
