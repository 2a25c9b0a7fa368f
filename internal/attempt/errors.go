package attempt

import (
	"errors"
	"fmt"
	"strings"
)

// Conflict errors are authoritative: the server's view of the attempt wins
// over any optimistic local state. Everything else surfaces as a
// *RequestError and is retryable.
var (
	ErrAlreadyCompleted = errors.New("attempt already completed")
	ErrTimeExpired      = errors.New("attempt time expired")
	ErrBlocked          = errors.New("candidate blocked from this test")
	ErrInvalidSession   = errors.New("invalid or missing session")
)

// RequestError wraps a transport or unclassified server failure. The
// session machine treats these as transient and stays submittable.
type RequestError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("attempt service %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("attempt service %s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Known error-code values and message phrases the grading backend uses for
// terminal conditions. Codes are matched first; phrase matching covers
// older deployments that only return a message string.
var (
	completedCodes = []string{"ATTEMPT_ALREADY_COMPLETED", "ALREADY_COMPLETED"}
	expiredCodes   = []string{"TIME_EXPIRED", "ATTEMPT_EXPIRED"}
	blockedCodes   = []string{"TEST_BLOCKED", "CANDIDATE_BLOCKED"}
	invalidCodes   = []string{"TOKEN_INVALID", "TOKEN_REQUIRED", "TOKEN_EXPIRED", "FORBIDDEN"}

	completedPhrases = []string{"already completed", "already finished", "already submitted"}
	expiredPhrases   = []string{"time expired", "time is up", "time has expired", "out of time"}
	blockedPhrases   = []string{"blocked", "disqualified"}
)

// classify maps a structured failure from the grading backend onto the
// client's sentinel errors.
func classify(op string, statusCode int, code, message string) error {
	for _, c := range completedCodes {
		if code == c {
			return ErrAlreadyCompleted
		}
	}
	for _, c := range expiredCodes {
		if code == c {
			return ErrTimeExpired
		}
	}
	for _, c := range blockedCodes {
		if code == c {
			return ErrBlocked
		}
	}
	for _, c := range invalidCodes {
		if code == c {
			return ErrInvalidSession
		}
	}

	lower := strings.ToLower(message)
	for _, p := range completedPhrases {
		if strings.Contains(lower, p) {
			return ErrAlreadyCompleted
		}
	}
	for _, p := range expiredPhrases {
		if strings.Contains(lower, p) {
			return ErrTimeExpired
		}
	}
	for _, p := range blockedPhrases {
		if strings.Contains(lower, p) {
			return ErrBlocked
		}
	}
	if statusCode == 401 || statusCode == 403 {
		return ErrInvalidSession
	}

	return &RequestError{Op: op, StatusCode: statusCode, Err: errors.New(message)}
}
