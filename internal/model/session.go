package model

import "time"

// SessionStatus enumerates test session states.
type SessionStatus string

const (
	StatusNotStarted       SessionStatus = "NOT_STARTED"
	StatusAnswering        SessionStatus = "ANSWERING"
	StatusSubmitting       SessionStatus = "SUBMITTING"
	StatusCompleted        SessionStatus = "COMPLETED"
	StatusBlocked          SessionStatus = "BLOCKED"
	StatusExpired          SessionStatus = "EXPIRED"
	StatusAlreadyCompleted SessionStatus = "ALREADY_COMPLETED"
)

// Terminal reports whether no further answering, timer or monitor activity
// may occur in this status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBlocked, StatusExpired, StatusAlreadyCompleted:
		return true
	}
	return false
}

// Snapshot is the persisted in-progress state of a session. It is written
// after every mutation while ANSWERING and deleted on any terminal
// transition, so only resumable sessions ever load from it.
type Snapshot struct {
	Answers          map[string]string `json:"answers"`
	RemainingSeconds int               `json:"remaining_seconds"`
	CurrentIndex     int               `json:"current_index"`
	ViolationCount   int               `json:"violation_count"`
	SavedAt          time.Time         `json:"saved_at"`
}

// AnswerPair is one recorded answer, as submitted to the attempt service.
type AnswerPair struct {
	QuestionID string `json:"question_id"`
	ChoiceID   string `json:"choice_id"`
}
