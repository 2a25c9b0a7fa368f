package session

import (
	"github.com/civiq/proctor-backend/internal/integrity"
	"github.com/civiq/proctor-backend/internal/model"
)

// EventType enumerates the events a session streams to its client.
type EventType string

const (
	EventTick      EventType = "tick"
	EventLockdown  EventType = "lockdown"
	EventNotice    EventType = "notice"
	EventStatus    EventType = "status"
	EventGraded    EventType = "graded"
	EventViolation EventType = "violation"
)

// Event is one message on the session stream.
type Event struct {
	Type             EventType               `json:"type"`
	RemainingSeconds int                     `json:"remaining_seconds,omitempty"`
	Lockdown         *integrity.Lockdown     `json:"lockdown,omitempty"`
	Notice           string                  `json:"notice,omitempty"`
	Status           model.SessionStatus     `json:"status,omitempty"`
	Result           *model.SubmissionResult `json:"result,omitempty"`
	ViolationCount   int                     `json:"violation_count,omitempty"`
}

// StateView is the full session state as rendered to the client. Answer
// keys never appear here.
type StateView struct {
	TestID           string                  `json:"test_id"`
	Mode             string                  `json:"mode"` // "attempt" or "demo"
	Status           model.SessionStatus     `json:"status"`
	Questions        []model.Question        `json:"questions,omitempty"`
	Answers          map[string]string       `json:"answers"`
	CurrentIndex     int                     `json:"current_index"`
	RemainingSeconds int                     `json:"remaining_seconds"`
	ViolationCount   int                     `json:"violation_count"`
	MaxViolations    int                     `json:"max_violations"`
	Lockdown         integrity.Lockdown      `json:"lockdown"`
	Result           *model.SubmissionResult `json:"result,omitempty"`
}
