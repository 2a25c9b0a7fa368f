// Package websocket defines the typed message schema and small helpers for
// the live session channel.
package websocket

import (
	"github.com/civiq/proctor-backend/internal/session"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer    Action = "answer"
	ActionNavigate  Action = "navigate"
	ActionIntegrity Action = "integrity"
	ActionProbe     Action = "probe"
	ActionSubmit    Action = "submit"
	ActionDismiss   Action = "dismiss"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest records a single answer selection.
type AnswerRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id"`
	ChoiceID   string `json:"choice_id"`
}

// NavigateRequest moves the question cursor.
type NavigateRequest struct {
	Action Action `json:"action"`
	Index  int    `json:"index"`
}

// IntegrityRequest reports a discrete integrity event (focus change,
// capture key, suppressed interaction).
type IntegrityRequest struct {
	Action Action `json:"action"`
	Kind   string `json:"kind"`
}

// ProbeRequest streams the client-side inspector heuristics.
type ProbeRequest struct {
	Action        Action `json:"action"`
	SizeGap       bool   `json:"size_gap"`
	InspectorHint bool   `json:"inspector_hint"`
}

// SubmitRequest finishes and grades the session.
type SubmitRequest struct {
	Action    Action `json:"action"`
	Confirmed bool   `json:"confirmed"`
}

// DismissRequest acknowledges a dismissible warning overlay.
type DismissRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError Event = "error"
	EventState Event = "state"
	EventAck   Event = "ack"
	EventPong  Event = "pong"
)

// StateResponse carries the full session state, sent once on connect.
type StateResponse struct {
	Event Event             `json:"event"`
	State session.StateView `json:"state"`
}

// AckResponse confirms a processed action.
type AckResponse struct {
	Event  Event  `json:"event"`
	Action Action `json:"action"`
}

// StreamEvent wraps an engine event for the wire.
type StreamEvent struct {
	Event   Event         `json:"event"`
	Payload session.Event `json:"payload"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
