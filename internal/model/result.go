package model

import "time"

// SubmissionResult is the single graded outcome of a session. Server and
// demo submits both converge on this shape; exactly one exists per
// completed attempt.
type SubmissionResult struct {
	TestID           string    `json:"test_id"`
	AttemptID        string    `json:"attempt_id,omitempty"`
	CorrectCount     int       `json:"correct_count"`
	TotalQuestions   int       `json:"total_questions"`
	PercentageScore  int       `json:"percentage_score"`
	Passed           bool      `json:"passed"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
	CompletedAt      time.Time `json:"completed_at"`
}
