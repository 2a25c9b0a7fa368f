// Package scoring grades a session locally against a bundled answer key.
// Used only for demo sessions, when no server-issued attempt exists.
package scoring

import (
	"math"
	"time"

	"github.com/civiq/proctor-backend/internal/model"
)

// DefaultPassingScore applies when a test definition does not carry its own
// threshold.
const DefaultPassingScore = 60

// Score grades the recorded answers against the answer key. Unanswered
// questions count as wrong. Never fails: a session with no questions grades
// to zero.
func Score(questions []model.Question, answerKey map[string]string, answers map[string]string, passingScore, timeSpentSeconds int, completedAt time.Time) model.SubmissionResult {
	if passingScore <= 0 {
		passingScore = DefaultPassingScore
	}

	correct := 0
	for _, q := range questions {
		want, ok := answerKey[q.ID]
		if !ok {
			continue
		}
		if got, answered := answers[q.ID]; answered && got == want {
			correct++
		}
	}

	total := len(questions)
	percentage := 0
	if total > 0 {
		percentage = int(math.Round(float64(correct) / float64(total) * 100))
	}

	return model.SubmissionResult{
		CorrectCount:     correct,
		TotalQuestions:   total,
		PercentageScore:  percentage,
		Passed:           percentage >= passingScore,
		TimeSpentSeconds: timeSpentSeconds,
		CompletedAt:      completedAt,
	}
}
