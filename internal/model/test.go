package model

// Choice is a single selectable option of a question.
type Choice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is a test question as presented to the candidate. Correct
// choices never appear here; they live in TestDefinition.AnswerKey and are
// only used by the demo scorer.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Choices []Choice `json:"choices"`
}

// TestDefinition is a locally bundled test used for demo sessions, when no
// server-issued attempt exists. AnswerKey maps question id to the correct
// choice id.
type TestDefinition struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	DurationSeconds int               `json:"duration_seconds"`
	PassingScore    int               `json:"passing_score,omitempty"`
	Questions       []Question        `json:"questions"`
	AnswerKey       map[string]string `json:"answer_key"`
}
