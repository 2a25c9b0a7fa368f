package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiq/proctor-backend/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, 5*time.Second, zerolog.Nop())
}

func TestStartAttemptSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/attempts/start", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "civics-101", body["test_id"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"attempt_id":        "att-42",
				"remaining_seconds": 900,
				"questions": []map[string]interface{}{
					{"id": "q1", "text": "First?", "choices": []map[string]string{{"id": "a", "text": "Yes"}}},
				},
			},
		})
	})

	resp, err := client.StartAttempt(context.Background(), "civics-101", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "att-42", resp.AttemptID)
	assert.Equal(t, 900, resp.RemainingSeconds)
	require.Len(t, resp.Questions, 1)
	assert.Equal(t, "q1", resp.Questions[0].ID)
}

func TestStartAttemptConflictsByCode(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"ATTEMPT_ALREADY_COMPLETED", ErrAlreadyCompleted},
		{"TIME_EXPIRED", ErrTimeExpired},
		{"TEST_BLOCKED", ErrBlocked},
		{"TOKEN_INVALID", ErrInvalidSession},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{"code": tc.code, "message": "conflict"},
				})
			})

			_, err := client.StartAttempt(context.Background(), "civics-101", "tok-1")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClassifyByPhrase(t *testing.T) {
	cases := []struct {
		message string
		want    error
	}{
		{"This attempt was already completed.", ErrAlreadyCompleted},
		{"Attempt already finished by another device", ErrAlreadyCompleted},
		{"Sorry, time has expired for this attempt", ErrTimeExpired},
		{"Candidate is blocked from taking this test", ErrBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{"code": "UNKNOWN", "message": tc.message},
				})
			})

			_, err := client.FinishAttempt(context.Background(), "att-42")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUnauthorizedMapsToInvalidSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "SOMETHING_ELSE", "message": "nope"},
		})
	})

	_, err := client.StartAttempt(context.Background(), "civics-101", "bad-token")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestUnclassifiedErrorIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "INTERNAL_ERROR", "message": "database down"},
		})
	})

	err := client.SubmitAnswers(context.Background(), "att-42", []model.AnswerPair{{QuestionID: "q1", ChoiceID: "a"}})
	require.Error(t, err)

	var reqErr *RequestError
	assert.True(t, errors.As(err, &reqErr), "unknown server errors stay retryable")
	assert.NotErrorIs(t, err, ErrAlreadyCompleted)
}

func TestNetworkFailureIsRequestError(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", 500*time.Millisecond, zerolog.Nop())

	_, err := client.FinishAttempt(context.Background(), "att-42")
	var reqErr *RequestError
	assert.True(t, errors.As(err, &reqErr))
}

func TestSubmitAnswersPartialSet(t *testing.T) {
	var got struct {
		Answers []model.AnswerPair `json:"answers"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/attempts/att-42/answers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"status": "saved"}})
	})

	err := client.SubmitAnswers(context.Background(), "att-42", []model.AnswerPair{{QuestionID: "q3", ChoiceID: "b"}})
	require.NoError(t, err)
	require.Len(t, got.Answers, 1)
	assert.Equal(t, "q3", got.Answers[0].QuestionID)
}

func TestFinishAttemptOptionalFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"correct_count": 7},
		})
	})

	resp, err := client.FinishAttempt(context.Background(), "att-42")
	require.NoError(t, err)
	require.NotNil(t, resp.CorrectCount)
	assert.Equal(t, 7, *resp.CorrectCount)
	assert.Nil(t, resp.Score)
	assert.Nil(t, resp.Passed)
}
