// Package attempt is the thin contract client for the remote grading
// backend: start an attempt, submit answers, finish. Failures are always
// classified before they reach the session machine.
package attempt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/civiq/proctor-backend/internal/model"
)

// StartResponse is the session bootstrap payload.
type StartResponse struct {
	AttemptID        string           `json:"attempt_id"`
	RemainingSeconds int              `json:"remaining_seconds"`
	Questions        []model.Question `json:"questions"`
}

// FinishResponse carries the server-side grade. All fields are optional;
// the session machine derives local fallbacks for whatever is omitted.
type FinishResponse struct {
	CorrectCount *int     `json:"correct_count,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	Passed       *bool    `json:"passed,omitempty"`
}

// Client is the attempt service contract consumed by the session machine.
type Client interface {
	StartAttempt(ctx context.Context, testID, token string) (*StartResponse, error)
	SubmitAnswers(ctx context.Context, attemptID string, answers []model.AnswerPair) error
	FinishAttempt(ctx context.Context, attemptID string) (*FinishResponse, error)
}

// HTTPClient talks to the grading backend over its JSON API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPClient creates a client against the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "attempt_client").Logger(),
	}
}

// envelope mirrors the grading backend's response shape.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StartAttempt requests a server-issued attempt for the test. The returned
// failure is one of the sentinel conflicts or a retryable *RequestError.
func (c *HTTPClient) StartAttempt(ctx context.Context, testID, token string) (*StartResponse, error) {
	body := map[string]string{"test_id": testID}

	var resp StartResponse
	if err := c.do(ctx, "start", http.MethodPost, "/api/v1/attempts/start", token, body, &resp); err != nil {
		return nil, err
	}
	if resp.AttemptID == "" {
		return nil, &RequestError{Op: "start", Err: fmt.Errorf("backend returned no attempt id")}
	}
	return &resp, nil
}

// SubmitAnswers posts the currently-recorded answers. Safe to call with a
// partial answer set.
func (c *HTTPClient) SubmitAnswers(ctx context.Context, attemptID string, answers []model.AnswerPair) error {
	body := map[string]interface{}{"answers": answers}
	path := fmt.Sprintf("/api/v1/attempts/%s/answers", attemptID)
	return c.do(ctx, "submit_answers", http.MethodPost, path, "", body, nil)
}

// FinishAttempt closes the attempt and fetches the grade. Idempotent
// server-side: finishing a finished attempt yields ErrAlreadyCompleted.
func (c *HTTPClient) FinishAttempt(ctx context.Context, attemptID string) (*FinishResponse, error) {
	var resp FinishResponse
	path := fmt.Sprintf("/api/v1/attempts/%s/finish", attemptID)
	if err := c.do(ctx, "finish", http.MethodPost, path, "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("marshal body: %w", err)}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return &RequestError{Op: op, StatusCode: res.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if res.StatusCode >= 400 {
			return classify(op, res.StatusCode, "", string(raw))
		}
		return &RequestError{Op: op, StatusCode: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	if env.Error != nil {
		c.log.Debug().
			Str("op", op).
			Int("status", res.StatusCode).
			Str("code", env.Error.Code).
			Msg("attempt service returned error")
		return classify(op, res.StatusCode, env.Error.Code, env.Error.Message)
	}
	if res.StatusCode >= 400 {
		return classify(op, res.StatusCode, "", "")
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &RequestError{Op: op, StatusCode: res.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}
