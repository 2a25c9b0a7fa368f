//go:build e2e
// +build e2e

// Package e2e exercises the full HTTP surface against an in-process
// server running in demo mode: JWT auth, session start/resume, answering,
// integrity reporting, the two-phase submit and result retrieval.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiq/proctor-backend/internal/auth"
	"github.com/civiq/proctor-backend/internal/bank"
	"github.com/civiq/proctor-backend/internal/config"
	"github.com/civiq/proctor-backend/internal/database"
	"github.com/civiq/proctor-backend/internal/handler"
	"github.com/civiq/proctor-backend/internal/model"
	"github.com/civiq/proctor-backend/internal/router"
	"github.com/civiq/proctor-backend/internal/session"
	"github.com/civiq/proctor-backend/internal/store"
	"github.com/civiq/proctor-backend/internal/validator"
)

const jwtSecret = "e2e-test-secret"

var (
	server  *httptest.Server
	baseURL string
	token   string
)

func TestMain(m *testing.M) {
	os.Setenv("JWT_SECRET", jwtSecret)
	os.Setenv("GIN_MODE", "release")

	tmp, err := os.MkdirTemp("", "proctor-e2e-*")
	if err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmp)

	if err := writeDemoTest(tmp); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}
	os.Setenv("DEMO_TESTS_DIR", tmp)
	os.Setenv("STATE_DB_PATH", filepath.Join(tmp, "sessions.db"))

	srv, err := buildServer()
	if err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}
	server = srv
	baseURL = srv.URL + "/api/v1"
	token = mintCitizenToken(42)

	code := m.Run()
	server.Close()
	os.Exit(code)
}

func buildServer() (*httptest.Server, error) {
	cfg := config.Load()
	log := zerolog.Nop()
	validator.Setup()

	db, err := database.NewSQLiteDB(cfg.StateDBPath, log)
	if err != nil {
		return nil, err
	}
	st, err := store.New(db, log)
	if err != nil {
		return nil, err
	}
	testBank, err := bank.Load(cfg.DemoTestsDir, log)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(session.Deps{
		Store: st,
		Bank:  testBank,
		Log:   log,
	}, session.Policy{
		PassingScore:  cfg.PassingScore,
		MaxViolations: cfg.MaxViolations,
		DefaultBudget: cfg.DefaultBudget,
		TickInterval:  cfg.TickInterval,
		ProbeInterval: cfg.ProbeInterval,
		FocusGrace:    cfg.FocusGrace,
	})

	verifier := auth.NewVerifier(cfg)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessions, st, log),
		WS:      handler.NewWSHandler(sessions, log, cfg.AllowedOrigins),
	}
	return httptest.NewServer(router.SetupRouter(verifier, handlers, cfg)), nil
}

func writeDemoTest(dir string) error {
	def := model.TestDefinition{
		ID:              "e2e-civics",
		Title:           "Civics E2E",
		DurationSeconds: 600,
		PassingScore:    50,
		Questions: []model.Question{
			{ID: "q1", Text: "Q1", Choices: []model.Choice{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}}},
			{ID: "q2", Text: "Q2", Choices: []model.Choice{{ID: "c", Text: "C"}, {ID: "d", Text: "D"}}},
		},
		AnswerKey: map[string]string{"q1": "a", "q2": "c"},
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "e2e-civics.json"), raw, 0o644)
}

func mintCitizenToken(userID int) string {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(userID),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TokenType: auth.TokenTypeCitizen,
		UserID:    userID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := t.SignedString([]byte(jwtSecret))
	return signed
}

type envelope struct {
	Data  map[string]json.RawMessage `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

func call(t *testing.T, method, path string, body interface{}) (int, *envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	return res.StatusCode, &env
}

func TestUnauthorizedRequestRejected(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/session/tests/e2e-civics/state", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestFullDemoSessionFlow(t *testing.T) {
	status, env := call(t, http.MethodPost, "/session/tests/e2e-civics/start", nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, env.Error)

	var view struct {
		Status           string `json:"status"`
		Mode             string `json:"mode"`
		RemainingSeconds int    `json:"remaining_seconds"`
	}
	require.NoError(t, json.Unmarshal(env.Data["session"], &view))
	assert.Equal(t, "ANSWERING", view.Status)
	assert.Equal(t, "demo", view.Mode)
	assert.Equal(t, 600, view.RemainingSeconds)

	// Answer one of two questions.
	status, env = call(t, http.MethodPost, "/session/tests/e2e-civics/answer",
		map[string]string{"question_id": "q1", "choice_id": "a"})
	require.Equal(t, http.StatusOK, status)

	status, env = call(t, http.MethodPost, "/session/tests/e2e-civics/navigate",
		map[string]int{"index": 1})
	require.Equal(t, http.StatusOK, status)

	// Report an integrity event; the session keeps running.
	status, env = call(t, http.MethodPost, "/session/tests/e2e-civics/integrity",
		map[string]string{"kind": "window_blur"})
	require.Equal(t, http.StatusOK, status)

	// Unconfirmed submit with an unanswered question must be refused.
	status, env = call(t, http.MethodPost, "/session/tests/e2e-civics/submit",
		map[string]bool{"confirmed": false})
	require.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CONFIRMATION_REQUIRED", env.Error.Code)
	assert.Equal(t, "1", env.Error.Fields["unanswered"])

	// Confirmed submit grades locally.
	status, env = call(t, http.MethodPost, "/session/tests/e2e-civics/submit",
		map[string]bool{"confirmed": true})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, env.Error)

	var result struct {
		CorrectCount    int  `json:"correct_count"`
		TotalQuestions  int  `json:"total_questions"`
		PercentageScore int  `json:"percentage_score"`
		Passed          bool `json:"passed"`
	}
	require.NoError(t, json.Unmarshal(env.Data["result"], &result))
	assert.Equal(t, 1, result.CorrectCount)
	assert.Equal(t, 2, result.TotalQuestions)
	assert.Equal(t, 50, result.PercentageScore)
	assert.True(t, result.Passed)

	// Result survives independently of the live engine.
	status, env = call(t, http.MethodGet, "/session/tests/e2e-civics/result", nil)
	require.Equal(t, http.StatusOK, status)

	// A second submit is refused: the session is terminal.
	status, env = call(t, http.MethodPost, "/session/tests/e2e-civics/submit",
		map[string]bool{"confirmed": true})
	require.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "SESSION_NOT_ANSWERING", env.Error.Code)

	// Starting again is a no-op on the terminal session.
	status, env = call(t, http.MethodPost, "/session/tests/e2e-civics/start", nil)
	require.Equal(t, http.StatusOK, status)
	var after struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data["session"], &after))
	assert.Equal(t, "COMPLETED", after.Status)
}

func TestUnknownTestReturnsNotFound(t *testing.T) {
	status, env := call(t, http.MethodPost, "/session/tests/no-such-test/start", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "TEST_UNAVAILABLE", env.Error.Code)
}
