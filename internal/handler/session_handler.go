package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/civiq/proctor-backend/internal/attempt"
	"github.com/civiq/proctor-backend/internal/integrity"
	"github.com/civiq/proctor-backend/internal/middleware"
	"github.com/civiq/proctor-backend/internal/response"
	"github.com/civiq/proctor-backend/internal/session"
	"github.com/civiq/proctor-backend/internal/store"
	"github.com/civiq/proctor-backend/internal/validator"
)

// SessionHandler exposes the proctored session over REST. Every endpoint
// is also reachable through the WebSocket channel; REST is the fallback
// for clients without a live socket.
type SessionHandler struct {
	sessions *session.Manager
	store    *store.Store
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *session.Manager, st *store.Store, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		store:    st,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// AnswerRequest records one answer selection.
type AnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required"`
	ChoiceID   string `json:"choice_id" binding:"required"`
}

// NavigateRequest moves the question cursor.
type NavigateRequest struct {
	Index *int `json:"index" binding:"required"`
}

// SubmitRequest finishes the session.
type SubmitRequest struct {
	Confirmed bool `json:"confirmed"`
}

// IntegrityRequest reports a discrete integrity event.
type IntegrityRequest struct {
	Kind string `json:"kind" binding:"required"`
}

// ProbeRequest reports the client-side inspector heuristics.
type ProbeRequest struct {
	SizeGap       bool `json:"size_gap"`
	InspectorHint bool `json:"inspector_hint"`
}

// Start godoc
// POST /api/v1/session/tests/:test_id/start
// Boots or resumes the session and returns its state. Idempotent.
func (h *SessionHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID := c.Param("test_id")
	eng := h.sessions.GetOrCreate(claims.UserID, testID, bearerToken(c))
	if err := eng.Start(c.Request.Context()); err != nil {
		h.failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": eng.State()})
}

// State godoc
// GET /api/v1/session/tests/:test_id/state
func (h *SessionHandler) State(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": eng.State()})
}

// Answer godoc
// POST /api/v1/session/tests/:test_id/answer
func (h *SessionHandler) Answer(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}

	var req AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := eng.SelectAnswer(c.Request.Context(), req.QuestionID, req.ChoiceID); err != nil {
		h.failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"saved": true})
}

// Navigate godoc
// POST /api/v1/session/tests/:test_id/navigate
func (h *SessionHandler) Navigate(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}

	var req NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := eng.GoToQuestion(c.Request.Context(), *req.Index); err != nil {
		h.failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"current_index": *req.Index})
}

// Submit godoc
// POST /api/v1/session/tests/:test_id/submit
// Runs the two-phase submission. Returns 409 CONFIRMATION_REQUIRED when
// unanswered questions remain and the request was not confirmed.
func (h *SessionHandler) Submit(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}

	var req SubmitRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	result, err := eng.Submit(c.Request.Context(), req.Confirmed)
	if err != nil {
		h.failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"session": eng.State(),
		"result":  result,
	})
}

// Integrity godoc
// POST /api/v1/session/tests/:test_id/integrity
func (h *SessionHandler) Integrity(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}

	var req IntegrityRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	eng.ReportEvent(integrity.EventKind(req.Kind))
	response.Success(c, http.StatusOK, gin.H{"lockdown": eng.State().Lockdown})
}

// Probe godoc
// POST /api/v1/session/tests/:test_id/probe
func (h *SessionHandler) Probe(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}

	var req ProbeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	eng.ReportSignal(req.SizeGap, req.InspectorHint)
	response.Success(c, http.StatusOK, gin.H{"received": true})
}

// Dismiss godoc
// POST /api/v1/session/tests/:test_id/dismiss
func (h *SessionHandler) Dismiss(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}
	eng.DismissWarning()
	response.Success(c, http.StatusOK, gin.H{"lockdown": eng.State().Lockdown})
}

// Result godoc
// GET /api/v1/session/tests/:test_id/result
// Reads from the local result store, so outcomes survive restarts.
func (h *SessionHandler) Result(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	res, err := h.store.LoadResult(c.Request.Context(), claims.UserID, c.Param("test_id"))
	if err != nil {
		h.log.Error().Err(err).Msg("loading result failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if res == nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": res})
}

// ListResults godoc
// GET /api/v1/session/results?passed=true
func (h *SessionHandler) ListResults(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	passedOnly := c.Query("passed") == "true"
	results, err := h.store.ListResults(c.Request.Context(), claims.UserID, passedOnly)
	if err != nil {
		h.log.Error().Err(err).Msg("listing results failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"results": results})
}

// engine resolves the caller's running session or writes the failure.
func (h *SessionHandler) engine(c *gin.Context) (*session.Engine, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}
	eng := h.sessions.Get(claims.UserID, c.Param("test_id"))
	if eng == nil {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotStarted)
		return nil, false
	}
	return eng, true
}

func (h *SessionHandler) failFromError(c *gin.Context, err error) {
	var confirmErr *session.ConfirmationError
	var reqErr *attempt.RequestError

	switch {
	case errors.As(err, &confirmErr):
		response.FailWithFields(c, http.StatusConflict, response.ErrConfirmationRequired,
			map[string]string{"unanswered": strconv.Itoa(confirmErr.Unanswered)})
	case errors.Is(err, session.ErrNotAnswering):
		response.Fail(c, http.StatusConflict, response.ErrSessionNotAnswering)
	case errors.Is(err, session.ErrLockedDown):
		response.Fail(c, http.StatusLocked, response.ErrSessionLocked)
	case errors.Is(err, session.ErrSubmitInFlight):
		response.Fail(c, http.StatusConflict, response.ErrSubmitInProgress)
	case errors.Is(err, session.ErrUnknownQuestion):
		response.Fail(c, http.StatusBadRequest, response.ErrUnknownQuestion)
	case errors.Is(err, session.ErrUnknownChoice):
		response.Fail(c, http.StatusBadRequest, response.ErrUnknownChoice)
	case errors.Is(err, session.ErrIndexOutOfRange):
		response.Fail(c, http.StatusBadRequest, response.ErrIndexOutOfRange)
	case errors.Is(err, session.ErrTestUnavailable):
		response.Fail(c, http.StatusNotFound, response.ErrTestUnavailable)
	case errors.As(err, &reqErr):
		response.Fail(c, http.StatusBadGateway, response.ErrUpstreamUnavailable)
	default:
		h.log.Error().Err(err).Msg("session operation failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return c.Query("token")
}
