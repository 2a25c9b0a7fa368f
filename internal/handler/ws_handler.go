package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/civiq/proctor-backend/internal/integrity"
	"github.com/civiq/proctor-backend/internal/middleware"
	"github.com/civiq/proctor-backend/internal/session"
	ws "github.com/civiq/proctor-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allow list permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live session: countdown ticks, lockdown changes and
// grading land on the socket, while answers, navigation and integrity
// signals come back up it.
type WSHandler struct {
	sessions *session.Manager
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions *session.Manager, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/tests/:test_id/stream
// Upgrades to WebSocket for the live session channel. The session must
// have been started over REST first.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	testID := c.Param("test_id")
	eng := h.sessions.Get(claims.UserID, testID)
	if eng == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not started"})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Int("user_id", claims.UserID).
		Str("test_id", testID).
		Logger()
	wsLog.Info().Msg("Session stream connected")

	// Full state first so a reconnecting client can rebuild its view.
	if err := conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: eng.State()}); err != nil {
		wsLog.Debug().Err(err).Msg("Initial state write failed")
		return
	}

	events, unsubscribe := eng.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go forwardEvents(conn, events, done, wsLog)

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var envelope ws.RequestEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			conn.WriteError("INVALID_PAYLOAD", "malformed message")
			continue
		}
		h.dispatch(c, conn, eng, envelope.Action, raw, wsLog)
	}
}

// forwardEvents pushes engine events to the socket until the reader exits.
func forwardEvents(conn *ws.Conn, events <-chan session.Event, done <-chan struct{}, wsLog zerolog.Logger) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteTyped(ws.StreamEvent{Event: ws.Event(ev.Type), Payload: ev}); err != nil {
				wsLog.Debug().Err(err).Msg("Event write failed")
				return
			}
		}
	}
}

func (h *WSHandler) dispatch(c *gin.Context, conn *ws.Conn, eng *session.Engine, action ws.Action, raw []byte, wsLog zerolog.Logger) {
	ctx := c.Request.Context()

	switch action {
	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			conn.WriteError("INVALID_PAYLOAD", "malformed answer")
			return
		}
		if err := eng.SelectAnswer(ctx, req.QuestionID, req.ChoiceID); err != nil {
			conn.WriteError("ANSWER_REJECTED", err.Error())
			return
		}
		conn.WriteTyped(ws.AckResponse{Event: ws.EventAck, Action: action})

	case ws.ActionNavigate:
		var req ws.NavigateRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			conn.WriteError("INVALID_PAYLOAD", "malformed navigate")
			return
		}
		if err := eng.GoToQuestion(ctx, req.Index); err != nil {
			conn.WriteError("NAVIGATE_REJECTED", err.Error())
			return
		}
		conn.WriteTyped(ws.AckResponse{Event: ws.EventAck, Action: action})

	case ws.ActionIntegrity:
		var req ws.IntegrityRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			conn.WriteError("INVALID_PAYLOAD", "malformed integrity event")
			return
		}
		eng.ReportEvent(integrity.EventKind(req.Kind))
		conn.WriteTyped(ws.AckResponse{Event: ws.EventAck, Action: action})

	case ws.ActionProbe:
		var req ws.ProbeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			conn.WriteError("INVALID_PAYLOAD", "malformed probe")
			return
		}
		eng.ReportSignal(req.SizeGap, req.InspectorHint)

	case ws.ActionSubmit:
		var req ws.SubmitRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			conn.WriteError("INVALID_PAYLOAD", "malformed submit")
			return
		}
		if _, err := eng.Submit(ctx, req.Confirmed); err != nil {
			conn.WriteError("SUBMIT_REJECTED", err.Error())
			return
		}
		// The grade reaches the client through the event stream.

	case ws.ActionDismiss:
		eng.DismissWarning()
		conn.WriteTyped(ws.AckResponse{Event: ws.EventAck, Action: action})

	case ws.ActionPing:
		conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})

	default:
		wsLog.Debug().Str("action", string(action)).Msg("Unknown action")
		conn.WriteError("UNKNOWN_ACTION", "unsupported action")
	}
}
