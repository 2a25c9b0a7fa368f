// Package router wires the HTTP surface: CORS, tracing, rate limits and
// the session route groups.
package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/civiq/proctor-backend/internal/auth"
	"github.com/civiq/proctor-backend/internal/config"
	"github.com/civiq/proctor-backend/internal/handler"
	"github.com/civiq/proctor-backend/internal/middleware"
	"github.com/civiq/proctor-backend/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(verifier *auth.Verifier, handlers *Handlers, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// If AllowedOrigins is set in config, restrict to that list; otherwise
	// allow all so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Every response carries tracing metadata.
	router.Use(response.RequestIDMiddleware())

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// The probe endpoint takes a reading twice a second per client; give
	// it headroom the rest of the API does not need.
	sessionLimiter := middleware.NewRateLimiter(300, time.Minute)

	sessionAPI := router.Group("/api/v1/session")
	sessionAPI.Use(
		middleware.RequireCitizenJWT(verifier),
		sessionLimiter.Middleware(),
	)
	{
		sessionAPI.POST("/tests/:test_id/start", handlers.Session.Start)
		sessionAPI.GET("/tests/:test_id/state", handlers.Session.State)
		sessionAPI.POST("/tests/:test_id/answer", handlers.Session.Answer)
		sessionAPI.POST("/tests/:test_id/navigate", handlers.Session.Navigate)
		sessionAPI.POST("/tests/:test_id/submit", handlers.Session.Submit)
		sessionAPI.POST("/tests/:test_id/integrity", handlers.Session.Integrity)
		sessionAPI.POST("/tests/:test_id/probe", handlers.Session.Probe)
		sessionAPI.POST("/tests/:test_id/dismiss", handlers.Session.Dismiss)
		sessionAPI.GET("/tests/:test_id/result", handlers.Session.Result)
		sessionAPI.GET("/results", handlers.Session.ListResults)
	}

	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCitizenWSAuth(verifier))
	{
		ws.GET("/tests/:test_id/stream", handlers.WS.SessionStream)
	}

	return router
}
