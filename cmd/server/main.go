package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/civiq/proctor-backend/internal/attempt"
	"github.com/civiq/proctor-backend/internal/audit"
	"github.com/civiq/proctor-backend/internal/auth"
	"github.com/civiq/proctor-backend/internal/bank"
	"github.com/civiq/proctor-backend/internal/config"
	"github.com/civiq/proctor-backend/internal/database"
	"github.com/civiq/proctor-backend/internal/handler"
	"github.com/civiq/proctor-backend/internal/logger"
	"github.com/civiq/proctor-backend/internal/router"
	"github.com/civiq/proctor-backend/internal/session"
	"github.com/civiq/proctor-backend/internal/store"
	"github.com/civiq/proctor-backend/internal/validator"
	"github.com/civiq/proctor-backend/internal/worker"
)

func main() {
	cfg := config.Load()

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting Proctor Backend")

	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Local Session State (SQLite) ─────────────────────────────────
	db, err := database.NewSQLiteDB(cfg.StateDBPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer db.Close()

	st, err := store.New(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session store")
	}

	// ─── Demo Test Bank ───────────────────────────────────────────────
	testBank, err := bank.Load(cfg.DemoTestsDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load demo test bank")
	}

	// ─── Session Engine Dependencies ──────────────────────────────────
	deps := session.Deps{
		Store: st,
		Bank:  testBank,
		Log:   log,
	}
	if cfg.AttemptServiceURL != "" {
		deps.Client = attempt.NewHTTPClient(cfg.AttemptServiceURL, cfg.AttemptServiceTimeout, log)
	} else {
		log.Warn().Msg("ATTEMPT_SERVICE_URL not set, all sessions run in demo mode")
	}

	// ─── Optional Audit Pipeline (Redis + PostgreSQL) ─────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if cfg.AuditEnabled() {
		rdb, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		deps.Audit = audit.NewPublisher(rdb, log)

		if cfg.ArchiveEnabled() {
			pool, err := database.NewPostgresPool(ctx, cfg, log)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
			}
			defer pool.Close()

			go worker.NewViolationWorker(pool, rdb, log).Start(workerCtx)
			go worker.NewResultWorker(pool, rdb, log).Start(workerCtx)
		}
	} else {
		log.Info().Msg("REDIS_URL not set, audit pipeline disabled")
	}

	policy := session.Policy{
		PassingScore:          cfg.PassingScore,
		MaxViolations:         cfg.MaxViolations,
		EnforceViolationLimit: cfg.EnforceViolationLimit,
		DefaultBudget:         cfg.DefaultBudget,
		TickInterval:          cfg.TickInterval,
		ProbeInterval:         cfg.ProbeInterval,
		FocusGrace:            cfg.FocusGrace,
	}
	sessions := session.NewManager(deps, policy)

	verifier := auth.NewVerifier(cfg)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessions, st, log),
		WS:      handler.NewWSHandler(sessions, log, cfg.AllowedOrigins),
	}

	r := router.SetupRouter(verifier, handlers, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Stop live sessions (snapshots stay on disk for resume), then let the
	// workers drain their queues.
	sessions.Shutdown()
	workerCancel()
	time.Sleep(2 * time.Second)

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
