// Package store persists session progress locally so a reload or engine
// restart never loses work. It holds three small tables: in-progress
// snapshots, completed results, and the blocked-tests list.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/civiq/proctor-backend/internal/model"
)

var sqlBuilder = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)

// Store is the SQLite-backed local session store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New wraps an opened database and ensures the schema exists.
func New(db *sql.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("component", "session_store").Logger(),
	}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			user_id           INTEGER NOT NULL,
			test_id           TEXT    NOT NULL,
			answers           TEXT    NOT NULL,
			remaining_seconds INTEGER NOT NULL,
			current_index     INTEGER NOT NULL,
			violation_count   INTEGER NOT NULL,
			saved_at          DATETIME NOT NULL,
			PRIMARY KEY (user_id, test_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_results (
			user_id            INTEGER NOT NULL,
			test_id            TEXT    NOT NULL,
			attempt_id         TEXT,
			correct_count      INTEGER NOT NULL,
			total_questions    INTEGER NOT NULL,
			percentage_score   INTEGER NOT NULL,
			passed             INTEGER NOT NULL,
			time_spent_seconds INTEGER NOT NULL,
			completed_at       DATETIME NOT NULL,
			PRIMARY KEY (user_id, test_id)
		)`,
		`CREATE TABLE IF NOT EXISTS blocked_tests (
			user_id    INTEGER NOT NULL,
			test_id    TEXT    NOT NULL,
			blocked_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, test_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot upserts the in-progress state for a session. Called after
// every mutating transition while the session is answering.
func (s *Store) SaveSnapshot(ctx context.Context, userID int, testID string, snap model.Snapshot) error {
	answers, err := json.Marshal(snap.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_snapshots (user_id, test_id, answers, remaining_seconds, current_index, violation_count, saved_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, test_id) DO UPDATE
SET answers = excluded.answers,
    remaining_seconds = excluded.remaining_seconds,
    current_index = excluded.current_index,
    violation_count = excluded.violation_count,
    saved_at = excluded.saved_at
`, userID, testID, string(answers), snap.RemainingSeconds, snap.CurrentIndex, snap.ViolationCount, snap.SavedAt.UTC())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil when none exists. A
// malformed row is treated as "no snapshot" and removed.
func (s *Store) LoadSnapshot(ctx context.Context, userID int, testID string) (*model.Snapshot, error) {
	var (
		answersRaw string
		snap       model.Snapshot
	)
	err := s.db.QueryRowContext(ctx, `
SELECT answers, remaining_seconds, current_index, violation_count, saved_at
FROM session_snapshots
WHERE user_id = ? AND test_id = ?
`, userID, testID).Scan(&answersRaw, &snap.RemainingSeconds, &snap.CurrentIndex, &snap.ViolationCount, &snap.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(answersRaw), &snap.Answers); err != nil {
		s.log.Warn().Err(err).Str("test_id", testID).Msg("Discarding malformed snapshot")
		_ = s.ClearSnapshot(ctx, userID, testID)
		return nil, nil
	}
	if snap.Answers == nil {
		snap.Answers = map[string]string{}
	}
	return &snap, nil
}

// ClearSnapshot deletes the stored snapshot. Called on every terminal
// transition so terminal sessions can never be resumed.
func (s *Store) ClearSnapshot(ctx context.Context, userID int, testID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE user_id = ? AND test_id = ?`,
		userID, testID); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// SaveResult records the graded outcome. At most one result exists per
// session: a second save for the same key is silently ignored, keeping
// submission idempotent.
func (s *Store) SaveResult(ctx context.Context, userID int, r model.SubmissionResult) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_results (user_id, test_id, attempt_id, correct_count, total_questions, percentage_score, passed, time_spent_seconds, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, test_id) DO NOTHING
`, userID, r.TestID, r.AttemptID, r.CorrectCount, r.TotalQuestions, r.PercentageScore, r.Passed, r.TimeSpentSeconds, r.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// LoadResult returns the stored result for a test, or nil if the test was
// never completed locally. Answers "already completed?" without a network
// round trip.
func (s *Store) LoadResult(ctx context.Context, userID int, testID string) (*model.SubmissionResult, error) {
	query, args, err := sqlBuilder.
		Select("test_id", "attempt_id", "correct_count", "total_questions", "percentage_score", "passed", "time_spent_seconds", "completed_at").
		From("session_results").
		Where(squirrel.Eq{"user_id": userID, "test_id": testID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		r         model.SubmissionResult
		attemptID sql.NullString
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&r.TestID, &attemptID, &r.CorrectCount, &r.TotalQuestions,
		&r.PercentageScore, &r.Passed, &r.TimeSpentSeconds, &r.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	r.AttemptID = attemptID.String
	return &r, nil
}

// ListResults returns a user's stored results, newest first, optionally
// filtered to passed-only.
func (s *Store) ListResults(ctx context.Context, userID int, passedOnly bool) ([]model.SubmissionResult, error) {
	query := sqlBuilder.
		Select("test_id", "attempt_id", "correct_count", "total_questions", "percentage_score", "passed", "time_spent_seconds", "completed_at").
		From("session_results").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("completed_at DESC")
	if passedOnly {
		query = query.Where(squirrel.Eq{"passed": true})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []model.SubmissionResult
	for rows.Next() {
		var (
			r         model.SubmissionResult
			attemptID sql.NullString
		)
		if err := rows.Scan(&r.TestID, &attemptID, &r.CorrectCount, &r.TotalQuestions,
			&r.PercentageScore, &r.Passed, &r.TimeSpentSeconds, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.AttemptID = attemptID.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// Block adds a test to the user's blocked list. Subsequent starts for it
// short-circuit to BLOCKED before any network call.
func (s *Store) Block(ctx context.Context, userID int, testID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO blocked_tests (user_id, test_id, blocked_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id, test_id) DO NOTHING
`, userID, testID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("block test: %w", err)
	}
	return nil
}

// IsBlocked reports whether a test is on the user's blocked list.
func (s *Store) IsBlocked(ctx context.Context, userID int, testID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_tests WHERE user_id = ? AND test_id = ?`,
		userID, testID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check blocked: %w", err)
	}
	return true, nil
}
