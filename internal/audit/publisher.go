// Package audit ships violation and result records to the Redis queues
// drained by the archive workers, and announces live events on the per-test
// monitor channels proctors subscribe to.
package audit

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/civiq/proctor-backend/internal/config"
)

// ViolationRecord is one integrity event bound for the archive.
type ViolationRecord struct {
	UserID    int    `json:"user_id"`
	TestID    string `json:"test_id"`
	AttemptID string `json:"attempt_id,omitempty"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
}

// ResultRecord is a graded session bound for the archive.
type ResultRecord struct {
	UserID           int    `json:"user_id"`
	TestID           string `json:"test_id"`
	AttemptID        string `json:"attempt_id,omitempty"`
	CorrectCount     int    `json:"correct_count"`
	TotalQuestions   int    `json:"total_questions"`
	PercentageScore  int    `json:"percentage_score"`
	Passed           bool   `json:"passed"`
	TimeSpentSeconds int    `json:"time_spent_seconds"`
	CompletedAt      int64  `json:"completed_at"`
}

// Publisher pushes audit records to Redis. Failures are logged, never
// propagated; the session outcome does not depend on the audit trail.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a Publisher over an established Redis client.
func NewPublisher(rdb *redis.Client, log zerolog.Logger) *Publisher {
	return &Publisher{
		rdb: rdb,
		log: log.With().Str("component", "audit_publisher").Logger(),
	}
}

// Violation queues an integrity event for persistence and mirrors it to the
// live monitor channel for the test.
func (p *Publisher) Violation(ctx context.Context, v ViolationRecord) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Msg("Marshal violation failed")
		return
	}

	if err := p.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, raw).Err(); err != nil {
		p.log.Error().Err(err).Str("test_id", v.TestID).Msg("Queue violation failed")
	}
	if err := p.rdb.Publish(ctx, config.CacheKey.SessionMonitorChannel(v.TestID), raw).Err(); err != nil {
		p.log.Debug().Err(err).Msg("Monitor publish failed")
	}
}

// Result queues a graded session for persistence and announces it on the
// result channel.
func (p *Publisher) Result(ctx context.Context, r ResultRecord) {
	raw, err := json.Marshal(r)
	if err != nil {
		p.log.Error().Err(err).Msg("Marshal result failed")
		return
	}

	if err := p.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw).Err(); err != nil {
		p.log.Error().Err(err).Str("test_id", r.TestID).Msg("Queue result failed")
	}
	if err := p.rdb.Publish(ctx, config.CacheKey.SessionResultChannel(r.TestID), raw).Err(); err != nil {
		p.log.Debug().Err(err).Msg("Result publish failed")
	}
}
