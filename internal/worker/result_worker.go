package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/civiq/proctor-backend/internal/audit"
	"github.com/civiq/proctor-backend/internal/config"
)

const (
	ResultBatchSize    = 50
	ResultBatchTimeout = 2 * time.Second
	ResultPollTimeout  = 1 * time.Second
)

// ResultWorker drains graded sessions into the archive. Inserts are
// idempotent: the table's (user_id, test_id) key plus ON CONFLICT DO
// NOTHING keeps the archive write-once even when a record is requeued.
type ResultWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewResultWorker creates a ResultWorker.
func NewResultWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "result_worker").Logger(),
	}
}

// Start runs the drain loop until the context is cancelled.
func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	batch := make([]*audit.ResultRecord, 0, ResultBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= ResultBatchSize || time.Since(lastFlush) >= ResultBatchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(batch)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, ResultPollTimeout, config.WorkerKey.PersistResultsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var rec audit.ResultRecord
		if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		batch = append(batch, &rec)
	}
}

func (w *ResultWorker) flushSafe(ctx context.Context, batch []*audit.ResultRecord) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

// bulkInsert writes the whole batch in one statement. UNNEST keeps it a
// single round trip while preserving the conflict clause CopyFrom cannot
// express.
func (w *ResultWorker) bulkInsert(ctx context.Context, batch []*audit.ResultRecord) error {
	userIDs := make([]int, 0, len(batch))
	testIDs := make([]string, 0, len(batch))
	attemptIDs := make([]string, 0, len(batch))
	corrects := make([]int, 0, len(batch))
	totals := make([]int, 0, len(batch))
	scores := make([]int, 0, len(batch))
	passeds := make([]bool, 0, len(batch))
	spents := make([]int, 0, len(batch))
	completions := make([]time.Time, 0, len(batch))

	for _, rec := range batch {
		userIDs = append(userIDs, rec.UserID)
		testIDs = append(testIDs, rec.TestID)
		attemptIDs = append(attemptIDs, rec.AttemptID)
		corrects = append(corrects, rec.CorrectCount)
		totals = append(totals, rec.TotalQuestions)
		scores = append(scores, rec.PercentageScore)
		passeds = append(passeds, rec.Passed)
		spents = append(spents, rec.TimeSpentSeconds)
		completions = append(completions, time.Unix(rec.CompletedAt, 0))
	}

	_, err := w.pool.Exec(ctx, `
		INSERT INTO session_results
			(user_id, test_id, attempt_id, correct_count, total_questions,
			 percentage_score, passed, time_spent_seconds, completed_at)
		SELECT * FROM UNNEST(
			$1::int[], $2::text[], $3::text[], $4::int[], $5::int[],
			$6::int[], $7::bool[], $8::int[], $9::timestamptz[]
		)
		ON CONFLICT (user_id, test_id) DO NOTHING`,
		userIDs, testIDs, attemptIDs, corrects, totals,
		scores, passeds, spents, completions,
	)
	return err
}

func (w *ResultWorker) fallbackInsert(ctx context.Context, batch []*audit.ResultRecord) {
	requeueList := make([]*audit.ResultRecord, 0)

	for _, rec := range batch {
		_, err := w.pool.Exec(ctx, `
			INSERT INTO session_results
				(user_id, test_id, attempt_id, correct_count, total_questions,
				 percentage_score, passed, time_spent_seconds, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, test_id) DO NOTHING`,
			rec.UserID, rec.TestID, rec.AttemptID, rec.CorrectCount, rec.TotalQuestions,
			rec.PercentageScore, rec.Passed, rec.TimeSpentSeconds, time.Unix(rec.CompletedAt, 0),
		)
		if err != nil {
			w.log.Error().Err(err).Int("user_id", rec.UserID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, rec)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ResultWorker) requeue(ctx context.Context, items []*audit.ResultRecord) {
	pipe := w.rdb.Pipeline()
	for _, rec := range items {
		data, _ := json.Marshal(rec)
		pipe.RPush(ctx, config.WorkerKey.PersistResultsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	time.Sleep(2 * time.Second)
}

func (w *ResultWorker) shutdown(batch []*audit.ResultRecord) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(batch) > 0 {
		w.flushSafe(shutdownCtx, batch)
	}
}
