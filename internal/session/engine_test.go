package session

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiq/proctor-backend/internal/attempt"
	"github.com/civiq/proctor-backend/internal/bank"
	"github.com/civiq/proctor-backend/internal/integrity"
	"github.com/civiq/proctor-backend/internal/model"
	"github.com/civiq/proctor-backend/internal/scoring"
	"github.com/civiq/proctor-backend/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAttemptClient struct {
	mu sync.Mutex

	startResp  *attempt.StartResponse
	startErr   error
	startCalls int

	submitErr error
	submitted [][]model.AnswerPair

	finishResp  *attempt.FinishResponse
	finishErr   error
	finishCalls int
}

func (f *fakeAttemptClient) StartAttempt(ctx context.Context, testID, token string) (*attempt.StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.startResp, nil
}

func (f *fakeAttemptClient) SubmitAnswers(ctx context.Context, attemptID string, answers []model.AnswerPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, answers)
	return nil
}

func (f *fakeAttemptClient) FinishAttempt(ctx context.Context, attemptID string) (*attempt.FinishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishErr != nil {
		return nil, f.finishErr
	}
	f.finishCalls++
	if f.finishResp != nil {
		return f.finishResp, nil
	}
	return &attempt.FinishResponse{}, nil
}

func demoDefinition() *model.TestDefinition {
	return &model.TestDefinition{
		ID:              "civics-101",
		Title:           "Civics Basics",
		DurationSeconds: 120,
		PassingScore:    50,
		Questions: []model.Question{
			{ID: "q1", Text: "First question", Choices: []model.Choice{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}}},
			{ID: "q2", Text: "Second question", Choices: []model.Choice{{ID: "c", Text: "C"}, {ID: "d", Text: "D"}}},
		},
		AnswerKey: map[string]string{"q1": "a", "q2": "c"},
	}
}

type harness struct {
	t      *testing.T
	db     *sql.DB
	store  *store.Store
	clock  *fakeClock
	client *fakeAttemptClient
	deps   Deps
	policy Policy
}

func newHarness(t *testing.T, client *fakeAttemptClient) *harness {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db, zerolog.Nop())
	require.NoError(t, err)

	bk, err := bank.Load(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	bk.Put(demoDefinition())

	clock := newFakeClock()
	deps := Deps{
		Store: st,
		Bank:  bk,
		Log:   zerolog.Nop(),
		Now:   clock.Now,
	}
	if client != nil {
		deps.Client = client
	}
	// Hour-long intervals keep the background loops quiet; tests drive
	// handleTick directly.
	policy := Policy{
		PassingScore:  60,
		MaxViolations: 5,
		DefaultBudget: 30 * time.Minute,
		TickInterval:  time.Hour,
		ProbeInterval: time.Hour,
		FocusGrace:    3 * time.Second,
	}
	return &harness{t: t, db: db, store: st, clock: clock, client: client, deps: deps, policy: policy}
}

func (h *harness) engine(token string) *Engine {
	e := newEngine(7, "civics-101", token, h.deps, h.policy)
	h.t.Cleanup(e.Teardown)
	return e
}

func TestDemoStartAndScore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	e := h.engine("")

	require.NoError(t, e.Start(ctx))
	view := e.State()
	assert.Equal(t, model.StatusAnswering, view.Status)
	assert.Equal(t, "demo", view.Mode)
	assert.Equal(t, 120, view.RemainingSeconds)

	require.NoError(t, e.SelectAnswer(ctx, "q1", "a"))
	require.NoError(t, e.SelectAnswer(ctx, "q2", "d"))
	h.clock.Advance(30 * time.Second)

	res, err := e.Submit(ctx, false)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.CorrectCount)
	assert.Equal(t, 2, res.TotalQuestions)
	assert.Equal(t, 50, res.PercentageScore)
	assert.True(t, res.Passed) // bank passing score 50 overrides policy
	assert.Equal(t, 30, res.TimeSpentSeconds)
	assert.Equal(t, model.StatusCompleted, e.State().Status)

	stored, err := h.store.LoadResult(ctx, 7, "civics-101")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, res.PercentageScore, stored.PercentageScore)

	snap, err := h.store.LoadSnapshot(ctx, 7, "civics-101")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSelectAnswerOverwrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	e := h.engine("")
	require.NoError(t, e.Start(ctx))

	require.NoError(t, e.SelectAnswer(ctx, "q1", "a"))
	require.NoError(t, e.SelectAnswer(ctx, "q1", "a"))
	require.NoError(t, e.SelectAnswer(ctx, "q1", "b"))
	assert.Equal(t, map[string]string{"q1": "b"}, e.State().Answers)

	assert.ErrorIs(t, e.SelectAnswer(ctx, "q9", "a"), ErrUnknownQuestion)
	assert.ErrorIs(t, e.SelectAnswer(ctx, "q1", "z"), ErrUnknownChoice)
}

func TestNavigationBounds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	e := h.engine("")
	require.NoError(t, e.Start(ctx))

	require.NoError(t, e.GoToQuestion(ctx, 1))
	assert.Equal(t, 1, e.State().CurrentIndex)
	assert.ErrorIs(t, e.GoToQuestion(ctx, 2), ErrIndexOutOfRange)
	assert.ErrorIs(t, e.GoToQuestion(ctx, -1), ErrIndexOutOfRange)
}

func TestBlockedListShortCircuitsStart(t *testing.T) {
	ctx := context.Background()
	client := &fakeAttemptClient{}
	h := newHarness(t, client)
	require.NoError(t, h.store.Block(ctx, 7, "civics-101"))

	e := h.engine("token")
	require.NoError(t, e.Start(ctx))
	assert.Equal(t, model.StatusBlocked, e.State().Status)
	assert.Zero(t, client.startCalls, "blocked sessions must not reach the network")
}

func TestLocalResultShortCircuitsStart(t *testing.T) {
	ctx := context.Background()
	client := &fakeAttemptClient{}
	h := newHarness(t, client)
	require.NoError(t, h.store.SaveResult(ctx, 7, model.SubmissionResult{
		TestID: "civics-101", CorrectCount: 2, TotalQuestions: 2,
		PercentageScore: 100, Passed: true, CompletedAt: h.clock.Now(),
	}))

	e := h.engine("token")
	require.NoError(t, e.Start(ctx))
	view := e.State()
	assert.Equal(t, model.StatusAlreadyCompleted, view.Status)
	require.NotNil(t, view.Result)
	assert.Equal(t, 100, view.Result.PercentageScore)
	assert.Zero(t, client.startCalls)
}

func TestStartConflictMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("already completed", func(t *testing.T) {
		client := &fakeAttemptClient{startErr: attempt.ErrAlreadyCompleted}
		h := newHarness(t, client)
		e := h.engine("token")
		require.NoError(t, e.Start(ctx))
		assert.Equal(t, model.StatusAlreadyCompleted, e.State().Status)
	})

	t.Run("blocked remotely is recorded locally", func(t *testing.T) {
		client := &fakeAttemptClient{startErr: attempt.ErrBlocked}
		h := newHarness(t, client)
		e := h.engine("token")
		require.NoError(t, e.Start(ctx))
		assert.Equal(t, model.StatusBlocked, e.State().Status)
		blocked, err := h.store.IsBlocked(ctx, 7, "civics-101")
		require.NoError(t, err)
		assert.True(t, blocked)
	})

	t.Run("expired", func(t *testing.T) {
		client := &fakeAttemptClient{startErr: attempt.ErrTimeExpired}
		h := newHarness(t, client)
		e := h.engine("token")
		require.NoError(t, e.Start(ctx))
		assert.Equal(t, model.StatusExpired, e.State().Status)
	})

	t.Run("invalid session falls back to demo", func(t *testing.T) {
		client := &fakeAttemptClient{startErr: attempt.ErrInvalidSession}
		h := newHarness(t, client)
		e := h.engine("token")
		require.NoError(t, e.Start(ctx))
		view := e.State()
		assert.Equal(t, model.StatusAnswering, view.Status)
		assert.Equal(t, "demo", view.Mode)
	})

	t.Run("transient failure keeps session startable", func(t *testing.T) {
		client := &fakeAttemptClient{startErr: &attempt.RequestError{Op: "start", StatusCode: 503}}
		h := newHarness(t, client)
		e := h.engine("token")
		require.Error(t, e.Start(ctx))
		assert.Equal(t, model.StatusNotStarted, e.State().Status)

		client.mu.Lock()
		client.startErr = nil
		client.startResp = &attempt.StartResponse{
			AttemptID: "att-1", RemainingSeconds: 600, Questions: demoDefinition().Questions,
		}
		client.mu.Unlock()
		require.NoError(t, e.Start(ctx))
		assert.Equal(t, model.StatusAnswering, e.State().Status)
	})
}

func TestResumeChargesTimeAwayFromSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	savedAt := h.clock.Now()
	require.NoError(t, h.store.SaveSnapshot(ctx, 7, "civics-101", model.Snapshot{
		Answers:          map[string]string{"q1": "b"},
		RemainingSeconds: 100,
		CurrentIndex:     1,
		ViolationCount:   2,
		SavedAt:          savedAt,
	}))
	h.clock.Advance(40 * time.Second)

	e := h.engine("")
	require.NoError(t, e.Start(ctx))
	view := e.State()
	assert.Equal(t, model.StatusAnswering, view.Status)
	assert.Equal(t, map[string]string{"q1": "b"}, view.Answers)
	assert.Equal(t, 1, view.CurrentIndex)
	assert.Equal(t, 2, view.ViolationCount)
	assert.Equal(t, 60, view.RemainingSeconds)
}

func TestResumeAfterBudgetExhaustedExpiresOnFirstTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.store.SaveSnapshot(ctx, 7, "civics-101", model.Snapshot{
		Answers:          map[string]string{"q1": "a", "q2": "c"},
		RemainingSeconds: 30,
		SavedAt:          h.clock.Now(),
	}))
	h.clock.Advance(5 * time.Minute)

	e := h.engine("")
	require.NoError(t, e.Start(ctx))
	stop := e.handleTick(ctx)
	assert.True(t, stop)

	view := e.State()
	assert.Equal(t, model.StatusExpired, view.Status)
	require.NotNil(t, view.Result, "expiry must auto-submit whatever was answered")
	assert.Equal(t, 2, view.Result.CorrectCount)
}

func TestExpiryAutoSubmitRunsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	client := &fakeAttemptClient{
		startResp: &attempt.StartResponse{
			AttemptID: "att-9", RemainingSeconds: 60, Questions: demoDefinition().Questions,
		},
		finishResp: &attempt.FinishResponse{
			CorrectCount: intPtr(1), Score: floatPtr(50), Passed: boolPtr(false),
		},
	}
	h := newHarness(t, client)
	e := h.engine("token")
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.SelectAnswer(ctx, "q1", "a"))

	h.clock.Advance(61 * time.Second)
	assert.True(t, e.handleTick(ctx))
	assert.True(t, e.handleTick(ctx))
	assert.True(t, e.handleTick(ctx))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.finishCalls)
	assert.Len(t, client.submitted, 1)
	view := e.State()
	assert.Equal(t, model.StatusExpired, view.Status)
	require.NotNil(t, view.Result)
	assert.Equal(t, 50, view.Result.PercentageScore)
}

func TestExpirySubmitRetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	client := &fakeAttemptClient{
		startResp: &attempt.StartResponse{
			AttemptID: "att-9", RemainingSeconds: 60, Questions: demoDefinition().Questions,
		},
		submitErr: &attempt.RequestError{Op: "submit_answers", StatusCode: 502},
	}
	h := newHarness(t, client)
	e := h.engine("token")
	require.NoError(t, e.Start(ctx))

	h.clock.Advance(90 * time.Second)
	for i := 0; i < expiryMaxRetries-1; i++ {
		assert.False(t, e.handleTick(ctx), "tick %d should keep retrying", i)
	}
	assert.True(t, e.handleTick(ctx), "final retry exhausts the budget")
	assert.Equal(t, model.StatusExpired, e.State().Status)
	assert.Nil(t, e.State().Result)
}

func TestUnansweredSubmitRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	e := h.engine("")
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.SelectAnswer(ctx, "q1", "a"))

	_, err := e.Submit(ctx, false)
	var confirmErr *ConfirmationError
	require.ErrorAs(t, err, &confirmErr)
	assert.Equal(t, 1, confirmErr.Unanswered)
	assert.Equal(t, model.StatusAnswering, e.State().Status)

	res, err := e.Submit(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CorrectCount)
	assert.Equal(t, model.StatusCompleted, e.State().Status)
}

func TestFailedSubmitReturnsToAnswering(t *testing.T) {
	ctx := context.Background()
	client := &fakeAttemptClient{
		startResp: &attempt.StartResponse{
			AttemptID: "att-2", RemainingSeconds: 300, Questions: demoDefinition().Questions,
		},
		submitErr: &attempt.RequestError{Op: "submit_answers", StatusCode: 500},
	}
	h := newHarness(t, client)
	e := h.engine("token")
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.SelectAnswer(ctx, "q1", "a"))
	require.NoError(t, e.SelectAnswer(ctx, "q2", "c"))

	_, err := e.Submit(ctx, false)
	require.Error(t, err)
	assert.Equal(t, model.StatusAnswering, e.State().Status)

	client.mu.Lock()
	client.submitErr = nil
	client.finishResp = &attempt.FinishResponse{CorrectCount: intPtr(2), Score: floatPtr(100), Passed: boolPtr(true)}
	client.mu.Unlock()

	res, err := e.Submit(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, model.StatusCompleted, e.State().Status)

	_, err = e.Submit(ctx, false)
	assert.ErrorIs(t, err, ErrNotAnswering)
}

func TestFinishConflictLandsAlreadyCompleted(t *testing.T) {
	ctx := context.Background()
	client := &fakeAttemptClient{
		startResp: &attempt.StartResponse{
			AttemptID: "att-3", RemainingSeconds: 300, Questions: demoDefinition().Questions,
		},
		finishErr: attempt.ErrAlreadyCompleted,
	}
	h := newHarness(t, client)
	e := h.engine("token")
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.SelectAnswer(ctx, "q1", "a"))
	require.NoError(t, e.SelectAnswer(ctx, "q2", "c"))

	res, err := e.Submit(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, model.StatusAlreadyCompleted, e.State().Status)
}

func TestServerGradeFallbacksDeriveLocally(t *testing.T) {
	ctx := context.Background()
	client := &fakeAttemptClient{
		startResp: &attempt.StartResponse{
			AttemptID: "att-4", RemainingSeconds: 300, Questions: demoDefinition().Questions,
		},
		finishResp: &attempt.FinishResponse{CorrectCount: intPtr(2)},
	}
	h := newHarness(t, client)
	e := h.engine("token")
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.SelectAnswer(ctx, "q1", "a"))
	require.NoError(t, e.SelectAnswer(ctx, "q2", "c"))

	res, err := e.Submit(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 100, res.PercentageScore)
	assert.True(t, res.Passed)
}

func TestViolationLimitBlocksWhenEnforced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.policy.EnforceViolationLimit = true
	h.policy.MaxViolations = 2
	e := h.engine("")
	require.NoError(t, e.Start(ctx))

	e.recordViolation(integrity.Violation{Kind: integrity.EventWindowBlur, At: h.clock.Now(), Reportable: true})
	assert.Equal(t, model.StatusAnswering, e.State().Status)

	e.recordViolation(integrity.Violation{Kind: integrity.EventPageHidden, At: h.clock.Now(), Reportable: true})
	assert.Equal(t, model.StatusBlocked, e.State().Status)

	blocked, err := h.store.IsBlocked(ctx, 7, "civics-101")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestViolationsCountWithoutEnforcement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	e := h.engine("")
	require.NoError(t, e.Start(ctx))

	for i := 0; i < 10; i++ {
		e.recordViolation(integrity.Violation{Kind: integrity.EventWindowBlur, At: h.clock.Now(), Reportable: true})
	}
	view := e.State()
	assert.Equal(t, model.StatusAnswering, view.Status)
	assert.Equal(t, 10, view.ViolationCount)

	snap, err := h.store.LoadSnapshot(ctx, 7, "civics-101")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 10, snap.ViolationCount)
}

func TestEventStreamDeliversTicksAndGrades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	e := h.engine("")
	require.NoError(t, e.Start(ctx))

	events, cancel := e.Subscribe()
	defer cancel()

	h.clock.Advance(10 * time.Second)
	e.handleTick(ctx)
	require.NoError(t, e.SelectAnswer(ctx, "q1", "a"))
	require.NoError(t, e.SelectAnswer(ctx, "q2", "c"))
	_, err := e.Submit(ctx, false)
	require.NoError(t, err)

	var types []EventType
	for {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			continue
		default:
		}
		break
	}
	assert.Contains(t, types, EventTick)
	assert.Contains(t, types, EventStatus)
	assert.Contains(t, types, EventGraded)
}

func TestManagerReusesEngines(t *testing.T) {
	h := newHarness(t, nil)
	m := NewManager(h.deps, h.policy)
	defer m.Shutdown()

	a := m.GetOrCreate(7, "civics-101", "")
	b := m.GetOrCreate(7, "civics-101", "other-token")
	assert.Same(t, a, b)
	assert.Nil(t, m.Get(8, "civics-101"))
	assert.Same(t, a, m.Get(7, "civics-101"))
}

func TestScoringMatchesDemoSubmit(t *testing.T) {
	def := demoDefinition()
	res := scoring.Score(def.Questions, def.AnswerKey, map[string]string{"q1": "a"}, 50, 15, time.Now())
	assert.Equal(t, 1, res.CorrectCount)
	assert.Equal(t, 50, res.PercentageScore)
	assert.True(t, res.Passed)
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }
