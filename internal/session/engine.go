package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/civiq/proctor-backend/internal/attempt"
	"github.com/civiq/proctor-backend/internal/audit"
	"github.com/civiq/proctor-backend/internal/bank"
	"github.com/civiq/proctor-backend/internal/integrity"
	"github.com/civiq/proctor-backend/internal/model"
	"github.com/civiq/proctor-backend/internal/scoring"
	"github.com/civiq/proctor-backend/internal/store"
	"github.com/civiq/proctor-backend/internal/timesync"
)

const expiryMaxRetries = 5

// Policy carries the tunable session rules, resolved from config at startup.
type Policy struct {
	PassingScore          int
	MaxViolations         int
	EnforceViolationLimit bool
	DefaultBudget         time.Duration
	TickInterval          time.Duration
	ProbeInterval         time.Duration
	FocusGrace            time.Duration
}

// Deps are the collaborators an engine needs. Client and Audit may be nil:
// without a client every session runs in demo mode, without audit nothing
// is queued for archival.
type Deps struct {
	Store  *store.Store
	Client attempt.Client
	Bank   *bank.Bank
	Audit  *audit.Publisher
	Log    zerolog.Logger
	Now    func() time.Time
}

// Engine is the state machine for one user's run through one test. All
// transitions happen under its mutex; network calls are made with the
// mutex released so ticks and reads keep flowing.
type Engine struct {
	mu     sync.Mutex
	deps   Deps
	policy Policy
	log    zerolog.Logger
	now    func() time.Time

	userID int
	testID string
	token  string

	status       model.SessionStatus
	attemptID    string
	questions    []model.Question
	answerKey    map[string]string
	passingScore int
	budget       int

	answers    map[string]string
	current    int
	violations int
	result     *model.SubmissionResult

	clock   *timesync.Reconciler
	monitor *integrity.Monitor
	gapSig  *integrity.SignalProbe
	inspSig *integrity.SignalProbe

	submitInFlight  bool
	expiryRetries   int
	expirySubmitted bool

	loopCancel context.CancelFunc

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func newEngine(userID int, testID, token string, deps Deps, policy Policy) *Engine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		deps:         deps,
		policy:       policy,
		log:          deps.Log.With().Int("user_id", userID).Str("test_id", testID).Logger(),
		now:          now,
		userID:       userID,
		testID:       testID,
		token:        token,
		status:       model.StatusNotStarted,
		passingScore: policy.PassingScore,
		answers:      make(map[string]string),
		clock:        timesync.New(timesync.WithNow(now)),
		subs:         make(map[int]chan Event),
	}
	e.gapSig = integrity.NewSignalProbe("window_size_gap")
	e.inspSig = integrity.NewSignalProbe("inspector_hint")
	e.monitor = integrity.NewMonitor(e.log, integrity.Options{
		Probes:       []integrity.Probe{e.gapSig, e.inspSig},
		PollInterval: policy.ProbeInterval,
		FocusGrace:   policy.FocusGrace,
		Now:          now,
		OnLockdown:   func(l integrity.Lockdown) { e.publish(Event{Type: EventLockdown, Lockdown: &l}) },
		OnViolation:  e.recordViolation,
		OnNotice:     func(kind integrity.EventKind) { e.publish(Event{Type: EventNotice, Notice: string(kind)}) },
	})
	return e
}

// Start drives the session out of NOT_STARTED. It consults the local
// block list and result store before touching the network, then boots
// either an attempt-service session or a demo one, hydrates any saved
// snapshot and arms the monitor. Calling Start on a session that has
// already left NOT_STARTED is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != model.StatusNotStarted {
		return nil
	}

	blocked, err := e.deps.Store.IsBlocked(ctx, e.userID, e.testID)
	if err != nil {
		return err
	}
	if blocked {
		e.status = model.StatusBlocked
		e.log.Warn().Msg("start refused, test is on the local block list")
		return nil
	}

	if res, err := e.deps.Store.LoadResult(ctx, e.userID, e.testID); err != nil {
		return err
	} else if res != nil {
		e.status = model.StatusAlreadyCompleted
		e.result = res
		return nil
	}

	demo := e.deps.Client == nil || e.token == ""
	if !demo {
		done, err := e.startAttemptLocked(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		demo = e.attemptID == ""
	}
	if demo {
		if err := e.startDemoLocked(); err != nil {
			return err
		}
	}

	e.hydrateLocked(ctx)
	e.status = model.StatusAnswering
	e.persistLocked(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.monitor.Arm(loopCtx)
	go e.tickLoop(loopCtx)

	e.log.Info().
		Str("attempt_id", e.attemptID).
		Bool("demo", e.attemptID == "").
		Int("budget_seconds", e.budget).
		Msg("session started")
	return nil
}

// startAttemptLocked talks to the attempt service. It returns done=true
// when the start call resolved the session to a terminal state, and leaves
// attemptID empty when the session should fall back to demo mode.
func (e *Engine) startAttemptLocked(ctx context.Context) (bool, error) {
	resp, err := e.deps.Client.StartAttempt(ctx, e.testID, e.token)
	switch {
	case err == nil:
		e.attemptID = resp.AttemptID
		e.questions = resp.Questions
		e.budget = resp.RemainingSeconds
		if e.budget <= 0 {
			e.budget = int(e.policy.DefaultBudget.Seconds())
		}
		return false, nil
	case errors.Is(err, attempt.ErrBlocked):
		e.status = model.StatusBlocked
		if berr := e.deps.Store.Block(ctx, e.userID, e.testID); berr != nil {
			e.log.Error().Err(berr).Msg("recording block locally failed")
		}
		return true, nil
	case errors.Is(err, attempt.ErrAlreadyCompleted):
		e.status = model.StatusAlreadyCompleted
		return true, nil
	case errors.Is(err, attempt.ErrTimeExpired):
		e.status = model.StatusExpired
		e.expirySubmitted = true
		return true, nil
	case errors.Is(err, attempt.ErrInvalidSession):
		e.log.Warn().Err(err).Msg("attempt service rejected the token, falling back to demo mode")
		return false, nil
	default:
		return false, err
	}
}

func (e *Engine) startDemoLocked() error {
	def := e.deps.Bank.Get(e.testID)
	if def == nil {
		return ErrTestUnavailable
	}
	e.questions = def.Questions
	e.answerKey = def.AnswerKey
	e.budget = def.DurationSeconds
	if e.budget <= 0 {
		e.budget = int(e.policy.DefaultBudget.Seconds())
	}
	if def.PassingScore > 0 {
		e.passingScore = def.PassingScore
	}
	return nil
}

// hydrateLocked restores answers, cursor and violation count from a saved
// snapshot. Timing resumes from the snapshot only in demo mode; when the
// attempt service answered the start call its remaining time wins.
func (e *Engine) hydrateLocked(ctx context.Context) {
	snap, err := e.deps.Store.LoadSnapshot(ctx, e.userID, e.testID)
	if err != nil {
		e.log.Error().Err(err).Msg("loading snapshot failed, starting clean")
	}
	if snap != nil {
		e.answers = snap.Answers
		if e.answers == nil {
			e.answers = make(map[string]string)
		}
		e.current = snap.CurrentIndex
		if e.current < 0 || e.current >= len(e.questions) {
			e.current = 0
		}
		e.violations = snap.ViolationCount
	}
	if e.attemptID == "" && snap != nil {
		e.clock.Resume(snap.RemainingSeconds, snap.SavedAt)
		return
	}
	e.clock.Start(e.budget)
}

// SelectAnswer records the user's choice for a question and persists the
// snapshot. Re-selecting the same choice is harmless; a different choice
// overwrites.
func (e *Engine) SelectAnswer(ctx context.Context, questionID, choiceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.acceptingInputLocked(); err != nil {
		return err
	}
	q := e.questionLocked(questionID)
	if q == nil {
		return ErrUnknownQuestion
	}
	valid := false
	for _, c := range q.Choices {
		if c.ID == choiceID {
			valid = true
			break
		}
	}
	if !valid {
		return ErrUnknownChoice
	}
	e.answers[questionID] = choiceID
	e.persistLocked(ctx)
	return nil
}

// GoToQuestion moves the navigation cursor.
func (e *Engine) GoToQuestion(ctx context.Context, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.acceptingInputLocked(); err != nil {
		return err
	}
	if index < 0 || index >= len(e.questions) {
		return ErrIndexOutOfRange
	}
	e.current = index
	e.persistLocked(ctx)
	return nil
}

func (e *Engine) acceptingInputLocked() error {
	if e.status != model.StatusAnswering {
		return ErrNotAnswering
	}
	if e.monitor.DevToolsOpen() {
		return ErrLockedDown
	}
	return nil
}

func (e *Engine) questionLocked(id string) *model.Question {
	for i := range e.questions {
		if e.questions[i].ID == id {
			return &e.questions[i]
		}
	}
	return nil
}

// Submit runs the two-phase submission. With unanswered questions the
// caller must pass confirmed=true or the call fails without leaving
// ANSWERING. A failed network submit also returns to ANSWERING so the
// user can retry; a terminal answer from the attempt service lands the
// matching terminal state exactly once.
func (e *Engine) Submit(ctx context.Context, confirmed bool) (*model.SubmissionResult, error) {
	e.mu.Lock()
	if e.submitInFlight {
		e.mu.Unlock()
		return nil, ErrSubmitInFlight
	}
	if e.status != model.StatusAnswering {
		e.mu.Unlock()
		return nil, ErrNotAnswering
	}
	if e.monitor.DevToolsOpen() {
		e.mu.Unlock()
		return nil, ErrLockedDown
	}
	if unanswered := len(e.questions) - len(e.answers); unanswered > 0 && !confirmed {
		e.mu.Unlock()
		return nil, &ConfirmationError{Unanswered: unanswered}
	}
	e.status = model.StatusSubmitting
	e.submitInFlight = true
	e.publish(Event{Type: EventStatus, Status: model.StatusSubmitting})
	e.mu.Unlock()

	result, err := e.doSubmit(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitInFlight = false
	if err != nil {
		switch {
		case errors.Is(err, attempt.ErrAlreadyCompleted):
			e.finalizeLocked(ctx, model.StatusAlreadyCompleted, nil)
			return nil, nil
		case errors.Is(err, attempt.ErrTimeExpired):
			e.expirySubmitted = true
			e.finalizeLocked(ctx, model.StatusExpired, nil)
			return nil, nil
		default:
			e.status = model.StatusAnswering
			e.publish(Event{Type: EventStatus, Status: model.StatusAnswering})
			e.log.Error().Err(err).Msg("submit failed, session back to answering")
			return nil, err
		}
	}
	e.finalizeLocked(ctx, model.StatusCompleted, result)
	return result, nil
}

// doSubmit grades the attempt without holding the engine mutex. Server
// sessions push answers then finish; missing fields in the finish
// response are filled in locally. Demo sessions grade against the bank's
// answer key.
func (e *Engine) doSubmit(ctx context.Context) (*model.SubmissionResult, error) {
	e.mu.Lock()
	attemptID := e.attemptID
	pairs := make([]model.AnswerPair, 0, len(e.answers))
	for qid, cid := range e.answers {
		pairs = append(pairs, model.AnswerPair{QuestionID: qid, ChoiceID: cid})
	}
	answers := make(map[string]string, len(e.answers))
	for k, v := range e.answers {
		answers[k] = v
	}
	questions := e.questions
	answerKey := e.answerKey
	passing := e.passingScore
	spent := e.budget - e.clock.Remaining()
	e.mu.Unlock()

	completedAt := e.now()
	if attemptID == "" {
		res := scoring.Score(questions, answerKey, answers, passing, spent, completedAt)
		return &res, nil
	}

	if err := e.deps.Client.SubmitAnswers(ctx, attemptID, pairs); err != nil {
		return nil, err
	}
	fin, err := e.deps.Client.FinishAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	res := model.SubmissionResult{
		TotalQuestions:   len(questions),
		TimeSpentSeconds: spent,
		CompletedAt:      completedAt,
	}
	if fin.CorrectCount != nil {
		res.CorrectCount = *fin.CorrectCount
	}
	if fin.Score != nil {
		res.PercentageScore = int(math.Round(*fin.Score))
	} else if res.TotalQuestions > 0 {
		res.PercentageScore = int(math.Round(float64(res.CorrectCount) / float64(res.TotalQuestions) * 100))
	}
	if fin.Passed != nil {
		res.Passed = *fin.Passed
	} else {
		res.Passed = res.PercentageScore >= passing
	}
	return &res, nil
}

// finalizeLocked applies a terminal transition: persist the result if
// there is one, drop the snapshot, disarm the monitor and stop the loops.
func (e *Engine) finalizeLocked(ctx context.Context, status model.SessionStatus, result *model.SubmissionResult) {
	e.status = status
	if result != nil {
		result.TestID = e.testID
		result.AttemptID = e.attemptID
		e.result = result
		if err := e.deps.Store.SaveResult(ctx, e.userID, *result); err != nil {
			e.log.Error().Err(err).Msg("saving result failed")
		}
		if e.deps.Audit != nil {
			e.deps.Audit.Result(ctx, audit.ResultRecord{
				UserID:           e.userID,
				TestID:           e.testID,
				AttemptID:        e.attemptID,
				CorrectCount:     result.CorrectCount,
				TotalQuestions:   result.TotalQuestions,
				PercentageScore:  result.PercentageScore,
				Passed:           result.Passed,
				TimeSpentSeconds: result.TimeSpentSeconds,
				CompletedAt:      result.CompletedAt.Unix(),
			})
		}
	}
	if err := e.deps.Store.ClearSnapshot(ctx, e.userID, e.testID); err != nil {
		e.log.Error().Err(err).Msg("clearing snapshot failed")
	}
	e.monitor.Shutdown()
	if status != model.StatusExpired || result != nil || e.expirySubmitted {
		e.stopLoopsLocked()
	}
	e.publish(Event{Type: EventStatus, Status: status})
	if result != nil {
		e.publish(Event{Type: EventGraded, Result: result})
	}
	e.log.Info().Str("status", string(status)).Msg("session finalized")
}

func (e *Engine) stopLoopsLocked() {
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
	}
}

func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.policy.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := e.handleTick(ctx); stop {
				return
			}
		}
	}
}

// handleTick runs once per tick interval: refresh the snapshot, emit the
// countdown, and when the budget hits zero drive the expiry submission.
// The expiry submit retries on later ticks after transient failures, up
// to a cap.
func (e *Engine) handleTick(ctx context.Context) bool {
	e.mu.Lock()
	if e.status == model.StatusSubmitting {
		e.mu.Unlock()
		return false
	}
	if e.status.Terminal() && e.status != model.StatusExpired {
		e.mu.Unlock()
		return true
	}
	if e.status == model.StatusExpired && (e.result != nil || e.expirySubmitted) {
		e.mu.Unlock()
		return true
	}

	remaining := e.clock.Remaining()
	if e.status == model.StatusAnswering {
		e.persistLocked(ctx)
		e.publishLocked(Event{Type: EventTick, RemainingSeconds: remaining})
	}

	needExpiry := false
	if remaining == 0 {
		if e.status == model.StatusAnswering {
			e.finalizeLocked(ctx, model.StatusExpired, nil)
		}
		if e.submitInFlight {
			e.mu.Unlock()
			return false
		}
		e.submitInFlight = true
		needExpiry = true
	}
	e.mu.Unlock()

	if !needExpiry {
		return false
	}
	return e.runExpirySubmit(ctx)
}

// runExpirySubmit performs the automatic submission after expiry. The
// confirmation gate does not apply here.
func (e *Engine) runExpirySubmit(ctx context.Context) bool {
	result, err := e.doSubmit(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitInFlight = false
	if err != nil {
		switch {
		case errors.Is(err, attempt.ErrAlreadyCompleted):
			e.finalizeLocked(ctx, model.StatusAlreadyCompleted, nil)
			return true
		case errors.Is(err, attempt.ErrTimeExpired):
			e.expirySubmitted = true
			e.stopLoopsLocked()
			return true
		default:
			e.expiryRetries++
			e.log.Error().Err(err).Int("retry", e.expiryRetries).Msg("expiry submit failed")
			if e.expiryRetries >= expiryMaxRetries {
				e.expirySubmitted = true
				e.stopLoopsLocked()
				return true
			}
			return false
		}
	}
	e.expirySubmitted = true
	if result != nil {
		result.TestID = e.testID
		result.AttemptID = e.attemptID
		e.result = result
		if serr := e.deps.Store.SaveResult(ctx, e.userID, *result); serr != nil {
			e.log.Error().Err(serr).Msg("saving expiry result failed")
		}
		if e.deps.Audit != nil {
			e.deps.Audit.Result(ctx, audit.ResultRecord{
				UserID:           e.userID,
				TestID:           e.testID,
				AttemptID:        e.attemptID,
				CorrectCount:     result.CorrectCount,
				TotalQuestions:   result.TotalQuestions,
				PercentageScore:  result.PercentageScore,
				Passed:           result.Passed,
				TimeSpentSeconds: result.TimeSpentSeconds,
				CompletedAt:      result.CompletedAt.Unix(),
			})
		}
		e.publishLocked(Event{Type: EventGraded, Result: result})
	}
	e.stopLoopsLocked()
	return true
}

// recordViolation is the monitor's violation callback. Counting and
// snapshot persistence always happen; only reportable kinds reach the
// audit queue. When the configured limit is enforced, crossing it blocks
// the test.
func (e *Engine) recordViolation(v integrity.Violation) {
	ctx := context.Background()

	e.mu.Lock()
	if e.status != model.StatusAnswering {
		e.mu.Unlock()
		return
	}
	e.violations++
	count := e.violations
	e.persistLocked(ctx)
	e.publishLocked(Event{Type: EventViolation, ViolationCount: count})

	blockNow := e.policy.EnforceViolationLimit && count >= e.policy.MaxViolations
	if blockNow {
		if err := e.deps.Store.Block(ctx, e.userID, e.testID); err != nil {
			e.log.Error().Err(err).Msg("recording block locally failed")
		}
		e.finalizeLocked(ctx, model.StatusBlocked, nil)
	}
	attemptID := e.attemptID
	e.mu.Unlock()

	e.log.Warn().Str("kind", string(v.Kind)).Int("count", count).Msg("integrity violation recorded")
	if v.Reportable && e.deps.Audit != nil {
		e.deps.Audit.Violation(ctx, audit.ViolationRecord{
			UserID:    e.userID,
			TestID:    e.testID,
			AttemptID: attemptID,
			Kind:      string(v.Kind),
			Timestamp: v.At.Unix(),
		})
	}
}

// persistLocked writes the current snapshot. Persistence failures are
// logged and swallowed: losing an autosave must never break the session.
func (e *Engine) persistLocked(ctx context.Context) {
	snap := model.Snapshot{
		Answers:          e.answers,
		RemainingSeconds: e.clock.Remaining(),
		CurrentIndex:     e.current,
		ViolationCount:   e.violations,
		SavedAt:          e.now(),
	}
	if err := e.deps.Store.SaveSnapshot(ctx, e.userID, e.testID, snap); err != nil {
		e.log.Error().Err(err).Msg("saving snapshot failed")
	}
}

// ReportSignal feeds the client-measured inspector heuristics into the
// monitor's probes.
func (e *Engine) ReportSignal(sizeGap, inspectorHint bool) {
	e.gapSig.Set(sizeGap)
	e.inspSig.Set(inspectorHint)
}

// ReportEvent forwards a discrete client event (focus changes, capture
// keys, suppressed interactions) to the monitor.
func (e *Engine) ReportEvent(kind integrity.EventKind) {
	e.monitor.HandleEvent(kind)
}

// DismissWarning acknowledges a dismissible lockdown warning.
func (e *Engine) DismissWarning() {
	e.monitor.DismissWarning()
}

// State renders the current session for the client.
func (e *Engine) State() StateView {
	e.mu.Lock()
	defer e.mu.Unlock()

	mode := "attempt"
	if e.attemptID == "" {
		mode = "demo"
	}
	answers := make(map[string]string, len(e.answers))
	for k, v := range e.answers {
		answers[k] = v
	}
	view := StateView{
		TestID:         e.testID,
		Mode:           mode,
		Status:         e.status,
		Questions:      e.questions,
		Answers:        answers,
		CurrentIndex:   e.current,
		ViolationCount: e.violations,
		MaxViolations:  e.policy.MaxViolations,
		Lockdown:       e.monitor.State(),
		Result:         e.result,
	}
	if e.status == model.StatusAnswering || e.status == model.StatusSubmitting {
		view.RemainingSeconds = e.clock.Remaining()
	}
	return view
}

// Subscribe attaches a listener to the session's event stream. The
// returned cancel func detaches it; slow listeners drop events rather
// than stall the engine.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan Event, 64)
	e.subs[id] = ch
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) publish(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// publishLocked exists for call sites already holding e.mu; the
// subscriber lock is independent so this is just documentation of intent.
func (e *Engine) publishLocked(ev Event) { e.publish(ev) }

// Teardown stops the loops and disarms the monitor without touching the
// persisted snapshot, so an in-flight session survives a process restart.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.monitor.Shutdown()
	e.stopLoopsLocked()
}
