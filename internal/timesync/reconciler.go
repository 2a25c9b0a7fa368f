// Package timesync derives the remaining time of a session from absolute
// timestamps. The countdown is recomputed on every read instead of being
// decremented tick by tick, so throttled or suspended timers can delay an
// update but never make the clock run slow.
package timesync

import "time"

// Reconciler converts a server-issued time budget plus a start timestamp
// into a monotonically-correct countdown.
type Reconciler struct {
	budgetSeconds int
	startedAt     time.Time
	now           func() time.Time
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithNow injects a clock source. Tests use this to simulate delayed and
// skipped ticks.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates an unstarted Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start records the budget and anchors the countdown at the current instant.
func (r *Reconciler) Start(budgetSeconds int) {
	r.budgetSeconds = budgetSeconds
	r.startedAt = r.now()
}

// Resume re-anchors the countdown from a stored snapshot: a snapshot with
// remaining R saved at time T reconciles to max(0, R-Δ) when read Δ seconds
// later. Wall-clock time spent away from the session still counts against
// the budget.
func (r *Reconciler) Resume(storedRemainingSeconds int, savedAt time.Time) {
	r.budgetSeconds = storedRemainingSeconds
	r.startedAt = savedAt
}

// Remaining returns the seconds left, clamped at zero. The value is always
// budget minus elapsed wall-clock seconds, regardless of how irregularly it
// is read.
func (r *Reconciler) Remaining() int {
	elapsed := int(r.now().Sub(r.startedAt) / time.Second)
	remaining := r.budgetSeconds - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// StartedAt returns the current anchor timestamp.
func (r *Reconciler) StartedAt() time.Time {
	return r.startedAt
}
