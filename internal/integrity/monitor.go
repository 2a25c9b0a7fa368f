// Package integrity detects signals correlated with cheating attempts and
// drives the lockdown overlay state of a session. It never terminates a
// session on its own; it only raises lockdowns and reports violations to
// the state machine.
package integrity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind identifies a raw integrity signal reported by the client.
type EventKind string

const (
	EventPrintScreen EventKind = "printscreen"
	EventSnipTool    EventKind = "snip_tool"
	EventPageHidden  EventKind = "page_hidden"
	EventPageVisible EventKind = "page_visible"
	EventWindowBlur  EventKind = "window_blur"
	EventWindowFocus EventKind = "window_focus"
	EventCopy        EventKind = "copy"
	EventCut         EventKind = "cut"
	EventPaste       EventKind = "paste"
	EventContextMenu EventKind = "context_menu"
	EventPrint       EventKind = "print"

	// KindDevTools is synthesized by the poll loop, not reported directly.
	KindDevTools EventKind = "devtools"
)

// LockdownMode is the visual state the client must apply.
type LockdownMode string

const (
	LockdownNone  LockdownMode = "none"
	LockdownBlur  LockdownMode = "blur"
	LockdownModal LockdownMode = "modal"
)

// Lockdown describes the current overlay directive.
type Lockdown struct {
	Mode        LockdownMode `json:"mode"`
	Reason      EventKind    `json:"reason,omitempty"`
	Dismissible bool         `json:"dismissible"`
}

// Violation is a counted integrity event. Reportable violations are
// forwarded to the audit pipeline; the screenshot deterrent is counted but
// never reported.
type Violation struct {
	Kind       EventKind `json:"kind"`
	At         time.Time `json:"at"`
	Reportable bool      `json:"reportable"`
}

// Debounce thresholds for the devtools flag. Heuristic probes flap, so the
// flag sets only after sustained positives and clears only after sustained
// negatives.
const (
	devtoolsOpenAfter  = 3
	devtoolsClearAfter = 2
)

// Monitor aggregates probes and client events into lockdown state.
// Callbacks are invoked without the monitor lock held.
type Monitor struct {
	log      zerolog.Logger
	probes   []Probe
	interval time.Duration
	grace    time.Duration
	now      func() time.Time

	onLockdown  func(Lockdown)
	onViolation func(Violation)
	onNotice    func(EventKind)

	mu             sync.Mutex
	armedAt        time.Time
	openStreak     int
	closeStreak    int
	devtoolsOpen   bool
	blurActive     bool
	warningPending bool
	shutdown       bool
	cancel         context.CancelFunc
}

// Options configures a Monitor.
type Options struct {
	Probes       []Probe
	PollInterval time.Duration
	FocusGrace   time.Duration
	Now          func() time.Time

	// OnLockdown receives every overlay change.
	OnLockdown func(Lockdown)
	// OnViolation receives countable events.
	OnViolation func(Violation)
	// OnNotice receives suppression events (copy, paste, context menu,
	// print) that warrant a transient notice rather than an overlay.
	OnNotice func(EventKind)
}

// NewMonitor creates an unarmed Monitor.
func NewMonitor(log zerolog.Logger, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		log:         log.With().Str("component", "integrity_monitor").Logger(),
		probes:      opts.Probes,
		interval:    opts.PollInterval,
		grace:       opts.FocusGrace,
		now:         opts.Now,
		onLockdown:  opts.OnLockdown,
		onViolation: opts.OnViolation,
		onNotice:    opts.OnNotice,
	}
}

// Arm starts the devtools poll loop and opens the focus grace window. The
// loop runs until Shutdown or context cancellation.
func (m *Monitor) Arm(ctx context.Context) {
	m.mu.Lock()
	if m.shutdown || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	m.armedAt = m.now()
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.pollLoop(loopCtx)
}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// poll samples every probe, ORs the signals and updates the debounced
// devtools flag.
func (m *Monitor) poll() {
	sampled := false
	for _, p := range m.probes {
		if p.Sample() {
			sampled = true
			break
		}
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}

	changed := false
	if sampled {
		m.openStreak++
		m.closeStreak = 0
		if !m.devtoolsOpen && m.openStreak >= devtoolsOpenAfter {
			m.devtoolsOpen = true
			changed = true
		}
	} else {
		m.closeStreak++
		m.openStreak = 0
		if m.devtoolsOpen && m.closeStreak >= devtoolsClearAfter {
			m.devtoolsOpen = false
			changed = true
		}
	}
	opened := changed && m.devtoolsOpen
	state := m.stateLocked()
	at := m.now()
	m.mu.Unlock()

	if !changed {
		return
	}
	if opened {
		m.log.Warn().Msg("devtools detected, locking session input")
		m.violation(Violation{Kind: KindDevTools, At: at, Reportable: true})
	} else {
		m.log.Info().Msg("devtools closed, releasing lockdown")
	}
	m.emit(state)
}

// HandleEvent processes a client-reported integrity signal. No-op once the
// monitor is shut down, so terminal screens are never obscured.
func (m *Monitor) HandleEvent(kind EventKind) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	at := m.now()

	switch kind {
	case EventPrintScreen, EventSnipTool:
		// Blur before the OS can grab a clean frame. Deterrent only: the
		// warning is dismissible and the event is never sent to audit.
		m.blurActive = true
		m.warningPending = true
		state := m.stateLocked()
		m.mu.Unlock()
		m.violation(Violation{Kind: kind, At: at, Reportable: false})
		m.emit(state)
		return

	case EventPageHidden, EventWindowBlur:
		// Browsers churn focus right after load; ignore inside the grace
		// window.
		if at.Sub(m.armedAt) < m.grace {
			m.mu.Unlock()
			return
		}
		m.blurActive = true
		state := m.stateLocked()
		m.mu.Unlock()
		m.violation(Violation{Kind: kind, At: at, Reportable: true})
		m.emit(state)
		return

	case EventPageVisible, EventWindowFocus:
		if m.warningPending || m.devtoolsOpen || !m.blurActive {
			m.mu.Unlock()
			return
		}
		m.blurActive = false
		state := m.stateLocked()
		m.mu.Unlock()
		m.emit(state)
		return

	case EventCopy, EventCut, EventPaste, EventContextMenu, EventPrint:
		m.mu.Unlock()
		if m.onNotice != nil {
			m.onNotice(kind)
		}
		return
	}

	m.mu.Unlock()
	m.log.Debug().Str("kind", string(kind)).Msg("ignoring unknown integrity event")
}

// DismissWarning clears the dismissible screenshot warning. The devtools
// modal cannot be dismissed this way; only the poll loop clears it.
func (m *Monitor) DismissWarning() {
	m.mu.Lock()
	if m.shutdown || !m.warningPending {
		m.mu.Unlock()
		return
	}
	m.warningPending = false
	m.blurActive = m.devtoolsOpen
	state := m.stateLocked()
	m.mu.Unlock()

	m.emit(state)
}

// DevToolsOpen reports whether input must currently be rejected.
func (m *Monitor) DevToolsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devtoolsOpen
}

// State returns the current overlay directive.
func (m *Monitor) State() Lockdown {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Monitor) stateLocked() Lockdown {
	switch {
	case m.shutdown:
		return Lockdown{Mode: LockdownNone}
	case m.devtoolsOpen:
		return Lockdown{Mode: LockdownModal, Reason: KindDevTools, Dismissible: false}
	case m.warningPending:
		return Lockdown{Mode: LockdownModal, Reason: EventPrintScreen, Dismissible: true}
	case m.blurActive:
		return Lockdown{Mode: LockdownBlur, Reason: EventPageHidden, Dismissible: false}
	default:
		return Lockdown{Mode: LockdownNone}
	}
}

// Shutdown permanently disables the monitor: the poll loop stops, all
// events become no-ops and the overlay state reads as none. Called on every
// terminal transition and on teardown. Deliberately emits no callback: the
// caller typically holds its own lock.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	m.shutdown = true
	m.devtoolsOpen = false
	m.blurActive = false
	m.warningPending = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Monitor) emit(state Lockdown) {
	if m.onLockdown != nil {
		m.onLockdown(state)
	}
}

func (m *Monitor) violation(v Violation) {
	if m.onViolation != nil {
		m.onViolation(v)
	}
}
