package integrity

import "sync"

// Probe is a single devtools-detection heuristic. Implementations report
// the latest known reading; the monitor polls and debounces them. Keeping
// the heuristic behind this interface lets it be swapped without touching
// the session state machine.
type Probe interface {
	Name() string
	Sample() bool
}

// SignalProbe is a probe fed by client-reported readings. The browser runs
// the actual heuristic (outer/inner window dimension gap, or the
// inspector-getter trick on a logged object) and streams the boolean result
// here; Sample returns whatever was reported last.
type SignalProbe struct {
	name string

	mu     sync.Mutex
	active bool
}

// NewSignalProbe creates a probe with the given heuristic name.
func NewSignalProbe(name string) *SignalProbe {
	return &SignalProbe{name: name}
}

func (p *SignalProbe) Name() string {
	return p.name
}

// Set records the latest client reading.
func (p *SignalProbe) Set(active bool) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

func (p *SignalProbe) Sample() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
