package phase

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opfor-ai/gauntlet/message"
)

// ErrPhaseViolation is returned when a message type is not permitted for
// the sender's team in the current phase. Violating messages are
// rejected synchronously, never queued for a later phase.
var ErrPhaseViolation = errors.New("phase: message not permitted in current phase")

// ErrTerminal is returned when a transition is requested on a machine
// that already reached completed or aborted.
var ErrTerminal = errors.New("phase: machine is in a terminal phase")

// Transition describes a single phase change.
type Transition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	EnteredAt time.Time `json:"entered_at"`

	// Deadline is the instant the new phase times out. Zero for terminal
	// phases.
	Deadline time.Time `json:"deadline"`

	// Reason is set for aborts.
	Reason string `json:"reason,omitempty"`
}

// Snapshot is the externally visible machine state.
type Snapshot struct {
	Current   Phase     `json:"current"`
	EnteredAt time.Time `json:"entered_at"`
	Deadline  time.Time `json:"deadline"`
}

// TransitionFunc observes phase changes. The coordinator uses it to
// broadcast coordination messages so agents never need to poll.
type TransitionFunc func(Transition)

// Machine is the phase state machine. It serializes all mutations
// internally; readers get a consistent snapshot.
type Machine struct {
	mu        sync.RWMutex
	current   Phase
	enteredAt time.Time
	deadline  time.Time
	durations map[Phase]time.Duration
	completed bool // explicit completion signal for the current phase
	history   []Transition

	gate         *Gate
	onTransition TransitionFunc
	logger       *slog.Logger
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithDurations overrides individual phase durations. Phases absent from
// the map keep their defaults.
func WithDurations(d map[Phase]time.Duration) MachineOption {
	return func(m *Machine) {
		for p, dur := range d {
			m.durations[p] = dur
		}
	}
}

// WithGate replaces the default gate rules.
func WithGate(g *Gate) MachineOption {
	return func(m *Machine) { m.gate = g }
}

// WithTransitionFunc registers the transition observer.
func WithTransitionFunc(fn TransitionFunc) MachineOption {
	return func(m *Machine) { m.onTransition = fn }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// NewMachine creates a machine positioned at the initialization phase.
// The default gate rules are compiled here; constructing a machine with
// an invalid custom rule set fails before the run starts.
func NewMachine(now time.Time, opts ...MachineOption) (*Machine, error) {
	m := &Machine{
		current:   Initialization,
		enteredAt: now,
		durations: DefaultDurations(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.gate == nil {
		g, err := NewGate(DefaultRules())
		if err != nil {
			return nil, fmt.Errorf("failed to compile default gate rules: %w", err)
		}
		m.gate = g
	}
	m.deadline = now.Add(m.durations[Initialization])
	return m, nil
}

// Current returns a consistent snapshot of the machine state.
func (m *Machine) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Current: m.current, EnteredAt: m.enteredAt, Deadline: m.deadline}
}

// History returns the transitions taken so far, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// CompleteCurrent records the external "phase complete" signal for the
// current phase. The next Advance call transitions regardless of the
// phase deadline.
func (m *Machine) CompleteCurrent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.IsTerminal() {
		return ErrTerminal
	}
	m.completed = true
	return nil
}

// Advance moves to the next phase if the current phase was signalled
// complete or its maximum duration elapsed, whichever happened first.
// It returns the transition taken, or nil if no transition was due.
func (m *Machine) Advance(now time.Time) *Transition {
	m.mu.Lock()
	if m.current.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	if !m.completed && now.Before(m.deadline) {
		m.mu.Unlock()
		return nil
	}
	tr := m.transitionLocked(m.current.Next(), now, "")
	m.mu.Unlock()

	m.notify(tr)
	return &tr
}

// Abort moves directly to the terminal aborted phase from any
// non-terminal phase.
func (m *Machine) Abort(now time.Time, reason string) (*Transition, error) {
	m.mu.Lock()
	if m.current.IsTerminal() {
		m.mu.Unlock()
		return nil, ErrTerminal
	}
	tr := m.transitionLocked(Aborted, now, reason)
	m.mu.Unlock()

	m.notify(tr)
	return &tr, nil
}

// Complete moves directly to the terminal completed phase, used by the
// coordinator at orderly shutdown.
func (m *Machine) Complete(now time.Time) (*Transition, error) {
	m.mu.Lock()
	if m.current.IsTerminal() {
		m.mu.Unlock()
		return nil, ErrTerminal
	}
	tr := m.transitionLocked(Completed, now, "")
	m.mu.Unlock()

	m.notify(tr)
	return &tr, nil
}

// Gate checks whether the sender's team may send the given message type
// in the current phase. A nil error means the message passes.
//
// Two rules apply before the per-phase tables: command messages are
// rejected in terminal phases regardless of team so a finished run can
// no longer be steered, and status/alert messages are always accepted so
// detection and final reporting remain possible in every phase.
func (m *Machine) Gate(typ message.Type, team message.Team) error {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if current.IsTerminal() {
		// Final reporting and control-plane notices stay possible; the
		// run can no longer be steered.
		if typ == message.TypeStatus || typ == message.TypeAlert || typ == message.TypeCoordination {
			return nil
		}
		return fmt.Errorf("%w: %s from team %s after run reached %s",
			ErrPhaseViolation, typ, team, current)
	}
	if typ == message.TypeStatus || typ == message.TypeAlert {
		return nil
	}
	if typ == message.TypeCoordination {
		// Control-plane traffic is never phase-gated.
		return nil
	}
	if team == "" {
		// Coordinator-originated traffic belongs to no team and is not
		// subject to the per-phase team tables.
		return nil
	}

	ok, err := m.gate.Allows(current, typ, team)
	if err != nil {
		m.logger.Error("gate rule evaluation failed",
			"phase", current, "type", typ, "team", team, "error", err)
		return fmt.Errorf("%w: %s from team %s in phase %s",
			ErrPhaseViolation, typ, team, current)
	}
	if !ok {
		return fmt.Errorf("%w: %s from team %s in phase %s",
			ErrPhaseViolation, typ, team, current)
	}
	return nil
}

// transitionLocked performs the state change and records history.
// Callers hold m.mu.
func (m *Machine) transitionLocked(to Phase, now time.Time, reason string) Transition {
	tr := Transition{From: m.current, To: to, EnteredAt: now, Reason: reason}
	if !to.IsTerminal() {
		tr.Deadline = now.Add(m.durations[to])
	}

	m.current = to
	m.enteredAt = now
	m.deadline = tr.Deadline
	m.completed = false
	m.history = append(m.history, tr)

	m.logger.Info("phase transition", "from", tr.From, "to", tr.To, "reason", reason)
	return tr
}

func (m *Machine) notify(tr Transition) {
	if m.onTransition != nil {
		m.onTransition(tr)
	}
}
