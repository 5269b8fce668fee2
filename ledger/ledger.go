// Package ledger maintains the authoritative exercise state: team
// scores, compromised and defended assets, and techniques used. State is
// the fold of an append-only event log; replaying the log from empty
// always reproduces the live totals. The ledger is the single writer of
// scores — every other component only reads Snapshot.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/opfor-ai/gauntlet/message"
)

// Errors returned by Record.
var (
	// ErrUnknownSubject is returned when an event references an asset or
	// technique the scenario catalog does not declare.
	ErrUnknownSubject = errors.New("ledger: unknown subject")

	// ErrInvalidEvent is returned when an event's own fields are
	// malformed.
	ErrInvalidEvent = errors.New("ledger: invalid event")
)

// Catalog is the scenario lookup the ledger validates subjects against.
// *scenario.Catalog satisfies it.
type Catalog interface {
	HasAsset(id string) bool
	HasTechnique(id string) bool
}

// Snapshot is a consistent projection of the current exercise state.
type Snapshot struct {
	RedScore          int      `json:"red_score"`
	BlueScore         int      `json:"blue_score"`
	CompromisedAssets []string `json:"compromised_assets"`
	DefendedAssets    []string `json:"defended_assets"`
	TechniquesUsed    []string `json:"techniques_used"`
}

// Ledger folds accepted events into running totals. Safe for concurrent
// use: Record serializes writers, Snapshot may run concurrently.
type Ledger struct {
	mu      sync.RWMutex
	catalog Catalog
	logger  *slog.Logger

	log   []Event
	seen  map[string]bool // dedupKey -> accepted
	state foldState
}

// foldState is the mutable accumulation of the fold. It holds nothing
// that cannot be recomputed from the log.
type foldState struct {
	redScore    int
	blueScore   int
	compromised map[string]bool
	defended    map[string]bool
	techniques  map[string]bool
}

func newFoldState() foldState {
	return foldState{
		compromised: make(map[string]bool),
		defended:    make(map[string]bool),
		techniques:  make(map[string]bool),
	}
}

// apply advances the fold by one event. It returns the effective
// magnitude: zero when the transition is an illegal repeat (an already
// compromised asset cannot be compromised again for additional score).
func (s *foldState) apply(kind message.EventKind, subject string, team message.Team, claimed int) int {
	effective := claimed
	switch kind {
	case message.EventAssetCompromised:
		if s.compromised[subject] {
			effective = 0
		} else {
			s.compromised[subject] = true
			delete(s.defended, subject)
		}
	case message.EventAssetDefended:
		if s.defended[subject] && !s.compromised[subject] {
			effective = 0
		} else {
			s.defended[subject] = true
			delete(s.compromised, subject)
		}
	case message.EventTechniqueUsed:
		if s.techniques[subject] {
			effective = 0
		} else {
			s.techniques[subject] = true
		}
	case message.EventScoreDelta:
		// Plain adjustment, no state transition.
	}

	switch team {
	case message.TeamRed:
		s.redScore += effective
	case message.TeamBlue:
		s.blueScore += effective
	}
	return effective
}

func (s *foldState) snapshot() Snapshot {
	return Snapshot{
		RedScore:          s.redScore,
		BlueScore:         s.blueScore,
		CompromisedAssets: sortedKeys(s.compromised),
		DefendedAssets:    sortedKeys(s.defended),
		TechniquesUsed:    sortedKeys(s.techniques),
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates an empty ledger validating subjects against the catalog.
func New(catalog Catalog, opts ...Option) *Ledger {
	l := &Ledger{
		catalog: catalog,
		logger:  slog.Default(),
		seen:    make(map[string]bool),
		state:   newFoldState(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record validates and applies one event, returning the new totals.
//
// An event whose subject is not in the scenario catalog is rejected with
// ErrUnknownSubject and logged — it never crashes the ledger or mutates
// state. A redelivered event (same source message, kind, and subject) is
// a no-op returning current totals. An illegal repeat transition is
// accepted as an audit entry with magnitude forced to zero.
func (l *Ledger) Record(e Event) (Snapshot, error) {
	if err := e.Validate(); err != nil {
		return l.Snapshot(), fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := l.checkSubject(e); err != nil {
		l.logger.Warn("ledger event rejected",
			"event_id", e.EventID, "kind", e.Kind, "subject", e.Subject, "error", err)
		return l.Snapshot(), err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := e.dedupKey()
	if l.seen[key] {
		// At-least-once delivery: a replayed message must not double-count.
		return l.state.snapshot(), nil
	}
	l.seen[key] = true

	e.Magnitude = l.state.apply(e.Kind, e.Subject, e.Team, e.Magnitude)
	l.log = append(l.log, e)

	l.logger.Info("ledger event recorded",
		"event_id", e.EventID, "kind", e.Kind, "subject", e.Subject,
		"team", e.Team, "magnitude", e.Magnitude)
	return l.state.snapshot(), nil
}

// RecordMessage applies every event declared by a delivered message.
// Rejections are logged per event; the remaining declarations still
// apply. It reports the first error encountered, if any.
func (l *Ledger) RecordMessage(msg message.Message) error {
	var firstErr error
	for _, decl := range msg.Events() {
		if _, err := l.Record(FromDecl(msg.ID, decl)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Snapshot returns the current totals. Safe to call concurrently with
// Record.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.snapshot()
}

// Log returns a copy of the accepted event log, oldest first.
func (l *Ledger) Log() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.log))
	copy(out, l.log)
	return out
}

// Replay folds an event log from empty state, de-duplicating by source
// message. Replay(l.Log()) always equals l.Snapshot(); that equivalence
// is the ledger's core invariant.
func Replay(events []Event) Snapshot {
	state := newFoldState()
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		key := e.dedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		state.apply(e.Kind, e.Subject, e.Team, e.Magnitude)
	}
	return state.snapshot()
}

func (l *Ledger) checkSubject(e Event) error {
	switch e.Kind {
	case message.EventAssetCompromised, message.EventAssetDefended:
		if !l.catalog.HasAsset(e.Subject) {
			return fmt.Errorf("%w: asset %q not in scenario catalog", ErrUnknownSubject, e.Subject)
		}
	case message.EventTechniqueUsed:
		if !l.catalog.HasTechnique(e.Subject) {
			return fmt.Errorf("%w: technique %q not in scenario catalog", ErrUnknownSubject, e.Subject)
		}
	case message.EventScoreDelta:
		if !l.catalog.HasAsset(e.Subject) && !l.catalog.HasTechnique(e.Subject) {
			return fmt.Errorf("%w: subject %q not in scenario catalog", ErrUnknownSubject, e.Subject)
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
