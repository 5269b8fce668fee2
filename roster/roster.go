// Package roster tracks agent presence and liveness for a run: who is
// registered, which team they fight for, and whether they can receive
// messages right now. The bus resolves every receiver through the
// roster; it holds agent IDs only and never outlives a roster record.
//
// An optional etcd mirror (see Presence) publishes records for external
// observers; the in-memory roster is always authoritative.
package roster

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opfor-ai/gauntlet/message"
)

// Errors returned by roster operations.
var (
	// ErrDuplicateAgent is returned when an agent ID is already registered
	// in this run.
	ErrDuplicateAgent = errors.New("roster: duplicate agent")

	// ErrUnknownAgent is returned when an agent ID is not registered.
	ErrUnknownAgent = errors.New("roster: unknown agent")

	// ErrClosed is returned after Archive has ended the run.
	ErrClosed = errors.New("roster: closed")
)

// DefaultHeartbeatThreshold is how stale a heartbeat may be before the
// sweep marks the agent unresponsive.
const DefaultHeartbeatThreshold = 90 * time.Second

// Status is an agent's liveness state.
type Status string

const (
	// StatusConnecting means the agent is registered but has not yet
	// heartbeated.
	StatusConnecting Status = "connecting"

	// StatusActive means the agent is live and working.
	StatusActive Status = "active"

	// StatusIdle means the agent is live but between tasks.
	StatusIdle Status = "idle"

	// StatusUnresponsive means the agent missed its heartbeat window.
	StatusUnresponsive Status = "unresponsive"

	// StatusDisconnected means the agent left the run.
	StatusDisconnected Status = "disconnected"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s Status) IsValid() bool {
	switch s {
	case StatusConnecting, StatusActive, StatusIdle, StatusUnresponsive, StatusDisconnected:
		return true
	default:
		return false
	}
}

// Eligible reports whether an agent in this status may receive messages
// immediately. Ineligible recipients are held by the bus for a grace
// period instead of failing the send outright.
func (s Status) Eligible() bool {
	return s == StatusActive || s == StatusIdle
}

// Record is one agent's roster entry.
type Record struct {
	// AgentID is the unique agent identifier within the run.
	AgentID string `json:"agent_id"`

	// Team is the side the agent fights for.
	Team message.Team `json:"team"`

	// Role tags the agent's specialty (e.g. "reconnaissance", "detection").
	Role string `json:"role"`

	// Capabilities lists the tasks the agent can perform.
	Capabilities []string `json:"capabilities,omitempty"`

	// Status is the current liveness state.
	Status Status `json:"status"`

	// LastHeartbeatAt is the most recent heartbeat timestamp. Zero until
	// the first heartbeat.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`

	// RegisteredAt is when the agent joined the run.
	RegisteredAt time.Time `json:"registered_at"`
}

// Option configures a Roster.
type Option func(*Roster)

// WithHeartbeatThreshold overrides the staleness threshold used by Sweep.
func WithHeartbeatThreshold(d time.Duration) Option {
	return func(r *Roster) { r.threshold = d }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Roster) { r.logger = logger }
}

// WithNotify sets the callback invoked with the coordination broadcast
// each liveness transition produces. The coordinator wires this to the
// bus; without it transitions are only logged.
func WithNotify(fn func(message.Message)) Option {
	return func(r *Roster) { r.notify = fn }
}

// WithPresence attaches an etcd presence mirror. Mirror updates are
// published on a background goroutine; failures are logged and never
// fail or delay the in-memory operation.
func WithPresence(p *Presence) Option {
	return func(r *Roster) {
		if p != nil {
			r.presence = p
		}
	}
}

// announcer is the subset of Presence the roster publishes through.
type announcer interface {
	Announce(rec Record) error
}

// Roster is the in-memory agent registry for one run. Safe for
// concurrent use.
type Roster struct {
	mu        sync.RWMutex
	records   map[string]*Record
	threshold time.Duration
	logger    *slog.Logger
	notify    func(message.Message)
	closed    bool

	presence   announcer
	mirrorCh   chan Record
	mirrorWg   sync.WaitGroup
	mirrorDone bool
}

// New creates an empty roster.
func New(opts ...Option) *Roster {
	r := &Roster{
		records:   make(map[string]*Record),
		threshold: DefaultHeartbeatThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.presence != nil {
		r.startMirror()
	}
	return r
}

// Register adds an agent to the run. The agent starts in
// StatusConnecting until its first heartbeat.
func (r *Roster) Register(agentID string, team message.Team, role string, capabilities []string) error {
	if agentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if !team.IsValid() {
		return fmt.Errorf("unknown team %q", team)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.records[agentID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, agentID)
	}

	rec := &Record{
		AgentID:      agentID,
		Team:         team,
		Role:         role,
		Capabilities: append([]string(nil), capabilities...),
		Status:       StatusConnecting,
		RegisteredAt: time.Now().UTC(),
	}
	r.records[agentID] = rec

	r.logger.Info("agent registered", "agent_id", agentID, "team", team, "role", role)
	r.mirror(*rec)
	return nil
}

// Heartbeat records liveness for an agent, reviving connecting,
// unresponsive, and disconnected agents to active.
func (r *Roster) Heartbeat(agentID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	rec, exists := r.records[agentID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	rec.LastHeartbeatAt = now.UTC()
	switch rec.Status {
	case StatusConnecting, StatusUnresponsive, StatusDisconnected:
		old := rec.Status
		rec.Status = StatusActive
		r.logger.Info("agent revived", "agent_id", agentID, "from", old)
		r.mirror(*rec)
	}
	return nil
}

// SetIdle marks an agent as between tasks. Idle agents still receive
// messages and are still swept on stale heartbeats.
func (r *Roster) SetIdle(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[agentID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if rec.Status == StatusActive {
		rec.Status = StatusIdle
		r.mirror(*rec)
	}
	return nil
}

// Disconnect marks an agent as having left the run. Pending deliveries
// to it are held by the bus for the grace period, then fail.
func (r *Roster) Disconnect(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[agentID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if rec.Status != StatusDisconnected {
		rec.Status = StatusDisconnected
		r.logger.Info("agent disconnected", "agent_id", agentID)
		r.mirror(*rec)
	}
	return nil
}

// Sweep transitions every active or idle agent whose last heartbeat is
// older than the threshold to unresponsive, and emits one coordination
// broadcast per transition. It returns the IDs transitioned, sorted.
//
// Agents that never heartbeated are measured from their registration
// time. Sweep mutates nothing else; running it twice at the same
// instant is a no-op the second time.
func (r *Roster) Sweep(now time.Time) []string {
	r.mu.Lock()

	var swept []string
	for id, rec := range r.records {
		if rec.Status != StatusActive && rec.Status != StatusIdle {
			continue
		}
		last := rec.LastHeartbeatAt
		if last.IsZero() {
			last = rec.RegisteredAt
		}
		if now.Sub(last) <= r.threshold {
			continue
		}
		rec.Status = StatusUnresponsive
		swept = append(swept, id)
		r.logger.Warn("agent unresponsive",
			"agent_id", id, "last_heartbeat_at", last, "threshold", r.threshold)
		r.mirror(*rec)
	}
	notify := r.notify
	r.mu.Unlock()

	sort.Strings(swept)
	if notify != nil {
		for _, id := range swept {
			notify(message.New(message.Coordinator, message.Broadcast, message.TypeCoordination,
				message.CoordinationPayload{
					Event:   "agent_unresponsive",
					AgentID: id,
					Reason:  fmt.Sprintf("no heartbeat for over %s", r.threshold),
				}))
		}
	}
	return swept
}

// Resolve expands a receiver into the concrete registered agent IDs it
// addresses: a concrete ID resolves to itself, a team tag to every
// registered member of that team, and Broadcast to every registered
// agent. An unknown concrete ID returns ErrUnknownAgent.
//
// Resolution is by registration, not eligibility: the bus checks each
// recipient's status at delivery time so a disconnected team member
// still gets a per-recipient outcome instead of silently vanishing.
func (r *Roster) Resolve(receiver string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if receiver == message.Broadcast {
		ids := make([]string, 0, len(r.records))
		for id := range r.records {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	}

	if team, ok := message.ParseTeamTag(receiver); ok {
		var ids []string
		for id, rec := range r.records {
			if rec.Team == team {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return ids, nil
	}

	if _, exists := r.records[receiver]; !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, receiver)
	}
	return []string{receiver}, nil
}

// Eligible reports whether an agent is registered and may receive
// messages right now. Unknown agents are not eligible.
func (r *Roster) Eligible(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[agentID]
	return exists && rec.Status.Eligible()
}

// StatusOf returns an agent's current liveness state.
func (r *Roster) StatusOf(agentID string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[agentID]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return rec.Status, nil
}

// TeamOf returns the team an agent fights for.
func (r *Roster) TeamOf(agentID string) (message.Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[agentID]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return rec.Team, nil
}

// Get returns a copy of an agent's record.
func (r *Roster) Get(agentID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[agentID]
	if !exists {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records, sorted by agent ID.
func (r *Roster) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Archive ends the run: every agent is marked disconnected, the final
// records are returned, and all further mutations fail with ErrClosed.
// Queued mirror updates are flushed before Archive returns so the
// caller can safely close the Presence afterwards.
func (r *Roster) Archive() []Record {
	r.mu.Lock()
	first := !r.closed
	if first {
		r.closed = true
		for _, rec := range r.records {
			rec.Status = StatusDisconnected
			r.mirror(*rec)
		}
		r.mirrorDone = true
	}
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	if first && r.mirrorCh != nil {
		close(r.mirrorCh)
		r.mirrorWg.Wait()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// mirror queues a record for the presence mirror, if attached. Callers
// hold r.mu; the publish itself happens on the drain goroutine so a
// slow or unreachable etcd never holds the roster lock. A full backlog
// drops the update: the mirror is observability, the in-memory roster
// stays authoritative.
func (r *Roster) mirror(rec Record) {
	if r.mirrorCh == nil || r.mirrorDone {
		return
	}
	select {
	case r.mirrorCh <- rec:
	default:
		r.logger.Warn("presence mirror backlog full, dropping update", "agent_id", rec.AgentID)
	}
}

// startMirror opens the mirror queue and its drain goroutine.
func (r *Roster) startMirror() {
	r.mirrorCh = make(chan Record, 64)
	r.mirrorWg.Add(1)
	go r.drainMirror()
}

// drainMirror publishes queued records in order until Archive closes
// the queue.
func (r *Roster) drainMirror() {
	defer r.mirrorWg.Done()
	for rec := range r.mirrorCh {
		if err := r.presence.Announce(rec); err != nil {
			r.logger.Warn("presence mirror update failed", "agent_id", rec.AgentID, "error", err)
		}
	}
}
