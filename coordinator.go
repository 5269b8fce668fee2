package gauntlet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opfor-ai/gauntlet/bus"
	"github.com/opfor-ai/gauntlet/ledger"
	"github.com/opfor-ai/gauntlet/message"
	"github.com/opfor-ai/gauntlet/phase"
	"github.com/opfor-ai/gauntlet/roster"
	"github.com/opfor-ai/gauntlet/scenario"
)

// DefaultTickInterval is the cadence of the periodic driver. Liveness
// sweeps and phase deadlines are checked once per tick, keeping their
// cost fixed regardless of message volume.
const DefaultTickInterval = 2 * time.Second

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(c *Coordinator) { c.runID = id }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithTickInterval overrides the driver cadence. Values are clamped to
// the 1-5s band the liveness and phase machinery is tuned for.
func WithTickInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d < time.Second {
			d = time.Second
		}
		if d > 5*time.Second {
			d = 5 * time.Second
		}
		c.tickInterval = d
	}
}

// WithPhaseDurations overrides individual phase durations.
func WithPhaseDurations(d map[phase.Phase]time.Duration) Option {
	return func(c *Coordinator) { c.phaseDurations = d }
}

// WithMaxRunDuration aborts the run if it exceeds the given wall-clock
// budget. Zero disables the global timeout.
func WithMaxRunDuration(d time.Duration) Option {
	return func(c *Coordinator) { c.maxRunDuration = d }
}

// WithAckTimeout overrides the bus ack deadline.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.ackTimeout = d }
}

// WithGracePeriod overrides how long the bus holds deliveries for
// unreachable recipients.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) { c.gracePeriod = d }
}

// WithHeartbeatThreshold overrides the roster staleness threshold.
func WithHeartbeatThreshold(d time.Duration) Option {
	return func(c *Coordinator) { c.heartbeatThreshold = d }
}

// WithFeed attaches a Redis history mirror for dashboards. The
// coordinator takes ownership and closes it at shutdown.
func WithFeed(f *bus.Feed) Option {
	return func(c *Coordinator) { c.feed = f }
}

// WithPresence attaches an etcd presence mirror for roster records. The
// coordinator takes ownership and closes it at shutdown.
func WithPresence(p *roster.Presence) Option {
	return func(c *Coordinator) { c.presence = p }
}

// Status is a consistent view of a running exercise.
type Status struct {
	RunID    string          `json:"run_id"`
	Scenario string          `json:"scenario"`
	Phase    phase.Snapshot  `json:"phase"`
	Ledger   ledger.Snapshot `json:"ledger"`
	Roster   []roster.Record `json:"roster"`
}

// Coordinator wires the bus, roster, phase machine, and ledger together
// and drives a run end to end. Construct with New, then Initialize,
// then either call Run or drive Tick yourself.
type Coordinator struct {
	runID    string
	logger   *slog.Logger
	scenario *scenario.Catalog

	tickInterval       time.Duration
	maxRunDuration     time.Duration
	ackTimeout         time.Duration
	gracePeriod        time.Duration
	heartbeatThreshold time.Duration
	phaseDurations     map[phase.Phase]time.Duration
	feed               *bus.Feed
	presence           *roster.Presence

	roster  *roster.Roster
	ledger  *ledger.Ledger
	machine *phase.Machine
	bus     *bus.Bus

	mu          sync.Mutex
	startedAt   time.Time
	endedAt     time.Time
	initialized bool
	shutdown    bool
}

// New creates a coordinator for one exercise run against the given
// scenario catalog.
func New(catalog *scenario.Catalog, opts ...Option) (*Coordinator, error) {
	if catalog == nil {
		return nil, newError("Coordinator.New", KindValidation, fmt.Errorf("scenario catalog is required"))
	}
	if err := catalog.Validate(); err != nil {
		return nil, newError("Coordinator.New", KindValidation, err)
	}

	c := &Coordinator{
		runID:              fmt.Sprintf("run-%d", time.Now().UTC().Unix()),
		logger:             slog.Default(),
		scenario:           catalog,
		tickInterval:       DefaultTickInterval,
		ackTimeout:         bus.DefaultAckTimeout,
		gracePeriod:        bus.DefaultGracePeriod,
		heartbeatThreshold: roster.DefaultHeartbeatThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ledger = ledger.New(catalog, ledger.WithLogger(c.logger))
	c.roster = roster.New(
		roster.WithHeartbeatThreshold(c.heartbeatThreshold),
		roster.WithLogger(c.logger),
		roster.WithNotify(c.publish),
		rosterPresenceOption(c.presence),
	)
	return c, nil
}

func rosterPresenceOption(p *roster.Presence) roster.Option {
	if p == nil {
		return func(*roster.Roster) {}
	}
	return roster.WithPresence(p)
}

// RunID returns the run identifier.
func (c *Coordinator) RunID() string { return c.runID }

// Bus returns the message bus. Nil before Initialize.
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// Roster returns the agent roster.
func (c *Coordinator) Roster() *roster.Roster { return c.roster }

// Ledger returns the exercise ledger.
func (c *Coordinator) Ledger() *ledger.Ledger { return c.ledger }

// Initialize registers the full agent lineup, opens the bus, and
// positions the phase machine at the first phase. Liveness sweeps run
// on each Tick thereafter.
func (c *Coordinator) Initialize(specs []roster.AgentSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return newError("Coordinator.Initialize", KindState, fmt.Errorf("run already initialized"))
	}

	now := time.Now().UTC()
	machineOpts := []phase.MachineOption{
		phase.WithLogger(c.logger),
		phase.WithTransitionFunc(c.broadcastTransition),
	}
	if c.phaseDurations != nil {
		machineOpts = append(machineOpts, phase.WithDurations(c.phaseDurations))
	}
	machine, err := phase.NewMachine(now, machineOpts...)
	if err != nil {
		return newError("Coordinator.Initialize", KindInternal, err)
	}
	c.machine = machine

	busOpts := []bus.Option{
		bus.WithLogger(c.logger),
		bus.WithAckTimeout(c.ackTimeout),
		bus.WithGracePeriod(c.gracePeriod),
		bus.WithEventSink(c.ledger.RecordMessage),
	}
	if c.feed != nil {
		busOpts = append(busOpts, bus.WithFeed(c.feed))
	}
	c.bus = bus.New(c.roster, c.machine, busOpts...)

	for _, spec := range specs {
		if err := c.roster.Register(spec.AgentID, spec.Team, spec.Role, spec.Capabilities); err != nil {
			return newError("Coordinator.Initialize", KindRegistration, err).
				WithContext(map[string]any{"agent_id": spec.AgentID})
		}
	}

	c.startedAt = now
	c.initialized = true
	c.logger.Info("run initialized",
		"run_id", c.runID, "scenario", c.scenario.Name, "agents", len(specs))
	return nil
}

// Tick is the periodic driver: it advances the phase machine when due,
// sweeps the roster for stale heartbeats, and enforces the global run
// budget. Safe to call from a single driving goroutine.
func (c *Coordinator) Tick(now time.Time) {
	c.mu.Lock()
	if !c.initialized || c.shutdown {
		c.mu.Unlock()
		return
	}
	startedAt := c.startedAt
	c.mu.Unlock()

	c.machine.Advance(now)
	c.roster.Sweep(now)

	if c.maxRunDuration > 0 && now.Sub(startedAt) > c.maxRunDuration {
		if !c.machine.Current().Current.IsTerminal() {
			c.logger.Warn("run exceeded wall-clock budget",
				"run_id", c.runID, "budget", c.maxRunDuration)
			if err := c.Shutdown("run_timeout"); err != nil {
				c.logger.Error("timeout shutdown failed", "error", err)
			}
		}
	}
}

// Run drives the exercise until the phase machine reaches a terminal
// phase or the context is cancelled. It shuts the run down on exit:
// orderly completion on a natural finish, abort on cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return newError("Coordinator.Run", KindState, fmt.Errorf("run not initialized"))
	}
	c.mu.Unlock()

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.Shutdown("run cancelled"); err != nil {
				c.logger.Error("cancellation shutdown failed", "error", err)
			}
			return ctx.Err()
		case now := <-ticker.C:
			c.Tick(now)
			if c.machine.Current().Current.IsTerminal() {
				if err := c.Shutdown(""); err != nil {
					c.logger.Error("completion shutdown failed", "error", err)
				}
				return nil
			}
		}
	}
}

// IssueCommand sends a coordinator command to one agent. Phase
// violations and unknown recipients are surfaced to the caller, never
// retried.
func (c *Coordinator) IssueCommand(ctx context.Context, agentID string, task message.CommandPayload) (*bus.Delivery, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, newError("Coordinator.IssueCommand", KindState, fmt.Errorf("run not initialized"))
	}
	c.mu.Unlock()

	msg := message.New(message.Coordinator, agentID, message.TypeCommand, task)
	del, err := c.bus.Send(ctx, msg)
	if err != nil {
		return nil, newError("Coordinator.IssueCommand", classify(err), err).
			WithContext(map[string]any{"agent_id": agentID, "task": task.Task})
	}
	return del, nil
}

// CompletePhase records the external "phase complete" signal; the next
// Tick advances the machine.
func (c *Coordinator) CompletePhase() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return newError("Coordinator.CompletePhase", KindState, fmt.Errorf("run not initialized"))
	}
	if err := c.machine.CompleteCurrent(); err != nil {
		return newError("Coordinator.CompletePhase", KindPhase, err)
	}
	return nil
}

// Shutdown ends the run. An empty reason completes it in order; any
// other reason aborts, cancelling pending ack-waits. The final ledger
// snapshot is flushed to the log, the bus closed, and the roster
// archived. Shutdown is idempotent.
func (c *Coordinator) Shutdown(reason string) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return newError("Coordinator.Shutdown", KindState, fmt.Errorf("run not initialized"))
	}
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.endedAt = time.Now().UTC()
	now := c.endedAt
	c.mu.Unlock()

	if reason == "" {
		if _, err := c.machine.Complete(now); err != nil && !errors.Is(err, phase.ErrTerminal) {
			c.logger.Error("completion transition failed", "error", err)
		}
	} else {
		if _, err := c.machine.Abort(now, reason); err != nil && !errors.Is(err, phase.ErrTerminal) {
			c.logger.Error("abort transition failed", "error", err)
		}
		c.bus.Abort(reason)
	}

	final := c.ledger.Snapshot()
	c.logger.Info("run finished",
		"run_id", c.runID,
		"reason", orDefault(reason, "completed"),
		"red_score", final.RedScore,
		"blue_score", final.BlueScore,
		"compromised_assets", len(final.CompromisedAssets),
		"defended_assets", len(final.DefendedAssets))

	if err := c.bus.Close(); err != nil {
		c.logger.Warn("bus close failed", "error", err)
	}
	c.roster.Archive()
	if c.feed != nil {
		CloseWithLog(c.feed, c.logger, "history feed")
	}
	if c.presence != nil {
		CloseWithLog(c.presence, c.logger, "presence mirror")
	}
	return nil
}

// Status returns a consistent view of the run for dashboards.
func (c *Coordinator) Status() Status {
	st := Status{
		RunID:    c.runID,
		Scenario: c.scenario.Name,
		Ledger:   c.ledger.Snapshot(),
		Roster:   c.roster.Snapshot(),
	}
	if c.machine != nil {
		st.Phase = c.machine.Current()
	}
	return st
}

// MessagesSince exposes the bus history feed for the dashboard
// collaborator. A nil slice before Initialize.
func (c *Coordinator) MessagesSince(cursor uint64, filters ...bus.Filter) []bus.Entry {
	if c.bus == nil {
		return nil
	}
	return c.bus.MessagesSince(cursor, filters...)
}

// publish broadcasts a coordination message produced by a component
// (roster sweeps, phase transitions). Failures are logged; coordination
// traffic is best-effort by design.
func (c *Coordinator) publish(msg message.Message) {
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Send(context.Background(), msg); err != nil {
		c.logger.Warn("coordination broadcast failed",
			"event", coordinationEvent(msg), "error", err)
	}
}

// broadcastTransition tells every agent about a phase change so none of
// them needs to poll.
func (c *Coordinator) broadcastTransition(tr phase.Transition) {
	c.publish(message.New(message.Coordinator, message.Broadcast, message.TypeCoordination,
		message.CoordinationPayload{
			Event:     "phase_transition",
			OldPhase:  tr.From.String(),
			NewPhase:  tr.To.String(),
			EnteredAt: tr.EnteredAt,
			Deadline:  tr.Deadline,
			Reason:    tr.Reason,
		}))
}

// classify maps component sentinels onto coordinator error kinds.
func classify(err error) string {
	switch {
	case errors.Is(err, phase.ErrPhaseViolation):
		return KindPhase
	case errors.Is(err, bus.ErrUnknownRecipient):
		return KindDelivery
	case errors.Is(err, bus.ErrRunAborted), errors.Is(err, bus.ErrClosed):
		return KindState
	default:
		return KindInternal
	}
}

func coordinationEvent(msg message.Message) string {
	if p, ok := msg.Payload.(message.CoordinationPayload); ok {
		return p.Event
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
