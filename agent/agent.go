// Package agent runs one exercise participant: it subscribes to the
// bus, keeps the roster heartbeat alive, hands tasking to its reasoner,
// and reports outcomes back as status messages. The runner is the only
// glue between the coordination core and the reasoning collaborator.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opfor-ai/gauntlet/bus"
	"github.com/opfor-ai/gauntlet/message"
	"github.com/opfor-ai/gauntlet/reasoning"
	"github.com/opfor-ai/gauntlet/roster"
)

// Timing defaults.
const (
	// DefaultHeartbeatInterval keeps the agent comfortably inside the
	// roster's 90s staleness threshold.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultReasonTimeout bounds one reasoner call.
	DefaultReasonTimeout = 30 * time.Second

	defaultHistoryLimit = 256
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runner) { r.heartbeatInterval = d }
}

// WithReasonTimeout bounds each reasoner call.
func WithReasonTimeout(d time.Duration) Option {
	return func(r *Runner) { r.reasonTimeout = d }
}

// WithHistoryLimit caps the conversation history handed to the
// reasoner. Older messages are dropped first.
func WithHistoryLimit(n int) Option {
	return func(r *Runner) { r.historyLimit = n }
}

// Runner drives one agent for the lifetime of a run.
type Runner struct {
	spec     roster.AgentSpec
	bus      *bus.Bus
	roster   *roster.Roster
	reasoner reasoning.Reasoner

	logger            *slog.Logger
	heartbeatInterval time.Duration
	reasonTimeout     time.Duration
	historyLimit      int

	mu      sync.Mutex
	seen    map[string]bool
	history []message.Message
	phase   string
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a runner for a registered agent. The agent must already
// be in the roster; Start fails otherwise.
func New(spec roster.AgentSpec, b *bus.Bus, r *roster.Roster, reasoner reasoning.Reasoner, opts ...Option) *Runner {
	runner := &Runner{
		spec:              spec,
		bus:               b,
		roster:            r,
		reasoner:          reasoner,
		logger:            slog.Default(),
		heartbeatInterval: DefaultHeartbeatInterval,
		reasonTimeout:     DefaultReasonTimeout,
		historyLimit:      defaultHistoryLimit,
		seen:              make(map[string]bool),
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner
}

// ID returns the runner's agent ID.
func (r *Runner) ID() string {
	return r.spec.AgentID
}

// Phase returns the last phase the agent observed via coordination
// broadcasts, or empty before the first transition.
func (r *Runner) Phase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Start heartbeats once to go active, subscribes to the bus, and
// launches the heartbeat loop. The context bounds the runner's
// background work; Stop also ends it.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already started", r.spec.AgentID)
	}
	r.started = true
	r.mu.Unlock()

	if err := r.roster.Heartbeat(r.spec.AgentID, time.Now()); err != nil {
		return fmt.Errorf("agent %s failed initial heartbeat: %w", r.spec.AgentID, err)
	}
	if err := r.bus.Subscribe(r.spec.AgentID, r.handle); err != nil {
		return fmt.Errorf("agent %s failed to subscribe: %w", r.spec.AgentID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.heartbeatLoop(runCtx)

	r.logger.Info("agent started",
		"agent_id", r.spec.AgentID, "team", r.spec.Team, "role", r.spec.Role)
	return nil
}

// Stop ends the heartbeat loop, waits for in-flight tasks, and marks
// the agent disconnected.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.bus.Unsubscribe(r.spec.AgentID)
	if err := r.roster.Disconnect(r.spec.AgentID); err != nil {
		r.logger.Warn("agent disconnect failed", "agent_id", r.spec.AgentID, "error", err)
	}
	r.logger.Info("agent stopped", "agent_id", r.spec.AgentID)
}

// handle is the bus handler. Delivery is at-least-once, so the first
// thing it does is de-duplicate by message ID; a redelivered message is
// acknowledged without reprocessing.
func (r *Runner) handle(ctx context.Context, msg message.Message) error {
	r.mu.Lock()
	if r.seen[msg.ID] {
		r.mu.Unlock()
		return nil
	}
	r.seen[msg.ID] = true
	r.record(msg)
	r.mu.Unlock()

	switch msg.Type {
	case message.TypeCommand:
		r.wg.Add(1)
		// Reasoning may be slow; run it off the mailbox so the agent
		// stays responsive and the sender's ack resolves on receipt.
		go r.runTask(msg)
	case message.TypeCoordination:
		r.observeCoordination(msg)
	case message.TypeData, message.TypeStatus, message.TypeAlert:
		// Recorded into history above; intelligence feeds future
		// reasoning requests.
	}
	return nil
}

// runTask asks the reasoner to decide one command and reports the
// result as a status message correlated to the command.
func (r *Runner) runTask(cmd message.Message) {
	defer r.wg.Done()

	task, ok := cmd.Payload.(message.CommandPayload)
	if !ok {
		r.logger.Error("command with unexpected payload variant",
			"agent_id", r.spec.AgentID, "message_id", cmd.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.reasonTimeout)
	defer cancel()

	req := reasoning.Request{
		AgentID:      r.spec.AgentID,
		Team:         r.spec.Team,
		Phase:        r.Phase(),
		Task:         task,
		History:      r.historyCopy(),
		Capabilities: r.spec.Capabilities,
	}

	decision, err := r.reasoner.Decide(ctx, req)
	payload := message.StatusPayload{}
	if err != nil {
		r.logger.Warn("reasoner failed",
			"agent_id", r.spec.AgentID, "task", task.Task, "error", err)
		payload.State = "failed"
		payload.Detail = fmt.Sprintf("reasoning failed: %v", err)
	} else {
		payload.State = "completed"
		payload.Detail = decision.Narrative
		if decision.Action != nil {
			if decision.Action.State != "" {
				payload.State = decision.Action.State
			}
			if decision.Action.Detail != "" {
				payload.Detail = decision.Action.Detail
			}
			payload.Outcomes = decision.Action.Outcomes
		}
	}

	reply := message.New(r.spec.AgentID, cmd.SenderID, message.TypeStatus, payload).
		WithCorrelation(cmd.ID)
	if _, err := r.bus.Send(context.Background(), reply); err != nil {
		r.logger.Warn("status report rejected",
			"agent_id", r.spec.AgentID, "command_id", cmd.ID, "error", err)
	}
}

// observeCoordination tracks phase transitions so the agent resets its
// behavior without polling the coordinator.
func (r *Runner) observeCoordination(msg message.Message) {
	payload, ok := msg.Payload.(message.CoordinationPayload)
	if !ok || payload.Event != "phase_transition" {
		return
	}
	r.mu.Lock()
	r.phase = payload.NewPhase
	r.mu.Unlock()
	r.logger.Debug("phase observed",
		"agent_id", r.spec.AgentID, "phase", payload.NewPhase)
}

// record appends a message to the bounded history. Callers hold r.mu.
func (r *Runner) record(msg message.Message) {
	r.history = append(r.history, msg)
	if len(r.history) > r.historyLimit {
		r.history = r.history[len(r.history)-r.historyLimit:]
	}
}

func (r *Runner) historyCopy() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.Message, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.roster.Heartbeat(r.spec.AgentID, time.Now()); err != nil {
				r.logger.Warn("heartbeat failed", "agent_id", r.spec.AgentID, "error", err)
				return
			}
		}
	}
}
