// Package reasoning defines the boundary between the exercise core and
// whatever decides an agent's behavior. The core treats a Reasoner as
// opaque, possibly slow, and possibly failing: one agent's reasoner
// never blocks another agent, and a reasoner failure costs at most the
// task it was deciding.
//
// Production runs plug in an LLM-backed implementation; tests and local
// runs use Scripted, which replays deterministic decisions.
package reasoning

import (
	"context"
	"fmt"
	"sync"

	"github.com/opfor-ai/gauntlet/message"
)

// Request is everything a reasoner gets to decide on one task.
type Request struct {
	// AgentID and Team identify the deciding agent.
	AgentID string
	Team    message.Team

	// Phase is the exercise phase the task arrived in.
	Phase string

	// Task is the command being decided.
	Task message.CommandPayload

	// History is the agent's conversation so far, oldest first.
	History []message.Message

	// Capabilities is the agent's declared capability set.
	Capabilities []string
}

// Action is the structured part of a decision: what the agent asserts
// happened. The runner turns it into a status message.
type Action struct {
	// State is the task disposition ("completed", "failed", "blocked").
	State string

	// Detail elaborates the disposition.
	Detail string

	// Outcomes are the ledger events the action asserts.
	Outcomes []message.EventDecl
}

// Decision is a reasoner's answer: a narrative and an optional
// structured action. A nil Action means the agent only narrates.
type Decision struct {
	Narrative string
	Action    *Action
}

// Reasoner decides an agent's response to a task.
type Reasoner interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Scripted is a deterministic Reasoner replaying pre-authored decisions
// per task name. Each queued decision is consumed once, in order; a
// task with an exhausted or missing script falls back to the default
// decision.
type Scripted struct {
	mu       sync.Mutex
	scripts  map[string][]Decision
	fallback Decision
}

// NewScripted creates a scripted reasoner. The map keys are task names
// as they appear in CommandPayload.Task.
func NewScripted(scripts map[string][]Decision) *Scripted {
	copied := make(map[string][]Decision, len(scripts))
	for task, queue := range scripts {
		copied[task] = append([]Decision(nil), queue...)
	}
	return &Scripted{
		scripts: copied,
		fallback: Decision{
			Narrative: "acknowledged, no action taken",
			Action:    &Action{State: "completed"},
		},
	}
}

// WithFallback overrides the decision used when a task has no script
// left.
func (s *Scripted) WithFallback(d Decision) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = d
	return s
}

// Decide implements Reasoner. It honors context cancellation before
// consuming a script entry.
func (s *Scripted) Decide(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if req.Task.Task == "" {
		return Decision{}, fmt.Errorf("reasoning request has no task")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.scripts[req.Task.Task]
	if len(queue) == 0 {
		return s.fallback, nil
	}
	d := queue[0]
	s.scripts[req.Task.Task] = queue[1:]
	return d, nil
}
