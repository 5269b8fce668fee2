package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opfor-ai/gauntlet/bus"
	"github.com/opfor-ai/gauntlet/message"
	"github.com/opfor-ai/gauntlet/reasoning"
	"github.com/opfor-ai/gauntlet/roster"
)

type gateFunc func(message.Type, message.Team) error

func (g gateFunc) Gate(typ message.Type, team message.Team) error { return g(typ, team) }

var allowAll = gateFunc(func(message.Type, message.Team) error { return nil })

// inbox collects messages delivered to the coordinator.
type inbox struct {
	mu   sync.Mutex
	msgs []message.Message
	ch   chan message.Message
}

func newInbox() *inbox {
	return &inbox{ch: make(chan message.Message, 16)}
}

func (i *inbox) handle(_ context.Context, msg message.Message) error {
	i.mu.Lock()
	i.msgs = append(i.msgs, msg)
	i.mu.Unlock()
	i.ch <- msg
	return nil
}

func (i *inbox) waitFor(t *testing.T, timeout time.Duration) message.Message {
	t.Helper()
	select {
	case msg := <-i.ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for coordinator inbox")
		return message.Message{}
	}
}

func testHarness(t *testing.T) (*roster.Roster, *bus.Bus, *inbox) {
	t.Helper()
	r := roster.New()
	for _, spec := range roster.Default() {
		require.NoError(t, r.Register(spec.AgentID, spec.Team, spec.Role, spec.Capabilities))
	}
	b := bus.New(r, allowAll, bus.WithPollInterval(time.Millisecond))
	t.Cleanup(func() { b.Close() })

	coord := newInbox()
	require.NoError(t, b.Subscribe(message.Coordinator, coord.handle))
	return r, b, coord
}

func reconSpec() roster.AgentSpec {
	for _, spec := range roster.Default() {
		if spec.AgentID == "recon_agent_1" {
			return spec
		}
	}
	panic("default lineup missing recon_agent_1")
}

func TestRunnerExecutesCommand(t *testing.T) {
	r, b, coord := testHarness(t)

	reasoner := reasoning.NewScripted(map[string][]reasoning.Decision{
		"network_scanning": {{
			Narrative: "scanned the attack surface",
			Action: &reasoning.Action{
				State: "completed",
				Outcomes: []message.EventDecl{
					{Kind: message.EventTechniqueUsed, Subject: "T1595", Team: message.TeamRed, Magnitude: 5},
				},
			},
		}},
	})

	runner := New(reconSpec(), b, r, reasoner)
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	cmd := message.New(message.Coordinator, "recon_agent_1", message.TypeCommand, message.CommandPayload{
		Task:   "network_scanning",
		Target: "employee_portal",
	})
	_, err := b.Send(context.Background(), cmd)
	require.NoError(t, err)

	reply := coord.waitFor(t, 2*time.Second)
	assert.Equal(t, message.TypeStatus, reply.Type)
	assert.Equal(t, "recon_agent_1", reply.SenderID)
	assert.Equal(t, cmd.ID, reply.CorrelationID)

	payload := reply.Payload.(message.StatusPayload)
	assert.Equal(t, "completed", payload.State)
	assert.Equal(t, "scanned the attack surface", payload.Detail)
	require.Len(t, payload.Outcomes, 1)
	assert.Equal(t, message.EventTechniqueUsed, payload.Outcomes[0].Kind)
}

func TestRunnerDeduplicatesRedelivery(t *testing.T) {
	r, b, coord := testHarness(t)

	var mu sync.Mutex
	calls := 0
	counting := reasonerFunc(func(ctx context.Context, req reasoning.Request) (reasoning.Decision, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return reasoning.Decision{Narrative: "done"}, nil
	})

	runner := New(reconSpec(), b, r, counting)
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	cmd := message.New(message.Coordinator, "recon_agent_1", message.TypeCommand, message.CommandPayload{
		Task: "osint_gathering",
	})
	_, err := b.Send(context.Background(), cmd)
	require.NoError(t, err)
	coord.waitFor(t, 2*time.Second)

	// Redeliver the same envelope: the runner must ack without running
	// the task again.
	del, err := b.Send(context.Background(), cmd)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcomes, err := del.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, bus.ResultDelivered, outcomes[0].Result)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestRunnerReportsReasonerFailure(t *testing.T) {
	r, b, coord := testHarness(t)

	failing := reasonerFunc(func(ctx context.Context, req reasoning.Request) (reasoning.Decision, error) {
		return reasoning.Decision{}, errors.New("model unavailable")
	})

	runner := New(reconSpec(), b, r, failing)
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	cmd := message.New(message.Coordinator, "recon_agent_1", message.TypeCommand, message.CommandPayload{
		Task: "osint_gathering",
	})
	_, err := b.Send(context.Background(), cmd)
	require.NoError(t, err)

	reply := coord.waitFor(t, 2*time.Second)
	payload := reply.Payload.(message.StatusPayload)
	assert.Equal(t, "failed", payload.State)
	assert.Contains(t, payload.Detail, "model unavailable")
}

func TestRunnerObservesPhaseTransitions(t *testing.T) {
	r, b, _ := testHarness(t)

	runner := New(reconSpec(), b, r, reasoning.NewScripted(nil))
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	assert.Empty(t, runner.Phase())

	note := message.New(message.Coordinator, "", message.TypeCoordination, message.CoordinationPayload{
		Event:    "phase_transition",
		OldPhase: "initialization",
		NewPhase: "reconnaissance",
	})
	_, err := b.Broadcast(context.Background(), note, message.Broadcast)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return runner.Phase() == "reconnaissance"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunnerStopDisconnects(t *testing.T) {
	r, b, _ := testHarness(t)

	runner := New(reconSpec(), b, r, reasoning.NewScripted(nil))
	require.NoError(t, runner.Start(context.Background()))

	status, err := r.StatusOf("recon_agent_1")
	require.NoError(t, err)
	assert.Equal(t, roster.StatusActive, status)

	runner.Stop()

	status, err = r.StatusOf("recon_agent_1")
	require.NoError(t, err)
	assert.Equal(t, roster.StatusDisconnected, status)
}

// reasonerFunc adapts a function to the Reasoner interface.
type reasonerFunc func(ctx context.Context, req reasoning.Request) (reasoning.Decision, error)

func (f reasonerFunc) Decide(ctx context.Context, req reasoning.Request) (reasoning.Decision, error) {
	return f(ctx, req)
}
