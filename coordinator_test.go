package gauntlet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opfor-ai/gauntlet/agent"
	"github.com/opfor-ai/gauntlet/bus"
	"github.com/opfor-ai/gauntlet/ledger"
	"github.com/opfor-ai/gauntlet/message"
	"github.com/opfor-ai/gauntlet/phase"
	"github.com/opfor-ai/gauntlet/reasoning"
	"github.com/opfor-ai/gauntlet/roster"
	"github.com/opfor-ai/gauntlet/scenario"
)

func testCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	catalog, err := scenario.Builtin(scenario.EnergyGrid)
	require.NoError(t, err)

	opts = append([]Option{
		WithRunID("test-run"),
		WithGracePeriod(100 * time.Millisecond),
		WithAckTimeout(time.Second),
	}, opts...)
	c, err := New(catalog, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown("test cleanup") })
	return c
}

// stepPhase signals completion of the current phase and ticks once.
func stepPhase(t *testing.T, c *Coordinator) phase.Phase {
	t.Helper()
	require.NoError(t, c.CompletePhase())
	c.Tick(time.Now())
	return c.Status().Phase.Current
}

func TestInitialize(t *testing.T) {
	c := testCoordinator(t)
	require.NoError(t, c.Initialize(roster.Default()))

	st := c.Status()
	assert.Equal(t, "test-run", st.RunID)
	assert.Equal(t, scenario.EnergyGrid, st.Scenario)
	assert.Equal(t, phase.Initialization, st.Phase.Current)
	assert.Len(t, st.Roster, 7)
	assert.Zero(t, st.Ledger.RedScore)

	err := c.Initialize(roster.Default())
	require.ErrorIs(t, err, &SimError{Kind: KindState})
}

func TestInitializeDuplicateAgent(t *testing.T) {
	c := testCoordinator(t)
	specs := append(roster.Default(), roster.AgentSpec{
		AgentID: "recon_agent_1", Team: message.TeamRed, Role: "reconnaissance",
	})
	err := c.Initialize(specs)
	require.ErrorIs(t, err, &SimError{Kind: KindRegistration})
	require.ErrorIs(t, err, roster.ErrDuplicateAgent)
}

func TestIssueCommandErrors(t *testing.T) {
	c := testCoordinator(t)

	_, err := c.IssueCommand(context.Background(), "recon_agent_1", message.CommandPayload{Task: "x"})
	require.ErrorIs(t, err, &SimError{Kind: KindState})

	require.NoError(t, c.Initialize(roster.Default()))

	_, err = c.IssueCommand(context.Background(), "ghost_agent", message.CommandPayload{Task: "x"})
	require.ErrorIs(t, err, &SimError{Kind: KindDelivery})
	require.ErrorIs(t, err, bus.ErrUnknownRecipient)
}

func TestRunEndToEnd(t *testing.T) {
	c := testCoordinator(t)
	require.NoError(t, c.Initialize(roster.Default()))

	redScript := reasoning.NewScripted(map[string][]reasoning.Decision{
		"network_scanning": {{
			Narrative: "mapped the perimeter and breached the employee portal",
			Action: &reasoning.Action{
				State: "completed",
				Outcomes: []message.EventDecl{
					{Kind: message.EventTechniqueUsed, Subject: "T1595", Team: message.TeamRed, Magnitude: 5},
					{Kind: message.EventAssetCompromised, Subject: "employee_portal", Team: message.TeamRed, Magnitude: 20},
				},
			},
		}},
	})
	blueScript := reasoning.NewScripted(map[string][]reasoning.Decision{
		"containment_strategy": {{
			Narrative: "isolated the portal and rotated credentials",
			Action: &reasoning.Action{
				State: "completed",
				Outcomes: []message.EventDecl{
					{Kind: message.EventAssetDefended, Subject: "employee_portal", Team: message.TeamBlue, Magnitude: 15},
				},
			},
		}},
	})

	var recon, response *agent.Runner
	for _, spec := range roster.Default() {
		switch spec.AgentID {
		case "recon_agent_1":
			recon = agent.New(spec, c.Bus(), c.Roster(), redScript)
		case "response_agent_1":
			response = agent.New(spec, c.Bus(), c.Roster(), blueScript)
		}
	}
	require.NoError(t, recon.Start(context.Background()))
	defer recon.Stop()
	require.NoError(t, response.Start(context.Background()))
	defer response.Stop()

	// initialization -> reconnaissance; agents observe the transition.
	assert.Equal(t, phase.Reconnaissance, stepPhase(t, c))
	require.Eventually(t, func() bool {
		return recon.Phase() == "reconnaissance"
	}, 2*time.Second, 10*time.Millisecond)

	del, err := c.IssueCommand(context.Background(), "recon_agent_1", message.CommandPayload{
		Task:   "network_scanning",
		Target: "employee_portal",
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = del.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Ledger().Snapshot().RedScore == 25
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"employee_portal"}, c.Ledger().Snapshot().CompromisedAssets)

	// A red command is rejected once the run reaches the blue-led
	// defense_response phase.
	for c.Status().Phase.Current != phase.DefenseResponse {
		stepPhase(t, c)
	}
	redCmd := message.New("recon_agent_1", "detection_agent_1", message.TypeCommand, message.CommandPayload{
		Task: "network_scanning",
	})
	_, err = c.Bus().Send(context.Background(), redCmd)
	require.ErrorIs(t, err, phase.ErrPhaseViolation)

	del, err = c.IssueCommand(context.Background(), "response_agent_1", message.CommandPayload{
		Task:   "containment_strategy",
		Target: "employee_portal",
	})
	require.NoError(t, err)
	_, err = del.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := c.Ledger().Snapshot()
		return snap.BlueScore == 15 && len(snap.DefendedAssets) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, c.Ledger().Snapshot().CompromisedAssets)

	// Walk the remaining phases to completion.
	for !c.Status().Phase.Current.IsTerminal() {
		stepPhase(t, c)
	}
	assert.Equal(t, phase.Completed, c.Status().Phase.Current)

	require.NoError(t, c.Shutdown(""))

	report := c.Report()
	assert.Equal(t, phase.Completed, report.FinalPhase)
	assert.Equal(t, "red", report.Winner)
	assert.Equal(t, 25, report.Ledger.RedScore)
	assert.Equal(t, 15, report.Ledger.BlueScore)
	assert.NotEmpty(t, report.Transitions)
	assert.Len(t, report.Roster, 7)
	for _, rec := range report.Roster {
		assert.Equal(t, roster.StatusDisconnected, rec.Status)
	}

	// Replaying the report's event log reproduces the final totals.
	assert.Equal(t, report.Ledger, ledger.Replay(report.Events))
}

func TestShutdownAborts(t *testing.T) {
	c := testCoordinator(t)
	require.NoError(t, c.Initialize(roster.Default()))

	require.NoError(t, c.Shutdown("operator stop"))
	assert.Equal(t, phase.Aborted, c.Status().Phase.Current)

	// Idempotent.
	require.NoError(t, c.Shutdown("again"))

	_, err := c.IssueCommand(context.Background(), "recon_agent_1", message.CommandPayload{Task: "x"})
	require.ErrorIs(t, err, &SimError{Kind: KindState})
}

func TestRunCancellation(t *testing.T) {
	c := testCoordinator(t, WithTickInterval(time.Second))
	require.NoError(t, c.Initialize(roster.Default()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, phase.Aborted, c.Status().Phase.Current)
}

func TestMessagesSinceExposesRejections(t *testing.T) {
	c := testCoordinator(t)
	require.NoError(t, c.Initialize(roster.Default()))

	_, err := c.IssueCommand(context.Background(), "ghost_agent", message.CommandPayload{Task: "x"})
	require.Error(t, err)

	entries := c.MessagesSince(0, bus.FilterByType(message.TypeCoordination))
	require.NotEmpty(t, entries)
	payload := entries[0].Message.Payload.(message.CoordinationPayload)
	assert.Equal(t, "message_rejected", payload.Event)
}
