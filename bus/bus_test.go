package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opfor-ai/gauntlet/message"
	"github.com/opfor-ai/gauntlet/phase"
	"github.com/opfor-ai/gauntlet/roster"
)

// gateFunc adapts a function to the Gate interface for tests that do
// not exercise phase rules.
type gateFunc func(message.Type, message.Team) error

func (g gateFunc) Gate(typ message.Type, team message.Team) error { return g(typ, team) }

var allowAll = gateFunc(func(message.Type, message.Team) error { return nil })

// testRoster registers and heartbeats the default lineup.
func testRoster(t *testing.T) *roster.Roster {
	t.Helper()
	r := roster.New()
	now := time.Now()
	for _, spec := range roster.Default() {
		require.NoError(t, r.Register(spec.AgentID, spec.Team, spec.Role, spec.Capabilities))
		require.NoError(t, r.Heartbeat(spec.AgentID, now))
	}
	return r
}

// collector is a handler that records received messages in order.
type collector struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (c *collector) handle(_ context.Context, msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) received() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestSendDeliversData(t *testing.T) {
	r := testRoster(t)

	var sinkCalls int
	b := New(r, allowAll,
		WithPollInterval(5*time.Millisecond),
		WithEventSink(func(message.Message) error {
			sinkCalls++
			return nil
		}))
	defer b.Close()

	var got collector
	require.NoError(t, b.Subscribe("detection_agent_1", got.handle))

	msg := message.New("recon_agent_1", "detection_agent_1", message.TypeData, message.DataPayload{
		Topic:        "recon_findings",
		Summary:      "open ports on the employee portal",
		Observations: []string{"443/tcp https", "8080/tcp admin console"},
	})
	del, err := b.Send(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcomes, err := del.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultDelivered, outcomes[0].Result)

	received := got.received()
	require.Len(t, received, 1)
	assert.Equal(t, msg.ID, received[0].ID)

	// Data messages carry no ledger events.
	assert.Zero(t, sinkCalls)
}

func TestFIFOPerSenderReceiverPair(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll, WithPollInterval(time.Millisecond))
	defer b.Close()

	var got collector
	require.NoError(t, b.Subscribe("detection_agent_1", got.handle))

	const n = 50
	deliveries := make([]*Delivery, 0, n)
	for i := 0; i < n; i++ {
		msg := message.New("recon_agent_1", "detection_agent_1", message.TypeData, message.DataPayload{
			Topic:   "sequence",
			Summary: fmt.Sprintf("item-%03d", i),
		})
		del, err := b.Send(context.Background(), msg)
		require.NoError(t, err)
		deliveries = append(deliveries, del)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, del := range deliveries {
		_, err := del.Wait(ctx)
		require.NoError(t, err)
	}

	received := got.received()
	require.Len(t, received, n)
	for i, msg := range received {
		payload := msg.Payload.(message.DataPayload)
		assert.Equal(t, fmt.Sprintf("item-%03d", i), payload.Summary)
	}
}

func TestPhaseViolationRejectsSynchronously(t *testing.T) {
	r := testRoster(t)

	machine, err := phase.NewMachine(time.Now())
	require.NoError(t, err)
	// Walk the machine forward to defense_response.
	for machine.Current().Current != phase.DefenseResponse {
		require.NoError(t, machine.CompleteCurrent())
		require.NotNil(t, machine.Advance(time.Now()))
	}

	b := New(r, machine, WithPollInterval(5*time.Millisecond))
	defer b.Close()

	var got collector
	require.NoError(t, b.Subscribe("detection_agent_1", got.handle))

	msg := message.New("recon_agent_1", "detection_agent_1", message.TypeCommand, message.CommandPayload{
		Task:   "network_scanning",
		Target: "scada_system",
	})
	_, err = b.Send(context.Background(), msg)
	require.ErrorIs(t, err, phase.ErrPhaseViolation)

	// The command was not enqueued; the only history entry is the
	// structured rejection notice.
	entries := b.MessagesSince(0)
	require.Len(t, entries, 1)
	assert.Equal(t, message.TypeCoordination, entries[0].Message.Type)
	payload := entries[0].Message.Payload.(message.CoordinationPayload)
	assert.Equal(t, "message_rejected", payload.Event)
	assert.Equal(t, "recon_agent_1", payload.AgentID)
	assert.Equal(t, msg.ID, entries[0].Message.CorrelationID)
	assert.Empty(t, got.received())
}

func TestUnknownRecipientRejected(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll)
	defer b.Close()

	msg := message.New("recon_agent_1", "ghost_agent", message.TypeData, message.DataPayload{Topic: "x"})
	_, err := b.Send(context.Background(), msg)
	require.ErrorIs(t, err, ErrUnknownRecipient)

	entries := b.MessagesSince(0, FilterByType(message.TypeCoordination))
	require.Len(t, entries, 1)
	assert.Equal(t, "message_rejected",
		entries[0].Message.Payload.(message.CoordinationPayload).Event)
}

func TestUnknownSenderRejected(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll)
	defer b.Close()

	msg := message.New("ghost_agent", "detection_agent_1", message.TypeData, message.DataPayload{Topic: "x"})
	_, err := b.Send(context.Background(), msg)
	require.ErrorIs(t, err, roster.ErrUnknownAgent)

	entries := b.MessagesSince(0, FilterByType(message.TypeCoordination))
	require.Len(t, entries, 1)
	note := entries[0].Message.Payload.(message.CoordinationPayload)
	assert.Equal(t, "message_rejected", note.Event)
	assert.Equal(t, "ghost_agent", note.AgentID)
}

func TestAckTimeout(t *testing.T) {
	r := testRoster(t)
	// threat_intel_agent_1 registered but never subscribed: the message
	// is held and the ack deadline fires first.
	b := New(r, allowAll,
		WithAckTimeout(50*time.Millisecond),
		WithPollInterval(5*time.Millisecond))
	defer b.Close()

	msg := message.New(message.Coordinator, "threat_intel_agent_1", message.TypeCommand, message.CommandPayload{
		Task: "threat_hunting",
	}).WithAck()
	del, err := b.Send(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcomes, err := del.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultTimeout, outcomes[0].Result)
	assert.ErrorIs(t, outcomes[0].Err, ErrDeliveryTimeout)
}

func TestAckTimeoutBoundsSlowHandler(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll,
		WithAckTimeout(50*time.Millisecond),
		WithPollInterval(time.Millisecond))
	defer b.Close()

	// The handler holds the delivery well past the ack deadline; the
	// sender's wait must still resolve at the deadline, not when the
	// handler finally returns.
	release := make(chan struct{})
	require.NoError(t, b.Subscribe("detection_agent_1", func(_ context.Context, _ message.Message) error {
		<-release
		return nil
	}))

	msg := message.New(message.Coordinator, "detection_agent_1", message.TypeCommand, message.CommandPayload{
		Task: "log_analysis",
	}).WithAck()
	start := time.Now()
	del, err := b.Send(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcomes, err := del.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultTimeout, outcomes[0].Result)
	assert.ErrorIs(t, outcomes[0].Err, ErrDeliveryTimeout)
	assert.Less(t, time.Since(start), time.Second,
		"wait must be bounded by the ack timeout, not the handler")

	// The late handler result must not overwrite the timeout.
	close(release)
	time.Sleep(20 * time.Millisecond)
	outcome, ok := del.Outcome("detection_agent_1")
	require.True(t, ok)
	assert.Equal(t, ResultTimeout, outcome.Result)

	entries := b.MessagesSince(0, FilterByType(message.TypeCoordination))
	require.NotEmpty(t, entries)
	note := entries[0].Message.Payload.(message.CoordinationPayload)
	assert.Equal(t, "delivery_failed", note.Event)
	assert.Equal(t, "ack_timeout", note.Reason)
}

func TestAckOnHandlerCompletion(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll, WithPollInterval(time.Millisecond))
	defer b.Close()

	require.NoError(t, b.Subscribe("response_agent_1", func(_ context.Context, _ message.Message) error {
		return nil
	}))

	msg := message.New(message.Coordinator, "response_agent_1", message.TypeCommand, message.CommandPayload{
		Task: "containment_strategy",
	}).WithAck()
	del, err := b.Send(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcomes, err := del.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultAcked, outcomes[0].Result)
}

func TestBroadcastWithDisconnectedMember(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll,
		WithGracePeriod(100*time.Millisecond),
		WithPollInterval(5*time.Millisecond))
	defer b.Close()

	var detection, intel, response collector
	require.NoError(t, b.Subscribe("detection_agent_1", detection.handle))
	require.NoError(t, b.Subscribe("threat_intel_agent_1", intel.handle))
	require.NoError(t, b.Subscribe("response_agent_1", response.handle))
	require.NoError(t, r.Disconnect("response_agent_1"))

	msg := message.New(message.Coordinator, "", message.TypeCommand, message.CommandPayload{
		Task: "alert_triage",
	})
	start := time.Now()
	del, err := b.Broadcast(context.Background(), msg, message.TeamTag(message.TeamBlue))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcomes, err := del.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Less(t, time.Since(start), time.Second)

	byAgent := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		byAgent[o.AgentID] = o
	}
	assert.Equal(t, ResultDelivered, byAgent["detection_agent_1"].Result)
	assert.Equal(t, ResultDelivered, byAgent["threat_intel_agent_1"].Result)
	assert.Equal(t, ResultFailed, byAgent["response_agent_1"].Result)
	assert.ErrorIs(t, byAgent["response_agent_1"].Err, ErrDeliveryFailed)

	assert.Len(t, detection.received(), 1)
	assert.Len(t, intel.received(), 1)
	assert.Empty(t, response.received())
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll, WithPollInterval(time.Millisecond))
	defer b.Close()

	var sender, peer collector
	require.NoError(t, b.Subscribe("recon_agent_1", sender.handle))
	require.NoError(t, b.Subscribe("exploit_agent_1", peer.handle))

	msg := message.New("recon_agent_1", "", message.TypeData, message.DataPayload{Topic: "recon_findings"})
	del, err := b.Broadcast(context.Background(), msg, message.TeamTag(message.TeamRed))
	require.NoError(t, err)
	assert.NotContains(t, del.Recipients, "recon_agent_1")
	assert.Contains(t, del.Recipients, "exploit_agent_1")
}

func TestAbortCancelsPendingWaits(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll, WithPollInterval(5*time.Millisecond))
	defer b.Close()

	// Held delivery: lateral_agent_1 is registered but not subscribed.
	msg := message.New(message.Coordinator, "lateral_agent_1", message.TypeCommand, message.CommandPayload{
		Task: "network_pivoting",
	}).WithAck()
	del, err := b.Send(context.Background(), msg)
	require.NoError(t, err)

	b.Abort("operator stop")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcomes, err := del.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultAborted, outcomes[0].Result)
	assert.ErrorIs(t, outcomes[0].Err, ErrRunAborted)

	_, err = b.Send(context.Background(), msg)
	require.ErrorIs(t, err, ErrRunAborted)

	entries := b.MessagesSince(0)
	var sawAbort bool
	for _, e := range entries {
		if p, ok := e.Message.Payload.(message.CoordinationPayload); ok && p.Event == "run_aborted" {
			sawAbort = true
		}
	}
	assert.True(t, sawAbort)
}

func TestHandlerPanicIsolated(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll, WithPollInterval(time.Millisecond))
	defer b.Close()

	var delivered collector
	calls := 0
	require.NoError(t, b.Subscribe("detection_agent_1", func(ctx context.Context, msg message.Message) error {
		calls++
		if calls == 1 {
			panic("handler bug")
		}
		return delivered.handle(ctx, msg)
	}))

	first := message.New("recon_agent_1", "detection_agent_1", message.TypeData, message.DataPayload{Topic: "a"})
	second := message.New("recon_agent_1", "detection_agent_1", message.TypeData, message.DataPayload{Topic: "b"})

	d1, err := b.Send(context.Background(), first)
	require.NoError(t, err)
	d2, err := b.Send(context.Background(), second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcomes, err := d1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultHandlerError, outcomes[0].Result)

	outcomes, err = d2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultDelivered, outcomes[0].Result)
	assert.Len(t, delivered.received(), 1)
}

func TestEventSinkInvokedOncePerAcceptedMessage(t *testing.T) {
	r := testRoster(t)

	var mu sync.Mutex
	var sunk []string
	b := New(r, allowAll,
		WithPollInterval(time.Millisecond),
		WithEventSink(func(msg message.Message) error {
			mu.Lock()
			defer mu.Unlock()
			sunk = append(sunk, msg.ID)
			return nil
		}))
	defer b.Close()

	var got collector
	require.NoError(t, b.Subscribe("detection_agent_1", got.handle))
	require.NoError(t, b.Subscribe("threat_intel_agent_1", got.handle))
	require.NoError(t, b.Subscribe("response_agent_1", got.handle))

	status := message.New("detection_agent_1", "", message.TypeAlert, message.AlertPayload{
		Severity:  "high",
		Indicator: "port_scan_burst",
		Outcomes: []message.EventDecl{
			{Kind: message.EventAssetDefended, Subject: "scada_system", Team: message.TeamBlue, Magnitude: 15},
		},
	})
	del, err := b.Broadcast(context.Background(), status, message.TeamTag(message.TeamBlue))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = del.Wait(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	// One sink call for the whole fan-out, not one per recipient.
	assert.Equal(t, []string{status.ID}, sunk)
}

func TestMessagesSinceCursor(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll, WithPollInterval(time.Millisecond))
	defer b.Close()

	var got collector
	require.NoError(t, b.Subscribe("detection_agent_1", got.handle))

	for i := 0; i < 3; i++ {
		msg := message.New("recon_agent_1", "detection_agent_1", message.TypeData, message.DataPayload{
			Topic: fmt.Sprintf("topic-%d", i),
		})
		_, err := b.Send(context.Background(), msg)
		require.NoError(t, err)
	}

	all := b.MessagesSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].Seq)

	tail := b.MessagesSince(all[1].Seq)
	require.Len(t, tail, 1)
	assert.Equal(t, all[2].Seq, tail[0].Seq)

	assert.Empty(t, b.MessagesSince(all[2].Seq))

	filtered := b.MessagesSince(0, FilterBySender("recon_agent_1"), FilterByType(message.TypeData))
	assert.Len(t, filtered, 3)

	urgent := message.New("recon_agent_1", "detection_agent_1", message.TypeAlert, message.AlertPayload{
		Severity: "high", Indicator: "port_scan_burst",
	}).WithPriority(message.PriorityHigh)
	_, err := b.Send(context.Background(), urgent)
	require.NoError(t, err)

	byPriority := b.MessagesSince(0, FilterByPriority(message.PriorityHigh))
	require.Len(t, byPriority, 1)
	assert.Equal(t, message.TypeAlert, byPriority[0].Message.Type)

	byReceiver := b.MessagesSince(0, FilterByReceiver("detection_agent_1"))
	assert.Len(t, byReceiver, 4)
}

func TestSendAfterClose(t *testing.T) {
	r := testRoster(t)
	b := New(r, allowAll)
	require.NoError(t, b.Close())

	msg := message.New("recon_agent_1", "detection_agent_1", message.TypeData, message.DataPayload{Topic: "x"})
	_, err := b.Send(context.Background(), msg)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, b.Subscribe("detection_agent_1", func(context.Context, message.Message) error { return nil }), ErrClosed)
}
