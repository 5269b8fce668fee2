package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/opfor-ai/gauntlet/message"
)

// Errors returned by bus operations. Per-recipient delivery errors
// appear wrapped inside Outcome.Err.
var (
	// ErrUnknownRecipient is returned when a send targets an agent that
	// is not registered in this run.
	ErrUnknownRecipient = errors.New("bus: unknown recipient")

	// ErrDeliveryTimeout marks an ack-required delivery that was not
	// acknowledged within the ack timeout.
	ErrDeliveryTimeout = errors.New("bus: delivery not acknowledged within timeout")

	// ErrDeliveryFailed marks a recipient that stayed unreachable beyond
	// the disconnect grace period.
	ErrDeliveryFailed = errors.New("bus: recipient unreachable beyond grace period")

	// ErrRunAborted is returned for sends after the run aborted and
	// resolves all deliveries that were pending at abort time.
	ErrRunAborted = errors.New("bus: run aborted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

// Timing defaults.
const (
	// DefaultAckTimeout bounds how long an ack-required sender waits.
	DefaultAckTimeout = 30 * time.Second

	// DefaultGracePeriod is how long a message is held for an
	// unreachable recipient before failing.
	DefaultGracePeriod = 60 * time.Second

	defaultPollInterval = 50 * time.Millisecond
)

// Handler consumes messages delivered to a subscribed agent. A nil
// return acknowledges the message. Handlers must be idempotent with
// respect to the message ID: delivery is at-least-once.
type Handler func(ctx context.Context, msg message.Message) error

// Directory answers "who can receive this now". *roster.Roster
// satisfies it.
type Directory interface {
	// Resolve expands a receiver into concrete registered agent IDs.
	Resolve(receiver string) ([]string, error)

	// Eligible reports whether an agent may receive messages right now.
	Eligible(agentID string) bool

	// TeamOf returns the team a registered agent fights for.
	TeamOf(agentID string) (message.Team, error)
}

// Gate decides whether a message type may be sent by a team in the
// current phase. *phase.Machine satisfies it.
type Gate interface {
	Gate(typ message.Type, team message.Team) error
}

// Option configures a Bus.
type Option func(*Bus)

// WithAckTimeout overrides the ack wait deadline.
func WithAckTimeout(d time.Duration) Option {
	return func(b *Bus) { b.ackTimeout = d }
}

// WithGracePeriod overrides how long deliveries are held for
// unreachable recipients.
func WithGracePeriod(d time.Duration) Option {
	return func(b *Bus) { b.gracePeriod = d }
}

// WithPollInterval overrides how often held deliveries re-check their
// recipient. Tests use this to keep grace-period cases fast.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) { b.pollInterval = d }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithEventSink registers the callback invoked once per accepted
// ledger-affecting message. The coordinator wires this to the ledger.
func WithEventSink(fn func(message.Message) error) Option {
	return func(b *Bus) { b.sink = fn }
}

// WithFeed attaches a Redis mirror publishing accepted traffic for
// external dashboards. Feed failures are logged and dropped.
func WithFeed(f *Feed) Option {
	return func(b *Bus) { b.feed = f }
}

// Bus routes messages between agents. Safe for concurrent use; all
// methods may be called from any goroutine.
type Bus struct {
	dir  Directory
	gate Gate

	ackTimeout   time.Duration
	gracePeriod  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	sink         func(message.Message) error
	feed         *Feed

	history *history
	tracer  trace.Tracer
	metrics busMetrics

	mu         sync.Mutex
	mailboxes  map[string]*mailbox
	deliveries []*Delivery
	aborted    bool
	closed     bool
	abortCh    chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates a bus routing through the given directory and gate.
func New(dir Directory, gate Gate, opts ...Option) *Bus {
	b := &Bus{
		dir:          dir,
		gate:         gate,
		ackTimeout:   DefaultAckTimeout,
		gracePeriod:  DefaultGracePeriod,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
		history:      newHistory(),
		tracer:       otel.Tracer("gauntlet/bus"),
		metrics:      newBusMetrics(),
		mailboxes:    make(map[string]*mailbox),
		abortCh:      make(chan struct{}),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches an agent's handler. The agent must be registered;
// re-subscribing replaces the previous handler. Messages held for the
// agent start flowing once it is both subscribed and eligible.
func (b *Bus) Subscribe(agentID string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler is required")
	}
	if agentID != message.Coordinator {
		if _, err := b.dir.Resolve(agentID); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownRecipient, agentID)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	mb := b.mailboxLocked(agentID)
	if mb.currentHandler() != nil {
		b.logger.Warn("subscriber superseded", "agent_id", agentID)
	}
	mb.setHandler(h)
	return nil
}

// Unsubscribe detaches an agent's handler. Queued messages are held
// until re-subscription or grace expiry.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.mailboxes[agentID]; ok {
		mb.setHandler(nil)
	}
}

// Send validates, gates, resolves, records, and enqueues a message.
// It returns as soon as the message is enqueued; the Delivery handle
// reports per-recipient outcomes. Broadcast and team-tag receivers fan
// out to every registered member except the sender.
//
// Rejections (phase violations, unknown recipients) are synchronous and
// also recorded on the history feed so operators can see why a message
// had no effect.
func (b *Bus) Send(ctx context.Context, msg message.Message) (*Delivery, error) {
	_, span := b.tracer.Start(ctx, "bus.send", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", msg.Type.String()),
		attribute.String("message.sender", msg.SenderID),
		attribute.String("message.receiver", msg.ReceiverID),
	))
	defer span.End()

	del, err := b.send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		b.metrics.rejected.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("message.type", msg.Type.String())))
		return nil, err
	}
	b.metrics.sent.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("message.type", msg.Type.String())))
	return del, nil
}

// Broadcast sends to a fan-out scope: message.Broadcast or a team tag.
func (b *Bus) Broadcast(ctx context.Context, msg message.Message, scope string) (*Delivery, error) {
	msg.ReceiverID = scope
	return b.Send(ctx, msg)
}

func (b *Bus) send(ctx context.Context, msg message.Message) (*Delivery, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.aborted {
		b.mu.Unlock()
		return nil, ErrRunAborted
	}
	b.mu.Unlock()

	// Phase gate. The coordinator belongs to no team; the gate skips the
	// team tables for it but still rejects commands after a terminal phase.
	var team message.Team
	if msg.SenderID != message.Coordinator {
		t, err := b.dir.TeamOf(msg.SenderID)
		if err != nil {
			wrapped := fmt.Errorf("unknown sender %s: %w", msg.SenderID, err)
			b.recordRejection(msg, wrapped)
			return nil, wrapped
		}
		team = t
	}
	if err := b.gate.Gate(msg.Type, team); err != nil {
		b.recordRejection(msg, err)
		return nil, err
	}

	// The coordinator is an implicit recipient: agents reply to it even
	// though it never appears in the roster.
	var recipients []string
	if msg.ReceiverID == message.Coordinator {
		recipients = []string{message.Coordinator}
	} else {
		resolved, err := b.dir.Resolve(msg.ReceiverID)
		if err != nil {
			wrapped := fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.ReceiverID)
			b.recordRejection(msg, wrapped)
			return nil, wrapped
		}
		recipients = resolved
		if isFanOut(msg.ReceiverID) {
			recipients = exclude(recipients, msg.SenderID)
		}
	}

	b.history.append(msg)
	b.publishToFeed(msg)

	if b.sink != nil && len(msg.Events()) > 0 {
		if err := b.sink(msg); err != nil {
			b.logger.Warn("ledger event rejected for message",
				"message_id", msg.ID, "sender", msg.SenderID, "error", err)
		}
	}

	now := time.Now()
	del := newDelivery(msg.ID, recipients)

	b.mu.Lock()
	if b.aborted || b.closed {
		b.mu.Unlock()
		del.abort(ErrRunAborted)
		return del, nil
	}
	b.deliveries = append(b.deliveries, del)
	env := &envelope{
		msg:           msg,
		del:           del,
		enqueuedAt:    now,
		graceDeadline: now.Add(b.gracePeriod),
	}
	if msg.RequiresAck {
		env.ackDeadline = now.Add(b.ackTimeout)
	}
	for _, id := range recipients {
		b.mailboxLocked(id).enqueue(env)
	}
	b.mu.Unlock()

	b.logger.Debug("message enqueued",
		"message_id", msg.ID, "type", msg.Type, "sender", msg.SenderID,
		"receiver", msg.ReceiverID, "recipients", len(recipients))
	return del, nil
}

// MessagesSince returns history entries with Seq greater than the
// cursor, oldest first, optionally filtered. Consumers keep the last
// Seq they saw as their next cursor.
func (b *Bus) MessagesSince(cursor uint64, filters ...Filter) []Entry {
	entries := b.history.since(cursor)
	if len(filters) == 0 {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		keep := true
		for _, f := range filters {
			if !f(e) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, e)
		}
	}
	return out
}

// Abort cancels the run: pending ack-waits resolve with ErrRunAborted,
// further sends are rejected, and already-enqueued deliveries drain
// best-effort to recipients that are still reachable.
func (b *Bus) Abort(reason string) {
	b.mu.Lock()
	if b.aborted || b.closed {
		b.mu.Unlock()
		return
	}
	b.aborted = true
	close(b.abortCh)
	pending := make([]*Delivery, len(b.deliveries))
	copy(pending, b.deliveries)
	b.mu.Unlock()

	for _, d := range pending {
		d.abort(ErrRunAborted)
	}

	b.history.append(message.New(message.Coordinator, message.Broadcast, message.TypeCoordination,
		message.CoordinationPayload{Event: "run_aborted", Reason: reason}))
	b.logger.Warn("bus aborted", "reason", reason)
}

// Close stops all mailbox workers and resolves anything still queued.
// Further Send and Subscribe calls return ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, mb := range b.mailboxes {
		for _, env := range mb.drain() {
			env.del.resolve(Outcome{AgentID: mb.agentID, Result: ResultAborted, Err: ErrClosed})
		}
	}
	return nil
}

// mailboxLocked returns the agent's mailbox, creating it and starting
// its worker on first use. Callers hold b.mu.
func (b *Bus) mailboxLocked(agentID string) *mailbox {
	mb, ok := b.mailboxes[agentID]
	if !ok {
		mb = &mailbox{agentID: agentID, wake: make(chan struct{}, 1)}
		b.mailboxes[agentID] = mb
		b.wg.Add(1)
		go b.runMailbox(mb)
	}
	return mb
}

// runMailbox drains one agent's queue in order. Head-of-line blocking
// while a recipient is unreachable is deliberate: it preserves FIFO
// per sender/receiver pair.
func (b *Bus) runMailbox(mb *mailbox) {
	defer b.wg.Done()
	for {
		env := mb.next(b.stopCh)
		if env == nil {
			return
		}
		b.deliver(mb, env)
	}
}

func (b *Bus) deliver(mb *mailbox, env *envelope) {
	for {
		aborted := b.isAborted()

		if h := mb.currentHandler(); h != nil && b.reachable(mb.agentID) {
			b.invoke(mb, env, h)
			return
		}
		if aborted {
			env.del.resolve(Outcome{AgentID: mb.agentID, Result: ResultAborted, Err: ErrRunAborted})
			return
		}

		now := time.Now()
		if !env.ackDeadline.IsZero() && now.After(env.ackDeadline) {
			if env.del.resolve(Outcome{
				AgentID: mb.agentID,
				Result:  ResultTimeout,
				Err:     fmt.Errorf("%w: %s", ErrDeliveryTimeout, mb.agentID),
			}) {
				b.recordDeliveryFailure(env.msg, mb.agentID, "ack_timeout")
			}
			return
		}
		if now.After(env.graceDeadline) {
			if env.del.resolve(Outcome{
				AgentID: mb.agentID,
				Result:  ResultFailed,
				Err:     fmt.Errorf("%w: %s", ErrDeliveryFailed, mb.agentID),
			}) {
				b.recordDeliveryFailure(env.msg, mb.agentID, "grace_expired")
			}
			return
		}

		select {
		case <-time.After(b.pollInterval):
		case <-b.abortCh:
		case <-b.stopCh:
			env.del.resolve(Outcome{AgentID: mb.agentID, Result: ResultAborted, Err: ErrClosed})
			return
		}
	}
}

// invoke runs the handler with panic isolation: a panicking handler is
// logged and resolved as a handler error, never crashing the bus or
// affecting other deliveries.
//
// For ack-required messages a watchdog resolves the delivery with
// ResultTimeout at the ack deadline even while the handler is still
// running, so the sender's wait is always bounded by the ack timeout.
// The late handler result is then a no-op.
func (b *Bus) invoke(mb *mailbox, env *envelope, h Handler) {
	ctx := context.Background()
	if !env.ackDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, env.ackDeadline)
		defer cancel()

		watchdog := time.AfterFunc(time.Until(env.ackDeadline), func() {
			if env.del.resolve(Outcome{
				AgentID: mb.agentID,
				Result:  ResultTimeout,
				Err:     fmt.Errorf("%w: %s", ErrDeliveryTimeout, mb.agentID),
			}) {
				b.recordDeliveryFailure(env.msg, mb.agentID, "ack_timeout")
			}
		})
		defer watchdog.Stop()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return h(ctx, env.msg)
	}()

	now := time.Now().UTC()
	outcome := Outcome{AgentID: mb.agentID, DeliveredAt: now}
	switch {
	case err != nil:
		b.logger.Error("message handler failed",
			"message_id", env.msg.ID, "agent_id", mb.agentID, "error", err)
		outcome.Result = ResultHandlerError
		outcome.Err = err
	case env.msg.RequiresAck:
		outcome.Result = ResultAcked
	default:
		outcome.Result = ResultDelivered
	}
	if !env.del.resolve(outcome) {
		return
	}

	b.metrics.delivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("message.type", env.msg.Type.String()),
		attribute.String("delivery.result", string(outcome.Result)),
	))
}

// reachable reports whether an agent can take delivery right now. The
// coordinator has no roster record; a subscribed coordinator is always
// reachable.
func (b *Bus) reachable(agentID string) bool {
	if agentID == message.Coordinator {
		return true
	}
	return b.dir.Eligible(agentID)
}

func (b *Bus) isAborted() bool {
	select {
	case <-b.abortCh:
		return true
	default:
		return false
	}
}

// recordRejection surfaces a rejected send as a structured history
// entry so operators can see why it had no effect.
func (b *Bus) recordRejection(msg message.Message, cause error) {
	note := message.New(message.Coordinator, message.Broadcast, message.TypeCoordination,
		message.CoordinationPayload{
			Event:   "message_rejected",
			AgentID: msg.SenderID,
			Reason:  cause.Error(),
		}).WithCorrelation(msg.ID)
	b.history.append(note)
	b.publishToFeed(note)
	b.logger.Warn("message rejected",
		"message_id", msg.ID, "type", msg.Type, "sender", msg.SenderID, "error", cause)
}

func (b *Bus) recordDeliveryFailure(msg message.Message, agentID, reason string) {
	note := message.New(message.Coordinator, message.Broadcast, message.TypeCoordination,
		message.CoordinationPayload{
			Event:   "delivery_failed",
			AgentID: agentID,
			Reason:  reason,
		}).WithCorrelation(msg.ID)
	b.history.append(note)
	b.publishToFeed(note)
}

func (b *Bus) publishToFeed(msg message.Message) {
	if b.feed == nil {
		return
	}
	if err := b.feed.PublishMessage(msg); err != nil {
		b.logger.Warn("history feed publish failed", "message_id", msg.ID, "error", err)
	}
}

// busMetrics holds the bus's OpenTelemetry instruments.
type busMetrics struct {
	sent      metric.Int64Counter
	rejected  metric.Int64Counter
	delivered metric.Int64Counter
}

func newBusMetrics() busMetrics {
	meter := otel.Meter("gauntlet/bus")
	sent, _ := meter.Int64Counter("bus.messages.sent",
		metric.WithDescription("Messages accepted by the bus"))
	rejected, _ := meter.Int64Counter("bus.messages.rejected",
		metric.WithDescription("Messages rejected at send time"))
	delivered, _ := meter.Int64Counter("bus.deliveries",
		metric.WithDescription("Per-recipient delivery resolutions"))
	return busMetrics{sent: sent, rejected: rejected, delivered: delivered}
}

// envelope is one queued delivery attempt for one recipient's mailbox.
type envelope struct {
	msg           message.Message
	del           *Delivery
	enqueuedAt    time.Time
	graceDeadline time.Time
	ackDeadline   time.Time // zero when no ack is required
}

// mailbox is one agent's delivery queue, drained by a single worker.
type mailbox struct {
	agentID string

	mu      sync.Mutex
	queue   []*envelope
	handler Handler
	wake    chan struct{}
}

func (m *mailbox) setHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) currentHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *mailbox) enqueue(env *envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	m.mu.Unlock()
	m.signal()
}

// next blocks until an envelope is queued or stop closes. A nil return
// means the worker should exit.
func (m *mailbox) next(stop <-chan struct{}) *envelope {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			env := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return env
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-stop:
			return nil
		}
	}
}

// drain empties the queue, returning whatever was still waiting.
func (m *mailbox) drain() []*envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func isFanOut(receiver string) bool {
	if receiver == message.Broadcast {
		return true
	}
	_, ok := message.ParseTeamTag(receiver)
	return ok
}

func exclude(ids []string, id string) []string {
	out := ids[:0:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}
