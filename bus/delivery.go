package bus

import (
	"context"
	"sync"
	"time"
)

// Result classifies a per-recipient delivery outcome.
type Result string

const (
	// ResultDelivered means the recipient's handler was invoked.
	ResultDelivered Result = "delivered"

	// ResultAcked means the recipient's handler completed without error
	// for an ack-required message.
	ResultAcked Result = "acked"

	// ResultHandlerError means the handler was invoked but returned an
	// error or panicked. The message was delivered; processing failed.
	ResultHandlerError Result = "handler_error"

	// ResultTimeout means an ack-required message was not acknowledged
	// within the ack timeout.
	ResultTimeout Result = "timeout"

	// ResultFailed means the recipient stayed unreachable beyond the
	// disconnect grace period.
	ResultFailed Result = "failed"

	// ResultAborted means the run was aborted before the delivery
	// resolved.
	ResultAborted Result = "aborted"
)

// Outcome is the final disposition of one recipient's delivery.
type Outcome struct {
	AgentID     string
	Result      Result
	Err         error
	DeliveredAt time.Time
}

// Delivery is the sender's handle on an accepted message. One outcome
// resolves per recipient; Wait blocks until all have resolved.
type Delivery struct {
	// MessageID is the ID of the accepted message.
	MessageID string

	// Recipients are the concrete agent IDs the message fanned out to.
	Recipients []string

	mu       sync.Mutex
	outcomes []Outcome
	pending  int
	done     chan struct{}
}

func newDelivery(messageID string, recipients []string) *Delivery {
	d := &Delivery{
		MessageID:  messageID,
		Recipients: recipients,
		pending:    len(recipients),
		done:       make(chan struct{}),
	}
	if d.pending == 0 {
		close(d.done)
	}
	return d
}

// resolve records one recipient's outcome and reports whether it was
// the first resolution for that recipient. Resolving an already
// resolved recipient is a no-op so abort, ack-timeout watchdogs, and
// late handler results cannot race into a double count.
func (d *Delivery) resolve(o Outcome) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == 0 {
		return false
	}
	for _, existing := range d.outcomes {
		if existing.AgentID == o.AgentID {
			return false
		}
	}
	d.outcomes = append(d.outcomes, o)
	d.pending--
	if d.pending == 0 {
		close(d.done)
	}
	return true
}

// abort resolves every still-pending recipient with ResultAborted.
func (d *Delivery) abort(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == 0 {
		return
	}
	resolved := make(map[string]bool, len(d.outcomes))
	for _, o := range d.outcomes {
		resolved[o.AgentID] = true
	}
	for _, id := range d.Recipients {
		if resolved[id] {
			continue
		}
		d.outcomes = append(d.outcomes, Outcome{AgentID: id, Result: ResultAborted, Err: err})
		d.pending--
	}
	if d.pending == 0 {
		close(d.done)
	}
}

// Done returns a channel closed once every recipient has resolved.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until every recipient's outcome has resolved or the
// context is done. The returned slice is a copy.
func (d *Delivery) Wait(ctx context.Context) ([]Outcome, error) {
	select {
	case <-d.done:
	case <-ctx.Done():
		return d.Outcomes(), ctx.Err()
	}
	return d.Outcomes(), nil
}

// Outcomes returns the outcomes resolved so far.
func (d *Delivery) Outcomes() []Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Outcome, len(d.outcomes))
	copy(out, d.outcomes)
	return out
}

// Outcome returns a single recipient's outcome, if resolved.
func (d *Delivery) Outcome(agentID string) (Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.outcomes {
		if o.AgentID == agentID {
			return o, true
		}
	}
	return Outcome{}, false
}
