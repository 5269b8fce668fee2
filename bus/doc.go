// Package bus routes messages between exercise agents.
//
// The bus owns every message from send until delivery or expiry. Each
// send is validated, checked against the current phase gate, resolved
// through the roster, appended to the run history, and fanned out to
// one mailbox per recipient. Mailboxes drain independently so one slow
// or unreachable recipient never stalls the others.
//
// Delivery guarantees:
//
//   - FIFO per sender/receiver pair: messages from the same sender to
//     the same receiver arrive in send order. No ordering is promised
//     across pairs.
//   - At-least-once: recipients must de-duplicate by message ID.
//   - Unknown receivers are rejected synchronously, never dropped.
//   - A recipient that is unreachable when a message arrives has the
//     message held for a grace period, then the sender sees a failed
//     outcome for that recipient.
//
// Senders get a Delivery handle per accepted message. For ack-required
// messages the handle resolves when the recipient's handler completes
// or the ack timeout elapses; otherwise it resolves on handler
// invocation. Aborting the run cancels all pending waits.
//
// An optional Redis feed mirrors accepted traffic for dashboards; feed
// failures are logged and never affect delivery.
package bus
