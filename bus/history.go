package bus

import (
	"sync"
	"time"

	"github.com/opfor-ai/gauntlet/message"
)

// Entry is one history record: an accepted message or a structured
// rejection notice, stamped with a monotonically increasing sequence
// number.
type Entry struct {
	// Seq orders entries within the run, starting at 1.
	Seq uint64 `json:"seq"`

	// Message is the recorded envelope.
	Message message.Message `json:"message"`

	// RecordedAt is when the bus accepted the entry.
	RecordedAt time.Time `json:"recorded_at"`
}

// history is the append-only record of bus traffic dashboards read via
// MessagesSince. Rejections appear as coordination entries so an
// operator can see why an agent's action had no effect.
type history struct {
	mu      sync.RWMutex
	entries []Entry
	nextSeq uint64
}

func newHistory() *history {
	return &history{nextSeq: 1}
}

// append records a message and returns its entry.
func (h *history) append(msg message.Message) Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := Entry{Seq: h.nextSeq, Message: msg, RecordedAt: time.Now().UTC()}
	h.nextSeq++
	h.entries = append(h.entries, e)
	return e
}

// since returns all entries with Seq > cursor, oldest first. A cursor
// of 0 returns the full history. Consumers keep the last Seq they saw
// as their next cursor.
func (h *history) since(cursor uint64) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Seq is dense: entry i has Seq i+1.
	if cursor >= uint64(len(h.entries)) {
		return nil
	}
	out := make([]Entry, len(h.entries)-int(cursor))
	copy(out, h.entries[cursor:])
	return out
}

// Filter selects history entries in MessagesSince.
type Filter func(Entry) bool

// FilterByType keeps entries of the given message type.
func FilterByType(typ message.Type) Filter {
	return func(e Entry) bool { return e.Message.Type == typ }
}

// FilterBySender keeps entries from the given sender.
func FilterBySender(senderID string) Filter {
	return func(e Entry) bool { return e.Message.SenderID == senderID }
}

// FilterByReceiver keeps entries addressed to the given receiver, team
// tag, or broadcast scope.
func FilterByReceiver(receiverID string) Filter {
	return func(e Entry) bool { return e.Message.ReceiverID == receiverID }
}

// FilterByPriority keeps entries of the given priority.
func FilterByPriority(p message.Priority) Filter {
	return func(e Entry) bool { return e.Message.Priority == p }
}
