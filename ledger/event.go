package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opfor-ai/gauntlet/message"
)

// Event is one append-only ledger entry. The ledger's state is the fold
// of all accepted events; an asset's state is a deterministic function
// of the ordered event log for that asset.
type Event struct {
	// EventID is the globally unique event identifier.
	EventID string `json:"event_id"`

	// SourceMessageID links the event to the bus message that produced
	// it. Duplicate deliveries of the same message are de-duplicated on
	// this field.
	SourceMessageID string `json:"source_message_id"`

	// Kind classifies the event.
	Kind message.EventKind `json:"kind"`

	// Subject is the asset or technique ID the event concerns.
	Subject string `json:"subject"`

	// Team is the side credited with the event.
	Team message.Team `json:"team"`

	// Magnitude is the score delta. For events appended by Record this
	// is the effective magnitude after legality checks, so replaying the
	// log reproduces the live totals exactly.
	Magnitude int `json:"magnitude"`

	// OccurredAt is the UTC timestamp the event was accepted.
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent creates an event with a fresh UUID and UTC timestamp.
func NewEvent(sourceMessageID string, kind message.EventKind, subject string, team message.Team, magnitude int) Event {
	return Event{
		EventID:         uuid.New().String(),
		SourceMessageID: sourceMessageID,
		Kind:            kind,
		Subject:         subject,
		Team:            team,
		Magnitude:       magnitude,
		OccurredAt:      time.Now().UTC(),
	}
}

// FromDecl builds an event from a payload event declaration.
func FromDecl(sourceMessageID string, decl message.EventDecl) Event {
	return NewEvent(sourceMessageID, decl.Kind, decl.Subject, decl.Team, decl.Magnitude)
}

// Validate checks the event's own fields, independent of catalog and
// transition legality.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if !e.Team.IsValid() {
		return fmt.Errorf("unknown team %q", e.Team)
	}
	if e.Magnitude < 0 {
		return fmt.Errorf("magnitude must be non-negative, got %d", e.Magnitude)
	}
	return nil
}

// dedupKey identifies the logical mutation so redelivered messages are
// idempotent: the same source message asserting the same kind+subject
// counts once.
func (e *Event) dedupKey() string {
	if e.SourceMessageID == "" {
		return e.EventID
	}
	return e.SourceMessageID + "|" + string(e.Kind) + "|" + e.Subject
}
