package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type categorizes a message by intent.
type Type string

const (
	// TypeCommand instructs an agent to perform a task.
	TypeCommand Type = "command"

	// TypeStatus reports an agent's progress or the outcome of a task.
	TypeStatus Type = "status"

	// TypeAlert flags a detection or security-relevant observation.
	TypeAlert Type = "alert"

	// TypeData carries intelligence or telemetry between agents.
	TypeData Type = "data"

	// TypeCoordination carries control-plane notifications such as phase
	// transitions and liveness changes.
	TypeCoordination Type = "coordination"
)

// String returns the string representation of the message type.
func (t Type) String() string {
	return string(t)
}

// IsValid returns true if the type is a recognized value.
func (t Type) IsValid() bool {
	switch t {
	case TypeCommand, TypeStatus, TypeAlert, TypeData, TypeCoordination:
		return true
	default:
		return false
	}
}

// Priority indicates how urgently a message should be handled.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}

// IsValid returns true if the priority is a recognized value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Team identifies which side of the exercise an agent belongs to.
type Team string

const (
	TeamRed  Team = "red"
	TeamBlue Team = "blue"
)

// String returns the string representation of the team.
func (t Team) String() string {
	return string(t)
}

// IsValid returns true if the team is a recognized value.
func (t Team) IsValid() bool {
	return t == TeamRed || t == TeamBlue
}

// Receiver addressing. A receiver is either a concrete agent ID, a team
// tag produced by TeamTag, or the Broadcast sentinel.
const (
	// Broadcast is the receiver sentinel that fans a message out to every
	// eligible agent.
	Broadcast = "broadcast"

	// Coordinator is the sender ID used for coordinator-originated
	// traffic. The coordinator belongs to no team and its commands are
	// not subject to team gating.
	Coordinator = "coordinator"

	teamTagPrefix = "team:"
)

// TeamTag builds the receiver tag addressing every eligible agent of a team.
func TeamTag(t Team) string {
	return teamTagPrefix + string(t)
}

// ParseTeamTag extracts the team from a team receiver tag.
// The second return value is false if the receiver is not a team tag.
func ParseTeamTag(receiver string) (Team, bool) {
	if !strings.HasPrefix(receiver, teamTagPrefix) {
		return "", false
	}
	t := Team(strings.TrimPrefix(receiver, teamTagPrefix))
	if !t.IsValid() {
		return "", false
	}
	return t, true
}

// Message is the envelope routed by the bus. It is immutable once
// created; the bus owns it from creation until delivered or expired.
//
// ID is globally unique per run. CorrelationID links a command to its
// eventual result: replies carry the originating command's ID there.
type Message struct {
	// ID is the globally unique message identifier.
	ID string `json:"id"`

	// SenderID identifies the producing agent, or "coordinator" for
	// coordinator-originated traffic.
	SenderID string `json:"sender_id"`

	// ReceiverID is an agent ID, a team tag ("team:red"), or Broadcast.
	ReceiverID string `json:"receiver_id"`

	// Type categorizes the message.
	Type Type `json:"type"`

	// Priority indicates handling urgency.
	Priority Priority `json:"priority"`

	// Payload is the typed content. Its concrete variant is determined
	// by Type; see payload.go.
	Payload Payload `json:"payload"`

	// CreatedAt is the UTC creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// CorrelationID links this message to the command it answers.
	// Empty for unsolicited messages.
	CorrelationID string `json:"correlation_id,omitempty"`

	// RequiresAck requests an explicit delivery acknowledgment. The
	// sender's delivery handle resolves only once the recipient acks or
	// the ack timeout elapses.
	RequiresAck bool `json:"requires_ack,omitempty"`
}

// New creates a message with a fresh UUID and a UTC creation timestamp.
// The payload variant must match the message type; Validate reports a
// mismatch.
func New(senderID, receiverID string, typ Type, payload Payload) Message {
	return Message{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       typ,
		Priority:   PriorityNormal,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
}

// WithPriority returns a copy of the message with the given priority.
func (m Message) WithPriority(p Priority) Message {
	m.Priority = p
	return m
}

// WithCorrelation returns a copy of the message correlated to the given
// command ID.
func (m Message) WithCorrelation(commandID string) Message {
	m.CorrelationID = commandID
	return m
}

// WithAck returns a copy of the message that requires acknowledgment.
func (m Message) WithAck() Message {
	m.RequiresAck = true
	return m
}

// Validate checks that the envelope is well formed: required fields set,
// recognized type and priority, and a payload variant matching the type.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.SenderID == "" {
		return fmt.Errorf("sender_id is required")
	}
	if m.ReceiverID == "" {
		return fmt.Errorf("receiver_id is required")
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("unknown priority %q", m.Priority)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if m.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	if m.Payload.MessageType() != m.Type {
		return fmt.Errorf("payload variant %q does not match message type %q",
			m.Payload.MessageType(), m.Type)
	}
	return nil
}

// Events returns the ledger event declarations carried by the payload,
// or nil if the message is not ledger-affecting.
func (m *Message) Events() []EventDecl {
	if c, ok := m.Payload.(EventCarrier); ok {
		return c.Events()
	}
	return nil
}

// wireMessage mirrors Message with a raw payload so the union variant
// can be decoded after the type is known.
type wireMessage struct {
	ID            string          `json:"id"`
	SenderID      string          `json:"sender_id"`
	ReceiverID    string          `json:"receiver_id"`
	Type          Type            `json:"type"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	RequiresAck   bool            `json:"requires_ack,omitempty"`
}

// UnmarshalJSON decodes the envelope and selects the payload variant by
// message type. Unknown payload fields are ignored.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode message envelope: %w", err)
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}

	*m = Message{
		ID:            w.ID,
		SenderID:      w.SenderID,
		ReceiverID:    w.ReceiverID,
		Type:          w.Type,
		Priority:      w.Priority,
		Payload:       payload,
		CreatedAt:     w.CreatedAt,
		CorrelationID: w.CorrelationID,
		RequiresAck:   w.RequiresAck,
	}
	return nil
}
