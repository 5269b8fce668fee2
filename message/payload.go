package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the closed union of message contents. Exactly one variant
// exists per message type, which keeps phase gating exhaustive over the
// (type, team) space instead of inspecting open-ended maps.
type Payload interface {
	// MessageType reports which message type this variant belongs to.
	MessageType() Type
}

// EventKind classifies a ledger event.
type EventKind string

const (
	EventAssetCompromised EventKind = "asset_compromised"
	EventAssetDefended    EventKind = "asset_defended"
	EventTechniqueUsed    EventKind = "technique_used"
	EventScoreDelta       EventKind = "score_delta"
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	return string(k)
}

// IsValid returns true if the event kind is a recognized value.
func (k EventKind) IsValid() bool {
	switch k {
	case EventAssetCompromised, EventAssetDefended, EventTechniqueUsed, EventScoreDelta:
		return true
	default:
		return false
	}
}

// EventDecl is a ledger event declared by a message payload. The bus
// forwards a copy of every declared event to the ledger, which stamps
// the source message ID and applies its own validation.
type EventDecl struct {
	// Kind classifies the event.
	Kind EventKind `json:"kind"`

	// Subject is the asset or technique the event concerns.
	Subject string `json:"subject"`

	// Team is the side credited with the event.
	Team Team `json:"team"`

	// Magnitude is the score delta the event claims. The ledger may
	// reduce it to zero for illegal repeat transitions.
	Magnitude int `json:"magnitude"`
}

// EventCarrier is implemented by payload variants that declare ledger
// events. Messages whose payload does not implement it are not
// ledger-affecting.
type EventCarrier interface {
	Events() []EventDecl
}

// CommandPayload tasks an agent. Task names follow the scenario
// playbooks (e.g. "osint_gathering", "phishing_campaign",
// "containment_strategy").
type CommandPayload struct {
	// Task is the operation the agent should perform.
	Task string `json:"task"`

	// Target names the asset, system, or organization in scope.
	Target string `json:"target,omitempty"`

	// Detail carries free-form tasking context for the agent's reasoner.
	Detail string `json:"detail,omitempty"`
}

// MessageType implements Payload.
func (CommandPayload) MessageType() Type { return TypeCommand }

// StatusPayload reports task progress or completion. Completed tasks
// that changed exercise state declare their ledger events in Outcomes.
type StatusPayload struct {
	// State is the agent's condition or task disposition
	// (e.g. "ready", "working", "completed", "failed").
	State string `json:"state"`

	// Detail is a human-readable elaboration.
	Detail string `json:"detail,omitempty"`

	// Outcomes are the ledger events this status asserts.
	Outcomes []EventDecl `json:"outcomes,omitempty"`
}

// MessageType implements Payload.
func (StatusPayload) MessageType() Type { return TypeStatus }

// Events implements EventCarrier.
func (p StatusPayload) Events() []EventDecl { return p.Outcomes }

// AlertPayload flags a detection. Detections that change exercise state
// (a defended asset, a burned technique) declare events in Outcomes.
type AlertPayload struct {
	// Severity is low, medium, high, or critical.
	Severity string `json:"severity"`

	// Indicator names what was observed (e.g. "port_scan_burst").
	Indicator string `json:"indicator"`

	// Detail is a human-readable elaboration.
	Detail string `json:"detail,omitempty"`

	// Outcomes are the ledger events this alert asserts.
	Outcomes []EventDecl `json:"outcomes,omitempty"`
}

// MessageType implements Payload.
func (AlertPayload) MessageType() Type { return TypeAlert }

// Events implements EventCarrier.
func (p AlertPayload) Events() []EventDecl { return p.Outcomes }

// DataPayload shares intelligence between agents. Data messages are not
// ledger-affecting; state changes must be asserted via status or alert.
type DataPayload struct {
	// Topic names the intelligence category (e.g. "recon_findings").
	Topic string `json:"topic"`

	// Summary is a short description of the shared material.
	Summary string `json:"summary,omitempty"`

	// Observations are the individual findings.
	Observations []string `json:"observations,omitempty"`
}

// MessageType implements Payload.
func (DataPayload) MessageType() Type { return TypeData }

// CoordinationPayload carries control-plane notifications: phase
// transitions, liveness changes, and rejection notices surfaced on the
// history feed.
type CoordinationPayload struct {
	// Event names the notification ("phase_transition",
	// "agent_unresponsive", "message_rejected", "run_aborted").
	Event string `json:"event"`

	// OldPhase and NewPhase are set for phase transitions.
	OldPhase string `json:"old_phase,omitempty"`
	NewPhase string `json:"new_phase,omitempty"`

	// EnteredAt and Deadline bound the new phase for transitions.
	EnteredAt time.Time `json:"entered_at,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`

	// AgentID is set for liveness notifications.
	AgentID string `json:"agent_id,omitempty"`

	// Reason elaborates aborts and rejections.
	Reason string `json:"reason,omitempty"`
}

// MessageType implements Payload.
func (CoordinationPayload) MessageType() Type { return TypeCoordination }

// decodePayload selects and decodes the payload variant for a message type.
func decodePayload(typ Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("message payload is required")
	}

	var (
		payload Payload
		err     error
	)
	switch typ {
	case TypeCommand:
		var p CommandPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TypeStatus:
		var p StatusPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TypeAlert:
		var p AlertPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TypeData:
		var p DataPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TypeCoordination:
		var p CoordinationPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown message type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", typ, err)
	}
	return payload, nil
}
