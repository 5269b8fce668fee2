package phase

import "time"

// Phase is a named stage of the exercise.
type Phase string

const (
	Initialization  Phase = "initialization"
	Reconnaissance  Phase = "reconnaissance"
	InitialAccess   Phase = "initial_access"
	Execution       Phase = "execution"
	Persistence     Phase = "persistence"
	DefenseResponse Phase = "defense_response"
	LateralMovement Phase = "lateral_movement"
	Exfiltration    Phase = "exfiltration"
	PostIncident    Phase = "post_incident"
	Completed       Phase = "completed"
	Aborted         Phase = "aborted"
)

// Order is the forward sequence a run advances through. Aborted is not
// part of the sequence; it is reachable from any non-terminal phase.
var Order = []Phase{
	Initialization,
	Reconnaissance,
	InitialAccess,
	Execution,
	Persistence,
	DefenseResponse,
	LateralMovement,
	Exfiltration,
	PostIncident,
	Completed,
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid returns true if the phase is a recognized value.
func (p Phase) IsValid() bool {
	if p == Aborted {
		return true
	}
	return p.Index() >= 0
}

// IsTerminal returns true for the completed and aborted phases.
func (p Phase) IsTerminal() bool {
	return p == Completed || p == Aborted
}

// Index returns the position of the phase in Order, or -1 for aborted
// and unknown phases.
func (p Phase) Index() int {
	for i, q := range Order {
		if p == q {
			return i
		}
	}
	return -1
}

// Next returns the phase following p in Order. Terminal phases return
// themselves.
func (p Phase) Next() Phase {
	if p.IsTerminal() {
		return p
	}
	i := p.Index()
	if i < 0 || i+1 >= len(Order) {
		return Completed
	}
	return Order[i+1]
}

// DefaultDurations is the per-phase maximum duration table. A phase
// advances when its duration elapses even without an explicit
// completion signal.
func DefaultDurations() map[Phase]time.Duration {
	return map[Phase]time.Duration{
		Initialization:  2 * time.Minute,
		Reconnaissance:  10 * time.Minute,
		InitialAccess:   8 * time.Minute,
		Execution:       12 * time.Minute,
		Persistence:     6 * time.Minute,
		DefenseResponse: 10 * time.Minute,
		LateralMovement: 8 * time.Minute,
		Exfiltration:    6 * time.Minute,
		PostIncident:    5 * time.Minute,
	}
}
