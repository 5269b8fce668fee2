package gauntlet

import (
	"time"

	"github.com/opfor-ai/gauntlet/ledger"
	"github.com/opfor-ai/gauntlet/phase"
	"github.com/opfor-ai/gauntlet/roster"
)

// Report is the end-of-run summary handed to the reporting
// collaborator.
type Report struct {
	RunID    string `json:"run_id"`
	Scenario string `json:"scenario"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// FinalPhase is completed for an orderly finish, aborted otherwise.
	FinalPhase phase.Phase `json:"final_phase"`

	// Transitions is the full phase history, oldest first.
	Transitions []phase.Transition `json:"transitions"`

	// Ledger is the final fold of the event log.
	Ledger ledger.Snapshot `json:"ledger"`

	// Events is the accepted event log backing the snapshot.
	Events []ledger.Event `json:"events"`

	// Roster holds the archived agent records.
	Roster []roster.Record `json:"roster"`

	// Winner is red, blue, or draw, by final score.
	Winner string `json:"winner"`
}

// Report builds the end-of-run summary. Meaningful after Shutdown;
// calling it mid-run reports the state so far.
func (c *Coordinator) Report() Report {
	c.mu.Lock()
	startedAt, endedAt := c.startedAt, c.endedAt
	c.mu.Unlock()

	snap := c.ledger.Snapshot()
	r := Report{
		RunID:     c.runID,
		Scenario:  c.scenario.Name,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Ledger:    snap,
		Events:    c.ledger.Log(),
		Roster:    c.roster.Snapshot(),
		Winner:    winner(snap),
	}
	if c.machine != nil {
		r.FinalPhase = c.machine.Current().Current
		r.Transitions = c.machine.History()
	}
	return r
}

func winner(snap ledger.Snapshot) string {
	switch {
	case snap.RedScore > snap.BlueScore:
		return "red"
	case snap.BlueScore > snap.RedScore:
		return "blue"
	default:
		return "draw"
	}
}
