// Package gauntlet coordinates adversarial red team / blue team
// exercises. A run wires five pieces together: a message bus carrying
// typed traffic between agents, a roster tracking agent liveness, a
// phase state machine gating who may act when, a ledger folding
// exercise events into authoritative scores, and the Coordinator
// driving the run end to end.
//
// A minimal run:
//
//	catalog, _ := scenario.Builtin(scenario.EnergyGrid)
//	coord, _ := gauntlet.New(catalog)
//	if err := coord.Initialize(roster.Default()); err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Shutdown("")
//
//	// start agent runners against coord.Bus() and coord.Roster(),
//	// then drive the run:
//	coord.Run(ctx)
//	report := coord.Report()
//
// Subpackages hold the moving parts: message (wire vocabulary), bus,
// roster, phase, ledger, scenario, reasoning, and agent.
package gauntlet
