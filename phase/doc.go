// Package phase drives the exercise through its ordered phase sequence
// and gates which message types each team may send at any moment.
//
// Transitions are monotonic: a run moves forward through the sequence
// until it reaches the terminal completed phase, or jumps directly to
// the terminal aborted phase from anywhere. Gate rules are CEL
// expressions over the (msg_type, team, phase) activation, compiled once
// at machine construction so an invalid rule fails fast instead of at
// send time.
package phase
