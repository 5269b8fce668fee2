package phase

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/opfor-ai/gauntlet/message"
)

// Gate holds the compiled per-phase allow rules. A message passes a
// phase when any of that phase's rules evaluates to true for the
// activation {msg_type, team, phase}.
//
// Rules are CEL expressions so exercise operators can reshape the
// gating table without recompiling; the built-in table in DefaultRules
// is expressed the same way.
type Gate struct {
	rules map[Phase][]cel.Program
}

// NewGate compiles the given rule set. Every expression must evaluate
// to a boolean; compilation errors are returned with the offending
// phase and rule.
func NewGate(rules map[Phase][]string) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("msg_type", cel.StringType),
		cel.Variable("team", cel.StringType),
		cel.Variable("phase", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate environment: %w", err)
	}

	compiled := make(map[Phase][]cel.Program, len(rules))
	for p, exprs := range rules {
		if !p.IsValid() {
			return nil, fmt.Errorf("gate rules reference unknown phase %q", p)
		}
		for _, expr := range exprs {
			ast, iss := env.Compile(expr)
			if iss.Err() != nil {
				return nil, fmt.Errorf("invalid gate rule for phase %s: %q: %w", p, expr, iss.Err())
			}
			if ast.OutputType() != cel.BoolType {
				return nil, fmt.Errorf("gate rule for phase %s must be boolean: %q", p, expr)
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("failed to build gate program for phase %s: %w", p, err)
			}
			compiled[p] = append(compiled[p], prg)
		}
	}
	return &Gate{rules: compiled}, nil
}

// Allows evaluates the phase's rules against the activation. It returns
// false with no error when no rule matches.
func (g *Gate) Allows(p Phase, typ message.Type, team message.Team) (bool, error) {
	activation := map[string]any{
		"msg_type": typ.String(),
		"team":     team.String(),
		"phase":    p.String(),
	}
	for _, prg := range g.rules[p] {
		out, _, err := prg.Eval(activation)
		if err != nil {
			return false, fmt.Errorf("gate rule evaluation failed: %w", err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("gate rule returned %T, want bool", out.Value())
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// DefaultRules is the built-in gating table. Status and alert messages
// are admitted unconditionally by the machine before these rules run, so
// the table only needs to cover command and data traffic:
//
//   - attack phases admit red command/data
//   - defense_response and post_incident admit blue command/data
//   - initialization admits neither (agents only report readiness)
func DefaultRules() map[Phase][]string {
	redOffense := `team == "red" && (msg_type == "command" || msg_type == "data")`
	blueDefense := `team == "blue" && (msg_type == "command" || msg_type == "data")`

	return map[Phase][]string{
		Reconnaissance:  {redOffense},
		InitialAccess:   {redOffense},
		Execution:       {redOffense},
		Persistence:     {redOffense},
		DefenseResponse: {blueDefense},
		LateralMovement: {redOffense},
		Exfiltration:    {redOffense},
		PostIncident:    {blueDefense},
	}
}
