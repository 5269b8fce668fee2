package gauntlet

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Error kinds categorize coordinator errors by their type.
const (
	// KindValidation represents errors related to input validation.
	KindValidation = "validation"

	// KindPhase represents phase-gate rejections and illegal phase
	// transitions.
	KindPhase = "phase"

	// KindDelivery represents message routing and delivery errors.
	KindDelivery = "delivery"

	// KindRegistration represents roster registration errors.
	KindRegistration = "registration"

	// KindLedger represents ledger validation errors.
	KindLedger = "ledger"

	// KindState represents operations attempted in the wrong run state.
	KindState = "state"

	// KindInternal represents internal coordinator errors.
	KindInternal = "internal"
)

// SimError is a structured error wrapping an underlying failure with
// the operation that failed and the category of error.
//
// SimError implements the error interface and supports unwrapping, so
// errors.Is and errors.As see through it to the component sentinels
// (bus.ErrUnknownRecipient, phase.ErrPhaseViolation, and so on).
type SimError struct {
	// Op is the operation that failed (e.g. "Coordinator.IssueCommand").
	Op string

	// Kind categorizes the error (e.g. KindPhase, KindDelivery).
	Kind string

	// Err is the underlying error.
	Err error

	// Context provides additional debugging detail (optional).
	Context map[string]any
}

// Error implements the error interface.
func (e *SimError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gauntlet: %s: %s", e.Op, e.Kind)
	}
	if len(e.Context) > 0 {
		return fmt.Sprintf("gauntlet: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}
	return fmt.Sprintf("gauntlet: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *SimError) Unwrap() error {
	return e.Err
}

// Is matches another SimError by Kind (and Op when the target sets
// one), or delegates to the underlying error.
func (e *SimError) Is(target error) bool {
	if target == nil {
		return false
	}
	if t, ok := target.(*SimError); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}
	return errors.Is(e.Err, target)
}

// WithContext returns a copy of the error with the provided context
// merged in.
func (e *SimError) WithContext(ctx map[string]any) *SimError {
	out := *e
	if out.Context == nil {
		out.Context = make(map[string]any, len(ctx))
	}
	for k, v := range ctx {
		out.Context[k] = v
	}
	return &out
}

func newError(op, kind string, err error) *SimError {
	return &SimError{Op: op, Kind: kind, Err: err}
}

// CloseWithLog closes the resource and logs any error at warning
// level. Intended for defer statements so cleanup failures are not
// silently ignored. A nil logger falls back to slog.Default().
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource", "resource", name, "error", err)
	}
}
