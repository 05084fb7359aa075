package chat

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Check with errors.Is.
//
// Propagation policy: validation and transition errors are local and leave
// no state behind; provider and persistence errors terminate the turn but
// keep whatever was legitimately persisted. Nothing is retried in a way
// that could duplicate assistant content — resumption always routes through
// the turn-keyed upsert.
var (
	// ErrValidation indicates malformed client input, rejected before any
	// model call.
	ErrValidation = errors.New("invalid chat input")

	// ErrInvalidTransition indicates an illegal tool-invocation state change.
	ErrInvalidTransition = errors.New("invalid invocation transition")

	// ErrProvider indicates a model/provider failure mid-stream. Partial
	// output is persisted; the turn is never auto-retried.
	ErrProvider = errors.New("model provider failure")

	// ErrPersistence indicates an append/update failure that survived the
	// single flush retry. The stream aborts; no silent data loss.
	ErrPersistence = errors.New("persistence failure")

	// ErrBrokerUnavailable indicates the pub/sub broker is down. The live
	// stream still succeeds; resumability degrades and the failure is logged.
	ErrBrokerUnavailable = errors.New("event broker unavailable")

	// ErrBoundedSteps indicates the step loop hit its cap. Partial output is
	// persisted and the turn ends as a reported failure.
	ErrBoundedSteps = errors.New("step limit exceeded")

	// ErrStreamActive indicates the session's active stream marker is held
	// by another in-flight turn.
	ErrStreamActive = errors.New("session has an active stream")

	// ErrNoActiveStream indicates a reconnect found no stream to resume;
	// the caller should fall back to canonical history.
	ErrNoActiveStream = errors.New("no active stream")
)

// ValidationError describes why a client-submitted message was rejected.
// It unwraps to ErrValidation.
type ValidationError struct {
	Index  int    // position in the submitted message array, -1 if global
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid chat input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid chat input: message %d: %s", e.Index, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidTransitionError reports a rejected invocation state change.
// It unwraps to ErrInvalidTransition.
type InvalidTransitionError struct {
	ToolCallID string
	From, To   InvocationState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid invocation transition %s -> %s (call %s)", e.From, e.To, e.ToolCallID)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
