package contracts

import (
	"errors"
	"fmt"
)

// Named error kinds. Callers match with errors.Is; packages wrap these with
// fmt.Errorf("pkg: ...: %w", ...) for context.
var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateID          = errors.New("duplicate id")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrCircularDependency   = errors.New("circular dependency")
	ErrDeadlock             = errors.New("execution deadlock")
	ErrKeyUnavailable       = errors.New("key unavailable")
	ErrAlgorithmUnsupported = errors.New("algorithm unsupported")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrHandshakeRejected    = errors.New("handshake rejected")
	ErrSessionInvalid       = errors.New("session invalid")
	ErrLockedOut            = errors.New("locked out")
	ErrCancelled            = errors.New("cancelled")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrStepFailed           = errors.New("step failed")
)

// InvocationErrorKind classifies an agent-invocation failure. The executor
// retries transient failures; permanent failures go straight to the step's
// error handler.
type InvocationErrorKind string

const (
	InvocationTransient InvocationErrorKind = "transient"
	InvocationPermanent InvocationErrorKind = "permanent"
	InvocationCancelled InvocationErrorKind = "cancelled"
)

// InvocationError is the error surface of the capability-dispatch contract.
type InvocationError struct {
	Kind InvocationErrorKind
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s invocation failure: %v", e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable invocation failure.
func Transient(err error) *InvocationError {
	return &InvocationError{Kind: InvocationTransient, Err: err}
}

// Permanent wraps err as a non-retryable invocation failure.
func Permanent(err error) *InvocationError {
	return &InvocationError{Kind: InvocationPermanent, Err: err}
}

// ClassifyInvocation extracts the failure kind from an invocation error.
// Unknown errors are treated as transient; context cancellation maps to
// InvocationCancelled.
func ClassifyInvocation(err error) InvocationErrorKind {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return InvocationCancelled
	}
	return InvocationTransient
}

// Invoker is the agent-invocation contract consumed by the executor. The
// cross-process transport behind it is a collaborator; the core only sees
// this function shape.
type Invoker interface {
	Invoke(agentID, capabilityID string, inputs map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(agentID, capabilityID string, inputs map[string]any) (map[string]any, error)

func (f InvokerFunc) Invoke(agentID, capabilityID string, inputs map[string]any) (map[string]any, error) {
	return f(agentID, capabilityID, inputs)
}
