// Package errs defines the error taxonomy that travels between agents as
// `[error]` actions, and the Go error type that carries it locally.
package errs

import "fmt"

// Kind is a short tag identifying the category of a failure. Kinds are
// carried on the wire in an `[error]` action's `args.type` field.
type Kind string

const (
	SchemaError   Kind = "schema-error"
	NoSuchAgent   Kind = "no-such-agent"
	NoSuchAction  Kind = "no-such-action"
	AccessDenied  Kind = "access-denied"
	CallbackError Kind = "callback-error"
	HandlerError  Kind = "handler-error"
	Timeout       Kind = "timeout"
	SpaceClosed   Kind = "space-closed"
)

// ActionError is the Go representation of an `[error]` action: a short
// Kind tag plus a human-readable message. Agent code that raises a plain
// error from an action handler is wrapped in a HandlerError ActionError by
// the runtime; callback or access-gate failures are wrapped similarly.
type ActionError struct {
	Kind    Kind
	Message string
}

func New(kind Kind, format string, args ...any) *ActionError {
	return &ActionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Wrap produces a HandlerError ActionError from an arbitrary error raised
// by agent code. If err is already an *ActionError, it is returned as-is
// so its original Kind survives a round trip through respond/raise helpers.
func Wrap(err error) *ActionError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*ActionError); ok {
		return ae
	}
	return &ActionError{Kind: HandlerError, Message: err.Error()}
}
