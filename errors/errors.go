package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates which lifecycle stage produced the error
type Phase string

const (
	PhaseCreate   Phase = "create"   // isolate construction
	PhasePrepare  Phase = "prepare"  // library loading
	PhaseRun      Phase = "run"      // entrypoint invocation
	PhaseShutdown Phase = "shutdown" // teardown
	PhaseBridge   Phase = "bridge"   // VM callback handling
	PhaseSnapshot Phase = "snapshot" // snapshot and kernel mappings
	PhaseVM       Phase = "vm"       // hosting VM operations
	PhaseConfig   Phase = "config"   // settings and configuration
	PhaseTask     Phase = "task"     // task runner operations
)

// Kind categorizes the error
type Kind string

const (
	KindPhaseViolation       Kind = "phase_violation"
	KindInvalidResource      Kind = "invalid_resource"
	KindEntrypointUnresolved Kind = "entrypoint_unresolved"
	KindCreationRejected     Kind = "creation_rejected"
	KindModeMismatch         Kind = "mode_mismatch"
	KindWrongThread          Kind = "wrong_thread"
	KindInvalidInput         Kind = "invalid_input"
	KindNotFound             Kind = "not_found"
	KindAlreadyExists        Kind = "already_exists"
	KindClosed               Kind = "closed"
	KindExecution            Kind = "execution"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	Op      string
	Isolate string
	Detail  string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.Isolate != "" {
		b.WriteString(" (")
		b.WriteString(e.Isolate)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if stderrors.As(err, &e) {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		return false
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the failing operation
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Isolate sets the isolate the error concerns
func (b *Builder) Isolate(id string) *Builder {
	b.err.Isolate = id
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// PhaseViolation creates an error for an operation invoked out of phase
func PhaseViolation(phase Phase, op, current, required string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindPhaseViolation,
		Op:     op,
		Detail: fmt.Sprintf("isolate is %s, operation requires %s", current, required),
		Value:  current,
	}
}

// InvalidResource creates an error for a malformed or rejected mapping
func InvalidResource(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidResource,
		Detail: detail,
		Cause:  cause,
	}
}

// EntrypointUnresolved creates an error for a missing library or function
func EntrypointUnresolved(library, entrypoint string, cause error) *Error {
	where := "root library"
	if library != "" {
		where = fmt.Sprintf("library %q", library)
	}
	return &Error{
		Phase:  PhaseRun,
		Kind:   KindEntrypointUnresolved,
		Detail: fmt.Sprintf("entrypoint %q not found in %s", entrypoint, where),
		Value:  entrypoint,
		Cause:  cause,
	}
}

// CreationRejected creates an error for a native isolate the VM refused to allocate
func CreationRejected(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCreate,
		Kind:   KindCreationRejected,
		Detail: detail,
		Cause:  cause,
	}
}

// InvalidInput creates an error for a nil or malformed argument
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotFound creates an error for a missing named entity
func NotFound(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: what + " not found",
	}
}

// Closed creates an error for an operation on a closed resource
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: what + " is closed",
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
