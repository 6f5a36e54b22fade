package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:   PhaseRun,
				Kind:    KindEntrypointUnresolved,
				Op:      "RunFromLibrary",
				Isolate: "isolates/1",
				Detail:  "no such export",
			},
			contains: []string{"[run]", "entrypoint_unresolved", "in RunFromLibrary", "(isolates/1)", "no such export"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhasePrepare,
				Kind:  KindPhaseViolation,
			},
			contains: []string{"[prepare]", "phase_violation"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseVM,
				Kind:   KindCreationRejected,
				Detail: "bad snapshot",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[vm]", "creation_rejected", "bad snapshot", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(PhaseSnapshot, KindInvalidResource, cause, "read")

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find cause")
	}
}

func TestError_Is(t *testing.T) {
	err := PhaseViolation(PhaseRun, "Run", "Running", "Ready")

	if !errors.Is(err, &Error{Phase: PhaseRun, Kind: KindPhaseViolation}) {
		t.Error("expected match on phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhasePrepare, Kind: KindPhaseViolation}) {
		t.Error("expected no match on different phase")
	}
	if errors.Is(err, errors.New("other")) {
		t.Error("expected no match on foreign error")
	}
}

func TestIsKind(t *testing.T) {
	inner := InvalidResource(PhaseSnapshot, "bad header", nil)
	outer := Wrap(PhasePrepare, KindPhaseViolation, inner, "load")
	wrapped := fmt.Errorf("context: %w", outer)

	if !IsKind(wrapped, KindPhaseViolation) {
		t.Error("expected outer kind to match")
	}
	if !IsKind(wrapped, KindInvalidResource) {
		t.Error("expected inner kind to match")
	}
	if IsKind(wrapped, KindNotFound) {
		t.Error("unexpected kind match")
	}
	if IsKind(nil, KindNotFound) {
		t.Error("nil error matched")
	}
	if got := KindOf(wrapped); got != KindPhaseViolation {
		t.Errorf("KindOf = %q", got)
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("cause")
	err := New(PhaseRun, KindExecution).
		Op("Run").
		Isolate("isolates/abc").
		Value(42).
		Cause(cause).
		Detail("entrypoint %q trapped", "main").
		Build()

	if err.Op != "Run" || err.Isolate != "isolates/abc" || err.Value != 42 {
		t.Fatalf("builder fields not set: %+v", err)
	}
	if err.Detail != `entrypoint "main" trapped` {
		t.Errorf("Detail = %q", err.Detail)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not in chain")
	}
}

func TestEntrypointUnresolved(t *testing.T) {
	root := EntrypointUnresolved("", "main", nil)
	if !strings.Contains(root.Error(), "root library") {
		t.Errorf("unexpected message %q", root.Error())
	}
	lib := EntrypointUnresolved("helpers", "start", nil)
	if !strings.Contains(lib.Error(), `library "helpers"`) {
		t.Errorf("unexpected message %q", lib.Error())
	}
}
