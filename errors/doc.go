// Package errors provides structured error types for the isolate runtime.
//
// Errors are categorized by Phase (which lifecycle stage produced the error)
// and Kind (error category). The Error type carries the operation name, the
// isolate it concerns, a detail message and the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRun, errors.KindEntrypointUnresolved).
//		Op("RunFromLibrary").
//		Isolate(serviceID).
//		Detail("no export %q in library %q", entry, lib).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.PhaseViolation(errors.PhaseRun, "Run", "Running", "Ready")
//	err := errors.InvalidResource(errors.PhasePrepare, "kernel mapping is empty", nil)
//
// All errors implement the standard error interface and support errors.Is/As.
// IsKind matches on Kind alone, regardless of Phase.
package errors
