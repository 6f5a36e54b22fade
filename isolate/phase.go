package isolate

import (
	"strings"

	"github.com/wippyai/isolate-runtime/errors"
)

// Phase is the lifecycle position of a Controller. Phases are totally
// ordered and a controller never moves to a lower one.
type Phase int32

const (
	PhaseUnknown Phase = iota
	PhaseUninitialized
	PhaseInitialized
	PhaseLibrariesSetup
	PhaseReady
	PhaseRunning
	PhaseShutdown
)

var phaseNames = [...]string{
	PhaseUnknown:        "unknown",
	PhaseUninitialized:  "uninitialized",
	PhaseInitialized:    "initialized",
	PhaseLibrariesSetup: "libraries_setup",
	PhaseReady:          "ready",
	PhaseRunning:        "running",
	PhaseShutdown:       "shutdown",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "invalid"
	}
	return phaseNames[p]
}

// operation is a lifecycle operation subject to the transition table.
type operation uint8

const (
	opConstruct operation = iota
	opInitialize
	opSetupLibraries
	opAppendKernel
	opPrepare
	opRun
	opPostMessage
	opShutdown
)

var operationNames = [...]string{
	opConstruct:      "construct",
	opInitialize:     "initialize",
	opSetupLibraries: "setup_libraries",
	opAppendKernel:   "append_kernel",
	opPrepare:        "prepare",
	opRun:            "run",
	opPostMessage:    "post_message",
	opShutdown:       "shutdown",
}

func (o operation) String() string { return operationNames[o] }

// errorPhase is the errors.Phase reported for failures of o.
func (o operation) errorPhase() errors.Phase {
	switch o {
	case opAppendKernel, opPrepare:
		return errors.PhasePrepare
	case opRun, opPostMessage:
		return errors.PhaseRun
	case opShutdown:
		return errors.PhaseShutdown
	default:
		return errors.PhaseCreate
	}
}

type transition struct {
	from, to Phase
}

// transitions lists every permitted (phase, operation) pair.
var transitions = map[operation][]transition{
	opConstruct:      {{PhaseUnknown, PhaseUninitialized}},
	opInitialize:     {{PhaseUninitialized, PhaseInitialized}},
	opSetupLibraries: {{PhaseInitialized, PhaseLibrariesSetup}},
	opAppendKernel:   {{PhaseLibrariesSetup, PhaseLibrariesSetup}},
	opPrepare:        {{PhaseLibrariesSetup, PhaseReady}},
	opRun:            {{PhaseReady, PhaseRunning}},
	opPostMessage: {
		{PhaseInitialized, PhaseInitialized},
		{PhaseLibrariesSetup, PhaseLibrariesSetup},
		{PhaseReady, PhaseReady},
		{PhaseRunning, PhaseRunning},
	},
	opShutdown: {
		{PhaseUnknown, PhaseShutdown},
		{PhaseUninitialized, PhaseShutdown},
		{PhaseInitialized, PhaseShutdown},
		{PhaseLibrariesSetup, PhaseShutdown},
		{PhaseReady, PhaseShutdown},
		{PhaseRunning, PhaseShutdown},
	},
}

// next returns the phase o leads to from the given phase.
func next(from Phase, o operation) (Phase, bool) {
	for _, t := range transitions[o] {
		if t.from == from {
			return t.to, true
		}
	}
	return from, false
}

// check returns the target phase of o or a phase-violation error.
func check(from Phase, o operation) (Phase, error) {
	to, ok := next(from, o)
	if !ok {
		return from, errors.PhaseViolation(o.errorPhase(), o.String(), from.String(), requiredPhases(o))
	}
	return to, nil
}

func requiredPhases(o operation) string {
	names := make([]string, 0, len(transitions[o]))
	for _, t := range transitions[o] {
		names = append(names, t.from.String())
	}
	return strings.Join(names, "|")
}
