package isolate

import (
	"strings"

	"github.com/wippyai/isolate-runtime/errors"
	"github.com/wippyai/isolate-runtime/vm"
)

// maxMemoryPages is the wasm32 address space in 64KB pages.
const maxMemoryPages = 65536

// Settings configure a root isolate and are inherited by every isolate it
// spawns. Settings must not be modified once an isolate uses them.
type Settings struct {
	// LogTag is attached to every log line about isolates using these settings.
	LogTag string

	EnableAsserts bool

	// DisableServiceIsolate refuses the VM's diagnostic isolate.
	DisableServiceIsolate bool

	// StrictThreading rejects root lifecycle calls made off the UI task
	// runner instead of only logging them.
	StrictThreading bool

	// MemoryLimitPages caps isolate memory; 0 keeps the VM default.
	MemoryLimitPages uint32
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() *Settings {
	return &Settings{LogTag: "isolate"}
}

// Validate reports whether the settings can be used to create isolates.
func (s *Settings) Validate() error {
	if s == nil {
		return errors.InvalidInput(errors.PhaseConfig, "settings are required")
	}
	if strings.ContainsAny(s.LogTag, " \t\n") {
		return errors.InvalidInput(errors.PhaseConfig, "log tag must not contain whitespace")
	}
	if s.MemoryLimitPages > maxMemoryPages {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("memory limit %d pages exceeds %d", s.MemoryLimitPages, maxMemoryPages).Build()
	}
	return nil
}

// flags derives VM creation flags.
func (s *Settings) flags() vm.Flags {
	return vm.Flags{
		EnableAsserts:    s.EnableAsserts,
		MemoryLimitPages: s.MemoryLimitPages,
	}
}
