package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the accepted logging levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted logging encodings
func ValidLogFormats() []string {
	return []string{"json", "console"}
}

const maxMemoryPages = 65536

// Validate checks the Config and returns every validation error found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.VM.MemoryLimitPages > maxMemoryPages {
		errs = append(errs, ValidationError{
			Field:   "vm.memory_limit_pages",
			Value:   c.VM.MemoryLimitPages,
			Message: fmt.Sprintf("must be at most %d", maxMemoryPages),
		})
	}

	if strings.ContainsAny(c.Isolate.LogTag, " \t\n") {
		errs = append(errs, ValidationError{
			Field:   "isolate.log_tag",
			Value:   c.Isolate.LogTag,
			Message: "must not contain whitespace",
		})
	}
	if c.Isolate.ShutdownTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "isolate.shutdown_timeout_ms",
			Value:   c.Isolate.ShutdownTimeoutMs,
			Message: "must be non-negative",
		})
	}

	if c.VM.Precompiled && len(c.Kernel.Pieces) > 0 {
		errs = append(errs, ValidationError{
			Field:   "kernel.pieces",
			Value:   c.Kernel.Pieces,
			Message: "kernels cannot be loaded by a precompiled vm",
		})
	}
	if c.Snapshot.Instructions != "" && !c.VM.Precompiled {
		errs = append(errs, ValidationError{
			Field:   "snapshot.instructions",
			Value:   c.Snapshot.Instructions,
			Message: "instructions require vm.precompiled",
		})
	}

	if c.Run.Entrypoint == "" {
		errs = append(errs, ValidationError{
			Field:   "run.entrypoint",
			Value:   c.Run.Entrypoint,
			Message: "must not be empty",
		})
	}

	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of %v", ValidLogLevels()),
		})
	}
	if !slices.Contains(ValidLogFormats(), c.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of %v", ValidLogFormats()),
		})
	}

	return errs
}
