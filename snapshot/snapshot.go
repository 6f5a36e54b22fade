// Package snapshot provides immutable, shareable code and data mappings used
// to bootstrap isolates.
//
// A Snapshot is shared by pointer. Every isolate created from the same
// snapshot, including children that inherit it, holds the identical
// *Snapshot; the mappings are copied at construction and never mutated.
package snapshot

import (
	"bytes"
	"fmt"

	"github.com/spf13/afero"

	"github.com/wippyai/isolate-runtime/errors"
)

// header is the WebAssembly binary magic followed by version 1.
var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Snapshot holds the data and instructions mappings of a precomputed heap.
type Snapshot struct {
	name         string
	data         []byte
	instructions []byte
}

// New creates a snapshot from copies of data and instructions.
// Either mapping may be empty; non-empty mappings must carry a valid header.
func New(name string, data, instructions []byte) (*Snapshot, error) {
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("data mapping: %w", err)
	}
	if err := Validate(instructions); err != nil {
		return nil, fmt.Errorf("instructions mapping: %w", err)
	}
	return &Snapshot{
		name:         name,
		data:         bytes.Clone(data),
		instructions: bytes.Clone(instructions),
	}, nil
}

// Load reads a snapshot from fs. An empty path yields an empty mapping.
func Load(fs afero.Fs, dataPath, instructionsPath string) (*Snapshot, error) {
	data, err := readMapping(fs, dataPath)
	if err != nil {
		return nil, err
	}
	instructions, err := readMapping(fs, instructionsPath)
	if err != nil {
		return nil, err
	}
	name := dataPath
	if name == "" {
		name = instructionsPath
	}
	return New(name, data, instructions)
}

// ReadKernel reads and validates a single kernel mapping.
func ReadKernel(fs afero.Fs, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.InvalidInput(errors.PhaseSnapshot, "kernel path is empty")
	}
	b, err := readMapping(fs, path)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.InvalidResource(errors.PhaseSnapshot, fmt.Sprintf("kernel %s is empty", path), nil)
	}
	if err := Validate(b); err != nil {
		return nil, fmt.Errorf("kernel %s: %w", path, err)
	}
	return b, nil
}

func readMapping(fs afero.Fs, path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindNotFound, err, "read "+path)
	}
	return b, nil
}

// Validate checks that a non-empty mapping begins with the binary header.
func Validate(mapping []byte) error {
	if len(mapping) == 0 {
		return nil
	}
	if len(mapping) < len(header) || !bytes.Equal(mapping[:len(header)], header) {
		return errors.InvalidResource(errors.PhaseSnapshot, "mapping does not start with a wasm v1 header", nil)
	}
	return nil
}

// Name returns the diagnostic label of the snapshot.
func (s *Snapshot) Name() string { return s.name }

// Data returns the data mapping. Callers must not modify it.
// A nil snapshot has empty mappings.
func (s *Snapshot) Data() []byte {
	if s == nil {
		return nil
	}
	return s.data
}

// Instructions returns the instructions mapping. Callers must not modify it.
func (s *Snapshot) Instructions() []byte {
	if s == nil {
		return nil
	}
	return s.instructions
}

// IsPrecompiled reports whether the snapshot carries ahead-of-time instructions.
func (s *Snapshot) IsPrecompiled() bool { return len(s.Instructions()) > 0 }

// IsEmpty reports whether both mappings are empty.
func (s *Snapshot) IsEmpty() bool { return s.Size() == 0 }

// Size returns the combined size of both mappings in bytes.
func (s *Snapshot) Size() int { return len(s.Data()) + len(s.Instructions()) }

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot(%s, data=%d, instructions=%d)", s.name, len(s.data), len(s.instructions))
}
