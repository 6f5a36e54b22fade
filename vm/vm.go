package vm

import (
	"context"
	"strconv"
)

// Handle identifies a native isolate for the lifetime of the VM.
type Handle uint64

func (h Handle) String() string { return strconv.FormatUint(uint64(h), 10) }

// ServiceIDPrefix namespaces isolate identifiers in the diagnostics protocol.
const ServiceIDPrefix = "isolates/"

// ServiceIsolateURI is the advisory URI of the VM's diagnostic isolate.
const ServiceIsolateURI = "vm-service"

// Flags are per-isolate creation options.
type Flags struct {
	EnableAsserts    bool
	IsSystemIsolate  bool
	MemoryLimitPages uint32
}

// GroupRequest describes an isolate the VM wants the embedder to create.
type GroupRequest struct {
	AdvisoryURI        string
	AdvisoryEntrypoint string
	Flags              Flags
	// Parent is the group data of the spawning isolate; nil for a root.
	Parent any
}

// IsolateSpec is everything NewIsolate needs to allocate a native isolate.
type IsolateSpec struct {
	AdvisoryURI        string
	AdvisoryEntrypoint string
	Flags              Flags
	Data               []byte
	Instructions       []byte
	SharedData         []byte
	GroupData          any
	IsolateData        any
}

// Callbacks is implemented by the embedder and invoked by the VM.
type Callbacks interface {
	CreateGroup(ctx context.Context, req GroupRequest) (Native, error)
	CreateServiceIsolate(ctx context.Context, flags Flags) (Native, error)
	ShutdownIsolate(group, isolate any)
	CleanupGroup(group any)
}

// VM is the hosting virtual machine.
type VM interface {
	// SetCallbacks installs the embedder; it must be called before any isolate exists.
	SetCallbacks(cb Callbacks)
	// Precompiled reports whether the VM runs ahead-of-time compiled code only.
	Precompiled() bool
	NewIsolate(ctx context.Context, spec IsolateSpec) (Native, error)
}

// Native is a VM-owned isolate.
type Native interface {
	Handle() Handle
	ServiceID() string

	// Enter acquires isolate scope and returns the function that releases it.
	Enter() (exit func())

	// LoadPrecompiled sets up the root library from the snapshot instructions.
	LoadPrecompiled(ctx context.Context) error
	// LoadKernel loads pieces as libraries in order; the last becomes the root library.
	LoadKernel(ctx context.Context, pieces [][]byte) error
	// Resolve checks that entrypoint exists in library ("" is the root library).
	Resolve(library, entrypoint string) error
	// Invoke runs entrypoint. Scope must be held.
	Invoke(ctx context.Context, library, entrypoint string, args []string) error

	// SetMessageNotifier installs fn to be called whenever a message is queued.
	SetMessageNotifier(fn func())
	Post(payload int64) error
	// HandleMessage delivers one queued message. Scope must be held.
	HandleMessage(ctx context.Context) error

	// Shutdown tears the isolate down, invoking ShutdownIsolate and then
	// CleanupGroup. Subsequent calls are no-ops.
	Shutdown(ctx context.Context) error
}
