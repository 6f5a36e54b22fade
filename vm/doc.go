// Package vm describes the contract an isolate controller requires from its
// hosting virtual machine and provides a wazero-backed implementation.
//
// # Contract
//
// A VM allocates native isolates (NewIsolate) and notifies its embedder of
// lifecycle events through Callbacks:
//
//	CreateGroup           - the VM spawns a new isolate, possibly from a parent
//	CreateServiceIsolate  - the VM wants its diagnostic isolate
//	ShutdownIsolate       - an isolate is being torn down
//	CleanupGroup          - the last point at which embedder state may be freed
//
// Callbacks run on goroutines chosen by the VM. The per-group and per-isolate
// data handed to NewIsolate are returned verbatim to ShutdownIsolate and
// CleanupGroup.
//
// # Wazero VM
//
// WazeroVM gives every isolate its own wazero.Runtime; isolates share a
// compilation cache but never memory. Snapshots and kernel pieces are
// WebAssembly binaries, libraries are named module instances and entrypoints
// are exported functions taking no parameters. Guests may import the
// "isolate" host module:
//
//	spawn(ptr i32, len i32) -> i32   start a child isolate at the named entrypoint
//	post(payload i64)                queue a message to the calling isolate
//
// Messages are delivered to an exported handle_message(i64) function.
//
// # Thread Safety
//
// WazeroVM is safe for concurrent use. A Native must only execute guest code
// while its scope is held (Enter); scope is re-entrant for the owning
// goroutine.
package vm
