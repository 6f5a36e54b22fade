// Package isolate drives isolates hosted in a vm.VM through their lifecycle.
//
// # Phases
//
// A Controller moves strictly forward through
//
//	Unknown → Uninitialized → Initialized → LibrariesSetup → Ready → Running → Shutdown
//
// Every lifecycle operation is checked against a single table of permitted
// (phase, operation) pairs. An operation that is not permitted fails with a
// phase-violation error and changes nothing.
//
// # Ownership
//
// The VM owns native isolates. The Bridge answers the VM's group creation,
// isolate shutdown and group cleanup callbacks, keeping one strong reference
// per native isolate in a Registry. Hosts only ever receive a WeakRef, which
// stops resolving once the VM has cleaned the group up:
//
//	bridge := isolate.NewBridge(machine)
//	ref, err := bridge.CreateRootIsolate(ctx, isolate.RootConfig{...})
//	if c, ok := ref.Get(); ok {
//		err = c.PrepareForKernel(ctx, kernel, true)
//		err = c.Run(ctx, "main", nil, nil)
//	}
//
// Root isolates are bound to the UI task runner of their Runners and must be
// driven from it. Child isolates are created and destroyed on VM goroutines;
// the host never drives them directly.
package isolate
