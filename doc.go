// Package isolateruntime hosts isolates of a WebAssembly virtual machine and
// drives them through a strict lifecycle.
//
// # Architecture Overview
//
// The module is organized into several packages with distinct responsibilities:
//
//	isolateruntime/      Module documentation
//	├── isolate/         Controller lifecycle, Bridge, Registry and weak references
//	├── vm/              VM contract and the wazero-backed implementation
//	├── snapshot/        Immutable snapshot blobs and their loading
//	├── taskrunner/      Task runner abstraction and a serial implementation
//	├── config/          Viper-backed configuration and validation
//	├── errors/          Structured error types for lifecycle failures
//	├── internal/goid/   Goroutine identity for thread affinity checks
//	├── internal/wasmtest/ WebAssembly module assembly for tests
//	└── cmd/isolate-run/ Command line runner
//
// # Quick Start
//
// Create a VM, attach a Bridge and run a root isolate:
//
//	machine, err := vm.New(ctx, vm.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer machine.Close(ctx)
//
//	bridge := isolate.NewBridge(machine)
//	ref, err := bridge.CreateRootIsolate(ctx, isolate.RootConfig{
//	    Settings:        isolate.DefaultSettings(),
//	    IsolateSnapshot: isolateSnap,
//	    SharedSnapshot:  sharedSnap,
//	    Runners:         runners,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	root, _ := ref.Get()
//	err = root.PrepareForKernel(ctx, kernel, true)
//	err = root.Run(ctx, "main", nil, nil)
//	err = root.Shutdown(ctx)
//
// Root isolates must be driven from the UI task runner of their Runners.
//
// # Lifetime
//
// The VM owns native isolates and the Bridge owns controllers. Hosts hold
// weak references only; a reference stops resolving once its isolate has
// shut down or its group has been cleaned up.
package isolateruntime
