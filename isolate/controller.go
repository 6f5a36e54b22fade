package isolate

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/isolate-runtime/errors"
	"github.com/wippyai/isolate-runtime/snapshot"
	"github.com/wippyai/isolate-runtime/taskrunner"
	"github.com/wippyai/isolate-runtime/vm"
)

// childPreparer runs a freshly created child isolate through library setup
// using the same code source as its parent.
type childPreparer func(ctx context.Context, child *Controller) error

type controllerConfig struct {
	settings        *Settings
	isolateSnapshot *snapshot.Snapshot
	sharedSnapshot  *snapshot.Snapshot
	runners         taskrunner.Runners
	window          Window
	ioManager       IOManager
	imageDecoder    ImageDecoder
	uri             string
	entrypoint      string
	isRoot          bool
	onCreate        func()
	onShutdown      func()
}

// Controller owns the lifecycle state of one isolate.
//
// Root controllers must be driven from their UI task runner. Controllers
// are only reachable by hosts through a WeakRef.
type Controller struct {
	machine vm.VM
	native  vm.Native

	settings        *Settings
	isolateSnapshot *snapshot.Snapshot
	sharedSnapshot  *snapshot.Snapshot
	runners         taskrunner.Runners
	window          Window
	ioManager       IOManager
	imageDecoder    ImageDecoder
	uri             string
	entrypoint      string
	isRoot          bool
	onCreate        func()
	onShutdown      func()

	phase atomic.Int32

	mu            sync.Mutex
	kernelBuffers [][]byte
	preparer      childPreparer
	messageRunner taskrunner.TaskRunner
	callbacks     []func()
	shuttingDown  bool
}

func newController(machine vm.VM, cfg controllerConfig) *Controller {
	c := &Controller{
		machine:         machine,
		settings:        cfg.settings,
		isolateSnapshot: cfg.isolateSnapshot,
		sharedSnapshot:  cfg.sharedSnapshot,
		runners:         cfg.runners,
		uri:             cfg.uri,
		entrypoint:      cfg.entrypoint,
		isRoot:          cfg.isRoot,
		ioManager:       cfg.ioManager,
		imageDecoder:    cfg.imageDecoder,
		onCreate:        cfg.onCreate,
		onShutdown:      cfg.onShutdown,
	}
	if cfg.isRoot {
		c.window = cfg.window
	}
	c.mu.Lock()
	_ = c.advanceLocked(opConstruct)
	c.mu.Unlock()
	return c
}

// Phase returns the current phase. It is safe to call from any goroutine.
func (c *Controller) Phase() Phase { return Phase(c.phase.Load()) }

// advanceLocked applies o to the current phase. c.mu must be held.
func (c *Controller) advanceLocked(o operation) error {
	from := c.Phase()
	to, err := check(from, o)
	if err != nil {
		return err
	}
	if to != from {
		c.phase.Store(int32(to))
		c.log().Debug("isolate phase changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Stringer("op", o))
	}
	return nil
}

func (c *Controller) log() *zap.Logger {
	l := Logger().With(zap.Bool("root", c.isRoot))
	if c.settings != nil && c.settings.LogTag != "" {
		l = l.With(zap.String("tag", c.settings.LogTag))
	}
	if c.native != nil {
		l = l.With(zap.String("service_id", c.native.ServiceID()))
	}
	return l
}

// checkThread enforces that root lifecycle calls arrive on the UI runner.
func (c *Controller) checkThread(o operation) error {
	if !c.isRoot || c.runners.UI == nil || c.runners.UI.RunsTasksOnCurrentThread() {
		return nil
	}
	c.log().Warn("root isolate lifecycle call off the UI task runner",
		zap.Stringer("op", o), zap.String("runners", c.runners.Label))
	if c.settings != nil && c.settings.StrictThreading {
		return errors.New(o.errorPhase(), errors.KindWrongThread).
			Op(o.String()).Isolate(c.ServiceID()).
			Detail("must be called on the UI task runner").Build()
	}
	return nil
}

// initialize binds the native isolate and installs the message handler.
func (c *Controller) initialize(native vm.Native) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := check(c.Phase(), opInitialize); err != nil {
		return err
	}
	c.native = native
	if c.isRoot {
		c.setMessageHandlingTaskRunnerLocked(c.runners.UI)
	}
	return c.advanceLocked(opInitialize)
}

// setMessageHandlingTaskRunnerLocked routes inbound messages through r.
// Only root isolates have one; other isolates are serviced by the VM.
func (c *Controller) setMessageHandlingTaskRunnerLocked(r taskrunner.TaskRunner) {
	if r == nil {
		return
	}
	c.messageRunner = r
	native := c.native
	c.native.SetMessageNotifier(func() {
		r.PostTask(func() {
			if c.Phase() == PhaseShutdown {
				return
			}
			exit := native.Enter()
			defer exit()
			if err := native.HandleMessage(context.Background()); err != nil {
				c.log().Warn("message delivery failed", zap.Error(err))
			}
		})
	})
}

// setupLibraries moves the isolate into LibrariesSetup. The VM has
// instantiated the snapshot's base libraries by the time it returns a native.
func (c *Controller) setupLibraries() error {
	c.mu.Lock()
	err := c.advanceLocked(opSetupLibraries)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if c.window != nil {
		c.window.DidCreateIsolate(c.native.ServiceID())
	}
	return nil
}

// PrepareForPrecompiledCode makes the snapshot's instructions the root
// library. The VM must be running precompiled code.
func (c *Controller) PrepareForPrecompiledCode(ctx context.Context) error {
	if err := c.checkThread(opPrepare); err != nil {
		return err
	}
	c.mu.Lock()
	if _, err := check(c.Phase(), opPrepare); err != nil {
		c.mu.Unlock()
		return err
	}
	native := c.native
	c.mu.Unlock()

	if !c.machine.Precompiled() {
		return errors.New(errors.PhasePrepare, errors.KindModeMismatch).
			Op("PrepareForPrecompiledCode").Isolate(native.ServiceID()).
			Detail("vm is not running precompiled code").Build()
	}

	exit := native.Enter()
	err := native.LoadPrecompiled(ctx)
	exit()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.preparer = func(ctx context.Context, child *Controller) error {
		return child.PrepareForPrecompiledCode(ctx)
	}
	return c.advanceLocked(opPrepare)
}

// PrepareForKernel appends mapping to the kernel buffers. When isLastPiece
// is set, every buffer is loaded in submission order and the isolate
// becomes Ready. A failed load keeps the isolate in LibrariesSetup and
// drops mapping from the buffers.
func (c *Controller) PrepareForKernel(ctx context.Context, mapping []byte, isLastPiece bool) error {
	if err := c.checkThread(opAppendKernel); err != nil {
		return err
	}
	c.mu.Lock()
	if _, err := check(c.Phase(), opAppendKernel); err != nil {
		c.mu.Unlock()
		return err
	}
	native := c.native
	if c.machine.Precompiled() {
		c.mu.Unlock()
		return errors.New(errors.PhasePrepare, errors.KindModeMismatch).
			Op("PrepareForKernel").Isolate(native.ServiceID()).
			Detail("vm is running precompiled code").Build()
	}
	if len(mapping) == 0 {
		c.mu.Unlock()
		return errors.InvalidResource(errors.PhasePrepare, "empty kernel mapping", nil)
	}
	c.kernelBuffers = append(c.kernelBuffers, bytes.Clone(mapping))
	if !isLastPiece {
		c.mu.Unlock()
		return nil
	}
	buffers := append([][]byte(nil), c.kernelBuffers...)
	c.mu.Unlock()

	exit := native.Enter()
	err := native.LoadKernel(ctx, buffers)
	exit()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.kernelBuffers = c.kernelBuffers[:len(c.kernelBuffers)-1]
		return err
	}
	c.preparer = func(ctx context.Context, child *Controller) error {
		return child.PrepareForKernels(ctx, buffers)
	}
	return c.advanceLocked(opPrepare)
}

// PrepareForKernels loads mappings as one kernel, marking the final
// mapping as the last piece.
func (c *Controller) PrepareForKernels(ctx context.Context, mappings [][]byte) error {
	if len(mappings) == 0 {
		return errors.InvalidInput(errors.PhasePrepare, "no kernel mappings")
	}
	for i, m := range mappings {
		if err := c.PrepareForKernel(ctx, m, i == len(mappings)-1); err != nil {
			return err
		}
	}
	return nil
}

// Run invokes entrypoint in the root library. See RunFromLibrary.
func (c *Controller) Run(ctx context.Context, entrypoint string, args []string, onRun func()) error {
	return c.RunFromLibrary(ctx, "", entrypoint, args, onRun)
}

// RunFromLibrary resolves entrypoint in library ("" for the root library),
// moves the isolate to Running and invokes it. onRun is called after a
// successful invocation while isolate scope is still held. An entrypoint
// that does not resolve leaves the phase unchanged; once invoked, the
// isolate stays Running whatever the entrypoint returns.
func (c *Controller) RunFromLibrary(ctx context.Context, library, entrypoint string, args []string, onRun func()) error {
	if err := c.checkThread(opRun); err != nil {
		return err
	}

	c.mu.Lock()
	if _, err := check(c.Phase(), opRun); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.native.Resolve(library, entrypoint); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.advanceLocked(opRun); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	exit := c.native.Enter()
	defer exit()

	if err := c.native.Invoke(ctx, library, entrypoint, args); err != nil {
		c.log().Warn("entrypoint failed",
			zap.String("library", library),
			zap.String("entrypoint", entrypoint),
			zap.Error(err))
		return err
	}
	if onRun != nil {
		onRun()
	}
	return nil
}

// PostMessage queues payload for the isolate's message handler.
func (c *Controller) PostMessage(payload int64) error {
	c.mu.Lock()
	_, err := check(c.Phase(), opPostMessage)
	shutting := c.shuttingDown
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if shutting {
		return errors.Closed(errors.PhaseRun, "isolate "+c.ServiceID())
	}
	return c.native.Post(payload)
}

// AddShutdownCallback registers fn to run once when the isolate shuts down.
// If shutdown has already begun, fn runs immediately.
func (c *Controller) AddShutdownCallback(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// Shutdown fires the shutdown callbacks in registration order with
// isolate scope held, moves to Shutdown and tears the native isolate down.
// Calling it again is a no-op.
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.checkThread(opShutdown); err != nil {
		return err
	}
	if !c.shutdown() {
		return nil
	}
	if c.native == nil {
		return nil
	}
	return c.native.Shutdown(ctx)
}

// shutdown runs the shutdown sequence once and reports whether this call
// performed it. The VM calls it from its own goroutines.
func (c *Controller) shutdown() bool {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return false
	}
	if _, err := check(c.Phase(), opShutdown); err != nil {
		c.mu.Unlock()
		return false
	}
	c.shuttingDown = true
	callbacks := c.callbacks
	c.callbacks = nil
	native := c.native
	c.mu.Unlock()

	if native != nil {
		exit := native.Enter()
		for _, fn := range callbacks {
			fn()
		}
		exit()
	} else {
		for _, fn := range callbacks {
			fn()
		}
	}

	c.mu.Lock()
	_ = c.advanceLocked(opShutdown)
	c.mu.Unlock()

	if closer, ok := c.window.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.log().Warn("window close failed", zap.Error(err))
		}
	}
	if c.onShutdown != nil {
		c.onShutdown()
	}
	c.log().Debug("isolate shut down", zap.Int("callbacks", len(callbacks)))
	return true
}

// ServiceID addresses the isolate in the VM's diagnostics protocol. It is
// empty until the isolate has been initialized.
func (c *Controller) ServiceID() string {
	c.mu.Lock()
	native := c.native
	c.mu.Unlock()
	if native == nil {
		return ""
	}
	return native.ServiceID()
}

func (c *Controller) IsolateSnapshot() *snapshot.Snapshot { return c.isolateSnapshot }
func (c *Controller) SharedSnapshot() *snapshot.Snapshot  { return c.sharedSnapshot }
func (c *Controller) Settings() *Settings                 { return c.settings }
func (c *Controller) IsRoot() bool                        { return c.isRoot }
func (c *Controller) Window() Window                      { return c.window }
func (c *Controller) IOManager() IOManager                { return c.ioManager }
func (c *Controller) ImageDecoder() ImageDecoder          { return c.imageDecoder }
func (c *Controller) AdvisoryURI() string                 { return c.uri }
func (c *Controller) AdvisoryEntrypoint() string          { return c.entrypoint }

// MessageHandlingTaskRunner returns the runner inbound messages are
// delivered on, or nil when the VM delivers them itself.
func (c *Controller) MessageHandlingTaskRunner() taskrunner.TaskRunner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageRunner
}

func (c *Controller) childPreparer() childPreparer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preparer
}
