package isolate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/isolate-runtime/errors"
	"github.com/wippyai/isolate-runtime/snapshot"
	"github.com/wippyai/isolate-runtime/taskrunner"
	"github.com/wippyai/isolate-runtime/vm"
)

// RootConfig is everything needed to create a root isolate.
type RootConfig struct {
	Settings        *Settings
	IsolateSnapshot *snapshot.Snapshot
	SharedSnapshot  *snapshot.Snapshot
	Runners         taskrunner.Runners

	Window       Window
	IOManager    IOManager
	ImageDecoder ImageDecoder

	AdvisoryURI        string
	AdvisoryEntrypoint string

	// Flags overrides the flags derived from Settings.
	Flags *vm.Flags

	// OnCreate runs once the root isolate is created; OnShutdown runs
	// after its shutdown callbacks.
	OnCreate   func()
	OnShutdown func()
}

func (cfg RootConfig) validate() error {
	if err := cfg.Settings.Validate(); err != nil {
		return err
	}
	if cfg.IsolateSnapshot == nil {
		return errors.InvalidInput(errors.PhaseCreate, "isolate snapshot is required")
	}
	if !cfg.Runners.Valid() {
		return errors.InvalidInput(errors.PhaseCreate, "all four task runners are required")
	}
	return nil
}

// Bridge answers the VM's isolate callbacks and creates root isolates.
type Bridge struct {
	machine         vm.VM
	registry        *Registry
	serviceSnapshot *snapshot.Snapshot
	serviceSettings *Settings
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithRegistry makes the bridge record controllers in r.
func WithRegistry(r *Registry) BridgeOption {
	return func(b *Bridge) { b.registry = r }
}

// WithServiceIsolate enables the VM's diagnostic isolate, created from
// snap with settings.
func WithServiceIsolate(snap *snapshot.Snapshot, settings *Settings) BridgeOption {
	return func(b *Bridge) {
		b.serviceSnapshot = snap
		b.serviceSettings = settings
	}
}

// NewBridge installs a bridge as the callbacks of machine.
func NewBridge(machine vm.VM, opts ...BridgeOption) *Bridge {
	b := &Bridge{machine: machine}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = NewRegistry()
	}
	machine.SetCallbacks(&adapter{bridge: b})
	return b
}

// Registry returns the registry holding the bridge's controllers.
func (b *Bridge) Registry() *Registry { return b.registry }

// CreateRootIsolate creates a root isolate and leaves it in LibrariesSetup.
// On failure the returned reference never resolves and nothing stays
// registered.
func (b *Bridge) CreateRootIsolate(ctx context.Context, cfg RootConfig) (WeakRef, error) {
	if err := cfg.validate(); err != nil {
		return WeakRef{}, err
	}

	ctrl := newController(b.machine, controllerConfig{
		settings:        cfg.Settings,
		isolateSnapshot: cfg.IsolateSnapshot,
		sharedSnapshot:  cfg.SharedSnapshot,
		runners:         cfg.Runners,
		window:          cfg.Window,
		ioManager:       cfg.IOManager,
		imageDecoder:    cfg.ImageDecoder,
		uri:             cfg.AdvisoryURI,
		entrypoint:      cfg.AdvisoryEntrypoint,
		isRoot:          true,
		onShutdown:      cfg.OnShutdown,
	})
	if err := ctrl.checkThread(opConstruct); err != nil {
		return WeakRef{}, err
	}

	flags := cfg.Settings.flags()
	if cfg.Flags != nil {
		flags = *cfg.Flags
	}
	a, err := b.createNative(ctx, ctrl, flags)
	if err != nil {
		return WeakRef{}, err
	}
	if err := b.setup(ctx, a); err != nil {
		return WeakRef{}, err
	}

	ctrl.log().Info("root isolate created",
		zap.String("uri", cfg.AdvisoryURI),
		zap.String("entrypoint", cfg.AdvisoryEntrypoint),
		zap.String("runners", cfg.Runners.Label))
	if cfg.OnCreate != nil {
		cfg.OnCreate()
	}
	return WeakRef{assoc: a}, nil
}

// createNative allocates the native isolate for ctrl and registers it.
func (b *Bridge) createNative(ctx context.Context, ctrl *Controller, flags vm.Flags) (*association, error) {
	a := newAssociation(ctrl)
	native, err := b.machine.NewIsolate(ctx, vm.IsolateSpec{
		AdvisoryURI:        ctrl.uri,
		AdvisoryEntrypoint: ctrl.entrypoint,
		Flags:              flags,
		Data:               ctrl.isolateSnapshot.Data(),
		Instructions:       ctrl.isolateSnapshot.Instructions(),
		SharedData:         ctrl.sharedSnapshot.Data(),
		GroupData:          a,
		IsolateData:        a,
	})
	if err != nil {
		if errors.IsKind(err, errors.KindCreationRejected) {
			return nil, err
		}
		return nil, errors.CreationRejected("vm refused isolate", err)
	}
	a.native = native
	a.handle = native.Handle()
	if !b.registry.register(a) {
		panic(fmt.Sprintf("isolate: vm reused live handle %s", native.Handle()))
	}
	if err := a.ctrl.initialize(native); err != nil {
		_ = native.Shutdown(ctx)
		return nil, err
	}
	return a, nil
}

// setup moves a new isolate into LibrariesSetup, tearing it down on failure.
func (b *Bridge) setup(ctx context.Context, a *association) error {
	if err := a.ctrl.setupLibraries(); err != nil {
		_ = a.ctrl.native.Shutdown(ctx)
		return err
	}
	return nil
}

// createChild builds a controller for an isolate spawned by parent and
// prepares it the way parent was prepared.
func (b *Bridge) createChild(ctx context.Context, parent *Controller, req vm.GroupRequest) (vm.Native, error) {
	prepare := parent.childPreparer()
	if prepare == nil {
		return nil, errors.CreationRejected("parent isolate has not been prepared", nil)
	}
	ctrl := newController(b.machine, controllerConfig{
		settings:        parent.settings,
		isolateSnapshot: parent.isolateSnapshot,
		sharedSnapshot:  parent.sharedSnapshot,
		ioManager:       parent.ioManager,
		imageDecoder:    parent.imageDecoder,
		uri:             req.AdvisoryURI,
		entrypoint:      req.AdvisoryEntrypoint,
	})
	a, err := b.createNative(ctx, ctrl, req.Flags)
	if err != nil {
		return nil, err
	}
	if err := b.setup(ctx, a); err != nil {
		return nil, err
	}
	if err := prepare(ctx, ctrl); err != nil {
		_ = ctrl.native.Shutdown(ctx)
		return nil, err
	}
	ctrl.log().Debug("child isolate created", zap.String("entrypoint", req.AdvisoryEntrypoint))
	return ctrl.native, nil
}

// createService builds the VM's diagnostic isolate without a child preparer.
func (b *Bridge) createService(ctx context.Context, flags vm.Flags) (vm.Native, error) {
	if b.serviceSettings == nil || b.serviceSettings.DisableServiceIsolate {
		return nil, errors.CreationRejected("service isolate is disabled", nil)
	}
	if b.serviceSnapshot == nil || b.serviceSnapshot.IsEmpty() {
		return nil, errors.CreationRejected("no service isolate snapshot", nil)
	}
	ctrl := newController(b.machine, controllerConfig{
		settings:        b.serviceSettings,
		isolateSnapshot: b.serviceSnapshot,
		uri:             vm.ServiceIsolateURI,
	})
	a, err := b.createNative(ctx, ctrl, flags)
	if err != nil {
		return nil, err
	}
	if err := b.setup(ctx, a); err != nil {
		return nil, err
	}
	// A service snapshot without instructions runs from its base libraries
	// alone, in either mode.
	if b.machine.Precompiled() && b.serviceSnapshot.IsPrecompiled() {
		err = ctrl.PrepareForPrecompiledCode(ctx)
	} else {
		err = ctrl.markRunnable()
	}
	if err != nil {
		_ = ctrl.native.Shutdown(ctx)
		return nil, err
	}
	ctrl.log().Info("service isolate started")
	return ctrl.native, nil
}

// markRunnable moves an isolate whose code is entirely in its snapshot to Ready.
func (c *Controller) markRunnable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advanceLocked(opPrepare)
}

// adapter implements vm.Callbacks on behalf of a Bridge. Group and isolate
// data handed to the VM are always *association.
type adapter struct {
	bridge *Bridge
}

var _ vm.Callbacks = (*adapter)(nil)

func (ad *adapter) CreateGroup(ctx context.Context, req vm.GroupRequest) (vm.Native, error) {
	if req.Parent == nil {
		return nil, errors.CreationRejected("root isolates are created by the host", nil)
	}
	parent, ok := req.Parent.(*association)
	if !ok {
		return nil, errors.CreationRejected(fmt.Sprintf("unexpected parent data %T", req.Parent), nil)
	}
	return ad.bridge.createChild(ctx, parent.ctrl, req)
}

func (ad *adapter) CreateServiceIsolate(ctx context.Context, flags vm.Flags) (vm.Native, error) {
	return ad.bridge.createService(ctx, flags)
}

func (ad *adapter) ShutdownIsolate(group, _ any) {
	a, ok := group.(*association)
	if !ok {
		Logger().Warn("shutdown for unknown isolate", zap.String("group", fmt.Sprintf("%T", group)))
		return
	}
	a.ctrl.shutdown()
	ad.bridge.registry.notify(EventShutdown, a)
}

func (ad *adapter) CleanupGroup(group any) {
	a, ok := group.(*association)
	if !ok || !ad.bridge.registry.release(a) {
		panic(fmt.Sprintf("isolate: cleanup for unknown group %v", group))
	}
	// Callbacks fire even if the VM never reported a shutdown.
	a.ctrl.shutdown()
}
