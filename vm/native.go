package vm

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/isolate-runtime/errors"
)

const (
	// HostModuleName is the import module guests use for isolate services.
	HostModuleName = "isolate"
	// MessageHandlerExport is the export that receives posted messages.
	MessageHandlerExport = "handle_message"
	// rootLibraryName names an unnamed root library.
	rootLibraryName = "main"
)

// library is a compiled module and, once instantiated, its instance.
type library struct {
	name     string
	compiled wazero.CompiledModule
	module   api.Module
}

func (l *library) exportedFunction(name string) api.FunctionDefinition {
	if l.module != nil {
		if fn := l.module.ExportedFunction(name); fn != nil {
			return fn.Definition()
		}
		return nil
	}
	return l.compiled.ExportedFunctions()[name]
}

type wazeroNative struct {
	vm        *WazeroVM
	runtime   wazero.Runtime
	handle    Handle
	serviceID string
	uri       string
	flags     Flags
	group     any
	isolate   any

	instructions []byte
	libraries    map[string]*library
	base         []*library
	pending      []*library
	root         *library

	scope    scope
	mu       sync.Mutex
	messages []int64
	notify   func()
	closing  atomic.Bool
}

func newWazeroNative(v *WazeroVM, rt wazero.Runtime, h uint64, spec IsolateSpec) *wazeroNative {
	return &wazeroNative{
		vm:           v,
		runtime:      rt,
		handle:       Handle(h),
		serviceID:    ServiceIDPrefix + uuid.NewString(),
		uri:          spec.AdvisoryURI,
		flags:        spec.Flags,
		group:        spec.GroupData,
		isolate:      spec.IsolateData,
		instructions: spec.Instructions,
		libraries:    make(map[string]*library),
	}
}

func (n *wazeroNative) Handle() Handle    { return n.handle }
func (n *wazeroNative) ServiceID() string { return n.serviceID }

func (n *wazeroNative) Enter() func() { return n.scope.enter() }

func (n *wazeroNative) instantiateBase(ctx context.Context, fallback string, bin []byte) error {
	compiled, err := n.runtime.CompileModule(ctx, bin)
	if err != nil {
		return errors.InvalidResource(errors.PhaseVM, "compile "+fallback, err)
	}
	name := compiled.Name()
	if name == "" {
		name = fallback
	}
	if _, dup := n.libraries[name]; dup {
		_ = compiled.Close(ctx)
		return errors.New(errors.PhaseVM, errors.KindAlreadyExists).Detail("library %q", name).Build()
	}
	mod, err := n.runtime.InstantiateModule(ctx, compiled, n.moduleConfig(name, nil))
	if err != nil {
		_ = compiled.Close(ctx)
		return errors.InvalidResource(errors.PhaseVM, "instantiate "+name, err)
	}
	lib := &library{name: name, compiled: compiled, module: mod}
	n.libraries[name] = lib
	n.base = append(n.base, lib)
	return nil
}

func (n *wazeroNative) moduleConfig(name string, args []string) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithArgs(append([]string{n.uri}, args...)...).
		WithStartFunctions()
	if n.vm.cfg.Stdout != nil {
		cfg = cfg.WithStdout(n.vm.cfg.Stdout)
	}
	if n.vm.cfg.Stderr != nil {
		cfg = cfg.WithStderr(n.vm.cfg.Stderr)
	}
	return cfg
}

// LoadPrecompiled compiles the snapshot instructions as the root library.
func (n *wazeroNative) LoadPrecompiled(ctx context.Context) error {
	if !n.vm.cfg.Precompiled {
		return errors.New(errors.PhasePrepare, errors.KindModeMismatch).
			Op("LoadPrecompiled").Detail("vm is not running precompiled code").Build()
	}
	if n.root != nil {
		return errors.New(errors.PhasePrepare, errors.KindAlreadyExists).
			Op("LoadPrecompiled").Detail("root library already loaded").Build()
	}
	if len(n.instructions) == 0 {
		return errors.InvalidResource(errors.PhasePrepare, "snapshot has no instructions mapping", nil)
	}
	libs, err := n.compile(ctx, [][]byte{n.instructions})
	if err != nil {
		return err
	}
	n.commit(libs)
	return nil
}

// LoadKernel compiles and link-checks every piece before committing any of
// them.
func (n *wazeroNative) LoadKernel(ctx context.Context, pieces [][]byte) error {
	if n.vm.cfg.Precompiled {
		return errors.New(errors.PhasePrepare, errors.KindModeMismatch).
			Op("LoadKernel").Detail("vm is running precompiled code").Build()
	}
	if len(pieces) == 0 {
		return errors.InvalidResource(errors.PhasePrepare, "no kernel pieces", nil)
	}
	if n.root != nil {
		return errors.New(errors.PhasePrepare, errors.KindAlreadyExists).
			Op("LoadKernel").Detail("root library already loaded").Build()
	}
	libs, err := n.compile(ctx, pieces)
	if err != nil {
		return err
	}
	n.commit(libs)
	return nil
}

func (n *wazeroNative) compile(ctx context.Context, pieces [][]byte) ([]*library, error) {
	libs := make([]*library, 0, len(pieces))
	seen := make(map[string]bool, len(pieces))
	fail := func(err error) ([]*library, error) {
		for _, l := range libs {
			_ = l.compiled.Close(ctx)
		}
		return nil, err
	}
	for i, piece := range pieces {
		compiled, err := n.runtime.CompileModule(ctx, piece)
		if err != nil {
			return fail(errors.InvalidResource(errors.PhasePrepare, fmt.Sprintf("compile piece %d", i), err))
		}
		name := compiled.Name()
		if name == "" {
			name = fmt.Sprintf("library-%d", i)
			if i == len(pieces)-1 {
				name = rootLibraryName
			}
		}
		libs = append(libs, &library{name: name, compiled: compiled})
		if _, dup := n.libraries[name]; dup || seen[name] {
			return fail(errors.InvalidResource(errors.PhasePrepare, fmt.Sprintf("duplicate library %q", name), nil))
		}
		seen[name] = true
	}
	for i, l := range libs {
		if err := n.checkImports(l, libs[:i]); err != nil {
			return fail(err)
		}
	}
	return libs, nil
}

func (n *wazeroNative) commit(libs []*library) {
	for _, l := range libs {
		n.libraries[l.name] = l
	}
	n.pending = append(n.pending, libs...)
	n.root = libs[len(libs)-1]
}

func (n *wazeroNative) lookup(name string) (*library, error) {
	if name == "" {
		if n.root == nil {
			return nil, errors.NotFound(errors.PhaseRun, "root library")
		}
		return n.root, nil
	}
	lib, ok := n.libraries[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseRun, fmt.Sprintf("library %q", name))
	}
	return lib, nil
}

// Resolve checks the entrypoint without instantiating anything.
func (n *wazeroNative) Resolve(library, entrypoint string) error {
	lib, err := n.lookup(library)
	if err != nil {
		return errors.EntrypointUnresolved(library, entrypoint, err)
	}
	def := lib.exportedFunction(entrypoint)
	if def == nil {
		return errors.EntrypointUnresolved(library, entrypoint, nil)
	}
	if len(def.ParamTypes()) != 0 {
		return errors.EntrypointUnresolved(library, entrypoint,
			fmt.Errorf("entrypoint takes %d parameters", len(def.ParamTypes())))
	}
	return nil
}

// Invoke instantiates pending libraries with args, then calls entrypoint.
// A guest exit with status 0 is a normal return.
func (n *wazeroNative) Invoke(ctx context.Context, library, entrypoint string, args []string) error {
	if n.closing.Load() {
		return errors.Closed(errors.PhaseRun, "isolate "+n.serviceID)
	}
	if err := n.Resolve(library, entrypoint); err != nil {
		return err
	}
	if err := n.instantiatePending(ctx, args); err != nil {
		return err
	}
	lib, _ := n.lookup(library)
	fn := lib.module.ExportedFunction(entrypoint)
	if _, err := fn.Call(ctx); err != nil {
		var exit *sys.ExitError
		if stderrors.As(err, &exit) && exit.ExitCode() == 0 {
			return nil
		}
		return errors.New(errors.PhaseRun, errors.KindExecution).
			Op("Invoke").Isolate(n.serviceID).Cause(err).
			Detail("entrypoint %q", entrypoint).Build()
	}
	return nil
}

func (n *wazeroNative) instantiatePending(ctx context.Context, args []string) error {
	for len(n.pending) > 0 {
		lib := n.pending[0]
		mod, err := n.runtime.InstantiateModule(ctx, lib.compiled, n.moduleConfig(lib.name, args))
		if err != nil {
			return errors.New(errors.PhaseRun, errors.KindExecution).
				Op("instantiate").Isolate(n.serviceID).Cause(err).
				Detail("library %q", lib.name).Build()
		}
		lib.module = mod
		n.pending = n.pending[1:]
	}
	return nil
}

func (n *wazeroNative) SetMessageNotifier(fn func()) {
	n.mu.Lock()
	n.notify = fn
	n.mu.Unlock()
}

// Post queues payload. Without a notifier the VM delivers it on its own goroutine.
func (n *wazeroNative) Post(payload int64) error {
	if n.closing.Load() {
		return errors.Closed(errors.PhaseVM, "isolate "+n.serviceID)
	}
	n.mu.Lock()
	n.messages = append(n.messages, payload)
	notify := n.notify
	n.mu.Unlock()

	if notify != nil {
		notify()
		return nil
	}
	return n.vm.goChild(func() {
		exit := n.Enter()
		defer exit()
		if err := n.HandleMessage(context.Background()); err != nil {
			Logger().Debug("message dropped", zap.String("service_id", n.serviceID), zap.Error(err))
		}
	})
}

// HandleMessage delivers the oldest queued message to handle_message.
func (n *wazeroNative) HandleMessage(ctx context.Context) error {
	n.mu.Lock()
	if len(n.messages) == 0 {
		n.mu.Unlock()
		return nil
	}
	payload := n.messages[0]
	n.messages = n.messages[1:]
	n.mu.Unlock()

	if n.closing.Load() {
		return errors.Closed(errors.PhaseVM, "isolate "+n.serviceID)
	}
	fn := n.messageHandler()
	if fn == nil {
		return errors.NotFound(errors.PhaseVM, MessageHandlerExport+" export")
	}
	if _, err := fn.Call(ctx, uint64(payload)); err != nil {
		return errors.New(errors.PhaseVM, errors.KindExecution).
			Op("HandleMessage").Isolate(n.serviceID).Cause(err).Build()
	}
	return nil
}

func (n *wazeroNative) messageHandler() api.Function {
	candidates := append([]*library{n.root}, n.base...)
	for _, lib := range candidates {
		if lib == nil || lib.module == nil {
			continue
		}
		fn := lib.module.ExportedFunction(MessageHandlerExport)
		if fn == nil {
			continue
		}
		params := fn.Definition().ParamTypes()
		if len(params) == 1 && params[0] == api.ValueTypeI64 {
			return fn
		}
	}
	return nil
}

// Shutdown notifies the embedder, closes the runtime and then lets the
// embedder release its group state.
func (n *wazeroNative) Shutdown(ctx context.Context) error {
	if !n.closing.CompareAndSwap(false, true) {
		return nil
	}
	exit := n.Enter()
	defer exit()

	cb := n.vm.getCallbacks()
	if cb != nil {
		cb.ShutdownIsolate(n.group, n.isolate)
	}
	err := n.runtime.Close(ctx)
	n.vm.forget(n.handle)
	if cb != nil {
		cb.CleanupGroup(n.group)
	}
	n.vm.stats.IsolateShutdown()

	Logger().Debug("isolate shut down", zap.Stringer("handle", n.handle), zap.String("service_id", n.serviceID))
	return err
}

func (n *wazeroNative) spawn(entrypoint string) error {
	if n.closing.Load() {
		return errors.Closed(errors.PhaseVM, "isolate "+n.serviceID)
	}
	cb := n.vm.getCallbacks()
	if cb == nil {
		return errors.NotFound(errors.PhaseVM, "embedder callbacks")
	}
	req := GroupRequest{
		AdvisoryURI:        n.uri,
		AdvisoryEntrypoint: entrypoint,
		Flags:              n.flags,
		Parent:             n.group,
	}
	return n.vm.goChild(func() {
		runChild(cb, req)
	})
}

// runChild is the VM's execution protocol for a spawned isolate.
func runChild(cb Callbacks, req GroupRequest) {
	ctx := context.Background()
	child, err := cb.CreateGroup(ctx, req)
	if err != nil {
		Logger().Warn("child isolate creation failed",
			zap.String("entrypoint", req.AdvisoryEntrypoint), zap.Error(err))
		return
	}

	exit := child.Enter()
	err = child.Invoke(ctx, "", req.AdvisoryEntrypoint, nil)
	exit()
	if err != nil {
		Logger().Warn("child isolate failed",
			zap.String("service_id", child.ServiceID()),
			zap.String("entrypoint", req.AdvisoryEntrypoint),
			zap.Error(err))
	}
	if err := child.Shutdown(ctx); err != nil {
		Logger().Warn("child isolate shutdown failed", zap.String("service_id", child.ServiceID()), zap.Error(err))
	}
}
