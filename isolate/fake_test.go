package isolate

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/isolate-runtime/errors"
	"github.com/wippyai/isolate-runtime/snapshot"
	"github.com/wippyai/isolate-runtime/taskrunner"
	"github.com/wippyai/isolate-runtime/vm"
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// fakeVM records what the bridge asks of it.
type fakeVM struct {
	mu          sync.Mutex
	callbacks   vm.Callbacks
	precompiled bool
	reject      error
	failNext    error
	next        vm.Handle
	natives     []*fakeNative
}

func (f *fakeVM) SetCallbacks(cb vm.Callbacks) { f.callbacks = cb }
func (f *fakeVM) Precompiled() bool            { return f.precompiled }

func (f *fakeVM) NewIsolate(_ context.Context, spec vm.IsolateSpec) (vm.Native, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return nil, f.reject
	}
	f.next++
	n := &fakeNative{vm: f, handle: f.next, spec: spec, entries: map[string]bool{}, loadErr: f.failNext}
	f.failNext = nil
	f.natives = append(f.natives, n)
	return n, nil
}

// spawn behaves like guest code in parent asking for a child isolate.
func (f *fakeVM) spawn(ctx context.Context, parent *fakeNative, entrypoint string) (vm.Native, error) {
	return f.callbacks.CreateGroup(ctx, vm.GroupRequest{
		AdvisoryURI:        parent.spec.AdvisoryURI,
		AdvisoryEntrypoint: entrypoint,
		Flags:              parent.spec.Flags,
		Parent:             parent.spec.GroupData,
	})
}

func (f *fakeVM) last() *fakeNative {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.natives[len(f.natives)-1]
}

type fakeNative struct {
	vm     *fakeVM
	handle vm.Handle
	spec   vm.IsolateSpec

	mu               sync.Mutex
	loads            [][][]byte
	precompiledLoads int
	loadErr          error
	entries          map[string]bool
	invoked          []string
	invokeErr        error
	onInvoke         func()
	notify           func()
	messages         []int64
	handled          []int64
	entered          int
	closed           bool
}

func (n *fakeNative) Handle() vm.Handle { return n.handle }
func (n *fakeNative) ServiceID() string { return fmt.Sprintf("%sfake-%d", vm.ServiceIDPrefix, n.handle) }

func (n *fakeNative) Enter() func() {
	n.mu.Lock()
	n.entered++
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		n.entered--
		n.mu.Unlock()
	}
}

func (n *fakeNative) inScope() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.entered > 0
}

func (n *fakeNative) LoadPrecompiled(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.precompiledLoads++
	return n.loadErr
}

func (n *fakeNative) LoadKernel(_ context.Context, pieces [][]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loads = append(n.loads, append([][]byte(nil), pieces...))
	return n.loadErr
}

func (n *fakeNative) allow(library, entrypoint string) {
	n.mu.Lock()
	n.entries[library+"/"+entrypoint] = true
	n.mu.Unlock()
}

func (n *fakeNative) Resolve(library, entrypoint string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.entries[library+"/"+entrypoint] {
		return errors.EntrypointUnresolved(library, entrypoint, nil)
	}
	return nil
}

func (n *fakeNative) Invoke(_ context.Context, library, entrypoint string, _ []string) error {
	n.mu.Lock()
	n.invoked = append(n.invoked, library+"/"+entrypoint)
	hook, err := n.onInvoke, n.invokeErr
	n.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (n *fakeNative) SetMessageNotifier(fn func()) {
	n.mu.Lock()
	n.notify = fn
	n.mu.Unlock()
}

func (n *fakeNative) Post(payload int64) error {
	n.mu.Lock()
	n.messages = append(n.messages, payload)
	notify := n.notify
	n.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

func (n *fakeNative) HandleMessage(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return nil
	}
	n.handled = append(n.handled, n.messages[0])
	n.messages = n.messages[1:]
	return nil
}

func (n *fakeNative) Shutdown(context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	exit := n.Enter()
	defer exit()
	n.vm.callbacks.ShutdownIsolate(n.spec.GroupData, n.spec.IsolateData)
	n.vm.callbacks.CleanupGroup(n.spec.GroupData)
	return nil
}

// inlineRunner runs every task immediately on the caller.
type inlineRunner struct{}

func (*inlineRunner) PostTask(task func())                     { task() }
func (*inlineRunner) PostTaskForTime(task func(), _ time.Time) { task() }
func (*inlineRunner) RunsTasksOnCurrentThread() bool           { return true }

func inlineRunners() taskrunner.Runners {
	r := &inlineRunner{}
	return taskrunner.Runners{Label: "test", Platform: r, UI: r, Raster: r, IO: r}
}

type fakeWindow struct {
	mu        sync.Mutex
	serviceID string
	closed    int
}

func (w *fakeWindow) DidCreateIsolate(id string) {
	w.mu.Lock()
	w.serviceID = id
	w.mu.Unlock()
}

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	w.closed++
	w.mu.Unlock()
	return nil
}

func testSnapshot(t *testing.T, name string) *snapshot.Snapshot {
	t.Helper()
	s, err := snapshot.New(name, wasmHeader, nil)
	if err != nil {
		t.Fatalf("snapshot.New failed: %v", err)
	}
	return s
}

func rootConfig(t *testing.T) RootConfig {
	return RootConfig{
		Settings:           DefaultSettings(),
		IsolateSnapshot:    testSnapshot(t, "isolate"),
		SharedSnapshot:     testSnapshot(t, "shared"),
		Runners:            inlineRunners(),
		AdvisoryURI:        "main.wasm",
		AdvisoryEntrypoint: "main",
	}
}

type rootFixture struct {
	vm     *fakeVM
	bridge *Bridge
	ref    WeakRef
	ctrl   *Controller
	native *fakeNative
}

func newRoot(t *testing.T, machine *fakeVM, cfg RootConfig) rootFixture {
	t.Helper()
	b := NewBridge(machine)
	ref, err := b.CreateRootIsolate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateRootIsolate failed: %v", err)
	}
	c, ok := ref.Get()
	if !ok {
		t.Fatal("weak reference should resolve after creation")
	}
	return rootFixture{vm: machine, bridge: b, ref: ref, ctrl: c, native: machine.last()}
}

// readyRoot returns a root isolate prepared from a single kernel piece.
func readyRoot(t *testing.T) rootFixture {
	t.Helper()
	f := newRoot(t, &fakeVM{}, rootConfig(t))
	if err := f.ctrl.PrepareForKernel(context.Background(), wasmHeader, true); err != nil {
		t.Fatalf("PrepareForKernel failed: %v", err)
	}
	return f
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) OnIsolateEvent(e Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) types() []EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EventType, len(o.events))
	for i, e := range o.events {
		out[i] = e.Type
	}
	return out
}

var errRejected = stderrors.New("out of isolates")
