package vm

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/wippyai/isolate-runtime/internal/wasmtest"
)

// syncBuffer collects guest output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestVM(t *testing.T, precompiled bool) (*WazeroVM, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	v, err := New(context.Background(), Config{Precompiled: precompiled, Stdout: out, Stats: NewStats()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = v.Close(context.Background()) })
	return v, out
}

// printer builds a module named name exporting entry, which prints text.
func printer(name, entry, text string) []byte {
	m := wasmtest.New(name)
	write := m.ImportFdWrite()
	m.Func(entry, nil, nil, m.Print(write, text))
	return m.Bytes()
}

type callRecord struct {
	mu        sync.Mutex
	requests  []GroupRequest
	shutdowns []any
	cleanups  []any
	order     []string
}

func (r *callRecord) add(event string) {
	r.mu.Lock()
	r.order = append(r.order, event)
	r.mu.Unlock()
}

func (r *callRecord) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// fakeCallbacks creates children from a fixed kernel.
type fakeCallbacks struct {
	vm     *WazeroVM
	kernel []byte
	rec    callRecord
}

func (f *fakeCallbacks) CreateGroup(ctx context.Context, req GroupRequest) (Native, error) {
	f.rec.mu.Lock()
	f.rec.requests = append(f.rec.requests, req)
	f.rec.mu.Unlock()
	f.rec.add("create:" + req.AdvisoryEntrypoint)

	n, err := f.vm.NewIsolate(ctx, IsolateSpec{
		AdvisoryURI:        req.AdvisoryURI,
		AdvisoryEntrypoint: req.AdvisoryEntrypoint,
		Flags:              req.Flags,
		GroupData:          "child:" + req.AdvisoryEntrypoint,
	})
	if err != nil {
		return nil, err
	}
	if err := n.LoadKernel(ctx, [][]byte{f.kernel}); err != nil {
		_ = n.Shutdown(ctx)
		return nil, err
	}
	return n, nil
}

func (f *fakeCallbacks) CreateServiceIsolate(ctx context.Context, flags Flags) (Native, error) {
	f.rec.add("service")
	return f.vm.NewIsolate(ctx, IsolateSpec{AdvisoryURI: ServiceIsolateURI, Flags: flags, GroupData: "service"})
}

func (f *fakeCallbacks) ShutdownIsolate(group, _ any) {
	f.rec.mu.Lock()
	f.rec.shutdowns = append(f.rec.shutdowns, group)
	f.rec.mu.Unlock()
	f.rec.add("shutdown")
}

func (f *fakeCallbacks) CleanupGroup(group any) {
	f.rec.mu.Lock()
	f.rec.cleanups = append(f.rec.cleanups, group)
	f.rec.mu.Unlock()
	f.rec.add("cleanup")
}

// caller builds a module named name whose main calls the imported
// module.fn, a function taking and returning results.
func caller(name, module, fn string, results []wasmtest.ValType) []byte {
	m := wasmtest.New(name)
	imported := m.Import(module, fn, nil, results)
	body := [][]byte{wasmtest.Call(imported)}
	for range results {
		body = append(body, wasmtest.Drop())
	}
	m.Func("main", nil, nil, body...)
	return m.Bytes()
}
