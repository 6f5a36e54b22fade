package vm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/isolate-runtime/errors"
)

// Config holds configuration for WazeroVM creation
type Config struct {
	// Precompiled selects ahead-of-time mode: root libraries come from the
	// snapshot instructions mapping and kernel loading is refused.
	Precompiled bool

	// MemoryLimitPages caps each isolate's memory in 64KB pages; 0 means the
	// wazero default. Flags.MemoryLimitPages overrides it per isolate.
	MemoryLimitPages uint32

	// CacheDir, when set, persists compiled code across VM launches.
	CacheDir string

	// Stats receives launch and isolate counts. nil allocates private counters.
	Stats *Stats

	Stdout io.Writer
	Stderr io.Writer
}

// WazeroVM implements VM on top of wazero.
type WazeroVM struct {
	cfg        Config
	cache      wazero.CompilationCache
	stats      *Stats
	callbacks  Callbacks
	natives    map[Handle]*wazeroNative
	children   conc.WaitGroup
	nextHandle atomic.Uint64
	closed     atomic.Bool
	mu         sync.RWMutex
}

var _ VM = (*WazeroVM)(nil)

// New starts a VM.
func New(ctx context.Context, cfg Config) (*WazeroVM, error) {
	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseVM, errors.KindInvalidInput, err, "open compilation cache")
		}
		cache = c
	} else {
		cache = wazero.NewCompilationCache()
	}

	stats := cfg.Stats
	if stats == nil {
		stats = NewStats()
	}
	stats.Started()

	Logger().Debug("vm started",
		zap.Bool("precompiled", cfg.Precompiled),
		zap.Uint32("memory_limit_pages", cfg.MemoryLimitPages))

	return &WazeroVM{
		cfg:     cfg,
		cache:   cache,
		stats:   stats,
		natives: make(map[Handle]*wazeroNative),
	}, nil
}

// SetCallbacks installs the embedder callbacks.
func (v *WazeroVM) SetCallbacks(cb Callbacks) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.callbacks = cb
}

func (v *WazeroVM) getCallbacks() Callbacks {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.callbacks
}

// Precompiled reports whether the VM is in ahead-of-time mode.
func (v *WazeroVM) Precompiled() bool { return v.cfg.Precompiled }

// Stats returns the VM's counters.
func (v *WazeroVM) Stats() *Stats { return v.stats }

// NewIsolate allocates a native isolate. The shared and data mappings are
// instantiated immediately as base libraries; a mapping the runtime cannot
// compile rejects the creation.
func (v *WazeroVM) NewIsolate(ctx context.Context, spec IsolateSpec) (Native, error) {
	if v.closed.Load() {
		return nil, errors.Closed(errors.PhaseVM, "vm")
	}

	rcfg := wazero.NewRuntimeConfig().WithCompilationCache(v.cache)
	pages := v.cfg.MemoryLimitPages
	if spec.Flags.MemoryLimitPages > 0 {
		pages = spec.Flags.MemoryLimitPages
	}
	if pages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(pages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rcfg)

	n := newWazeroNative(v, rt, v.nextHandle.Add(1), spec)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, errors.CreationRejected("instantiate wasi", err)
	}
	if err := n.instantiateHostModule(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, errors.CreationRejected("instantiate host module", err)
	}
	for _, base := range []struct {
		name string
		bin  []byte
	}{
		{"shared", spec.SharedData},
		{"core", spec.Data},
	} {
		if len(base.bin) == 0 {
			continue
		}
		if err := n.instantiateBase(ctx, base.name, base.bin); err != nil {
			_ = rt.Close(ctx)
			return nil, errors.CreationRejected("load "+base.name+" snapshot", err)
		}
	}

	v.mu.Lock()
	v.natives[n.handle] = n
	v.mu.Unlock()
	v.stats.IsolateCreated()

	Logger().Debug("isolate allocated",
		zap.Stringer("handle", n.handle),
		zap.String("service_id", n.serviceID),
		zap.String("uri", spec.AdvisoryURI))

	return n, nil
}

// Spawn starts a child of parent at entrypoint, as if the parent's guest
// code had called isolate.spawn.
func (v *WazeroVM) Spawn(parent Handle, entrypoint string) error {
	v.mu.RLock()
	n, ok := v.natives[parent]
	v.mu.RUnlock()
	if !ok {
		return errors.NotFound(errors.PhaseVM, fmt.Sprintf("isolate %s", parent))
	}
	return n.spawn(entrypoint)
}

// StartServiceIsolate asks the embedder for the diagnostic isolate.
func (v *WazeroVM) StartServiceIsolate(ctx context.Context) (Native, error) {
	cb := v.getCallbacks()
	if cb == nil {
		return nil, errors.NotFound(errors.PhaseVM, "embedder callbacks")
	}
	return cb.CreateServiceIsolate(ctx, Flags{IsSystemIsolate: true})
}

// Wait blocks until every spawned child isolate has finished.
func (v *WazeroVM) Wait() {
	if r := v.children.WaitAndRecover(); r != nil {
		Logger().Error("child isolate panicked", zap.String("panic", r.String()))
	}
}

// Close waits for spawned children, shuts down the remaining isolates and
// releases the compilation cache.
func (v *WazeroVM) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed.Load() {
		v.mu.Unlock()
		return nil
	}
	v.closed.Store(true)
	v.mu.Unlock()
	v.Wait()

	v.mu.RLock()
	remaining := make([]*wazeroNative, 0, len(v.natives))
	for _, n := range v.natives {
		remaining = append(remaining, n)
	}
	v.mu.RUnlock()

	for _, n := range remaining {
		if err := n.Shutdown(ctx); err != nil {
			Logger().Warn("isolate shutdown failed", zap.Stringer("handle", n.handle), zap.Error(err))
		}
	}

	err := v.cache.Close(ctx)
	v.stats.Stopped()
	Logger().Debug("vm stopped")
	return err
}

// goChild runs fn on a VM goroutine tracked by Wait.
func (v *WazeroVM) goChild(fn func()) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed.Load() {
		return errors.Closed(errors.PhaseVM, "vm")
	}
	v.children.Go(fn)
	return nil
}

func (v *WazeroVM) forget(h Handle) {
	v.mu.Lock()
	delete(v.natives, h)
	v.mu.Unlock()
}
