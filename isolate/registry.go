package isolate

import (
	"sync"
	"sync/atomic"

	"github.com/wippyai/isolate-runtime/vm"
)

// association is the per-group data handed to the VM. It carries the
// registry's strong reference to a controller.
type association struct {
	ctrl   *Controller
	native vm.Native
	handle vm.Handle
	alive  atomic.Bool
}

func newAssociation(c *Controller) *association {
	a := &association{ctrl: c}
	a.alive.Store(true)
	return a
}

// EventType identifies a registry lifecycle notification.
type EventType uint8

const (
	EventRegistered EventType = iota
	EventShutdown
	EventReleased
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventShutdown:
		return "shutdown"
	case EventReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Event describes a change to a registered isolate.
type Event struct {
	Type      EventType
	Handle    vm.Handle
	ServiceID string
	Root      bool
}

// Observer receives registry events. Events may arrive on any goroutine.
type Observer interface {
	OnIsolateEvent(Event)
}

// Registry holds the strong reference to every live controller, keyed by
// native isolate handle.
type Registry struct {
	mu        sync.Mutex
	entries   map[vm.Handle]*association
	observers []Observer
	obsMu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[vm.Handle]*association)}
}

func (r *Registry) register(a *association) bool {
	r.mu.Lock()
	if _, dup := r.entries[a.handle]; dup {
		r.mu.Unlock()
		return false
	}
	r.entries[a.handle] = a
	r.mu.Unlock()

	r.notify(EventRegistered, a)
	return true
}

func (r *Registry) lookup(h vm.Handle) (*association, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.entries[h]
	return a, ok
}

// release drops the strong reference held for a and clears its alive flag.
// It reports false if a is not registered.
func (r *Registry) release(a *association) bool {
	r.mu.Lock()
	if cur, ok := r.entries[a.handle]; !ok || cur != a {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, a.handle)
	a.alive.Store(false)
	r.mu.Unlock()

	r.notify(EventReleased, a)
	return true
}

// Get returns a weak reference to the controller of h.
func (r *Registry) Get(h vm.Handle) (WeakRef, bool) {
	a, ok := r.lookup(h)
	if !ok {
		return WeakRef{}, false
	}
	return WeakRef{assoc: a}, true
}

// Len returns the number of registered controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Subscribe adds an observer for lifecycle events.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// Unsubscribe removes an observer.
func (r *Registry) Unsubscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	for i, obs := range r.observers {
		if obs == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

func (r *Registry) notify(t EventType, a *association) {
	e := Event{Type: t, Handle: a.handle, Root: a.ctrl.IsRoot()}
	if a.native != nil {
		e.ServiceID = a.native.ServiceID()
	}
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.OnIsolateEvent(e)
	}
}
