package isolate

// WeakRef refers to a controller without keeping it alive. The zero value
// never resolves.
type WeakRef struct {
	assoc *association
}

// Get returns the controller while its group has not been cleaned up and
// it has not reached Shutdown. Once Get fails it fails for good.
//
// Only the goroutine that owns the isolate may use the returned controller.
func (w WeakRef) Get() (*Controller, bool) {
	if w.assoc == nil || !w.assoc.alive.Load() {
		return nil, false
	}
	c := w.assoc.ctrl
	if c.Phase() == PhaseShutdown {
		return nil, false
	}
	return c, true
}

// Valid reports whether the reference was ever bound to a controller.
func (w WeakRef) Valid() bool { return w.assoc != nil }
