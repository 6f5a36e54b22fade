package vm

import (
	"sync"
	"sync/atomic"

	"github.com/wippyai/isolate-runtime/internal/goid"
)

// scope is a mutex that the holding goroutine may re-acquire.
type scope struct {
	mu    sync.Mutex
	owner atomic.Uint64
	depth int
}

func (s *scope) enter() func() {
	id := goid.Current()
	if s.owner.Load() != id {
		s.mu.Lock()
		s.owner.Store(id)
	}
	s.depth++
	return sync.OnceFunc(s.leave)
}

func (s *scope) leave() {
	s.depth--
	if s.depth == 0 {
		s.owner.Store(0)
		s.mu.Unlock()
	}
}

func (s *scope) held() bool {
	return s.owner.Load() == goid.Current()
}
