package taskrunner

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/isolate-runtime/internal/goid"
)

type timer struct {
	when time.Time
	task func()
	seq  uint64
}

// timerHeap orders timers by deadline, then by posting order.
type timerHeap []timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Serial is a TaskRunner backed by a single goroutine.
type Serial struct {
	label  string
	queue  []func()
	timers timerHeap
	seq    uint64
	closed bool
	mu     sync.Mutex

	wake chan struct{}
	done chan struct{}
	gid  atomic.Uint64
}

// NewSerial starts a runner goroutine labelled label.
func NewSerial(label string) *Serial {
	s := &Serial{
		label: label,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	started := make(chan struct{})
	go s.loop(started)
	<-started
	return s
}

// Label returns the runner's label.
func (s *Serial) Label() string { return s.label }

// PostTask queues task for execution after previously posted tasks.
func (s *Serial) PostTask(task func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		Logger().Debug("task dropped, runner closed", zap.String("runner", s.label))
		return
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()
	s.signal()
}

// PostTaskForTime queues task to run no earlier than at.
func (s *Serial) PostTaskForTime(task func(), at time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		Logger().Debug("delayed task dropped, runner closed", zap.String("runner", s.label))
		return
	}
	s.seq++
	heap.Push(&s.timers, timer{when: at, task: task, seq: s.seq})
	s.mu.Unlock()
	s.signal()
}

// PostDelayedTask queues task to run after delay.
func (s *Serial) PostDelayedTask(task func(), delay time.Duration) {
	s.PostTaskForTime(task, time.Now().Add(delay))
}

// RunsTasksOnCurrentThread reports whether the caller is the runner goroutine.
func (s *Serial) RunsTasksOnCurrentThread() bool {
	return s.gid.Load() == goid.Current()
}

// Close stops accepting tasks, runs tasks that are already queued or due,
// and waits for the runner goroutine to exit. Pending delayed tasks that are
// not yet due are discarded. Close called from a task does not wait.
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()

	if s.RunsTasksOnCurrentThread() {
		return
	}
	<-s.done
}

func (s *Serial) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Serial) loop(started chan<- struct{}) {
	defer close(s.done)
	s.gid.Store(goid.Current())
	close(started)

	var wait *time.Timer
	for {
		s.mu.Lock()
		now := time.Now()
		ready := s.queue
		s.queue = nil
		for s.timers.Len() > 0 && !s.timers[0].when.After(now) {
			ready = append(ready, heap.Pop(&s.timers).(timer).task)
		}
		closed := s.closed
		var next time.Time
		if s.timers.Len() > 0 {
			next = s.timers[0].when
		}
		s.mu.Unlock()

		for _, task := range ready {
			s.run(task)
		}
		if len(ready) > 0 {
			continue
		}
		if closed {
			return
		}

		if next.IsZero() {
			<-s.wake
			continue
		}
		if wait == nil {
			wait = time.NewTimer(time.Until(next))
		} else {
			wait.Reset(time.Until(next))
		}
		select {
		case <-s.wake:
			if !wait.Stop() {
				select {
				case <-wait.C:
				default:
				}
			}
		case <-wait.C:
		}
	}
}

func (s *Serial) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("task panicked", zap.String("runner", s.label), zap.Any("panic", r))
		}
	}()
	task()
}
