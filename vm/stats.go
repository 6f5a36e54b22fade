package vm

import "sync/atomic"

// Stats counts VM launches and isolates for diagnostics. One Stats value is
// shared by every VM of a process; tests inject their own.
type Stats struct {
	launches        atomic.Int64
	runningVMs      atomic.Int64
	isolatesCreated atomic.Int64
	liveIsolates    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Launches        int64
	RunningVMs      int64
	IsolatesCreated int64
	LiveIsolates    int64
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) Started() {
	s.launches.Add(1)
	s.runningVMs.Add(1)
}

func (s *Stats) Stopped() { s.runningVMs.Add(-1) }

func (s *Stats) IsolateCreated() {
	s.isolatesCreated.Add(1)
	s.liveIsolates.Add(1)
}

func (s *Stats) IsolateShutdown() { s.liveIsolates.Add(-1) }

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Launches:        s.launches.Load(),
		RunningVMs:      s.runningVMs.Load(),
		IsolatesCreated: s.isolatesCreated.Load(),
		LiveIsolates:    s.liveIsolates.Load(),
	}
}
