// Package taskrunner defines the task runner capability consumed by isolate
// controllers and provides a sequenced reference implementation.
//
// Tasks posted to one runner never run concurrently and run in posting order
// (delayed tasks in deadline order once due). A runner is a logical thread:
// RunsTasksOnCurrentThread reports whether the caller is executing on it.
package taskrunner

import (
	"context"
	"time"
)

// TaskRunner executes queued work on a designated logical thread.
type TaskRunner interface {
	PostTask(task func())
	PostTaskForTime(task func(), at time.Time)
	RunsTasksOnCurrentThread() bool
}

// Runners is the set of task runners a root isolate is bound to.
type Runners struct {
	Label    string
	Platform TaskRunner
	UI       TaskRunner
	Raster   TaskRunner
	IO       TaskRunner
}

// Valid reports whether every runner is present.
func (r Runners) Valid() bool {
	return r.Platform != nil && r.UI != nil && r.Raster != nil && r.IO != nil
}

// RunSync posts fn to r and blocks until it has run or ctx is done.
// When the caller is already on r, fn runs inline.
func RunSync(ctx context.Context, r TaskRunner, fn func()) error {
	if r.RunsTasksOnCurrentThread() {
		fn()
		return nil
	}
	done := make(chan struct{})
	r.PostTask(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
