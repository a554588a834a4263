// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/vrast/internal/parallel"
)

// defaultGrain is the chunk size for stages that let the device choose the
// work-group size.
const defaultGrain = 64

// CPUExecutor runs kernels on a worker pool. Each launch waits for its
// dependencies on its own goroutine, so independent launches overlap.
type CPUExecutor struct {
	pool *parallel.WorkerPool

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewCPUExecutor creates an executor with its own worker pool. workers <= 0
// uses GOMAXPROCS.
func NewCPUExecutor(workers int) *CPUExecutor {
	return &CPUExecutor{pool: parallel.NewWorkerPool(workers)}
}

// Name implements [Executor].
func (e *CPUExecutor) Name() string { return "cpu" }

// Pool returns the worker pool kernels run on.
func (e *CPUExecutor) Pool() *parallel.WorkerPool { return e.pool }

// Submit implements [Executor].
func (e *CPUExecutor) Submit(l Launch, deps ...*Event) (*Event, error) {
	if err := validate(l); err != nil {
		return nil, err
	}
	if l.Kernel == nil {
		return nil, fmt.Errorf("compute: %s has no host kernel", l.Stage)
	}
	return e.schedule(l.Stage.String(), deps, func(context.Context) error {
		return e.Run(l)
	})
}

// Task implements [Executor].
func (e *CPUExecutor) Task(label string, fn func(context.Context) error, deps ...*Event) *Event {
	ev, err := e.schedule(label, deps, fn)
	if err != nil {
		return Failed(label, err)
	}
	return ev
}

func (e *CPUExecutor) schedule(label string, deps []*Event, fn func(context.Context) error) (*Event, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	ev := newEvent(label)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, d := range deps {
			if d == nil {
				continue
			}
			<-d.Done()
			if err := d.Err(); err != nil {
				ev.finish(fmt.Errorf("%w: %s: %w", ErrDependency, d.Label(), err))
				return
			}
		}
		ev.finish(protect(label, func() error { return fn(context.Background()) }))
	}()
	return ev, nil
}

// Run executes l on the calling goroutine and the worker pool, then runs
// its check.
func (e *CPUExecutor) Run(l Launch) error {
	n := int(l.Shape.Global)
	grain := int(l.Shape.Local)
	if grain == 0 {
		grain = defaultGrain
	}

	slogger().Debug("compute: dispatched stage",
		"executor", "cpu",
		"stage", l.Stage.String(),
		"global", l.Shape.Global,
		"local", l.Shape.Local)

	var failure atomic.Pointer[error]
	e.pool.Range(n, grain, func(lo, hi int) {
		err := protect(l.Stage.String(), func() error {
			for gid := lo; gid < hi; gid++ {
				l.Kernel(uint32(gid))
			}
			return nil
		})
		if err != nil {
			failure.CompareAndSwap(nil, &err)
		}
	})
	if p := failure.Load(); p != nil {
		return *p
	}
	if l.Check != nil {
		return l.Check()
	}
	return nil
}

// protect converts a panic in fn into an error.
func protect(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrKernelPanic, label, r)
		}
	}()
	return fn()
}

// Close waits for every queued launch and stops the worker pool.
func (e *CPUExecutor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.wg.Wait()
	e.pool.Close()
	return nil
}
