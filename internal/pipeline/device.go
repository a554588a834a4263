// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package pipeline orders the stages of the raster pipeline on a compute
// executor.
//
// A [Device] owns the shared device state: block memory, the handle pool
// and the path staging extent. Work is submitted as launches joined by
// events. Alloc and reclaim launches are additionally chained on the pool
// timeline so that at most one of them mutates the block ring at a time.
// The host blocks only to read back the trace key count of a cohort, the
// key count of a composition, and at teardown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/handle"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/vrast/internal/parallel"
)

// Sentinel errors.
var (
	// ErrContextLost wraps the device failure that made a device unusable.
	ErrContextLost = errors.New("pipeline: context lost")

	// ErrOverloaded is returned when exhaustion persists after a forced
	// reclaim.
	ErrOverloaded = errors.New("pipeline: overloaded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline: device closed")
)

// slot is one cohort scratch set. Its raster id range starts at serial.
type slot struct {
	scratch *kernels.Scratch
	serial  uint32
}

// Device drives the pipeline on one executor. It is safe for concurrent
// use.
type Device struct {
	cfg      Config
	exec     compute.Executor
	sortPool *parallel.WorkerPool
	mem      *kernels.Memory
	handles  *handle.Pool

	mu        sync.Mutex
	staging   *kernels.Staging
	pending   []kernels.PendingPath
	poolTail  *compute.Event // last alloc or reclaim launch
	copied    *compute.Event // last path batch copied and retired
	copiedEnd uint64
	reclaims  []*compute.Event

	slots  chan *slot
	lost   atomic.Pointer[error]
	closed atomic.Bool
}

// Open creates a device on exec and initializes the block pool. The device
// owns exec from then on, also when Open fails.
func Open(ctx context.Context, cfg Config, exec compute.Executor) (*Device, error) {
	d, err := open(ctx, cfg, exec)
	if err != nil {
		_ = exec.Close()
		return nil, err
	}
	return d, nil
}

func open(ctx context.Context, cfg Config, exec compute.Executor) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mem, err := kernels.NewMemory(cfg.Layout, cfg.Handles)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	handles, err := handle.New(handle.Config{
		Handles:      cfg.Handles,
		ReclaimBatch: cfg.ReclaimBatch,
		LowWater:     cfg.ReclaimLowWater,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	staging, err := kernels.NewStaging(cfg.Layout, cfg.PathStagingBlocks)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	d := &Device{
		cfg:     cfg,
		exec:    exec,
		mem:     mem,
		handles: handles,
		staging: staging,
		slots:   make(chan *slot, cfg.CohortsInFlight),
	}
	if p, ok := exec.(interface{ Pool() *parallel.WorkerPool }); ok {
		d.sortPool = p.Pool()
	}
	for i := range cfg.CohortsInFlight {
		d.slots <- &slot{
			scratch: kernels.NewScratch(cfg.Layout, cfg.CohortRasters, cfg.CohortCommands, cfg.CohortKeys),
			serial:  i * cfg.CohortRasters,
		}
	}

	ids, err := exec.Submit(kernels.InitIDs(mem))
	if err != nil {
		return nil, fmt.Errorf("pipeline: init block pool: %w", err)
	}
	atomics, err := exec.Submit(kernels.InitAtomics(mem), ids)
	if err != nil {
		return nil, fmt.Errorf("pipeline: init block pool: %w", err)
	}
	if err := atomics.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: init block pool: %w", err)
	}
	d.poolTail = atomics
	d.copied = atomics

	slogger().Info("pipeline: device opened",
		"executor", exec.Name(),
		"blocks", cfg.Layout.Blocks,
		"handles", cfg.Handles,
		"cohorts", cfg.CohortsInFlight)
	return d, nil
}

// Config returns the device configuration.
func (d *Device) Config() Config { return d.cfg }

// Executor returns the executor the device runs on.
func (d *Device) Executor() compute.Executor { return d.exec }

// Memory returns the device memory. Readers must not race with launches
// that write the blocks they read.
func (d *Device) Memory() *kernels.Memory { return d.mem }

// Handles returns the handle pool.
func (d *Device) Handles() *handle.Pool { return d.handles }

// BlockOf returns the head block handle h is mapped to, or
// [block.Invalid].
func (d *Device) BlockOf(h uint32) uint32 { return d.mem.BlockOf(h) }

// Stats is a snapshot of device occupancy.
type Stats struct {
	Blocks      block.Stats
	Handles     handle.Stats
	StagingFree uint32
}

// Stats returns a snapshot of device occupancy.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	free := d.staging.Free()
	d.mu.Unlock()
	return Stats{Blocks: d.mem.Pool.Stats(), Handles: d.handles.Stats(), StagingFree: free}
}

// Err returns nil while the device is usable.
func (d *Device) Err() error {
	if p := d.lost.Load(); p != nil {
		return fmt.Errorf("%w: %w", ErrContextLost, *p)
	}
	if d.closed.Load() {
		return ErrClosed
	}
	return nil
}

// exhausted reports whether err fails one submission and leaves the device
// usable.
func exhausted(err error) bool {
	for _, target := range []error{
		block.ErrOutOfBlocks,
		handle.ErrHandlesExhausted,
		kernels.ErrScratchOverflow,
		kernels.ErrCompositionOverflow,
		ErrOverloaded,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// fault classifies err. Anything but exhaustion marks the device lost.
func (d *Device) fault(err error) error {
	if err == nil || exhausted(err) || errors.Is(err, ErrContextLost) || errors.Is(err, ErrClosed) {
		return err
	}
	if d.lost.CompareAndSwap(nil, &err) {
		slogger().Error("pipeline: context lost", "err", err)
	}
	return fmt.Errorf("%w: %w", ErrContextLost, err)
}

// Acquire acquires n handles of kind. An empty free stack forces a reclaim
// pass and one retry before reporting [ErrOverloaded].
func (d *Device) Acquire(ctx context.Context, kind handle.Kind, n int) ([]uint32, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	hs, err := d.handles.Acquire(kind, n)
	if err == nil {
		return hs, nil
	}
	if !errors.Is(err, handle.ErrHandlesExhausted) {
		return nil, err
	}
	slogger().Warn("pipeline: handles exhausted, forcing reclaim", "kind", kind.String(), "want", n)
	if err := d.Reclaim(true); err != nil {
		return nil, err
	}
	if err := d.WaitReclaim(ctx); err != nil {
		return nil, err
	}
	hs, err = d.handles.Acquire(kind, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOverloaded, err)
	}
	return hs, nil
}

// releaseDevice drops the device count of hs, logging misuse.
func (d *Device) releaseDevice(hs ...uint32) {
	if err := d.handles.ReleaseDevice(hs...); err != nil {
		slogger().Warn("pipeline: release device count", "err", err)
	}
}

func (d *Device) releaseHost(hs ...uint32) {
	if err := d.handles.ReleaseHost(hs...); err != nil {
		slogger().Warn("pipeline: release host count", "err", err)
	}
}

// Drain waits for every submitted launch to complete.
func (d *Device) Drain(ctx context.Context) error {
	var held []*slot
	defer func() {
		for _, s := range held {
			d.slots <- s
		}
	}()
	for range d.cfg.CohortsInFlight {
		select {
		case s := <-d.slots:
			held = append(held, s)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	tail, copied := d.poolTail, d.copied
	d.mu.Unlock()
	if err := compute.WaitAll(ctx, tail, copied); err != nil {
		return d.fault(err)
	}
	return d.WaitReclaim(ctx)
}

// Close flushes pending paths, waits for all work and closes the executor.
func (d *Device) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	err := d.flushPathsLocked()
	d.mu.Unlock()
	if derr := d.Drain(ctx); err == nil {
		err = derr
	}
	if cerr := d.exec.Close(); err == nil {
		err = cerr
	}
	slogger().Info("pipeline: device closed", "executor", d.exec.Name())
	return err
}
