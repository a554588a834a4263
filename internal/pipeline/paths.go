// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"errors"

	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/kernels"
)

// StagePath writes prims to the staging extent as the path of handle h.
// The device count of h is held until the path has left staging. A full
// extent flushes the pending paths and waits for them to be copied.
func (d *Device) StagePath(ctx context.Context, h uint32, prims []kernels.Prim) error {
	if err := d.Err(); err != nil {
		return err
	}
	if err := d.handles.RetainDevice(h); err != nil {
		return err
	}
	for {
		d.mu.Lock()
		p, err := d.staging.Write(h, prims)
		if err == nil {
			d.pending = append(d.pending, p)
			d.mu.Unlock()
			return nil
		}
		if !errors.Is(err, kernels.ErrStagingFull) {
			d.mu.Unlock()
			d.releaseDevice(h)
			return err
		}
		err = d.flushPathsLocked()
		copied := d.copied
		d.mu.Unlock()
		if err != nil {
			d.releaseDevice(h)
			return err
		}
		slogger().Debug("pipeline: path staging full, waiting for copy", "path", h)
		if err := copied.Wait(ctx); err != nil {
			d.releaseDevice(h)
			return d.fault(err)
		}
	}
}

// FlushPaths dispatches paths-alloc and paths-copy for every staged path
// and returns the event that completes once they are resident.
func (d *Device) FlushPaths() (*compute.Event, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.flushPathsLocked(); err != nil {
		return nil, err
	}
	return d.copied, nil
}

// flushPathsLocked submits the pending paths. Alloc and copy join the pool
// timeline; the completion task joins the copy timeline, so a batch
// completes only after every earlier batch.
func (d *Device) flushPathsLocked() error {
	if len(d.pending) == 0 {
		return nil
	}
	b := kernels.NewPathBatch(d.pending)
	d.pending = nil

	alloc, err := d.exec.Submit(kernels.PathsAlloc(d.mem, b), d.poolTail)
	if err != nil {
		return d.fault(err)
	}
	cp, err := d.exec.Submit(kernels.PathsCopy(d.mem, d.staging, b), alloc)
	if err != nil {
		return d.fault(err)
	}
	d.poolTail = cp

	end := b.End()
	d.copied = d.exec.Task("paths-copied", func(ctx context.Context) error {
		return d.finishPaths(ctx, b, end)
	}, cp, d.copied)
	d.copiedEnd = end

	slogger().Debug("pipeline: paths flushed", "paths", len(b.Paths), "blocks", len(b.Table))
	return nil
}

// finishPaths retries the paths the pool could not hold once after a
// forced reclaim, then retires the batch from staging and drops the device
// counts StagePath took.
func (d *Device) finishPaths(ctx context.Context, b *kernels.PathBatch, end uint64) error {
	if failed := b.FailedPaths(); len(failed) > 0 {
		slogger().Warn("pipeline: out of blocks for paths, forcing reclaim", "paths", len(failed))
		if err := d.Reclaim(true); err != nil {
			return err
		}
		if err := d.WaitReclaim(ctx); err != nil {
			return err
		}
		retry := kernels.NewPathBatch(failed)
		d.mu.Lock()
		alloc, err := d.exec.Submit(kernels.PathsAlloc(d.mem, retry), d.poolTail)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		cp, err := d.exec.Submit(kernels.PathsCopy(d.mem, d.staging, retry), alloc)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		d.poolTail = cp
		d.mu.Unlock()
		if err := cp.Wait(ctx); err != nil {
			return err
		}
		for _, p := range retry.FailedPaths() {
			slogger().Warn("pipeline: path not allocated", "path", p.Handle, "blocks", p.Plan.Blocks())
		}
	}

	d.mu.Lock()
	d.staging.Retire(end)
	d.mu.Unlock()
	for _, p := range b.Paths {
		d.releaseDevice(p.Handle)
	}
	return nil
}
