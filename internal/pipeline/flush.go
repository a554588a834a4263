// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/cohort"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/handle"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/vrast/internal/keysort"
)

// CohortFlush tracks one flushed cohort.
type CohortFlush struct {
	// Rasters holds the raster handle of every record, in record order.
	Rasters []uint32

	d     *Device
	done  *compute.Event
	stats cohort.Stats
}

// Done returns the event that completes when the rasters are built.
func (f *CohortFlush) Done() *compute.Event { return f.done }

// Wait blocks until the rasters are built. On failure every raster's host
// count has been released and Rasters must not be used.
func (f *CohortFlush) Wait(ctx context.Context) error {
	err := f.done.Wait(ctx)
	if err != nil && f.d != nil {
		return f.d.fault(err)
	}
	return err
}

// Stats returns the key counts of the flush. It is valid after Wait
// returned nil.
func (f *CohortFlush) Stats() cohort.Stats { return f.stats }

// FlushCohort retires c and dispatches its stages. The path of every record
// must carry a device count taken at submission; it is dropped when the
// flush completes. The rasters start with a host count of one.
//
// The call blocks only while acquiring raster handles and a scratch set.
// Canceling ctx afterwards does not stop the flush.
func (d *Device) FlushCohort(ctx context.Context, c *cohort.Cohort) (*CohortFlush, error) {
	if err := c.Retire(); err != nil {
		return nil, err
	}
	recs := c.Records()
	paths := make([]uint32, len(recs))
	for i, r := range recs {
		paths[i] = r.Path
	}
	if len(recs) == 0 {
		return &CohortFlush{done: compute.Completed("cohort")}, nil
	}
	if err := d.Err(); err != nil {
		d.releaseDevice(paths...)
		return nil, err
	}

	rasters, err := d.Acquire(ctx, handle.KindRaster, len(recs))
	if err != nil {
		d.releaseDevice(paths...)
		return nil, err
	}
	abort := func(err error) (*CohortFlush, error) {
		d.releaseDevice(paths...)
		d.releaseHost(rasters...)
		return nil, err
	}
	var sl *slot
	select {
	case sl = <-d.slots:
	case <-ctx.Done():
		return abort(ctx.Err())
	}
	s := sl.scratch
	if err := s.Reset(c, rasters, sl.serial); err != nil {
		d.slots <- sl
		return abort(err)
	}
	if err := d.handles.RetainDevice(rasters...); err != nil {
		d.slots <- sl
		return abort(err)
	}

	d.mu.Lock()
	err = d.flushPathsLocked()
	copied := d.copied
	d.mu.Unlock()

	dispatched := func() ([]*compute.Event, error) {
		if err != nil {
			return nil, err
		}
		expand, err := d.exec.Submit(kernels.FillsExpand(d.mem, s), copied)
		if err != nil {
			return nil, d.fault(err)
		}
		var events []*compute.Event
		for _, l := range kernels.Rasterize(d.mem, s, c.KindCounts(), d.cfg.SplitRasterize) {
			ev, err := d.exec.Submit(l, expand)
			if err != nil {
				return nil, d.fault(err)
			}
			events = append(events, ev)
		}
		return events, nil
	}
	rasterize, err := dispatched()
	if err != nil {
		d.releaseDevice(rasters...)
		d.slots <- sl
		return abort(err)
	}

	slogger().Debug("pipeline: cohort flushed",
		"records", len(recs),
		"commands", c.Commands(),
		"serial", sl.serial)

	f := &CohortFlush{Rasters: rasters, d: d}
	f.done = d.exec.Task("cohort", func(ctx context.Context) error {
		err := d.buildRasters(ctx, s, rasterize)
		if err == nil {
			f.stats = cohort.Stats{
				Records:    len(recs),
				Commands:   c.Commands(),
				TraceKeys:  s.Emitted(),
				Consumed:   s.Consumed(),
				RasterKeys: s.Written(),
			}
		}
		d.releaseDevice(paths...)
		d.releaseDevice(rasters...)
		if err != nil {
			d.releaseHost(rasters...)
		}
		d.slots <- sl
		if rerr := d.Reclaim(false); err == nil {
			err = rerr
		}
		return err
	})
	return f, nil
}

// buildRasters runs on the host timeline after the rasterize launches: it
// reads back the trace key count, sorts the keys and runs segment-ttrk,
// rasters-alloc and prefix.
func (d *Device) buildRasters(ctx context.Context, s *kernels.Scratch, rasterize []*compute.Event) error {
	if err := compute.WaitAll(ctx, rasterize...); err != nil {
		return err
	}
	s.Sorted = s.KeyCount()
	keysort.Sort(d.sortPool, s.SortedKeys(), s.Sort)
	slogger().Debug("pipeline: trace keys sorted", "keys", s.Sorted)

	seg, err := d.exec.Submit(kernels.SegmentTTRK(s))
	if err != nil {
		return err
	}
	if err := d.allocRasters(ctx, s, seg); err != nil {
		return err
	}
	if n := s.RetryOutOfBlocks(); n > 0 {
		slogger().Warn("pipeline: out of blocks for rasters, forcing reclaim", "rasters", n)
		if err := d.Reclaim(true); err != nil {
			return err
		}
		if err := d.WaitReclaim(ctx); err != nil {
			return err
		}
		if err := d.allocRasters(ctx, s, nil); err != nil {
			return err
		}
	}
	if err := s.AllocErr(); err != nil {
		if errors.Is(err, block.ErrOutOfBlocks) {
			return fmt.Errorf("%w: rasters-alloc: %w", ErrOverloaded, err)
		}
		return fmt.Errorf("pipeline: rasters-alloc: %w", err)
	}
	return nil
}

// allocRasters runs rasters-alloc and prefix for the records still waiting
// for blocks, after dep.
func (d *Device) allocRasters(ctx context.Context, s *kernels.Scratch, dep *compute.Event) error {
	d.mu.Lock()
	alloc, err := d.exec.Submit(kernels.RastersAlloc(d.mem, s), dep, d.poolTail)
	if err == nil {
		d.poolTail = alloc
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	prefix, err := d.exec.Submit(kernels.Prefix(d.mem, s), alloc)
	if err != nil {
		return err
	}
	if err := prefix.Wait(ctx); err != nil {
		return err
	}
	s.Commit()
	return nil
}
