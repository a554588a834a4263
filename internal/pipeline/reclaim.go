// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"slices"

	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/handle"
	"github.com/gogpu/vrast/internal/kernels"
)

// Reclaim dispatches a reclaim launch for every full batch of
// zero-liveness handles. With force, or when the free stack is at its low
// water mark, partial batches are dispatched too.
func (d *Device) Reclaim(force bool) error {
	if d.handles.Low() {
		force = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kind := range []handle.Kind{handle.KindPath, handle.KindRaster} {
		for {
			b, ok := d.handles.TakeBatch(kind, force)
			if !ok {
				break
			}
			if err := d.reclaimLocked(b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Device) reclaimLocked(b handle.Batch) error {
	l := kernels.RastersReclaim(d.mem, b.Handles)
	if b.Kind == handle.KindPath {
		l = kernels.PathsReclaim(d.mem, b.Handles)
	}
	ev, err := d.exec.Submit(l, d.poolTail)
	if err != nil {
		return d.fault(err)
	}
	d.poolTail = ev

	done := d.exec.Task(l.Stage.String()+"-complete", func(context.Context) error {
		if err := d.handles.Complete(b); err != nil {
			return err
		}
		slogger().Debug("pipeline: reclaimed handles", "kind", b.Kind.String(), "handles", len(b.Handles))
		return nil
	}, ev)
	d.reclaims = append(d.reclaims, done)
	return nil
}

// WaitReclaim waits for every reclaim dispatched so far.
func (d *Device) WaitReclaim(ctx context.Context) error {
	d.mu.Lock()
	events := slices.Clone(d.reclaims)
	d.mu.Unlock()

	err := compute.WaitAll(ctx, events...)

	d.mu.Lock()
	d.reclaims = slices.DeleteFunc(d.reclaims, func(e *compute.Event) bool {
		select {
		case <-e.Done():
			if rerr := e.Err(); rerr != nil && err == nil {
				err = rerr
			}
			return true
		default:
			return false
		}
	})
	d.mu.Unlock()
	return d.fault(err)
}
