// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/vrast/internal/keysort"
)

// Seal runs place, the composition key sort and segment-ttck after deps,
// and returns the number of sorted keys. It blocks for the key count
// readback.
func (d *Device) Seal(ctx context.Context, c *kernels.Composition, placements []kernels.Placement, deps ...*compute.Event) (uint32, error) {
	if err := d.Err(); err != nil {
		return 0, err
	}
	c.Reset()
	place, err := d.exec.Submit(kernels.Place(d.mem, c, placements), deps...)
	if err != nil {
		return 0, d.fault(err)
	}
	if err := place.Wait(ctx); err != nil {
		return 0, d.fault(err)
	}

	n := c.Count()
	keysort.Sort(d.sortPool, c.SortedKeys(n), c.Sort)
	seg, err := d.exec.Submit(kernels.SegmentTTCK(c, n))
	if err != nil {
		return 0, d.fault(err)
	}
	if err := seg.Wait(ctx); err != nil {
		return 0, d.fault(err)
	}
	slogger().Debug("pipeline: composition sealed",
		"placements", len(placements),
		"keys", n,
		"tiles", c.Width*c.Height)
	return n, nil
}

// Render renders the n sealed keys of c into dst and waits for it.
func (d *Device) Render(ctx context.Context, c *kernels.Composition, n uint32, style *kernels.Style, dst *image.RGBA) error {
	if err := d.Err(); err != nil {
		return err
	}
	if dst == nil {
		return fmt.Errorf("pipeline: render: nil target")
	}
	ev, err := d.exec.Submit(kernels.Render(d.mem, c, n, style, dst))
	if err != nil {
		return d.fault(err)
	}
	return d.fault(ev.Wait(ctx))
}
