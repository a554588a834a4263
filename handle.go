// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"fmt"

	"github.com/gogpu/vrast/internal/cohort"
	"github.com/gogpu/vrast/internal/handle"
)

// Handle is a path or raster handle. Handles are created with a host
// reference count of one; the blocks behind a handle are reclaimed once
// neither the host nor any in-flight launch references it.
type Handle interface {
	// ID returns the 32-bit handle id.
	ID() uint32
	kind() handle.Kind
}

// Path is an ended path. It records its prim counts so that raster
// submissions can be sized on the host.
type Path struct {
	id    uint32
	prims [cohort.PrimKinds]uint32
}

// ID returns the path's handle id.
func (p Path) ID() uint32 { return p.id }

// Prims returns the number of prims in the path.
func (p Path) Prims() int {
	var n uint32
	for _, c := range p.prims {
		n += c
	}
	return int(n)
}

func (p Path) kind() handle.Kind { return handle.KindPath }

func (p Path) String() string { return fmt.Sprintf("path#%d", p.id) }

// Raster is the rasterized form of one path submission.
type Raster struct {
	id uint32
}

// ID returns the raster's handle id.
func (r Raster) ID() uint32 { return r.id }

func (r Raster) kind() handle.Kind { return handle.KindRaster }

func (r Raster) String() string { return fmt.Sprintf("raster#%d", r.id) }

// checkKinds rejects handles whose recorded kind does not match their type.
func (c *Context) checkKinds(hs []Handle) ([]uint32, error) {
	ids := make([]uint32, len(hs))
	pool := c.dev.Handles()
	for i, h := range hs {
		k, err := pool.Kind(h.ID())
		if err != nil {
			return nil, err
		}
		if k != h.kind() {
			return nil, fmt.Errorf("%w: %d is a %s handle, not a %s", ErrInvalidHandle, h.ID(), k, h.kind())
		}
		ids[i] = h.ID()
	}
	return ids, nil
}

// Retain increments the host reference count of every handle.
func (c *Context) Retain(hs ...Handle) error {
	if err := c.Err(); err != nil {
		return err
	}
	ids, err := c.checkKinds(hs)
	if err != nil {
		return err
	}
	return c.dev.Handles().RetainHost(ids...)
}

// Release decrements the host reference count of every handle. Handles
// whose liveness reaches zero are queued for reclaim; a full reclaim batch
// is dispatched immediately.
func (c *Context) Release(hs ...Handle) error {
	if err := c.Err(); err != nil {
		return err
	}
	ids, err := c.checkKinds(hs)
	if err != nil {
		return err
	}
	if err := c.dev.Handles().ReleaseHost(ids...); err != nil {
		return err
	}
	return c.dev.Reclaim(false)
}

// BlockOf returns the head block of h, or 0xFFFFFFFF while h has no
// blocks. Intended for debugging: the value is only stable while no
// alloc or reclaim launch is in flight.
func (c *Context) BlockOf(h Handle) uint32 {
	return c.dev.BlockOf(h.ID())
}
