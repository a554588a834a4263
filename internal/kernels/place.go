// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/key"
	"github.com/gogpu/vrast/internal/stage"
)

// Placement places the raster of a handle on a layer, translated by whole
// tiles.
type Placement struct {
	Raster uint32
	Layer  uint32
	TX, TY int32
}

// Composition is the device state of one composition: its TTCK list and
// the per-tile key ranges segment-ttck derives from the sorted list.
type Composition struct {
	Width, Height uint32 // tiles

	capacity uint32
	Keys     *compute.Buffer // TTCK
	Sort     []uint64
	Ranges   *compute.Buffer // start, end per tile
	count    atomic.Uint32
	overflow atomic.Uint32
}

// NewComposition allocates a composition of width x height tiles holding
// up to capacity keys.
func NewComposition(width, height, capacity uint32) (*Composition, error) {
	if width == 0 || height == 0 || width > key.TTCKTileXMax+1 || height > key.TTCKTileYMax+1 {
		return nil, fmt.Errorf("kernels: composition of %dx%d tiles out of range", width, height)
	}
	return &Composition{
		Width:    width,
		Height:   height,
		capacity: capacity,
		Keys:     compute.NewBuffer("composition_ttck", 2*int(capacity)),
		Sort:     make([]uint64, capacity),
		Ranges:   compute.NewBuffer("composition_ranges", 2*int(width*height)),
	}, nil
}

// Reset empties the composition.
func (c *Composition) Reset() {
	c.count.Store(0)
	c.overflow.Store(0)
	c.Ranges.Fill(0)
}

// Count returns the number of keys place wrote, capped at the capacity.
func (c *Composition) Count() uint32 { return min(c.count.Load(), c.capacity) }

// Capacity returns the key capacity.
func (c *Composition) Capacity() uint32 { return c.capacity }

// SortedKeys returns the first n keys.
func (c *Composition) SortedKeys(n uint32) []uint64 { return c.Keys.Keys()[:n] }

// Range returns the sorted key range of tile (x, y).
func (c *Composition) Range(x, y uint32) (start, end uint32) {
	w := c.Ranges.Words()
	i := 2 * (y*c.Width + x)
	return w[i], w[i+1]
}

// FullCover reports whether every row of a prefix block is fully covered
// under the fill rule.
func FullCover(ttpb []uint32, evenOdd bool) bool {
	for _, w := range ttpb[:TTPBWords] {
		c := abs32(int32(w))
		if evenOdd {
			if c%key.SubpixelScale != 0 || (c/key.SubpixelScale)%2 == 0 {
				return false
			}
		} else if c < key.SubpixelScale {
			return false
		}
	}
	return true
}

// Place is the place stage, one invocation per placement. Raster keys
// become composition keys; a prefix key expands to one composition key
// per covered tile inside the composition.
func Place(m *Memory, c *Composition, placements []Placement) compute.Launch {
	var st status
	keys := c.Keys.Keys()
	return compute.Launch{
		Stage: stage.Place,
		Shape: stage.ForShape(stage.Place, uint32(len(placements))),
		Kernel: func(gid uint32) {
			p := placements[gid]
			head := m.BlockOf(p.Raster)
			if head == block.Invalid {
				st.fail(fmt.Errorf("kernels: raster %d has no blocks", p.Raster))
				return
			}
			evenOdd := m.ReadRasterHeader(head).EvenOdd
			put := func(f key.TTCKFields) {
				i := c.count.Add(1) - 1
				if i >= c.capacity {
					c.overflow.Store(1)
					return
				}
				keys[i] = uint64(key.PackTTCK(f))
			}
			inside := func(x, y int32) bool {
				return x >= 0 && y >= 0 && x < int32(c.Width) && y < int32(c.Height)
			}
			m.walkRaster(head, nil, func(k key.TTXK) {
				y := int32(k.Y()) + p.TY
				if !k.IsPrefix() {
					if x := int32(k.X()) + p.TX; inside(x, y) {
						put(key.TTCKFields{Payload: k.Block(), Layer: p.Layer, X: uint32(x), Y: uint32(y)})
					}
					return
				}
				escape := FullCover(m.Payload(k.Block()), evenOdd)
				for i := uint32(0); i < k.Span(); i++ {
					if x := int32(k.X()+i) + p.TX; inside(x, y) {
						put(key.TTCKFields{Payload: k.Block(), Prefix: true, Escape: escape,
							Layer: p.Layer, X: uint32(x), Y: uint32(y)})
					}
				}
			})
		},
		Check: func() error {
			if err := st.check(); err != nil {
				return err
			}
			if c.overflow.Load() != 0 {
				return fmt.Errorf("%w: %d keys, capacity %d", ErrCompositionOverflow, c.count.Load(), c.capacity)
			}
			return nil
		},
	}
}

// SegmentTTCK is the segment-ttck stage, one invocation per sorted
// composition key. The first key of every tile records the tile's range.
func SegmentTTCK(c *Composition, n uint32) compute.Launch {
	keys := c.SortedKeys(n)
	ranges := c.Ranges.Words()
	return compute.Launch{
		Stage: stage.SegmentTTCK,
		Shape: stage.ForShape(stage.SegmentTTCK, n),
		Kernel: func(gid uint32) {
			if gid >= n {
				return
			}
			k := key.TTCK(keys[gid])
			if gid > 0 && key.TTCK(keys[gid-1]).SameTile(k) {
				return
			}
			end := gid + 1
			for end < n && key.TTCK(keys[end]).SameTile(k) {
				end++
			}
			i := 2 * (k.Y()*c.Width + k.X())
			ranges[i], ranges[i+1] = gid, end
		},
	}
}
