// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"context"
	"fmt"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/vrast/internal/key"
)

// TileSize is the width and height of a tile in pixels.
const TileSize = key.TileWidth

// Composition places rasters on layers of a tiled surface. A composition
// holds a device reference on every placed raster until Reset or Release.
// A Composition is not safe for concurrent use.
type Composition struct {
	ctx  *Context
	comp *kernels.Composition

	placements []kernels.Placement
	rules      map[uint32]FillRule
	sealed     bool
	keys       uint32
	released   bool
}

// NewComposition returns an empty composition of width x height tiles
// holding up to Config.CompositionKeys keys.
func (c *Context) NewComposition(width, height int) (*Composition, error) {
	return c.NewCompositionSize(width, height, c.cfg.CompositionKeys)
}

// NewCompositionSize is NewComposition with an explicit key capacity.
func (c *Context) NewCompositionSize(width, height int, keys uint32) (*Composition, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("vrast: composition of %dx%d tiles", width, height)
	}
	comp, err := kernels.NewComposition(uint32(width), uint32(height), keys)
	if err != nil {
		return nil, fmt.Errorf("vrast: %w", err)
	}
	return &Composition{ctx: c, comp: comp, rules: make(map[uint32]FillRule)}, nil
}

// CompositionFor returns a composition covering a surface of w x h pixels.
func (c *Context) CompositionFor(w, h int) (*Composition, error) {
	return c.NewComposition((w+TileSize-1)/TileSize, (h+TileSize-1)/TileSize)
}

// Width returns the width in tiles.
func (p *Composition) Width() int { return int(p.comp.Width) }

// Height returns the height in tiles.
func (p *Composition) Height() int { return int(p.comp.Height) }

// Len returns the number of placements.
func (p *Composition) Len() int { return len(p.placements) }

// Place places r on layer, translated by (tx, ty) whole tiles. Layers are
// composited in ascending order. A layer takes the fill rule of the first
// raster placed on it.
func (p *Composition) Place(r Raster, layer uint32, tx, ty int) error {
	if p.sealed {
		return ErrSealed
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if layer > key.TTCKLayerMax {
		return fmt.Errorf("vrast: layer %d out of range", layer)
	}
	d := p.ctx.dev
	if k, err := d.Handles().Kind(r.id); err != nil {
		return err
	} else if k != r.kind() {
		return fmt.Errorf("%w: %d is not a raster", ErrInvalidHandle, r.id)
	}
	head := d.BlockOf(r.id)
	if head == block.Invalid {
		return fmt.Errorf("%w: %s", ErrNotResident, r)
	}
	rule := NonZero
	if d.Memory().ReadRasterHeader(head).EvenOdd {
		rule = EvenOdd
	}
	if have, ok := p.rules[layer]; ok && have != rule {
		return fmt.Errorf("%w: layer %d is %s, %s is %s", ErrFillRuleConflict, layer, have, r, rule)
	}
	if err := d.Handles().RetainDevice(r.id); err != nil {
		return err
	}
	p.rules[layer] = rule
	p.placements = append(p.placements, kernels.Placement{
		Raster: r.id,
		Layer:  layer,
		TX:     int32(tx),
		TY:     int32(ty),
	})
	return nil
}

// Seal builds the sorted key list of the composition. It blocks for the
// key count. A composition that overflows reports [ErrCompositionFull] and
// stays unsealed.
func (p *Composition) Seal(ctx context.Context) error {
	if p.sealed {
		return nil
	}
	n, err := p.ctx.dev.Seal(ctx, p.comp, p.placements)
	if err != nil {
		return err
	}
	p.keys = n
	p.sealed = true
	return nil
}

// Sealed reports whether Seal has succeeded since the last Reset.
func (p *Composition) Sealed() bool { return p.sealed }

// Keys returns the number of keys of a sealed composition.
func (p *Composition) Keys() int { return int(p.keys) }

// FillRule returns the fill rule of layer and whether it holds a raster.
func (p *Composition) FillRule(layer uint32) (FillRule, bool) {
	r, ok := p.rules[layer]
	return r, ok
}

func (p *Composition) drop() error {
	ids := make([]uint32, len(p.placements))
	for i, pl := range p.placements {
		ids[i] = pl.Raster
	}
	p.placements = p.placements[:0]
	clear(p.rules)
	p.sealed = false
	p.keys = 0
	if len(ids) == 0 {
		return nil
	}
	if err := p.ctx.dev.Handles().ReleaseDevice(ids...); err != nil {
		return err
	}
	return p.ctx.dev.Reclaim(false)
}

// Reset removes every placement and drops the composition's raster
// references.
func (p *Composition) Reset() error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	return p.drop()
}

// Release drops the composition's raster references. The composition must
// not be used afterwards.
func (p *Composition) Release() error {
	if p.released {
		return nil
	}
	p.released = true
	return p.drop()
}
