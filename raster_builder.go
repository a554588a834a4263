// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"context"
	"fmt"

	"honnef.co/go/curve"

	"github.com/gogpu/vrast/internal/cohort"
)

// FillRule selects how winding numbers map to coverage.
type FillRule uint8

const (
	// NonZero fills where the winding number is not zero.
	NonZero FillRule = iota
	// EvenOdd fills where the winding number is odd.
	EvenOdd
)

func (r FillRule) String() string {
	switch r {
	case NonZero:
		return "nonzero"
	case EvenOdd:
		return "evenodd"
	default:
		return fmt.Sprintf("FillRule(%d)", int(r))
	}
}

// Transform is a projective transform in pixel space:
//
//	x' = (SX*x + SHX*y + TX) / (W0*x + W1*y + 1)
//	y' = (SHY*x + SY*y + TY) / (W0*x + W1*y + 1)
type Transform struct {
	SX, SHX, TX float32
	SHY, SY, TY float32
	W0, W1      float32
}

// Identity is the identity transform.
var Identity = Transform{SX: 1, SY: 1}

// Affine converts a curve affine transform.
func Affine(a curve.Affine) Transform {
	return Transform(cohort.Affine(a.Coefficients()))
}

// Translate returns a translation by (tx, ty).
func Translate(tx, ty float32) Transform {
	return Transform{SX: 1, SY: 1, TX: tx, TY: ty}
}

// Scale returns a scale by (sx, sy) about the origin.
func Scale(sx, sy float32) Transform {
	return Transform{SX: sx, SY: sy}
}

// Then returns the transform applying t and then u. Both must be affine.
func (t Transform) Then(u Transform) Transform {
	return Transform{
		SX:  u.SX*t.SX + u.SHX*t.SHY,
		SHX: u.SX*t.SHX + u.SHX*t.SY,
		TX:  u.SX*t.TX + u.SHX*t.TY + u.TX,
		SHY: u.SHY*t.SX + u.SY*t.SHY,
		SY:  u.SHY*t.SHX + u.SY*t.SY,
		TY:  u.SHY*t.TX + u.SY*t.TY + u.TY,
	}
}

// Clip is a pixel-space clip rectangle.
type Clip struct {
	X0, Y0, X1, Y1 float32
}

// NoClip covers the whole raster space.
var NoClip = Clip(cohort.NoClip)

// RasterBuilder batches fill submissions into raster cohorts. A
// RasterBuilder is not safe for concurrent use.
type RasterBuilder struct {
	ctx     *Context
	cohort  *cohort.Cohort
	pending []func(context.Context) ([]Raster, error)
}

// NewRasterBuilder returns a builder with an empty cohort sized by the
// context configuration.
func (c *Context) NewRasterBuilder() *RasterBuilder {
	return &RasterBuilder{ctx: c, cohort: c.newCohort()}
}

func (c *Context) newCohort() *cohort.Cohort {
	return cohort.New(int(c.cfg.CohortRasters), int(c.cfg.CohortCommands))
}

// Len returns the number of submissions in the current cohort.
func (b *RasterBuilder) Len() int { return b.cohort.Len() }

// Submit adds a fill of p under t, clipped to clip, to the current cohort.
// It reports false, changing nothing, when the cohort is full; flush and
// submit again. The path's device count is held until the cohort completes.
func (b *RasterBuilder) Submit(p Path, t Transform, clip Clip, rule FillRule) (bool, error) {
	if err := b.ctx.Err(); err != nil {
		return false, err
	}
	if _, err := b.ctx.checkKinds([]Handle{p}); err != nil {
		return false, err
	}
	if err := b.ctx.dev.Handles().RetainDevice(p.id); err != nil {
		return false, err
	}
	r := cohort.Record{
		Path:      p.id,
		Transform: cohort.Transform(t),
		Clip:      cohort.Clip(clip),
		EvenOdd:   rule == EvenOdd,
		Prims:     p.prims,
	}
	if !b.cohort.Submit(r) {
		if err := b.ctx.dev.Handles().ReleaseDevice(p.id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Dispatch flushes the current cohort without waiting and starts a new
// one. The rasters are returned by Flush in dispatch order.
func (b *RasterBuilder) Dispatch(ctx context.Context) error {
	c := b.cohort
	b.cohort = b.ctx.newCohort()
	f, err := b.ctx.dev.FlushCohort(ctx, c)
	if err != nil {
		return err
	}
	b.pending = append(b.pending, func(ctx context.Context) ([]Raster, error) {
		if err := f.Wait(ctx); err != nil {
			return nil, err
		}
		slogger().Debug("vrast: cohort rasterized", "stats", f.Stats().String())
		rs := make([]Raster, len(f.Rasters))
		for i, id := range f.Rasters {
			rs[i] = Raster{id: id}
		}
		return rs, nil
	})
	return nil
}

// Flush dispatches the current cohort and waits for every dispatched
// cohort. It returns one raster per submission, in submission order. Each
// raster starts with a host reference count of one.
//
// A cohort that fails releases its rasters; the error of the first failed
// cohort is returned together with the rasters of the others. Canceling
// ctx stops the wait, not the cohorts.
func (b *RasterBuilder) Flush(ctx context.Context) ([]Raster, error) {
	if b.cohort.Len() > 0 || len(b.pending) == 0 {
		if err := b.Dispatch(ctx); err != nil {
			return nil, err
		}
	}
	pending := b.pending
	b.pending = nil

	var out []Raster
	var first error
	for i, wait := range pending {
		rs, err := wait(ctx)
		if cerr := ctx.Err(); cerr != nil {
			// Keep the cohorts not waited for; a later Flush collects them.
			b.pending = pending[i:]
			return out, cerr
		}
		if err != nil && first == nil {
			first = fmt.Errorf("vrast: cohort %d: %w", i, err)
		}
		out = append(out, rs...)
	}
	return out, first
}
