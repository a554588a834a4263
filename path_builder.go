// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"context"
	"fmt"
	"iter"
	"math"

	"honnef.co/go/curve"

	"github.com/gogpu/vrast/internal/cohort"
	"github.com/gogpu/vrast/internal/handle"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/vrast/internal/key"
)

// PathBuilder accumulates the prims of one fill path on the host. All
// drawing methods return the builder for chaining; the first invalid
// coordinate is reported by End. Open subpaths are closed with a line back
// to their start. A PathBuilder is not safe for concurrent use.
type PathBuilder struct {
	ctx *Context

	prims  []kernels.Prim
	start  [2]float32
	pen    [2]float32
	open   bool // a subpath has been started
	err    error
	ended  bool
	counts [cohort.PrimKinds]uint32
}

// NewPathBuilder starts a new path.
//
//	p, err := rc.NewPathBuilder().
//	    MoveTo(10, 10).
//	    LineTo(100, 10).
//	    QuadTo(120, 60, 100, 100).
//	    Close().
//	    End(ctx)
func (c *Context) NewPathBuilder() *PathBuilder {
	return &PathBuilder{ctx: c}
}

func (b *PathBuilder) check(vals ...float64) bool {
	if b.err != nil {
		return false
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxFloat32 {
			b.err = fmt.Errorf("%w: coordinate %v", ErrInvalidGeometry, v)
			return false
		}
	}
	return true
}

func (b *PathBuilder) checkWeight(w float64) bool {
	if !b.check(w) {
		return false
	}
	if w <= 0 {
		b.err = fmt.Errorf("%w: weight %v", ErrInvalidGeometry, w)
		return false
	}
	return true
}

func (b *PathBuilder) add(tag uint32, coords ...float32) {
	p := kernels.Prim{Tag: tag}
	copy(p.Coords[:], coords)
	b.prims = append(b.prims, p)
	b.counts[tag]++
}

// ensure starts a subpath at the pen when none is open.
func (b *PathBuilder) ensure() {
	if !b.open {
		b.start = b.pen
		b.open = true
	}
}

func pt(x, y float64) [2]float32 { return [2]float32{float32(x), float32(y)} }

// MoveTo closes the current subpath and starts a new one at (x, y).
func (b *PathBuilder) MoveTo(x, y float64) *PathBuilder {
	if !b.check(x, y) {
		return b
	}
	b.closeSubpath()
	b.start, b.pen = pt(x, y), pt(x, y)
	b.open = true
	return b
}

// LineTo adds a line from the pen to (x, y).
func (b *PathBuilder) LineTo(x, y float64) *PathBuilder {
	if !b.check(x, y) {
		return b
	}
	b.ensure()
	p := pt(x, y)
	if p != b.pen {
		b.add(key.TagLine, b.pen[0], b.pen[1], p[0], p[1])
	}
	b.pen = p
	return b
}

// QuadTo adds a quadratic Bézier with control point (cx, cy).
func (b *PathBuilder) QuadTo(cx, cy, x, y float64) *PathBuilder {
	if !b.check(cx, cy, x, y) {
		return b
	}
	b.ensure()
	c, p := pt(cx, cy), pt(x, y)
	b.add(key.TagQuad, b.pen[0], b.pen[1], c[0], c[1], p[0], p[1])
	b.pen = p
	return b
}

// CubicTo adds a cubic Bézier with control points (c1x, c1y), (c2x, c2y).
func (b *PathBuilder) CubicTo(c1x, c1y, c2x, c2y, x, y float64) *PathBuilder {
	if !b.check(c1x, c1y, c2x, c2y, x, y) {
		return b
	}
	b.ensure()
	c1, c2, p := pt(c1x, c1y), pt(c2x, c2y), pt(x, y)
	b.add(key.TagCubic, b.pen[0], b.pen[1], c1[0], c1[1], c2[0], c2[1], p[0], p[1])
	b.pen = p
	return b
}

// RatQuadTo adds a rational quadratic with control point (cx, cy) of
// weight w. The end points have weight one; w must be positive.
func (b *PathBuilder) RatQuadTo(cx, cy, w, x, y float64) *PathBuilder {
	if !b.check(cx, cy, x, y) || !b.checkWeight(w) {
		return b
	}
	b.ensure()
	c, p := pt(cx, cy), pt(x, y)
	b.add(key.TagRatQuad, b.pen[0], b.pen[1], c[0], c[1], float32(w), p[0], p[1])
	b.pen = p
	return b
}

// RatCubicTo adds a rational cubic with control points of weights w1, w2.
func (b *PathBuilder) RatCubicTo(c1x, c1y, w1, c2x, c2y, w2, x, y float64) *PathBuilder {
	if !b.check(c1x, c1y, c2x, c2y, x, y) || !b.checkWeight(w1) || !b.checkWeight(w2) {
		return b
	}
	b.ensure()
	c1, c2, p := pt(c1x, c1y), pt(c2x, c2y), pt(x, y)
	b.add(key.TagRatCubic, b.pen[0], b.pen[1], c1[0], c1[1], float32(w1), c2[0], c2[1], float32(w2), p[0], p[1])
	b.pen = p
	return b
}

func (b *PathBuilder) closeSubpath() {
	if b.open && b.pen != b.start {
		b.add(key.TagLine, b.pen[0], b.pen[1], b.start[0], b.start[1])
	}
	b.pen = b.start
	b.open = false
}

// Close closes the current subpath.
func (b *PathBuilder) Close() *PathBuilder {
	if b.err == nil {
		b.closeSubpath()
	}
	return b
}

// AppendElements appends a sequence of path elements, such as the output
// of curve.Flatten or any curve shape's path iterator.
func (b *PathBuilder) AppendElements(seq iter.Seq[curve.PathElement]) *PathBuilder {
	for el := range seq {
		if b.err != nil {
			return b
		}
		switch el.Kind {
		case curve.MoveToKind:
			b.MoveTo(el.P0.X, el.P0.Y)
		case curve.LineToKind:
			b.LineTo(el.P0.X, el.P0.Y)
		case curve.QuadToKind:
			b.QuadTo(el.P0.X, el.P0.Y, el.P1.X, el.P1.Y)
		case curve.CubicToKind:
			b.CubicTo(el.P0.X, el.P0.Y, el.P1.X, el.P1.Y, el.P2.X, el.P2.Y)
		case curve.ClosePathKind:
			b.Close()
		}
	}
	return b
}

// Rect adds a rectangle to the path.
func (b *PathBuilder) Rect(x, y, w, h float64) *PathBuilder {
	return b.MoveTo(x, y).
		LineTo(x+w, y).
		LineTo(x+w, y+h).
		LineTo(x, y+h).
		Close()
}

// RoundRect adds a rounded rectangle to the path. Corners are exact
// circular arcs drawn as rational quadratics.
func (b *PathBuilder) RoundRect(x, y, w, h, r float64) *PathBuilder {
	r = min(r, min(w, h)/2)
	const wc = math.Sqrt2 / 2
	return b.MoveTo(x+r, y).
		LineTo(x+w-r, y).
		RatQuadTo(x+w, y, wc, x+w, y+r).
		LineTo(x+w, y+h-r).
		RatQuadTo(x+w, y+h, wc, x+w-r, y+h).
		LineTo(x+r, y+h).
		RatQuadTo(x, y+h, wc, x, y+h-r).
		LineTo(x, y+r).
		RatQuadTo(x, y, wc, x+r, y).
		Close()
}

// Circle adds a circle to the path.
func (b *PathBuilder) Circle(cx, cy, r float64) *PathBuilder {
	return b.Ellipse(cx, cy, r, r)
}

// Ellipse adds an axis-aligned ellipse as four exact rational quadratic
// quarter arcs.
func (b *PathBuilder) Ellipse(cx, cy, rx, ry float64) *PathBuilder {
	const wc = math.Sqrt2 / 2
	return b.MoveTo(cx+rx, cy).
		RatQuadTo(cx+rx, cy+ry, wc, cx, cy+ry).
		RatQuadTo(cx-rx, cy+ry, wc, cx-rx, cy).
		RatQuadTo(cx-rx, cy-ry, wc, cx, cy-ry).
		RatQuadTo(cx+rx, cy-ry, wc, cx+rx, cy).
		Close()
}

// Polygon adds a regular polygon to the path.
func (b *PathBuilder) Polygon(cx, cy, radius float64, sides int) *PathBuilder {
	if sides < 3 {
		return b
	}

	angleStep := 2 * math.Pi / float64(sides)
	startAngle := -math.Pi / 2 // Start at top

	for i := range sides {
		angle := startAngle + float64(i)*angleStep
		x := cx + radius*math.Cos(angle)
		y := cy + radius*math.Sin(angle)
		if i == 0 {
			b.MoveTo(x, y)
		} else {
			b.LineTo(x, y)
		}
	}
	return b.Close()
}

// Star adds a star shape to the path.
func (b *PathBuilder) Star(cx, cy, outerRadius, innerRadius float64, points int) *PathBuilder {
	if points < 3 {
		return b
	}

	angleStep := math.Pi / float64(points)
	startAngle := -math.Pi / 2

	for i := range points * 2 {
		angle := startAngle + float64(i)*angleStep
		r := outerRadius
		if i%2 == 1 {
			r = innerRadius
		}
		x := cx + r*math.Cos(angle)
		y := cy + r*math.Sin(angle)
		if i == 0 {
			b.MoveTo(x, y)
		} else {
			b.LineTo(x, y)
		}
	}
	return b.Close()
}

// Len returns the number of prims added so far.
func (b *PathBuilder) Len() int { return len(b.prims) }

// Err returns the first geometry error, if any.
func (b *PathBuilder) Err() error { return b.err }

// End closes the open subpath, acquires a path handle and stages the
// prims for the next path flush. The builder cannot be reused.
func (b *PathBuilder) End(ctx context.Context) (Path, error) {
	if b.ended {
		return Path{}, ErrBuilderDone
	}
	b.ended = true
	if b.err != nil {
		return Path{}, b.err
	}
	b.closeSubpath()

	d := b.ctx.dev
	hs, err := d.Acquire(ctx, handle.KindPath, 1)
	if err != nil {
		return Path{}, err
	}
	if err := d.StagePath(ctx, hs[0], b.prims); err != nil {
		if rerr := d.Handles().ReleaseHost(hs[0]); rerr != nil {
			slogger().Warn("vrast: release path after staging failure", "err", rerr)
		}
		return Path{}, err
	}
	return Path{id: hs[0], prims: b.counts}, nil
}
