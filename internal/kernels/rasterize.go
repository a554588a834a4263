// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"fmt"
	"math"
	"slices"

	"golang.org/x/image/math/fixed"

	"github.com/gogpu/vrast/internal/cohort"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/key"
	"github.com/gogpu/vrast/internal/stage"
)

// Flattening parameters.
const (
	// Tolerance is the maximum distance in pixels between a curve and its
	// flattened polyline.
	Tolerance = 0.25

	// MaxSegments caps the polyline length of one curve.
	MaxSegments = 1024
)

// RasterTiles is the raster space extent in tiles along each axis.
const RasterTiles = key.TTRKTileMax + 1

// Rasterize returns the rasterize launches of a flush: rasterize-all over
// every command, or one launch per non-empty prim kind when split is set.
func Rasterize(m *Memory, s *Scratch, counts [key.PrimKinds]uint32, split bool) []compute.Launch {
	check := func() error {
		if s.Overflowed() || s.Emitted() > s.keys {
			return fmt.Errorf("%w: %d trace keys, capacity %d", ErrScratchOverflow, s.Emitted(), s.keys)
		}
		return nil
	}
	if !split {
		var n uint32
		for _, c := range counts {
			n += c
		}
		return []compute.Launch{{
			Stage:  stage.RasterizeAll,
			Shape:  stage.ForShape(stage.RasterizeAll, n),
			Kernel: rasterizeKernel(m, s, 0, n),
			Check:  check,
		}}
	}
	var out []compute.Launch
	for tag, c := range counts {
		if c == 0 {
			continue
		}
		id := stage.Rasterize(uint32(tag))
		out = append(out, compute.Launch{
			Stage:  id,
			Shape:  stage.ForShape(id, c),
			Kernel: rasterizeKernel(m, s, s.KindBase[tag], c),
			Check:  check,
		})
	}
	return out
}

func rasterizeKernel(m *Memory, s *Scratch, base, n uint32) compute.Kernel {
	cmds := s.Cmds.Words()
	return func(gid uint32) {
		if gid >= n {
			return
		}
		i := base + gid
		r := cmds[2*i]
		t := key.Tagged(cmds[2*i+1])
		if uint32(t) == key.TaggedVoid {
			return
		}
		rec := &s.Records[r]

		tr := newTracer(rec.Clip)
		flatten(m.ReadPrim(t), rec.Transform, tr.line)
		tr.emit(s, r)
	}
}

// tracer clips, splits and bins the lines of one command by tile.
type tracer struct {
	clip cohort.Clip
	bins map[uint32][]key.TTS
	pts  []crossing

	bounds [4]int32
}

type crossing struct {
	t, x, y float32
}

func newTracer(c cohort.Clip) *tracer {
	space := float32(RasterTiles * key.TileWidth)
	c.X0, c.Y0 = max(c.X0, 0), max(c.Y0, 0)
	c.X1, c.Y1 = min(c.X1, space), min(c.Y1, space)
	return &tracer{
		clip:   c,
		bins:   make(map[uint32][]key.TTS),
		bounds: [4]int32{math.MaxInt32, math.MaxInt32, math.MinInt32, math.MinInt32},
	}
}

func finite(v ...float32) bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

// line clips one raster-space line. Pieces above, below or right of the
// clip are dropped; pieces left of it are projected onto its left edge.
func (tr *tracer) line(x0, y0, x1, y1 float32) {
	c := tr.clip
	if y0 == y1 || !finite(x0, y0, x1, y1) || c.Empty() {
		return
	}
	if max(y0, y1) <= c.Y0 || min(y0, y1) >= c.Y1 {
		return
	}
	clipY := func(ya, xa, yb, xb, edge float32) (float32, float32) {
		return xa + (xb-xa)*(edge-ya)/(yb-ya), edge
	}
	if y0 < c.Y0 {
		x0, y0 = clipY(y0, x0, y1, x1, c.Y0)
	} else if y0 > c.Y1 {
		x0, y0 = clipY(y0, x0, y1, x1, c.Y1)
	}
	if y1 < c.Y0 {
		x1, y1 = clipY(y1, x1, y0, x0, c.Y0)
	} else if y1 > c.Y1 {
		x1, y1 = clipY(y1, x1, y0, x0, c.Y1)
	}

	pts := [4]crossing{{0, x0, y0}}
	n := 1
	for _, edge := range [2]float32{c.X0, c.X1} {
		if (x0 < edge) != (x1 < edge) && x0 != edge && x1 != edge {
			t := (edge - x0) / (x1 - x0)
			pts[n] = crossing{t, edge, y0 + (y1-y0)*t}
			n++
		}
	}
	pts[n] = crossing{1, x1, y1}
	n++
	if n == 4 && pts[2].t < pts[1].t {
		pts[1], pts[2] = pts[2], pts[1]
	}
	for i := 0; i+1 < n; i++ {
		a, b := pts[i], pts[i+1]
		mid := (a.x + b.x) / 2
		switch {
		case mid > c.X1:
			continue
		case mid < c.X0:
			a.x, b.x = c.X0, c.X0
		}
		tr.split(a.x, a.y, b.x, b.y)
	}
}

// split cuts a clipped line at tile boundaries.
func (tr *tracer) split(x0, y0, x1, y1 float32) {
	if y0 == y1 {
		return
	}
	const tw = key.TileWidth
	tr.pts = append(tr.pts[:0], crossing{0, x0, y0}, crossing{1, x1, y1})
	dx, dy := x1-x0, y1-y0
	if dx != 0 {
		lo, hi := min(x0, x1), max(x0, x1)
		for e := float32(math.Floor(float64(lo/tw))+1) * tw; e < hi; e += tw {
			t := (e - x0) / dx
			tr.pts = append(tr.pts, crossing{t, e, y0 + dy*t})
		}
	}
	lo, hi := min(y0, y1), max(y0, y1)
	for e := float32(math.Floor(float64(lo/tw))+1) * tw; e < hi; e += tw {
		t := (e - y0) / dy
		tr.pts = append(tr.pts, crossing{t, x0 + dx*t, e})
	}
	slices.SortFunc(tr.pts, func(a, b crossing) int {
		switch {
		case a.t < b.t:
			return -1
		case a.t > b.t:
			return 1
		}
		return 0
	})
	for i := 0; i+1 < len(tr.pts); i++ {
		a, b := tr.pts[i], tr.pts[i+1]
		tx := tileOf((a.x + b.x) / 2)
		ty := tileOf((a.y + b.y) / 2)
		seg := key.TTS{
			X0: quantize(a.x, tx), Y0: quantize(a.y, ty),
			X1: quantize(b.x, tx), Y1: quantize(b.y, ty),
		}
		if seg.Y0 == seg.Y1 {
			continue
		}
		tr.bins[ty<<12|tx] = append(tr.bins[ty<<12|tx], seg)

		gx0, gx1 := int32(tx)*key.TTSMax+int32(min(seg.X0, seg.X1)), int32(tx)*key.TTSMax+int32(max(seg.X0, seg.X1))
		gy0, gy1 := int32(ty)*key.TTSMax+int32(min(seg.Y0, seg.Y1)), int32(ty)*key.TTSMax+int32(max(seg.Y0, seg.Y1))
		tr.bounds[0] = min(tr.bounds[0], gx0)
		tr.bounds[1] = min(tr.bounds[1], gy0)
		tr.bounds[2] = max(tr.bounds[2], gx1)
		tr.bounds[3] = max(tr.bounds[3], gy1)
	}
}

func tileOf(v float32) uint32 {
	t := int(math.Floor(float64(v / key.TileWidth)))
	return uint32(min(max(t, 0), RasterTiles-1))
}

// quantize converts a raster-space coordinate to 26.6 fixed point local to
// tile t.
func quantize(v float32, t uint32) fixed.Int26_6 {
	q := fixed.Int26_6(math.Round(float64(v-float32(t)*key.TileWidth) * key.SubpixelScale))
	return min(max(q, 0), key.TTSMax)
}

// emit packs the binned segments of record r into trace subpixel blocks
// and writes one trace key per block.
func (tr *tracer) emit(s *Scratch, r uint32) {
	if len(tr.bins) == 0 {
		return
	}
	per := int(s.layout.SubblockWords / 2)
	raster := (s.Serial + r) & key.TTRKRasterMax
	keys := s.Keys.Keys()
	tiles := make([]uint32, 0, len(tr.bins))
	for t := range tr.bins {
		tiles = append(tiles, t)
	}
	slices.Sort(tiles)
	for _, t := range tiles {
		segs := tr.bins[t]
		for lo := 0; lo < len(segs); lo += per {
			idx := s.keyCount.Add(1) - 1
			if idx >= s.keys {
				s.overflow.Store(1)
				return
			}
			w := s.ttsb(idx)
			for j := range per {
				if lo+j < len(segs) {
					w[2*j], w[2*j+1] = segs[lo+j].Words()
				} else {
					w[2*j], w[2*j+1] = key.TTSEmpty, key.TTSEmpty
				}
			}
			keys[idx] = uint64(key.PackTTRK(key.TTRKFields{TTSB: idx, X: t & 0xFFF, Y: t >> 12, Raster: raster}))
		}
	}
	m := s.meta(r)
	atomicMinInt32(&m[MetaBounds+0], tr.bounds[0])
	atomicMinInt32(&m[MetaBounds+1], tr.bounds[1])
	atomicMaxInt32(&m[MetaBounds+2], tr.bounds[2])
	atomicMaxInt32(&m[MetaBounds+3], tr.bounds[3])
}

// flatten maps p through tr and calls line for every piece of its
// polyline approximation.
func flatten(p Prim, tr cohort.Transform, line func(x0, y0, x1, y1 float32)) {
	c := p.Coords
	var (
		ctrl [4][3]float32 // x, y, w
		deg  int
	)
	switch p.Tag {
	case key.TagLine:
		ctrl[0], ctrl[1], deg = [3]float32{c[0], c[1], 1}, [3]float32{c[2], c[3], 1}, 1
	case key.TagQuad:
		ctrl[0], ctrl[1], ctrl[2], deg = [3]float32{c[0], c[1], 1}, [3]float32{c[2], c[3], 1}, [3]float32{c[4], c[5], 1}, 2
	case key.TagCubic:
		ctrl = [4][3]float32{{c[0], c[1], 1}, {c[2], c[3], 1}, {c[4], c[5], 1}, {c[6], c[7], 1}}
		deg = 3
	case key.TagRatQuad:
		ctrl[0], ctrl[1], ctrl[2], deg = [3]float32{c[0], c[1], 1}, [3]float32{c[2], c[3], c[4]}, [3]float32{c[5], c[6], 1}, 2
	case key.TagRatCubic:
		ctrl = [4][3]float32{{c[0], c[1], 1}, {c[2], c[3], c[4]}, {c[5], c[6], c[7]}, {c[8], c[9], 1}}
		deg = 3
	default:
		return
	}

	if deg == 1 {
		x0, y0, ok0 := tr.Apply(ctrl[0][0], ctrl[0][1])
		x1, y1, ok1 := tr.Apply(ctrl[1][0], ctrl[1][1])
		if ok0 && ok1 {
			line(x0, y0, x1, y1)
		}
		return
	}

	n := segments(ctrl[:deg+1], tr)
	px, py, pok := tr.Apply(ctrl[0][0], ctrl[0][1])
	for i := 1; i <= n; i++ {
		var x, y float32
		var ok bool
		if i == n {
			x, y, ok = tr.Apply(ctrl[deg][0], ctrl[deg][1])
		} else {
			sx, sy := evalRational(ctrl[:deg+1], float32(i)/float32(n))
			x, y, ok = tr.Apply(sx, sy)
		}
		if pok && ok {
			line(px, py, x, y)
		}
		px, py, pok = x, y, ok
	}
}

// segments returns the Wang's formula segment count of a curve after
// transform, with rational weights folded in as a ratio bound.
func segments(ctrl [][3]float32, tr cohort.Transform) int {
	deg := len(ctrl) - 1
	var q [4][2]float32
	wmin, wmax := float32(math.Inf(1)), float32(0)
	for i, p := range ctrl {
		x, y, ok := tr.Apply(p[0], p[1])
		if !ok {
			return MaxSegments
		}
		q[i] = [2]float32{x, y}
		wmin, wmax = min(wmin, p[2]), max(wmax, p[2])
	}
	var mag float64
	for i := 0; i+2 <= deg; i++ {
		dx := float64(q[i+2][0] - 2*q[i+1][0] + q[i][0])
		dy := float64(q[i+2][1] - 2*q[i+1][1] + q[i][1])
		mag = max(mag, math.Hypot(dx, dy))
	}
	if wmin > 0 && wmax > wmin {
		mag *= float64(wmax / wmin)
	}
	f := float64(deg*(deg-1)) / 8
	n := math.Ceil(math.Sqrt(f * mag / Tolerance))
	switch {
	case math.IsNaN(n) || n < 1:
		return 1
	case n > MaxSegments:
		return MaxSegments
	}
	return int(n)
}

// evalRational evaluates a rational Bezier curve at t with de Casteljau in
// homogeneous coordinates.
func evalRational(ctrl [][3]float32, t float32) (float32, float32) {
	var h [4][3]float32
	for i, p := range ctrl {
		h[i] = [3]float32{p[0] * p[2], p[1] * p[2], p[2]}
	}
	for n := len(ctrl) - 1; n > 0; n-- {
		for i := 0; i < n; i++ {
			for k := range 3 {
				h[i][k] += (h[i+1][k] - h[i][k]) * t
			}
		}
	}
	if h[0][2] == 0 {
		return h[0][0], h[0][1]
	}
	return h[0][0] / h[0][2], h[0][1] / h[0][2]
}
