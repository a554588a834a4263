// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"image"
	"math"

	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/key"
	"github.com/gogpu/vrast/internal/stage"
)

// Layer is the style of one composition layer. Color is premultiplied
// RGBA in [0, 1].
type Layer struct {
	Color   [4]float32
	EvenOdd bool
}

// Style is the read-only styling a render launch uses.
type Style struct {
	Clear   [4]float32
	Default Layer
	Layers  map[uint32]Layer
}

func (s *Style) layer(id uint32) Layer {
	if l, ok := s.Layers[id]; ok {
		return l
	}
	return s.Default
}

const accWidth = key.TileWidth + 2

// tileAcc is the area/cover accumulator of one tile, one row per pixel row
// with two guard columns.
type tileAcc [key.TileHeight][accWidth]float32

// line accumulates one tile-local segment given in pixels.
func (a *tileAcc) line(x0, y0, x1, y1 float32) {
	if y0 == y1 {
		return
	}
	dir := float32(1)
	if y0 > y1 {
		dir = -1
		x0, y0, x1, y1 = x1, y1, x0, y0
	}
	dxdy := (x1 - x0) / (y1 - y0)
	x := x0
	for y := int(y0); y < key.TileHeight && float32(y) < y1; y++ {
		row := &a[y]
		top := max(float32(y), y0)
		dy := min(float32(y+1), y1) - top
		xnext := x + dxdy*dy
		d := dy * dir
		xa, xb := min(x, xnext), max(x, xnext)
		xaf := float32(math.Floor(float64(xa)))
		xai := int(xaf)
		xbi := int(math.Ceil(float64(xb)))
		if xbi <= xai+1 {
			xmf := 0.5*(x+xnext) - xaf
			row[xai] += d - d*xmf
			row[xai+1] += d * xmf
		} else {
			s := 1 / (xb - xa)
			x0f := xa - xaf
			a0 := 0.5 * s * (1 - x0f) * (1 - x0f)
			x1f := xb - float32(xbi) + 1
			am := 0.5 * s * x1f * x1f
			row[xai] += d * a0
			if xbi == xai+2 {
				row[xai+1] += d * (1 - a0 - am)
			} else {
				a1 := s * (1.5 - x0f)
				row[xai+1] += d * (a1 - a0)
				for xi := xai + 2; xi < xbi-1; xi++ {
					row[xi] += d * s
				}
				a2 := a1 + float32(xbi-xai-3)*s
				row[xbi-1] += d * (1 - a2 - am)
			}
			row[xbi] += d * am
		}
		x = xnext
	}
}

// coverage resolves accumulated winding under a fill rule.
func coverage(acc float32, evenOdd bool) float32 {
	v := float32(math.Abs(float64(acc)))
	if evenOdd {
		t := float32(math.Mod(float64(v), 2))
		return 1 - float32(math.Abs(float64(1-t)))
	}
	return min(v, 1)
}

// Render is the render stage, one invocation per composition tile. Each
// layer of a tile is accumulated from its keys and composited source-over
// in ascending layer order over the clear color.
func Render(m *Memory, c *Composition, n uint32, style *Style, dst *image.RGBA) compute.Launch {
	tiles := c.Width * c.Height
	keys := c.SortedKeys(n)
	spw := float32(key.SubpixelScale)
	return compute.Launch{
		Stage: stage.Render,
		Shape: stage.ForShape(stage.Render, tiles),
		Kernel: func(gid uint32) {
			if gid >= tiles {
				return
			}
			tx, ty := gid%c.Width, gid/c.Width
			var px [key.TileHeight][key.TileWidth][4]float32
			for y := range px {
				for x := range px[y] {
					px[y][x] = style.Clear
				}
			}

			start, end := c.Range(tx, ty)
			for i := start; i < end; {
				first := key.TTCK(keys[i])
				j := i
				for j < end && key.TTCK(keys[j]).SameLayer(first) {
					j++
				}
				ly := style.layer(first.Layer())
				var cov [key.TileHeight][key.TileWidth]float32
				if j == i+1 && first.IsEscape() {
					for y := range cov {
						for x := range cov[y] {
							cov[y][x] = 1
						}
					}
				} else {
					var acc tileAcc
					for _, raw := range keys[i:j] {
						k := key.TTCK(raw)
						p := m.Payload(k.Payload())
						if k.IsPrefix() {
							for r := range key.TileHeight {
								acc[r][0] += float32(int32(p[r])) / spw
							}
							continue
						}
						for w := 0; w+1 < len(p); w += 2 {
							seg, ok := key.DecodeTTS(p[w], p[w+1])
							if !ok {
								continue
							}
							acc.line(float32(seg.X0)/spw, float32(seg.Y0)/spw, float32(seg.X1)/spw, float32(seg.Y1)/spw)
						}
					}
					for y := range cov {
						var sum float32
						for x := range cov[y] {
							sum += acc[y][x]
							cov[y][x] = coverage(sum, ly.EvenOdd)
						}
					}
				}
				for y := range px {
					for x := range px[y] {
						a := cov[y][x]
						if a == 0 {
							continue
						}
						inv := 1 - ly.Color[3]*a
						for ch := range 4 {
							px[y][x][ch] = ly.Color[ch]*a + px[y][x][ch]*inv
						}
					}
				}
				i = j
			}
			store(dst, tx, ty, &px)
		},
	}
}

// store writes a tile into dst, clipped to its bounds.
func store(dst *image.RGBA, tx, ty uint32, px *[key.TileHeight][key.TileWidth][4]float32) {
	b := dst.Bounds()
	for y := range key.TileHeight {
		iy := b.Min.Y + int(ty)*key.TileHeight + y
		if iy >= b.Max.Y {
			return
		}
		for x := range key.TileWidth {
			ix := b.Min.X + int(tx)*key.TileWidth + x
			if ix >= b.Max.X {
				break
			}
			o := dst.PixOffset(ix, iy)
			for ch := range 4 {
				dst.Pix[o+ch] = uint8(min(max(px[y][x][ch], 0), 1)*255 + 0.5)
			}
		}
	}
}
