// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/gogpu/vrast/internal/kernels"
)

// Surface is the render target: premultiplied 8-bit RGBA pixels.
type Surface struct {
	img *image.RGBA
}

// NewSurface returns a transparent surface of w x h pixels.
func NewSurface(w, h int) *Surface {
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, w, h))}
}

// SurfaceOf renders into an existing image. Rendering starts at the
// image's bounds minimum.
func SurfaceOf(img *image.RGBA) *Surface {
	return &Surface{img: img}
}

// Width returns the width in pixels.
func (s *Surface) Width() int { return s.img.Bounds().Dx() }

// Height returns the height in pixels.
func (s *Surface) Height() int { return s.img.Bounds().Dy() }

// Image returns the pixels. The image aliases the surface.
func (s *Surface) Image() *image.RGBA { return s.img }

// DrawTo composites the surface over dst with its minimum at sp.
func (s *Surface) DrawTo(dst draw.Image, sp image.Point) {
	r := s.img.Bounds().Sub(s.img.Bounds().Min).Add(sp)
	draw.Draw(dst, r, s.img, s.img.Bounds().Min, draw.Over)
}

// ScaleTo scales the surface into r of dst with bilinear filtering,
// replacing what is there.
func (s *Surface) ScaleTo(dst draw.Image, r image.Rectangle) {
	draw.BiLinear.Scale(dst, r, s.img, s.img.Bounds(), draw.Src, nil)
}

// Render renders a sealed composition into dst. Every tile of the
// composition that overlaps dst is written, layers composited source-over
// in ascending layer order over styling.Clear.
func (c *Context) Render(ctx context.Context, comp *Composition, styling *Styling, dst *Surface) error {
	if comp.ctx != c {
		return fmt.Errorf("vrast: composition belongs to another context")
	}
	if dst == nil {
		return fmt.Errorf("vrast: nil surface")
	}
	if !comp.sealed {
		return ErrNotSealed
	}
	if styling == nil {
		styling = NewStyling()
	}
	style := &kernels.Style{
		Clear:   styling.Clear.vec(),
		Default: kernels.Layer{Color: styling.Default.vec()},
		Layers:  make(map[uint32]kernels.Layer, len(comp.rules)),
	}
	for layer, rule := range comp.rules {
		style.Layers[layer] = kernels.Layer{
			Color:   styling.Layer(layer).vec(),
			EvenOdd: rule == EvenOdd,
		}
	}
	return c.dev.Render(ctx, comp.comp, comp.keys, style, dst.img)
}
