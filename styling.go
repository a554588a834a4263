// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"image/color"
	"maps"
)

// Color is a premultiplied RGBA color with components in [0, 1].
type Color struct {
	R, G, B, A float32
}

// RGBA returns the premultiplied color of straight-alpha components.
func RGBA(r, g, b, a float32) Color {
	return Color{R: r * a, G: g * a, B: b * a, A: a}
}

// ColorOf converts any color.Color.
func ColorOf(c color.Color) Color {
	r, g, b, a := c.RGBA()
	return Color{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff, A: float32(a) / 0xffff}
}

// Transparent is the zero color.
var Transparent = Color{}

func (c Color) vec() [4]float32 { return [4]float32{c.R, c.G, c.B, c.A} }

// Styling assigns a color to every layer of a composition. Layers without
// an entry use Default. The fill rule of a layer comes from its rasters.
type Styling struct {
	// Clear is the color the surface is cleared to.
	Clear Color
	// Default styles layers without their own color.
	Default Color

	layers map[uint32]Color
}

// NewStyling returns a styling with opaque black as the default layer
// color over a transparent surface.
func NewStyling() *Styling {
	return &Styling{Default: Color{A: 1}, layers: make(map[uint32]Color)}
}

// SetLayer sets the color of layer.
func (s *Styling) SetLayer(layer uint32, c Color) *Styling {
	if s.layers == nil {
		s.layers = make(map[uint32]Color)
	}
	s.layers[layer] = c
	return s
}

// Layer returns the color layer is drawn with.
func (s *Styling) Layer(layer uint32) Color {
	if c, ok := s.layers[layer]; ok {
		return c
	}
	return s.Default
}

// Clone returns an independent copy of s.
func (s *Styling) Clone() *Styling {
	c := *s
	c.layers = maps.Clone(s.layers)
	return &c
}
