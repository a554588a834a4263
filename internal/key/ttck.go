// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package key

import "fmt"

// TTCK field layout.
var (
	ttckPayload = field{shift: 0, bits: BlockBits}
	ttckPrefix  = field{shift: 27, bits: 1}
	ttckEscape  = field{shift: 28, bits: 1}
	ttckLayer   = field{shift: 29, bits: 18}
	ttckX       = field{shift: 47, bits: 9}
	ttckY       = field{shift: 56, bits: 8}
)

// Limits of the TTCK fields.
const (
	TTCKLayerMax = 1<<18 - 1
	TTCKTileXMax = 1<<9 - 1
	TTCKTileYMax = 1<<8 - 1
)

// TTCK is a composition key produced by place. Sorting composition keys
// yields tiles in row-major order and, within a tile, ascending layers.
type TTCK uint64

// TTCKFields is the unpacked form of a TTCK.
type TTCKFields struct {
	Payload uint32 // subblock id of the TTSB or TTPB
	Prefix  bool
	Escape  bool // prefix cover is full; render may skip accumulation
	Layer   uint32
	X, Y    uint32
}

// PackTTCK packs f.
func PackTTCK(f TTCKFields) TTCK {
	var p, e uint32
	if f.Prefix {
		p = 1
	}
	if f.Escape {
		e = 1
	}
	return TTCK(ttckPayload.put(f.Payload) | ttckPrefix.put(p) | ttckEscape.put(e) |
		ttckLayer.put(f.Layer) | ttckX.put(f.X) | ttckY.put(f.Y))
}

// Unpack returns the fields of k.
func (k TTCK) Unpack() TTCKFields {
	return TTCKFields{
		Payload: ttckPayload.get(uint64(k)),
		Prefix:  ttckPrefix.get(uint64(k)) != 0,
		Escape:  ttckEscape.get(uint64(k)) != 0,
		Layer:   ttckLayer.get(uint64(k)),
		X:       ttckX.get(uint64(k)),
		Y:       ttckY.get(uint64(k)),
	}
}

// Payload returns the referenced subblock id.
func (k TTCK) Payload() uint32 { return ttckPayload.get(uint64(k)) }

// IsPrefix reports whether the payload is a TTPB.
func (k TTCK) IsPrefix() bool { return ttckPrefix.get(uint64(k)) != 0 }

// IsEscape reports whether the escape flag is set.
func (k TTCK) IsEscape() bool { return ttckEscape.get(uint64(k)) != 0 }

// Layer returns the layer id.
func (k TTCK) Layer() uint32 { return ttckLayer.get(uint64(k)) }

// X returns the tile column.
func (k TTCK) X() uint32 { return ttckX.get(uint64(k)) }

// Y returns the tile row.
func (k TTCK) Y() uint32 { return ttckY.get(uint64(k)) }

// SameTile reports whether k and o address the same tile.
func (k TTCK) SameTile(o TTCK) bool {
	m := ttckX.mask() | ttckY.mask()
	return uint64(k)&m == uint64(o)&m
}

// SameLayer reports whether k and o address the same tile and layer.
func (k TTCK) SameLayer(o TTCK) bool {
	m := ttckLayer.mask() | ttckX.mask() | ttckY.mask()
	return uint64(k)&m == uint64(o)&m
}

// Valid reports whether every field fits its bit range.
func (f TTCKFields) Valid() bool {
	return f.Payload <= ttckPayload.max() && f.Layer <= ttckLayer.max() &&
		f.X <= ttckX.max() && f.Y <= ttckY.max()
}

func (k TTCK) String() string {
	f := k.Unpack()
	return fmt.Sprintf("ttck{y:%d x:%d layer:%d escape:%t prefix:%t payload:%d}",
		f.Y, f.X, f.Layer, f.Escape, f.Prefix, f.Payload)
}
