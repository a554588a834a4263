// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package key

import "fmt"

// TTSK/TTPK field layout.
var (
	ttskBlock  = field{shift: 0, bits: BlockBits}
	ttskPrefix = field{shift: 27, bits: 1}
	ttskSpan   = field{shift: 28, bits: 12}
	ttskX      = field{shift: 40, bits: 12}
	ttskY      = field{shift: 52, bits: 12}
)

// Limits of the TTSK/TTPK fields.
const (
	TTSKTileMax = 1<<12 - 1
	TTPKSpanMax = 1<<12 - 1
)

// TTXK is a persisted raster key. It is either a subpixel key (TTSK),
// referencing a subblock of trace segments for one tile, or a prefix key
// (TTPK), referencing a subblock of per-row prefix cover shared by Span
// consecutive tiles of one row.
type TTXK uint64

// TTXKFields is the unpacked form of a TTSK or TTPK.
type TTXKFields struct {
	Block  uint32 // subblock id of the TTSB or TTPB
	Prefix bool
	Span   uint32 // tiles covered by a TTPK, zero for a TTSK
	X, Y   uint32
}

// PackTTSK packs a subpixel key.
func PackTTSK(subblock, x, y uint32) TTXK {
	return TTXK(ttskBlock.put(subblock) | ttskX.put(x) | ttskY.put(y))
}

// PackTTPK packs a prefix key covering span tiles starting at column x.
func PackTTPK(subblock, span, x, y uint32) TTXK {
	return TTXK(ttskBlock.put(subblock) | ttskPrefix.put(1) | ttskSpan.put(span) |
		ttskX.put(x) | ttskY.put(y))
}

// PackTTXK packs f.
func PackTTXK(f TTXKFields) TTXK {
	var p uint32
	if f.Prefix {
		p = 1
	}
	return TTXK(ttskBlock.put(f.Block) | ttskPrefix.put(p) | ttskSpan.put(f.Span) |
		ttskX.put(f.X) | ttskY.put(f.Y))
}

// Unpack returns the fields of k.
func (k TTXK) Unpack() TTXKFields {
	return TTXKFields{
		Block:  ttskBlock.get(uint64(k)),
		Prefix: ttskPrefix.get(uint64(k)) != 0,
		Span:   ttskSpan.get(uint64(k)),
		X:      ttskX.get(uint64(k)),
		Y:      ttskY.get(uint64(k)),
	}
}

// Block returns the referenced subblock id.
func (k TTXK) Block() uint32 { return ttskBlock.get(uint64(k)) }

// IsPrefix reports whether k is a TTPK.
func (k TTXK) IsPrefix() bool { return ttskPrefix.get(uint64(k)) != 0 }

// Span returns the number of tiles a TTPK covers.
func (k TTXK) Span() uint32 { return ttskSpan.get(uint64(k)) }

// X returns the tile column.
func (k TTXK) X() uint32 { return ttskX.get(uint64(k)) }

// Y returns the tile row.
func (k TTXK) Y() uint32 { return ttskY.get(uint64(k)) }

// Valid reports whether every field fits its bit range and the span is
// consistent with the variant.
func (f TTXKFields) Valid() bool {
	if f.Block > ttskBlock.max() || f.X > ttskX.max() || f.Y > ttskY.max() || f.Span > ttskSpan.max() {
		return false
	}
	if f.Prefix {
		return f.Span > 0
	}
	return f.Span == 0
}

func (k TTXK) String() string {
	f := k.Unpack()
	if f.Prefix {
		return fmt.Sprintf("ttpk{y:%d x:%d span:%d ttpb:%d}", f.Y, f.X, f.Span, f.Block)
	}
	return fmt.Sprintf("ttsk{y:%d x:%d ttsb:%d}", f.Y, f.X, f.Block)
}
