// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package key implements the bit-packed 64-bit key families that the raster
// pipeline uses as its inter-stage wire format.
//
// Every family is a plain uint64 with explicit shift/mask accessors. Fields
// are laid out so that ascending unsigned order of the key equals the order
// in which the consuming stage must process it:
//
//	TTRK  trace key        | raster:13 | y:12 | x:12 | ttsb:27 |
//	TTSK  subpixel key     | y:12 | x:12 | span:12 | prefix:1 | block:27 |
//	TTPK  prefix key       (TTSK layout with prefix=1 and span > 0)
//	TTCK  composition key  | y:8 | x:9 | layer:18 | escape:1 | prefix:1 | payload:27 |
//
// Most significant field first.
package key

// Field widths shared by several families.
const (
	BlockBits = 27
	BlockMask = 1<<BlockBits - 1
)

// field describes one bit range of a key.
type field struct {
	shift uint
	bits  uint
}

func (f field) mask() uint64 { return (1<<f.bits - 1) << f.shift }

func (f field) get(k uint64) uint32 { return uint32((k >> f.shift) & (1<<f.bits - 1)) }

func (f field) put(v uint32) uint64 { return (uint64(v) & (1<<f.bits - 1)) << f.shift }

func (f field) max() uint32 { return 1<<f.bits - 1 }
