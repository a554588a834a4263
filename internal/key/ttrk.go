// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package key

import "fmt"

// TTRK field layout.
var (
	ttrkTTSB   = field{shift: 0, bits: BlockBits}
	ttrkX      = field{shift: 27, bits: 12}
	ttrkY      = field{shift: 39, bits: 12}
	ttrkRaster = field{shift: 51, bits: 13}
)

// Limits of the TTRK fields.
const (
	TTRKTileMax   = 1<<12 - 1
	TTRKRasterMax = 1<<13 - 1

	// RasterIDs is the size of the rolling raster id space carried by a
	// trace key. Ids must not repeat while keys that carry them are live.
	RasterIDs = 1 << 13
)

// TTRK is a trace key: one per trace subpixel block emitted by a rasterize
// stage. Sorting a cohort's trace keys groups them by raster, then tile row,
// then tile column.
type TTRK uint64

// TTRKFields is the unpacked form of a TTRK.
type TTRKFields struct {
	TTSB   uint32 // cohort scratch subblock holding the segments
	X, Y   uint32 // tile coordinates
	Raster uint32 // rolling raster id
}

// PackTTRK packs f. Values wider than their field are truncated; use
// [TTRKFields.Valid] to check.
func PackTTRK(f TTRKFields) TTRK {
	return TTRK(ttrkTTSB.put(f.TTSB) | ttrkX.put(f.X) | ttrkY.put(f.Y) | ttrkRaster.put(f.Raster))
}

// Unpack returns the fields of k.
func (k TTRK) Unpack() TTRKFields {
	return TTRKFields{
		TTSB:   ttrkTTSB.get(uint64(k)),
		X:      ttrkX.get(uint64(k)),
		Y:      ttrkY.get(uint64(k)),
		Raster: ttrkRaster.get(uint64(k)),
	}
}

// TTSB returns the scratch subblock id.
func (k TTRK) TTSB() uint32 { return ttrkTTSB.get(uint64(k)) }

// X returns the tile column.
func (k TTRK) X() uint32 { return ttrkX.get(uint64(k)) }

// Y returns the tile row.
func (k TTRK) Y() uint32 { return ttrkY.get(uint64(k)) }

// Raster returns the rolling raster id.
func (k TTRK) Raster() uint32 { return ttrkRaster.get(uint64(k)) }

// SameRow reports whether k and o belong to the same raster and tile row.
func (k TTRK) SameRow(o TTRK) bool {
	m := ttrkY.mask() | ttrkRaster.mask()
	return uint64(k)&m == uint64(o)&m
}

// SameTile reports whether k and o belong to the same raster and tile.
func (k TTRK) SameTile(o TTRK) bool {
	m := ttrkX.mask() | ttrkY.mask() | ttrkRaster.mask()
	return uint64(k)&m == uint64(o)&m
}

// Valid reports whether every field fits its bit range.
func (f TTRKFields) Valid() bool {
	return f.TTSB <= ttrkTTSB.max() && f.X <= ttrkX.max() && f.Y <= ttrkY.max() &&
		f.Raster <= ttrkRaster.max()
}

func (k TTRK) String() string {
	f := k.Unpack()
	return fmt.Sprintf("ttrk{raster:%d y:%d x:%d ttsb:%d}", f.Raster, f.Y, f.X, f.TTSB)
}
