// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package stage enumerates the kernels of the rasterization pipeline and
// their launch geometry.
//
// The enumeration and [Order] are extended together: a new stage needs an
// ID, a name, an entry in the dispatch order and, if it pins its work-group
// size, a case in [Shape].
package stage

import "fmt"

// ID identifies one pipeline stage.
type ID int

const (
	// BlockPoolInitIDs writes the identity permutation into the block ring.
	BlockPoolInitIDs ID = iota

	// BlockPoolInitAtomics resets the ring read and write counters.
	BlockPoolInitAtomics

	// PathsAlloc reserves pool blocks for staged paths and writes the map.
	PathsAlloc

	// PathsCopy copies staged path blocks into pool blocks.
	PathsCopy

	// FillsExpand turns cohort records into per-prim rasterize commands.
	FillsExpand

	// RasterizeAll flattens and tiles every prim kind.
	RasterizeAll

	// RasterizeLines and the following variants rasterize one prim kind.
	RasterizeLines
	RasterizeQuads
	RasterizeCubics
	RasterizeRatQuads
	RasterizeRatCubics

	// SegmentTTRK finds the (raster, row) runs of the sorted trace keys and
	// counts the raster keys each raster needs.
	SegmentTTRK

	// RastersAlloc reserves raster blocks and writes the map.
	RastersAlloc

	// Prefix builds raster nodes: TTSK and TTPK keys plus their blocks.
	Prefix

	// Place translates raster keys into composition keys.
	Place

	// SegmentTTCK finds the per-tile ranges of the sorted composition keys.
	SegmentTTCK

	// Render accumulates coverage and composites layers per tile.
	Render

	// PathsReclaim releases the blocks of zero-liveness path handles.
	PathsReclaim

	// RastersReclaim releases the blocks of zero-liveness raster handles.
	RastersReclaim

	// Count is the number of stages.
	Count
)

// String returns the kernel name of the stage.
func (s ID) String() string {
	switch s {
	case BlockPoolInitIDs:
		return "block-pool-init-ids"
	case BlockPoolInitAtomics:
		return "block-pool-init-atomics"
	case PathsAlloc:
		return "paths-alloc"
	case PathsCopy:
		return "paths-copy"
	case FillsExpand:
		return "fills-expand"
	case RasterizeAll:
		return "rasterize-all"
	case RasterizeLines:
		return "rasterize-lines"
	case RasterizeQuads:
		return "rasterize-quads"
	case RasterizeCubics:
		return "rasterize-cubics"
	case RasterizeRatQuads:
		return "rasterize-rat-quads"
	case RasterizeRatCubics:
		return "rasterize-rat-cubics"
	case SegmentTTRK:
		return "segment-ttrk"
	case RastersAlloc:
		return "rasters-alloc"
	case Prefix:
		return "prefix"
	case Place:
		return "place"
	case SegmentTTCK:
		return "segment-ttck"
	case Render:
		return "render"
	case PathsReclaim:
		return "paths-reclaim"
	case RastersReclaim:
		return "rasters-reclaim"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Valid reports whether s names a stage.
func (s ID) Valid() bool { return s >= 0 && s < Count }

// IsRasterize reports whether s is one of the rasterize variants.
func (s ID) IsRasterize() bool { return s >= RasterizeAll && s <= RasterizeRatCubics }

// Rasterize returns the rasterize variant for a prim tag (line 0 through
// rational cubic 4).
func Rasterize(tag uint32) ID {
	if tag > 4 {
		return RasterizeAll
	}
	return RasterizeLines + ID(tag)
}

// Order is the dispatch order of the pipeline. Stages in the same group
// are alternatives or run as one step; the sorts between rasterize and
// segment-ttrk and between place and segment-ttck are not kernels of their
// own.
var Order = [][]ID{
	{BlockPoolInitIDs},
	{BlockPoolInitAtomics},
	{PathsAlloc},
	{PathsCopy},
	{FillsExpand},
	{RasterizeAll, RasterizeLines, RasterizeQuads, RasterizeCubics, RasterizeRatQuads, RasterizeRatCubics},
	{SegmentTTRK},
	{RastersAlloc},
	{Prefix},
	{Place},
	{SegmentTTCK},
	{Render},
	{PathsReclaim, RastersReclaim},
}

// Position returns the index of the group in [Order] that holds s, or -1.
func Position(s ID) int {
	for i, group := range Order {
		for _, g := range group {
			if g == s {
				return i
			}
		}
	}
	return -1
}

// Shape is the launch geometry of one dispatch. Local 0 lets the device
// choose the work-group size.
type Shape struct {
	Global uint32
	Local  uint32
}

// Forced local sizes.
const (
	RasterizeLocal = 32
	PrefixLocal    = 32
	SegmentLocal   = 64
	RenderLocal    = 16
)

// ForShape returns the launch shape of stage s over n work items. Stages
// with a forced local size round Global up to a multiple of it.
func ForShape(s ID, n uint32) Shape {
	var local uint32
	switch {
	case s.IsRasterize():
		local = RasterizeLocal
	case s == Prefix:
		local = PrefixLocal
	case s == SegmentTTRK || s == SegmentTTCK:
		local = SegmentLocal
	case s == Render:
		local = RenderLocal
	default:
		return Shape{Global: n}
	}
	return Shape{Global: WorkgroupCount(n, local) * local, Local: local}
}

// WorkgroupCount returns the number of work groups of size local that cover
// n items.
func WorkgroupCount(n, local uint32) uint32 {
	if n == 0 || local == 0 {
		return 0
	}
	return (n + local - 1) / local
}

// Groups returns the number of work groups of the shape. A shape with Local
// 0 is dispatched as one item per group.
func (s Shape) Groups() uint32 {
	if s.Local == 0 {
		return s.Global
	}
	return WorkgroupCount(s.Global, s.Local)
}

func (s Shape) String() string {
	return fmt.Sprintf("{global:%d local:%d}", s.Global, s.Local)
}
