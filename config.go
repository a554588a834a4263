// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/pipeline"
)

// Config sizes every device resource of a Context. All capacities are
// fixed for the life of the context.
type Config struct {
	// Blocks is the block pool capacity.
	Blocks uint32
	// BlockWords is the number of 32-bit words per block, a power of two.
	BlockWords uint32
	// SubblockWords is the number of words per subblock, a power of two
	// dividing BlockWords and holding at least one prefix cover block.
	SubblockWords uint32

	// Handles is the handle pool capacity, shared by paths and rasters.
	Handles uint32
	// ReclaimBatch is the number of zero-liveness handles one reclaim
	// launch releases.
	ReclaimBatch uint32
	// ReclaimLowWater forces partial reclaim batches once the free stack
	// is at or below it.
	ReclaimLowWater uint32

	// PathStagingBlocks is the size of the host path staging extent.
	PathStagingBlocks uint32

	// CohortRasters and CohortCommands bound one raster cohort: records
	// and prims.
	CohortRasters  uint32
	CohortCommands uint32
	// CohortKeys is the trace key capacity of one cohort.
	CohortKeys uint32
	// CohortsInFlight is the number of cohorts that may be in flight at
	// once, each with its own scratch set.
	CohortsInFlight uint32

	// CompositionKeys is the default key capacity of a composition.
	CompositionKeys uint32

	// SplitRasterize launches one rasterize stage per prim kind instead of
	// rasterize-all.
	SplitRasterize bool
}

// DefaultConfig returns a configuration sized for a few thousand paths on
// surfaces up to 2048x2048 pixels.
func DefaultConfig() Config {
	return Config{
		Blocks:            1 << 15,
		BlockWords:        128,
		SubblockWords:     16,
		Handles:           1 << 13,
		ReclaimBatch:      32,
		ReclaimLowWater:   32,
		PathStagingBlocks: 512,
		CohortRasters:     256,
		CohortCommands:    1 << 14,
		CohortKeys:        1 << 16,
		CohortsInFlight:   2,
		CompositionKeys:   1 << 16,
	}
}

// Validate checks that c describes a consistent device. Errors wrap
// [ErrInvalidConfig].
func (c Config) Validate() error {
	return c.pipeline().Validate()
}

func (c Config) pipeline() pipeline.Config {
	return pipeline.Config{
		Layout: block.Layout{
			Blocks:        c.Blocks,
			BlockWords:    c.BlockWords,
			SubblockWords: c.SubblockWords,
		},
		Handles:           c.Handles,
		ReclaimBatch:      c.ReclaimBatch,
		ReclaimLowWater:   c.ReclaimLowWater,
		PathStagingBlocks: c.PathStagingBlocks,
		CohortRasters:     c.CohortRasters,
		CohortCommands:    c.CohortCommands,
		CohortKeys:        c.CohortKeys,
		CohortsInFlight:   c.CohortsInFlight,
		CompositionKeys:   c.CompositionKeys,
		SplitRasterize:    c.SplitRasterize,
	}
}
