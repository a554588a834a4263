// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"errors"
	"fmt"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/vrast/internal/key"
)

// ErrInvalidConfig is returned by [Config.Validate].
var ErrInvalidConfig = errors.New("pipeline: invalid config")

// Config sizes every extent of a device.
type Config struct {
	Layout block.Layout

	Handles         uint32
	ReclaimBatch    uint32
	ReclaimLowWater uint32

	PathStagingBlocks uint32

	CohortRasters   uint32
	CohortCommands  uint32
	CohortKeys      uint32
	CohortsInFlight uint32

	CompositionKeys uint32

	SplitRasterize bool
}

// Validate checks that the sizes are consistent.
func (c Config) Validate() error {
	if err := c.Layout.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch {
	case c.Layout.SubblockWords < kernels.TTPBWords:
		return fmt.Errorf("%w: subblocks of %d words cannot hold a prefix block", ErrInvalidConfig, c.Layout.SubblockWords)
	case c.Layout.BlockWords < kernels.PathHeaderWords+2:
		return fmt.Errorf("%w: blocks of %d words cannot hold a path head", ErrInvalidConfig, c.Layout.BlockWords)
	case c.Handles == 0:
		return fmt.Errorf("%w: zero handles", ErrInvalidConfig)
	case c.ReclaimBatch == 0 || c.ReclaimBatch > c.Handles:
		return fmt.Errorf("%w: reclaim batch %d", ErrInvalidConfig, c.ReclaimBatch)
	case c.ReclaimLowWater >= c.Handles:
		return fmt.Errorf("%w: reclaim low water %d not below %d handles", ErrInvalidConfig, c.ReclaimLowWater, c.Handles)
	case c.PathStagingBlocks == 0:
		return fmt.Errorf("%w: zero path staging blocks", ErrInvalidConfig)
	case c.CohortRasters == 0 || c.CohortCommands == 0 || c.CohortKeys == 0:
		return fmt.Errorf("%w: zero cohort capacity", ErrInvalidConfig)
	case c.CohortsInFlight == 0:
		return fmt.Errorf("%w: zero cohorts in flight", ErrInvalidConfig)
	case uint64(c.CohortRasters)*uint64(c.CohortsInFlight) > key.RasterIDs:
		return fmt.Errorf("%w: %d rasters x %d cohorts exceed %d raster ids",
			ErrInvalidConfig, c.CohortRasters, c.CohortsInFlight, key.RasterIDs)
	case c.CohortKeys > key.BlockMask:
		return fmt.Errorf("%w: %d cohort keys overflow subblock ids", ErrInvalidConfig, c.CohortKeys)
	case c.CompositionKeys == 0:
		return fmt.Errorf("%w: zero composition keys", ErrInvalidConfig)
	}
	return nil
}
