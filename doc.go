// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package vrast is a GPU-resident vector rasterizer.
//
// # Overview
//
// Paths are built on the host, copied into a pool of fixed-size device
// blocks, and rasterized in batches (raster cohorts) into per-tile sorted
// coverage records. Rasters are then placed on the layers of a tiled
// composition and rendered into a surface. Every stage runs as a launch on
// a compute executor: the host worker pool by default, or a wgpu HAL
// device for the stages that carry device programs.
//
// # Quick Start
//
//	rc, err := vrast.New(ctx, vrast.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer rc.Close()
//
//	p, err := rc.NewPathBuilder().Circle(64, 64, 48).End(ctx)
//	if err != nil {
//	    return err
//	}
//	rb := rc.NewRasterBuilder()
//	rb.Submit(p, vrast.Identity, vrast.NoClip, vrast.NonZero)
//	rasters, err := rb.Flush(ctx)
//	if err != nil {
//	    return err
//	}
//
//	comp, _ := rc.CompositionFor(128, 128)
//	comp.Place(rasters[0], 0, 0, 0)
//	if err := comp.Seal(ctx); err != nil {
//	    return err
//	}
//	surface := vrast.NewSurface(128, 128)
//	styling := vrast.NewStyling().SetLayer(0, vrast.RGBA(1, 0, 0, 1))
//	err = rc.Render(ctx, comp, styling, surface)
//
// # Handles
//
// Paths and rasters are handles into the device pool. Each carries two
// reference counts: one for the host, one for launches in flight. A handle
// is created with a host count of one; [Context.Release] drops it. Blocks
// are reclaimed in batches once both counts are zero.
//
// # Errors
//
// Resource exhaustion ([ErrOutOfBlocks], [ErrHandlesExhausted],
// [ErrCohortScratch], [ErrCompositionFull]) fails one submission and
// leaves the context usable. A device or kernel failure loses the
// context: every later call returns an error wrapping [ErrContextLost].
//
// # Coordinate System
//
//   - Origin (0,0) at top-left
//   - X increases right
//   - Y increases down
//   - Tiles are 16x16 pixels; raster space is 4096x4096 tiles
package vrast

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
