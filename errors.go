// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"errors"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/handle"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/vrast/internal/pipeline"
)

// Resource exhaustion. These fail one submission and leave the context
// usable; handle and block exhaustion is retried once after a forced
// reclaim before it is reported.
var (
	// ErrOutOfBlocks is returned when the block pool cannot satisfy an
	// allocation.
	ErrOutOfBlocks = block.ErrOutOfBlocks

	// ErrHandlesExhausted is returned when the handle free stack is empty.
	ErrHandlesExhausted = handle.ErrHandlesExhausted

	// ErrCohortScratch is returned when a raster cohort overflows its trace
	// key or allocation scratch space.
	ErrCohortScratch = kernels.ErrScratchOverflow

	// ErrCompositionFull is returned by Seal when the placed rasters produce
	// more keys than the composition holds.
	ErrCompositionFull = kernels.ErrCompositionOverflow

	// ErrPipelineOverloaded is returned when exhaustion persists after a
	// forced reclaim.
	ErrPipelineOverloaded = pipeline.ErrOverloaded
)

// Refcount misuse.
var (
	ErrRefcountUnderflow = handle.ErrRefcountUnderflow
	ErrRefcountOverflow  = handle.ErrRefcountOverflow
	ErrInvalidHandle     = handle.ErrInvalidHandle
)

var (
	// ErrContextLost is returned by every call after a device or kernel
	// failure. The original cause is wrapped alongside it.
	ErrContextLost = pipeline.ErrContextLost

	// ErrClosed is returned after Close.
	ErrClosed = pipeline.ErrClosed

	// ErrInvalidConfig is returned by Config.Validate and New.
	ErrInvalidConfig = pipeline.ErrInvalidConfig

	// ErrInvalidGeometry is returned by PathBuilder.End when an element
	// carried a NaN or infinite coordinate or a non-positive weight.
	ErrInvalidGeometry = errors.New("vrast: invalid geometry")

	// ErrPathTooLarge is returned when a path needs more blocks than the
	// staging extent holds.
	ErrPathTooLarge = kernels.ErrPathTooLarge

	// ErrFillRuleConflict is returned by Place when a layer already holds a
	// raster with the other fill rule.
	ErrFillRuleConflict = errors.New("vrast: conflicting fill rules on one layer")

	// ErrNotResident is returned by Place for a raster that has no blocks.
	ErrNotResident = errors.New("vrast: raster is not resident")

	// ErrSealed is returned when a sealed composition is modified.
	ErrSealed = errors.New("vrast: composition is sealed")

	// ErrNotSealed is returned by Render for a composition that was not
	// sealed.
	ErrNotSealed = errors.New("vrast: composition is not sealed")

	// ErrBuilderDone is returned when a finished builder is reused.
	ErrBuilderDone = errors.New("vrast: builder already finished")
)
