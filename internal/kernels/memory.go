// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package kernels holds the body of every pipeline stage.
//
// Each stage is exposed as a constructor returning a [compute.Launch]. The
// kernel bodies read and write device memory only through word buffers
// laid out as the path and raster node formats describe, and mutate shared
// counters only with atomics, so they run unchanged whether the executor
// calls them serially or across a worker pool. The block-pool init stages
// also carry a WGSL program for device executors.
package kernels

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/stage"
)

// Sentinel errors reported by kernel checks.
var (
	// ErrScratchOverflow is reported when a cohort runs out of trace key,
	// command or allocation table space.
	ErrScratchOverflow = errors.New("kernels: cohort scratch overflow")

	// ErrCompositionOverflow is reported when place runs out of
	// composition key space.
	ErrCompositionOverflow = errors.New("kernels: composition keys overflow")
)

//go:embed shaders/block_pool_init_ids.wgsl
var shaderInitIDs string

//go:embed shaders/block_pool_init_atomics.wgsl
var shaderInitAtomics string

// Programs returns the device programs, keyed by stage.
func Programs() map[stage.ID]*compute.Program {
	return map[stage.ID]*compute.Program{
		stage.BlockPoolInitIDs: {
			Label: "block_pool_init_ids", WGSL: shaderInitIDs, WorkgroupSize: 64,
			ReadOnly: []bool{false},
		},
		stage.BlockPoolInitAtomics: {
			Label: "block_pool_init_atomics", WGSL: shaderInitAtomics, WorkgroupSize: 64,
			ReadOnly: []bool{false},
		},
	}
}

// Memory is the device state shared by every cohort and composition: the
// block extent, the block ring with its counters, and the handle map.
type Memory struct {
	Layout block.Layout

	Blocks      *compute.Buffer
	Ring        *compute.Buffer
	RingAtomics *compute.Buffer
	Map         *compute.Buffer

	Pool *block.Pool
}

// NewMemory allocates device memory for layout and handles map entries.
func NewMemory(layout block.Layout, handles uint32) (*Memory, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if layout.SubblockWords < TTPBWords {
		return nil, fmt.Errorf("%w: subblocks of %d words cannot hold a prefix block",
			block.ErrInvalidLayout, layout.SubblockWords)
	}
	if layout.BlockWords < PathHeaderWords+2 {
		return nil, fmt.Errorf("%w: blocks of %d words cannot hold a path head",
			block.ErrInvalidLayout, layout.BlockWords)
	}
	m := &Memory{
		Layout:      layout,
		Blocks:      compute.NewBuffer("blocks", layout.Words()),
		Ring:        compute.NewBuffer("ring", int(layout.RingCapacity())),
		RingAtomics: compute.NewBuffer("ring_atomics", block.AtomicWords),
		Map:         compute.NewBuffer("map", int(handles)),
	}
	m.Map.Fill(block.Invalid)
	pool, err := block.NewPool(layout, m.Ring.Words(), m.RingAtomics.Words())
	if err != nil {
		return nil, err
	}
	m.Pool = pool
	return m, nil
}

// BlockOf returns the head block of handle h, or [block.Invalid].
func (m *Memory) BlockOf(h uint32) uint32 {
	w := m.Map.Words()
	if int(h) >= len(w) {
		return block.Invalid
	}
	return atomic.LoadUint32(&w[h])
}

func (m *Memory) setMap(h, id uint32) {
	atomic.StoreUint32(&m.Map.Words()[h], id)
}

// words returns the words of block id.
func (m *Memory) words(id uint32) []uint32 {
	off := m.Layout.BlockOffset(id)
	return m.Blocks.Words()[off : off+int(m.Layout.BlockWords)]
}

// subblock returns the words from subblock sb to the end of its block.
func (m *Memory) subblock(sb uint32) []uint32 {
	off := m.Layout.SubblockOffset(sb)
	end := m.Layout.BlockOffset(m.Layout.BlockOf(sb)) + int(m.Layout.BlockWords)
	return m.Blocks.Words()[off:end]
}

// InitIDs is the block-pool-init-ids stage.
func InitIDs(m *Memory) compute.Launch {
	n := m.Layout.RingCapacity()
	return compute.Launch{
		Stage:   stage.BlockPoolInitIDs,
		Shape:   stage.ForShape(stage.BlockPoolInitIDs, n),
		Kernel:  m.Pool.InitIDs,
		Program: Programs()[stage.BlockPoolInitIDs],
		Buffers: []*compute.Buffer{m.Ring},
		Params:  []uint32{n, m.Layout.Blocks},
	}
}

// InitAtomics is the block-pool-init-atomics stage.
func InitAtomics(m *Memory) compute.Launch {
	return compute.Launch{
		Stage: stage.BlockPoolInitAtomics,
		Shape: stage.ForShape(stage.BlockPoolInitAtomics, 1),
		Kernel: func(gid uint32) {
			if gid == 0 {
				m.Pool.InitAtomics()
			}
		},
		Program: Programs()[stage.BlockPoolInitAtomics],
		Buffers: []*compute.Buffer{m.RingAtomics},
		Params:  []uint32{m.Layout.Blocks},
	}
}

// status collects the first failure of a launch.
type status struct {
	err atomic.Pointer[error]
}

func (s *status) fail(err error) { s.err.CompareAndSwap(nil, &err) }

func (s *status) check() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

func f32(w uint32) float32 { return math.Float32frombits(w) }

func w32(f float32) uint32 { return math.Float32bits(f) }

// atomicMinInt32 and atomicMaxInt32 treat w as an int32.
func atomicMinInt32(w *uint32, v int32) {
	for {
		old := atomic.LoadUint32(w)
		if int32(old) <= v || atomic.CompareAndSwapUint32(w, old, uint32(v)) {
			return
		}
	}
}

func atomicMaxInt32(w *uint32, v int32) {
	for {
		old := atomic.LoadUint32(w)
		if int32(old) >= v || atomic.CompareAndSwapUint32(w, old, uint32(v)) {
			return
		}
	}
}
