// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/key"
	"github.com/gogpu/vrast/internal/stage"
)

// Raster head header words.
const (
	RasterBlocks      = 0
	RasterFlags       = 1
	RasterNodes       = 2
	RasterKeys        = 3
	RasterBounds      = 4 // four int32 words: min x, min y, max x, max y
	RasterHeaderWords = 8

	// FlagEvenOdd marks a raster filled with the even-odd rule.
	FlagEvenOdd = 1
)

// Record status values. Zero is a record waiting for rasters-alloc.
const (
	statusOutOfBlocks = 1
	statusTable       = 2
	statusNoPath      = 3
	statusAllocated   = 4 // allocated, prefix pending
	statusWritten     = 5
)

// emptyElement is an unused element of a raster key block.
const emptyElement = ^uint64(0)

// HeadKeys returns the key capacity of a raster head block.
func HeadKeys(l block.Layout) uint32 { return (l.BlockWords-RasterHeaderWords)/2 - 1 }

// NodeKeys returns the key capacity of a raster node block.
func NodeKeys(l block.Layout) uint32 { return l.BlockWords/2 - 1 }

// RasterNodeCount returns the key blocks a raster of n keys needs.
func RasterNodeCount(l block.Layout, n uint32) uint32 {
	nodes := uint32(1)
	if head := HeadKeys(l); n > head {
		nk := NodeKeys(l)
		nodes += (n - head + nk - 1) / nk
	}
	return nodes
}

// elementWord returns the key block and first word of key slot k.
func elementWord(l block.Layout, k uint32) (node, word uint32) {
	head := HeadKeys(l)
	if k < head {
		return 0, RasterHeaderWords + 2*k
	}
	k -= head
	nk := NodeKeys(l)
	return 1 + k/nk, 2 * (k % nk)
}

// RastersAlloc is the rasters-alloc stage, one invocation per record. It
// reserves the key and data blocks counted by segment-ttrk, links the key
// blocks, writes the head header and maps the raster handle. A record that
// cannot be allocated is marked failed and skipped by prefix. Records
// allocated by an earlier pass are skipped.
func RastersAlloc(m *Memory, s *Scratch) compute.Launch {
	l := m.Layout
	bw := l.BlockWords
	spb := l.SubblocksPerBlock()
	table := s.Table.Words()
	return compute.Launch{
		Stage: stage.RastersAlloc,
		Shape: stage.ForShape(stage.RastersAlloc, uint32(len(s.Records))),
		Kernel: func(gid uint32) {
			meta := s.meta(gid)
			n := atomic.LoadUint32(&meta[MetaKeys])
			nodes := RasterNodeCount(l, n)
			data := (n + spb - 1) / spb
			blocks := nodes + data

			if atomic.LoadUint32(&meta[MetaStatus]) != 0 {
				return
			}
			base := s.tableNext.Add(blocks) - blocks
			if base+blocks > s.table {
				s.overflow.Store(1)
				atomic.StoreUint32(&meta[MetaStatus], statusTable)
				return
			}
			ring, err := m.Pool.Reserve(blocks)
			if err != nil {
				atomic.StoreUint32(&meta[MetaStatus], statusOutOfBlocks)
				return
			}
			for i := uint32(0); i < blocks; i++ {
				table[base+i] = m.Pool.At(ring, i)
			}
			meta[MetaTable] = base
			meta[MetaNodes] = nodes
			meta[MetaDataBlocks] = data

			for j := uint32(0); j < nodes; j++ {
				w := m.words(table[base+j])
				for i := range w {
					w[i] = block.Invalid
				}
				if j+1 < nodes {
					w[bw-2] = table[base+j+1]
				}
			}
			head := m.words(table[base])
			head[RasterBlocks] = blocks
			head[RasterFlags] = 0
			if s.Records[gid].EvenOdd {
				head[RasterFlags] = FlagEvenOdd
			}
			head[RasterNodes] = nodes
			head[RasterKeys] = n
			bounds, ok := s.RecordBounds(gid)
			for i, b := range bounds {
				if !ok {
					b = 0
				}
				head[RasterBounds+i] = uint32(b)
			}
			m.setMap(s.Rasters[gid], table[base])
			atomic.StoreUint32(&meta[MetaStatus], statusAllocated)
		},
	}
}

// AllocErr returns the error of the first record rasters-alloc could not
// allocate, or nil.
func (s *Scratch) AllocErr() error {
	for r := range s.Records {
		switch atomic.LoadUint32(&s.meta(uint32(r))[MetaStatus]) {
		case statusOutOfBlocks:
			return fmt.Errorf("raster %d: %w", s.Rasters[r], block.ErrOutOfBlocks)
		case statusTable:
			return fmt.Errorf("raster %d: %w: allocation table", s.Rasters[r], ErrScratchOverflow)
		case statusNoPath:
			return fmt.Errorf("raster %d: path %d was not allocated: %w", s.Rasters[r], s.Records[r].Path, block.ErrOutOfBlocks)
		}
	}
	return nil
}

// RetryOutOfBlocks returns the records rasters-alloc found no blocks for
// to the pending state and reports how many there were.
func (s *Scratch) RetryOutOfBlocks() int {
	var n int
	for r := range s.Records {
		if atomic.CompareAndSwapUint32(&s.meta(uint32(r))[MetaStatus], statusOutOfBlocks, 0) {
			n++
		}
	}
	return n
}

// Commit marks the records written by the last prefix pass.
func (s *Scratch) Commit() {
	for r := range s.Records {
		atomic.CompareAndSwapUint32(&s.meta(uint32(r))[MetaStatus], statusAllocated, statusWritten)
	}
}

// RasterHeader is the decoded head block of a raster.
type RasterHeader struct {
	Blocks  uint32
	Nodes   uint32
	Keys    uint32
	EvenOdd bool
	Bounds  [4]int32
}

// ReadRasterHeader decodes the head block id.
func (m *Memory) ReadRasterHeader(id uint32) RasterHeader {
	w := m.words(id)
	h := RasterHeader{
		Blocks:  w[RasterBlocks],
		Nodes:   w[RasterNodes],
		Keys:    w[RasterKeys],
		EvenOdd: w[RasterFlags]&FlagEvenOdd != 0,
	}
	for i := range h.Bounds {
		h.Bounds[i] = int32(w[RasterBounds+i])
	}
	return h
}

// walkRaster calls node for every key block and elem for every key of the
// raster whose head block is head.
func (m *Memory) walkRaster(head uint32, node func(id uint32), elem func(k key.TTXK)) {
	bw := m.Layout.BlockWords
	id, from := head, uint32(RasterHeaderWords)
	for id != block.Invalid {
		w := m.words(id)
		next := w[bw-2]
		if elem != nil {
			for i := from; i+2 < bw; i += 2 {
				v := uint64(w[i]) | uint64(w[i+1])<<32
				if v != emptyElement {
					elem(key.TTXK(v))
				}
			}
		}
		if node != nil {
			node(id)
		}
		id, from = next, 0
	}
}

// RasterKeys returns the keys of the raster whose head block is head, in
// chain order.
func (m *Memory) RasterKeys(head uint32) []key.TTXK {
	var out []key.TTXK
	m.walkRaster(head, nil, func(k key.TTXK) { out = append(out, k) })
	return out
}

// Payload returns the subblock words referenced by a raster or composition
// key.
func (m *Memory) Payload(sb uint32) []uint32 {
	return m.subblock(sb)[:m.Layout.SubblockWords]
}

// RastersReclaim is the rasters-reclaim stage, one invocation per handle.
// Key blocks are released while walking the chain; a data block is
// released through the key that references its first subblock.
func RastersReclaim(m *Memory, handles []uint32) compute.Launch {
	var st status
	l := m.Layout
	return compute.Launch{
		Stage: stage.RastersReclaim,
		Shape: stage.ForShape(stage.RastersReclaim, uint32(len(handles))),
		Kernel: func(gid uint32) {
			h := handles[gid]
			head := m.BlockOf(h)
			if head == block.Invalid {
				return
			}
			var ids []uint32
			m.walkRaster(head,
				func(id uint32) { ids = append(ids, id) },
				func(k key.TTXK) {
					if l.IndexOf(k.Block()) == 0 {
						ids = append(ids, l.BlockOf(k.Block()))
					}
				})
			m.setMap(h, block.Invalid)
			for _, id := range ids {
				if err := m.Pool.Release(id); err != nil {
					st.fail(fmt.Errorf("raster %d: %w", h, err))
					return
				}
			}
		},
		Check: st.check,
	}
}
