// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/cohort"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/key"
)

// Per-record meta words in the cohort scratch.
const (
	MetaKeys       = 0  // raster keys counted by segment-ttrk
	MetaKeyCursor  = 1  // raster keys written by prefix
	MetaDataCursor = 2  // raster data subblocks written by prefix
	MetaTable      = 3  // first alloc table entry
	MetaNodes      = 4  // key blocks
	MetaDataBlocks = 5  // data blocks
	MetaStatus     = 6  // rasters-alloc outcome
	MetaBounds     = 8  // four int32 words: min x, min y, max x, max y
	MetaPrefixKeys = 12 // TTPKs written by prefix
	MetaWords      = 16
)

// Scratch is the private state of one in-flight cohort: the expanded
// commands, the trace subpixel blocks and trace keys emitted by rasterize,
// and the per-record meta words the later stages fill in.
type Scratch struct {
	layout block.Layout

	records  uint32
	commands uint32
	keys     uint32
	table    uint32

	Cmds  *compute.Buffer // record, tagged id
	TTSB  *compute.Buffer // one subblock per trace key
	Keys  *compute.Buffer // TTRK
	Sort  []uint64        // merge buffer for the key sort
	Meta  *compute.Buffer
	Table *compute.Buffer

	// Written per flush before the first stage runs.
	Records   []cohort.Record
	Rasters   []uint32 // raster handle per record
	Serial    uint32   // raster id of record 0
	KindBase  [key.PrimKinds]uint32
	Sorted    uint32 // trace keys in Keys after the count readback
	keyCount  atomic.Uint32
	overflow  atomic.Uint32
	cursors   [key.PrimKinds]atomic.Uint32
	tableNext atomic.Uint32
	consumed  atomic.Uint32
	written   atomic.Uint32
}

// NewScratch allocates scratch for a cohort of records records, commands
// commands and keys trace keys.
func NewScratch(layout block.Layout, records, commands, keys uint32) *Scratch {
	table := 2*keys + 4*records
	return &Scratch{
		layout:   layout,
		records:  records,
		commands: commands,
		keys:     keys,
		table:    table,
		Cmds:     compute.NewBuffer("cohort_cmds", 2*int(commands)),
		TTSB:     compute.NewBuffer("cohort_ttsb", int(keys)*int(layout.SubblockWords)),
		Keys:     compute.NewBuffer("cohort_ttrk", 2*int(keys)),
		Sort:     make([]uint64, keys),
		Meta:     compute.NewBuffer("cohort_meta", int(records)*MetaWords),
		Table:    compute.NewBuffer("cohort_table", int(table)),
	}
}

// Reset prepares the scratch for a flush of c. rasters holds the raster
// handle of every record and serial the raster id of the first one.
func (s *Scratch) Reset(c *cohort.Cohort, rasters []uint32, serial uint32) error {
	if uint32(c.Len()) > s.records || uint32(c.Commands()) > s.commands {
		return fmt.Errorf("%w: cohort of %d records does not fit", ErrScratchOverflow, c.Len())
	}
	s.Records = c.Records()
	s.Rasters = rasters
	s.Serial = serial
	s.KindBase = c.KindOffsets()
	s.Sorted = 0
	s.keyCount.Store(0)
	s.overflow.Store(0)
	for i := range s.cursors {
		s.cursors[i].Store(0)
	}
	s.tableNext.Store(0)
	s.consumed.Store(0)
	s.written.Store(0)
	clear(s.Cmds.Words()[:2*c.Commands()])
	for i := 1; i < 2*c.Commands(); i += 2 {
		s.Cmds.Words()[i] = key.TaggedVoid
	}

	meta := s.Meta.Words()
	for r := range s.Records {
		m := meta[r*MetaWords : (r+1)*MetaWords]
		clear(m)
		m[MetaBounds+0] = uint32(math.MaxInt32)
		m[MetaBounds+1] = uint32(math.MaxInt32)
		minInt := int32(math.MinInt32)
		m[MetaBounds+2] = uint32(minInt)
		m[MetaBounds+3] = uint32(minInt)
	}
	return nil
}

// meta returns the meta words of record r.
func (s *Scratch) meta(r uint32) []uint32 {
	return s.Meta.Words()[r*MetaWords : (r+1)*MetaWords]
}

// record maps a trace key raster id back to its record index.
func (s *Scratch) record(raster uint32) uint32 {
	return (raster - s.Serial) & key.TTRKRasterMax
}

// KeyCount returns the number of trace keys rasterize emitted, capped at
// the scratch capacity.
func (s *Scratch) KeyCount() uint32 { return min(s.keyCount.Load(), s.keys) }

// Emitted returns the number of trace keys rasterize tried to emit.
func (s *Scratch) Emitted() uint32 { return s.keyCount.Load() }

// Consumed returns the trace keys the segment-ttrk walk consumed.
func (s *Scratch) Consumed() uint32 { return s.consumed.Load() }

// Written returns the raster keys prefix wrote.
func (s *Scratch) Written() uint32 { return s.written.Load() }

// Overflowed reports whether any stage ran out of scratch.
func (s *Scratch) Overflowed() bool { return s.overflow.Load() != 0 }

// SortedKeys returns the trace keys to sort and walk.
func (s *Scratch) SortedKeys() []uint64 { return s.Keys.Keys()[:s.Sorted] }

// ttsb returns the words of trace subpixel block i.
func (s *Scratch) ttsb(i uint32) []uint32 {
	w := s.layout.SubblockWords
	return s.TTSB.Words()[i*w : (i+1)*w]
}

// RecordBounds returns the sub-pixel bounding box of record r. ok is false
// when the record produced no segments.
func (s *Scratch) RecordBounds(r uint32) (b [4]int32, ok bool) {
	m := s.meta(r)
	for i := range b {
		b[i] = int32(m[MetaBounds+i])
	}
	return b, b[0] <= b[2]
}

// RecordFailed reports whether rasters-alloc failed for record r.
func (s *Scratch) RecordFailed(r uint32) bool {
	st := atomic.LoadUint32(&s.meta(r)[MetaStatus])
	return st != 0 && st < statusAllocated
}

// allocated reports whether record r waits for prefix.
func (s *Scratch) allocated(r uint32) bool {
	return atomic.LoadUint32(&s.meta(r)[MetaStatus]) == statusAllocated
}
