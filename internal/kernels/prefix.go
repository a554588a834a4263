// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/image/math/fixed"

	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/key"
	"github.com/gogpu/vrast/internal/stage"
)

// TTPBWords is the size of a prefix block: one signed sub-pixel cover per
// pixel row of a tile.
const TTPBWords = key.TileHeight

// rowKey is a raster key produced by the row walk, before its payload
// subblock is known.
type rowKey struct {
	prefix bool
	span   uint32
	x, y   uint32
}

func (k rowKey) pack(sb uint32) key.TTXK {
	if k.prefix {
		return key.PackTTPK(sb, k.span, k.x, k.y)
	}
	return key.PackTTSK(sb, k.x, k.y)
}

// rowWalk converts one (raster, tile row) run of sorted trace keys into
// raster keys. Cover entering a tile from the left is injected into tiles
// with segments as vertical segments at x = 0; runs of tiles without
// segments but with non-zero cover become one prefix key. Segments on the
// left boundary of a tile that cancel the cover entering it belong to the
// tile on their left, so they are moved there at x = TTSMax. The walk is
// deterministic so segment-ttrk can count what prefix later writes.
type rowWalk struct {
	s       *Scratch
	per     int
	carry   [key.TileHeight]int32
	segs    []key.TTS
	payload []uint32

	// held is the last tile seen, emitted once the next tile is known.
	held    []key.TTS
	heldX   uint32
	holding bool
}

func newRowWalk(s *Scratch) *rowWalk {
	return &rowWalk{
		s:       s,
		per:     int(s.layout.SubblockWords / 2),
		payload: make([]uint32, s.layout.SubblockWords),
	}
}

func (w *rowWalk) run(run []uint64, emit func(k rowKey, payload []uint32)) {
	clear(w.carry[:])
	w.held, w.holding = w.held[:0], false
	y := key.TTRK(run[0]).Y()
	next, started := uint32(0), false
	for i := 0; i < len(run); {
		x := key.TTRK(run[i]).X()
		w.segs = w.segs[:0]
		j := i
		for ; j < len(run) && key.TTRK(run[j]).X() == x; j++ {
			tb := w.s.ttsb(key.TTRK(run[j]).TTSB())
			for k := 0; k+1 < len(tb); k += 2 {
				if seg, ok := key.DecodeTTS(tb[k], tb[k+1]); ok {
					w.segs = append(w.segs, seg)
				}
			}
		}

		if started && w.closing() {
			if !w.holding || w.heldX != x-1 {
				w.release(y, emit)
				if x-1 > next {
					w.prefix(next, x-1-next, y, emit)
				}
				w.held = w.appendCarry(w.held[:0])
				w.heldX, w.holding = x-1, true
			}
			for _, seg := range w.segs {
				addCover(&w.carry, seg)
				seg.X0, seg.X1 = key.TTSMax, key.TTSMax
				w.held = append(w.held, seg)
			}
			w.release(y, emit)
			next, i = x+1, j
			continue
		}

		w.release(y, emit)
		if started && x > next && w.carried() {
			w.prefix(next, x-next, y, emit)
		}
		w.held = append(w.held[:0], w.segs...)
		w.held = w.appendCarry(w.held)
		w.heldX, w.holding = x, true
		for _, seg := range w.segs {
			addCover(&w.carry, seg)
		}
		next, started, i = x+1, true, j
	}
	w.release(y, emit)
}

// closing reports whether the segments of the current tile all lie on its
// left boundary and cancel the carried cover.
func (w *rowWalk) closing() bool {
	if len(w.segs) == 0 || !w.carried() {
		return false
	}
	rest := w.carry
	for _, seg := range w.segs {
		if seg.X0 != 0 || seg.X1 != 0 {
			return false
		}
		addCover(&rest, seg)
	}
	return rest == [key.TileHeight]int32{}
}

// release emits the held tile as subpixel keys.
func (w *rowWalk) release(y uint32, emit func(k rowKey, payload []uint32)) {
	if !w.holding {
		return
	}
	w.holding = false
	for lo := 0; lo < len(w.held); lo += w.per {
		for k := range w.per {
			if lo+k < len(w.held) {
				w.payload[2*k], w.payload[2*k+1] = w.held[lo+k].Words()
			} else {
				w.payload[2*k], w.payload[2*k+1] = key.TTSEmpty, key.TTSEmpty
			}
		}
		clear(w.payload[2*w.per:])
		emit(rowKey{x: w.heldX, y: y}, w.payload)
	}
}

func (w *rowWalk) carried() bool {
	for _, c := range w.carry {
		if c != 0 {
			return true
		}
	}
	return false
}

// prefix emits prefix keys covering span tiles from column x.
func (w *rowWalk) prefix(x, span, y uint32, emit func(k rowKey, payload []uint32)) {
	clear(w.payload)
	for r, c := range w.carry {
		w.payload[r] = uint32(c)
	}
	for span > 0 {
		n := min(span, key.TTPKSpanMax)
		emit(rowKey{prefix: true, span: n, x: x, y: y}, w.payload)
		x += n
		span -= n
	}
}

// appendCarry appends the carry-in cover as vertical segments at x = 0.
// Full-row segments of the same winding level and sign in consecutive rows
// are merged.
func (w *rowWalk) appendCarry(segs []key.TTS) []key.TTS {
	const row = key.SubpixelScale
	var levels int32
	for _, c := range w.carry {
		levels = max(levels, (abs32(c)+row-1)/row)
	}
	for lvl := int32(0); lvl < levels; lvl++ {
		runStart, runSign := -1, int32(0)
		flush := func(end int) {
			if runStart < 0 {
				return
			}
			top, bot := fixed.Int26_6(runStart*row), fixed.Int26_6(end*row)
			if runSign > 0 {
				segs = append(segs, key.TTS{Y0: top, Y1: bot})
			} else {
				segs = append(segs, key.TTS{Y0: bot, Y1: top})
			}
			runStart = -1
		}
		for r, c := range w.carry {
			mag, sign := abs32(c), sign32(c)
			switch {
			case mag >= (lvl+1)*row:
				if runStart >= 0 && sign != runSign {
					flush(r)
				}
				if runStart < 0 {
					runStart, runSign = r, sign
				}
			case mag > lvl*row:
				flush(r)
				top := fixed.Int26_6(r * row)
				rem := fixed.Int26_6(mag - lvl*row)
				if sign > 0 {
					segs = append(segs, key.TTS{Y0: top, Y1: top + rem})
				} else {
					segs = append(segs, key.TTS{Y0: top + rem, Y1: top})
				}
			default:
				flush(r)
			}
		}
		flush(len(w.carry))
	}
	return segs
}

// addCover adds the per-row signed cover of seg to carry.
func addCover(carry *[key.TileHeight]int32, seg key.TTS) {
	const row = key.SubpixelScale
	lo, hi := int32(min(seg.Y0, seg.Y1)), int32(max(seg.Y0, seg.Y1))
	sign := sign32(int32(seg.Y1 - seg.Y0))
	for r := lo / row; r < key.TileHeight && r*row < hi; r++ {
		ov := min(hi, (r+1)*row) - max(lo, r*row)
		carry[r] += sign * ov
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func sign32(v int32) int32 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// runEnd returns the end of the run that starts at i, or -1 when i does
// not start a run.
func runEnd(keys []uint64, i int) int {
	k := key.TTRK(keys[i])
	if i > 0 && key.TTRK(keys[i-1]).SameRow(k) {
		return -1
	}
	j := i + 1
	for j < len(keys) && key.TTRK(keys[j]).SameRow(k) {
		j++
	}
	return j
}

// SegmentTTRK is the segment-ttrk stage, one invocation per sorted trace
// key. The invocation at the start of each (raster, row) run walks it and
// adds the raster keys it will produce to the record's count.
func SegmentTTRK(s *Scratch) compute.Launch {
	keys := s.SortedKeys()
	n := uint32(len(keys))
	return compute.Launch{
		Stage: stage.SegmentTTRK,
		Shape: stage.ForShape(stage.SegmentTTRK, n),
		Kernel: func(gid uint32) {
			if gid >= n {
				return
			}
			end := runEnd(keys, int(gid))
			if end < 0 {
				return
			}
			r := s.record(key.TTRK(keys[gid]).Raster())
			var count uint32
			newRowWalk(s).run(keys[gid:end], func(rowKey, []uint32) { count++ })
			atomic.AddUint32(&s.meta(r)[MetaKeys], count)
			s.consumed.Add(uint32(end) - gid)
		},
	}
}

// Prefix is the prefix stage, one invocation per sorted trace key. Run
// starts repeat the segment-ttrk walk and write each raster key and its
// payload into the blocks rasters-alloc reserved. Only records allocated
// since the last Commit are written.
func Prefix(m *Memory, s *Scratch) compute.Launch {
	l := m.Layout
	spb := l.SubblocksPerBlock()
	keys := s.SortedKeys()
	table := s.Table.Words()
	n := uint32(len(keys))
	var st status
	return compute.Launch{
		Stage: stage.Prefix,
		Shape: stage.ForShape(stage.Prefix, n),
		Kernel: func(gid uint32) {
			if gid >= n {
				return
			}
			end := runEnd(keys, int(gid))
			if end < 0 {
				return
			}
			r := s.record(key.TTRK(keys[gid]).Raster())
			if !s.allocated(r) {
				return
			}
			meta := s.meta(r)
			total := atomic.LoadUint32(&meta[MetaKeys])
			base, nodes := meta[MetaTable], meta[MetaNodes]
			newRowWalk(s).run(keys[gid:end], func(k rowKey, payload []uint32) {
				slot := atomic.AddUint32(&meta[MetaKeyCursor], 1) - 1
				d := atomic.AddUint32(&meta[MetaDataCursor], 1) - 1
				if slot >= total {
					st.fail(fmt.Errorf("kernels: raster %d wrote more keys than counted", s.Rasters[r]))
					return
				}
				sb := l.SubblockID(table[base+nodes+d/spb], d%spb)
				copy(m.Payload(sb), payload)
				node, word := elementWord(l, slot)
				v := uint64(k.pack(sb))
				w := m.words(table[base+node])
				w[word], w[word+1] = uint32(v), uint32(v>>32)
				if k.prefix {
					atomic.AddUint32(&meta[MetaPrefixKeys], 1)
				}
				s.written.Add(1)
			})
		},
		Check: st.check,
	}
}
