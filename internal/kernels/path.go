// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/key"
	"github.com/gogpu/vrast/internal/stage"
)

// Path head header words.
const (
	PathHandle      = 0
	PathBlocks      = 1
	PathNodes       = 2
	PathPrims       = 3
	PathKinds       = 4 // five words, one per prim kind
	PathBounds      = 10
	PathHeaderWords = 16
)

var (
	// ErrStagingFull is returned by [Staging.Write] when the staging
	// extent has too few free blocks. Retiring copied paths frees them.
	ErrStagingFull = errors.New("kernels: path staging full")

	// ErrPathTooLarge is returned for a path that needs more blocks than
	// the staging extent holds.
	ErrPathTooLarge = errors.New("kernels: path exceeds staging extent")
)

// Prim is one path element. Coords holds [key.PrimWords] floats.
type Prim struct {
	Tag    uint32
	Coords [10]float32
}

// Points calls fn for every control point of p, skipping weights.
func (p Prim) Points(fn func(x, y float32)) {
	c := p.Coords
	switch p.Tag {
	case key.TagLine:
		fn(c[0], c[1])
		fn(c[2], c[3])
	case key.TagQuad:
		fn(c[0], c[1])
		fn(c[2], c[3])
		fn(c[4], c[5])
	case key.TagCubic:
		fn(c[0], c[1])
		fn(c[2], c[3])
		fn(c[4], c[5])
		fn(c[6], c[7])
	case key.TagRatQuad:
		fn(c[0], c[1])
		fn(c[2], c[3])
		fn(c[5], c[6])
	case key.TagRatCubic:
		fn(c[0], c[1])
		fn(c[2], c[3])
		fn(c[5], c[6])
		fn(c[8], c[9])
	}
}

// PathPlan is the block budget of one path.
type PathPlan struct {
	Nodes uint32 // head plus chained node blocks
	Data  uint32

	// place holds, per prim, the data block (relative to the first data
	// block) and subblock index of its first subblock.
	place [][2]uint32
}

// Blocks returns the total block count.
func (p PathPlan) Blocks() uint32 { return p.Nodes + p.Data }

// HeadSlots returns the tagged-id capacity of a path head block.
func HeadSlots(l block.Layout) uint32 { return l.BlockWords - PathHeaderWords - 1 }

// NodeSlots returns the tagged-id capacity of a path node block.
func NodeSlots(l block.Layout) uint32 { return l.BlockWords - 1 }

// Plan computes the blocks a path of prims needs.
func Plan(l block.Layout, prims []Prim) PathPlan {
	var p PathPlan
	n := uint32(len(prims))
	p.Nodes = 1
	if head := HeadSlots(l); n > head {
		ns := NodeSlots(l)
		p.Nodes += (n - head + ns - 1) / ns
	}
	spb := l.SubblocksPerBlock()
	p.place = make([][2]uint32, len(prims))
	next := spb
	for i, pr := range prims {
		need := (uint32(key.PrimWords(pr.Tag)) + l.SubblockWords - 1) / l.SubblockWords
		if next+need > spb {
			p.Data++
			next = 0
		}
		p.place[i] = [2]uint32{p.Data - 1, next}
		next += need
	}
	return p
}

// stagingKind records what a staging block holds.
type stagingKind uint8

const (
	stagingData stagingKind = iota
	stagingHead
	stagingNode
)

// Staging is the host extent paths are built into before paths-copy
// moves them into pool blocks. Staging blocks are numbered by a rolling
// counter; block n lives in slot n mod the extent size. It is not safe for
// concurrent use.
type Staging struct {
	layout block.Layout
	Buf    *compute.Buffer
	size   uint32
	kinds  []stagingKind

	head, tail uint64
}

// NewStaging allocates a staging extent of blocks blocks.
func NewStaging(layout block.Layout, blocks uint32) (*Staging, error) {
	if blocks == 0 || uint64(blocks)*uint64(layout.SubblocksPerBlock()) > 1<<key.BlockBits {
		return nil, fmt.Errorf("%w: %d staging blocks", block.ErrInvalidLayout, blocks)
	}
	return &Staging{
		layout: layout,
		Buf:    compute.NewBuffer("path_staging", int(blocks)*int(layout.BlockWords)),
		size:   blocks,
		kinds:  make([]stagingKind, blocks),
	}, nil
}

// Blocks returns the extent size.
func (s *Staging) Blocks() uint32 { return s.size }

// Free returns the number of staging blocks not holding an uncopied path.
func (s *Staging) Free() uint32 { return s.size - uint32(s.head-s.tail) }

// Head returns the rolling number of the next staging block.
func (s *Staging) Head() uint64 { return s.head }

// Retire frees every staging block numbered below upTo.
func (s *Staging) Retire(upTo uint64) {
	if upTo > s.head {
		upTo = s.head
	}
	if upTo > s.tail {
		s.tail = upTo
	}
}

func (s *Staging) slot(n uint64) uint32 { return uint32(n % uint64(s.size)) }

func (s *Staging) words(n uint64) []uint32 {
	off := int(s.slot(n)) * int(s.layout.BlockWords)
	return s.Buf.Words()[off : off+int(s.layout.BlockWords)]
}

// PendingPath is a path written to staging and not yet copied.
type PendingPath struct {
	Handle uint32
	Start  uint64 // rolling number of the head block
	Plan   PathPlan
	Prims  [key.PrimKinds]uint32
	Bounds [4]float32
}

// Write stages prims as the path of handle.
func (s *Staging) Write(handle uint32, prims []Prim) (PendingPath, error) {
	plan := Plan(s.layout, prims)
	blocks := plan.Blocks()
	if blocks > s.size {
		return PendingPath{}, fmt.Errorf("%w: %d blocks, staging holds %d", ErrPathTooLarge, blocks, s.size)
	}
	if blocks > s.Free() {
		return PendingPath{}, ErrStagingFull
	}
	p := PendingPath{Handle: handle, Start: s.head, Plan: plan}
	s.head += uint64(blocks)

	bw := s.layout.BlockWords
	for i := uint32(0); i < blocks; i++ {
		w := s.words(p.Start + uint64(i))
		for j := range w {
			w[j] = key.TaggedVoid
		}
		switch {
		case i == 0:
			s.kinds[s.slot(p.Start)] = stagingHead
		case i < plan.Nodes:
			s.kinds[s.slot(p.Start+uint64(i))] = stagingNode
		default:
			s.kinds[s.slot(p.Start+uint64(i))] = stagingData
		}
	}

	p.Bounds = [4]float32{float32(math.Inf(1)), float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.Inf(-1))}
	node, slot := uint32(0), uint32(PathHeaderWords)
	for i, pr := range prims {
		if slot == bw-1 {
			link := s.words(p.Start + uint64(node))
			node++
			link[bw-1] = uint32(key.PackTagged(s.layout.SubblockID(s.slot(p.Start+uint64(node)), 0), key.TagNext))
			slot = 0
		}
		pl := plan.place[i]
		n := p.Start + uint64(plan.Nodes+pl[0])
		sb := s.layout.SubblockID(s.slot(n), pl[1])
		s.words(p.Start + uint64(node))[slot] = uint32(key.PackTagged(sb, pr.Tag))
		slot++

		data := s.words(n)[pl[1]*s.layout.SubblockWords:]
		for k := 0; k < key.PrimWords(pr.Tag); k++ {
			data[k] = w32(pr.Coords[k])
		}
		p.Prims[pr.Tag]++
		pr.Points(func(x, y float32) {
			p.Bounds[0] = min(p.Bounds[0], x)
			p.Bounds[1] = min(p.Bounds[1], y)
			p.Bounds[2] = max(p.Bounds[2], x)
			p.Bounds[3] = max(p.Bounds[3], y)
		})
	}
	if len(prims) == 0 {
		p.Bounds = [4]float32{}
	}

	h := s.words(p.Start)
	h[PathHandle] = handle
	h[PathBlocks] = blocks
	h[PathNodes] = plan.Nodes
	h[PathPrims] = uint32(len(prims))
	for k, c := range p.Prims {
		h[PathKinds+k] = c
	}
	for k, b := range p.Bounds {
		h[PathBounds+k] = w32(b)
	}
	return p, nil
}

// PathBatch is one flush of staged paths.
type PathBatch struct {
	Paths []PendingPath

	// Table maps every staged block to its pool block; offsets index the
	// first entry of each path.
	Table   []uint32
	offsets []uint32
	copies  [][2]uint32 // path index, block index within the path
}

// NewPathBatch prepares the alloc table for paths.
func NewPathBatch(paths []PendingPath) *PathBatch {
	b := &PathBatch{Paths: paths, offsets: make([]uint32, len(paths))}
	var n uint32
	for i, p := range paths {
		b.offsets[i] = n
		for j := uint32(0); j < p.Plan.Blocks(); j++ {
			b.copies = append(b.copies, [2]uint32{uint32(i), j})
		}
		n += p.Plan.Blocks()
	}
	b.Table = make([]uint32, n)
	for i := range b.Table {
		b.Table[i] = block.Invalid
	}
	return b
}

// End returns the rolling number just past the last staged block.
func (b *PathBatch) End() uint64 {
	if len(b.Paths) == 0 {
		return 0
	}
	last := b.Paths[len(b.Paths)-1]
	return last.Start + uint64(last.Plan.Blocks())
}

// Failed reports whether path i could not be allocated.
func (b *PathBatch) Failed(i int) bool { return b.Table[b.offsets[i]] == block.Invalid }

// FailedPaths returns the paths paths-alloc could not allocate.
func (b *PathBatch) FailedPaths() []PendingPath {
	var out []PendingPath
	for i, p := range b.Paths {
		if b.Failed(i) {
			out = append(out, p)
		}
	}
	return out
}

// PathsAlloc is the paths-alloc stage, one invocation per path. A path the
// pool cannot hold keeps an invalid map entry and is skipped by
// paths-copy.
func PathsAlloc(m *Memory, b *PathBatch) compute.Launch {
	return compute.Launch{
		Stage: stage.PathsAlloc,
		Shape: stage.ForShape(stage.PathsAlloc, uint32(len(b.Paths))),
		Kernel: func(gid uint32) {
			p := b.Paths[gid]
			n := p.Plan.Blocks()
			base, err := m.Pool.Reserve(n)
			if err != nil {
				return
			}
			off := b.offsets[gid]
			for i := uint32(0); i < n; i++ {
				b.Table[off+i] = m.Pool.At(base, i)
			}
			m.setMap(p.Handle, b.Table[off])
		},
	}
}

// PathsCopy is the paths-copy stage, one invocation per staged block.
// Tagged ids in head and node blocks are rewritten from staging ids to
// pool ids.
func PathsCopy(m *Memory, s *Staging, b *PathBatch) compute.Launch {
	l := m.Layout
	return compute.Launch{
		Stage: stage.PathsCopy,
		Shape: stage.ForShape(stage.PathsCopy, uint32(len(b.copies))),
		Kernel: func(gid uint32) {
			c := b.copies[gid]
			p := b.Paths[c[0]]
			off := b.offsets[c[0]]
			dstID := b.Table[off+c[1]]
			if dstID == block.Invalid {
				return
			}
			n := p.Start + uint64(c[1])
			src, dst := s.words(n), m.words(dstID)
			startSlot := s.slot(p.Start)
			remap := func(w uint32) uint32 {
				if w == key.TaggedVoid {
					return w
				}
				t := key.Tagged(w)
				sb := t.Subblock()
				rel := (l.BlockOf(sb) + s.size - startSlot) % s.size
				return uint32(key.PackTagged(l.SubblockID(b.Table[off+rel], l.IndexOf(sb)), t.Tag()))
			}
			switch s.kinds[s.slot(n)] {
			case stagingHead:
				copy(dst[:PathHeaderWords], src[:PathHeaderWords])
				for i := PathHeaderWords; i < len(dst); i++ {
					dst[i] = remap(src[i])
				}
			case stagingNode:
				for i := range dst {
					dst[i] = remap(src[i])
				}
			default:
				copy(dst, src)
			}
		},
	}
}

// PathHeader is the decoded head block of a path.
type PathHeader struct {
	Handle uint32
	Blocks uint32
	Nodes  uint32
	Prims  uint32
	Kinds  [key.PrimKinds]uint32
	Bounds [4]float32
}

// ReadPathHeader decodes the head block id.
func (m *Memory) ReadPathHeader(id uint32) PathHeader {
	w := m.words(id)
	h := PathHeader{Handle: w[PathHandle], Blocks: w[PathBlocks], Nodes: w[PathNodes], Prims: w[PathPrims]}
	for k := range h.Kinds {
		h.Kinds[k] = w[PathKinds+k]
	}
	for k := range h.Bounds {
		h.Bounds[k] = f32(w[PathBounds+k])
	}
	return h
}

// walkPath calls node for every node block and prim for every prim tagged
// id of the path whose head block is head.
func (m *Memory) walkPath(head uint32, node func(id uint32), prim func(t key.Tagged)) {
	bw := m.Layout.BlockWords
	id, from := head, uint32(PathHeaderWords)
	for {
		w := m.words(id)
		next := key.Tagged(w[bw-1])
		if prim != nil {
			for _, v := range w[from : bw-1] {
				if t := key.Tagged(v); v != key.TaggedVoid && t.IsPrim() {
					prim(t)
				}
			}
		}
		if node != nil {
			node(id)
		}
		if uint32(next) == key.TaggedVoid || next.Tag() != key.TagNext {
			return
		}
		id, from = m.Layout.BlockOf(next.Subblock()), 0
	}
}

// ReadPrim decodes the prim referenced by t.
func (m *Memory) ReadPrim(t key.Tagged) Prim {
	p := Prim{Tag: t.Tag()}
	w := m.subblock(t.Subblock())
	for i := 0; i < key.PrimWords(p.Tag); i++ {
		p.Coords[i] = f32(w[i])
	}
	return p
}

// PathPrims returns every prim of the path whose head block is head, in
// path order.
func (m *Memory) PathPrims(head uint32) []Prim {
	var out []Prim
	m.walkPath(head, nil, func(t key.Tagged) { out = append(out, m.ReadPrim(t)) })
	return out
}

// PathsReclaim is the paths-reclaim stage, one invocation per handle. It
// releases every block of the path and clears the map entry.
func PathsReclaim(m *Memory, handles []uint32) compute.Launch {
	var st status
	l := m.Layout
	return compute.Launch{
		Stage: stage.PathsReclaim,
		Shape: stage.ForShape(stage.PathsReclaim, uint32(len(handles))),
		Kernel: func(gid uint32) {
			h := handles[gid]
			head := m.BlockOf(h)
			if head == block.Invalid {
				return
			}
			var ids []uint32
			m.walkPath(head,
				func(id uint32) { ids = append(ids, id) },
				func(t key.Tagged) {
					if l.IndexOf(t.Subblock()) == 0 {
						ids = append(ids, l.BlockOf(t.Subblock()))
					}
				})
			m.setMap(h, block.Invalid)
			for _, id := range ids {
				if err := m.Pool.Release(id); err != nil {
					st.fail(fmt.Errorf("path %d: %w", h, err))
					return
				}
			}
		},
		Check: st.check,
	}
}
