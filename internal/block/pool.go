// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package block implements the block pool: a fixed-capacity arena of
// power-of-two sized blocks handed out through a ring of free block ids.
//
// The ring and its two counters live in device words. Only alloc and reclaim
// stages touch them, and the pipeline never runs an alloc stage concurrently
// with a reclaim stage, so a reservation never races a release.
package block

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
)

// Sentinel errors.
var (
	// ErrOutOfBlocks is returned when the ring holds fewer free blocks than
	// requested. It is fatal to the submission that needed the blocks.
	ErrOutOfBlocks = errors.New("block: out of blocks")

	// ErrInvalidLayout is returned for block or subblock sizes that are not
	// powers of two or do not divide each other.
	ErrInvalidLayout = errors.New("block: invalid layout")

	// ErrOverRelease is returned when a release would push more ids than the
	// pool holds.
	ErrOverRelease = errors.New("block: release exceeds pool capacity")
)

// Indices into the ring-atomics words.
const (
	AtomicReads  = 0
	AtomicWrites = 1
	AtomicWords  = 2
)

// Invalid is the id stored in unused ring slots and empty map entries.
const Invalid = 0xFFFFFFFF

// Layout describes how device words are carved into blocks and subblocks.
type Layout struct {
	Blocks        uint32 // pool capacity
	BlockWords    uint32 // power of two
	SubblockWords uint32 // power of two, divides BlockWords
}

// Validate checks the layout invariants.
func (l Layout) Validate() error {
	switch {
	case l.Blocks == 0:
		return fmt.Errorf("%w: zero blocks", ErrInvalidLayout)
	case l.BlockWords == 0 || l.BlockWords&(l.BlockWords-1) != 0:
		return fmt.Errorf("%w: block words %d is not a power of two", ErrInvalidLayout, l.BlockWords)
	case l.SubblockWords == 0 || l.SubblockWords&(l.SubblockWords-1) != 0:
		return fmt.Errorf("%w: subblock words %d is not a power of two", ErrInvalidLayout, l.SubblockWords)
	case l.SubblockWords > l.BlockWords:
		return fmt.Errorf("%w: subblock larger than block", ErrInvalidLayout)
	case uint64(l.Blocks)*uint64(l.SubblocksPerBlock()) > 1<<27:
		return fmt.Errorf("%w: %d blocks overflow 27-bit subblock ids", ErrInvalidLayout, l.Blocks)
	}
	return nil
}

// SubblocksPerBlock returns the number of subblocks in one block.
func (l Layout) SubblocksPerBlock() uint32 { return l.BlockWords / l.SubblockWords }

// SubblockShift returns log2 of SubblocksPerBlock.
func (l Layout) SubblockShift() uint32 { return uint32(bits.TrailingZeros32(l.SubblocksPerBlock())) }

// Words returns the size of the block extent in words.
func (l Layout) Words() int { return int(l.Blocks) * int(l.BlockWords) }

// RingCapacity returns the ring size: the smallest power of two that holds
// every block id.
func (l Layout) RingCapacity() uint32 {
	if l.Blocks <= 1 {
		return 1
	}
	return 1 << bits.Len32(l.Blocks-1)
}

// BlockOffset returns the first word of block id.
func (l Layout) BlockOffset(id uint32) int { return int(id) * int(l.BlockWords) }

// SubblockID returns the id of subblock index within block id.
func (l Layout) SubblockID(id, index uint32) uint32 { return id<<l.SubblockShift() | index }

// SubblockOffset returns the first word of subblock sb.
func (l Layout) SubblockOffset(sb uint32) int { return int(sb) * int(l.SubblockWords) }

// BlockOf returns the block holding subblock sb.
func (l Layout) BlockOf(sb uint32) uint32 { return sb >> l.SubblockShift() }

// IndexOf returns the index of subblock sb within its block.
func (l Layout) IndexOf(sb uint32) uint32 { return sb & (l.SubblocksPerBlock() - 1) }

// Pool is the ring free list of one block extent. ring and atomics alias
// device buffers, so the free list itself is device state.
type Pool struct {
	layout  Layout
	ring    []uint32
	atomics []uint32
	mask    uint32

	highWater atomic.Uint32
}

// NewPool wraps the ring and ring-atomics words. ring must hold
// layout.RingCapacity() words and atomics at least AtomicWords.
func NewPool(layout Layout, ring, atomics []uint32) (*Pool, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	capacity := layout.RingCapacity()
	if uint32(len(ring)) < capacity {
		return nil, fmt.Errorf("%w: ring has %d words, want %d", ErrInvalidLayout, len(ring), capacity)
	}
	if len(atomics) < AtomicWords {
		return nil, fmt.Errorf("%w: ring atomics has %d words", ErrInvalidLayout, len(atomics))
	}
	return &Pool{layout: layout, ring: ring[:capacity], atomics: atomics, mask: capacity - 1}, nil
}

// Layout returns the pool layout.
func (p *Pool) Layout() Layout { return p.layout }

// InitIDs is the body of the block-pool-init-ids stage for ring slot i.
func (p *Pool) InitIDs(i uint32) {
	if i >= uint32(len(p.ring)) {
		return
	}
	if i < p.layout.Blocks {
		p.ring[i] = i
	} else {
		p.ring[i] = Invalid
	}
}

// InitAtomics is the body of the block-pool-init-atomics stage.
func (p *Pool) InitAtomics() {
	atomic.StoreUint32(&p.atomics[AtomicReads], 0)
	atomic.StoreUint32(&p.atomics[AtomicWrites], p.layout.Blocks)
	p.highWater.Store(0)
}

// Reserve claims n consecutive ring slots and returns the read index of the
// first one. The ids are read with [Pool.At].
func (p *Pool) Reserve(n uint32) (uint32, error) {
	if n == 0 {
		return atomic.LoadUint32(&p.atomics[AtomicReads]), nil
	}
	for {
		r := atomic.LoadUint32(&p.atomics[AtomicReads])
		w := atomic.LoadUint32(&p.atomics[AtomicWrites])
		if w-r < n {
			return 0, fmt.Errorf("%w: want %d, free %d", ErrOutOfBlocks, n, w-r)
		}
		if atomic.CompareAndSwapUint32(&p.atomics[AtomicReads], r, r+n) {
			p.noteInUse()
			return r, nil
		}
	}
}

// At returns the block id in ring slot base+i of a reservation.
func (p *Pool) At(base, i uint32) uint32 { return p.ring[(base+i)&p.mask] }

// Allocate pops one block id.
func (p *Pool) Allocate() (uint32, error) {
	base, err := p.Reserve(1)
	if err != nil {
		return Invalid, err
	}
	return p.At(base, 0), nil
}

// Release pushes id back to the ring.
func (p *Pool) Release(id uint32) error {
	if id >= p.layout.Blocks {
		return fmt.Errorf("%w: block id %d", ErrOverRelease, id)
	}
	for {
		r := atomic.LoadUint32(&p.atomics[AtomicReads])
		w := atomic.LoadUint32(&p.atomics[AtomicWrites])
		if w-r >= p.layout.Blocks {
			return fmt.Errorf("%w: block id %d", ErrOverRelease, id)
		}
		if atomic.CompareAndSwapUint32(&p.atomics[AtomicWrites], w, w+1) {
			p.ring[w&p.mask] = id
			return nil
		}
	}
}

// Free returns the number of blocks in the ring.
func (p *Pool) Free() uint32 {
	return atomic.LoadUint32(&p.atomics[AtomicWrites]) - atomic.LoadUint32(&p.atomics[AtomicReads])
}

// InUse returns the number of blocks handed out.
func (p *Pool) InUse() uint32 { return p.layout.Blocks - p.Free() }

func (p *Pool) noteInUse() {
	used := p.InUse()
	for {
		hw := p.highWater.Load()
		if used <= hw || p.highWater.CompareAndSwap(hw, used) {
			return
		}
	}
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Capacity  uint32
	Free      uint32
	InUse     uint32
	HighWater uint32
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	free := p.Free()
	return Stats{
		Capacity:  p.layout.Blocks,
		Free:      free,
		InUse:     p.layout.Blocks - free,
		HighWater: p.highWater.Load(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("blocks: %d/%d in use, %d free, high water %d", s.InUse, s.Capacity, s.Free, s.HighWater)
}
