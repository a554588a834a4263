// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package handle implements the handle pool: opaque 32-bit ids with split
// host and device liveness, indirecting through a device map to the block
// that backs them.
//
// Each handle owns a 16-bit reference count holding an 8-bit host counter
// in the high byte and an 8-bit device counter in the low byte. The value is
// only changed with compare-and-swap, so the combined-zero check is exact.
// A handle whose combined count reaches zero is queued for reclaim; the ids
// return to the free stack only after the reclaim stage has released their
// blocks.
//
// Ids carry no generation. An update is only defined while the caller holds
// a count on the handle: a retain racing the final release of the same id
// may land on the handle that reuses it after reclaim. Callers holding ids
// that may be stale check Kind before retaining.
package handle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Sentinel errors.
var (
	// ErrHandlesExhausted is returned when the free stack cannot satisfy an
	// acquire. A reclaim pass may replenish it.
	ErrHandlesExhausted = errors.New("handle: free stack exhausted")

	// ErrRefcountUnderflow is returned by a release whose counter is zero.
	ErrRefcountUnderflow = errors.New("handle: refcount underflow")

	// ErrRefcountOverflow is returned by a retain whose counter is 255.
	ErrRefcountOverflow = errors.New("handle: refcount overflow")

	// ErrInvalidHandle is returned for ids out of range or not live.
	ErrInvalidHandle = errors.New("handle: invalid handle")
)

// Kind distinguishes the two families of handles. It selects the reclaim
// stage that releases a handle's blocks.
type Kind uint8

const (
	KindPath Kind = iota
	KindRaster
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindRaster:
		return "raster"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

const (
	hostShift   = 8
	counterMask = 0xFF
	maxCount    = 0xFF
)

// Refcount is a decoded reference count.
type Refcount struct {
	Host, Device uint8
}

func packCount(host, device uint32) uint32 { return host<<hostShift | device }

func unpackCount(v uint32) (host, device uint32) { return v >> hostShift & counterMask, v & counterMask }

// handle states.
const (
	stateFree uint32 = iota
	stateLive
	stateReclaiming
)

// Config configures a Pool.
type Config struct {
	Handles      uint32 // number of handles
	ReclaimBatch uint32 // handles per reclaim dispatch
	LowWater     uint32 // free-stack level that forces a reclaim
}

// Pool is the handle pool. It is safe for concurrent use.
type Pool struct {
	cfg Config

	refcounts []atomic.Uint32
	states    []atomic.Uint32
	kinds     []Kind

	mu    sync.Mutex
	free  []uint32 // stack; top is the last element
	queue *reclaimQueue
}

// New creates a pool with every handle free.
func New(cfg Config) (*Pool, error) {
	if cfg.Handles == 0 {
		return nil, fmt.Errorf("handle: zero handles")
	}
	if cfg.ReclaimBatch == 0 {
		cfg.ReclaimBatch = 1
	}
	p := &Pool{
		cfg:       cfg,
		refcounts: make([]atomic.Uint32, cfg.Handles),
		states:    make([]atomic.Uint32, cfg.Handles),
		kinds:     make([]Kind, cfg.Handles),
		free:      make([]uint32, cfg.Handles),
		queue:     newReclaimQueue(int(cfg.ReclaimBatch)),
	}
	// Hand out low ids first.
	for i := range cfg.Handles {
		p.free[i] = cfg.Handles - 1 - i
	}
	return p, nil
}

// Capacity returns the number of handles.
func (p *Pool) Capacity() uint32 { return p.cfg.Handles }

// Acquire pops count handles of the given kind. Each starts with a host
// count of one and a device count of zero. On failure nothing is popped.
func (p *Pool) Acquire(kind Kind, count int) ([]uint32, error) {
	if count <= 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) < count {
		return nil, fmt.Errorf("%w: want %d, free %d", ErrHandlesExhausted, count, len(p.free))
	}
	top := len(p.free) - count
	out := make([]uint32, count)
	for i := range count {
		h := p.free[len(p.free)-1-i]
		out[i] = h
		p.kinds[h] = kind
		p.refcounts[h].Store(packCount(1, 0))
		p.states[h].Store(stateLive)
	}
	p.free = p.free[:top]
	return out, nil
}

// Low reports whether the free stack is at or below the low-water mark.
func (p *Pool) Low() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(len(p.free)) <= p.cfg.LowWater
}

// Free returns the number of handles on the free stack.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Kind returns the kind a live handle was acquired with.
func (p *Pool) Kind(h uint32) (Kind, error) {
	if err := p.check(h); err != nil {
		return 0, err
	}
	return p.kinds[h], nil
}

// Refcount returns the decoded reference count of h.
func (p *Pool) Refcount(h uint32) (Refcount, error) {
	if err := p.check(h); err != nil {
		return Refcount{}, err
	}
	host, device := unpackCount(p.refcounts[h].Load())
	return Refcount{Host: uint8(host), Device: uint8(device)}, nil
}

// Live reports whether h is live.
func (p *Pool) Live(h uint32) bool { return p.check(h) == nil }

func (p *Pool) check(h uint32) error {
	if h >= p.cfg.Handles {
		return fmt.Errorf("%w: %d out of range", ErrInvalidHandle, h)
	}
	if p.states[h].Load() != stateLive {
		return fmt.Errorf("%w: %d is not live", ErrInvalidHandle, h)
	}
	return nil
}

// RetainHost increments the host counter of each handle. It stops at the
// first error; handles before it stay retained.
func (p *Pool) RetainHost(hs ...uint32) error { return p.update(hs, hostShift, +1) }

// ReleaseHost decrements the host counter of each handle.
func (p *Pool) ReleaseHost(hs ...uint32) error { return p.update(hs, hostShift, -1) }

// RetainDevice increments the device counter of each handle. Only pipeline
// stages that embed handles in device structures call it.
func (p *Pool) RetainDevice(hs ...uint32) error { return p.update(hs, 0, +1) }

// ReleaseDevice decrements the device counter of each handle.
func (p *Pool) ReleaseDevice(hs ...uint32) error { return p.update(hs, 0, -1) }

func (p *Pool) update(hs []uint32, shift uint, delta int) error {
	for _, h := range hs {
		if err := p.updateOne(h, shift, delta); err != nil {
			return err
		}
	}
	return nil
}

// updateOne applies delta to one counter of h. The compare-and-swap cannot
// tell a reused id from the one the caller knew; see the package doc.
func (p *Pool) updateOne(h uint32, shift uint, delta int) error {
	if h >= p.cfg.Handles {
		return fmt.Errorf("%w: %d out of range", ErrInvalidHandle, h)
	}
	rc := &p.refcounts[h]
	for {
		if p.states[h].Load() != stateLive {
			return fmt.Errorf("%w: %d is not live", ErrInvalidHandle, h)
		}
		old := rc.Load()
		if old == 0 {
			return fmt.Errorf("%w: %d is not live", ErrInvalidHandle, h)
		}
		c := old >> shift & counterMask
		switch {
		case delta < 0 && c == 0:
			return fmt.Errorf("%w: handle %d", ErrRefcountUnderflow, h)
		case delta > 0 && c == maxCount:
			return fmt.Errorf("%w: handle %d", ErrRefcountOverflow, h)
		}
		var next uint32
		if delta > 0 {
			next = old + 1<<shift
		} else {
			next = old - 1<<shift
		}
		if !rc.CompareAndSwap(old, next) {
			continue
		}
		if next == 0 {
			p.retire(h)
		}
		return nil
	}
}

// retire moves h from live to the pending reclaim batch of its kind.
func (p *Pool) retire(h uint32) {
	p.states[h].Store(stateReclaiming)
	p.mu.Lock()
	p.queue.push(p.kinds[h], h)
	p.mu.Unlock()
}
