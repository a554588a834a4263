// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package handle

import "fmt"

// record is one slot of the reclaim queue. A slot is in exactly one of three
// states, each with its own payload type.
type record interface {
	state() string
}

// freeRecord links an unused slot into the free list.
type freeRecord struct {
	next int // index of the next free slot, -1 at the end
}

// pendingRecord collects zero-liveness handles of one kind until the batch
// is full or a reclaim is forced.
type pendingRecord struct {
	kind    Kind
	handles []uint32
}

// inFlightRecord is a batch handed to a reclaim stage and not yet complete.
type inFlightRecord struct {
	kind    Kind
	handles []uint32
	seq     uint64
}

func (freeRecord) state() string     { return "free" }
func (pendingRecord) state() string  { return "pending" }
func (inFlightRecord) state() string { return "in-flight" }

// reclaimQueue owns the reclaim slots. It is guarded by Pool.mu.
type reclaimQueue struct {
	batch    int
	slots    []record
	freeHead int
	pending  [kindCount]int // slot index per kind, -1 when none
	inFlight int
	seq      uint64
}

func newReclaimQueue(batch int) *reclaimQueue {
	q := &reclaimQueue{batch: batch, freeHead: -1}
	for k := range q.pending {
		q.pending[k] = -1
	}
	return q
}

func (q *reclaimQueue) alloc(r record) int {
	if q.freeHead < 0 {
		q.slots = append(q.slots, r)
		return len(q.slots) - 1
	}
	i := q.freeHead
	q.freeHead = q.slots[i].(freeRecord).next
	q.slots[i] = r
	return i
}

func (q *reclaimQueue) release(i int) {
	q.slots[i] = freeRecord{next: q.freeHead}
	q.freeHead = i
}

func (q *reclaimQueue) push(kind Kind, h uint32) {
	i := q.pending[kind]
	if i < 0 {
		i = q.alloc(pendingRecord{kind: kind, handles: make([]uint32, 0, q.batch)})
		q.pending[kind] = i
	}
	r := q.slots[i].(pendingRecord)
	r.handles = append(r.handles, h)
	q.slots[i] = r
}

func (q *reclaimQueue) pendingCount(kind Kind) int {
	i := q.pending[kind]
	if i < 0 {
		return 0
	}
	return len(q.slots[i].(pendingRecord).handles)
}

// take converts up to one batch of pending handles into an in-flight
// record.
func (q *reclaimQueue) take(kind Kind, force bool) (Batch, bool) {
	i := q.pending[kind]
	if i < 0 {
		return Batch{}, false
	}
	r := q.slots[i].(pendingRecord)
	n := len(r.handles)
	if n == 0 || (n < q.batch && !force) {
		return Batch{}, false
	}
	if n > q.batch {
		n = q.batch
	}
	handles := append([]uint32(nil), r.handles[:n]...)
	rest := r.handles[n:]

	q.seq++
	q.slots[i] = inFlightRecord{kind: kind, handles: handles, seq: q.seq}
	q.inFlight++
	q.pending[kind] = -1
	if len(rest) > 0 {
		next := make([]uint32, len(rest), q.batch)
		copy(next, rest)
		q.pending[kind] = q.alloc(pendingRecord{kind: kind, handles: next})
	}
	return Batch{Kind: kind, Handles: handles, slot: i, seq: q.seq}, true
}

func (q *reclaimQueue) complete(b Batch) error {
	if b.slot < 0 || b.slot >= len(q.slots) {
		return fmt.Errorf("handle: unknown reclaim batch")
	}
	r, ok := q.slots[b.slot].(inFlightRecord)
	if !ok || r.seq != b.seq {
		return fmt.Errorf("handle: reclaim batch slot %d is %s", b.slot, q.slots[b.slot].state())
	}
	q.release(b.slot)
	q.inFlight--
	return nil
}

// Batch is a set of zero-liveness handles of one kind handed to a reclaim
// stage.
type Batch struct {
	Kind    Kind
	Handles []uint32

	slot int
	seq  uint64
}

// TakeBatch returns the next reclaim batch of kind. Without force it only
// returns full batches.
func (p *Pool) TakeBatch(kind Kind, force bool) (Batch, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.take(kind, force)
}

// Complete finishes a reclaim batch: its handles return to the free stack.
func (p *Pool) Complete(b Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.queue.complete(b); err != nil {
		return err
	}
	for _, h := range b.Handles {
		p.refcounts[h].Store(0)
		p.states[h].Store(stateFree)
		p.free = append(p.free, h)
	}
	return nil
}

// Stats is a snapshot of handle pool occupancy.
type Stats struct {
	Capacity uint32
	Free     int
	Live     int
	Pending  int // zero-liveness handles not yet dispatched
	InFlight int // batches dispatched and not complete
}

// Stats returns a snapshot of handle pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Capacity: p.cfg.Handles, Free: len(p.free), InFlight: p.queue.inFlight}
	for k := range kindCount {
		s.Pending += p.queue.pendingCount(k)
	}
	for i := range p.states {
		if p.states[i].Load() == stateLive {
			s.Live++
		}
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("handles: %d live, %d free, %d pending reclaim, %d batches in flight",
		s.Live, s.Free, s.Pending, s.InFlight)
}
