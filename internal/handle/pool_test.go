// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package handle

import (
	"errors"
	"sync"
	"testing"
)

func newTestPool(t *testing.T, handles, batch uint32) *Pool {
	t.Helper()
	p, err := New(Config{Handles: handles, ReclaimBatch: batch, LowWater: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

// =============================================================================
// Acquire Tests
// =============================================================================

func TestAcquire(t *testing.T) {
	p := newTestPool(t, 4, 2)
	hs, err := p.Acquire(KindPath, 3)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if len(hs) != 3 || hs[0] != 0 || hs[1] != 1 || hs[2] != 2 {
		t.Errorf("Acquire = %v, want [0 1 2]", hs)
	}
	rc, err := p.Refcount(hs[0])
	if err != nil || rc.Host != 1 || rc.Device != 0 {
		t.Errorf("Refcount = %+v, %v; want host 1 device 0", rc, err)
	}
	if kind, _ := p.Kind(hs[1]); kind != KindPath {
		t.Errorf("Kind = %v, want path", kind)
	}
	if !p.Low() {
		t.Error("Low() = false with one free handle and low water 1")
	}
	if _, err := p.Acquire(KindRaster, 2); !errors.Is(err, ErrHandlesExhausted) {
		t.Fatalf("Acquire beyond capacity = %v, want ErrHandlesExhausted", err)
	}
	if p.Free() != 1 {
		t.Errorf("failed Acquire popped handles: Free() = %d, want 1", p.Free())
	}
}

// =============================================================================
// Refcount Tests
// =============================================================================

func TestRefcountSplitCounters(t *testing.T) {
	p := newTestPool(t, 2, 1)
	hs, _ := p.Acquire(KindRaster, 1)
	h := hs[0]

	if err := p.RetainDevice(h); err != nil {
		t.Fatalf("RetainDevice failed: %v", err)
	}
	if err := p.ReleaseHost(h); err != nil {
		t.Fatalf("ReleaseHost failed: %v", err)
	}
	// The device still holds the handle.
	if !p.Live(h) {
		t.Fatal("handle retired while the device counter is non-zero")
	}
	if err := p.ReleaseHost(h); !errors.Is(err, ErrRefcountUnderflow) {
		t.Fatalf("ReleaseHost at zero = %v, want ErrRefcountUnderflow", err)
	}
	rc, _ := p.Refcount(h)
	if rc.Host != 0 || rc.Device != 1 {
		t.Fatalf("Refcount after rejected release = %+v, want host 0 device 1", rc)
	}
	if err := p.ReleaseDevice(h); err != nil {
		t.Fatalf("ReleaseDevice failed: %v", err)
	}
	if p.Live(h) {
		t.Fatal("handle still live with both counters at zero")
	}
	if err := p.RetainHost(h); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("RetainHost on retired handle = %v, want ErrInvalidHandle", err)
	}
}

func TestRefcountOverflow(t *testing.T) {
	p := newTestPool(t, 1, 1)
	hs, _ := p.Acquire(KindPath, 1)
	for range 254 {
		if err := p.RetainHost(hs[0]); err != nil {
			t.Fatalf("RetainHost failed: %v", err)
		}
	}
	if err := p.RetainHost(hs[0]); !errors.Is(err, ErrRefcountOverflow) {
		t.Errorf("RetainHost at 255 = %v, want ErrRefcountOverflow", err)
	}
	rc, _ := p.Refcount(hs[0])
	if rc.Host != 255 {
		t.Errorf("Host = %d, want 255", rc.Host)
	}
}

func TestRefcountInvalid(t *testing.T) {
	p := newTestPool(t, 2, 1)
	if err := p.RetainHost(7); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("RetainHost out of range = %v, want ErrInvalidHandle", err)
	}
	if err := p.ReleaseDevice(0); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("ReleaseDevice on free handle = %v, want ErrInvalidHandle", err)
	}
}

func TestRefcountConcurrent(t *testing.T) {
	p := newTestPool(t, 1, 1)
	hs, _ := p.Acquire(KindRaster, 1)
	h := hs[0]

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if err := p.RetainDevice(h); err != nil {
					t.Errorf("RetainDevice failed: %v", err)
					return
				}
				if err := p.ReleaseDevice(h); err != nil {
					t.Errorf("ReleaseDevice failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	rc, err := p.Refcount(h)
	if err != nil || rc.Host != 1 || rc.Device != 0 {
		t.Errorf("Refcount = %+v, %v; want host 1 device 0", rc, err)
	}
}

// =============================================================================
// Reclaim Tests
// =============================================================================

func TestReclaimBatches(t *testing.T) {
	p := newTestPool(t, 8, 2)
	paths, _ := p.Acquire(KindPath, 3)
	rasters, _ := p.Acquire(KindRaster, 1)

	for _, h := range paths {
		if err := p.ReleaseHost(h); err != nil {
			t.Fatalf("ReleaseHost failed: %v", err)
		}
	}
	if _, ok := p.TakeBatch(KindRaster, true); ok {
		t.Fatal("raster batch taken with no raster pending")
	}

	b, ok := p.TakeBatch(KindPath, false)
	if !ok || len(b.Handles) != 2 || b.Kind != KindPath {
		t.Fatalf("TakeBatch = %+v, %t; want two path handles", b, ok)
	}
	if _, ok := p.TakeBatch(KindPath, false); ok {
		t.Fatal("partial batch taken without force")
	}
	rest, ok := p.TakeBatch(KindPath, true)
	if !ok || len(rest.Handles) != 1 {
		t.Fatalf("forced TakeBatch = %+v, %t; want one handle", rest, ok)
	}

	st := p.Stats()
	if st.InFlight != 2 || st.Pending != 0 || st.Live != 1 {
		t.Errorf("Stats = %+v, want 2 in flight, 0 pending, 1 live", st)
	}

	before := p.Free()
	if err := p.Complete(b); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := p.Complete(b); err == nil {
		t.Error("completing a batch twice succeeded")
	}
	if err := p.Complete(rest); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if p.Free() != before+3 {
		t.Errorf("Free() = %d, want %d", p.Free(), before+3)
	}

	// Reclaimed ids are reusable.
	again, err := p.Acquire(KindRaster, 3)
	if err != nil {
		t.Fatalf("Acquire after reclaim failed: %v", err)
	}
	for _, h := range again {
		if rc, err := p.Refcount(h); err != nil || rc.Host != 1 {
			t.Errorf("reacquired handle %d: %+v, %v", h, rc, err)
		}
	}
	_ = rasters
}

func TestStaleIDAfterReuse(t *testing.T) {
	p := newTestPool(t, 2, 1)
	hs, err := p.Acquire(KindPath, 2)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h := hs[0]
	if err := p.ReleaseHost(h); err != nil {
		t.Fatalf("ReleaseHost failed: %v", err)
	}
	if err := p.RetainHost(h); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("RetainHost while reclaiming = %v, want ErrInvalidHandle", err)
	}

	b, ok := p.TakeBatch(KindPath, true)
	if !ok {
		t.Fatal("no batch for the released handle")
	}
	if err := p.Complete(b); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	again, err := p.Acquire(KindRaster, 1)
	if err != nil {
		t.Fatalf("Acquire after reclaim failed: %v", err)
	}
	if again[0] != h {
		t.Fatalf("Acquire returned %d, want reused %d", again[0], h)
	}

	// The id alone cannot tell the new handle from the old one; the kind can.
	if k, err := p.Kind(h); err != nil || k != KindRaster {
		t.Errorf("Kind(%d) = %v, %v; want raster", h, k, err)
	}
	if err := p.RetainHost(h); err != nil {
		t.Fatalf("RetainHost on reused id failed: %v", err)
	}
	if rc, _ := p.Refcount(h); rc.Host != 2 {
		t.Errorf("host count = %d, want 2", rc.Host)
	}
}

func TestReclaimRecordStates(t *testing.T) {
	q := newReclaimQueue(1)
	q.push(KindPath, 3)
	b, ok := q.take(KindPath, false)
	if !ok {
		t.Fatal("take failed")
	}
	if got := q.slots[b.slot].state(); got != "in-flight" {
		t.Errorf("slot state = %s, want in-flight", got)
	}
	if err := q.complete(b); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if got := q.slots[b.slot].state(); got != "free" {
		t.Errorf("slot state = %s, want free", got)
	}
	// The freed slot is reused by the next pending batch.
	q.push(KindRaster, 4)
	if q.pending[KindRaster] != b.slot {
		t.Errorf("pending slot = %d, want reused slot %d", q.pending[KindRaster], b.slot)
	}
}
