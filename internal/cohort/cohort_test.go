// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cohort

import (
	"errors"
	"testing"
)

func rec(path uint32, lines, cubics uint32) Record {
	r := Record{Path: path, Transform: Identity, Clip: NoClip}
	r.Prims[0] = lines
	r.Prims[2] = cubics
	return r
}

func TestSubmitCapacity(t *testing.T) {
	c := New(2, 10)
	if !c.Submit(rec(1, 4, 0)) {
		t.Fatal("first submit refused")
	}
	// Command overflow leaves the cohort unchanged.
	if c.Submit(rec(2, 7, 0)) {
		t.Fatal("submit over command capacity accepted")
	}
	if c.Len() != 1 || c.Commands() != 4 {
		t.Fatalf("after refused submit: %d records, %d commands; want 1, 4", c.Len(), c.Commands())
	}
	if !c.Submit(rec(3, 2, 4)) {
		t.Fatal("second submit refused")
	}
	// Record overflow.
	if c.Submit(rec(4, 0, 0)) {
		t.Fatal("submit over record capacity accepted")
	}
	if got := c.Records()[1].Path; got != 3 {
		t.Errorf("second record path = %d, want 3", got)
	}
}

func TestKindOffsets(t *testing.T) {
	c := New(4, 100)
	c.Submit(rec(1, 3, 1))
	c.Submit(rec(2, 2, 5))
	counts := c.KindCounts()
	if counts[0] != 5 || counts[2] != 6 {
		t.Fatalf("KindCounts = %v, want lines 5 cubics 6", counts)
	}
	off := c.KindOffsets()
	want := [PrimKinds]uint32{0, 5, 5, 11, 11}
	if off != want {
		t.Errorf("KindOffsets = %v, want %v", off, want)
	}
}

func TestRetire(t *testing.T) {
	c := New(1, 1)
	if err := c.Retire(); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}
	if err := c.Retire(); !errors.Is(err, ErrRetired) {
		t.Errorf("second Retire = %v, want ErrRetired", err)
	}
	if c.Submit(rec(1, 0, 0)) {
		t.Error("submit to a retired cohort accepted")
	}
}

func TestTransformApply(t *testing.T) {
	tr := Affine([6]float64{2, 0, 0, 3, 10, 20})
	x, y, ok := tr.Apply(1, 1)
	if !ok || x != 12 || y != 23 {
		t.Errorf("Apply = (%v, %v, %t), want (12, 23, true)", x, y, ok)
	}
	p := Transform{SX: 1, SY: 1, W0: 1}
	if _, _, ok := p.Apply(-1, 0); ok {
		t.Error("point at infinity reported ok")
	}
	if p.IsAffine() || !tr.IsAffine() {
		t.Error("IsAffine wrong")
	}
}
