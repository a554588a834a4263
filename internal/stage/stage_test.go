// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import "testing"

func TestStageString(t *testing.T) {
	seen := make(map[string]ID)
	for s := ID(0); s < Count; s++ {
		name := s.String()
		if prev, ok := seen[name]; ok {
			t.Errorf("stages %d and %d share name %q", prev, s, name)
		}
		seen[name] = s
	}
	if got := Count.String(); got != "Unknown(19)" {
		t.Errorf("Count.String() = %q, want Unknown(19)", got)
	}
}

func TestOrderCoversEveryStage(t *testing.T) {
	for s := ID(0); s < Count; s++ {
		if Position(s) < 0 {
			t.Errorf("stage %s missing from dispatch order", s)
		}
	}
	if Position(BlockPoolInitIDs) >= Position(PathsAlloc) {
		t.Error("pool init must precede paths-alloc")
	}
	if Position(RasterizeCubics) >= Position(SegmentTTRK) {
		t.Error("rasterize must precede segment-ttrk")
	}
	if Position(Place) >= Position(Render) {
		t.Error("place must precede render")
	}
}

func TestForShape(t *testing.T) {
	tests := []struct {
		stage ID
		n     uint32
		want  Shape
	}{
		{PathsAlloc, 7, Shape{Global: 7}},
		{FillsExpand, 0, Shape{}},
		{RasterizeAll, 1, Shape{Global: 32, Local: 32}},
		{RasterizeQuads, 64, Shape{Global: 64, Local: 32}},
		{Prefix, 33, Shape{Global: 64, Local: 32}},
		{SegmentTTRK, 65, Shape{Global: 128, Local: 64}},
		{SegmentTTCK, 0, Shape{Global: 0, Local: 64}},
		{Render, 17, Shape{Global: 32, Local: 16}},
	}
	for _, tt := range tests {
		got := ForShape(tt.stage, tt.n)
		if got != tt.want {
			t.Errorf("ForShape(%s, %d) = %v, want %v", tt.stage, tt.n, got, tt.want)
		}
	}
}

func TestRasterizeVariant(t *testing.T) {
	for tag := uint32(0); tag < 5; tag++ {
		s := Rasterize(tag)
		if !s.IsRasterize() || s == RasterizeAll {
			t.Errorf("Rasterize(%d) = %s", tag, s)
		}
	}
	if Rasterize(30) != RasterizeAll {
		t.Error("non-prim tag should map to rasterize-all")
	}
}

func TestWorkgroupCount(t *testing.T) {
	if got := WorkgroupCount(100, 32); got != 4 {
		t.Errorf("WorkgroupCount(100, 32) = %d, want 4", got)
	}
	if got := (Shape{Global: 5}).Groups(); got != 5 {
		t.Errorf("Groups with device-chosen local = %d, want 5", got)
	}
}
