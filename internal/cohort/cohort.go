// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cohort implements the raster cohort: a bounded batch of fill
// records rasterized together in one pass of the pipeline.
//
// A cohort is bounded by its record capacity and by its command capacity,
// one command per path prim. A submission that would exceed either bound
// is refused and leaves the accepted records untouched. A cohort is
// flushed exactly once.
package cohort

import (
	"errors"
	"fmt"
	"math"
)

// ErrRetired is returned when a retired cohort is flushed again.
var ErrRetired = errors.New("cohort: already flushed")

// PrimKinds is the number of prim kinds a path can hold.
const PrimKinds = 5

// Transform is a projective transform:
//
//	x' = (SX*x + SHX*y + TX) / (W0*x + W1*y + 1)
//	y' = (SHY*x + SY*y + TY) / (W0*x + W1*y + 1)
type Transform struct {
	SX, SHX, TX float32
	SHY, SY, TY float32
	W0, W1      float32
}

// Identity is the identity transform.
var Identity = Transform{SX: 1, SY: 1}

// Affine builds a transform from affine coefficients [a b c d e f] with
// x' = a*x + c*y + e and y' = b*x + d*y + f.
func Affine(c [6]float64) Transform {
	return Transform{
		SX: float32(c[0]), SHX: float32(c[2]), TX: float32(c[4]),
		SHY: float32(c[1]), SY: float32(c[3]), TY: float32(c[5]),
	}
}

// Apply maps (x, y). ok is false when the point maps to infinity.
func (t Transform) Apply(x, y float32) (float32, float32, bool) {
	w := t.W0*x + t.W1*y + 1
	if w == 0 || math.IsNaN(float64(w)) {
		return 0, 0, false
	}
	return (t.SX*x + t.SHX*y + t.TX) / w, (t.SHY*x + t.SY*y + t.TY) / w, true
}

// IsAffine reports whether t has no projective terms.
func (t Transform) IsAffine() bool { return t.W0 == 0 && t.W1 == 0 }

// Clip is a pixel-space clip rectangle.
type Clip struct {
	X0, Y0, X1, Y1 float32
}

// NoClip is a clip covering the whole raster space.
var NoClip = Clip{X0: 0, Y0: 0, X1: 4096 * 16, Y1: 4096 * 16}

// Empty reports whether c covers no area.
func (c Clip) Empty() bool { return !(c.X1 > c.X0 && c.Y1 > c.Y0) }

// Record is one fill submission.
type Record struct {
	Path      uint32 // path handle
	Block     uint32 // path head block, resolved at flush
	Transform Transform
	Clip      Clip
	EvenOdd   bool

	// Prims holds the prim count per kind, taken from the path header.
	Prims [PrimKinds]uint32
}

// Commands returns the number of rasterize commands r expands to.
func (r Record) Commands() uint32 {
	var n uint32
	for _, c := range r.Prims {
		n += c
	}
	return n
}

// Cohort is a bounded batch of records. It is not safe for concurrent use.
type Cohort struct {
	maxRecords  int
	maxCommands int

	records  []Record
	commands int
	perKind  [PrimKinds]uint32
	flushed  bool
}

// New returns an empty cohort.
func New(maxRecords, maxCommands int) *Cohort {
	return &Cohort{
		maxRecords:  maxRecords,
		maxCommands: maxCommands,
		records:     make([]Record, 0, min(maxRecords, 64)),
	}
}

// Submit appends r. It returns false, changing nothing, when the cohort is
// retired or r would exceed the record or command capacity.
func (c *Cohort) Submit(r Record) bool {
	if c.flushed || len(c.records) >= c.maxRecords {
		return false
	}
	n := int(r.Commands())
	if c.commands+n > c.maxCommands {
		return false
	}
	c.records = append(c.records, r)
	c.commands += n
	for k, p := range r.Prims {
		c.perKind[k] += p
	}
	return true
}

// Len returns the number of accepted records.
func (c *Cohort) Len() int { return len(c.records) }

// Records returns the accepted records. Callers may fill in Block.
func (c *Cohort) Records() []Record { return c.records }

// Commands returns the total command count.
func (c *Cohort) Commands() int { return c.commands }

// KindCounts returns the command count per prim kind.
func (c *Cohort) KindCounts() [PrimKinds]uint32 { return c.perKind }

// KindOffsets returns the first command index of each prim kind in the
// expanded command list, in kind order.
func (c *Cohort) KindOffsets() [PrimKinds]uint32 {
	var off [PrimKinds]uint32
	var sum uint32
	for k, n := range c.perKind {
		off[k] = sum
		sum += n
	}
	return off
}

// Retire marks the cohort flushed.
func (c *Cohort) Retire() error {
	if c.flushed {
		return ErrRetired
	}
	c.flushed = true
	return nil
}

// Retired reports whether the cohort has been flushed.
func (c *Cohort) Retired() bool { return c.flushed }

// Stats counts the keys of one flush.
type Stats struct {
	Records    int
	Commands   int
	TraceKeys  uint32 // emitted by rasterize
	Consumed   uint32 // consumed by segment-ttrk
	RasterKeys uint32 // written by prefix
}

func (s Stats) String() string {
	return fmt.Sprintf("cohort: %d records, %d commands, %d trace keys (%d consumed), %d raster keys",
		s.Records, s.Commands, s.TraceKeys, s.Consumed, s.RasterKeys)
}
