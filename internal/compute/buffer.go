// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"fmt"

	"honnef.co/go/safeish"
)

// Buffer is a device buffer of 32-bit words. The host mirror is the
// authoritative copy for host kernels; device executors upload it before a
// dispatch and read it back afterwards.
//
// Storage is 64-bit aligned so that element pairs can be viewed as keys.
type Buffer struct {
	label string
	words int
	data  []uint64
}

// NewBuffer allocates a zeroed buffer of n words.
func NewBuffer(label string, n int) *Buffer {
	if n < 0 {
		n = 0
	}
	return &Buffer{label: label, words: n, data: make([]uint64, (n+1)/2)}
}

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Len returns the size in words.
func (b *Buffer) Len() int { return b.words }

// Size returns the size in bytes.
func (b *Buffer) Size() uint64 { return uint64(b.words) * 4 }

// Words returns the buffer as 32-bit words.
func (b *Buffer) Words() []uint32 {
	if b.words == 0 {
		return nil
	}
	return safeish.SliceCast[[]uint32](b.data)[:b.words]
}

// Keys returns the buffer as 64-bit keys. An odd trailing word is not part
// of the view.
func (b *Buffer) Keys() []uint64 { return b.data[:b.words/2] }

// Bytes returns the buffer as little-endian bytes.
func (b *Buffer) Bytes() []byte {
	if b.words == 0 {
		return nil
	}
	return safeish.SliceCast[[]byte](b.data)[:b.words*4]
}

// Fill sets every word to v.
func (b *Buffer) Fill(v uint32) {
	w := b.Words()
	for i := range w {
		w[i] = v
	}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s[%d words]", b.label, b.words)
}
