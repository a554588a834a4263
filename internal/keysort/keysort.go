// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package keysort sorts pipeline keys in unsigned order.
//
// Keys are split into one run per worker, the runs are sorted in parallel
// and then merged pairwise, each merge level in parallel, ping-ponging
// between the keys and a scratch buffer of equal length.
package keysort

import (
	"slices"

	"golang.org/x/exp/constraints"

	"github.com/gogpu/vrast/internal/parallel"
)

// serialCutoff is the length below which Sort does not fan out.
const serialCutoff = 4096

// Sort sorts keys ascending. scratch, if at least len(keys) long, is used
// as the merge buffer; otherwise one is allocated. pool may be nil.
func Sort[K constraints.Unsigned](pool *parallel.WorkerPool, keys, scratch []K) {
	n := len(keys)
	if pool == nil || n < serialCutoff || pool.Workers() < 2 {
		slices.Sort(keys)
		return
	}
	if len(scratch) < n {
		scratch = make([]K, n)
	}
	scratch = scratch[:n]

	runs := pool.Workers()
	size := (n + runs - 1) / runs
	bounds := make([]int, 0, runs+1)
	for lo := 0; lo < n; lo += size {
		bounds = append(bounds, lo)
	}
	bounds = append(bounds, n)

	work := make([]func(), 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		lo, hi := bounds[i], bounds[i+1]
		work = append(work, func() { slices.Sort(keys[lo:hi]) })
	}
	pool.ExecuteAll(work)

	src, dst := keys, scratch
	for len(bounds) > 2 {
		next := make([]int, 0, len(bounds)/2+2)
		work = work[:0]
		for i := 0; i+1 < len(bounds); i += 2 {
			lo := bounds[i]
			next = append(next, lo)
			if i+2 >= len(bounds) {
				hi := bounds[i+1]
				work = append(work, func() { copy(dst[lo:hi], src[lo:hi]) })
				continue
			}
			mid, hi := bounds[i+1], bounds[i+2]
			work = append(work, func() { merge(dst[lo:hi], src[lo:mid], src[mid:hi]) })
		}
		next = append(next, n)
		pool.ExecuteAll(work)
		bounds = next
		src, dst = dst, src
	}
	if &src[0] != &keys[0] {
		copy(keys, src)
	}
}

// merge writes the sorted union of a and b into dst.
func merge[K constraints.Unsigned](dst, a, b []K) {
	i, j, k := 0, 0, 0
	for i < len(a) && j < len(b) {
		if b[j] < a[i] {
			dst[k] = b[j]
			j++
		} else {
			dst[k] = a[i]
			i++
		}
		k++
	}
	k += copy(dst[k:], a[i:])
	copy(dst[k:], b[j:])
}

// IsSorted reports whether keys are ascending.
func IsSorted[K constraints.Unsigned](keys []K) bool { return slices.IsSorted(keys) }
