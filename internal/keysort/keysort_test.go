// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package keysort

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gogpu/vrast/internal/parallel"
)

func randomKeys(n int, seed uint64) []uint64 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = r.Uint64()
	}
	return keys
}

func TestSort(t *testing.T) {
	pool := parallel.NewWorkerPool(4)
	defer pool.Close()

	for _, n := range []int{0, 1, 17, serialCutoff - 1, serialCutoff, 10_000, 65_537} {
		keys := randomKeys(n, uint64(n))
		want := slices.Clone(keys)
		slices.Sort(want)

		Sort(pool, keys, nil)
		if !slices.Equal(keys, want) {
			t.Fatalf("Sort(n=%d) does not match slices.Sort", n)
		}
	}
}

func TestSortOddWorkers(t *testing.T) {
	pool := parallel.NewWorkerPool(3)
	defer pool.Close()

	keys := randomKeys(20_001, 3)
	scratch := make([]uint64, len(keys))
	Sort(pool, keys, scratch)
	if !IsSorted(keys) {
		t.Fatal("keys not sorted with three runs")
	}
}

func TestSortDuplicatesAndNarrowKeys(t *testing.T) {
	pool := parallel.NewWorkerPool(4)
	defer pool.Close()

	keys := make([]uint32, 9000)
	for i := range keys {
		keys[i] = uint32(i % 7)
	}
	Sort(pool, keys, nil)
	if !IsSorted(keys) {
		t.Fatal("uint32 keys not sorted")
	}
	if keys[0] != 0 || keys[len(keys)-1] != 6 {
		t.Errorf("bounds = %d..%d, want 0..6", keys[0], keys[len(keys)-1])
	}
}

func TestSortNilPool(t *testing.T) {
	keys := []uint64{5, 3, 9, 1}
	Sort[uint64](nil, keys, nil)
	if !slices.Equal(keys, []uint64{1, 3, 5, 9}) {
		t.Errorf("got %v, want [1 3 5 9]", keys)
	}
}

func BenchmarkSort64K(b *testing.B) {
	pool := parallel.NewWorkerPool(0)
	defer pool.Close()

	src := randomKeys(1<<16, 1)
	keys := make([]uint64, len(src))
	scratch := make([]uint64, len(src))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		copy(keys, src)
		Sort(pool, keys, scratch)
	}
}
