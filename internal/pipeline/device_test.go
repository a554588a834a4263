// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/gogpu/vrast/internal/block"
	"github.com/gogpu/vrast/internal/cohort"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/handle"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/vrast/internal/key"
)

func testConfig() Config {
	return Config{
		Layout:            block.Layout{Blocks: 512, BlockWords: 128, SubblockWords: 16},
		Handles:           64,
		ReclaimBatch:      4,
		ReclaimLowWater:   2,
		PathStagingBlocks: 32,
		CohortRasters:     8,
		CohortCommands:    256,
		CohortKeys:        512,
		CohortsInFlight:   2,
		CompositionKeys:   1024,
	}
}

func openTest(t *testing.T, cfg Config) *Device {
	t.Helper()
	d, err := Open(context.Background(), cfg, compute.NewCPUExecutor(2))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(context.Background()); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return d
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func line(x0, y0, x1, y1 float32) kernels.Prim {
	return kernels.Prim{Tag: key.TagLine, Coords: [10]float32{x0, y0, x1, y1}}
}

func rect(x0, y0, x1, y1 float32) []kernels.Prim {
	return []kernels.Prim{line(x0, y0, x1, y0), line(x1, y0, x1, y1), line(x1, y1, x0, y1), line(x0, y1, x0, y0)}
}

// newPath acquires a path handle and stages prims for it.
func newPath(t *testing.T, d *Device, prims []kernels.Prim) uint32 {
	t.Helper()
	hs, err := d.Acquire(testCtx(t), handle.KindPath, 1)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := d.StagePath(testCtx(t), hs[0], prims); err != nil {
		t.Fatalf("StagePath failed: %v", err)
	}
	return hs[0]
}

// submit adds a record for path to c, taking the device count the flush
// drops.
func submit(t *testing.T, d *Device, c *cohort.Cohort, path uint32, prims []kernels.Prim, evenOdd bool) {
	t.Helper()
	r := cohort.Record{Path: path, Transform: cohort.Identity, Clip: cohort.NoClip, EvenOdd: evenOdd}
	for _, p := range prims {
		r.Prims[p.Tag]++
	}
	if !c.Submit(r) {
		t.Fatalf("Submit rejected path %d", path)
	}
	if err := d.Handles().RetainDevice(path); err != nil {
		t.Fatalf("RetainDevice failed: %v", err)
	}
}

func flush(t *testing.T, d *Device, c *cohort.Cohort) *CohortFlush {
	t.Helper()
	f, err := d.FlushCohort(testCtx(t), c)
	if err != nil {
		t.Fatalf("FlushCohort failed: %v", err)
	}
	if err := f.Wait(testCtx(t)); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	return f
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		ok   bool
	}{
		{"default", func(*Config) {}, true},
		{"small subblock", func(c *Config) { c.Layout.SubblockWords = 8 }, false},
		{"small block", func(c *Config) { c.Layout.BlockWords, c.Layout.SubblockWords = 16, 16 }, false},
		{"zero handles", func(c *Config) { c.Handles = 0 }, false},
		{"batch over handles", func(c *Config) { c.ReclaimBatch = 65 }, false},
		{"low water", func(c *Config) { c.ReclaimLowWater = 64 }, false},
		{"raster ids", func(c *Config) { c.CohortRasters, c.CohortsInFlight = 4096, 3 }, false},
		{"raster ids exact", func(c *Config) { c.CohortRasters, c.CohortsInFlight = 4096, 2 }, true},
		{"zero cohorts", func(c *Config) { c.CohortsInFlight = 0 }, false},
		{"zero composition", func(c *Config) { c.CompositionKeys = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.edit(&cfg)
			err := cfg.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%t", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

// =============================================================================
// Device Tests
// =============================================================================

func TestOpenInitializesPool(t *testing.T) {
	d := openTest(t, testConfig())
	st := d.Stats()
	if st.Blocks.Free != 512 || st.Handles.Free != 64 || st.StagingFree != 32 {
		t.Errorf("stats after Open = %+v, want 512 free blocks, 64 handles, 32 staging blocks", st)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Handles = 0
	if _, err := Open(context.Background(), cfg, compute.NewCPUExecutor(1)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Open = %v, want ErrInvalidConfig", err)
	}
}

func TestFlushPaths(t *testing.T) {
	d := openTest(t, testConfig())
	prims := rect(1, 2, 30, 40)
	h := newPath(t, d, prims)
	if d.BlockOf(h) != block.Invalid {
		t.Fatal("staged path is mapped before flush")
	}
	ev, err := d.FlushPaths()
	if err != nil {
		t.Fatalf("FlushPaths failed: %v", err)
	}
	if err := ev.Wait(testCtx(t)); err != nil {
		t.Fatalf("paths copy failed: %v", err)
	}
	head := d.BlockOf(h)
	if head == block.Invalid {
		t.Fatal("flushed path has no head block")
	}
	got := d.Memory().PathPrims(head)
	if len(got) != len(prims) || got[1] != prims[1] {
		t.Errorf("PathPrims = %v, want %v", got, prims)
	}
	rc, _ := d.Handles().Refcount(h)
	if rc.Host != 1 || rc.Device != 0 {
		t.Errorf("refcount after copy = %+v, want host 1 device 0", rc)
	}
	if d.Stats().StagingFree != 32 {
		t.Errorf("staging free = %d, want 32 after retire", d.Stats().StagingFree)
	}
}

func TestStagePathWaitsForSpace(t *testing.T) {
	cfg := testConfig()
	cfg.PathStagingBlocks = 4
	d := openTest(t, cfg)
	for range 5 {
		newPath(t, d, rect(0, 0, 8, 8)) // 2 blocks each
	}
	ev, err := d.FlushPaths()
	if err != nil {
		t.Fatalf("FlushPaths failed: %v", err)
	}
	if err := ev.Wait(testCtx(t)); err != nil {
		t.Fatalf("paths copy failed: %v", err)
	}
	if got := d.Stats().Blocks.InUse; got != 10 {
		t.Errorf("blocks in use = %d, want 10", got)
	}
}

func TestCohortFlushRect(t *testing.T) {
	d := openTest(t, testConfig())
	prims := rect(4, 4, 28, 28)
	p := newPath(t, d, prims)

	c := cohort.New(8, 256)
	submit(t, d, c, p, prims, false)
	f := flush(t, d, c)
	if len(f.Rasters) != 1 {
		t.Fatalf("got %d rasters, want 1", len(f.Rasters))
	}
	st := f.Stats()
	if st.TraceKeys != 4 || st.Consumed != 4 || st.RasterKeys != 4 {
		t.Errorf("stats = %v, want 4 trace keys consumed into 4 raster keys", st)
	}
	r := f.Rasters[0]
	if hdr := d.Memory().ReadRasterHeader(d.BlockOf(r)); hdr.Keys != 4 {
		t.Errorf("raster header keys = %d, want 4", hdr.Keys)
	}
	for _, h := range []uint32{p, r} {
		rc, _ := d.Handles().Refcount(h)
		if rc.Host != 1 || rc.Device != 0 {
			t.Errorf("handle %d refcount = %+v after flush, want host 1 device 0", h, rc)
		}
	}
	if !c.Retired() {
		t.Error("cohort not retired")
	}
	if _, err := d.FlushCohort(testCtx(t), c); !errors.Is(err, cohort.ErrRetired) {
		t.Errorf("second flush = %v, want cohort.ErrRetired", err)
	}
}

func TestCohortFlushEmpty(t *testing.T) {
	d := openTest(t, testConfig())
	f := flush(t, d, cohort.New(8, 256))
	if len(f.Rasters) != 0 {
		t.Errorf("empty cohort produced %d rasters", len(f.Rasters))
	}
}

func TestCohortFlushSplitRasterize(t *testing.T) {
	cfg := testConfig()
	cfg.SplitRasterize = true
	d := openTest(t, cfg)
	prims := append(rect(4, 4, 28, 28), kernels.Prim{Tag: key.TagQuad, Coords: [10]float32{40, 40, 60, 80, 80, 40}})
	prims = append(prims, line(80, 40, 40, 40))
	p := newPath(t, d, prims)
	c := cohort.New(8, 256)
	submit(t, d, c, p, prims, false)
	f := flush(t, d, c)
	if f.Stats().RasterKeys == 0 || f.Stats().Consumed != f.Stats().TraceKeys {
		t.Errorf("stats = %v, want every trace key consumed", f.Stats())
	}
}

func TestCohortScratchOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.CohortKeys = 2
	d := openTest(t, cfg)
	prims := rect(4, 4, 28, 28)
	p := newPath(t, d, prims)
	c := cohort.New(8, 256)
	submit(t, d, c, p, prims, false)

	f, err := d.FlushCohort(testCtx(t), c)
	if err != nil {
		t.Fatalf("FlushCohort failed: %v", err)
	}
	if err := f.Wait(testCtx(t)); !errors.Is(err, kernels.ErrScratchOverflow) {
		t.Fatalf("flush = %v, want ErrScratchOverflow", err)
	}
	if err := d.Err(); err != nil {
		t.Errorf("device unusable after overflow: %v", err)
	}
	if d.Handles().Live(f.Rasters[0]) {
		rc, _ := d.Handles().Refcount(f.Rasters[0])
		t.Errorf("failed raster still live with %+v", rc)
	}
}

func TestReclaimRestoresPool(t *testing.T) {
	d := openTest(t, testConfig())
	free := d.Stats().Blocks.Free

	prims := rect(4, 4, 100, 60)
	p := newPath(t, d, prims)
	c := cohort.New(8, 256)
	submit(t, d, c, p, prims, false)
	submit(t, d, c, p, prims, true)
	f := flush(t, d, c)
	if d.Stats().Blocks.Free >= free {
		t.Fatal("flush took no blocks")
	}

	if err := d.Handles().ReleaseHost(append(f.Rasters, p)...); err != nil {
		t.Fatalf("ReleaseHost failed: %v", err)
	}
	if err := d.Reclaim(true); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if err := d.WaitReclaim(testCtx(t)); err != nil {
		t.Fatalf("WaitReclaim failed: %v", err)
	}
	st := d.Stats()
	if st.Blocks.Free != free {
		t.Errorf("free blocks = %d, want %d", st.Blocks.Free, free)
	}
	if st.Handles.Free != 64 || st.Handles.Pending != 0 {
		t.Errorf("handles = %v, want all 64 free", st.Handles)
	}
	if d.BlockOf(p) != block.Invalid {
		t.Error("reclaimed path still mapped")
	}
}

func TestAcquireForcesReclaim(t *testing.T) {
	cfg := testConfig()
	cfg.Handles, cfg.ReclaimBatch, cfg.ReclaimLowWater = 4, 4, 0
	d := openTest(t, cfg)

	hs, err := d.Acquire(testCtx(t), handle.KindPath, 4)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := d.Acquire(testCtx(t), handle.KindPath, 1); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Acquire on empty pool = %v, want ErrOverloaded", err)
	}
	if err := d.Handles().ReleaseHost(hs[0]); err != nil {
		t.Fatalf("ReleaseHost failed: %v", err)
	}
	// One released handle sits in a partial batch until the forced pass.
	got, err := d.Acquire(testCtx(t), handle.KindRaster, 1)
	if err != nil {
		t.Fatalf("Acquire after release = %v, want success", err)
	}
	if got[0] != hs[0] {
		t.Errorf("Acquire returned %d, want recycled %d", got[0], hs[0])
	}
}

func TestPathsRetryAfterReclaim(t *testing.T) {
	cfg := testConfig()
	cfg.Layout.Blocks = 4
	d := openTest(t, cfg)

	first := newPath(t, d, rect(0, 0, 8, 8)) // 2 blocks
	second := newPath(t, d, rect(0, 0, 8, 8))
	if err := d.Handles().ReleaseHost(first); err != nil {
		t.Fatalf("ReleaseHost failed: %v", err)
	}
	ev, err := d.FlushPaths()
	if err != nil {
		t.Fatalf("FlushPaths failed: %v", err)
	}
	if err := ev.Wait(testCtx(t)); err != nil {
		t.Fatalf("paths copy failed: %v", err)
	}
	if d.BlockOf(second) == block.Invalid {
		t.Error("second path not resident")
	}

	// A third path only fits once the first is reclaimed.
	third := newPath(t, d, rect(0, 0, 8, 8))
	ev, err = d.FlushPaths()
	if err != nil {
		t.Fatalf("FlushPaths failed: %v", err)
	}
	if err := ev.Wait(testCtx(t)); err != nil {
		t.Fatalf("paths copy failed: %v", err)
	}
	if d.BlockOf(third) == block.Invalid {
		t.Error("third path not allocated after forced reclaim")
	}
}

func TestRastersRetryAfterReclaim(t *testing.T) {
	cfg := testConfig()
	cfg.Layout.Blocks = 16
	cfg.ReclaimBatch, cfg.ReclaimLowWater = 8, 0
	d := openTest(t, cfg)

	prims := rect(4, 4, 28, 28)
	p := newPath(t, d, prims)
	ev, err := d.FlushPaths()
	if err != nil {
		t.Fatalf("FlushPaths failed: %v", err)
	}
	if err := ev.Wait(testCtx(t)); err != nil {
		t.Fatalf("paths copy failed: %v", err)
	}
	free := d.Stats().Blocks.Free

	// Released rasters sit in a partial batch, so the pool runs dry well
	// before the batch fills.
	for i := range 12 {
		c := cohort.New(8, 256)
		submit(t, d, c, p, prims, false)
		f, err := d.FlushCohort(testCtx(t), c)
		if err != nil {
			t.Fatalf("flush %d: FlushCohort failed: %v", i, err)
		}
		if err := f.Wait(testCtx(t)); err != nil {
			t.Fatalf("flush %d failed: %v", i, err)
		}
		if got := f.Stats().RasterKeys; got != 4 {
			t.Errorf("flush %d wrote %d raster keys, want 4", i, got)
		}
		if err := d.Handles().ReleaseHost(f.Rasters...); err != nil {
			t.Fatalf("ReleaseHost failed: %v", err)
		}
	}

	if err := d.Reclaim(true); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if err := d.WaitReclaim(testCtx(t)); err != nil {
		t.Fatalf("WaitReclaim failed: %v", err)
	}
	if got := d.Stats().Blocks.Free; got != free {
		t.Errorf("free blocks = %d, want %d", got, free)
	}
}

func TestRastersOutOfBlocksOverloaded(t *testing.T) {
	cfg := testConfig()
	cfg.Layout.Blocks = 4
	d := openTest(t, cfg)

	prims := rect(4, 4, 100, 100)
	p := newPath(t, d, prims)
	c := cohort.New(8, 256)
	submit(t, d, c, p, prims, false)
	f, err := d.FlushCohort(testCtx(t), c)
	if err != nil {
		t.Fatalf("FlushCohort failed: %v", err)
	}
	if err := f.Wait(testCtx(t)); !errors.Is(err, ErrOverloaded) || !errors.Is(err, block.ErrOutOfBlocks) {
		t.Fatalf("flush = %v, want ErrOverloaded wrapping block.ErrOutOfBlocks", err)
	}
	if err := d.Err(); err != nil {
		t.Errorf("device unusable after exhaustion: %v", err)
	}
}

func TestSealAndRender(t *testing.T) {
	d := openTest(t, testConfig())
	prims := rect(4, 4, 28, 28)
	p := newPath(t, d, prims)
	c := cohort.New(8, 256)
	submit(t, d, c, p, prims, false)
	f := flush(t, d, c)

	comp, err := kernels.NewComposition(2, 2, 64)
	if err != nil {
		t.Fatalf("NewComposition failed: %v", err)
	}
	n, err := d.Seal(testCtx(t), comp, []kernels.Placement{{Raster: f.Rasters[0]}}, f.Done())
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if n != 4 {
		t.Errorf("sealed keys = %d, want 4", n)
	}
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	style := &kernels.Style{Default: kernels.Layer{Color: [4]float32{0, 1, 0, 1}}}
	if err := d.Render(testCtx(t), comp, n, style, img); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := img.RGBAAt(16, 16); got != (color.RGBA{0, 255, 0, 255}) {
		t.Errorf("pixel (16,16) = %v, want green", got)
	}
	if got := img.RGBAAt(1, 1); got != (color.RGBA{}) {
		t.Errorf("pixel (1,1) = %v, want clear", got)
	}
}

func TestSealCompositionOverflow(t *testing.T) {
	d := openTest(t, testConfig())
	prims := rect(4, 4, 28, 28)
	p := newPath(t, d, prims)
	c := cohort.New(8, 256)
	submit(t, d, c, p, prims, false)
	f := flush(t, d, c)

	comp, err := kernels.NewComposition(2, 2, 3)
	if err != nil {
		t.Fatalf("NewComposition failed: %v", err)
	}
	_, err = d.Seal(testCtx(t), comp, []kernels.Placement{{Raster: f.Rasters[0]}})
	if !errors.Is(err, kernels.ErrCompositionOverflow) {
		t.Fatalf("Seal = %v, want ErrCompositionOverflow", err)
	}
	if err := d.Err(); err != nil {
		t.Errorf("device unusable after composition overflow: %v", err)
	}
}

func TestContextLost(t *testing.T) {
	d := openTest(t, testConfig())
	err := d.fault(errors.New("device removed"))
	if !errors.Is(err, ErrContextLost) {
		t.Fatalf("fault = %v, want ErrContextLost", err)
	}
	if _, err := d.Acquire(testCtx(t), handle.KindPath, 1); !errors.Is(err, ErrContextLost) {
		t.Errorf("Acquire after loss = %v, want ErrContextLost", err)
	}
	if err := d.fault(block.ErrOutOfBlocks); errors.Is(err, ErrContextLost) {
		t.Errorf("exhaustion classified as loss: %v", err)
	}
}

func TestClosedDevice(t *testing.T) {
	d, err := Open(context.Background(), testConfig(), compute.NewCPUExecutor(1))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	newPath(t, d, rect(0, 0, 8, 8))
	if err := d.Close(testCtx(t)); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Close(testCtx(t)); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if _, err := d.Acquire(testCtx(t), handle.KindPath, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v, want ErrClosed", err)
	}
}
