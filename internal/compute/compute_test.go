// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/vrast/internal/stage"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// ===== Buffer =====

func TestBufferViews(t *testing.T) {
	b := NewBuffer("test", 5)
	if b.Len() != 5 || b.Size() != 20 {
		t.Fatalf("Len/Size = %d/%d, want 5/20", b.Len(), b.Size())
	}
	w := b.Words()
	w[0], w[1] = 0x11111111, 0x22222222
	if got := b.Keys()[0]; got != 0x22222222_11111111 {
		t.Errorf("Keys()[0] = %#x, want lo word first", got)
	}
	if len(b.Keys()) != 2 {
		t.Errorf("len(Keys()) = %d, want 2", len(b.Keys()))
	}
	if got := b.Bytes()[0]; got != 0x11 {
		t.Errorf("Bytes()[0] = %#x, want 0x11", got)
	}
	b.Fill(7)
	for i, v := range b.Words() {
		if v != 7 {
			t.Fatalf("word %d = %d after Fill, want 7", i, v)
		}
	}
	if NewBuffer("empty", 0).Words() != nil {
		t.Error("empty buffer should have no words")
	}
}

// ===== CPU executor =====

func TestCPUExecutorRunsEveryInvocation(t *testing.T) {
	e := NewCPUExecutor(4)
	defer e.Close()

	var sum atomic.Uint64
	ev, err := e.Submit(Launch{
		Stage:  stage.FillsExpand,
		Shape:  stage.ForShape(stage.FillsExpand, 1000),
		Kernel: func(gid uint32) { sum.Add(uint64(gid)) },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := ev.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got, want := sum.Load(), uint64(999*1000/2); got != want {
		t.Errorf("sum of gids = %d, want %d", got, want)
	}
}

func TestCPUExecutorOrdering(t *testing.T) {
	e := NewCPUExecutor(2)
	defer e.Close()

	var value atomic.Int32
	gate := make(chan struct{})
	first := e.Task("first", func(context.Context) error {
		<-gate
		value.Store(1)
		return nil
	})
	second, err := e.Submit(Launch{
		Stage: stage.Place,
		Shape: stage.Shape{Global: 1},
		Kernel: func(uint32) {
			if value.Load() == 1 {
				value.Store(2)
			}
		},
	}, first)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	close(gate)
	if err := second.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if value.Load() != 2 {
		t.Errorf("value = %d, want 2 (dependency ran first)", value.Load())
	}
}

func TestCPUExecutorFailurePropagates(t *testing.T) {
	e := NewCPUExecutor(2)
	defer e.Close()

	boom := errors.New("boom")
	failed := e.Task("fail", func(context.Context) error { return boom })
	ran := false
	next := e.Task("next", func(context.Context) error { ran = true; return nil }, failed)
	err := next.Wait(context.Background())
	if !errors.Is(err, ErrDependency) || !errors.Is(err, boom) {
		t.Fatalf("dependent error = %v, want ErrDependency wrapping boom", err)
	}
	if ran {
		t.Error("dependent task ran after a failed dependency")
	}
}

func TestCPUExecutorKernelPanic(t *testing.T) {
	e := NewCPUExecutor(2)
	defer e.Close()

	ev, _ := e.Submit(Launch{
		Stage:  stage.Render,
		Shape:  stage.ForShape(stage.Render, 4),
		Kernel: func(gid uint32) { panic("bad tile") },
	})
	if err := ev.Wait(context.Background()); !errors.Is(err, ErrKernelPanic) {
		t.Fatalf("Wait = %v, want ErrKernelPanic", err)
	}
}

func TestCPUExecutorCheck(t *testing.T) {
	e := NewCPUExecutor(1)
	defer e.Close()

	full := errors.New("full")
	ev, _ := e.Submit(Launch{
		Stage:  stage.RastersAlloc,
		Shape:  stage.Shape{Global: 3},
		Kernel: func(uint32) {},
		Check:  func() error { return full },
	})
	if err := ev.Wait(context.Background()); !errors.Is(err, full) {
		t.Fatalf("Wait = %v, want check error", err)
	}
}

func TestCPUExecutorValidation(t *testing.T) {
	e := NewCPUExecutor(1)
	if _, err := e.Submit(Launch{Stage: stage.Count, Kernel: func(uint32) {}}); err == nil {
		t.Error("Submit accepted an invalid stage")
	}
	if _, err := e.Submit(Launch{Stage: stage.Prefix}); err == nil {
		t.Error("Submit accepted a launch without a kernel")
	}
	e.Close()
	if _, err := e.Submit(Launch{Stage: stage.Prefix, Kernel: func(uint32) {}}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
	if err := e.Task("late", func(context.Context) error { return nil }).Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Task after Close = %v, want ErrClosed", err)
	}
}

func TestEventWaitContext(t *testing.T) {
	ev := newEvent("pending")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := ev.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want DeadlineExceeded", err)
	}
	if ev.Err() != nil {
		t.Error("Err() of a pending event should be nil")
	}
	if err := WaitAll(context.Background(), Completed("a"), nil, Completed("b")); err != nil {
		t.Errorf("WaitAll = %v", err)
	}
}

// ===== HAL executor =====

// createNoopDevice creates a noop device and queue for testing.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

const fillWGSL = `
struct Params {
    count: u32,
    value: u32,
    pad0: u32,
    pad1: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read_write> words: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if i >= params.count {
        return;
    }
    words[i] = params.value;
}
`

func TestHALExecutorNoop(t *testing.T) {
	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()

	programs := map[stage.ID]*Program{
		stage.BlockPoolInitIDs: {Label: "fill", WGSL: fillWGSL, WorkgroupSize: 64, ReadOnly: []bool{false}},
	}
	e, err := NewHALExecutor(device, queue, programs, 2)
	if err != nil {
		t.Fatalf("NewHALExecutor failed: %v", err)
	}
	defer e.Close()

	if !e.HasProgram(stage.BlockPoolInitIDs) || e.HasProgram(stage.Render) {
		t.Fatal("HasProgram reports the wrong stages")
	}

	buf := NewBuffer("words", 100)
	ev, err := e.Submit(Launch{
		Stage:   stage.BlockPoolInitIDs,
		Shape:   stage.ForShape(stage.BlockPoolInitIDs, 100),
		Program: programs[stage.BlockPoolInitIDs],
		Buffers: []*Buffer{buf},
		Params:  []uint32{100, 9},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := ev.Wait(context.Background()); err != nil {
		t.Fatalf("device dispatch failed: %v", err)
	}
	if e.Dispatches() != 1 {
		t.Errorf("Dispatches() = %d, want 1", e.Dispatches())
	}

	// Stages without a program run on the host.
	var ran atomic.Bool
	host, err := e.Submit(Launch{
		Stage:  stage.Render,
		Shape:  stage.ForShape(stage.Render, 1),
		Kernel: func(uint32) { ran.Store(true) },
	}, ev)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := host.Wait(context.Background()); err != nil || !ran.Load() {
		t.Fatalf("host fallback: err %v, ran %t", err, ran.Load())
	}
}

func TestHALExecutorCompileFailure(t *testing.T) {
	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()

	programs := map[stage.ID]*Program{
		stage.BlockPoolInitIDs: {Label: "broken", WGSL: "fn main( {", ReadOnly: []bool{false}},
	}
	if _, err := NewHALExecutor(device, queue, programs, 1); err == nil {
		t.Fatal("NewHALExecutor accepted an invalid program")
	}
}

func TestHALExecutorBuildsInDispatchOrder(t *testing.T) {
	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()

	broken := func(label string) *Program {
		return &Program{Label: label, WGSL: "fn main( {", ReadOnly: []bool{false}}
	}
	programs := map[stage.ID]*Program{
		stage.Render:      broken("render"),
		stage.Prefix:      broken("prefix"),
		stage.PathsCopy:   broken("paths-copy"),
		stage.SegmentTTCK: broken("segment-ttck"),
	}
	for range 8 {
		_, err := NewHALExecutor(device, queue, programs, 1)
		if err == nil {
			t.Fatal("NewHALExecutor accepted invalid programs")
		}
		if want := "compile " + stage.PathsCopy.String(); !strings.Contains(err.Error(), want) {
			t.Fatalf("error = %v, want it to name %s", err, stage.PathsCopy)
		}
	}
}

func TestHALExecutorInvalidStage(t *testing.T) {
	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()

	programs := map[stage.ID]*Program{
		stage.Count: {Label: "fill", WGSL: fillWGSL, WorkgroupSize: 64, ReadOnly: []bool{false}},
	}
	if _, err := NewHALExecutor(device, queue, programs, 1); err == nil {
		t.Fatal("NewHALExecutor accepted a program for an invalid stage")
	}
}

func TestFromProviderRejectsNonHAL(t *testing.T) {
	if _, err := FromProvider(nil, nil, 1); err == nil {
		t.Error("FromProvider(nil) succeeded")
	}
}
