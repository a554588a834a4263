// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/wgpu/hal/noop"
)

// =============================================================================
// HAL Executor Tests
// =============================================================================

func TestOpenHALNoop(t *testing.T) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	defer instance.Destroy()
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Skip("noop backend exposes no adapter")
	}
	od, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("adapter Open failed: %v", err)
	}
	defer od.Device.Destroy()

	exec, err := compute.NewHALExecutor(od.Device, od.Queue, kernels.Programs(), 2)
	if err != nil {
		t.Fatalf("NewHALExecutor failed: %v", err)
	}
	d, err := Open(context.Background(), testConfig(), exec)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := d.Executor().Name(); got != "hal" {
		t.Errorf("executor = %q, want hal", got)
	}
	if d.sortPool == nil {
		t.Error("hal executor did not share its worker pool")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
