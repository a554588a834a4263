// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"context"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// mockDevice implements gpucontext.Device for testing.
type mockDevice struct{}

func (m *mockDevice) Poll(wait bool) {}
func (m *mockDevice) Destroy()       {}

// mockQueue implements gpucontext.Queue for testing.
type mockQueue struct{}

// mockAdapter implements gpucontext.Adapter for testing.
type mockAdapter struct{}

// mockProvider implements gpucontext.DeviceProvider without HAL access.
type mockProvider struct{}

func (m *mockProvider) Device() gpucontext.Device             { return &mockDevice{} }
func (m *mockProvider) Queue() gpucontext.Queue               { return &mockQueue{} }
func (m *mockProvider) Adapter() gpucontext.Adapter           { return &mockAdapter{} }
func (m *mockProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }

// halProvider also exposes a HAL device and queue.
type halProvider struct {
	mockProvider
	device hal.Device
	queue  hal.Queue
}

func (p *halProvider) HalDevice() any { return p.device }
func (p *halProvider) HalQueue() any  { return p.queue }

func newNoopProvider(t *testing.T) *halProvider {
	t.Helper()
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	t.Cleanup(func() { instance.Destroy() })
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Skip("noop backend exposes no adapter")
	}
	od, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("adapter Open failed: %v", err)
	}
	t.Cleanup(func() { od.Device.Destroy() })
	return &halProvider{device: od.Device, queue: od.Queue}
}

func TestOptions(t *testing.T) {
	p := &mockProvider{}
	tests := []struct {
		name     string
		opts     []Option
		kind     executorKind
		workers  int
		provider bool
	}{
		{"default", nil, executorCPU, 0, false},
		{"workers", []Option{WithWorkers(3)}, executorCPU, 3, false},
		{"gpu", []Option{WithGPU()}, executorGPU, 0, false},
		{"provider", []Option{WithDeviceProvider(p)}, executorProvider, 0, true},
		{"cpu overrides provider", []Option{WithDeviceProvider(p), WithCPU()}, executorCPU, 0, false},
		{"last wins", []Option{WithCPU(), WithWorkers(2), WithGPU()}, executorGPU, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			for _, opt := range tt.opts {
				opt(&o)
			}
			if o.kind != tt.kind {
				t.Errorf("kind = %d, want %d", o.kind, tt.kind)
			}
			if o.workers != tt.workers {
				t.Errorf("workers = %d, want %d", o.workers, tt.workers)
			}
			if got := o.provider != nil; got != tt.provider {
				t.Errorf("provider set = %v, want %v", got, tt.provider)
			}
		})
	}
}

func TestProviderWithoutHAL(t *testing.T) {
	if _, err := New(context.Background(), testConfig(), WithDeviceProvider(&mockProvider{})); err == nil {
		t.Error("New with a provider lacking HAL access succeeded")
	}
}

func TestProviderHAL(t *testing.T) {
	rc, err := New(context.Background(), testConfig(), WithDeviceProvider(newNoopProvider(t)), WithWorkers(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := rc.Executor(); got != "hal" {
		t.Errorf("Executor() = %q, want hal", got)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestWithGPUFallsBack(t *testing.T) {
	rc := newTestContext(t, testConfig(), WithGPU())
	switch got := rc.Executor(); got {
	case "cpu", "hal":
	default:
		t.Errorf("Executor() = %q, want cpu or hal", got)
	}
}
