// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import "github.com/gogpu/gpucontext"

// Option configures a Context during creation.
//
// Example:
//
//	// CPU executor with 4 workers (the default executor)
//	rc, err := vrast.New(ctx, vrast.DefaultConfig(), vrast.WithWorkers(4))
//
//	// Share the device of a gogpu application
//	rc, err := vrast.New(ctx, vrast.DefaultConfig(), vrast.WithDeviceProvider(app))
type Option func(*options)

type executorKind uint8

const (
	executorCPU executorKind = iota
	executorGPU
	executorProvider
)

// options holds the optional configuration of New.
type options struct {
	kind     executorKind
	workers  int
	provider gpucontext.DeviceProvider
}

func defaultOptions() options {
	return options{kind: executorCPU}
}

// WithWorkers sets the size of the worker pool that runs host stages and
// the key sorts. Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithCPU runs every stage on the host worker pool. This is the default.
func WithCPU() Option {
	return func(o *options) {
		o.kind = executorCPU
		o.provider = nil
	}
}

// WithGPU opens the default Vulkan device and dispatches the stages that
// have device programs on it. When no device can be opened New falls back
// to the CPU executor and logs a warning.
func WithGPU() Option {
	return func(o *options) {
		o.kind = executorGPU
		o.provider = nil
	}
}

// WithDeviceProvider dispatches on the device of a host application. The
// provider must expose its HAL device and queue; the context borrows them
// and Close leaves them open.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.kind = executorProvider
		o.provider = p
	}
}
