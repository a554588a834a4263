// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package compute abstracts the compute device the pipeline runs on.
//
// A launch names a stage, its shape, the buffers it binds and the kernel
// body. Launches are asynchronous: Submit returns an [Event] that later
// launches list as dependencies, so the host only blocks where it waits on
// an event itself.
//
// Two executors exist. [CPUExecutor] runs kernel bodies on a worker pool,
// one call per global invocation id. [HALExecutor] compiles the stages that
// carry a WGSL program and dispatches them on a wgpu HAL device; the others
// run on its embedded CPU executor.
package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/vrast/internal/stage"
)

// Sentinel errors.
var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("compute: executor closed")

	// ErrDependency wraps the error of a failed dependency.
	ErrDependency = errors.New("compute: dependency failed")

	// ErrKernelPanic is returned when a kernel body panics.
	ErrKernelPanic = errors.New("compute: kernel panic")
)

// Kernel is the body of one stage, called once per global invocation id.
// Invocations of the same launch may run concurrently and must only share
// state through atomics.
type Kernel func(gid uint32)

// Program is the device form of a stage. Binding 0 is a uniform holding the
// launch params; bindings 1..n are the launch buffers in order.
type Program struct {
	Label         string
	WGSL          string
	WorkgroupSize uint32 // used when the launch lets the device choose
	ReadOnly      []bool // per buffer, whether the binding is read-only storage
}

// Launch describes one dispatch.
type Launch struct {
	Stage  stage.ID
	Shape  stage.Shape
	Kernel Kernel

	// Program, Buffers and Params are used by device executors.
	Program *Program
	Buffers []*Buffer
	Params  []uint32

	// Check runs after every invocation has finished. A non-nil error
	// fails the launch event; it stands in for reading back a status word.
	Check func() error
}

func (l Launch) String() string {
	return fmt.Sprintf("%s%v", l.Stage, l.Shape)
}

// Executor runs launches in dependency order.
type Executor interface {
	// Name identifies the executor in logs.
	Name() string

	// Submit queues l to run after every dependency has completed. A
	// failed dependency fails the returned event without running l.
	Submit(l Launch, deps ...*Event) (*Event, error)

	// Task queues a host step on the same timeline.
	Task(label string, fn func(context.Context) error, deps ...*Event) *Event

	// Close waits for queued work and releases the executor.
	Close() error
}

func validate(l Launch) error {
	if !l.Stage.Valid() {
		return fmt.Errorf("compute: invalid stage %d", int(l.Stage))
	}
	if l.Kernel == nil && l.Program == nil {
		return fmt.Errorf("compute: %s has neither kernel nor program", l.Stage)
	}
	if l.Program != nil && len(l.Program.ReadOnly) != len(l.Buffers) {
		return fmt.Errorf("compute: %s binds %d buffers, program declares %d",
			l.Stage, len(l.Buffers), len(l.Program.ReadOnly))
	}
	return nil
}
