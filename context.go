// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"context"
	"fmt"
	"io"

	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/kernels"
	"github.com/gogpu/vrast/internal/pipeline"
)

// Context owns one device pipeline: its block pool, handle pool, path
// staging and cohort scratch sets. All methods are safe for concurrent use
// unless noted; builders and compositions are not.
type Context struct {
	cfg Config
	dev *pipeline.Device
}

// Ensure Context implements io.Closer.
var _ io.Closer = (*Context)(nil)

// New creates a context and initializes its block pool. ctx bounds the
// initialization only.
//
//	rc, err := vrast.New(ctx, vrast.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer rc.Close()
func New(ctx context.Context, cfg Config, opts ...Option) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	exec, err := newExecutor(o)
	if err != nil {
		return nil, err
	}
	dev, err := pipeline.Open(ctx, cfg.pipeline(), exec)
	if err != nil {
		return nil, err
	}
	slogger().Info("vrast: context created",
		"executor", exec.Name(),
		"blocks", cfg.Blocks,
		"handles", cfg.Handles)
	return &Context{cfg: cfg, dev: dev}, nil
}

func newExecutor(o options) (compute.Executor, error) {
	switch o.kind {
	case executorProvider:
		if o.provider == nil {
			return nil, fmt.Errorf("vrast: nil device provider")
		}
		e, err := compute.FromProvider(o.provider, kernels.Programs(), o.workers)
		if err != nil {
			return nil, fmt.Errorf("vrast: %w", err)
		}
		return e, nil
	case executorGPU:
		e, err := compute.OpenDefault(kernels.Programs(), o.workers)
		if err == nil {
			return e, nil
		}
		slogger().Warn("vrast: GPU unavailable, using CPU executor", "err", err)
	}
	return compute.NewCPUExecutor(o.workers), nil
}

// Config returns the configuration the context was created with.
func (c *Context) Config() Config { return c.cfg }

// Executor returns the name of the executor the stages run on.
func (c *Context) Executor() string { return c.dev.Executor().Name() }

// Err returns nil while the context is usable. After a device failure it
// returns an error wrapping [ErrContextLost] and the cause.
func (c *Context) Err() error { return c.dev.Err() }

// Stats is a snapshot of context occupancy.
type Stats struct {
	BlocksFree      uint32
	BlocksInUse     uint32
	BlocksHighWater uint32

	HandlesFree     int
	HandlesLive     int
	HandlesPending  int // zero-liveness handles awaiting a reclaim launch
	ReclaimInFlight int // reclaim batches dispatched and not complete

	StagingFree uint32
}

// Stats returns a snapshot of context occupancy. It is exact only when no
// launches are in flight.
func (c *Context) Stats() Stats {
	s := c.dev.Stats()
	return Stats{
		BlocksFree:      s.Blocks.Free,
		BlocksInUse:     s.Blocks.InUse,
		BlocksHighWater: s.Blocks.HighWater,
		HandlesFree:     s.Handles.Free,
		HandlesLive:     s.Handles.Live,
		HandlesPending:  s.Handles.Pending,
		ReclaimInFlight: s.Handles.InFlight,
		StagingFree:     s.StagingFree,
	}
}

// FlushPaths makes every ended path resident and waits for the copy.
// Raster builders flush pending paths themselves.
func (c *Context) FlushPaths(ctx context.Context) error {
	ev, err := c.dev.FlushPaths()
	if err != nil {
		return err
	}
	return ev.Wait(ctx)
}

// Reclaim dispatches reclaim launches for every zero-liveness handle,
// including partial batches, and waits for them.
func (c *Context) Reclaim(ctx context.Context) error {
	if err := c.dev.Reclaim(true); err != nil {
		return err
	}
	return c.dev.WaitReclaim(ctx)
}

// Drain waits until every submitted launch has completed.
func (c *Context) Drain(ctx context.Context) error {
	return c.dev.Drain(ctx)
}

// Close waits for all submitted work and releases the executor. Handles
// still held become invalid. Close is idempotent.
func (c *Context) Close() error {
	return c.CloseContext(context.Background())
}

// CloseContext is Close with a bound on the wait.
func (c *Context) CloseContext(ctx context.Context) error {
	return c.dev.Close(ctx)
}
