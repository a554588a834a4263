// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/vrast/internal/parallel"
	"github.com/gogpu/vrast/internal/stage"
	"github.com/gogpu/wgpu/hal"

	// Vulkan backend registration for OpenDefault.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// fenceTimeout bounds a single device dispatch.
const fenceTimeout = 5 * time.Second

// paramsWords is the size of the params uniform.
const paramsWords = 4

// halProgram is a compiled device program.
type halProgram struct {
	module   hal.ShaderModule
	bgLayout hal.BindGroupLayout
	layout   hal.PipelineLayout
	pipeline hal.ComputePipeline
	readOnly []bool
	wgSize   uint32
}

// residentBuffer is the device copy of a Buffer and its readback staging.
type residentBuffer struct {
	buf     hal.Buffer
	staging hal.Buffer
	size    uint64
}

// HALExecutor dispatches stages that carry a [Program] on a wgpu HAL device
// and runs the rest on an embedded [CPUExecutor]. Device dispatches are
// serialized on the queue; buffers are uploaded before and read back after
// each dispatch.
type HALExecutor struct {
	cpu *CPUExecutor

	device   hal.Device
	queue    hal.Queue
	instance hal.Instance // nil when the device is borrowed
	external bool

	mu       sync.Mutex
	programs [stage.Count]*halProgram
	resident map[*Buffer]*residentBuffer

	dispatches uint64
}

// NewHALExecutor compiles programs on device and returns an executor. A
// compile or pipeline failure destroys what was built and returns the
// error. The device is borrowed: Close does not destroy it.
func NewHALExecutor(device hal.Device, queue hal.Queue, programs map[stage.ID]*Program, workers int) (*HALExecutor, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("compute: hal executor needs a device and a queue")
	}
	e := &HALExecutor{
		cpu:      NewCPUExecutor(workers),
		device:   device,
		queue:    queue,
		external: true,
		resident: make(map[*Buffer]*residentBuffer),
	}
	if err := e.build(programs); err != nil {
		e.destroyPrograms()
		_ = e.cpu.Close()
		return nil, err
	}
	return e, nil
}

// OpenDefault opens the first discrete or integrated Vulkan adapter and
// returns an executor that owns the device.
func OpenDefault(programs map[stage.ID]*Program, workers int) (*HALExecutor, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("compute: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("compute: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("compute: no GPU adapters found")
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("compute: open device: %w", err)
	}

	e, err := NewHALExecutor(openDev.Device, openDev.Queue, programs, workers)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	e.instance = instance
	e.external = false
	slogger().Info("compute: GPU initialized (standalone)", "adapter", selected.Info.Name)
	return e, nil
}

// FromProvider returns an executor on the device shared by a host
// application. The provider must expose HalDevice() any and HalQueue() any
// returning hal.Device and hal.Queue.
func FromProvider(provider gpucontext.DeviceProvider, programs map[stage.ID]*Program, workers int) (*HALExecutor, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("compute: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("compute: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("compute: provider HalQueue is not hal.Queue")
	}
	e, err := NewHALExecutor(device, queue, programs, workers)
	if err != nil {
		return nil, err
	}
	slogger().Info("compute: GPU initialized (shared device)")
	return e, nil
}

func (e *HALExecutor) build(programs map[stage.ID]*Program) error {
	ids := slices.Collect(maps.Keys(programs))
	for _, id := range ids {
		if !id.Valid() {
			return fmt.Errorf("compute: program for invalid stage %d", int(id))
		}
	}
	// Dispatch order, so the first failure is the earliest stage.
	slices.SortFunc(ids, func(a, b stage.ID) int {
		return cmp.Or(cmp.Compare(stage.Position(a), stage.Position(b)), cmp.Compare(a, b))
	})
	for _, id := range ids {
		hp, err := e.compile(id, programs[id])
		if err != nil {
			return err
		}
		e.programs[id] = hp
	}
	slogger().Info("compute: device pipelines initialized", "programs", len(programs))
	return nil
}

func (e *HALExecutor) compile(id stage.ID, p *Program) (*halProgram, error) {
	spirvBytes, err := naga.Compile(p.WGSL)
	if err != nil {
		return nil, fmt.Errorf("compute: compile %s: %w", id, err)
	}
	spirv := make([]uint32, len(spirvBytes)/4)
	for i := range spirv {
		spirv[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	hp := &halProgram{readOnly: p.ReadOnly, wgSize: p.WorkgroupSize}
	e.programs[id] = hp // destroyPrograms cleans up a partial build

	hp.module, err = e.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  p.Label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("compute: create shader module for %s: %w", id, err)
	}

	entries := []gputypes.BindGroupLayoutEntry{{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	}}
	for i, ro := range p.ReadOnly {
		typ := gputypes.BufferBindingTypeStorage
		if ro {
			typ = gputypes.BufferBindingTypeReadOnlyStorage
		}
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i + 1),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: typ},
		})
	}
	hp.bgLayout, err = e.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   p.Label + "_bgl",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("compute: create bind group layout for %s: %w", id, err)
	}

	hp.layout, err = e.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.Label + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{hp.bgLayout},
	})
	if err != nil {
		return nil, fmt.Errorf("compute: create pipeline layout for %s: %w", id, err)
	}

	hp.pipeline, err = e.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  p.Label,
		Layout: hp.layout,
		Compute: hal.ComputeState{
			Module:     hp.module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compute: create compute pipeline for %s: %w", id, err)
	}

	slogger().Debug("compute: pipeline created",
		"stage", id.String(),
		"bindings", len(entries),
		"spirv_words", len(spirv))
	return hp, nil
}

// Name implements [Executor].
func (e *HALExecutor) Name() string { return "hal" }

// Pool returns the worker pool host stages run on.
func (e *HALExecutor) Pool() *parallel.WorkerPool { return e.cpu.pool }

// HasProgram reports whether stage s runs on the device.
func (e *HALExecutor) HasProgram(s stage.ID) bool {
	return s.Valid() && e.programs[s] != nil
}

// Dispatches returns the number of device dispatches so far.
func (e *HALExecutor) Dispatches() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatches
}

// Submit implements [Executor]. Launches without a compiled program run on
// the host.
func (e *HALExecutor) Submit(l Launch, deps ...*Event) (*Event, error) {
	if err := validate(l); err != nil {
		return nil, err
	}
	if !e.HasProgram(l.Stage) {
		return e.cpu.Submit(l, deps...)
	}
	return e.cpu.schedule(l.Stage.String(), deps, func(context.Context) error {
		if err := e.dispatch(l); err != nil {
			return err
		}
		if l.Check != nil {
			return l.Check()
		}
		return nil
	})
}

// Task implements [Executor].
func (e *HALExecutor) Task(label string, fn func(context.Context) error, deps ...*Event) *Event {
	return e.cpu.Task(label, fn, deps...)
}

// dispatchResources tracks per-dispatch device objects for cleanup.
type dispatchResources struct {
	device    hal.Device
	params    hal.Buffer
	bindGroup hal.BindGroup
	cmdBuf    hal.CommandBuffer
	fence     hal.Fence
}

func (r *dispatchResources) cleanup() {
	if r.fence != nil {
		r.device.DestroyFence(r.fence)
	}
	if r.cmdBuf != nil {
		r.device.FreeCommandBuffer(r.cmdBuf)
	}
	if r.bindGroup != nil {
		r.device.DestroyBindGroup(r.bindGroup)
	}
	if r.params != nil {
		r.device.DestroyBuffer(r.params)
	}
}

func (e *HALExecutor) dispatch(l Launch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	hp := e.programs[l.Stage]
	groups := l.Shape.Groups()
	if l.Shape.Local == 0 && hp.wgSize > 1 {
		groups = stage.WorkgroupCount(l.Shape.Global, hp.wgSize)
	}
	if groups == 0 {
		return nil
	}

	res := &dispatchResources{device: e.device}
	defer res.cleanup()

	var params [paramsWords]uint32
	copy(params[:], l.Params)
	pbytes := make([]byte, paramsWords*4)
	for i, v := range params {
		pbytes[i*4] = byte(v)
		pbytes[i*4+1] = byte(v >> 8)
		pbytes[i*4+2] = byte(v >> 16)
		pbytes[i*4+3] = byte(v >> 24)
	}
	pbuf, err := e.device.CreateBuffer(&hal.BufferDescriptor{
		Label: l.Stage.String() + "_params",
		Size:  uint64(len(pbytes)),
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("compute: %s: create params buffer: %w", l.Stage, err)
	}
	res.params = pbuf
	e.queue.WriteBuffer(pbuf, 0, pbytes)

	entries := []gputypes.BindGroupEntry{{
		Binding:  0,
		Resource: gputypes.BufferBinding{Buffer: pbuf.NativeHandle(), Offset: 0, Size: 0},
	}}
	bound := make([]*residentBuffer, len(l.Buffers))
	for i, b := range l.Buffers {
		rb, err := e.residentFor(b)
		if err != nil {
			return fmt.Errorf("compute: %s: %w", l.Stage, err)
		}
		bound[i] = rb
		if b.Len() > 0 {
			e.queue.WriteBuffer(rb.buf, 0, b.Bytes())
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  uint32(i + 1),
			Resource: gputypes.BufferBinding{Buffer: rb.buf.NativeHandle(), Offset: 0, Size: 0},
		})
	}

	bg, err := e.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   l.Stage.String() + "_bg",
		Layout:  hp.bgLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("compute: %s: create bind group: %w", l.Stage, err)
	}
	res.bindGroup = bg

	encoder, err := e.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: l.Stage.String()})
	if err != nil {
		return fmt.Errorf("compute: %s: create command encoder: %w", l.Stage, err)
	}
	if err := encoder.BeginEncoding(l.Stage.String()); err != nil {
		return fmt.Errorf("compute: %s: begin encoding: %w", l.Stage, err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: l.Stage.String()})
	pass.SetPipeline(hp.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(groups, 1, 1)
	pass.End()

	for i, rb := range bound {
		if hp.readOnly[i] || rb.size == 0 {
			continue
		}
		encoder.CopyBufferToBuffer(rb.buf, rb.staging, []hal.BufferCopy{
			{SrcOffset: 0, DstOffset: 0, Size: rb.size},
		})
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("compute: %s: end encoding: %w", l.Stage, err)
	}
	res.cmdBuf = cmdBuf

	fence, err := e.device.CreateFence()
	if err != nil {
		return fmt.Errorf("compute: %s: create fence: %w", l.Stage, err)
	}
	res.fence = fence
	if err := e.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("compute: %s: submit: %w", l.Stage, err)
	}
	ok, err := e.device.Wait(fence, 1, fenceTimeout)
	if err != nil {
		return fmt.Errorf("compute: %s: wait for GPU: %w", l.Stage, err)
	}
	if !ok {
		return fmt.Errorf("compute: %s: GPU timeout after %v", l.Stage, fenceTimeout)
	}

	for i, rb := range bound {
		if hp.readOnly[i] || rb.size == 0 {
			continue
		}
		if err := e.queue.ReadBuffer(rb.staging, 0, l.Buffers[i].Bytes()); err != nil {
			return fmt.Errorf("compute: %s: readback %s: %w", l.Stage, l.Buffers[i].Label(), err)
		}
	}

	e.dispatches++
	slogger().Debug("compute: dispatched stage",
		"executor", "hal",
		"stage", l.Stage.String(),
		"global", l.Shape.Global,
		"workgroups", groups)
	return nil
}

// residentFor returns the device copy of b, creating it on first use.
func (e *HALExecutor) residentFor(b *Buffer) (*residentBuffer, error) {
	if rb, ok := e.resident[b]; ok {
		return rb, nil
	}
	size := max(b.Size(), 4)
	buf, err := e.device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.Label(),
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", b.Label(), err)
	}
	staging, err := e.device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.Label() + "_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		e.device.DestroyBuffer(buf)
		return nil, fmt.Errorf("create staging buffer %s: %w", b.Label(), err)
	}
	rb := &residentBuffer{buf: buf, staging: staging, size: b.Size()}
	e.resident[b] = rb
	return rb, nil
}

func (e *HALExecutor) destroyPrograms() {
	for i, hp := range e.programs {
		if hp == nil {
			continue
		}
		if hp.pipeline != nil {
			e.device.DestroyComputePipeline(hp.pipeline)
		}
		if hp.layout != nil {
			e.device.DestroyPipelineLayout(hp.layout)
		}
		if hp.bgLayout != nil {
			e.device.DestroyBindGroupLayout(hp.bgLayout)
		}
		if hp.module != nil {
			e.device.DestroyShaderModule(hp.module)
		}
		e.programs[i] = nil
	}
}

// Close waits for queued work, then releases device objects. An owned
// device and its instance are destroyed.
func (e *HALExecutor) Close() error {
	err := e.cpu.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	for b, rb := range e.resident {
		e.device.DestroyBuffer(rb.buf)
		e.device.DestroyBuffer(rb.staging)
		delete(e.resident, b)
	}
	e.destroyPrograms()
	if !e.external {
		e.device.Destroy()
		if e.instance != nil {
			e.instance.Destroy()
		}
	}
	return err
}
