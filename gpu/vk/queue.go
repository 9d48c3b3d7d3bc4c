package vk

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/gpu/cmdrec"
)

// allocator is a command pool. Command buffers encoded from its lists
// are freed together on Reset.
type allocator struct {
	dev  *Device
	pool core1_0.CommandPool

	// pending counts executed lists whose completion fence has not
	// been observed yet.
	pending atomic.Int32

	mu      sync.Mutex
	buffers []core1_0.CommandBuffer
}

func (a *allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool == nil {
		return
	}
	if a.pending.Load() > 0 {
		a.dev.waitIdle()
	}
	a.pool.Destroy(nil)
	a.pool = nil
	a.buffers = nil
}

func (a *allocator) Reset() error {
	if n := a.pending.Load(); n > 0 {
		gpu.Logger().Error("CommandAllocator.Reset", "error", "command lists recorded from this allocator are still executing", "lists", n)
		return errors.WithStack(gpu.ErrAllocatorInFlight)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffers) > 0 {
		a.dev.handle.FreeCommandBuffers(a.buffers)
		a.buffers = a.buffers[:0]
	}
	return nil
}

func (a *allocator) allocate() (core1_0.CommandBuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buffers, _, err := a.dev.handle.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        a.pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vk: allocate command buffer")
	}
	a.buffers = append(a.buffers, buffers[0])
	return buffers[0], nil
}

// CreateCommandAllocator implements gpu.Device.
func (d *Device) CreateCommandAllocator() (gpu.CommandAllocator, error) {
	pool, _, err := d.handle.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: d.adapter.queueFamily,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vk: create command pool")
	}
	return &allocator{dev: d, pool: pool}, nil
}

// commandList records into a cmdrec.Recorder and encodes the ops into
// a command buffer on Close.
type commandList struct {
	cmdrec.Recorder
	dev   *Device
	alloc *allocator

	// buffer is the encoding of the last Close.
	buffer core1_0.CommandBuffer
}

func (l *commandList) Destroy() {}

func (l *commandList) Reset(alloc gpu.CommandAllocator, pso gpu.PipelineState) error {
	if l.IsOpen() {
		return errors.Wrap(gpu.ErrListNotClosed, "CommandList.Reset")
	}
	a, ok := alloc.(*allocator)
	if !ok || a.dev != l.dev {
		return errors.Wrap(gpu.ErrInvalidArgument, "allocator belongs to another device")
	}
	l.alloc = a
	l.buffer = nil
	l.Begin(pso)
	return nil
}

func (l *commandList) Close() error {
	if err := l.End(); err != nil {
		return err
	}
	buffer, err := l.alloc.allocate()
	if err != nil {
		return err
	}
	if err := l.dev.encode(buffer, l.Ops()); err != nil {
		return errors.Wrap(err, "CommandList.Close")
	}
	l.buffer = buffer
	return nil
}

// CreateCommandList implements gpu.Device.
func (d *Device) CreateCommandList(alloc gpu.CommandAllocator, pso gpu.PipelineState) (gpu.CommandList, error) {
	a, ok := alloc.(*allocator)
	if !ok || a.dev != d {
		return nil, errors.Wrap(gpu.ErrInvalidArgument, "allocator belongs to another device")
	}
	l := &commandList{dev: d, alloc: a}
	l.Begin(pso)
	return l, nil
}

// fence emulates a timeline with one binary fence per Signal. A
// goroutine per signal waits on the binary fence and then advances the
// completed value. Queue order makes the maximum observed value exact.
type fence struct {
	dev *Device

	mu        sync.Mutex
	completed uint64
	waiters   []fenceWaiter
}

type fenceWaiter struct {
	value uint64
	ch    chan struct{}
}

func (f *fence) Destroy() {}

func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *fence) SetEventOnCompletion(value uint64) <-chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed >= value {
		close(ch)
		return ch
	}
	f.waiters = append(f.waiters, fenceWaiter{value: value, ch: ch})
	return ch
}

func (f *fence) complete(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value <= f.completed {
		return
	}
	f.completed = value
	keep := f.waiters[:0]
	for _, w := range f.waiters {
		if w.value <= value {
			close(w.ch)
		} else {
			keep = append(keep, w)
		}
	}
	f.waiters = keep
}

// CreateFence implements gpu.Device.
func (d *Device) CreateFence(initial uint64) (gpu.Fence, error) {
	return &fence{dev: d, completed: initial}, nil
}

type queue struct {
	dev *Device

	mu sync.Mutex

	// unsignaled holds the allocators of lists executed since the last
	// Signal. Their pending counts drop when that signal completes.
	unsignaled []*allocator
	inflight   sync.WaitGroup
}

// CreateCommandQueue implements gpu.Device. Every queue submits to
// the single graphics queue the device was created with.
func (d *Device) CreateCommandQueue() (gpu.CommandQueue, error) {
	return &queue{dev: d}, nil
}

func (q *queue) Destroy() {
	q.inflight.Wait()
}

func (q *queue) ExecuteCommandLists(lists ...gpu.CommandList) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok || cl.dev != q.dev {
			gpu.Logger().Error("ExecuteCommandLists", "error", "command list belongs to another device")
			continue
		}
		if cl.IsOpen() || cl.buffer == nil {
			gpu.Logger().Error("ExecuteCommandLists", "error", gpu.ErrListNotClosed)
			continue
		}
		_, err := q.dev.queue.Submit(nil, []core1_0.SubmitInfo{
			{
				CommandBuffers: []core1_0.CommandBuffer{cl.buffer},
			},
		})
		if err != nil {
			gpu.Logger().Error("ExecuteCommandLists", "error", err)
			continue
		}
		cl.alloc.pending.Add(1)
		q.unsignaled = append(q.unsignaled, cl.alloc)
	}
}

func (q *queue) Signal(f gpu.Fence, value uint64) error {
	ff, ok := f.(*fence)
	if !ok || ff.dev != q.dev {
		return errors.Wrap(gpu.ErrInvalidArgument, "fence belongs to another device")
	}

	vkFence, _, err := q.dev.handle.CreateFence(nil, core1_0.FenceCreateInfo{})
	if err != nil {
		return errors.Wrap(err, "vk: create fence")
	}

	q.mu.Lock()
	_, err = q.dev.queue.Submit(vkFence, nil)
	if err != nil {
		q.mu.Unlock()
		vkFence.Destroy(nil)
		return errors.Wrap(err, "vk: submit fence signal")
	}
	allocs := q.unsignaled
	q.unsignaled = nil
	q.mu.Unlock()

	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		defer vkFence.Destroy(nil)
		if _, err := vkFence.Wait(common.NoTimeout); err != nil {
			gpu.Logger().Error("fence wait", "value", value, "error", err)
			return
		}
		for _, a := range allocs {
			a.pending.Add(-1)
		}
		ff.complete(value)
	}()
	return nil
}
