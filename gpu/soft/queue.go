package soft

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/gpu/cmdrec"
)

type allocator struct {
	dev     *Device
	pending atomic.Int32
}

func (a *allocator) Destroy() {}

func (a *allocator) Reset() error {
	if n := a.pending.Load(); n > 0 {
		a.dev.debug.errorf("CommandAllocator.Reset: %d command lists recorded from this allocator are still executing", n)
		return errors.WithStack(gpu.ErrAllocatorInFlight)
	}
	return nil
}

// CreateCommandAllocator implements gpu.Device.
func (d *Device) CreateCommandAllocator() (gpu.CommandAllocator, error) {
	return &allocator{dev: d}, nil
}

type commandList struct {
	cmdrec.Recorder
	dev   *Device
	alloc *allocator
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
	l.Begin(pso)
	return nil
}

func (l *commandList) Close() error {
	return l.End()
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

func (f *fence) signal(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value < f.completed {
		f.dev.debug.errorf("Fence.Signal: value %d is lower than the completed value %d", value, f.completed)
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

type workKind int

const (
	workExecute workKind = iota
	workSignal
	workPresent
)

type work struct {
	kind  workKind
	ops   []cmdrec.Op
	alloc *allocator
	fence *fence
	value uint64
	sc    *swapChain
	index int
}

// queue feeds a GPU timeline goroutine. Work runs strictly in
// submission order.
type queue struct {
	dev  *Device
	work chan work
	done chan struct{}
	once sync.Once
}

// CreateCommandQueue implements gpu.Device.
func (d *Device) CreateCommandQueue() (gpu.CommandQueue, error) {
	if err := d.checkRemoved(); err != nil {
		return nil, err
	}
	q := &queue{
		dev:  d,
		work: make(chan work, 64),
		done: make(chan struct{}),
	}
	go q.run()
	return q, nil
}

func (q *queue) run() {
	defer close(q.done)
	for w := range q.work {
		switch w.kind {
		case workExecute:
			if q.dev.opts.Latency > 0 {
				time.Sleep(q.dev.opts.Latency)
			}
			q.dev.replay(w.ops)
			q.dev.count(func(s *Stats) { s.ListsExecuted++ })
			w.alloc.pending.Add(-1)
		case workSignal:
			w.fence.signal(w.value)
		case workPresent:
			w.sc.flip(w.index)
		}
	}
}

func (q *queue) Destroy() {
	q.once.Do(func() {
		close(q.work)
		<-q.done
	})
}

func (q *queue) ExecuteCommandLists(lists ...gpu.CommandList) {
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok || cl.dev != q.dev {
			q.dev.debug.errorf("ExecuteCommandLists: command list belongs to another device")
			continue
		}
		if cl.IsOpen() {
			q.dev.remove("ExecuteCommandLists: command list was not closed")
			continue
		}
		ops := append([]cmdrec.Op(nil), cl.Ops()...)
		cl.alloc.pending.Add(1)
		q.work <- work{kind: workExecute, ops: ops, alloc: cl.alloc}
	}
}

func (q *queue) Signal(f gpu.Fence, value uint64) error {
	if err := q.dev.checkRemoved(); err != nil {
		return err
	}
	ff, ok := f.(*fence)
	if !ok || ff.dev != q.dev {
		return errors.Wrap(gpu.ErrInvalidArgument, "fence belongs to another device")
	}
	q.work <- work{kind: workSignal, fence: ff, value: value}
	return nil
}
