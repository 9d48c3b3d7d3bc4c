package harness

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Target is the back buffer a frame renders to.
type Target struct {
	Index         int
	Resource      gpu.Resource
	RTV           gpu.CPUDescriptorHandle
	Width, Height int
}

// FrameTargets owns the swap chain and one render target view per back
// buffer, in slot i of a dedicated RTV heap.
type FrameTargets struct {
	swap    gpu.SwapChain
	rtvs    *DescriptorHeap
	buffers []gpu.Resource
	tracker *StateTracker
}

// NewFrameTargets creates the swap chain on surface and the views of its
// back buffers. Back buffers are tracked in Present.
func NewFrameTargets(ctx *Context, sub *Submitter, surface gpu.Surface) (*FrameTargets, error) {
	cfg := ctx.Config
	swap, err := ctx.Device.CreateSwapChain(ctx.Queue, surface, gpu.SwapChainDesc{
		Width:       cfg.Width,
		Height:      cfg.Height,
		Format:      cfg.Format,
		BufferCount: cfg.BufferCount,
	})
	if err != nil {
		return nil, errors.Wrap(err, "harness: create swap chain")
	}
	n := swap.Desc().BufferCount
	rtvs, err := CreateHeap(ctx, gpu.HeapKindRTV, n, false)
	if err != nil {
		swap.Destroy()
		return nil, err
	}
	ft := &FrameTargets{swap: swap, rtvs: rtvs, tracker: sub.Tracker()}
	for i := 0; i < n; i++ {
		b, err := swap.Buffer(i)
		if err != nil {
			ft.Destroy()
			return nil, errors.Wrapf(err, "harness: get back buffer %d", i)
		}
		rtvs.WriteView(i, b, nil)
		ft.tracker.Track(b, gpu.StatePresent)
		ft.buffers = append(ft.buffers, b)
	}
	return ft, nil
}

// SwapChain returns the underlying swap chain.
func (ft *FrameTargets) SwapChain() gpu.SwapChain { return ft.swap }

// RTVHeap returns the heap holding the back buffer views.
func (ft *FrameTargets) RTVHeap() *DescriptorHeap { return ft.rtvs }

// Buffer returns back buffer i.
func (ft *FrameTargets) Buffer(i int) gpu.Resource { return ft.buffers[i] }

// Current asks the swap chain which back buffer the next frame renders
// to. The answer is not assumed to follow the previous one.
func (ft *FrameTargets) Current() Target {
	i := ft.swap.CurrentBackBufferIndex()
	d := ft.swap.Desc()
	return Target{
		Index:    i,
		Resource: ft.buffers[i],
		RTV:      ft.rtvs.SlotAddress(i),
		Width:    d.Width,
		Height:   d.Height,
	}
}

// Present hands the current back buffer to the presentation engine.
func (ft *FrameTargets) Present(syncInterval int) error {
	if err := ft.swap.Present(syncInterval); err != nil {
		return errors.Wrap(err, "harness: present")
	}
	return nil
}

// Destroy releases the views and the swap chain.
func (ft *FrameTargets) Destroy() {
	for _, b := range ft.buffers {
		ft.tracker.Forget(b)
	}
	ft.buffers = nil
	ft.rtvs.Destroy()
	ft.swap.Destroy()
}
