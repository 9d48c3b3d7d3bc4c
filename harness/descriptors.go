package harness

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// DescriptorHeap is a fixed-capacity array of views of one kind.
type DescriptorHeap struct {
	dev  gpu.Device
	heap gpu.DescriptorHeap
	desc gpu.DescriptorHeapDesc
}

// CreateHeap creates a heap of capacity views of the given kind.
func CreateHeap(ctx *Context, kind gpu.DescriptorHeapKind, capacity int, shaderVisible bool) (*DescriptorHeap, error) {
	desc := gpu.DescriptorHeapDesc{Kind: kind, NumDescriptors: capacity, ShaderVisible: shaderVisible}
	h, err := ctx.Device.CreateDescriptorHeap(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "harness: create %s heap of %d", kind, capacity)
	}
	return &DescriptorHeap{dev: ctx.Device, heap: h, desc: desc}, nil
}

// Heap returns the device heap, for binding with SetDescriptorHeaps.
func (h *DescriptorHeap) Heap() gpu.DescriptorHeap { return h.heap }

// Kind returns the kind of views the heap holds.
func (h *DescriptorHeap) Kind() gpu.DescriptorHeapKind { return h.desc.Kind }

// Len returns the capacity of the heap.
func (h *DescriptorHeap) Len() int { return h.desc.NumDescriptors }

func (h *DescriptorHeap) check(slot int) {
	if slot < 0 || slot >= h.desc.NumDescriptors {
		panic(fmt.Sprintf("harness: slot %d out of range for %s heap of %d", slot, h.desc.Kind, h.desc.NumDescriptors))
	}
}

// Stride returns the device-reported per-entry stride for this heap's kind.
func (h *DescriptorHeap) Stride() uint32 {
	return h.dev.DescriptorHandleIncrementSize(h.desc.Kind)
}

// SlotAddress returns the host handle of slot. The stride is queried
// from the device on every call. SlotAddress panics if slot is out of
// range.
func (h *DescriptorHeap) SlotAddress(slot int) gpu.CPUDescriptorHandle {
	h.check(slot)
	return h.heap.CPUDescriptorHandleForHeapStart().Offset(slot, h.Stride())
}

// GPUSlotAddress returns the shader-visible handle of slot. It panics if
// slot is out of range or the heap is not shader visible.
func (h *DescriptorHeap) GPUSlotAddress(slot int) gpu.GPUDescriptorHandle {
	h.check(slot)
	if !h.desc.ShaderVisible {
		panic(fmt.Sprintf("harness: %s heap is not shader visible", h.desc.Kind))
	}
	return h.heap.GPUDescriptorHandleForHeapStart().Offset(slot, h.Stride())
}

// WriteView writes a view of res into slot, replacing the previous view.
// view is a *gpu.RenderTargetViewDesc, a *gpu.ShaderResourceViewDesc or
// nil for the default view of the heap's kind. A view that does not
// belong in this heap panics.
func (h *DescriptorHeap) WriteView(slot int, res gpu.Resource, view any) {
	at := h.SlotAddress(slot)
	switch v := view.(type) {
	case nil:
		switch h.desc.Kind {
		case gpu.HeapKindRTV:
			h.dev.CreateRenderTargetView(res, nil, at)
		case gpu.HeapKindCBVSRVUAV:
			h.dev.CreateShaderResourceView(res, nil, at)
		default:
			panic(fmt.Sprintf("harness: no default view for %s heaps", h.desc.Kind))
		}
	case *gpu.RenderTargetViewDesc:
		if h.desc.Kind != gpu.HeapKindRTV {
			panic(fmt.Sprintf("harness: render target view written to a %s heap", h.desc.Kind))
		}
		h.dev.CreateRenderTargetView(res, v, at)
	case *gpu.ShaderResourceViewDesc:
		if h.desc.Kind != gpu.HeapKindCBVSRVUAV {
			panic(fmt.Sprintf("harness: shader resource view written to a %s heap", h.desc.Kind))
		}
		h.dev.CreateShaderResourceView(res, v, at)
	default:
		panic(fmt.Sprintf("harness: unknown view description %T", view))
	}
}

// Destroy releases the heap.
func (h *DescriptorHeap) Destroy() { h.heap.Destroy() }
