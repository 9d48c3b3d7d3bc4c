package soft

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

type view struct {
	res    *resource
	format gpu.Format
}

type descriptorHeap struct {
	dev      *Device
	desc     gpu.DescriptorHeapDesc
	stride   uint32
	cpuStart uintptr
	gpuStart uint64

	mu    sync.Mutex
	slots []view
}

func (h *descriptorHeap) Desc() gpu.DescriptorHeapDesc { return h.desc }

func (h *descriptorHeap) CPUDescriptorHandleForHeapStart() gpu.CPUDescriptorHandle {
	return gpu.CPUDescriptorHandle{Ptr: h.cpuStart}
}

func (h *descriptorHeap) GPUDescriptorHandleForHeapStart() gpu.GPUDescriptorHandle {
	if !h.desc.ShaderVisible {
		return gpu.GPUDescriptorHandle{}
	}
	return gpu.GPUDescriptorHandle{Ptr: h.gpuStart}
}

func (h *descriptorHeap) Destroy() {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, x := range d.heaps {
		if x == h {
			d.heaps = append(d.heaps[:i], d.heaps[i+1:]...)
			return
		}
	}
}

func (h *descriptorHeap) get(slot int) view {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slots[slot]
}

func (h *descriptorHeap) set(slot int, v view) {
	h.mu.Lock()
	h.slots[slot] = v
	h.mu.Unlock()
}

// DescriptorHandleIncrementSize implements gpu.Device.
func (d *Device) DescriptorHandleIncrementSize(kind gpu.DescriptorHeapKind) uint32 {
	return d.opts.Strides[kind]
}

// CreateDescriptorHeap implements gpu.Device.
func (d *Device) CreateDescriptorHeap(desc gpu.DescriptorHeapDesc) (gpu.DescriptorHeap, error) {
	stride, ok := d.opts.Strides[desc.Kind]
	if !ok || stride == 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "descriptor heap kind %s", desc.Kind)
	}
	if desc.NumDescriptors <= 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "descriptor heap capacity %d", desc.NumDescriptors)
	}
	if desc.ShaderVisible && desc.Kind == gpu.HeapKindRTV {
		return nil, errors.Wrap(gpu.ErrInvalidArgument, "RTV heaps cannot be shader visible")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	span := uint64(desc.NumDescriptors) * uint64(stride)
	h := &descriptorHeap{
		dev:      d,
		desc:     desc,
		stride:   stride,
		cpuStart: d.nextCPU,
		slots:    make([]view, desc.NumDescriptors),
	}
	d.nextCPU += uintptr(span + handleGap)
	if desc.ShaderVisible {
		h.gpuStart = d.nextGPU
		d.nextGPU += span + handleGap
	}
	d.heaps = append(d.heaps, h)
	return h, nil
}

// resolveCPU maps a CPU handle to its heap and slot.
func (d *Device) resolveCPU(h gpu.CPUDescriptorHandle) (*descriptorHeap, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, heap := range d.heaps {
		span := uintptr(heap.desc.NumDescriptors) * uintptr(heap.stride)
		if h.Ptr < heap.cpuStart || h.Ptr >= heap.cpuStart+span {
			continue
		}
		off := h.Ptr - heap.cpuStart
		if off%uintptr(heap.stride) != 0 {
			return nil, 0, errors.Newf("CPU descriptor handle %#x is not aligned to the %s descriptor size %d",
				h.Ptr, heap.desc.Kind, heap.stride)
		}
		return heap, int(off / uintptr(heap.stride)), nil
	}
	return nil, 0, errors.Newf("CPU descriptor handle %#x does not address any descriptor heap", h.Ptr)
}

// resolveGPU maps a GPU handle to its shader-visible heap and slot.
func (d *Device) resolveGPU(h gpu.GPUDescriptorHandle) (*descriptorHeap, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, heap := range d.heaps {
		if !heap.desc.ShaderVisible {
			continue
		}
		span := uint64(heap.desc.NumDescriptors) * uint64(heap.stride)
		if h.Ptr < heap.gpuStart || h.Ptr >= heap.gpuStart+span {
			continue
		}
		off := h.Ptr - heap.gpuStart
		if off%uint64(heap.stride) != 0 {
			return nil, 0, errors.Newf("GPU descriptor handle %#x is not aligned to the %s descriptor size %d",
				h.Ptr, heap.desc.Kind, heap.stride)
		}
		return heap, int(off / uint64(heap.stride)), nil
	}
	return nil, 0, errors.Newf("GPU descriptor handle %#x does not address any shader-visible heap", h.Ptr)
}

func (d *Device) writeView(op string, kind gpu.DescriptorHeapKind, res gpu.Resource, format gpu.Format, h gpu.CPUDescriptorHandle) {
	heap, slot, err := d.resolveCPU(h)
	if err != nil {
		d.debug.errorf("%s: %v", op, err)
		return
	}
	if heap.desc.Kind != kind {
		d.debug.errorf("%s: handle %#x is in a %s heap, want %s", op, h.Ptr, heap.desc.Kind, kind)
		return
	}
	if res == nil {
		heap.set(slot, view{})
		return
	}
	r, ok := res.(*resource)
	if !ok || r.dev != d {
		d.debug.errorf("%s: resource belongs to another device", op)
		return
	}
	if format == gpu.FormatUnknown {
		format = r.desc.Format
	}
	heap.set(slot, view{res: r, format: format})
}

// CreateRenderTargetView implements gpu.Device.
func (d *Device) CreateRenderTargetView(res gpu.Resource, desc *gpu.RenderTargetViewDesc, h gpu.CPUDescriptorHandle) {
	if res != nil && res.Desc().Flags&gpu.ResourceFlagAllowRenderTarget == 0 {
		d.debug.errorf("CreateRenderTargetView: resource was not created with ResourceFlagAllowRenderTarget")
		return
	}
	var format gpu.Format
	if desc != nil {
		format = desc.Format
	}
	d.writeView("CreateRenderTargetView", gpu.HeapKindRTV, res, format, h)
}

// CreateShaderResourceView implements gpu.Device.
func (d *Device) CreateShaderResourceView(res gpu.Resource, desc *gpu.ShaderResourceViewDesc, h gpu.CPUDescriptorHandle) {
	if res != nil && res.Desc().Dimension != gpu.DimensionTexture2D {
		d.debug.errorf("CreateShaderResourceView: only 2D texture views are supported")
		return
	}
	var format gpu.Format
	if desc != nil {
		format = desc.Format
	}
	d.writeView("CreateShaderResourceView", gpu.HeapKindCBVSRVUAV, res, format, h)
}
