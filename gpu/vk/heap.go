package vk

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/frame-harness/gpu"
)

type view struct {
	res *resource

	// fb is created on first use by an RTV slot.
	fb core1_0.Framebuffer
}

type descriptorHeap struct {
	dev      *Device
	desc     gpu.DescriptorHeapDesc
	stride   uint32
	cpuStart uintptr
	gpuStart uint64

	// Shader-visible CBV_SRV_UAV heaps own one descriptor set per slot.
	pool core1_0.DescriptorPool
	sets []core1_0.DescriptorSet

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
	for i, x := range d.heaps {
		if x == h {
			d.heaps = append(d.heaps[:i], d.heaps[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.slots {
		if h.slots[i].fb != nil {
			h.slots[i].fb.Destroy(nil)
		}
		h.slots[i] = view{}
	}
	if h.pool != nil {
		h.pool.Destroy(nil)
		h.pool = nil
	}
}

func (h *descriptorHeap) get(slot int) view {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slots[slot]
}

func (h *descriptorHeap) set(slot int, v view) {
	h.mu.Lock()
	old := h.slots[slot]
	h.slots[slot] = v
	h.mu.Unlock()
	if old.fb != nil {
		h.dev.waitIdle()
		old.fb.Destroy(nil)
	}
}

// framebuffer returns the framebuffer of the render target view in
// slot, creating it on first use.
func (h *descriptorHeap) framebuffer(slot int) (*resource, core1_0.Framebuffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v := h.slots[slot]
	if v.res == nil {
		return nil, nil, errors.Newf("RTV slot %d is empty", slot)
	}
	if v.fb != nil {
		return v.res, v.fb, nil
	}
	imageView, err := v.res.imageView()
	if err != nil {
		return nil, nil, err
	}
	fb, _, err := h.dev.handle.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass:  h.dev.renderPass,
		Layers:      1,
		Attachments: []core1_0.ImageView{imageView},
		Width:       int(v.res.desc.Width),
		Height:      int(v.res.desc.Height),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "vk: create framebuffer")
	}
	h.slots[slot].fb = fb
	return v.res, fb, nil
}

// DescriptorHandleIncrementSize implements gpu.Device.
func (d *Device) DescriptorHandleIncrementSize(kind gpu.DescriptorHeapKind) uint32 {
	return strides[kind]
}

// CreateDescriptorHeap implements gpu.Device.
func (d *Device) CreateDescriptorHeap(desc gpu.DescriptorHeapDesc) (gpu.DescriptorHeap, error) {
	stride, ok := strides[desc.Kind]
	if !ok {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "descriptor heap kind %s", desc.Kind)
	}
	if desc.NumDescriptors <= 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "descriptor heap capacity %d", desc.NumDescriptors)
	}
	if desc.ShaderVisible && desc.Kind == gpu.HeapKindRTV {
		return nil, errors.Wrap(gpu.ErrInvalidArgument, "RTV heaps cannot be shader visible")
	}

	h := &descriptorHeap{
		dev:    d,
		desc:   desc,
		stride: stride,
		slots:  make([]view, desc.NumDescriptors),
	}
	if desc.ShaderVisible && desc.Kind == gpu.HeapKindCBVSRVUAV {
		var err error
		h.pool, _, err = d.handle.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
			MaxSets: desc.NumDescriptors,
			PoolSizes: []core1_0.DescriptorPoolSize{
				{
					Type:            core1_0.DescriptorTypeSampledImage,
					DescriptorCount: desc.NumDescriptors,
				},
			},
		})
		if err != nil {
			return nil, errors.Wrap(err, "vk: create descriptor pool")
		}

		allocLayouts := make([]core1_0.DescriptorSetLayout, desc.NumDescriptors)
		for i := range allocLayouts {
			allocLayouts[i] = d.srvLayout
		}
		h.sets, _, err = d.handle.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
			DescriptorPool: h.pool,
			SetLayouts:     allocLayouts,
		})
		if err != nil {
			h.pool.Destroy(nil)
			return nil, errors.Wrap(err, "vk: allocate descriptor sets")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	span := uint64(desc.NumDescriptors) * uint64(stride)
	h.cpuStart = d.nextCPU
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

// viewTarget resolves the slot a view is written to. Failures are
// reported on the debug channel, as view creation returns no error.
func (d *Device) viewTarget(op string, kind gpu.DescriptorHeapKind, res gpu.Resource, h gpu.CPUDescriptorHandle) (*descriptorHeap, int, *resource, bool) {
	heap, slot, err := d.resolveCPU(h)
	if err != nil {
		gpu.Logger().Error(op, "error", err)
		return nil, 0, nil, false
	}
	if heap.desc.Kind != kind {
		gpu.Logger().Error(op, "error", errors.Newf("handle %#x is in a %s heap, want %s", h.Ptr, heap.desc.Kind, kind))
		return nil, 0, nil, false
	}
	if res == nil {
		return heap, slot, nil, true
	}
	r, ok := res.(*resource)
	if !ok || r.dev != d {
		gpu.Logger().Error(op, "error", "resource belongs to another device")
		return nil, 0, nil, false
	}
	if r.image == nil {
		gpu.Logger().Error(op, "error", "resource is not a texture")
		return nil, 0, nil, false
	}
	return heap, slot, r, true
}

// CreateRenderTargetView implements gpu.Device.
func (d *Device) CreateRenderTargetView(res gpu.Resource, desc *gpu.RenderTargetViewDesc, h gpu.CPUDescriptorHandle) {
	const op = "CreateRenderTargetView"
	heap, slot, r, ok := d.viewTarget(op, gpu.HeapKindRTV, res, h)
	if !ok {
		return
	}
	if r != nil && r.format != d.colorFormat {
		gpu.Logger().Error(op, "error", "resource was not created as a render target")
		return
	}
	if desc != nil && desc.Format != gpu.FormatR8G8B8A8Unorm {
		gpu.Logger().Error(op, "error", errors.Newf("view format %s is not supported", desc.Format))
		return
	}
	heap.set(slot, view{res: r})
}

// CreateShaderResourceView implements gpu.Device.
func (d *Device) CreateShaderResourceView(res gpu.Resource, desc *gpu.ShaderResourceViewDesc, h gpu.CPUDescriptorHandle) {
	const op = "CreateShaderResourceView"
	heap, slot, r, ok := d.viewTarget(op, gpu.HeapKindCBVSRVUAV, res, h)
	if !ok {
		return
	}
	if desc != nil && desc.Format != gpu.FormatR8G8B8A8Unorm {
		gpu.Logger().Error(op, "error", errors.Newf("view format %s is not supported", desc.Format))
		return
	}
	heap.set(slot, view{res: r})
	if r == nil || heap.sets == nil {
		return
	}

	imageView, err := r.imageView()
	if err != nil {
		gpu.Logger().Error(op, "error", err)
		return
	}
	err = d.handle.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          heap.sets[slot],
			DstBinding:      0,
			DstArrayElement: 0,

			DescriptorType: core1_0.DescriptorTypeSampledImage,

			ImageInfo: []core1_0.DescriptorImageInfo{
				{
					ImageView:   imageView,
					ImageLayout: core1_0.ImageLayoutShaderReadOnlyOptimal,
				},
			},
		},
	}, nil)
	if err != nil {
		gpu.Logger().Error(op, "error", err)
	}
}
