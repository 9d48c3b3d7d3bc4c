package vk

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/frame-harness/gpu"
)

const (
	vaBase        = 0x10000
	vaAlignment   = 0x10000
	cpuHandleBase = 0x100000
	gpuHandleBase = 0x7f0000000000
	handleGap     = 0x1000
)

// Vulkan has no descriptor handle arithmetic. Handles are synthetic
// and these strides only need to differ per kind.
var strides = map[gpu.DescriptorHeapKind]uint32{
	gpu.HeapKindCBVSRVUAV: 32,
	gpu.HeapKindSampler:   16,
	gpu.HeapKindRTV:       8,
}

// Device is the Vulkan gpu.Device.
type Device struct {
	adapter *adapter
	level   gpu.FeatureLevel
	handle  core1_0.Device
	queue   core1_0.Queue

	colorFormat     core1_0.Format
	swapchainLoader khr_swapchain.Extension

	// renderPass loads and stores one color attachment that stays in
	// COLOR_ATTACHMENT_OPTIMAL. Layout changes are explicit barriers.
	renderPass core1_0.RenderPass

	// srvLayout is set 0 of every pipeline layout: one sampled image.
	srvLayout core1_0.DescriptorSetLayout

	mu        sync.Mutex
	resources []*resource
	nextVA    uint64
	heaps     []*descriptorHeap
	nextCPU   uintptr
	nextGPU   uint64
}

var _ gpu.Device = (*Device)(nil)

func newDevice(a *adapter, handle core1_0.Device, level gpu.FeatureLevel) (*Device, error) {
	d := &Device{
		adapter:         a,
		level:           level,
		handle:          handle,
		queue:           handle.GetQueue(a.queueFamily, 0),
		colorFormat:     a.surfaceFmt.Format,
		swapchainLoader: khr_swapchain.CreateExtensionFromDevice(handle),
		nextVA:          vaBase,
		nextCPU:         cpuHandleBase,
		nextGPU:         gpuHandleBase,
	}

	var err error
	d.renderPass, _, err = handle.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         d.colorFormat,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpLoad,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutColorAttachmentOptimal,
				FinalLayout:    core1_0.ImageLayoutColorAttachmentOptimal,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "vk: create render pass")
	}

	d.srvLayout, _, err = handle.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeSampledImage,
				DescriptorCount: 1,

				StageFlags: core1_0.StageVertex | core1_0.StageFragment,
			},
		},
	})
	if err != nil {
		d.renderPass.Destroy(nil)
		return nil, errors.Wrap(err, "vk: create descriptor set layout")
	}
	return d, nil
}

// FeatureLevel implements gpu.Device.
func (d *Device) FeatureLevel() gpu.FeatureLevel { return d.level }

// Destroy waits for the device to go idle and destroys it. Objects
// created from the device must be destroyed first.
func (d *Device) Destroy() {
	if d.handle == nil {
		return
	}
	d.waitIdle()
	d.srvLayout.Destroy(nil)
	d.renderPass.Destroy(nil)
	d.handle.Destroy(nil)
	d.handle = nil
}

// waitIdle is used on teardown paths where the GPU may still be
// reading an object about to be destroyed.
func (d *Device) waitIdle() {
	if _, err := d.handle.WaitIdle(); err != nil {
		gpu.Logger().Error("vulkan device wait idle", "error", err)
	}
}

func (d *Device) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	memProperties := d.adapter.physical.MemoryProperties()
	for i, memoryType := range memProperties.MemoryTypes {
		typeBit := uint32(1 << i)

		if (typeFilter&typeBit) != 0 && (memoryType.PropertyFlags&properties) == properties {
			return i, nil
		}
	}

	return 0, errors.Newf("no memory type with properties %s", properties)
}

func memoryPropertiesFor(residency gpu.ResidencyClass) core1_0.MemoryPropertyFlags {
	if residency.Mappable() {
		return core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	}
	return core1_0.MemoryPropertyDeviceLocal
}

type resource struct {
	dev       *Device
	desc      gpu.ResourceDesc
	residency gpu.ResidencyClass
	initial   gpu.ResourceState
	va        uint64

	buffer core1_0.Buffer
	image  core1_0.Image
	format core1_0.Format
	memory core1_0.DeviceMemory

	// Swap chain images are owned by the swap chain.
	borrowed bool

	// touched is set once an encoded command list has moved the image
	// out of VK_IMAGE_LAYOUT_UNDEFINED.
	touched atomic.Bool

	mu     sync.Mutex
	data   []byte
	mapped int
	view   core1_0.ImageView
}

func (r *resource) Desc() gpu.ResourceDesc        { return r.desc }
func (r *resource) Residency() gpu.ResidencyClass { return r.residency }
func (r *resource) GPUVirtualAddress() uint64     { return r.va }

// Map maps the whole allocation on first use. Memory stays mapped
// until the last Unmap.
func (r *resource) Map() ([]byte, error) {
	if !r.residency.Mappable() {
		return nil, errors.Wrapf(gpu.ErrNotMappable, "%s resource", r.residency)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapped == 0 {
		size := int(r.desc.ByteSize())
		memoryPtr, _, err := r.memory.Map(0, size, 0)
		if err != nil {
			return nil, errors.Wrap(err, "vk: map memory")
		}
		r.data = unsafe.Slice((*byte)(memoryPtr), size)
	}
	r.mapped++
	return r.data, nil
}

func (r *resource) Unmap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapped == 0 {
		return
	}
	r.mapped--
	if r.mapped == 0 {
		r.memory.Unmap()
		r.data = nil
	}
}

func (r *resource) Destroy() {
	d := r.dev
	d.mu.Lock()
	i := sort.Search(len(d.resources), func(i int) bool { return d.resources[i].va >= r.va })
	if i < len(d.resources) && d.resources[i] == r {
		d.resources = append(d.resources[:i], d.resources[i+1:]...)
	}
	d.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view != nil {
		r.view.Destroy(nil)
		r.view = nil
	}
	if r.borrowed {
		return
	}
	if r.mapped > 0 {
		r.memory.Unmap()
		r.mapped = 0
	}
	if r.buffer != nil {
		r.buffer.Destroy(nil)
		r.buffer = nil
	}
	if r.image != nil {
		r.image.Destroy(nil)
		r.image = nil
	}
	if r.memory != nil {
		r.memory.Free(nil)
		r.memory = nil
	}
}

// imageView returns the view every descriptor of r shares.
func (r *resource) imageView() (core1_0.ImageView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view != nil {
		return r.view, nil
	}
	if r.image == nil {
		return nil, errors.Wrap(gpu.ErrInvalidArgument, "buffers have no image view")
	}
	view, _, err := r.dev.handle.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    r.image,
		ViewType: core1_0.ImageViewType2D,
		Format:   r.format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     core1_0.ImageAspectColor,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "vk: create image view")
	}
	r.view = view
	return view, nil
}

// CreateCommittedResource implements gpu.Device.
func (d *Device) CreateCommittedResource(residency gpu.ResidencyClass, desc gpu.ResourceDesc, initial gpu.ResourceState) (gpu.Resource, error) {
	size := desc.ByteSize()
	reject := func(cause error) error {
		return errors.WithStack(&gpu.AllocationError{Size: size, Residency: residency, Cause: cause})
	}
	if size == 0 {
		return nil, reject(errors.Wrap(gpu.ErrInvalidArgument, "zero-sized resource"))
	}
	if desc.Dimension == gpu.DimensionTexture2D {
		if desc.Format != gpu.FormatR8G8B8A8Unorm {
			return nil, reject(errors.Newf("texture format %s is not supported", desc.Format))
		}
		if residency != gpu.HeapDefault {
			return nil, reject(errors.Newf("textures cannot be placed in the %s heap", residency))
		}
	}
	switch residency {
	case gpu.HeapUpload:
		if initial != gpu.StateGenericRead {
			return nil, reject(errors.Newf("upload heap resources must start in GenericRead, not %s", initial))
		}
	case gpu.HeapReadback:
		if initial != gpu.StateCopyDest {
			return nil, reject(errors.Newf("readback heap resources must start in CopyDest, not %s", initial))
		}
	}

	r := &resource{dev: d, desc: desc, residency: residency, initial: initial}
	var err error
	if desc.Dimension == gpu.DimensionBuffer {
		r.buffer, r.memory, err = d.createBuffer(int(size),
			core1_0.BufferUsageTransferSrc|core1_0.BufferUsageTransferDst|core1_0.BufferUsageVertexBuffer|core1_0.BufferUsageIndexBuffer,
			memoryPropertiesFor(residency))
	} else {
		usage := core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled
		r.format = core1_0.FormatR8G8B8A8UnsignedNormalized
		if desc.Flags&gpu.ResourceFlagAllowRenderTarget != 0 {
			// Must match the render pass.
			usage |= core1_0.ImageUsageColorAttachment
			r.format = d.colorFormat
		}
		r.image, r.memory, err = d.createImage(int(desc.Width), int(desc.Height), r.format, usage)
	}
	if err != nil {
		r.Destroy()
		return nil, reject(err)
	}

	d.track(r)
	gpu.Logger().Debug("resource created", "residency", residency.String(), "bytes", size, "va", r.va)
	return r, nil
}

// track assigns r a virtual address range and makes it resolvable.
func (d *Device) track(r *resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.va = d.nextVA
	span := (r.desc.ByteSize() + vaAlignment - 1) &^ (vaAlignment - 1)
	d.nextVA += span + vaAlignment
	d.resources = append(d.resources, r)
}

// resolveVA maps a virtual address to the buffer containing it.
func (d *Device) resolveVA(va uint64) (*resource, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.resources), func(i int) bool { return d.resources[i].va > va }) - 1
	if i < 0 {
		return nil, 0, errors.Newf("virtual address %#x is not in any resource", va)
	}
	r := d.resources[i]
	off := va - r.va
	if off >= r.desc.ByteSize() || r.buffer == nil {
		return nil, 0, errors.Newf("virtual address %#x is not in any buffer", va)
	}
	return r, off, nil
}

func (d *Device) createBuffer(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (core1_0.Buffer, core1_0.DeviceMemory, error) {
	buffer, _, err := d.handle.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, nil, err
	}

	memRequirements := buffer.MemoryRequirements()
	memoryTypeIndex, err := d.findMemoryType(memRequirements.MemoryTypeBits, properties)
	if err != nil {
		return buffer, nil, err
	}

	memory, _, err := d.handle.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return buffer, nil, err
	}

	_, err = buffer.BindBufferMemory(memory, 0)
	return buffer, memory, err
}

func (d *Device) createImage(width, height int, format core1_0.Format, usage core1_0.ImageUsageFlags) (core1_0.Image, core1_0.DeviceMemory, error) {
	image, _, err := d.handle.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return nil, nil, err
	}

	memReqs := image.MemoryRequirements()
	memoryIndex, err := d.findMemoryType(memReqs.MemoryTypeBits, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return image, nil, err
	}

	imageMemory, _, err := d.handle.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memoryIndex,
	})
	if err != nil {
		return image, nil, err
	}

	_, err = image.BindImageMemory(imageMemory, 0)
	return image, imageMemory, err
}
