package vk

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// swapChain acquires images with a fence so the next back buffer index
// is known as soon as Present returns. Presentation waits on no
// semaphore: the frame protocol has already waited for the frame's
// fence on the host.
type swapChain struct {
	dev       *Device
	desc      gpu.SwapChainDesc
	swapchain khr_swapchain.Swapchain
	buffers   []*resource
	acquired  core1_0.Fence
	current   int
}

func clampExtent(w, h int, capabilities *khr_surface.SurfaceCapabilities) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}
	w = min(max(w, capabilities.MinImageExtent.Width), capabilities.MaxImageExtent.Width)
	h = min(max(h, capabilities.MinImageExtent.Height), capabilities.MaxImageExtent.Height)
	return core1_0.Extent2D{Width: w, Height: h}
}

// CreateSwapChain implements gpu.Device. surface must be the window
// the driver was created with.
func (d *Device) CreateSwapChain(q gpu.CommandQueue, surface gpu.Surface, desc gpu.SwapChainDesc) (gpu.SwapChain, error) {
	if _, ok := q.(*queue); !ok {
		return nil, errors.Wrap(gpu.ErrInvalidArgument, "queue belongs to another device")
	}
	if win, ok := surface.(*Window); !ok || win != d.adapter.drv.window {
		return nil, errors.Wrap(gpu.ErrInvalidArgument, "surface is not the driver's window")
	}
	if desc.Format != gpu.FormatR8G8B8A8Unorm {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "swap chain format %s", desc.Format)
	}

	vkSurface := d.adapter.drv.surface
	capabilities, _, err := vkSurface.PhysicalDeviceSurfaceCapabilities(d.adapter.physical)
	if err != nil {
		return nil, errors.Wrap(err, "vk: query surface capabilities")
	}

	imageCount := max(desc.BufferCount, capabilities.MinImageCount)
	if capabilities.MaxImageCount > 0 && capabilities.MaxImageCount < imageCount {
		imageCount = capabilities.MaxImageCount
	}
	extent := clampExtent(desc.Width, desc.Height, capabilities)

	swapchain, _, err := d.swapchainLoader.CreateSwapchain(d.handle, nil, khr_swapchain.SwapchainCreateInfo{
		Surface: vkSurface,

		MinImageCount:    imageCount,
		ImageFormat:      d.colorFormat,
		ImageColorSpace:  d.adapter.surfaceFmt.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment | core1_0.ImageUsageTransferSrc,

		ImageSharingMode: core1_0.SharingModeExclusive,

		PreTransform:   capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    khr_surface.PresentModeFIFO,
		Clipped:        true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vk: create swapchain")
	}

	sc := &swapChain{dev: d, swapchain: swapchain}
	images, _, err := swapchain.SwapchainImages()
	if err != nil {
		sc.Destroy()
		return nil, errors.Wrap(err, "vk: get swapchain images")
	}
	sc.desc = gpu.SwapChainDesc{Width: extent.Width, Height: extent.Height, Format: desc.Format, BufferCount: len(images)}
	for _, image := range images {
		r := &resource{
			dev:       d,
			desc:      gpu.Texture2DDesc(uint32(extent.Width), uint32(extent.Height), desc.Format),
			residency: gpu.HeapDefault,
			initial:   gpu.StatePresent,
			image:     image,
			format:    d.colorFormat,
			borrowed:  true,
		}
		r.desc.Flags = gpu.ResourceFlagAllowRenderTarget
		d.track(r)
		sc.buffers = append(sc.buffers, r)
	}

	sc.acquired, _, err = d.handle.CreateFence(nil, core1_0.FenceCreateInfo{})
	if err != nil {
		sc.Destroy()
		return nil, errors.Wrap(err, "vk: create acquire fence")
	}
	if err := sc.acquire(); err != nil {
		sc.Destroy()
		return nil, err
	}
	gpu.Logger().Debug("vulkan swapchain created", "width", extent.Width, "height", extent.Height,
		"images", len(images), "format", d.colorFormat)
	return sc, nil
}

func (sc *swapChain) acquire() error {
	imageIndex, _, err := sc.swapchain.AcquireNextImage(common.NoTimeout, nil, sc.acquired)
	if err != nil {
		return errors.Wrap(err, "vk: acquire next image")
	}
	if _, err := sc.acquired.Wait(common.NoTimeout); err != nil {
		return errors.Wrap(err, "vk: wait for acquire")
	}
	if _, err := sc.dev.handle.ResetFences([]core1_0.Fence{sc.acquired}); err != nil {
		return errors.Wrap(err, "vk: reset acquire fence")
	}
	sc.current = imageIndex
	return nil
}

func (sc *swapChain) Desc() gpu.SwapChainDesc { return sc.desc }

func (sc *swapChain) Destroy() {
	for _, r := range sc.buffers {
		r.Destroy()
	}
	sc.buffers = nil
	if sc.acquired != nil {
		sc.acquired.Destroy(nil)
		sc.acquired = nil
	}
	if sc.swapchain != nil {
		sc.swapchain.Destroy(nil)
		sc.swapchain = nil
	}
}

func (sc *swapChain) Buffer(i int) (gpu.Resource, error) {
	if i < 0 || i >= len(sc.buffers) {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "back buffer %d of %d", i, len(sc.buffers))
	}
	return sc.buffers[i], nil
}

func (sc *swapChain) CurrentBackBufferIndex() int { return sc.current }

// Present queues the current image and acquires the next one. FIFO
// presentation always waits for vertical blank, so sync intervals
// above zero behave alike and zero is not honored.
func (sc *swapChain) Present(syncInterval int) error {
	_, err := sc.dev.swapchainLoader.QueuePresent(sc.dev.queue, khr_swapchain.PresentInfo{
		Swapchains:   []khr_swapchain.Swapchain{sc.swapchain},
		ImageIndices: []int{sc.current},
	})
	if err != nil {
		return errors.Wrap(err, "vk: present")
	}
	return sc.acquire()
}
