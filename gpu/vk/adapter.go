package vk

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_portability_subset"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/frame-harness/gpu"
)

var deviceExtensions = []string{khr_swapchain.ExtensionName}

type adapter struct {
	drv         *Driver
	physical    core1_0.PhysicalDevice
	desc        gpu.AdapterDesc
	maxLevel    gpu.FeatureLevel
	queueFamily int
	surfaceFmt  khr_surface.SurfaceFormat
}

// maxFeatureLevel maps the Vulkan version a physical device reports to
// the best feature level it can serve. Flipped viewports need 1.1, so
// 1.0 devices serve none.
func maxFeatureLevel(v common.APIVersion) gpu.FeatureLevel {
	switch {
	case v.IsAtLeast(common.Vulkan1_2):
		return gpu.FeatureLevel12_1
	case v.IsAtLeast(common.Vulkan1_1):
		return gpu.FeatureLevel12_0
	}
	return 0
}

// chooseSurfaceFormat prefers a UNORM format so that shader output is
// written without an sRGB encode, matching the soft driver.
func chooseSurfaceFormat(formats []khr_surface.SurfaceFormat) (khr_surface.SurfaceFormat, bool) {
	for _, want := range []core1_0.Format{core1_0.FormatR8G8B8A8UnsignedNormalized, core1_0.FormatB8G8R8A8UnsignedNormalized} {
		for _, f := range formats {
			if f.Format == want && f.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
				return f, true
			}
		}
	}
	return khr_surface.SurfaceFormat{}, false
}

func (d *Driver) newAdapter(pd core1_0.PhysicalDevice) (*adapter, error) {
	props, err := pd.Properties()
	if err != nil {
		return nil, err
	}
	a := &adapter{
		drv:      d,
		physical: pd,
		maxLevel: maxFeatureLevel(props.APIVersion),
		desc: gpu.AdapterDesc{
			Description: props.DriverName,
			VendorID:    props.VendorID,
			DeviceID:    props.DeviceID,
			Software:    props.DriverType == core1_0.PhysicalDeviceTypeCPU,
		},
	}

	memProps := pd.MemoryProperties()
	for _, heap := range memProps.MemoryHeaps {
		if heap.Flags&core1_0.MemoryHeapDeviceLocal != 0 {
			a.desc.DedicatedVideoMemory += uint64(heap.Size)
		}
	}

	extensions, _, err := pd.EnumerateDeviceExtensionProperties()
	if err != nil {
		return nil, err
	}
	for _, ext := range deviceExtensions {
		if _, hasExtension := extensions[ext]; !hasExtension {
			return nil, errors.Newf("%s lacks %s", a.desc.Description, ext)
		}
	}

	a.queueFamily = -1
	for idx, family := range pd.QueueFamilyProperties() {
		if family.QueueFlags&core1_0.QueueGraphics == 0 {
			continue
		}
		supported, _, err := d.surface.PhysicalDeviceSurfaceSupport(pd, idx)
		if err != nil {
			return nil, err
		}
		if supported {
			a.queueFamily = idx
			break
		}
	}
	if a.queueFamily < 0 {
		return nil, errors.Newf("%s has no queue family that draws and presents", a.desc.Description)
	}

	formats, _, err := d.surface.PhysicalDeviceSurfaceFormats(pd)
	if err != nil {
		return nil, err
	}
	var ok bool
	a.surfaceFmt, ok = chooseSurfaceFormat(formats)
	if !ok {
		return nil, errors.Newf("%s cannot present an 8-bit UNORM format", a.desc.Description)
	}
	return a, nil
}

func (a *adapter) Desc() gpu.AdapterDesc { return a.desc }

func (a *adapter) CreateDevice(level gpu.FeatureLevel) (gpu.Device, error) {
	if level > a.maxLevel {
		return nil, errors.Wrapf(gpu.ErrUnsupportedFeatureLevel, "%s supports up to %s, requested %s",
			a.desc.Description, a.maxLevel, level)
	}

	extensionNames := append([]string(nil), deviceExtensions...)

	// Required by portability implementations such as MoltenVK.
	extensions, _, err := a.physical.EnumerateDeviceExtensionProperties()
	if err != nil {
		return nil, errors.Wrap(err, "vk: enumerate device extensions")
	}
	if _, supported := extensions[khr_portability_subset.ExtensionName]; supported {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	handle, _, err := a.physical.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos: []core1_0.DeviceQueueCreateInfo{
			{
				QueueFamilyIndex: a.queueFamily,
				QueuePriorities:  []float32{1.0},
			},
		},
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "vk: create device on %s", a.desc.Description)
	}

	dev, err := newDevice(a, handle, level)
	if err != nil {
		handle.Destroy(nil)
		return nil, err
	}
	gpu.Logger().Debug("vulkan device created", "adapter", a.desc.Description, "level", level.String(),
		"format", a.surfaceFmt.Format)
	return dev, nil
}
