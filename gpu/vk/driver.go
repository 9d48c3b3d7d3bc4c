// Package vk implements the device model on Vulkan.
//
// Command allocators map to command pools and command lists are
// encoded into command buffers when they are closed. Fence values are
// emulated with one binary fence per Signal. Descriptor heaps hold
// descriptor sets and image views, and root signatures become pipeline
// layouts whose static samplers are immutable samplers.
//
// Unlike the soft driver, the Vulkan driver needs a window before it
// can enumerate adapters, so it is constructed with NewDriver rather
// than registered from init.
package vk

import (
	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/ext_debug_utils"
	"github.com/vkngwrapper/extensions/khr_surface"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2"

	"github.com/vkngwrapper/frame-harness/gpu"
)

const driverName = "vulkan"

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}

// Driver is the Vulkan gpu.Driver. It owns the instance, the optional
// debug messenger and the window surface.
type Driver struct {
	window *Window
	debug  bool

	loader         core.Loader
	instance       core1_0.Instance
	debugMessenger ext_debug_utils.DebugUtilsMessenger
	surfaceLoader  khr_surface.Extension
	surface        khr_surface.Surface
}

var _ gpu.Driver = (*Driver)(nil)

// NewDriver creates a Vulkan instance able to present to win. With
// debug set, the Khronos validation layer is enabled and its messages
// are written to gpu.Logger.
func NewDriver(win *Window, debug bool) (*Driver, error) {
	d := &Driver{window: win, debug: debug}

	var err error
	d.loader, err = core.CreateLoaderFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return nil, errors.Wrap(err, "vk: create loader")
	}

	if err = d.createInstance(); err != nil {
		return nil, err
	}

	if debug {
		debugLoader := ext_debug_utils.CreateExtensionFromInstance(d.instance)
		d.debugMessenger, _, err = debugLoader.CreateDebugUtilsMessenger(d.instance, nil, d.debugMessengerOptions())
		if err != nil {
			d.Destroy()
			return nil, errors.Wrap(err, "vk: create debug messenger")
		}
	}

	d.surfaceLoader = khr_surface.CreateExtensionFromInstance(d.instance)
	d.surface, err = vkng_sdl2.CreateSurface(d.instance, d.surfaceLoader, win.window)
	if err != nil {
		d.Destroy()
		return nil, errors.Wrap(err, "vk: create surface")
	}
	return d, nil
}

func (d *Driver) createInstance() error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    "frame-harness",
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "frame-harness",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	sdlExtensions := d.window.window.VulkanGetInstanceExtensions()
	extensions, _, err := d.loader.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "vk: enumerate instance extensions")
	}

	instanceOptions.EnabledExtensionNames, err = instanceExtensions(func(name string) bool {
		_, ok := extensions[name]
		return ok
	}, sdlExtensions, d.debug)
	if err != nil {
		return err
	}

	if d.debug {
		layers, _, err := d.loader.AvailableLayers()
		if err != nil {
			return errors.Wrap(err, "vk: enumerate layers")
		}
		for _, layer := range validationLayers {
			if _, hasValidation := layers[layer]; !hasValidation {
				return errors.Newf("vk: validation layer %s not available, install the LunarG Vulkan SDK", layer)
			}
			instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, layer)
		}

		// Covers instance creation and destruction.
		instanceOptions.Next = d.debugMessengerOptions()
	}

	d.instance, _, err = d.loader.CreateInstance(nil, instanceOptions)
	if err != nil {
		return errors.Wrap(err, "vk: create instance")
	}
	return nil
}

// instanceExtensions lists the instance extensions to enable: those the
// window requires, plus debug utils when debug is set. Every required
// extension must be available.
func instanceExtensions(available func(string) bool, required []string, debug bool) ([]string, error) {
	var names []string
	for _, ext := range required {
		if !available(ext) {
			return nil, errors.Newf("vk: sdl requires missing instance extension %s", ext)
		}
		names = append(names, ext)
	}
	if debug {
		if !available(ext_debug_utils.ExtensionName) {
			return nil, errors.Newf("vk: debug requires missing instance extension %s", ext_debug_utils.ExtensionName)
		}
		names = append(names, ext_debug_utils.ExtensionName)
	}
	return names, nil
}

func (d *Driver) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    logDebug,
	}
}

func logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	if severity&ext_debug_utils.SeverityError != 0 {
		gpu.Logger().Error("vulkan validation", "type", msgType, "message", data.Message)
	} else {
		gpu.Logger().Warn("vulkan validation", "type", msgType, "message", data.Message)
	}
	return false
}

// Name implements gpu.Driver.
func (d *Driver) Name() string { return driverName }

// Adapters implements gpu.Driver. Only physical devices with a queue
// family that can both draw and present to the window are returned.
func (d *Driver) Adapters() ([]gpu.Adapter, error) {
	physicalDevices, _, err := d.instance.EnumeratePhysicalDevices()
	if err != nil {
		return nil, errors.Wrap(err, "vk: enumerate physical devices")
	}

	var as []gpu.Adapter
	for _, pd := range physicalDevices {
		a, err := d.newAdapter(pd)
		if err != nil {
			gpu.Logger().Debug("physical device skipped", "error", err)
			continue
		}
		as = append(as, a)
	}
	return as, nil
}

// Destroy releases the surface, the debug messenger and the instance.
// Devices created from the driver must be destroyed first.
func (d *Driver) Destroy() {
	if d.surface != nil {
		d.surface.Destroy(nil)
		d.surface = nil
	}
	if d.debugMessenger != nil {
		d.debugMessenger.Destroy(nil)
		d.debugMessenger = nil
	}
	if d.instance != nil {
		d.instance.Destroy(nil)
		d.instance = nil
	}
}
