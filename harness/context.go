package harness

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Context owns the adapter, the logical device and the direct command
// queue. Every other component is constructed from a *Context.
type Context struct {
	Config  Config
	Adapter gpu.Adapter
	Device  gpu.Device
	Queue   gpu.CommandQueue
}

// NewContext selects an adapter from drv, creates a device at the best
// feature level it supports and creates the command queue.
func NewContext(drv gpu.Driver, cfg Config) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	adapters, err := drv.Adapters()
	if err != nil {
		return nil, errors.Wrapf(err, "harness: enumerate %s adapters", drv.Name())
	}
	if len(adapters) == 0 {
		return nil, errors.Wrapf(gpu.ErrNoAdapter, "driver %s", drv.Name())
	}
	adapter := SelectAdapter(adapters, cfg.AdapterHint)

	var dev gpu.Device
	var level gpu.FeatureLevel
	for _, level = range gpu.FeatureLevels {
		dev, err = adapter.CreateDevice(level)
		if err == nil {
			break
		}
		if !errors.Is(err, gpu.ErrUnsupportedFeatureLevel) {
			return nil, errors.Wrapf(err, "harness: create device on %s", adapter.Desc().Description)
		}
	}
	if dev == nil {
		return nil, errors.Wrapf(gpu.ErrNoAdapter, "%s supports none of the feature levels %v",
			adapter.Desc().Description, gpu.FeatureLevels)
	}
	gpu.Logger().Info("device created",
		"driver", drv.Name(),
		"adapter", adapter.Desc().Description,
		"level", level.String())

	q, err := dev.CreateCommandQueue()
	if err != nil {
		dev.Destroy()
		return nil, errors.Wrap(err, "harness: create command queue")
	}
	return &Context{Config: cfg, Adapter: adapter, Device: dev, Queue: q}, nil
}

// SelectAdapter returns the first adapter whose description contains
// hint, else the first hardware adapter, else the first adapter.
func SelectAdapter(adapters []gpu.Adapter, hint string) gpu.Adapter {
	if hint != "" {
		for _, a := range adapters {
			if strings.Contains(a.Desc().Description, hint) {
				return a
			}
		}
	}
	for _, a := range adapters {
		if !a.Desc().Software {
			return a
		}
	}
	return adapters[0]
}

// Close releases the queue and the device.
func (c *Context) Close() {
	if c.Queue != nil {
		c.Queue.Destroy()
		c.Queue = nil
	}
	if c.Device != nil {
		c.Device.Destroy()
		c.Device = nil
	}
}
