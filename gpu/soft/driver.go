// Package soft implements a software reference device.
//
// The GPU timeline of each command queue is a goroutine that replays
// closed command lists in submission order, rasterizes into render
// targets and advances fences. A debug layer validates every barrier
// against the state the resource actually has on the GPU timeline and
// records a message for each violation.
package soft

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

const driverName = "soft"

func init() {
	gpu.Register(New(Options{}))
}

// Options configures the soft device.
type Options struct {
	// Adapters lists the adapters to expose. If empty, a single
	// software adapter is exposed.
	Adapters []gpu.AdapterDesc

	// MaxFeatureLevel is the highest level devices support.
	// Zero means FeatureLevel12_1.
	MaxFeatureLevel gpu.FeatureLevel

	// MemoryBudget limits the bytes of committed resources.
	// Zero means unlimited.
	MemoryBudget uint64

	// Latency is added to the execution of every command list so that
	// the host observably waits on the fence.
	Latency time.Duration

	// RefreshInterval is the vertical blank period used by Present
	// with a sync interval of 1. Zero disables pacing.
	RefreshInterval time.Duration

	// BackBufferOrder is the sequence of back buffer indices handed
	// out after each Present, repeated. Zero value means 0, 1, 0, 1...
	BackBufferOrder []int

	// Strides overrides the descriptor handle increment size per heap kind.
	Strides map[gpu.DescriptorHeapKind]uint32
}

var defaultStrides = map[gpu.DescriptorHeapKind]uint32{
	gpu.HeapKindCBVSRVUAV: 40,
	gpu.HeapKindSampler:   16,
	gpu.HeapKindRTV:       24,
}

// Driver is the soft gpu.Driver.
type Driver struct {
	opts Options
}

// New returns a soft driver configured by opts.
func New(opts Options) *Driver {
	if opts.MaxFeatureLevel == 0 {
		opts.MaxFeatureLevel = gpu.FeatureLevel12_1
	}
	if len(opts.Adapters) == 0 {
		opts.Adapters = []gpu.AdapterDesc{{
			Description:          "Soft Reference Adapter",
			VendorID:             0x1414,
			DeviceID:             0x8c,
			DedicatedVideoMemory: opts.MemoryBudget,
			Software:             true,
		}}
	}
	strides := make(map[gpu.DescriptorHeapKind]uint32, len(defaultStrides))
	for k, v := range defaultStrides {
		strides[k] = v
	}
	for k, v := range opts.Strides {
		strides[k] = v
	}
	opts.Strides = strides
	return &Driver{opts: opts}
}

// Name implements gpu.Driver.
func (d *Driver) Name() string { return driverName }

// Adapters implements gpu.Driver.
func (d *Driver) Adapters() ([]gpu.Adapter, error) {
	as := make([]gpu.Adapter, len(d.opts.Adapters))
	for i, desc := range d.opts.Adapters {
		as[i] = &adapter{desc: desc, opts: &d.opts}
	}
	return as, nil
}

type adapter struct {
	desc gpu.AdapterDesc
	opts *Options
}

func (a *adapter) Desc() gpu.AdapterDesc { return a.desc }

func (a *adapter) CreateDevice(level gpu.FeatureLevel) (gpu.Device, error) {
	if level > a.opts.MaxFeatureLevel {
		return nil, errors.Wrapf(gpu.ErrUnsupportedFeatureLevel, "%s supports up to %s, requested %s",
			a.desc.Description, a.opts.MaxFeatureLevel, level)
	}
	gpu.Logger().Debug("soft device created", "adapter", a.desc.Description, "level", level.String())
	return newDevice(a.opts, level), nil
}
