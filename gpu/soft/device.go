package soft

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

const (
	vaBase        = 0x10000
	vaAlignment   = 0x10000
	cpuHandleBase = 0x100000
	gpuHandleBase = 0x7f0000000000
	handleGap     = 0x1000
)

// Stats counts work done on the GPU timeline.
type Stats struct {
	ListsExecuted uint64
	Clears        uint64
	Draws         uint64
	Triangles     uint64
	PixelsWritten uint64

	// Overdraw counts pixels written more than once by the same draw.
	Overdraw uint64

	Presents uint64
}

// Device is the soft gpu.Device. Callers holding a gpu.Device from this
// package may type-assert it to reach the debug layer and statistics.
type Device struct {
	opts  *Options
	level gpu.FeatureLevel
	debug debugLayer

	mu         sync.Mutex
	resources  []*resource
	nextVA     uint64
	used       uint64
	heaps      []*descriptorHeap
	nextCPU    uintptr
	nextGPU    uint64
	removed    atomic.Bool
	statsMu    sync.Mutex
	stats      Stats
	removedWhy string
}

var _ gpu.Device = (*Device)(nil)

func newDevice(opts *Options, level gpu.FeatureLevel) *Device {
	return &Device{
		opts:    opts,
		level:   level,
		nextVA:  vaBase,
		nextCPU: cpuHandleBase,
		nextGPU: gpuHandleBase,
	}
}

// FeatureLevel implements gpu.Device.
func (d *Device) FeatureLevel() gpu.FeatureLevel { return d.level }

// Destroy implements gpu.Device.
func (d *Device) Destroy() {}

// Messages returns the debug layer messages recorded so far.
func (d *Device) Messages() []string { return d.debug.messages() }

// ClearMessages discards recorded debug layer messages.
func (d *Device) ClearMessages() { d.debug.clear() }

// Stats returns a snapshot of the GPU timeline counters.
func (d *Device) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// ResetStats zeroes the GPU timeline counters.
func (d *Device) ResetStats() {
	d.statsMu.Lock()
	d.stats = Stats{}
	d.statsMu.Unlock()
}

func (d *Device) count(f func(*Stats)) {
	d.statsMu.Lock()
	f(&d.stats)
	d.statsMu.Unlock()
}

func (d *Device) remove(why string) {
	d.mu.Lock()
	if d.removedWhy == "" {
		d.removedWhy = why
	}
	d.mu.Unlock()
	d.removed.Store(true)
	d.debug.errorf("device removed: %s", why)
}

func (d *Device) checkRemoved() error {
	if !d.removed.Load() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Wrap(gpu.ErrDeviceRemoved, d.removedWhy)
}

// StateOf returns the state r has on the GPU timeline.
// It panics if r was not created by a soft device.
func StateOf(r gpu.Resource) gpu.ResourceState {
	res := r.(*resource)
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.state
}

type resource struct {
	dev       *Device
	desc      gpu.ResourceDesc
	residency gpu.ResidencyClass
	va        uint64

	mu     sync.Mutex
	data   []byte
	state  gpu.ResourceState
	mapped int
}

func (r *resource) Desc() gpu.ResourceDesc        { return r.desc }
func (r *resource) Residency() gpu.ResidencyClass { return r.residency }
func (r *resource) GPUVirtualAddress() uint64     { return r.va }

func (r *resource) Map() ([]byte, error) {
	if !r.residency.Mappable() {
		return nil, errors.Wrapf(gpu.ErrNotMappable, "%s resource", r.residency)
	}
	r.mu.Lock()
	r.mapped++
	r.mu.Unlock()
	return r.data, nil
}

func (r *resource) Unmap() {
	r.mu.Lock()
	if r.mapped > 0 {
		r.mapped--
	}
	r.mu.Unlock()
}

func (r *resource) Destroy() {
	d := r.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.resources), func(i int) bool { return d.resources[i].va >= r.va })
	if i < len(d.resources) && d.resources[i] == r {
		d.resources = append(d.resources[:i], d.resources[i+1:]...)
		d.used -= uint64(len(r.data))
	}
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
	if desc.Flags&gpu.ResourceFlagAllowRenderTarget != 0 {
		if desc.Dimension != gpu.DimensionTexture2D || residency != gpu.HeapDefault {
			return nil, reject(errors.New("render targets must be default-heap textures"))
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

	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.opts.MemoryBudget; b != 0 && d.used+size > b {
		return nil, reject(errors.Newf("out of device memory: %d of %d bytes in use", d.used, b))
	}
	r := &resource{
		dev:       d,
		desc:      desc,
		residency: residency,
		va:        d.nextVA,
		data:      make([]byte, size),
		state:     initial,
	}
	d.nextVA += (size + vaAlignment - 1) / vaAlignment * vaAlignment
	d.used += size
	d.resources = append(d.resources, r)
	return r, nil
}

// resolveVA finds the buffer containing [addr, addr+size).
func (d *Device) resolveVA(addr, size uint64) (*resource, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.resources), func(i int) bool { return d.resources[i].va > addr }) - 1
	if i < 0 {
		return nil, 0, false
	}
	r := d.resources[i]
	off := addr - r.va
	if off+size > uint64(len(r.data)) {
		return nil, 0, false
	}
	return r, off, true
}
