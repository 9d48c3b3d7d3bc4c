package harness

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Allocator creates committed resources and uploads their initial
// contents. Every resource it creates is registered with the
// submitter's state tracker.
type Allocator struct {
	dev gpu.Device
	sub *Submitter
}

// NewAllocator returns an allocator that stages uploads through sub.
func NewAllocator(ctx *Context, sub *Submitter) *Allocator {
	return &Allocator{dev: ctx.Device, sub: sub}
}

func initialState(residency gpu.ResidencyClass) gpu.ResourceState {
	if residency == gpu.HeapUpload {
		return gpu.StateGenericRead
	}
	return gpu.StateCopyDest
}

func (a *Allocator) create(residency gpu.ResidencyClass, desc gpu.ResourceDesc) (gpu.Resource, error) {
	state := initialState(residency)
	r, err := a.dev.CreateCommittedResource(residency, desc, state)
	if err != nil {
		return nil, errors.Wrapf(err, "harness: create %s resource", residency)
	}
	a.sub.Tracker().Track(r, state)
	return r, nil
}

// CreateBuffer creates a buffer of size bytes. Upload buffers start in
// GenericRead, the others in CopyDest. A rejected request fails with a
// wrapped *gpu.AllocationError.
func (a *Allocator) CreateBuffer(size uint64, residency gpu.ResidencyClass) (gpu.Resource, error) {
	return a.create(residency, gpu.BufferDesc(size))
}

// CreateTexture2D creates a 2D texture in CopyDest.
func (a *Allocator) CreateTexture2D(width, height int, format gpu.Format, residency gpu.ResidencyClass) (gpu.Resource, error) {
	return a.create(residency, gpu.Texture2DDesc(uint32(width), uint32(height), format))
}

// Map returns the host view of an upload or readback resource.
//
// Writes through the returned slice reach the GPU only after Unmap, and
// Unmap must be called before any submitted command reads the resource.
// Neither rule is checked.
func (a *Allocator) Map(r gpu.Resource) ([]byte, error) {
	b, err := r.Map()
	if err != nil {
		return nil, errors.Wrap(err, "harness: map")
	}
	return b, nil
}

// Unmap ends host access started by Map.
func (a *Allocator) Unmap(r gpu.Resource) { r.Unmap() }

// Upload copies data to the start of an upload resource.
func (a *Allocator) Upload(dst gpu.Resource, data []byte) error {
	if dst.Residency() != gpu.HeapUpload {
		return errors.Wrapf(gpu.ErrNotMappable, "harness: upload into %s resource", dst.Residency())
	}
	mem, err := a.Map(dst)
	if err != nil {
		return err
	}
	defer a.Unmap(dst)
	if len(data) > len(mem) {
		return errors.Newf("harness: %d bytes do not fit in a %d byte resource", len(data), len(mem))
	}
	copy(mem, data)
	return nil
}

// UploadBuffer creates an upload buffer holding data. The GPU reads it
// in place.
func (a *Allocator) UploadBuffer(data []byte) (gpu.Resource, error) {
	r, err := a.CreateBuffer(uint64(len(data)), gpu.HeapUpload)
	if err != nil {
		return nil, err
	}
	if err := a.Upload(r, data); err != nil {
		a.Release(r)
		return nil, err
	}
	return r, nil
}

// StaticBuffer creates a device-only buffer holding data, left in state
// after. The data is staged through a temporary upload buffer and
// copied by a one-shot command list.
func (a *Allocator) StaticBuffer(data []byte, after gpu.ResourceState) (gpu.Resource, error) {
	staging, err := a.UploadBuffer(data)
	if err != nil {
		return nil, err
	}
	defer a.Release(staging)

	dst, err := a.CreateBuffer(uint64(len(data)), gpu.HeapDefault)
	if err != nil {
		return nil, err
	}
	err = a.sub.Execute(func(list gpu.CommandList) error {
		list.CopyBufferRegion(dst, 0, staging, 0, uint64(len(data)))
		return a.sub.Tracker().Transition(list, dst, after)
	})
	if err != nil {
		a.Release(dst)
		return nil, errors.Wrap(err, "harness: stage buffer")
	}
	return dst, nil
}

// UploadTexture creates a device-only RGBA texture holding pix, rows
// rowPitch bytes apart, and leaves it in PixelShaderResource.
func (a *Allocator) UploadTexture(width, height int, pix []byte, rowPitch uint32) (gpu.Resource, error) {
	need := uint64(height-1)*uint64(rowPitch) + uint64(width*gpu.FormatR8G8B8A8Unorm.Size())
	if height <= 0 || uint64(len(pix)) < need {
		return nil, errors.Newf("harness: %d texture bytes for a %dx%d texture with pitch %d", len(pix), width, height, rowPitch)
	}
	staging, err := a.UploadBuffer(pix)
	if err != nil {
		return nil, err
	}
	defer a.Release(staging)

	tex, err := a.CreateTexture2D(width, height, gpu.FormatR8G8B8A8Unorm, gpu.HeapDefault)
	if err != nil {
		return nil, err
	}
	err = a.sub.Execute(func(list gpu.CommandList) error {
		list.CopyBufferToTexture(tex, staging, 0, rowPitch)
		return a.sub.Tracker().Transition(list, tex, gpu.StatePixelShaderResource)
	})
	if err != nil {
		a.Release(tex)
		return nil, errors.Wrap(err, "harness: stage texture")
	}
	return tex, nil
}

// Release destroys r and stops tracking it. r must not be referenced by
// work still executing.
func (a *Allocator) Release(r gpu.Resource) {
	a.sub.Tracker().Forget(r)
	r.Destroy()
}
