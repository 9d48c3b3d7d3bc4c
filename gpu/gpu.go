// Package gpu defines the device model the harness renders through.
//
// The model follows explicit low-level graphics APIs: resources live in
// a residency class and carry a declared state that only changes through
// transition barriers; command lists are recorded from a command
// allocator, closed, and executed on a command queue; completion is
// observed through a fence whose completed value increases
// monotonically. Drivers implement the interfaces in this package and
// register themselves from init.
package gpu

// Driver is an installable device implementation.
type Driver interface {
	// Name returns the name the driver is registered under.
	Name() string

	// Adapters enumerates the adapters the driver can open.
	Adapters() ([]Adapter, error)
}

// AdapterDesc describes an adapter.
type AdapterDesc struct {
	Description          string
	VendorID             uint32
	DeviceID             uint32
	DedicatedVideoMemory uint64
	Software             bool
}

// Adapter is a physical device.
type Adapter interface {
	Desc() AdapterDesc

	// CreateDevice creates a logical device that supports level.
	// It fails with ErrUnsupportedFeatureLevel if it cannot.
	CreateDevice(level FeatureLevel) (Device, error)
}

// Destroyer is implemented by objects holding memory not managed by
// the garbage collector.
type Destroyer interface {
	Destroy()
}

// Device creates every other object.
type Device interface {
	Destroyer

	FeatureLevel() FeatureLevel

	CreateCommandQueue() (CommandQueue, error)
	CreateCommandAllocator() (CommandAllocator, error)

	// CreateCommandList creates a list in the recording state, backed
	// by alloc, with pso (which may be nil) bound.
	CreateCommandList(alloc CommandAllocator, pso PipelineState) (CommandList, error)

	// CreateFence creates a fence whose completed value starts at initial.
	CreateFence(initial uint64) (Fence, error)

	// CreateCommittedResource creates a resource in its own implicit heap.
	// It fails with *AllocationError if the device rejects the request.
	CreateCommittedResource(residency ResidencyClass, desc ResourceDesc, initial ResourceState) (Resource, error)

	CreateDescriptorHeap(desc DescriptorHeapDesc) (DescriptorHeap, error)

	// DescriptorHandleIncrementSize returns the per-entry stride of
	// heaps of the given kind. Strides may differ between kinds.
	DescriptorHandleIncrementSize(kind DescriptorHeapKind) uint32

	// CreateRenderTargetView writes a render target view of res into
	// the slot addressed by h, replacing whatever was there.
	CreateRenderTargetView(res Resource, desc *RenderTargetViewDesc, h CPUDescriptorHandle)

	// CreateShaderResourceView writes a shader resource view of res into
	// the slot addressed by h, replacing whatever was there.
	CreateShaderResourceView(res Resource, desc *ShaderResourceViewDesc, h CPUDescriptorHandle)

	// CreateRootSignature fails with *PipelineBuildError on a malformed
	// description.
	CreateRootSignature(desc *RootSignatureDesc) (RootSignature, error)

	// CreateGraphicsPipelineState fails with *PipelineBuildError if the
	// shader bytecode is malformed, the shaders use resources the root
	// signature does not declare, or the input layout is inconsistent
	// with the vertex stride.
	CreateGraphicsPipelineState(desc *GraphicsPipelineDesc) (PipelineState, error)

	// CreateSwapChain creates a swap chain presenting to surface,
	// synchronized with queue.
	CreateSwapChain(queue CommandQueue, surface Surface, desc SwapChainDesc) (SwapChain, error)
}

// Resource is an allocation of device memory.
type Resource interface {
	Destroyer

	Desc() ResourceDesc
	Residency() ResidencyClass
	GPUVirtualAddress() uint64

	// Map returns the host view of an upload or readback resource.
	// Writes through the returned slice become visible to the GPU only
	// after Unmap, and Unmap must be called before any submitted
	// command reads the resource. Neither condition is checked.
	Map() ([]byte, error)
	Unmap()
}

// DescriptorHeap is a fixed-capacity table of views.
type DescriptorHeap interface {
	Destroyer

	Desc() DescriptorHeapDesc
	CPUDescriptorHandleForHeapStart() CPUDescriptorHandle

	// GPUDescriptorHandleForHeapStart is only valid for shader-visible heaps.
	GPUDescriptorHandleForHeapStart() GPUDescriptorHandle
}

// RootSignature is an immutable binding signature.
type RootSignature interface {
	Destroyer
	Desc() RootSignatureDesc
}

// PipelineState is an immutable compiled pipeline.
type PipelineState interface {
	Destroyer
}

// CommandAllocator backs the memory of recorded commands.
type CommandAllocator interface {
	Destroyer

	// Reset reclaims the memory of every list recorded from the
	// allocator. It fails with ErrAllocatorInFlight if any of them
	// may still be executing.
	Reset() error
}

// CommandList records GPU commands. Recording methods do not return
// errors; misuse is reported by Close.
type CommandList interface {
	Destroyer

	// Reset reopens a closed list for recording into alloc.
	Reset(alloc CommandAllocator, pso PipelineState) error

	ResourceBarrier(barriers ...Barrier)

	SetPipelineState(pso PipelineState)
	SetGraphicsRootSignature(rs RootSignature)
	SetDescriptorHeaps(heaps ...DescriptorHeap)
	SetGraphicsRootDescriptorTable(param int, base GPUDescriptorHandle)

	IASetPrimitiveTopology(t PrimitiveTopology)
	IASetVertexBuffers(startSlot int, views ...VertexBufferView)
	IASetIndexBuffer(view *IndexBufferView)
	RSSetViewports(viewports ...Viewport)
	RSSetScissorRects(rects ...Rect)
	OMSetRenderTargets(rtvs ...CPUDescriptorHandle)

	ClearRenderTargetView(rtv CPUDescriptorHandle, color [4]float32)
	DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32)
	DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32)

	CopyBufferRegion(dst Resource, dstOffset uint64, src Resource, srcOffset, size uint64)

	// CopyBufferToTexture copies tightly packed rows, rowPitch bytes
	// apart, from src into the whole of the 2D texture dst.
	CopyBufferToTexture(dst Resource, src Resource, srcOffset uint64, rowPitch uint32)

	// CopyTextureToBuffer copies the whole of the 2D texture src into
	// dst, rowPitch bytes per row.
	CopyTextureToBuffer(dst Resource, dstOffset uint64, rowPitch uint32, src Resource)

	// Close ends recording. No further commands may be recorded until
	// Reset. It reports the first recording error, if any.
	Close() error
}

// CommandQueue executes closed command lists in submission order.
type CommandQueue interface {
	Destroyer

	ExecuteCommandLists(lists ...CommandList)

	// Signal sets f's completed value to value once every previously
	// submitted command list has finished executing.
	Signal(f Fence, value uint64) error
}

// Fence is a GPU-to-host synchronization primitive with a monotonically
// increasing completed value.
type Fence interface {
	Destroyer

	CompletedValue() uint64

	// SetEventOnCompletion returns a channel that is closed once the
	// completed value reaches value.
	SetEventOnCompletion(value uint64) <-chan struct{}
}

// Surface is a presentation target produced by a window.
type Surface interface {
	Size() (width, height int)
}

// SwapChainDesc describes a flip-model swap chain.
type SwapChainDesc struct {
	Width, Height int
	Format        Format
	BufferCount   int
}

// SwapChain owns the presentable back buffers.
type SwapChain interface {
	Destroyer

	Desc() SwapChainDesc

	// Buffer returns back buffer i. Back buffers start in StatePresent.
	Buffer(i int) (Resource, error)

	// CurrentBackBufferIndex returns the buffer the next frame must
	// render to. The presentation engine may hand buffers out in any
	// order.
	CurrentBackBufferIndex() int

	// Present queues the current back buffer for display. With a sync
	// interval of 1 it blocks until the next vertical blank.
	Present(syncInterval int) error
}
