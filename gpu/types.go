package gpu

import "fmt"

// ResidencyClass selects the memory pool a committed resource lives in.
type ResidencyClass int

const (
	// HeapDefault is device-only memory.
	HeapDefault ResidencyClass = iota
	// HeapUpload is host-writable, device-readable memory.
	HeapUpload
	// HeapReadback is device-writable, host-readable memory.
	HeapReadback
)

func (c ResidencyClass) String() string {
	switch c {
	case HeapDefault:
		return "Default"
	case HeapUpload:
		return "Upload"
	case HeapReadback:
		return "Readback"
	}
	return fmt.Sprintf("ResidencyClass(%d)", int(c))
}

// Mappable reports whether resources of this class may be mapped by the host.
func (c ResidencyClass) Mappable() bool {
	return c == HeapUpload || c == HeapReadback
}

// ResourceState is the usage mode a resource is declared to be in.
type ResourceState int

const (
	StatePresent ResourceState = iota
	StateRenderTarget
	StatePixelShaderResource
	StateGenericRead
	StateCopyDest
	StateCopySource
	StateVertexAndConstantBuffer
	StateIndexBuffer
)

// StateCommon aliases StatePresent, as in D3D12.
const StateCommon = StatePresent

var stateNames = [...]string{
	StatePresent:                 "Present",
	StateRenderTarget:            "RenderTarget",
	StatePixelShaderResource:     "PixelShaderResource",
	StateGenericRead:             "GenericRead",
	StateCopyDest:                "CopyDest",
	StateCopySource:              "CopySource",
	StateVertexAndConstantBuffer: "VertexAndConstantBuffer",
	StateIndexBuffer:             "IndexBuffer",
}

func (s ResourceState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("ResourceState(%d)", int(s))
}

// Format is a texel or vertex attribute format.
type Format int

const (
	FormatUnknown Format = iota
	FormatR8G8B8A8Unorm
	FormatR32G32Float
	FormatR32G32B32Float
	FormatR32G32B32A32Float
	FormatR16Uint
	FormatR32Uint
)

// Size returns the size in bytes of one element of the format.
func (f Format) Size() int {
	switch f {
	case FormatR8G8B8A8Unorm, FormatR32Uint:
		return 4
	case FormatR32G32Float:
		return 8
	case FormatR32G32B32Float:
		return 12
	case FormatR32G32B32A32Float:
		return 16
	case FormatR16Uint:
		return 2
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatUnknown:
		return "Unknown"
	case FormatR8G8B8A8Unorm:
		return "R8G8B8A8_UNORM"
	case FormatR32G32Float:
		return "R32G32_FLOAT"
	case FormatR32G32B32Float:
		return "R32G32B32_FLOAT"
	case FormatR32G32B32A32Float:
		return "R32G32B32A32_FLOAT"
	case FormatR16Uint:
		return "R16_UINT"
	case FormatR32Uint:
		return "R32_UINT"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Dimension is the shape of a resource.
type Dimension int

const (
	DimensionBuffer Dimension = iota
	DimensionTexture2D
)

// ResourceFlags are additional creation flags.
type ResourceFlags int

const (
	ResourceFlagNone              ResourceFlags = 0
	ResourceFlagAllowRenderTarget ResourceFlags = 1 << iota
)

// ResourceDesc describes a committed resource.
// For buffers only Width is meaningful and it is given in bytes.
type ResourceDesc struct {
	Dimension Dimension
	Width     uint64
	Height    uint32
	Format    Format
	Flags     ResourceFlags
}

// BufferDesc returns the description of a buffer of size bytes.
func BufferDesc(size uint64) ResourceDesc {
	return ResourceDesc{Dimension: DimensionBuffer, Width: size, Height: 1}
}

// Texture2DDesc returns the description of a single-mip 2D texture.
func Texture2DDesc(width, height uint32, format Format) ResourceDesc {
	return ResourceDesc{Dimension: DimensionTexture2D, Width: uint64(width), Height: height, Format: format}
}

// ByteSize returns the tightly packed size of the resource contents.
func (d ResourceDesc) ByteSize() uint64 {
	if d.Dimension == DimensionBuffer {
		return d.Width
	}
	return d.Width * uint64(d.Height) * uint64(d.Format.Size())
}

// Barrier is a transition barrier on subresource 0 of Resource.
// Before must equal the state the resource is in at the point the
// barrier executes on the GPU timeline.
type Barrier struct {
	Resource Resource
	Before   ResourceState
	After    ResourceState
}

func (b Barrier) String() string {
	return fmt.Sprintf("%s -> %s", b.Before, b.After)
}

// FeatureLevel is the minimum capability set a device must expose.
type FeatureLevel int

const (
	FeatureLevel11_0 FeatureLevel = 0xb000
	FeatureLevel11_1 FeatureLevel = 0xb100
	FeatureLevel12_0 FeatureLevel = 0xc000
	FeatureLevel12_1 FeatureLevel = 0xc100
)

// FeatureLevels lists the levels tried on device creation, best first.
var FeatureLevels = []FeatureLevel{
	FeatureLevel12_1,
	FeatureLevel12_0,
	FeatureLevel11_1,
	FeatureLevel11_0,
}

func (l FeatureLevel) String() string {
	return fmt.Sprintf("%d_%d", int(l)>>12, (int(l)>>8)&0xf)
}

// PrimitiveTopologyType is the topology class a pipeline is built for.
type PrimitiveTopologyType int

const (
	TopologyTypeTriangle PrimitiveTopologyType = iota
	TopologyTypeLine
	TopologyTypePoint
)

// PrimitiveTopology is the topology set on the input assembler.
type PrimitiveTopology int

const (
	TopologyUndefined PrimitiveTopology = iota
	TopologyTriangleList
	TopologyTriangleStrip
	TopologyLineList
	TopologyPointList
)

// Type returns the topology class of t.
func (t PrimitiveTopology) Type() PrimitiveTopologyType {
	switch t {
	case TopologyLineList:
		return TopologyTypeLine
	case TopologyPointList:
		return TopologyTypePoint
	}
	return TopologyTypeTriangle
}

// VertexBufferView binds a range of a buffer as vertex input.
type VertexBufferView struct {
	BufferLocation uint64
	SizeInBytes    uint32
	StrideInBytes  uint32
}

// IndexBufferView binds a range of a buffer as index input.
// Format must be FormatR16Uint or FormatR32Uint.
type IndexBufferView struct {
	BufferLocation uint64
	SizeInBytes    uint32
	Format         Format
}

// Viewport maps normalized device coordinates to render target pixels.
type Viewport struct {
	TopLeftX, TopLeftY float32
	Width, Height      float32
	MinDepth, MaxDepth float32
}

// Rect is a pixel rectangle. Right and Bottom are exclusive.
type Rect struct {
	Left, Top, Right, Bottom int32
}

// FullViewport returns a viewport covering a w×h target.
func FullViewport(w, h int) Viewport {
	return Viewport{Width: float32(w), Height: float32(h), MaxDepth: 1}
}

// FullRect returns a scissor rect covering a w×h target.
func FullRect(w, h int) Rect {
	return Rect{Right: int32(w), Bottom: int32(h)}
}
