package gpu

// ShaderStage identifies a programmable pipeline stage.
type ShaderStage int

const (
	StageVertex ShaderStage = iota
	StagePixel
)

func (s ShaderStage) String() string {
	if s == StagePixel {
		return "pixel"
	}
	return "vertex"
}

// ShaderBytecode is an opaque compiled shader blob.
type ShaderBytecode []byte

// AppendAligned places an input element directly after the previous one.
const AppendAligned = ^uint32(0)

// InputElement describes one vertex attribute.
type InputElement struct {
	SemanticName      string
	SemanticIndex     int
	Format            Format
	InputSlot         int
	AlignedByteOffset uint32
}

// LayoutSize resolves AppendAligned offsets and returns the byte size of
// one vertex in slot 0 along with the resolved offsets.
func LayoutSize(elems []InputElement) (uint32, []uint32) {
	var end uint32
	offs := make([]uint32, len(elems))
	for i, e := range elems {
		off := e.AlignedByteOffset
		if off == AppendAligned {
			off = end
		}
		offs[i] = off
		if e.InputSlot == 0 {
			if top := off + uint32(e.Format.Size()); top > end {
				end = top
			}
		}
	}
	return end, offs
}

// FillMode is the rasterizer fill mode.
type FillMode int

const (
	FillSolid FillMode = iota
	FillWireframe
)

// CullMode selects which triangles are discarded.
type CullMode int

const (
	CullNone CullMode = iota
	CullFront
	CullBack
)

// RasterizerDesc is the rasterizer configuration.
type RasterizerDesc struct {
	FillMode              FillMode
	CullMode              CullMode
	FrontCounterClockwise bool
	DepthClipEnable       bool
	MultisampleEnable     bool
}

// ColorWriteEnableAll enables writes to every channel.
const ColorWriteEnableAll uint8 = 0xf

// RenderTargetBlendDesc configures blending for one render target.
type RenderTargetBlendDesc struct {
	BlendEnable           bool
	LogicOpEnable         bool
	RenderTargetWriteMask uint8
}

// BlendDesc is the output-merger blend configuration.
type BlendDesc struct {
	AlphaToCoverageEnable  bool
	IndependentBlendEnable bool
	RenderTarget           [8]RenderTargetBlendDesc
}

// DepthStencilDesc is the depth/stencil configuration. Depth testing is
// not supported by this harness and DepthEnable must be false.
type DepthStencilDesc struct {
	DepthEnable   bool
	StencilEnable bool
}

// DefaultSampleMask enables every sample.
const DefaultSampleMask = ^uint32(0)

// GraphicsPipelineDesc is the full description of a graphics pipeline
// state object. RootSignature is required and must have been created
// by the same device.
type GraphicsPipelineDesc struct {
	RootSignature RootSignature
	VS            ShaderBytecode
	PS            ShaderBytecode
	InputLayout   []InputElement
	VertexStride  uint32
	Rasterizer    RasterizerDesc
	Blend         BlendDesc
	DepthStencil  DepthStencilDesc
	SampleMask    uint32
	Topology      PrimitiveTopologyType
	RTVFormats    []Format
	SampleCount   int
}
