package vk

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/frame-harness/gpu"
)

const spirvMagic = 0x07230203

type rootSignature struct {
	dev  *Device
	desc gpu.RootSignatureDesc

	layout        core1_0.PipelineLayout
	samplerLayout core1_0.DescriptorSetLayout
	samplers      []core1_0.Sampler
	pool          core1_0.DescriptorPool

	// samplerSet is set 1 of the layout, bound next to the SRV table.
	samplerSet core1_0.DescriptorSet
}

func (rs *rootSignature) Desc() gpu.RootSignatureDesc { return rs.desc }

func (rs *rootSignature) Destroy() {
	if rs.layout != nil {
		rs.layout.Destroy(nil)
	}
	if rs.pool != nil {
		rs.pool.Destroy(nil)
	}
	if rs.samplerLayout != nil {
		rs.samplerLayout.Destroy(nil)
	}
	for _, s := range rs.samplers {
		s.Destroy(nil)
	}
	rs.layout, rs.pool, rs.samplerLayout, rs.samplers = nil, nil, nil, nil
}

func stageFlags(v gpu.ShaderVisibility) core1_0.ShaderStageFlags {
	switch v {
	case gpu.VisibilityVertex:
		return core1_0.StageVertex
	case gpu.VisibilityPixel:
		return core1_0.StageFragment
	}
	return core1_0.StageVertex | core1_0.StageFragment
}

func samplerCreateInfo(s gpu.StaticSampler) core1_0.SamplerCreateInfo {
	filter := core1_0.FilterNearest
	mipmap := core1_0.SamplerMipmapModeNearest
	if s.Filter == gpu.FilterLinear {
		filter = core1_0.FilterLinear
		mipmap = core1_0.SamplerMipmapModeLinear
	}
	address := func(m gpu.AddressMode) core1_0.SamplerAddressMode {
		if m == gpu.AddressClamp {
			return core1_0.SamplerAddressModeClampEdge
		}
		return core1_0.SamplerAddressModeRepeat
	}
	return core1_0.SamplerCreateInfo{
		MagFilter:    filter,
		MinFilter:    filter,
		AddressModeU: address(s.AddressU),
		AddressModeV: address(s.AddressV),
		AddressModeW: address(s.AddressV),

		BorderColor: core1_0.BorderColorIntOpaqueBlack,

		MipmapMode: mipmap,
	}
}

// checkRootSignature accepts the shapes a two-set pipeline layout can
// express: at most one table holding a single SRV at t0, plus any
// number of static samplers on distinct registers.
func checkRootSignature(desc *gpu.RootSignatureDesc) error {
	const obj = "root signature"
	if len(desc.Parameters) > 1 {
		return gpu.NewPipelineBuildError(obj, "%d parameters, at most one descriptor table is supported", len(desc.Parameters))
	}
	for pi, p := range desc.Parameters {
		if len(p.Ranges) != 1 {
			return gpu.NewPipelineBuildError(obj, "parameter %d: descriptor table has %d ranges, want 1", pi, len(p.Ranges))
		}
		r := p.Ranges[0]
		if r.Type != gpu.RangeSRV || r.NumDescriptors != 1 || r.BaseRegister != 0 {
			return gpu.NewPipelineBuildError(obj, "parameter %d: only a single SRV at t0 is supported", pi)
		}
	}
	seen := map[int]bool{}
	for _, s := range desc.StaticSamplers {
		if seen[s.Register] {
			return gpu.NewPipelineBuildError(obj, "static sampler s%d declared twice", s.Register)
		}
		seen[s.Register] = true
	}
	return nil
}

// CreateRootSignature implements gpu.Device.
func (d *Device) CreateRootSignature(desc *gpu.RootSignatureDesc) (gpu.RootSignature, error) {
	if desc == nil {
		return nil, gpu.NewPipelineBuildError("root signature", "nil description")
	}
	if err := checkRootSignature(desc); err != nil {
		return nil, err
	}

	rs := &rootSignature{dev: d}
	rs.desc = gpu.RootSignatureDesc{
		Parameters:     make([]gpu.RootParameter, len(desc.Parameters)),
		StaticSamplers: append([]gpu.StaticSampler(nil), desc.StaticSamplers...),
		Flags:          desc.Flags,
	}
	for i, p := range desc.Parameters {
		rs.desc.Parameters[i] = gpu.RootParameter{
			Ranges:     append([]gpu.DescriptorRange(nil), p.Ranges...),
			Visibility: p.Visibility,
		}
	}

	var bindings []core1_0.DescriptorSetLayoutBinding
	for _, s := range desc.StaticSamplers {
		sampler, _, err := d.handle.CreateSampler(nil, samplerCreateInfo(s))
		if err != nil {
			rs.Destroy()
			return nil, errors.Wrap(err, "vk: create sampler")
		}
		rs.samplers = append(rs.samplers, sampler)
		bindings = append(bindings, core1_0.DescriptorSetLayoutBinding{
			Binding:         s.Register,
			DescriptorType:  core1_0.DescriptorTypeSampler,
			DescriptorCount: 1,

			StageFlags:        stageFlags(s.Visibility),
			ImmutableSamplers: []core1_0.Sampler{sampler},
		})
	}

	var err error
	rs.samplerLayout, _, err = d.handle.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: bindings,
	})
	if err != nil {
		rs.Destroy()
		return nil, errors.Wrap(err, "vk: create sampler set layout")
	}

	rs.pool, _, err = d.handle.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: 1,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{
				Type:            core1_0.DescriptorTypeSampler,
				DescriptorCount: max(1, len(bindings)),
			},
		},
	})
	if err != nil {
		rs.Destroy()
		return nil, errors.Wrap(err, "vk: create sampler pool")
	}

	sets, _, err := d.handle.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: rs.pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{rs.samplerLayout},
	})
	if err != nil {
		rs.Destroy()
		return nil, errors.Wrap(err, "vk: allocate sampler set")
	}
	rs.samplerSet = sets[0]

	rs.layout, _, err = d.handle.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: []core1_0.DescriptorSetLayout{
			d.srvLayout,
			rs.samplerLayout,
		},
	})
	if err != nil {
		rs.Destroy()
		return nil, errors.Wrap(err, "vk: create pipeline layout")
	}
	return rs, nil
}

type pipelineState struct {
	dev      *Device
	rs       *rootSignature
	pipeline core1_0.Pipeline
}

func (p *pipelineState) Destroy() {
	if p.pipeline != nil {
		p.pipeline.Destroy(nil)
		p.pipeline = nil
	}
}

// checkSPIRV reports whether b looks like a SPIR-V module.
func checkSPIRV(b gpu.ShaderBytecode) error {
	if len(b) < 20 || len(b)%4 != 0 {
		return errors.Newf("%d bytes is not a whole SPIR-V module", len(b))
	}
	if magic := binary.LittleEndian.Uint32(b); magic != spirvMagic {
		return errors.Newf("bad SPIR-V magic %#08x", magic)
	}
	return nil
}

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteCode[i] = binary.LittleEndian.Uint32(b[i*4:])
	}

	return byteCode
}

func vertexFormat(f gpu.Format) (core1_0.Format, bool) {
	switch f {
	case gpu.FormatR32G32Float:
		return core1_0.FormatR32G32SignedFloat, true
	case gpu.FormatR32G32B32Float:
		return core1_0.FormatR32G32B32SignedFloat, true
	case gpu.FormatR32G32B32A32Float:
		return core1_0.FormatR32G32B32A32SignedFloat, true
	case gpu.FormatR8G8B8A8Unorm:
		return core1_0.FormatR8G8B8A8UnsignedNormalized, true
	}
	return 0, false
}

func cullMode(m gpu.CullMode) core1_0.CullModeFlags {
	switch m {
	case gpu.CullFront:
		return core1_0.CullModeFront
	case gpu.CullBack:
		return core1_0.CullModeBack
	}
	return core1_0.CullModeNone
}

// frontFace assumes viewports are flipped to y-down, which keeps the
// winding seen in framebuffer coordinates.
func frontFace(counterClockwise bool) core1_0.FrontFace {
	if counterClockwise {
		return core1_0.FrontFaceCounterClockwise
	}
	return core1_0.FrontFaceClockwise
}

func (d *Device) createShaderModule(code gpu.ShaderBytecode) (core1_0.ShaderModule, error) {
	module, _, err := d.handle.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: bytesToBytecode(code),
	})
	return module, err
}

// CreateGraphicsPipelineState implements gpu.Device. Vertex attribute
// locations follow the order of the input layout.
func (d *Device) CreateGraphicsPipelineState(desc *gpu.GraphicsPipelineDesc) (gpu.PipelineState, error) {
	const obj = "pipeline state"
	if desc == nil {
		return nil, gpu.NewPipelineBuildError(obj, "nil description")
	}
	rs, ok := desc.RootSignature.(*rootSignature)
	if !ok || rs == nil || rs.dev != d {
		return nil, gpu.NewPipelineBuildError(obj, "root signature is missing or belongs to another device")
	}
	if err := checkSPIRV(desc.VS); err != nil {
		return nil, gpu.NewPipelineBuildError(obj, "vertex shader: %v", err)
	}
	if err := checkSPIRV(desc.PS); err != nil {
		return nil, gpu.NewPipelineBuildError(obj, "pixel shader: %v", err)
	}

	if len(desc.InputLayout) > 0 && rs.desc.Flags&gpu.RootSignatureFlagAllowInputAssemblerInputLayout == 0 {
		return nil, gpu.NewPipelineBuildError(obj, "root signature does not allow an input assembler input layout")
	}
	size, offsets := gpu.LayoutSize(desc.InputLayout)
	if desc.VertexStride != 0 && size != desc.VertexStride {
		return nil, gpu.NewPipelineBuildError(obj, "input layout spans %d bytes but the vertex stride is %d", size, desc.VertexStride)
	}
	var attributes []core1_0.VertexInputAttributeDescription
	for i, e := range desc.InputLayout {
		if e.InputSlot != 0 {
			return nil, gpu.NewPipelineBuildError(obj, "input element %s uses slot %d, only slot 0 is supported", e.SemanticName, e.InputSlot)
		}
		format, ok := vertexFormat(e.Format)
		if !ok {
			return nil, gpu.NewPipelineBuildError(obj, "input element %s has unsupported format %s", e.SemanticName, e.Format)
		}
		attributes = append(attributes, core1_0.VertexInputAttributeDescription{
			Binding:  0,
			Location: uint32(i),
			Format:   format,
			Offset:   int(offsets[i]),
		})
	}

	if len(desc.RTVFormats) != 1 || desc.RTVFormats[0] != gpu.FormatR8G8B8A8Unorm {
		return nil, gpu.NewPipelineBuildError(obj, "exactly one %s render target is supported, got %v", gpu.FormatR8G8B8A8Unorm, desc.RTVFormats)
	}
	if desc.DepthStencil.DepthEnable || desc.DepthStencil.StencilEnable {
		return nil, gpu.NewPipelineBuildError(obj, "depth and stencil testing are not supported")
	}
	if desc.SampleCount > 1 {
		return nil, gpu.NewPipelineBuildError(obj, "multisampling is not supported")
	}
	if desc.Topology != gpu.TopologyTypeTriangle {
		return nil, gpu.NewPipelineBuildError(obj, "only triangle topologies are rasterized")
	}

	vertShader, err := d.createShaderModule(desc.VS)
	if err != nil {
		return nil, gpu.NewPipelineBuildError(obj, "vertex shader: %v", err)
	}
	defer vertShader.Destroy(nil)

	fragShader, err := d.createShaderModule(desc.PS)
	if err != nil {
		return nil, gpu.NewPipelineBuildError(obj, "pixel shader: %v", err)
	}
	defer fragShader.Destroy(nil)

	vertexInput := &core1_0.PipelineVertexInputStateCreateInfo{
		VertexBindingDescriptions: []core1_0.VertexInputBindingDescription{
			{
				Binding:   0,
				Stride:    int(size),
				InputRate: core1_0.VertexInputRateVertex,
			},
		},
		VertexAttributeDescriptions: attributes,
	}
	if len(attributes) == 0 {
		vertexInput = &core1_0.PipelineVertexInputStateCreateInfo{}
	}

	inputAssembly := &core1_0.PipelineInputAssemblyStateCreateInfo{
		Topology:               core1_0.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: false,
	}

	vertStage := core1_0.PipelineShaderStageCreateInfo{
		Stage:  core1_0.StageVertex,
		Module: vertShader,
		Name:   "main",
	}

	fragStage := core1_0.PipelineShaderStageCreateInfo{
		Stage:  core1_0.StageFragment,
		Module: fragShader,
		Name:   "main",
	}

	// Viewport and scissor are set per command list.
	viewport := &core1_0.PipelineViewportStateCreateInfo{
		Viewports: []core1_0.Viewport{{Width: 1, Height: 1, MaxDepth: 1}},
		Scissors: []core1_0.Rect2D{
			{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: core1_0.Extent2D{Width: 1, Height: 1},
			},
		},
	}

	dynamic := &core1_0.PipelineDynamicStateCreateInfo{
		DynamicStates: []core1_0.DynamicState{
			core1_0.DynamicStateViewport,
			core1_0.DynamicStateScissor,
		},
	}

	polygonMode := core1_0.PolygonModeFill
	if desc.Rasterizer.FillMode == gpu.FillWireframe {
		polygonMode = core1_0.PolygonModeLine
	}
	rasterization := &core1_0.PipelineRasterizationStateCreateInfo{
		DepthClampEnable:        !desc.Rasterizer.DepthClipEnable,
		RasterizerDiscardEnable: false,

		PolygonMode: polygonMode,
		CullMode:    cullMode(desc.Rasterizer.CullMode),
		FrontFace:   frontFace(desc.Rasterizer.FrontCounterClockwise),

		DepthBiasEnable: false,

		LineWidth: 1.0,
	}

	multisample := &core1_0.PipelineMultisampleStateCreateInfo{
		SampleShadingEnable:  false,
		RasterizationSamples: core1_0.Samples1,
		MinSampleShading:     1.0,
	}

	target := desc.Blend.RenderTarget[0]
	var writeMask core1_0.ColorComponentFlags
	for bit, component := range []core1_0.ColorComponentFlags{
		core1_0.ColorComponentRed, core1_0.ColorComponentGreen, core1_0.ColorComponentBlue, core1_0.ColorComponentAlpha,
	} {
		if target.RenderTargetWriteMask&(1<<bit) != 0 {
			writeMask |= component
		}
	}
	colorBlend := &core1_0.PipelineColorBlendStateCreateInfo{
		LogicOpEnabled: false,
		LogicOp:        core1_0.LogicOpCopy,

		BlendConstants: [4]float32{0, 0, 0, 0},
		Attachments: []core1_0.PipelineColorBlendAttachmentState{
			{
				BlendEnabled:   false,
				ColorWriteMask: writeMask,
			},
		},
	}

	pipelines, _, err := d.handle.CreateGraphicsPipelines(nil, nil, []core1_0.GraphicsPipelineCreateInfo{
		{
			Stages: []core1_0.PipelineShaderStageCreateInfo{
				vertStage,
				fragStage,
			},
			VertexInputState:   vertexInput,
			InputAssemblyState: inputAssembly,
			ViewportState:      viewport,
			RasterizationState: rasterization,
			MultisampleState:   multisample,
			ColorBlendState:    colorBlend,
			DynamicState:       dynamic,
			Layout:             rs.layout,
			RenderPass:         d.renderPass,
			Subpass:            0,
			BasePipelineIndex:  -1,
		},
	})
	if err != nil {
		return nil, gpu.NewPipelineBuildError(obj, "%v", err)
	}
	gpu.Logger().Debug("vulkan pipeline created", "attributes", len(attributes), "stride", size)
	return &pipelineState{dev: d, rs: rs, pipeline: pipelines[0]}, nil
}
