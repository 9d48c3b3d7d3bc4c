package soft

import (
	"fmt"

	"github.com/vkngwrapper/frame-harness/gpu"
)

type rootSignature struct {
	dev  *Device
	desc gpu.RootSignatureDesc
}

func (rs *rootSignature) Destroy()                    {}
func (rs *rootSignature) Desc() gpu.RootSignatureDesc { return rs.desc }

// tableSlot returns the root parameter and the descriptor offset within
// its table that shader register t is bound through.
func (rs *rootSignature) tableSlot(t int, stage gpu.ShaderStage) (param, offset int, ok bool) {
	for pi, p := range rs.desc.Parameters {
		if !p.Visibility.Sees(stage) {
			continue
		}
		off := 0
		for _, r := range p.Ranges {
			if r.Type == gpu.RangeSRV && t >= r.BaseRegister && t < r.BaseRegister+r.NumDescriptors {
				return pi, off + t - r.BaseRegister, true
			}
			off += r.NumDescriptors
		}
	}
	return 0, 0, false
}

func (rs *rootSignature) sampler(reg int) (gpu.StaticSampler, bool) {
	for _, s := range rs.desc.StaticSamplers {
		if s.Register == reg {
			return s, true
		}
	}
	return gpu.StaticSampler{}, false
}

// CreateRootSignature implements gpu.Device.
func (d *Device) CreateRootSignature(desc *gpu.RootSignatureDesc) (gpu.RootSignature, error) {
	const obj = "root signature"
	if desc == nil {
		return nil, gpu.NewPipelineBuildError(obj, "nil description")
	}
	seen := map[[2]int]int{}
	for pi, p := range desc.Parameters {
		if len(p.Ranges) == 0 {
			return nil, gpu.NewPipelineBuildError(obj, "parameter %d: descriptor table has no ranges", pi)
		}
		for _, r := range p.Ranges {
			if r.NumDescriptors <= 0 {
				return nil, gpu.NewPipelineBuildError(obj, "parameter %d: range of %d descriptors", pi, r.NumDescriptors)
			}
			for i := 0; i < r.NumDescriptors; i++ {
				key := [2]int{int(r.Type), r.BaseRegister + i}
				if prev, dup := seen[key]; dup {
					return nil, gpu.NewPipelineBuildError(obj, "parameter %d: register %d already bound by parameter %d",
						pi, r.BaseRegister+i, prev)
				}
				seen[key] = pi
			}
		}
	}
	samplers := map[int]bool{}
	for _, s := range desc.StaticSamplers {
		if samplers[s.Register] {
			return nil, gpu.NewPipelineBuildError(obj, "static sampler s%d declared twice", s.Register)
		}
		samplers[s.Register] = true
	}
	cp := gpu.RootSignatureDesc{
		Parameters:     make([]gpu.RootParameter, len(desc.Parameters)),
		StaticSamplers: append([]gpu.StaticSampler(nil), desc.StaticSamplers...),
		Flags:          desc.Flags,
	}
	for i, p := range desc.Parameters {
		cp.Parameters[i] = gpu.RootParameter{
			Ranges:     append([]gpu.DescriptorRange(nil), p.Ranges...),
			Visibility: p.Visibility,
		}
	}
	return &rootSignature{dev: d, desc: cp}, nil
}

type pipelineState struct {
	dev      *Device
	rs       *rootSignature
	vs, ps   *program
	layout   []gpu.InputElement
	offsets  []uint32
	attr     []int // vs input -> layout element
	vary     []int // ps input -> vs output
	topology gpu.PrimitiveTopologyType
	raster   gpu.RasterizerDesc
	blend    gpu.RenderTargetBlendDesc
}

func (p *pipelineState) Destroy() {}

func semanticMatches(e gpu.InputElement, name string) bool {
	if e.SemanticIndex == 0 && e.SemanticName == name {
		return true
	}
	return fmt.Sprintf("%s%d", e.SemanticName, e.SemanticIndex) == name
}

// CreateGraphicsPipelineState implements gpu.Device.
func (d *Device) CreateGraphicsPipelineState(desc *gpu.GraphicsPipelineDesc) (gpu.PipelineState, error) {
	const obj = "pipeline state"
	if desc == nil {
		return nil, gpu.NewPipelineBuildError(obj, "nil description")
	}
	rs, ok := desc.RootSignature.(*rootSignature)
	if !ok || rs == nil || rs.dev != d {
		return nil, gpu.NewPipelineBuildError(obj, "root signature is missing or belongs to another device")
	}
	vs, err := decodeProgram(desc.VS)
	if err != nil {
		return nil, gpu.NewPipelineBuildError(obj, "vertex shader: %v", err)
	}
	if vs.Stage != gpu.StageVertex {
		return nil, gpu.NewPipelineBuildError(obj, "vertex shader slot holds a %s program", vs.Stage)
	}
	ps, err := decodeProgram(desc.PS)
	if err != nil {
		return nil, gpu.NewPipelineBuildError(obj, "pixel shader: %v", err)
	}
	if ps.Stage != gpu.StagePixel {
		return nil, gpu.NewPipelineBuildError(obj, "pixel shader slot holds a %s program", ps.Stage)
	}

	if len(desc.InputLayout) > 0 && rs.desc.Flags&gpu.RootSignatureFlagAllowInputAssemblerInputLayout == 0 {
		return nil, gpu.NewPipelineBuildError(obj, "root signature does not allow an input assembler input layout")
	}
	size, offsets := gpu.LayoutSize(desc.InputLayout)
	for i, e := range desc.InputLayout {
		if e.InputSlot != 0 {
			return nil, gpu.NewPipelineBuildError(obj, "input element %s uses slot %d, only slot 0 is supported", e.SemanticName, e.InputSlot)
		}
		if offsets[i]%4 != 0 {
			return nil, gpu.NewPipelineBuildError(obj, "input element %s at offset %d is not 4-byte aligned", e.SemanticName, offsets[i])
		}
	}
	if desc.VertexStride != 0 && size != desc.VertexStride {
		return nil, gpu.NewPipelineBuildError(obj, "input layout spans %d bytes but the vertex stride is %d", size, desc.VertexStride)
	}

	p := &pipelineState{
		dev:      d,
		rs:       rs,
		vs:       vs,
		ps:       ps,
		layout:   append([]gpu.InputElement(nil), desc.InputLayout...),
		offsets:  offsets,
		topology: desc.Topology,
		raster:   desc.Rasterizer,
		blend:    desc.Blend.RenderTarget[0],
	}
	for _, in := range vs.Inputs {
		found := -1
		for i, e := range desc.InputLayout {
			if semanticMatches(e, in.Name) {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, gpu.NewPipelineBuildError(obj, "vertex input %s is not in the input layout", in.Name)
		}
		if f := desc.InputLayout[found].Format; f != in.Format {
			return nil, gpu.NewPipelineBuildError(obj, "vertex input %s is %s in the layout but %s in the shader", in.Name, f, in.Format)
		}
		p.attr = append(p.attr, found)
	}
	for _, in := range ps.Inputs {
		found := -1
		for i, out := range vs.Outputs {
			if out.Name == in.Name {
				found = i
				if out.Format != in.Format {
					return nil, gpu.NewPipelineBuildError(obj, "pixel input %s does not match the vertex output type", in.Name)
				}
				break
			}
		}
		if found < 0 {
			return nil, gpu.NewPipelineBuildError(obj, "pixel input %s is not written by the vertex shader", in.Name)
		}
		p.vary = append(p.vary, found)
	}
	srvs := rs.desc.SRVRegisters(gpu.StagePixel)
	for _, t := range ps.Textures {
		if !srvs[t] {
			return nil, gpu.NewPipelineBuildError(obj, "pixel shader texture t%d is not declared in the root signature", t)
		}
	}
	samplers := rs.desc.SamplerRegisters(gpu.StagePixel)
	for _, s := range ps.Samplers {
		if !samplers[s] {
			return nil, gpu.NewPipelineBuildError(obj, "pixel shader sampler s%d is not declared in the root signature", s)
		}
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
	return p, nil
}
