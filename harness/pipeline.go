package harness

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// TexturedRootSignature describes one descriptor table holding a single
// texture at t0 for the pixel stage and one static point sampler at s0.
func TexturedRootSignature() gpu.RootSignatureDesc {
	return gpu.RootSignatureDesc{
		Parameters: []gpu.RootParameter{{
			Ranges:     []gpu.DescriptorRange{{Type: gpu.RangeSRV, NumDescriptors: 1, BaseRegister: 0}},
			Visibility: gpu.VisibilityPixel,
		}},
		StaticSamplers: []gpu.StaticSampler{{
			Filter:     gpu.FilterPoint,
			AddressU:   gpu.AddressClamp,
			AddressV:   gpu.AddressClamp,
			Register:   0,
			Visibility: gpu.VisibilityPixel,
		}},
		Flags: gpu.RootSignatureFlagAllowInputAssemblerInputLayout,
	}
}

// BuildRootSignature creates a root signature from desc.
func BuildRootSignature(ctx *Context, desc gpu.RootSignatureDesc) (gpu.RootSignature, error) {
	rs, err := ctx.Device.CreateRootSignature(&desc)
	if err != nil {
		return nil, errors.Wrap(err, "harness: build root signature")
	}
	return rs, nil
}

// PipelineConfig is everything a pipeline state is built from.
type PipelineConfig struct {
	// RootSignature must be built before the pipeline.
	RootSignature gpu.RootSignature

	InputLayout  []gpu.InputElement
	VertexStride uint32
	VS, PS       gpu.ShaderBytecode

	Rasterizer   gpu.RasterizerDesc
	Blend        gpu.BlendDesc
	DepthStencil gpu.DepthStencilDesc
	RTVFormat    gpu.Format
}

// DefaultPipelineConfig returns a configuration with solid fill, back
// face culling of counter-clockwise triangles, no blending, depth and
// stencil disabled and an R8G8B8A8 render target.
func DefaultPipelineConfig(rs gpu.RootSignature, layout []gpu.InputElement, stride uint32, vs, ps gpu.ShaderBytecode) PipelineConfig {
	cfg := PipelineConfig{
		RootSignature: rs,
		InputLayout:   layout,
		VertexStride:  stride,
		VS:            vs,
		PS:            ps,
		Rasterizer: gpu.RasterizerDesc{
			FillMode:        gpu.FillSolid,
			CullMode:        gpu.CullBack,
			DepthClipEnable: true,
		},
		RTVFormat: gpu.FormatR8G8B8A8Unorm,
	}
	for i := range cfg.Blend.RenderTarget {
		cfg.Blend.RenderTarget[i].RenderTargetWriteMask = gpu.ColorWriteEnableAll
	}
	return cfg
}

func (c *PipelineConfig) desc() *gpu.GraphicsPipelineDesc {
	return &gpu.GraphicsPipelineDesc{
		RootSignature: c.RootSignature,
		VS:            c.VS,
		PS:            c.PS,
		InputLayout:   c.InputLayout,
		VertexStride:  c.VertexStride,
		Rasterizer:    c.Rasterizer,
		Blend:         c.Blend,
		DepthStencil:  c.DepthStencil,
		SampleMask:    gpu.DefaultSampleMask,
		Topology:      gpu.TopologyTypeTriangle,
		RTVFormats:    []gpu.Format{c.RTVFormat},
		SampleCount:   1,
	}
}

type builtPipeline struct {
	pso gpu.PipelineState
	cfg PipelineConfig
}

// Pipeline holds the pipeline state used by future submissions. The
// state object itself is immutable; rebuilding creates a new one and
// swaps it in atomically.
type Pipeline struct {
	dev     gpu.Device
	current atomic.Pointer[builtPipeline]
}

func buildPSO(dev gpu.Device, cfg PipelineConfig) (gpu.PipelineState, error) {
	if cfg.RootSignature == nil {
		return nil, gpu.NewPipelineBuildError("pipeline state", "root signature must be built first")
	}
	pso, err := dev.CreateGraphicsPipelineState(cfg.desc())
	if err != nil {
		return nil, errors.Wrap(err, "harness: build pipeline state")
	}
	return pso, nil
}

// BuildPipelineState builds the initial pipeline state from cfg.
// Failures carry a *gpu.PipelineBuildError.
func BuildPipelineState(ctx *Context, cfg PipelineConfig) (*Pipeline, error) {
	pso, err := buildPSO(ctx.Device, cfg)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{dev: ctx.Device}
	p.current.Store(&builtPipeline{pso: pso, cfg: cfg})
	return p, nil
}

// Current returns the pipeline state to bind.
func (p *Pipeline) Current() gpu.PipelineState { return p.current.Load().pso }

// RootSignature returns the root signature of the current state.
func (p *Pipeline) RootSignature() gpu.RootSignature { return p.current.Load().cfg.RootSignature }

// Bind sets the current state and its root signature on list. Both come
// from one load, so a concurrent Swap cannot split the pair.
func (p *Pipeline) Bind(list gpu.CommandList) {
	b := p.current.Load()
	list.SetPipelineState(b.pso)
	list.SetGraphicsRootSignature(b.cfg.RootSignature)
}

// Config returns the configuration the current state was built from.
func (p *Pipeline) Config() PipelineConfig { return p.current.Load().cfg }

// Swap replaces the current state with pso, built from cfg, and returns
// the previous state. The caller owns the previous state and must keep
// it alive until every frame that bound it has completed, for example
// with Submitter.Retire.
func (p *Pipeline) Swap(pso gpu.PipelineState, cfg PipelineConfig) gpu.PipelineState {
	return p.current.Swap(&builtPipeline{pso: pso, cfg: cfg}).pso
}

// Rebuild builds a new state from cfg, swaps it in and retires the
// previous state through sub. On failure the current state is left
// untouched.
func (p *Pipeline) Rebuild(sub *Submitter, cfg PipelineConfig) error {
	pso, err := buildPSO(p.dev, cfg)
	if err != nil {
		return err
	}
	sub.Retire(p.Swap(pso, cfg))
	return nil
}

// Destroy releases the current state. The root signature is owned by
// the caller.
func (p *Pipeline) Destroy() {
	if b := p.current.Load(); b != nil {
		b.pso.Destroy()
	}
}
