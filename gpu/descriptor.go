package gpu

import "fmt"

// DescriptorHeapKind is the type of view a descriptor heap holds.
// The per-entry stride of a heap depends on its kind and must be
// queried from the device.
type DescriptorHeapKind int

const (
	HeapKindCBVSRVUAV DescriptorHeapKind = iota
	HeapKindSampler
	HeapKindRTV
)

func (k DescriptorHeapKind) String() string {
	switch k {
	case HeapKindCBVSRVUAV:
		return "CBV_SRV_UAV"
	case HeapKindSampler:
		return "Sampler"
	case HeapKindRTV:
		return "RTV"
	}
	return fmt.Sprintf("DescriptorHeapKind(%d)", int(k))
}

// DescriptorHeapDesc describes a fixed-capacity descriptor heap.
type DescriptorHeapDesc struct {
	Kind           DescriptorHeapKind
	NumDescriptors int
	ShaderVisible  bool
}

// CPUDescriptorHandle addresses a descriptor slot from the host.
type CPUDescriptorHandle struct {
	Ptr uintptr
}

// Offset returns the handle n descriptors further, given the heap stride.
func (h CPUDescriptorHandle) Offset(n int, stride uint32) CPUDescriptorHandle {
	return CPUDescriptorHandle{Ptr: h.Ptr + uintptr(n)*uintptr(stride)}
}

// GPUDescriptorHandle addresses a descriptor slot of a shader-visible heap.
type GPUDescriptorHandle struct {
	Ptr uint64
}

// Offset returns the handle n descriptors further, given the heap stride.
func (h GPUDescriptorHandle) Offset(n int, stride uint32) GPUDescriptorHandle {
	return GPUDescriptorHandle{Ptr: h.Ptr + uint64(n)*uint64(stride)}
}

// RenderTargetViewDesc describes a render target view.
// A nil description passed to CreateRenderTargetView uses the
// resource's own format.
type RenderTargetViewDesc struct {
	Format Format
}

// ShaderResourceViewDesc describes a 2D texture shader resource view.
type ShaderResourceViewDesc struct {
	Format Format
}

// DescriptorRangeType is the kind of descriptors a table range holds.
type DescriptorRangeType int

const (
	RangeSRV DescriptorRangeType = iota
	RangeCBV
	RangeUAV
)

// ShaderVisibility limits the stages a root parameter is visible to.
type ShaderVisibility int

const (
	VisibilityAll ShaderVisibility = iota
	VisibilityVertex
	VisibilityPixel
)

// Sees reports whether a parameter with visibility v is visible to stage.
func (v ShaderVisibility) Sees(stage ShaderStage) bool {
	switch v {
	case VisibilityAll:
		return true
	case VisibilityVertex:
		return stage == StageVertex
	case VisibilityPixel:
		return stage == StagePixel
	}
	return false
}

// DescriptorRange is a run of descriptors in a descriptor table.
type DescriptorRange struct {
	Type           DescriptorRangeType
	NumDescriptors int
	BaseRegister   int
}

// RootParameter is a descriptor table root parameter.
type RootParameter struct {
	Ranges     []DescriptorRange
	Visibility ShaderVisibility
}

// Filter is a texture sampling filter.
type Filter int

const (
	FilterPoint Filter = iota
	FilterLinear
)

// AddressMode is a texture addressing mode.
type AddressMode int

const (
	AddressWrap AddressMode = iota
	AddressClamp
)

// StaticSampler is a sampler baked into a root signature.
type StaticSampler struct {
	Filter     Filter
	AddressU   AddressMode
	AddressV   AddressMode
	Register   int
	Visibility ShaderVisibility
}

// RootSignatureFlags are root signature creation flags.
type RootSignatureFlags int

const (
	RootSignatureFlagNone                           RootSignatureFlags = 0
	RootSignatureFlagAllowInputAssemblerInputLayout RootSignatureFlags = 1
)

// RootSignatureDesc declares the shape of shader-visible inputs.
type RootSignatureDesc struct {
	Parameters     []RootParameter
	StaticSamplers []StaticSampler
	Flags          RootSignatureFlags
}

// SRVRegisters returns the shader resource registers declared visible to stage.
func (d *RootSignatureDesc) SRVRegisters(stage ShaderStage) map[int]bool {
	regs := make(map[int]bool)
	for _, p := range d.Parameters {
		if !p.Visibility.Sees(stage) {
			continue
		}
		for _, r := range p.Ranges {
			if r.Type != RangeSRV {
				continue
			}
			for i := 0; i < r.NumDescriptors; i++ {
				regs[r.BaseRegister+i] = true
			}
		}
	}
	return regs
}

// SamplerRegisters returns the static sampler registers visible to stage.
func (d *RootSignatureDesc) SamplerRegisters(stage ShaderStage) map[int]bool {
	regs := make(map[int]bool)
	for _, s := range d.StaticSamplers {
		if s.Visibility.Sees(stage) {
			regs[s.Register] = true
		}
	}
	return regs
}
