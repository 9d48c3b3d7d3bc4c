package vk

import (
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/ext_debug_utils"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/frame-harness/gpu"
)

func TestLayoutFor(t *testing.T) {
	tests := []struct {
		state       gpu.ResourceState
		presentable bool
		want        core1_0.ImageLayout
	}{
		{gpu.StatePresent, true, khr_swapchain.ImageLayoutPresentSrc},
		{gpu.StatePresent, false, core1_0.ImageLayoutGeneral},
		{gpu.StateRenderTarget, true, core1_0.ImageLayoutColorAttachmentOptimal},
		{gpu.StatePixelShaderResource, false, core1_0.ImageLayoutShaderReadOnlyOptimal},
		{gpu.StateCopyDest, false, core1_0.ImageLayoutTransferDstOptimal},
		{gpu.StateCopySource, true, core1_0.ImageLayoutTransferSrcOptimal},
		{gpu.StateGenericRead, false, core1_0.ImageLayoutGeneral},
	}
	for _, tt := range tests {
		if got := layoutFor(tt.state, tt.presentable); got != tt.want {
			t.Errorf("layoutFor(%s, %v) = %v, want %v", tt.state, tt.presentable, got, tt.want)
		}
	}
}

func TestFlipViewport(t *testing.T) {
	v := flipViewport(gpu.Viewport{TopLeftX: 10, TopLeftY: 20, Width: 640, Height: 480, MaxDepth: 1})
	if v.X != 10 || v.Y != 500 || v.Width != 640 || v.Height != -480 || v.MaxDepth != 1 {
		t.Fatalf("flipped viewport = %+v", v)
	}

	r := scissorRect(gpu.Rect{Left: 4, Top: 8, Right: 68, Bottom: 40})
	if r.Offset.X != 4 || r.Offset.Y != 8 || r.Extent.Width != 64 || r.Extent.Height != 32 {
		t.Fatalf("scissor = %+v", r)
	}
}

func TestMaxFeatureLevel(t *testing.T) {
	tests := []struct {
		version common.APIVersion
		want    gpu.FeatureLevel
	}{
		{common.Vulkan1_0, 0},
		{common.Vulkan1_1, gpu.FeatureLevel12_0},
		{common.Vulkan1_2, gpu.FeatureLevel12_1},
	}
	for _, tt := range tests {
		if got := maxFeatureLevel(tt.version); got != tt.want {
			t.Errorf("maxFeatureLevel(%v) = %s, want %s", tt.version, got, tt.want)
		}
	}
}

func spirvHeader() []byte {
	b := make([]byte, 20)
	binary.LittleEndian.PutUint32(b, spirvMagic)
	binary.LittleEndian.PutUint32(b[4:], 0x00010000)
	return b
}

func TestCheckSPIRV(t *testing.T) {
	if err := checkSPIRV(spirvHeader()); err != nil {
		t.Fatalf("valid header rejected: %v", err)
	}
	if err := checkSPIRV(spirvHeader()[:18]); err == nil {
		t.Fatal("truncated module accepted")
	}
	bad := spirvHeader()
	bad[0] = 0
	if err := checkSPIRV(bad); err == nil {
		t.Fatal("bad magic accepted")
	}

	code := bytesToBytecode(spirvHeader())
	if len(code) != 5 || code[0] != spirvMagic || code[1] != 0x00010000 {
		t.Fatalf("bytecode = %#x", code)
	}
}

func TestChooseSurfaceFormat(t *testing.T) {
	bgra := khr_surface.SurfaceFormat{Format: core1_0.FormatB8G8R8A8UnsignedNormalized, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear}
	rgba := khr_surface.SurfaceFormat{Format: core1_0.FormatR8G8B8A8UnsignedNormalized, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear}
	srgb := khr_surface.SurfaceFormat{Format: core1_0.FormatB8G8R8A8SRGB, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear}

	if got, ok := chooseSurfaceFormat([]khr_surface.SurfaceFormat{srgb, bgra, rgba}); !ok || got != rgba {
		t.Errorf("chose %+v, want RGBA", got)
	}
	if got, ok := chooseSurfaceFormat([]khr_surface.SurfaceFormat{srgb, bgra}); !ok || got != bgra {
		t.Errorf("chose %+v, want BGRA", got)
	}
	if _, ok := chooseSurfaceFormat([]khr_surface.SurfaceFormat{srgb}); ok {
		t.Error("sRGB-only surface accepted")
	}
}

func TestCopyRegion(t *testing.T) {
	desc := gpu.Texture2DDesc(70, 3, gpu.FormatR8G8B8A8Unorm)
	region, err := copyRegion(512, 512, desc)
	if err != nil {
		t.Fatal(err)
	}
	if region.BufferOffset != 512 || region.BufferRowLength != 128 {
		t.Errorf("region = %+v", region)
	}
	if region.ImageExtent.Width != 70 || region.ImageExtent.Height != 3 || region.ImageExtent.Depth != 1 {
		t.Errorf("extent = %+v", region.ImageExtent)
	}
	if _, err := copyRegion(0, 282, desc); err == nil {
		t.Error("row pitch of 282 bytes accepted")
	}
}

func TestCheckRootSignature(t *testing.T) {
	table := func(ranges ...gpu.DescriptorRange) gpu.RootParameter {
		return gpu.RootParameter{Ranges: ranges, Visibility: gpu.VisibilityPixel}
	}
	srv := gpu.DescriptorRange{Type: gpu.RangeSRV, NumDescriptors: 1}
	point := gpu.StaticSampler{Filter: gpu.FilterPoint, Register: 0}

	tests := []struct {
		name string
		desc gpu.RootSignatureDesc
		ok   bool
	}{
		{"empty", gpu.RootSignatureDesc{}, true},
		{"textured", gpu.RootSignatureDesc{Parameters: []gpu.RootParameter{table(srv)}, StaticSamplers: []gpu.StaticSampler{point}}, true},
		{"two tables", gpu.RootSignatureDesc{Parameters: []gpu.RootParameter{table(srv), table(srv)}}, false},
		{"cbv", gpu.RootSignatureDesc{Parameters: []gpu.RootParameter{table(gpu.DescriptorRange{Type: gpu.RangeCBV, NumDescriptors: 1})}}, false},
		{"t1", gpu.RootSignatureDesc{Parameters: []gpu.RootParameter{table(gpu.DescriptorRange{Type: gpu.RangeSRV, NumDescriptors: 1, BaseRegister: 1})}}, false},
		{"duplicate sampler", gpu.RootSignatureDesc{StaticSamplers: []gpu.StaticSampler{point, point}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRootSignature(&tt.desc)
			if tt.ok {
				if err != nil {
					t.Fatalf("rejected: %v", err)
				}
				return
			}
			var pbe *gpu.PipelineBuildError
			if !errors.As(err, &pbe) {
				t.Fatalf("err = %v, want *gpu.PipelineBuildError", err)
			}
		})
	}
}

func TestRasterizerMapping(t *testing.T) {
	if frontFace(false) != core1_0.FrontFaceClockwise || frontFace(true) != core1_0.FrontFaceCounterClockwise {
		t.Error("front face mapping")
	}
	if cullMode(gpu.CullBack) != core1_0.CullModeBack || cullMode(gpu.CullNone) != core1_0.CullModeNone {
		t.Error("cull mode mapping")
	}
	if f, ok := vertexFormat(gpu.FormatR32G32Float); !ok || f != core1_0.FormatR32G32SignedFloat {
		t.Error("vertex format mapping")
	}
	if _, ok := vertexFormat(gpu.FormatR16Uint); ok {
		t.Error("R16_UINT accepted as a vertex format")
	}
}

func TestInstanceExtensions(t *testing.T) {
	available := func(names ...string) func(string) bool {
		return func(name string) bool {
			for _, n := range names {
				if n == name {
					return true
				}
			}
			return false
		}
	}
	required := []string{khr_surface.ExtensionName, "VK_KHR_xlib_surface"}

	got, err := instanceExtensions(available(khr_surface.ExtensionName, "VK_KHR_xlib_surface", "VK_KHR_portability_enumeration"), required, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != khr_surface.ExtensionName || got[1] != "VK_KHR_xlib_surface" {
		t.Errorf("extensions = %v, want exactly the window's", got)
	}

	got, err = instanceExtensions(available(khr_surface.ExtensionName, "VK_KHR_xlib_surface", ext_debug_utils.ExtensionName), required, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[2] != ext_debug_utils.ExtensionName {
		t.Errorf("debug extensions = %v", got)
	}

	if _, err := instanceExtensions(available(khr_surface.ExtensionName), required, false); err == nil {
		t.Error("missing window extension accepted")
	}
	if _, err := instanceExtensions(available(required...), required, true); err == nil {
		t.Error("missing debug utils extension accepted")
	}
}
