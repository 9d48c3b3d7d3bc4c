package soft

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/shader"
)

const testVS = `
stage vertex
entry main
in POSITION float3
in TEXCOORD float2
out uv float2
position POSITION
pass TEXCOORD uv
`

const testPS = `
stage pixel
entry main
in uv float2
texture t0
sampler s0
sample t0 s0 uv
`

const solidPS = `
stage pixel
entry main
color 1 0 0 1
`

func createDevice(t *testing.T, opts Options) *Device {
	t.Helper()
	as, err := New(opts).Adapters()
	if err != nil {
		t.Fatalf("Adapters: %v", err)
	}
	dev, err := as[0].CreateDevice(gpu.FeatureLevel11_0)
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	t.Cleanup(dev.Destroy)
	return dev.(*Device)
}

func createQueue(t *testing.T, dev *Device) gpu.CommandQueue {
	t.Helper()
	q, err := dev.CreateCommandQueue()
	if err != nil {
		t.Fatalf("CreateCommandQueue: %v", err)
	}
	t.Cleanup(q.Destroy)
	return q
}

func compile(t *testing.T, src, profile string) gpu.ShaderBytecode {
	t.Helper()
	blob, err := Compiler{}.Compile("test.sfx", []byte(src), "main", profile)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return blob
}

func flush(t *testing.T, dev *Device, q gpu.CommandQueue) {
	t.Helper()
	f, _ := dev.CreateFence(0)
	if err := q.Signal(f, 1); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	select {
	case <-f.SetEventOnCompletion(1):
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the GPU timeline")
	}
}

func expectNoMessages(t *testing.T, dev *Device) {
	t.Helper()
	if msgs := dev.Messages(); len(msgs) != 0 {
		t.Fatalf("debug layer messages:\n%s", strings.Join(msgs, "\n"))
	}
}

func TestFeatureLevel(t *testing.T) {
	as, _ := New(Options{MaxFeatureLevel: gpu.FeatureLevel11_1}).Adapters()
	if _, err := as[0].CreateDevice(gpu.FeatureLevel12_0); !errors.Is(err, gpu.ErrUnsupportedFeatureLevel) {
		t.Errorf("CreateDevice(12_0) error = %v, want ErrUnsupportedFeatureLevel", err)
	}
	dev, err := as[0].CreateDevice(gpu.FeatureLevel11_1)
	if err != nil {
		t.Fatalf("CreateDevice(11_1): %v", err)
	}
	if dev.FeatureLevel() != gpu.FeatureLevel11_1 {
		t.Errorf("FeatureLevel = %s", dev.FeatureLevel())
	}
}

func TestCommittedResourceRejections(t *testing.T) {
	dev := createDevice(t, Options{MemoryBudget: 1 << 16})
	tests := []struct {
		name      string
		residency gpu.ResidencyClass
		desc      gpu.ResourceDesc
		state     gpu.ResourceState
	}{
		{"texture in upload heap", gpu.HeapUpload, gpu.Texture2DDesc(4, 4, gpu.FormatR8G8B8A8Unorm), gpu.StateGenericRead},
		{"render target in readback heap", gpu.HeapReadback,
			gpu.ResourceDesc{Dimension: gpu.DimensionBuffer, Width: 64, Height: 1, Flags: gpu.ResourceFlagAllowRenderTarget}, gpu.StateCopyDest},
		{"upload buffer not GenericRead", gpu.HeapUpload, gpu.BufferDesc(64), gpu.StateCopyDest},
		{"over budget", gpu.HeapDefault, gpu.BufferDesc(1 << 17), gpu.StateCommon},
		{"zero size", gpu.HeapDefault, gpu.BufferDesc(0), gpu.StateCommon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dev.CreateCommittedResource(tt.residency, tt.desc, tt.state)
			var ae *gpu.AllocationError
			if !errors.As(err, &ae) {
				t.Fatalf("error = %v, want *gpu.AllocationError", err)
			}
			if ae.Residency != tt.residency {
				t.Errorf("Residency = %s, want %s", ae.Residency, tt.residency)
			}
		})
	}
}

func TestMapDefaultHeap(t *testing.T) {
	dev := createDevice(t, Options{})
	r, err := dev.CreateCommittedResource(gpu.HeapDefault, gpu.BufferDesc(16), gpu.StateCommon)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Map(); !errors.Is(err, gpu.ErrNotMappable) {
		t.Errorf("Map error = %v, want ErrNotMappable", err)
	}
}

func TestFenceCompletion(t *testing.T) {
	dev := createDevice(t, Options{Latency: 20 * time.Millisecond})
	q := createQueue(t, dev)
	alloc, _ := dev.CreateCommandAllocator()
	list, _ := dev.CreateCommandList(alloc, nil)
	if err := list.Close(); err != nil {
		t.Fatal(err)
	}
	f, _ := dev.CreateFence(0)

	q.ExecuteCommandLists(list)
	if err := q.Signal(f, 1); err != nil {
		t.Fatal(err)
	}
	if got := f.CompletedValue(); got != 0 {
		t.Errorf("CompletedValue before the list finished = %d, want 0", got)
	}
	if err := alloc.Reset(); !errors.Is(err, gpu.ErrAllocatorInFlight) {
		t.Errorf("Reset while executing = %v, want ErrAllocatorInFlight", err)
	}
	<-f.SetEventOnCompletion(1)
	if got := f.CompletedValue(); got != 1 {
		t.Errorf("CompletedValue = %d, want 1", got)
	}
	if err := alloc.Reset(); err != nil {
		t.Errorf("Reset after completion: %v", err)
	}
	select {
	case <-f.SetEventOnCompletion(1):
	default:
		t.Error("event for a reached value is not signaled")
	}
}

func TestExecuteOpenListRemovesDevice(t *testing.T) {
	dev := createDevice(t, Options{})
	q := createQueue(t, dev)
	alloc, _ := dev.CreateCommandAllocator()
	list, _ := dev.CreateCommandList(alloc, nil)
	q.ExecuteCommandLists(list)
	f, _ := dev.CreateFence(0)
	if err := q.Signal(f, 1); !errors.Is(err, gpu.ErrDeviceRemoved) {
		t.Errorf("Signal after removal = %v, want ErrDeviceRemoved", err)
	}
}

func TestBarrierMismatch(t *testing.T) {
	dev := createDevice(t, Options{})
	q := createQueue(t, dev)
	tex, err := dev.CreateCommittedResource(gpu.HeapDefault, gpu.Texture2DDesc(2, 2, gpu.FormatR8G8B8A8Unorm), gpu.StateCopyDest)
	if err != nil {
		t.Fatal(err)
	}
	alloc, _ := dev.CreateCommandAllocator()
	list, _ := dev.CreateCommandList(alloc, nil)
	list.ResourceBarrier(gpu.Barrier{Resource: tex, Before: gpu.StateCopyDest, After: gpu.StatePixelShaderResource})
	list.ResourceBarrier(gpu.Barrier{Resource: tex, Before: gpu.StateCopyDest, After: gpu.StateCopySource})
	if err := list.Close(); err != nil {
		t.Fatal(err)
	}
	q.ExecuteCommandLists(list)
	flush(t, dev, q)

	msgs := dev.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "does not match the current state PixelShaderResource") {
		t.Errorf("messages = %q", msgs)
	}
	if got := StateOf(tex); got != gpu.StateCopySource {
		t.Errorf("state = %s, want CopySource", got)
	}
}

func TestDescriptorStrides(t *testing.T) {
	dev := createDevice(t, Options{Strides: map[gpu.DescriptorHeapKind]uint32{gpu.HeapKindRTV: 56}})
	if s := dev.DescriptorHandleIncrementSize(gpu.HeapKindRTV); s != 56 {
		t.Errorf("RTV stride = %d, want 56", s)
	}
	if dev.DescriptorHandleIncrementSize(gpu.HeapKindRTV) == dev.DescriptorHandleIncrementSize(gpu.HeapKindCBVSRVUAV) {
		t.Error("RTV and CBV_SRV_UAV strides should differ")
	}
	if _, err := dev.CreateDescriptorHeap(gpu.DescriptorHeapDesc{Kind: gpu.HeapKindRTV, NumDescriptors: 2, ShaderVisible: true}); err == nil {
		t.Error("shader-visible RTV heap was accepted")
	}

	heap, err := dev.CreateDescriptorHeap(gpu.DescriptorHeapDesc{Kind: gpu.HeapKindRTV, NumDescriptors: 2})
	if err != nil {
		t.Fatal(err)
	}
	rt, _ := dev.CreateCommittedResource(gpu.HeapDefault, gpu.ResourceDesc{
		Dimension: gpu.DimensionTexture2D, Width: 2, Height: 2,
		Format: gpu.FormatR8G8B8A8Unorm, Flags: gpu.ResourceFlagAllowRenderTarget,
	}, gpu.StateRenderTarget)

	// A handle computed with the wrong stride lands between slots.
	dev.CreateRenderTargetView(rt, nil, heap.CPUDescriptorHandleForHeapStart().Offset(1, 40))
	if msgs := dev.Messages(); len(msgs) != 1 || !strings.Contains(msgs[0], "not aligned") {
		t.Errorf("messages = %q", msgs)
	}
}

func TestSfxDiagnostics(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		profile string
		want    string
	}{
		{"unknown directive", "stage pixel\nentry main\nfrobnicate\ncolor 1 1 1 1\n", shader.ProfilePS5_0, "test.sfx:3: unknown directive"},
		{"missing position", "stage vertex\nentry main\nin POSITION float3\n", shader.ProfileVS5_0, "does not write a position"},
		{"undeclared texture", "stage pixel\nentry main\nin uv float2\nsampler s0\nsample t0 s0 uv\n", shader.ProfilePS5_0, "undeclared texture t0"},
		{"profile mismatch", testVS, shader.ProfilePS5_0, "cannot be compiled with profile ps_5_0"},
		{"bad type", "stage vertex\nentry main\nin POSITION float9\n", shader.ProfileVS5_0, "unknown type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compiler{}.Compile("test.sfx", []byte(tt.src), "main", tt.profile)
			var be *shader.BuildError
			if !errors.As(err, &be) {
				t.Fatalf("error = %v, want *shader.BuildError", err)
			}
			if !strings.Contains(be.Diagnostic, tt.want) {
				t.Errorf("Diagnostic = %q, want it to contain %q", be.Diagnostic, tt.want)
			}
		})
	}

	if _, err := (Compiler{}).Compile("test.sfx", []byte(testVS), "other", shader.ProfileVS5_0); err == nil {
		t.Error("missing entry point compiled")
	}
}

func TestSfxRoundTrip(t *testing.T) {
	p, err := decodeProgram(compile(t, testPS, shader.ProfilePS5_0))
	if err != nil {
		t.Fatalf("decodeProgram: %v", err)
	}
	if p.Stage != gpu.StagePixel || p.Sample == nil || p.Sample.UV != "uv" || len(p.Textures) != 1 {
		t.Errorf("decoded program = %+v", p)
	}
	if _, err := decodeProgram([]byte("garbage")); err == nil {
		t.Error("decodeProgram accepted garbage")
	}
	blob := compile(t, testVS, shader.ProfileVS5_0)
	if _, err := decodeProgram(blob[:len(blob)-3]); err == nil {
		t.Error("decodeProgram accepted a truncated blob")
	}
}

func newRootSignature(t *testing.T, dev *Device) gpu.RootSignature {
	t.Helper()
	rs, err := dev.CreateRootSignature(&gpu.RootSignatureDesc{
		Parameters: []gpu.RootParameter{{
			Ranges:     []gpu.DescriptorRange{{Type: gpu.RangeSRV, NumDescriptors: 1}},
			Visibility: gpu.VisibilityPixel,
		}},
		StaticSamplers: []gpu.StaticSampler{{Filter: gpu.FilterPoint, AddressU: gpu.AddressClamp, AddressV: gpu.AddressClamp, Visibility: gpu.VisibilityPixel}},
		Flags:          gpu.RootSignatureFlagAllowInputAssemblerInputLayout,
	})
	if err != nil {
		t.Fatalf("CreateRootSignature: %v", err)
	}
	return rs
}

var testLayout = []gpu.InputElement{
	{SemanticName: "POSITION", Format: gpu.FormatR32G32B32Float},
	{SemanticName: "TEXCOORD", Format: gpu.FormatR32G32Float, AlignedByteOffset: gpu.AppendAligned},
}

func pipelineDesc(t *testing.T, rs gpu.RootSignature, ps string) *gpu.GraphicsPipelineDesc {
	d := &gpu.GraphicsPipelineDesc{
		RootSignature: rs,
		VS:            compile(t, testVS, shader.ProfileVS5_0),
		PS:            compile(t, ps, shader.ProfilePS5_0),
		InputLayout:   testLayout,
		VertexStride:  20,
		SampleMask:    gpu.DefaultSampleMask,
		Topology:      gpu.TopologyTypeTriangle,
		RTVFormats:    []gpu.Format{gpu.FormatR8G8B8A8Unorm},
		SampleCount:   1,
	}
	d.Blend.RenderTarget[0].RenderTargetWriteMask = gpu.ColorWriteEnableAll
	return d
}

func TestPipelineBuildErrors(t *testing.T) {
	dev := createDevice(t, Options{})
	rs := newRootSignature(t, dev)
	noSRV, err := dev.CreateRootSignature(&gpu.RootSignatureDesc{Flags: gpu.RootSignatureFlagAllowInputAssemblerInputLayout})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		modify func(*gpu.GraphicsPipelineDesc)
		want   string
	}{
		{"malformed bytecode", func(d *gpu.GraphicsPipelineDesc) { d.PS = []byte{1, 2, 3} }, "pixel shader"},
		{"binding mismatch", func(d *gpu.GraphicsPipelineDesc) { d.RootSignature = noSRV }, "t0 is not declared"},
		{"stride mismatch", func(d *gpu.GraphicsPipelineDesc) { d.VertexStride = 24 }, "vertex stride is 24"},
		{"swapped stages", func(d *gpu.GraphicsPipelineDesc) { d.VS, d.PS = d.PS, d.VS }, "vertex shader slot"},
		{"missing semantic", func(d *gpu.GraphicsPipelineDesc) { d.InputLayout = testLayout[:1]; d.VertexStride = 12 }, "TEXCOORD is not in the input layout"},
		{"no root signature", func(d *gpu.GraphicsPipelineDesc) { d.RootSignature = nil }, "root signature"},
		{"depth", func(d *gpu.GraphicsPipelineDesc) { d.DepthStencil.DepthEnable = true }, "depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := pipelineDesc(t, rs, testPS)
			tt.modify(d)
			_, err := dev.CreateGraphicsPipelineState(d)
			var pe *gpu.PipelineBuildError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *gpu.PipelineBuildError", err)
			}
			if !strings.Contains(pe.Diagnostic, tt.want) {
				t.Errorf("Diagnostic = %q, want it to contain %q", pe.Diagnostic, tt.want)
			}
		})
	}

	if _, err := dev.CreateGraphicsPipelineState(pipelineDesc(t, rs, testPS)); err != nil {
		t.Errorf("valid pipeline: %v", err)
	}
}

func TestRootSignatureErrors(t *testing.T) {
	dev := createDevice(t, Options{})
	_, err := dev.CreateRootSignature(&gpu.RootSignatureDesc{
		Parameters: []gpu.RootParameter{
			{Ranges: []gpu.DescriptorRange{{Type: gpu.RangeSRV, NumDescriptors: 1}}},
			{Ranges: []gpu.DescriptorRange{{Type: gpu.RangeSRV, NumDescriptors: 1}}},
		},
	})
	var pe *gpu.PipelineBuildError
	if !errors.As(err, &pe) {
		t.Errorf("overlapping registers: error = %v", err)
	}
	_, err = dev.CreateRootSignature(&gpu.RootSignatureDesc{Parameters: []gpu.RootParameter{{}}})
	if !errors.As(err, &pe) {
		t.Errorf("empty table: error = %v", err)
	}
}

func putVertex(b []byte, x, y, z, u, v float32) []byte {
	for _, f := range []float32{x, y, z, u, v} {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

// TestSolidQuadCoverage draws a full-target quad as two triangles sharing
// a diagonal and checks that every pixel is written exactly once.
func TestSolidQuadCoverage(t *testing.T) {
	const w, h = 13, 7
	dev := createDevice(t, Options{})
	q := createQueue(t, dev)
	rs := newRootSignature(t, dev)
	pso, err := dev.CreateGraphicsPipelineState(pipelineDesc(t, rs, solidPS))
	if err != nil {
		t.Fatal(err)
	}

	var verts []byte
	verts = putVertex(verts, -1, 1, 0, 0, 0)
	verts = putVertex(verts, 1, 1, 0, 1, 0)
	verts = putVertex(verts, 1, -1, 0, 1, 1)
	verts = putVertex(verts, -1, -1, 0, 0, 1)
	var idx []byte
	for _, i := range []uint16{0, 1, 2, 0, 2, 3} {
		idx = binary.LittleEndian.AppendUint16(idx, i)
	}
	vb, _ := dev.CreateCommittedResource(gpu.HeapUpload, gpu.BufferDesc(uint64(len(verts))), gpu.StateGenericRead)
	ib, _ := dev.CreateCommittedResource(gpu.HeapUpload, gpu.BufferDesc(uint64(len(idx))), gpu.StateGenericRead)
	for _, up := range []struct {
		r    gpu.Resource
		data []byte
	}{{vb, verts}, {ib, idx}} {
		m, err := up.r.Map()
		if err != nil {
			t.Fatal(err)
		}
		copy(m, up.data)
		up.r.Unmap()
	}

	rt, _ := dev.CreateCommittedResource(gpu.HeapDefault, gpu.ResourceDesc{
		Dimension: gpu.DimensionTexture2D, Width: w, Height: h,
		Format: gpu.FormatR8G8B8A8Unorm, Flags: gpu.ResourceFlagAllowRenderTarget,
	}, gpu.StateRenderTarget)
	heap, _ := dev.CreateDescriptorHeap(gpu.DescriptorHeapDesc{Kind: gpu.HeapKindRTV, NumDescriptors: 1})
	rtv := heap.CPUDescriptorHandleForHeapStart()
	dev.CreateRenderTargetView(rt, nil, rtv)

	alloc, _ := dev.CreateCommandAllocator()
	list, _ := dev.CreateCommandList(alloc, pso)
	list.SetGraphicsRootSignature(rs)
	list.RSSetViewports(gpu.FullViewport(w, h))
	list.RSSetScissorRects(gpu.FullRect(w, h))
	list.OMSetRenderTargets(rtv)
	list.ClearRenderTargetView(rtv, [4]float32{0, 0, 0, 1})
	list.IASetPrimitiveTopology(gpu.TopologyTriangleList)
	list.IASetVertexBuffers(0, gpu.VertexBufferView{BufferLocation: vb.GPUVirtualAddress(), SizeInBytes: uint32(len(verts)), StrideInBytes: 20})
	list.IASetIndexBuffer(&gpu.IndexBufferView{BufferLocation: ib.GPUVirtualAddress(), SizeInBytes: uint32(len(idx)), Format: gpu.FormatR16Uint})
	list.DrawIndexedInstanced(6, 1, 0, 0, 0)
	if err := list.Close(); err != nil {
		t.Fatal(err)
	}
	q.ExecuteCommandLists(list)
	flush(t, dev, q)
	expectNoMessages(t, dev)

	st := dev.Stats()
	if st.Triangles != 2 {
		t.Errorf("Triangles = %d, want 2", st.Triangles)
	}
	if st.PixelsWritten != w*h {
		t.Errorf("PixelsWritten = %d, want %d", st.PixelsWritten, w*h)
	}
	if st.Overdraw != 0 {
		t.Errorf("Overdraw = %d, want 0", st.Overdraw)
	}
	data := rt.(*resource).data
	for i := 0; i < len(data); i += 4 {
		if data[i] != 255 || data[i+1] != 0 {
			t.Fatalf("pixel %d = %v, want red", i/4, data[i:i+4])
		}
	}
}

func TestBackBufferOrder(t *testing.T) {
	dev := createDevice(t, Options{BackBufferOrder: []int{1, 0, 0, 1}})
	q := createQueue(t, dev)
	sc, err := dev.CreateSwapChain(q, Surface{Width: 4, Height: 4}, gpu.SwapChainDesc{Format: gpu.FormatR8G8B8A8Unorm, BufferCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	var got []int
	for i := 0; i < 5; i++ {
		got = append(got, sc.CurrentBackBufferIndex())
		if err := sc.Present(1); err != nil {
			t.Fatal(err)
		}
	}
	want := []int{1, 0, 0, 1, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("indices = %v, want %v", got, want)
		}
	}
	flush(t, dev, q)
	if dev.Stats().Presents != 5 {
		t.Errorf("Presents = %d, want 5", dev.Stats().Presents)
	}
	if len(FrontBuffer(sc)) != 4*4*4 {
		t.Error("front buffer not captured")
	}
	expectNoMessages(t, dev)
}

func TestPresentPacing(t *testing.T) {
	dev := createDevice(t, Options{RefreshInterval: 10 * time.Millisecond})
	q := createQueue(t, dev)
	sc, err := dev.CreateSwapChain(q, Surface{Width: 2, Height: 2}, gpu.SwapChainDesc{Format: gpu.FormatR8G8B8A8Unorm, BufferCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := sc.Present(1); err != nil {
			t.Fatal(err)
		}
	}
	if el := time.Since(start); el < 30*time.Millisecond {
		t.Errorf("4 vsynced presents took %v, want at least 30ms", el)
	}
}
