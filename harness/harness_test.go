package harness

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/gpu/soft"
	"github.com/vkngwrapper/frame-harness/payload"
	"github.com/vkngwrapper/frame-harness/shader"
)

const texturedVS = `
stage vertex
entry main
in POSITION float3
in TEXCOORD float2
out uv float2
position POSITION
pass TEXCOORD uv
`

const texturedPS = `
stage pixel
entry main
in uv float2
texture t0
sampler s0
sample t0 s0 uv
`

const redPS = `
stage pixel
entry main
color 1 0 0 1
`

type rig struct {
	ctx     *Context
	dev     *soft.Device
	sub     *Submitter
	alloc   *Allocator
	win     *HeadlessWindow
	targets *FrameTargets
}

func newRig(t *testing.T, opts soft.Options, w, h int) *rig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = w, h
	cfg.StatsInterval = 0
	ctx, err := NewContext(soft.New(opts), cfg)
	if err != nil {
		t.Fatalf("NewContext: %+v", err)
	}
	sub, err := NewSubmitter(ctx)
	if err != nil {
		t.Fatalf("NewSubmitter: %+v", err)
	}
	win := NewHeadlessWindow(w, h)
	targets, err := NewFrameTargets(ctx, sub, win.Surface())
	if err != nil {
		t.Fatalf("NewFrameTargets: %+v", err)
	}
	r := &rig{
		ctx:     ctx,
		dev:     ctx.Device.(*soft.Device),
		sub:     sub,
		alloc:   NewAllocator(ctx, sub),
		win:     win,
		targets: targets,
	}
	t.Cleanup(func() {
		if err := sub.Close(); err != nil {
			t.Errorf("Submitter.Close: %v", err)
		}
		targets.Destroy()
		ctx.Close()
	})
	return r
}

func (r *rig) expectClean(t *testing.T) {
	t.Helper()
	for _, m := range r.dev.Messages() {
		t.Errorf("debug layer: %s", m)
	}
}

func compileSFX(t *testing.T, src, profile string) gpu.ShaderBytecode {
	t.Helper()
	b, err := soft.Compiler{}.Compile("test.sfx", []byte(src), "main", profile)
	if err != nil {
		t.Fatalf("Compile: %+v", err)
	}
	return b
}

func (r *rig) pipeline(t *testing.T, ps string) *Pipeline {
	t.Helper()
	rs, err := BuildRootSignature(r.ctx, TexturedRootSignature())
	if err != nil {
		t.Fatalf("BuildRootSignature: %+v", err)
	}
	cfg := DefaultPipelineConfig(rs, payload.InputLayout(), payload.VertexStride,
		compileSFX(t, texturedVS, shader.ProfileVS5_0),
		compileSFX(t, ps, shader.ProfilePS5_0))
	p, err := BuildPipelineState(r.ctx, cfg)
	if err != nil {
		t.Fatalf("BuildPipelineState: %+v", err)
	}
	t.Cleanup(p.Destroy)
	return p
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"zero width", func(c *Config) { c.Width = 0 }, false},
		{"three buffers", func(c *Config) { c.BufferCount = 3 }, false},
		{"float format", func(c *Config) { c.Format = gpu.FormatR32G32B32A32Float }, false},
		{"sync interval", func(c *Config) { c.SyncInterval = 5 }, false},
		{"negative frames", func(c *Config) { c.Frames = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestSelectAdapter(t *testing.T) {
	descs := []gpu.AdapterDesc{
		{Description: "Soft Adapter", Software: true},
		{Description: "Vendor X Graphics"},
		{Description: "NVIDIA GeForce"},
	}
	as, err := soft.New(soft.Options{Adapters: descs}).Adapters()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		hint string
		want string
	}{
		{"NVIDIA", "NVIDIA GeForce"},
		{"Soft", "Soft Adapter"},
		{"AMD", "Vendor X Graphics"},
		{"", "Vendor X Graphics"},
	}
	for _, tt := range tests {
		if got := SelectAdapter(as, tt.hint).Desc().Description; got != tt.want {
			t.Errorf("SelectAdapter(%q) = %q, want %q", tt.hint, got, tt.want)
		}
	}

	only, _ := soft.New(soft.Options{}).Adapters()
	if got := SelectAdapter(only, "NVIDIA"); got != only[0] {
		t.Errorf("SelectAdapter with only a software adapter = %v", got.Desc())
	}
}

func TestNewContextFeatureLevelFallback(t *testing.T) {
	ctx, err := NewContext(soft.New(soft.Options{MaxFeatureLevel: gpu.FeatureLevel11_1}), DefaultConfig())
	if err != nil {
		t.Fatalf("NewContext: %+v", err)
	}
	defer ctx.Close()
	if got := ctx.Device.FeatureLevel(); got != gpu.FeatureLevel11_1 {
		t.Errorf("FeatureLevel = %s, want 11_1", got)
	}
}

func TestNewContextRejectsConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCount = 1
	if _, err := NewContext(soft.New(soft.Options{}), cfg); err == nil {
		t.Fatal("NewContext accepted a single buffer swap chain")
	}
}

func TestAllocationError(t *testing.T) {
	r := newRig(t, soft.Options{MemoryBudget: 1 << 16}, 4, 4)
	_, err := r.alloc.CreateBuffer(1<<20, gpu.HeapUpload)
	var ae *gpu.AllocationError
	if !errors.As(err, &ae) {
		t.Fatalf("CreateBuffer error = %v, want *gpu.AllocationError", err)
	}
	if ae.Size != 1<<20 || ae.Residency != gpu.HeapUpload {
		t.Errorf("AllocationError = %+v", ae)
	}

	_, err = r.alloc.CreateTexture2D(4, 4, gpu.FormatR8G8B8A8Unorm, gpu.HeapUpload)
	if !errors.As(err, &ae) {
		t.Fatalf("upload texture error = %v, want *gpu.AllocationError", err)
	}
}

func TestUploadRejectsDefaultHeap(t *testing.T) {
	r := newRig(t, soft.Options{}, 4, 4)
	b, err := r.alloc.CreateBuffer(16, gpu.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}
	defer r.alloc.Release(b)
	if err := r.alloc.Upload(b, make([]byte, 16)); !errors.Is(err, gpu.ErrNotMappable) {
		t.Errorf("Upload into default heap = %v, want ErrNotMappable", err)
	}
	up, err := r.alloc.UploadBuffer([]byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	defer r.alloc.Release(up)
	if err := r.alloc.Upload(up, make([]byte, 4)); err == nil {
		t.Error("Upload accepted more bytes than the buffer holds")
	}
}
