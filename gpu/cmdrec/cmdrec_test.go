package cmdrec

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

type fakeResource struct {
	desc gpu.ResourceDesc
}

func (r *fakeResource) Destroy()                      {}
func (r *fakeResource) Desc() gpu.ResourceDesc        { return r.desc }
func (r *fakeResource) Residency() gpu.ResidencyClass { return gpu.HeapDefault }
func (r *fakeResource) GPUVirtualAddress() uint64     { return 0 }
func (r *fakeResource) Map() ([]byte, error)          { return nil, gpu.ErrNotMappable }
func (r *fakeResource) Unmap()                        {}

func TestRecorderOrder(t *testing.T) {
	var r Recorder
	r.Begin(nil)
	rt := &fakeResource{desc: gpu.Texture2DDesc(4, 4, gpu.FormatR8G8B8A8Unorm)}
	r.ResourceBarrier(gpu.Barrier{Resource: rt, Before: gpu.StatePresent, After: gpu.StateRenderTarget})
	r.ClearRenderTargetView(gpu.CPUDescriptorHandle{Ptr: 8}, [4]float32{1, 1, 0, 1})
	r.DrawIndexedInstanced(6, 1, 0, 0, 0)
	r.ResourceBarrier(gpu.Barrier{Resource: rt, Before: gpu.StateRenderTarget, After: gpu.StatePresent})
	if err := r.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	want := []Kind{Barrier, Clear, DrawIndexed, Barrier}
	ops := r.Ops()
	if len(ops) != len(want) {
		t.Fatalf("recorded %d ops, want %d", len(ops), len(want))
	}
	for i, k := range want {
		if ops[i].Kind != k {
			t.Errorf("op %d = %s, want %s", i, ops[i].Kind, k)
		}
	}
	if ops[1].RenderTargets[0].Ptr != 8 || ops[1].Color != [4]float32{1, 1, 0, 1} {
		t.Errorf("clear op = %+v", ops[1])
	}
}

func TestRecorderClosed(t *testing.T) {
	var r Recorder
	r.Begin(nil)
	if err := r.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := r.End(); !errors.Is(err, gpu.ErrListClosed) {
		t.Errorf("second End = %v, want ErrListClosed", err)
	}

	r.DrawInstanced(3, 1, 0, 0)
	if len(r.Ops()) != 0 {
		t.Errorf("draw recorded into closed list")
	}
	r.Begin(nil)
	if err := r.End(); err != nil {
		t.Errorf("Begin did not clear the previous error: %v", err)
	}
}

func TestRecorderBeginWithPipeline(t *testing.T) {
	var r Recorder
	r.Begin(struct{ gpu.PipelineState }{})
	if ops := r.Ops(); len(ops) != 1 || ops[0].Kind != SetPipeline {
		t.Fatalf("ops = %v, want initial SetPipeline", ops)
	}
}

func TestRecorderCopyBounds(t *testing.T) {
	tex := &fakeResource{desc: gpu.Texture2DDesc(4, 4, gpu.FormatR8G8B8A8Unorm)}
	small := &fakeResource{desc: gpu.BufferDesc(32)}
	big := &fakeResource{desc: gpu.BufferDesc(256 * 4)}

	var r Recorder
	r.Begin(nil)
	r.CopyTextureToBuffer(big, 0, 256, tex)
	if err := r.End(); err != nil {
		t.Fatalf("in-range copy: %v", err)
	}

	r.Begin(nil)
	r.CopyTextureToBuffer(small, 0, 16, tex)
	if err := r.End(); !errors.Is(err, gpu.ErrInvalidArgument) {
		t.Errorf("out-of-range copy: err = %v, want ErrInvalidArgument", err)
	}

	r.Begin(nil)
	r.IASetIndexBuffer(&gpu.IndexBufferView{Format: gpu.FormatR32G32Float})
	if err := r.End(); !errors.Is(err, gpu.ErrInvalidArgument) {
		t.Errorf("bad index format: err = %v, want ErrInvalidArgument", err)
	}
}
