// Package cmdrec records gpu.CommandList calls into an op stream that
// drivers encode or replay when the list is closed.
package cmdrec

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Kind identifies a recorded command.
type Kind int

const (
	Barrier Kind = iota
	SetPipeline
	SetRootSignature
	SetHeaps
	SetTable
	SetTopology
	SetVertexBuffers
	SetIndexBuffer
	SetViewports
	SetScissors
	SetRenderTargets
	Clear
	Draw
	DrawIndexed
	CopyBuffer
	CopyBufferToTexture
	CopyTextureToBuffer
)

var kindNames = [...]string{
	"Barrier", "SetPipeline", "SetRootSignature", "SetHeaps", "SetTable",
	"SetTopology", "SetVertexBuffers", "SetIndexBuffer", "SetViewports",
	"SetScissors", "SetRenderTargets", "Clear", "Draw", "DrawIndexed",
	"CopyBuffer", "CopyBufferToTexture", "CopyTextureToBuffer",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// Op is one recorded command. Only the fields relevant to Kind are set.
type Op struct {
	Kind Kind

	Barriers      []gpu.Barrier
	Pipeline      gpu.PipelineState
	RootSignature gpu.RootSignature
	Heaps         []gpu.DescriptorHeap
	Param         int
	Table         gpu.GPUDescriptorHandle
	Topology      gpu.PrimitiveTopology
	StartSlot     int
	VertexBuffers []gpu.VertexBufferView
	IndexBuffer   gpu.IndexBufferView
	Viewports     []gpu.Viewport
	Scissors      []gpu.Rect
	RenderTargets []gpu.CPUDescriptorHandle
	Color         [4]float32

	Count         uint32
	Instances     uint32
	Start         uint32
	StartInstance uint32
	BaseVertex    int32

	Dst, Src             gpu.Resource
	DstOffset, SrcOffset uint64
	Size                 uint64
	RowPitch             uint32
}

// Recorder implements the recording half of gpu.CommandList.
// Drivers embed it and provide Reset, Close and Destroy.
type Recorder struct {
	ops  []Op
	open bool
	err  error
}

// Begin discards previously recorded ops and opens the recorder.
func (r *Recorder) Begin(pso gpu.PipelineState) {
	r.ops = r.ops[:0]
	r.open = true
	r.err = nil
	if pso != nil {
		r.ops = append(r.ops, Op{Kind: SetPipeline, Pipeline: pso})
	}
}

// End closes the recorder and returns the first recording error.
func (r *Recorder) End() error {
	if !r.open {
		return errors.WithStack(gpu.ErrListClosed)
	}
	r.open = false
	return r.err
}

// IsOpen reports whether commands may be recorded.
func (r *Recorder) IsOpen() bool { return r.open }

// Ops returns the recorded ops. The slice is reused by the next Begin.
func (r *Recorder) Ops() []Op { return r.ops }

func (r *Recorder) push(op Op) {
	if !r.open {
		if r.err == nil {
			r.err = errors.Wrapf(gpu.ErrListClosed, "recording %s", op.Kind)
		}
		return
	}
	r.ops = append(r.ops, op)
}

func (r *Recorder) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Recorder) ResourceBarrier(barriers ...gpu.Barrier) {
	for _, b := range barriers {
		if b.Resource == nil {
			r.fail(errors.Wrap(gpu.ErrInvalidArgument, "barrier on nil resource"))
			return
		}
	}
	r.push(Op{Kind: Barrier, Barriers: append([]gpu.Barrier(nil), barriers...)})
}

func (r *Recorder) SetPipelineState(pso gpu.PipelineState) {
	r.push(Op{Kind: SetPipeline, Pipeline: pso})
}

func (r *Recorder) SetGraphicsRootSignature(rs gpu.RootSignature) {
	r.push(Op{Kind: SetRootSignature, RootSignature: rs})
}

func (r *Recorder) SetDescriptorHeaps(heaps ...gpu.DescriptorHeap) {
	r.push(Op{Kind: SetHeaps, Heaps: append([]gpu.DescriptorHeap(nil), heaps...)})
}

func (r *Recorder) SetGraphicsRootDescriptorTable(param int, base gpu.GPUDescriptorHandle) {
	r.push(Op{Kind: SetTable, Param: param, Table: base})
}

func (r *Recorder) IASetPrimitiveTopology(t gpu.PrimitiveTopology) {
	r.push(Op{Kind: SetTopology, Topology: t})
}

func (r *Recorder) IASetVertexBuffers(startSlot int, views ...gpu.VertexBufferView) {
	r.push(Op{Kind: SetVertexBuffers, StartSlot: startSlot, VertexBuffers: append([]gpu.VertexBufferView(nil), views...)})
}

func (r *Recorder) IASetIndexBuffer(view *gpu.IndexBufferView) {
	op := Op{Kind: SetIndexBuffer}
	if view != nil {
		if view.Format != gpu.FormatR16Uint && view.Format != gpu.FormatR32Uint {
			r.fail(errors.Wrapf(gpu.ErrInvalidArgument, "index format %s", view.Format))
			return
		}
		op.IndexBuffer = *view
	}
	r.push(op)
}

func (r *Recorder) RSSetViewports(viewports ...gpu.Viewport) {
	r.push(Op{Kind: SetViewports, Viewports: append([]gpu.Viewport(nil), viewports...)})
}

func (r *Recorder) RSSetScissorRects(rects ...gpu.Rect) {
	r.push(Op{Kind: SetScissors, Scissors: append([]gpu.Rect(nil), rects...)})
}

func (r *Recorder) OMSetRenderTargets(rtvs ...gpu.CPUDescriptorHandle) {
	r.push(Op{Kind: SetRenderTargets, RenderTargets: append([]gpu.CPUDescriptorHandle(nil), rtvs...)})
}

func (r *Recorder) ClearRenderTargetView(rtv gpu.CPUDescriptorHandle, color [4]float32) {
	r.push(Op{Kind: Clear, RenderTargets: []gpu.CPUDescriptorHandle{rtv}, Color: color})
}

func (r *Recorder) DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32) {
	r.push(Op{Kind: Draw, Count: vertexCount, Instances: instanceCount, Start: startVertex, StartInstance: startInstance})
}

func (r *Recorder) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	r.push(Op{Kind: DrawIndexed, Count: indexCount, Instances: instanceCount, Start: startIndex, BaseVertex: baseVertex, StartInstance: startInstance})
}

func (r *Recorder) CopyBufferRegion(dst gpu.Resource, dstOffset uint64, src gpu.Resource, srcOffset, size uint64) {
	if dstOffset+size > dst.Desc().Width || srcOffset+size > src.Desc().Width {
		r.fail(errors.Wrapf(gpu.ErrInvalidArgument, "buffer copy of %d bytes out of range", size))
		return
	}
	r.push(Op{Kind: CopyBuffer, Dst: dst, DstOffset: dstOffset, Src: src, SrcOffset: srcOffset, Size: size})
}

func (r *Recorder) CopyBufferToTexture(dst gpu.Resource, src gpu.Resource, srcOffset uint64, rowPitch uint32) {
	d := dst.Desc()
	if d.Dimension != gpu.DimensionTexture2D {
		r.fail(errors.Wrap(gpu.ErrInvalidArgument, "copy destination is not a texture"))
		return
	}
	if need := srcOffset + uint64(rowPitch)*uint64(d.Height-1) + d.Width*uint64(d.Format.Size()); need > src.Desc().Width {
		r.fail(errors.Wrapf(gpu.ErrInvalidArgument, "source buffer too small: need %d bytes", need))
		return
	}
	r.push(Op{Kind: CopyBufferToTexture, Dst: dst, Src: src, SrcOffset: srcOffset, RowPitch: rowPitch})
}

func (r *Recorder) CopyTextureToBuffer(dst gpu.Resource, dstOffset uint64, rowPitch uint32, src gpu.Resource) {
	s := src.Desc()
	if s.Dimension != gpu.DimensionTexture2D {
		r.fail(errors.Wrap(gpu.ErrInvalidArgument, "copy source is not a texture"))
		return
	}
	if need := dstOffset + uint64(rowPitch)*uint64(s.Height-1) + s.Width*uint64(s.Format.Size()); need > dst.Desc().Width {
		r.fail(errors.Wrapf(gpu.ErrInvalidArgument, "destination buffer too small: need %d bytes", need))
		return
	}
	r.push(Op{Kind: CopyTextureToBuffer, Dst: dst, DstOffset: dstOffset, RowPitch: rowPitch, Src: src})
}
