package vk

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/gpu/cmdrec"
)

// layoutFor maps a resource state to the image layout that serves it.
// Only swap chain images may be in PRESENT_SRC.
func layoutFor(state gpu.ResourceState, presentable bool) core1_0.ImageLayout {
	switch state {
	case gpu.StatePresent:
		if presentable {
			return khr_swapchain.ImageLayoutPresentSrc
		}
	case gpu.StateRenderTarget:
		return core1_0.ImageLayoutColorAttachmentOptimal
	case gpu.StatePixelShaderResource:
		return core1_0.ImageLayoutShaderReadOnlyOptimal
	case gpu.StateCopyDest:
		return core1_0.ImageLayoutTransferDstOptimal
	case gpu.StateCopySource:
		return core1_0.ImageLayoutTransferSrcOptimal
	}
	return core1_0.ImageLayoutGeneral
}

// flipViewport converts a y-down viewport into a Vulkan viewport with
// negative height so clip space keeps +y pointing up.
func flipViewport(v gpu.Viewport) core1_0.Viewport {
	return core1_0.Viewport{
		X:        v.TopLeftX,
		Y:        v.TopLeftY + v.Height,
		Width:    v.Width,
		Height:   -v.Height,
		MinDepth: v.MinDepth,
		MaxDepth: v.MaxDepth,
	}
}

func scissorRect(r gpu.Rect) core1_0.Rect2D {
	return core1_0.Rect2D{
		Offset: core1_0.Offset2D{X: int(r.Left), Y: int(r.Top)},
		Extent: core1_0.Extent2D{Width: int(r.Right - r.Left), Height: int(r.Bottom - r.Top)},
	}
}

var colorSubresource = core1_0.ImageSubresourceRange{
	AspectMask:     core1_0.ImageAspectColor,
	BaseMipLevel:   0,
	LevelCount:     1,
	BaseArrayLayer: 0,
	LayerCount:     1,
}

var colorLayers = core1_0.ImageSubresourceLayers{
	AspectMask:     core1_0.ImageAspectColor,
	MipLevel:       0,
	BaseArrayLayer: 0,
	LayerCount:     1,
}

// encoder turns one op stream into one command buffer. Render passes
// are opened lazily by clears and draws and closed by anything that
// cannot run inside one.
type encoder struct {
	dev *Device
	buf core1_0.CommandBuffer

	rs       *rootSignature
	pso      *pipelineState
	table    core1_0.DescriptorSet
	topology gpu.PrimitiveTopology
	rtv      *gpu.CPUDescriptorHandle

	pass *resource
}

func (d *Device) encode(buf core1_0.CommandBuffer, ops []cmdrec.Op) error {
	_, err := buf.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return err
	}

	e := &encoder{dev: d, buf: buf}
	for i := range ops {
		if err := e.op(&ops[i]); err != nil {
			return errors.Wrapf(err, "op %d (%s)", i, ops[i].Kind)
		}
	}
	e.endPass()

	_, err = buf.End()
	return err
}

func (e *encoder) resource(r gpu.Resource) (*resource, error) {
	res, ok := r.(*resource)
	if !ok || res.dev != e.dev {
		return nil, errors.Wrap(gpu.ErrInvalidArgument, "resource belongs to another device")
	}
	return res, nil
}

// prepare moves an image out of UNDEFINED into the layout of the
// state it was created in, the first time any list uses it.
func (e *encoder) prepare(r *resource) error {
	if r.image == nil || !r.touched.CompareAndSwap(false, true) {
		return nil
	}
	return e.buf.CmdPipelineBarrier(core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageAllCommands, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			OldLayout:           core1_0.ImageLayoutUndefined,
			NewLayout:           layoutFor(r.initial, r.borrowed),
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               r.image,
			SubresourceRange:    colorSubresource,
			SrcAccessMask:       0,
			DstAccessMask:       core1_0.AccessMemoryRead | core1_0.AccessMemoryWrite,
		},
	})
}

func (e *encoder) endPass() {
	if e.pass != nil {
		e.buf.CmdEndRenderPass()
		e.pass = nil
	}
}

// beginPass opens a render pass on the view at h unless one is already
// open on it.
func (e *encoder) beginPass(h gpu.CPUDescriptorHandle) error {
	heap, slot, err := e.dev.resolveCPU(h)
	if err != nil {
		return err
	}
	if heap.desc.Kind != gpu.HeapKindRTV {
		return errors.Newf("handle %#x is in a %s heap, want RTV", h.Ptr, heap.desc.Kind)
	}
	res, fb, err := heap.framebuffer(slot)
	if err != nil {
		return err
	}
	if e.pass == res {
		return nil
	}
	e.endPass()
	if err := e.prepare(res); err != nil {
		return err
	}
	err = e.buf.CmdBeginRenderPass(core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  e.dev.renderPass,
			Framebuffer: fb,
			RenderArea: core1_0.Rect2D{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: core1_0.Extent2D{Width: int(res.desc.Width), Height: int(res.desc.Height)},
			},
		})
	if err != nil {
		return err
	}
	e.pass = res
	return nil
}

func (e *encoder) barrier(barriers []gpu.Barrier) error {
	e.endPass()
	var memoryBarriers []core1_0.MemoryBarrier
	var imageBarriers []core1_0.ImageMemoryBarrier
	for _, b := range barriers {
		r, err := e.resource(b.Resource)
		if err != nil {
			return err
		}
		if r.image == nil {
			memoryBarriers = append(memoryBarriers, core1_0.MemoryBarrier{
				SrcAccessMask: core1_0.AccessMemoryWrite,
				DstAccessMask: core1_0.AccessMemoryRead | core1_0.AccessMemoryWrite,
			})
			continue
		}
		oldLayout := layoutFor(b.Before, r.borrowed)
		if r.touched.CompareAndSwap(false, true) {
			oldLayout = core1_0.ImageLayoutUndefined
		}
		imageBarriers = append(imageBarriers, core1_0.ImageMemoryBarrier{
			OldLayout:           oldLayout,
			NewLayout:           layoutFor(b.After, r.borrowed),
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               r.image,
			SubresourceRange:    colorSubresource,
			SrcAccessMask:       core1_0.AccessMemoryWrite,
			DstAccessMask:       core1_0.AccessMemoryRead | core1_0.AccessMemoryWrite,
		})
	}
	if len(memoryBarriers) > 1 {
		memoryBarriers = memoryBarriers[:1]
	}
	return e.buf.CmdPipelineBarrier(core1_0.PipelineStageAllCommands, core1_0.PipelineStageAllCommands, 0, memoryBarriers, nil, imageBarriers)
}

// bindForDraw checks draw preconditions and opens the pass on the
// bound render target.
func (e *encoder) bindForDraw() error {
	if e.pso == nil {
		return errors.New("draw without a pipeline state")
	}
	if e.rs == nil || e.rs != e.pso.rs {
		return errors.New("draw with a root signature that does not match the pipeline state")
	}
	if e.rtv == nil {
		return errors.New("draw without a render target")
	}
	if e.topology != gpu.TopologyTriangleList {
		return errors.Newf("primitive topology %d is not supported", e.topology)
	}
	if len(e.rs.desc.Parameters) > 0 {
		if e.table == nil {
			return errors.New("draw without a descriptor table")
		}
		e.buf.CmdBindDescriptorSets(core1_0.PipelineBindPointGraphics, e.rs.layout, []core1_0.DescriptorSet{
			e.table,
			e.rs.samplerSet,
		}, nil)
	}
	return e.beginPass(*e.rtv)
}

func (e *encoder) op(op *cmdrec.Op) error {
	switch op.Kind {
	case cmdrec.Barrier:
		return e.barrier(op.Barriers)

	case cmdrec.SetPipeline:
		p, ok := op.Pipeline.(*pipelineState)
		if !ok || p.dev != e.dev {
			return errors.Wrap(gpu.ErrInvalidArgument, "pipeline state belongs to another device")
		}
		e.pso = p
		e.buf.CmdBindPipeline(core1_0.PipelineBindPointGraphics, p.pipeline)

	case cmdrec.SetRootSignature:
		rs, ok := op.RootSignature.(*rootSignature)
		if !ok || rs.dev != e.dev {
			return errors.Wrap(gpu.ErrInvalidArgument, "root signature belongs to another device")
		}
		e.rs = rs

	case cmdrec.SetHeaps:
		for _, h := range op.Heaps {
			if heap, ok := h.(*descriptorHeap); !ok || heap.dev != e.dev {
				return errors.Wrap(gpu.ErrInvalidArgument, "descriptor heap belongs to another device")
			}
		}

	case cmdrec.SetTable:
		if op.Param != 0 {
			return errors.Newf("root parameter %d does not exist", op.Param)
		}
		heap, slot, err := e.dev.resolveGPU(op.Table)
		if err != nil {
			return err
		}
		if heap.sets == nil {
			return errors.Newf("%s heap cannot back a descriptor table", heap.desc.Kind)
		}
		e.table = heap.sets[slot]

	case cmdrec.SetTopology:
		e.topology = op.Topology

	case cmdrec.SetVertexBuffers:
		var buffers []core1_0.Buffer
		var offsets []int
		for _, v := range op.VertexBuffers {
			r, off, err := e.dev.resolveVA(v.BufferLocation)
			if err != nil {
				return err
			}
			buffers = append(buffers, r.buffer)
			offsets = append(offsets, int(off))
		}
		e.buf.CmdBindVertexBuffers(op.StartSlot, buffers, offsets)

	case cmdrec.SetIndexBuffer:
		r, off, err := e.dev.resolveVA(op.IndexBuffer.BufferLocation)
		if err != nil {
			return err
		}
		indexType := core1_0.IndexTypeUInt16
		if op.IndexBuffer.Format == gpu.FormatR32Uint {
			indexType = core1_0.IndexTypeUInt32
		}
		e.buf.CmdBindIndexBuffer(r.buffer, int(off), indexType)

	case cmdrec.SetViewports:
		viewports := make([]core1_0.Viewport, len(op.Viewports))
		for i, v := range op.Viewports {
			viewports[i] = flipViewport(v)
		}
		e.buf.CmdSetViewport(viewports)

	case cmdrec.SetScissors:
		rects := make([]core1_0.Rect2D, len(op.Scissors))
		for i, r := range op.Scissors {
			rects[i] = scissorRect(r)
		}
		e.buf.CmdSetScissor(rects)

	case cmdrec.SetRenderTargets:
		switch len(op.RenderTargets) {
		case 0:
			e.rtv = nil
		case 1:
			h := op.RenderTargets[0]
			e.rtv = &h
		default:
			return errors.Newf("%d render targets bound, only one is supported", len(op.RenderTargets))
		}

	case cmdrec.Clear:
		if err := e.beginPass(op.RenderTargets[0]); err != nil {
			return err
		}
		c := op.Color
		e.buf.CmdClearAttachments([]core1_0.ClearAttachment{
			{
				AspectMask:      core1_0.ImageAspectColor,
				ColorAttachment: 0,
				ClearValue:      core1_0.ClearValueFloat{c[0], c[1], c[2], c[3]},
			},
		}, []core1_0.ClearRect{
			{
				Rect: core1_0.Rect2D{
					Offset: core1_0.Offset2D{X: 0, Y: 0},
					Extent: core1_0.Extent2D{Width: int(e.pass.desc.Width), Height: int(e.pass.desc.Height)},
				},
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})

	case cmdrec.Draw:
		if err := e.bindForDraw(); err != nil {
			return err
		}
		e.buf.CmdDraw(int(op.Count), int(op.Instances), op.Start, op.StartInstance)

	case cmdrec.DrawIndexed:
		if err := e.bindForDraw(); err != nil {
			return err
		}
		e.buf.CmdDrawIndexed(int(op.Count), int(op.Instances), int(op.Start), int(op.BaseVertex), op.StartInstance)

	case cmdrec.CopyBuffer:
		e.endPass()
		dst, err := e.resource(op.Dst)
		if err != nil {
			return err
		}
		src, err := e.resource(op.Src)
		if err != nil {
			return err
		}
		return e.buf.CmdCopyBuffer(src.buffer, dst.buffer, []core1_0.BufferCopy{
			{
				SrcOffset: int(op.SrcOffset),
				DstOffset: int(op.DstOffset),
				Size:      int(op.Size),
			},
		})

	case cmdrec.CopyBufferToTexture:
		e.endPass()
		dst, err := e.resource(op.Dst)
		if err != nil {
			return err
		}
		src, err := e.resource(op.Src)
		if err != nil {
			return err
		}
		if err := e.prepare(dst); err != nil {
			return err
		}
		region, err := copyRegion(op.SrcOffset, op.RowPitch, dst.desc)
		if err != nil {
			return err
		}
		return e.buf.CmdCopyBufferToImage(src.buffer, dst.image, core1_0.ImageLayoutTransferDstOptimal, []core1_0.BufferImageCopy{region})

	case cmdrec.CopyTextureToBuffer:
		e.endPass()
		dst, err := e.resource(op.Dst)
		if err != nil {
			return err
		}
		src, err := e.resource(op.Src)
		if err != nil {
			return err
		}
		if err := e.prepare(src); err != nil {
			return err
		}
		region, err := copyRegion(op.DstOffset, op.RowPitch, src.desc)
		if err != nil {
			return err
		}
		e.buf.CmdCopyImageToBuffer(src.image, core1_0.ImageLayoutTransferSrcOptimal, dst.buffer, []core1_0.BufferImageCopy{region})

	default:
		return errors.Newf("unknown op %s", op.Kind)
	}
	return nil
}

// copyRegion describes a whole-texture copy with rows rowPitch bytes
// apart in the buffer.
func copyRegion(offset uint64, rowPitch uint32, desc gpu.ResourceDesc) (core1_0.BufferImageCopy, error) {
	texel := uint32(desc.Format.Size())
	if rowPitch%texel != 0 {
		return core1_0.BufferImageCopy{}, errors.Newf("row pitch %d is not a multiple of the %d-byte texel", rowPitch, texel)
	}
	return core1_0.BufferImageCopy{
		BufferOffset:      int(offset),
		BufferRowLength:   int(rowPitch / texel),
		BufferImageHeight: 0,

		ImageSubresource: colorLayers,
		ImageOffset:      core1_0.Offset3D{X: 0, Y: 0, Z: 0},
		ImageExtent:      core1_0.Extent3D{Width: int(desc.Width), Height: int(desc.Height), Depth: 1},
	}, nil
}
