package soft

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/gpu/cmdrec"
)

// subpixelBits is the fixed-point precision vertices are snapped to.
const subpixelBits = 8

// replayState is the command list state. It starts empty for every list.
type replayState struct {
	pso       *pipelineState
	rs        *rootSignature
	heaps     []*descriptorHeap
	tables    map[int]gpu.GPUDescriptorHandle
	topology  gpu.PrimitiveTopology
	vbs       map[int]gpu.VertexBufferView
	ib        gpu.IndexBufferView
	viewports []gpu.Viewport
	scissors  []gpu.Rect
	rtvs      []*resource
}

func (d *Device) replay(ops []cmdrec.Op) {
	st := &replayState{
		tables: map[int]gpu.GPUDescriptorHandle{},
		vbs:    map[int]gpu.VertexBufferView{},
	}
	for i := range ops {
		op := &ops[i]
		switch op.Kind {
		case cmdrec.Barrier:
			d.barrier(op.Barriers)
		case cmdrec.SetPipeline:
			st.pso, _ = op.Pipeline.(*pipelineState)
		case cmdrec.SetRootSignature:
			st.rs, _ = op.RootSignature.(*rootSignature)
			st.tables = map[int]gpu.GPUDescriptorHandle{}
		case cmdrec.SetHeaps:
			st.heaps = st.heaps[:0]
			for _, h := range op.Heaps {
				if hh, ok := h.(*descriptorHeap); ok {
					st.heaps = append(st.heaps, hh)
				}
			}
		case cmdrec.SetTable:
			st.tables[op.Param] = op.Table
		case cmdrec.SetTopology:
			st.topology = op.Topology
		case cmdrec.SetVertexBuffers:
			for j, v := range op.VertexBuffers {
				st.vbs[op.StartSlot+j] = v
			}
		case cmdrec.SetIndexBuffer:
			st.ib = op.IndexBuffer
		case cmdrec.SetViewports:
			st.viewports = op.Viewports
		case cmdrec.SetScissors:
			st.scissors = op.Scissors
		case cmdrec.SetRenderTargets:
			st.rtvs = st.rtvs[:0]
			for _, h := range op.RenderTargets {
				if r := d.renderTarget("OMSetRenderTargets", h); r != nil {
					st.rtvs = append(st.rtvs, r)
				}
			}
		case cmdrec.Clear:
			d.clear(op.RenderTargets[0], op.Color)
		case cmdrec.Draw:
			d.draw(st, op.Count, op.Instances, func(i uint32) (uint32, bool) { return op.Start + i, true })
		case cmdrec.DrawIndexed:
			d.draw(st, op.Count, op.Instances, d.indexFetcher(st, op.Start, op.BaseVertex))
		case cmdrec.CopyBuffer:
			d.copyBuffer(op)
		case cmdrec.CopyBufferToTexture:
			d.copyBufferToTexture(op)
		case cmdrec.CopyTextureToBuffer:
			d.copyTextureToBuffer(op)
		}
	}
}

func (d *Device) barrier(bs []gpu.Barrier) {
	for _, b := range bs {
		r, ok := b.Resource.(*resource)
		if !ok || r.dev != d {
			d.debug.errorf("ResourceBarrier: resource belongs to another device")
			continue
		}
		if b.Before == b.After {
			d.debug.errorf("ResourceBarrier: before and after states are both %s", b.Before)
		}
		r.mu.Lock()
		if r.state != b.Before {
			d.debug.errorf("ResourceBarrier: before state %s does not match the current state %s", b.Before, r.state)
		}
		r.state = b.After
		r.mu.Unlock()
	}
}

// expectState records a debug message unless r is in want.
func (d *Device) expectState(op string, r *resource, want gpu.ResourceState) {
	r.mu.Lock()
	got := r.state
	r.mu.Unlock()
	if got != want {
		d.debug.errorf("%s: resource is in state %s, expected %s", op, got, want)
	}
}

func (d *Device) renderTarget(op string, h gpu.CPUDescriptorHandle) *resource {
	heap, slot, err := d.resolveCPU(h)
	if err != nil {
		d.debug.errorf("%s: %v", op, err)
		return nil
	}
	if heap.desc.Kind != gpu.HeapKindRTV {
		d.debug.errorf("%s: handle %#x is in a %s heap", op, h.Ptr, heap.desc.Kind)
		return nil
	}
	v := heap.get(slot)
	if v.res == nil {
		d.debug.errorf("%s: RTV slot %d is empty", op, slot)
		return nil
	}
	return v.res
}

func toUnorm(c float32) byte {
	return byte(mgl32.Clamp(c, 0, 1)*255 + 0.5)
}

func (d *Device) clear(h gpu.CPUDescriptorHandle, color [4]float32) {
	r := d.renderTarget("ClearRenderTargetView", h)
	if r == nil {
		return
	}
	d.expectState("ClearRenderTargetView", r, gpu.StateRenderTarget)
	px := [4]byte{toUnorm(color[0]), toUnorm(color[1]), toUnorm(color[2]), toUnorm(color[3])}
	r.mu.Lock()
	for i := 0; i < len(r.data); i += 4 {
		copy(r.data[i:i+4], px[:])
	}
	r.mu.Unlock()
	d.count(func(s *Stats) { s.Clears++ })
}

func (d *Device) indexFetcher(st *replayState, start uint32, base int32) func(uint32) (uint32, bool) {
	size := uint64(st.ib.Format.Size())
	return func(i uint32) (uint32, bool) {
		if size == 0 {
			d.debug.errorf("DrawIndexedInstanced: no index buffer bound")
			return 0, false
		}
		off := uint64(start+i) * size
		if off+size > uint64(st.ib.SizeInBytes) {
			return uint32(base), true
		}
		r, roff, ok := d.resolveVA(st.ib.BufferLocation+off, size)
		if !ok {
			d.debug.errorf("DrawIndexedInstanced: index buffer address %#x is not mapped", st.ib.BufferLocation+off)
			return 0, false
		}
		r.mu.Lock()
		var idx uint32
		if size == 2 {
			idx = uint32(binary.LittleEndian.Uint16(r.data[roff:]))
		} else {
			idx = binary.LittleEndian.Uint32(r.data[roff:])
		}
		r.mu.Unlock()
		return uint32(int32(idx) + base), true
	}
}

type shadedVertex struct {
	pos  mgl32.Vec4
	vary []mgl32.Vec4
}

type boundTexture struct {
	res     *resource
	sampler gpu.StaticSampler
}

func (d *Device) draw(st *replayState, count, instances uint32, vertexID func(uint32) (uint32, bool)) {
	const op = "Draw"
	switch {
	case st.pso == nil:
		d.debug.errorf("%s: no pipeline state set", op)
		return
	case st.rs == nil:
		d.debug.errorf("%s: no root signature set", op)
		return
	case st.rs != st.pso.rs:
		d.debug.errorf("%s: root signature does not match the pipeline state", op)
		return
	case len(st.rtvs) == 0:
		d.debug.errorf("%s: no render target bound", op)
		return
	case st.topology == gpu.TopologyUndefined:
		d.debug.errorf("%s: primitive topology is undefined", op)
		return
	case st.topology.Type() != st.pso.topology:
		d.debug.errorf("%s: topology %d does not match the pipeline topology type", op, st.topology)
		return
	case len(st.viewports) == 0:
		d.debug.errorf("%s: no viewport set", op)
		return
	case len(st.scissors) == 0:
		d.debug.errorf("%s: no scissor rect set", op)
		return
	}
	rt := st.rtvs[0]
	d.expectState(op, rt, gpu.StateRenderTarget)

	var tex *boundTexture
	if s := st.pso.ps.Sample; s != nil {
		tex = d.bindTexture(st, s.Texture, s.Sampler)
		if tex == nil {
			return
		}
		if tex.res == rt {
			d.debug.errorf("%s: render target is also bound as a shader resource", op)
			return
		}
	}

	verts := make([]shadedVertex, 0, count)
	for i := uint32(0); i < count; i++ {
		id, ok := vertexID(i)
		if !ok {
			return
		}
		verts = append(verts, d.shadeVertex(st, id))
	}

	var tris [][3]int
	switch st.topology {
	case gpu.TopologyTriangleList:
		for i := 0; i+2 < len(verts); i += 3 {
			tris = append(tris, [3]int{i, i + 1, i + 2})
		}
	case gpu.TopologyTriangleStrip:
		for i := 0; i+2 < len(verts); i++ {
			if i%2 == 0 {
				tris = append(tris, [3]int{i, i + 1, i + 2})
			} else {
				tris = append(tris, [3]int{i + 1, i, i + 2})
			}
		}
	}

	w, h := int(rt.desc.Width), int(rt.desc.Height)
	clip := intersect(st.scissors[0], viewportRect(st.viewports[0]), gpu.FullRect(w, h))
	covered := make([]bool, w*h)
	for inst := uint32(0); inst < instances; inst++ {
		for _, t := range tris {
			d.rasterize(st, rt, tex, clip, covered,
				verts[t[0]], verts[t[1]], verts[t[2]])
		}
	}
	d.count(func(s *Stats) { s.Draws++ })
}

func (d *Device) bindTexture(st *replayState, t, s int) *boundTexture {
	const op = "Draw"
	param, off, ok := st.rs.tableSlot(t, gpu.StagePixel)
	if !ok {
		d.debug.errorf("%s: texture t%d is not bound by the root signature", op, t)
		return nil
	}
	base, ok := st.tables[param]
	if !ok {
		d.debug.errorf("%s: root parameter %d has no descriptor table set", op, param)
		return nil
	}
	h := base.Offset(off, d.DescriptorHandleIncrementSize(gpu.HeapKindCBVSRVUAV))
	heap, slot, err := d.resolveGPU(h)
	if err != nil {
		d.debug.errorf("%s: %v", op, err)
		return nil
	}
	bound := false
	for _, x := range st.heaps {
		if x == heap {
			bound = true
		}
	}
	if !bound {
		d.debug.errorf("%s: descriptor table heap is not set with SetDescriptorHeaps", op)
		return nil
	}
	v := heap.get(slot)
	if v.res == nil {
		d.debug.errorf("%s: SRV slot %d is empty", op, slot)
		return nil
	}
	d.expectState(op, v.res, gpu.StatePixelShaderResource)
	sampler, _ := st.rs.sampler(s)
	return &boundTexture{res: v.res, sampler: sampler}
}

func (d *Device) fetch(st *replayState, elem int, id uint32) mgl32.Vec4 {
	e := st.pso.layout[elem]
	vb, ok := st.vbs[e.InputSlot]
	if !ok {
		d.debug.errorf("Draw: no vertex buffer bound to slot %d", e.InputSlot)
		return mgl32.Vec4{}
	}
	size := uint64(e.Format.Size())
	off := uint64(id)*uint64(vb.StrideInBytes) + uint64(st.pso.offsets[elem])
	var v mgl32.Vec4
	if off+size > uint64(vb.SizeInBytes) {
		return v
	}
	r, roff, ok := d.resolveVA(vb.BufferLocation+off, size)
	if !ok {
		d.debug.errorf("Draw: vertex buffer address %#x is not mapped", vb.BufferLocation+off)
		return v
	}
	r.mu.Lock()
	for i := 0; i < int(size/4); i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.data[roff+uint64(i)*4:]))
	}
	r.mu.Unlock()
	return v
}

func (d *Device) shadeVertex(st *replayState, id uint32) shadedVertex {
	vs := st.pso.vs
	inputs := make(map[string]mgl32.Vec4, len(vs.Inputs))
	for i, in := range vs.Inputs {
		inputs[in.Name] = d.fetch(st, st.pso.attr[i], id)
	}
	pos := inputs[vs.Position]
	pos[3] = 1
	outs := make([]mgl32.Vec4, len(vs.Outputs))
	for _, p := range vs.Passes {
		for i, o := range vs.Outputs {
			if o.Name == p.To {
				outs[i] = inputs[p.From]
			}
		}
	}
	vary := make([]mgl32.Vec4, len(st.pso.vary))
	for i, o := range st.pso.vary {
		vary[i] = outs[o]
	}
	return shadedVertex{pos: pos, vary: vary}
}

func viewportRect(vp gpu.Viewport) gpu.Rect {
	return gpu.Rect{
		Left:   int32(math.Floor(float64(vp.TopLeftX))),
		Top:    int32(math.Floor(float64(vp.TopLeftY))),
		Right:  int32(math.Ceil(float64(vp.TopLeftX + vp.Width))),
		Bottom: int32(math.Ceil(float64(vp.TopLeftY + vp.Height))),
	}
}

func intersect(rs ...gpu.Rect) gpu.Rect {
	out := rs[0]
	for _, r := range rs[1:] {
		if r.Left > out.Left {
			out.Left = r.Left
		}
		if r.Top > out.Top {
			out.Top = r.Top
		}
		if r.Right < out.Right {
			out.Right = r.Right
		}
		if r.Bottom < out.Bottom {
			out.Bottom = r.Bottom
		}
	}
	return out
}

type point struct{ x, y int64 }

// edge is twice the signed area of (a, b, p). With y pointing down it
// is positive when the triangle a, b, p winds clockwise on screen.
func edge(a, b, p point) int64 {
	return (b.x-a.x)*(p.y-a.y) - (b.y-a.y)*(p.x-a.x)
}

// topLeft reports whether a->b is a top or left edge of a clockwise triangle.
func topLeft(a, b point) bool {
	dy, dx := b.y-a.y, b.x-a.x
	return (dy == 0 && dx > 0) || dy < 0
}

func inside(w int64, a, b point) bool {
	return w > 0 || (w == 0 && topLeft(a, b))
}

func (d *Device) toScreen(vp gpu.Viewport, v mgl32.Vec4) point {
	x := float64(vp.TopLeftX) + float64(v[0]+1)*float64(vp.Width)/2
	y := float64(vp.TopLeftY) + float64(1-v[1])*float64(vp.Height)/2
	return point{
		x: int64(math.Round(x * (1 << subpixelBits))),
		y: int64(math.Round(y * (1 << subpixelBits))),
	}
}

func (d *Device) rasterize(st *replayState, rt *resource, tex *boundTexture, clip gpu.Rect, covered []bool, v0, v1, v2 shadedVertex) {
	vp := st.viewports[0]
	p0, p1, p2 := d.toScreen(vp, v0.pos), d.toScreen(vp, v1.pos), d.toScreen(vp, v2.pos)
	area := edge(p0, p1, p2)
	if area == 0 {
		return
	}
	front := (area > 0) != st.pso.raster.FrontCounterClockwise
	switch st.pso.raster.CullMode {
	case gpu.CullBack:
		if !front {
			return
		}
	case gpu.CullFront:
		if front {
			return
		}
	}
	if area < 0 {
		p1, p2 = p2, p1
		v1, v2 = v2, v1
		area = -area
	}
	d.count(func(s *Stats) { s.Triangles++ })

	const one = 1 << subpixelBits
	minX := min(p0.x, p1.x, p2.x) / one
	maxX := (max(p0.x, p1.x, p2.x) + one - 1) / one
	minY := min(p0.y, p1.y, p2.y) / one
	maxY := (max(p0.y, p1.y, p2.y) + one - 1) / one
	minX, minY = max(minX, int64(clip.Left)), max(minY, int64(clip.Top))
	maxX, maxY = min(maxX, int64(clip.Right)-1), min(maxY, int64(clip.Bottom)-1)

	width := int64(rt.desc.Width)
	ps := st.pso.ps
	mask := st.pso.blend.RenderTargetWriteMask
	var written, overdraw uint64

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			p := point{x*one + one/2, y*one + one/2}
			w0, w1, w2 := edge(p1, p2, p), edge(p2, p0, p), edge(p0, p1, p)
			if !inside(w0, p1, p2) || !inside(w1, p2, p0) || !inside(w2, p0, p1) {
				continue
			}
			l0 := float32(float64(w0) / float64(area))
			l1 := float32(float64(w1) / float64(area))
			l2 := float32(float64(w2) / float64(area))

			color := mgl32.Vec4(ps.Color)
			if ps.Sample != nil {
				vi := 0
				for i, in := range ps.Inputs {
					if in.Name == ps.Sample.UV {
						vi = i
					}
				}
				uv := v0.vary[vi].Mul(l0).Add(v1.vary[vi].Mul(l1)).Add(v2.vary[vi].Mul(l2))
				color = sample(tex, uv[0], uv[1])
			}

			i := y*width + x
			if covered[i] {
				overdraw++
			}
			covered[i] = true
			px := rt.data[i*4 : i*4+4]
			if st.pso.blend.BlendEnable {
				a := color[3]
				for c := 0; c < 3; c++ {
					dst := float32(px[c]) / 255
					color[c] = color[c]*a + dst*(1-a)
				}
			}
			for c := 0; c < 4; c++ {
				if mask&(1<<c) != 0 {
					px[c] = toUnorm(color[c])
				}
			}
			written++
		}
	}
	d.count(func(s *Stats) {
		s.PixelsWritten += written
		s.Overdraw += overdraw
	})
}

func address(mode gpu.AddressMode, i, n int) int {
	if mode == gpu.AddressWrap {
		i %= n
		if i < 0 {
			i += n
		}
		return i
	}
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func texel(r *resource, x, y int) mgl32.Vec4 {
	i := (y*int(r.desc.Width) + x) * 4
	p := r.data[i : i+4]
	return mgl32.Vec4{float32(p[0]) / 255, float32(p[1]) / 255, float32(p[2]) / 255, float32(p[3]) / 255}
}

// sample locks the texture, which must not be the render target being drawn.
func sample(t *boundTexture, u, v float32) mgl32.Vec4 {
	r, s := t.res, t.sampler
	w, h := int(r.desc.Width), int(r.desc.Height)
	r.mu.Lock()
	defer r.mu.Unlock()
	fx, fy := u*float32(w), v*float32(h)
	if s.Filter == gpu.FilterPoint {
		x := address(s.AddressU, int(math.Floor(float64(fx))), w)
		y := address(s.AddressV, int(math.Floor(float64(fy))), h)
		return texel(r, x, y)
	}
	fx, fy = fx-0.5, fy-0.5
	x0, y0 := int(math.Floor(float64(fx))), int(math.Floor(float64(fy)))
	ax, ay := fx-float32(x0), fy-float32(y0)
	xa, xb := address(s.AddressU, x0, w), address(s.AddressU, x0+1, w)
	ya, yb := address(s.AddressV, y0, h), address(s.AddressV, y0+1, h)
	top := texel(r, xa, ya).Mul(1 - ax).Add(texel(r, xb, ya).Mul(ax))
	bottom := texel(r, xa, yb).Mul(1 - ax).Add(texel(r, xb, yb).Mul(ax))
	return top.Mul(1 - ay).Add(bottom.Mul(ay))
}

func (d *Device) copyBuffer(op *cmdrec.Op) {
	dst, src := op.Dst.(*resource), op.Src.(*resource)
	if dst.residency == gpu.HeapDefault {
		d.expectState("CopyBufferRegion", dst, gpu.StateCopyDest)
	}
	if src.residency == gpu.HeapDefault {
		d.expectState("CopyBufferRegion", src, gpu.StateCopySource)
	}
	src.mu.Lock()
	tmp := append([]byte(nil), src.data[op.SrcOffset:op.SrcOffset+op.Size]...)
	src.mu.Unlock()
	dst.mu.Lock()
	copy(dst.data[op.DstOffset:], tmp)
	dst.mu.Unlock()
}

func (d *Device) copyBufferToTexture(op *cmdrec.Op) {
	dst, src := op.Dst.(*resource), op.Src.(*resource)
	d.expectState("CopyBufferToTexture", dst, gpu.StateCopyDest)
	if src.residency == gpu.HeapDefault {
		d.expectState("CopyBufferToTexture", src, gpu.StateCopySource)
	}
	row := int(dst.desc.Width) * dst.desc.Format.Size()
	src.mu.Lock()
	tmp := make([]byte, 0, row*int(dst.desc.Height))
	for y := 0; y < int(dst.desc.Height); y++ {
		off := int(op.SrcOffset) + y*int(op.RowPitch)
		tmp = append(tmp, src.data[off:off+row]...)
	}
	src.mu.Unlock()
	dst.mu.Lock()
	copy(dst.data, tmp)
	dst.mu.Unlock()
}

func (d *Device) copyTextureToBuffer(op *cmdrec.Op) {
	dst, src := op.Dst.(*resource), op.Src.(*resource)
	d.expectState("CopyTextureToBuffer", src, gpu.StateCopySource)
	if dst.residency == gpu.HeapDefault {
		d.expectState("CopyTextureToBuffer", dst, gpu.StateCopyDest)
	}
	row := int(src.desc.Width) * src.desc.Format.Size()
	src.mu.Lock()
	tmp := append([]byte(nil), src.data...)
	src.mu.Unlock()
	dst.mu.Lock()
	for y := 0; y < int(src.desc.Height); y++ {
		off := int(op.DstOffset) + y*int(op.RowPitch)
		copy(dst.data[off:off+row], tmp[y*row:(y+1)*row])
	}
	dst.mu.Unlock()
}
