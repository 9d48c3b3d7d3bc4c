package harness

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/payload"
)

// Scene is a textured indexed mesh uploaded once and drawn every frame
// with the current pipeline state.
type Scene struct {
	alloc    *Allocator
	pipeline *Pipeline

	vertices, indices gpu.Resource
	vbv               gpu.VertexBufferView
	ibv               gpu.IndexBufferView
	indexCount        uint32

	texture gpu.Resource
	srvs    *DescriptorHeap
}

// NewScene uploads mesh and tex to device-only memory and writes the
// texture view into slot 0 of a shader-visible heap.
func NewScene(ctx *Context, alloc *Allocator, pipeline *Pipeline, mesh *payload.Mesh, tex *payload.Texture) (*Scene, error) {
	if len(mesh.Vertices) == 0 || len(mesh.Indices) == 0 {
		return nil, errors.New("harness: empty mesh")
	}
	s := &Scene{alloc: alloc, pipeline: pipeline, indexCount: uint32(len(mesh.Indices))}

	vb := mesh.VertexBytes()
	var err error
	s.vertices, err = alloc.StaticBuffer(vb, gpu.StateVertexAndConstantBuffer)
	if err != nil {
		return nil, errors.Wrap(err, "harness: upload vertices")
	}
	s.vbv = gpu.VertexBufferView{
		BufferLocation: s.vertices.GPUVirtualAddress(),
		SizeInBytes:    uint32(len(vb)),
		StrideInBytes:  payload.VertexStride,
	}

	ib := mesh.IndexBytes()
	s.indices, err = alloc.StaticBuffer(ib, gpu.StateIndexBuffer)
	if err != nil {
		s.Destroy()
		return nil, errors.Wrap(err, "harness: upload indices")
	}
	s.ibv = gpu.IndexBufferView{
		BufferLocation: s.indices.GPUVirtualAddress(),
		SizeInBytes:    uint32(len(ib)),
		Format:         mesh.IndexFormat(),
	}

	s.texture, err = alloc.UploadTexture(tex.Width, tex.Height, tex.Pix, uint32(tex.RowPitch()))
	if err != nil {
		s.Destroy()
		return nil, errors.Wrap(err, "harness: upload texture")
	}
	s.srvs, err = CreateHeap(ctx, gpu.HeapKindCBVSRVUAV, 1, true)
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.srvs.WriteView(0, s.texture, &gpu.ShaderResourceViewDesc{Format: gpu.FormatR8G8B8A8Unorm})
	return s, nil
}

// Texture returns the uploaded texture.
func (s *Scene) Texture() gpu.Resource { return s.texture }

// Record implements Drawer.
func (s *Scene) Record(list gpu.CommandList) error {
	s.pipeline.Bind(list)
	list.SetDescriptorHeaps(s.srvs.Heap())
	list.SetGraphicsRootDescriptorTable(0, s.srvs.GPUSlotAddress(0))
	list.IASetPrimitiveTopology(gpu.TopologyTriangleList)
	list.IASetVertexBuffers(0, s.vbv)
	list.IASetIndexBuffer(&s.ibv)
	list.DrawIndexedInstanced(s.indexCount, 1, 0, 0, 0)
	return nil
}

// Destroy releases everything the scene uploaded.
func (s *Scene) Destroy() {
	if s.srvs != nil {
		s.srvs.Destroy()
		s.srvs = nil
	}
	for _, r := range []*gpu.Resource{&s.texture, &s.indices, &s.vertices} {
		if *r != nil {
			s.alloc.Release(*r)
			*r = nil
		}
	}
}
