// Package payload generates the vertex, index and texture data the
// harness uploads once at startup.
package payload

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/draw"
	_ "image/png"
	"io"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Vertex is the vertex format consumed by the harness pipeline.
type Vertex struct {
	Position mgl32.Vec3
	TexCoord mgl32.Vec2
}

// VertexStride is the size in bytes of an encoded Vertex.
const VertexStride = 20

// InputLayout describes Vertex to the input assembler.
func InputLayout() []gpu.InputElement {
	return []gpu.InputElement{
		{SemanticName: "POSITION", Format: gpu.FormatR32G32B32Float, AlignedByteOffset: 0},
		{SemanticName: "TEXCOORD", Format: gpu.FormatR32G32Float, AlignedByteOffset: gpu.AppendAligned},
	}
}

// Mesh is an indexed triangle list.
type Mesh struct {
	Vertices []Vertex
	Indices  []uint32
}

// IndexFormat returns the narrowest index format that can address every vertex.
func (m *Mesh) IndexFormat() gpu.Format {
	if len(m.Vertices) <= math.MaxUint16+1 {
		return gpu.FormatR16Uint
	}
	return gpu.FormatR32Uint
}

// VertexBytes encodes the vertices little-endian, VertexStride bytes each.
func (m *Mesh) VertexBytes() []byte {
	buf := &bytes.Buffer{}
	buf.Grow(len(m.Vertices) * VertexStride)
	_ = binary.Write(buf, binary.LittleEndian, m.Vertices)
	return buf.Bytes()
}

// IndexBytes encodes the indices little-endian in IndexFormat.
func (m *Mesh) IndexBytes() []byte {
	buf := &bytes.Buffer{}
	if m.IndexFormat() == gpu.FormatR16Uint {
		idx := make([]uint16, len(m.Indices))
		for i, v := range m.Indices {
			idx[i] = uint16(v)
		}
		_ = binary.Write(buf, binary.LittleEndian, idx)
	} else {
		_ = binary.Write(buf, binary.LittleEndian, m.Indices)
	}
	return buf.Bytes()
}

// Quad returns a quad covering the whole viewport as four vertices and
// six indices forming two clockwise triangles that share a diagonal.
func Quad() *Mesh {
	return &Mesh{
		Vertices: []Vertex{
			{Position: mgl32.Vec3{-1, -1, 0}, TexCoord: mgl32.Vec2{0, 1}},
			{Position: mgl32.Vec3{-1, 1, 0}, TexCoord: mgl32.Vec2{0, 0}},
			{Position: mgl32.Vec3{1, -1, 0}, TexCoord: mgl32.Vec2{1, 1}},
			{Position: mgl32.Vec3{1, 1, 0}, TexCoord: mgl32.Vec2{1, 0}},
		},
		Indices: []uint32{0, 1, 2, 2, 1, 3},
	}
}

// Triangle returns the lower-left half of the viewport as a single triangle.
func Triangle() *Mesh {
	return &Mesh{
		Vertices: []Vertex{
			{Position: mgl32.Vec3{-1, -1, 0}, TexCoord: mgl32.Vec2{0, 1}},
			{Position: mgl32.Vec3{-1, 1, 0}, TexCoord: mgl32.Vec2{0, 0}},
			{Position: mgl32.Vec3{1, -1, 0}, TexCoord: mgl32.Vec2{1, 1}},
		},
		Indices: []uint32{0, 1, 2},
	}
}

// Texture is tightly packed RGBA8 pixel data.
type Texture struct {
	Width, Height int
	Pix           []byte
}

// RowPitch returns the number of bytes per row.
func (t *Texture) RowPitch() int { return t.Width * 4 }

// Checker returns a w×h texture of alternating cell×cell squares.
func Checker(w, h, cell int, a, b [4]byte) *Texture {
	if cell <= 0 {
		cell = 1
	}
	t := &Texture{Width: w, Height: h, Pix: make([]byte, w*h*4)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := a
			if (x/cell+y/cell)%2 == 1 {
				c = b
			}
			copy(t.Pix[(y*w+x)*4:], c[:])
		}
	}
	return t
}

// FromImage converts any image to a Texture.
func FromImage(img image.Image) *Texture {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != b.Dx()*4 {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &Texture{Width: b.Dx(), Height: b.Dy(), Pix: append([]byte(nil), rgba.Pix...)}
}

// LoadTexture decodes an image in any registered format.
func LoadTexture(r io.Reader) (*Texture, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "payload: decode texture")
	}
	return FromImage(img), nil
}
