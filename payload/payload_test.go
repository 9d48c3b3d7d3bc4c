package payload

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"testing"

	"github.com/vkngwrapper/frame-harness/gpu"
)

func TestQuad(t *testing.T) {
	q := Quad()
	if len(q.Vertices) != 4 || len(q.Indices) != 6 {
		t.Fatalf("quad has %d vertices and %d indices, want 4 and 6", len(q.Vertices), len(q.Indices))
	}
	if got := len(q.VertexBytes()); got != 4*VertexStride {
		t.Errorf("len(VertexBytes) = %d, want %d", got, 4*VertexStride)
	}
	if q.IndexFormat() != gpu.FormatR16Uint {
		t.Errorf("IndexFormat = %s", q.IndexFormat())
	}
	ib := q.IndexBytes()
	if len(ib) != 12 {
		t.Fatalf("len(IndexBytes) = %d, want 12", len(ib))
	}
	if binary.LittleEndian.Uint16(ib[10:]) != 3 {
		t.Errorf("last index = %d, want 3", binary.LittleEndian.Uint16(ib[10:]))
	}
}

func TestVertexLayoutMatchesEncoding(t *testing.T) {
	size, offs := gpu.LayoutSize(InputLayout())
	if size != VertexStride {
		t.Fatalf("layout size = %d, want %d", size, VertexStride)
	}
	v := Vertex{}
	v.Position[0], v.TexCoord[1] = 0.25, 0.75
	b := (&Mesh{Vertices: []Vertex{v}}).VertexBytes()
	if got := math.Float32frombits(binary.LittleEndian.Uint32(b[offs[0]:])); got != 0.25 {
		t.Errorf("position.x = %v", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(b[offs[1]+4:])); got != 0.75 {
		t.Errorf("texcoord.y = %v", got)
	}
}

func TestWideIndices(t *testing.T) {
	m := &Mesh{Vertices: make([]Vertex, 70000), Indices: []uint32{0, 1, 69999}}
	if m.IndexFormat() != gpu.FormatR32Uint {
		t.Fatalf("IndexFormat = %s, want R32_UINT", m.IndexFormat())
	}
	if got := len(m.IndexBytes()); got != 12 {
		t.Errorf("len(IndexBytes) = %d, want 12", got)
	}
}

func TestChecker(t *testing.T) {
	white, black := [4]byte{255, 255, 255, 255}, [4]byte{0, 0, 0, 255}
	tex := Checker(4, 4, 2, white, black)
	if len(tex.Pix) != 64 || tex.RowPitch() != 16 {
		t.Fatalf("len(Pix) = %d, RowPitch = %d", len(tex.Pix), tex.RowPitch())
	}
	at := func(x, y int) byte { return tex.Pix[(y*4+x)*4] }
	if at(0, 0) != 255 || at(2, 0) != 0 || at(2, 2) != 255 || at(1, 3) != 0 {
		t.Errorf("unexpected checker pattern: %v", tex.Pix)
	}
}

func TestLoadTexture(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.Set(2, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	tex, err := LoadTexture(&buf)
	if err != nil {
		t.Fatalf("LoadTexture: %v", err)
	}
	if tex.Width != 3 || tex.Height != 2 {
		t.Fatalf("size = %dx%d", tex.Width, tex.Height)
	}
	if px := tex.Pix[(1*3+2)*4:][:4]; px[0] != 10 || px[1] != 20 || px[2] != 30 {
		t.Errorf("pixel = %v", px)
	}
	if _, err := LoadTexture(strings.NewReader("not an image")); err == nil {
		t.Error("LoadTexture accepted garbage")
	}
}

const squareOBJ = `
o square
v -1 -1 0
v 1 -1 0
v 1 1 0
v -1 1 0
vt 0 0
vt 1 0
vt 1 1
vt 0 1
usemtl plain
f 1/1 2/2 3/3 4/4
`

const squareMTL = `
newmtl plain
Kd 1 1 1
`

func TestLoadOBJ(t *testing.T) {
	m, err := LoadOBJ(strings.NewReader(squareOBJ), strings.NewReader(squareMTL))
	if err != nil {
		t.Fatalf("LoadOBJ: %v", err)
	}
	if len(m.Vertices) != 4 {
		t.Errorf("vertices = %d, want 4", len(m.Vertices))
	}
	if len(m.Indices) != 6 {
		t.Errorf("indices = %d, want 6", len(m.Indices))
	}
	// v texture coordinates are flipped to a top-left origin.
	if v := m.Vertices[0]; v.TexCoord[1] != 1 {
		t.Errorf("first vertex texcoord = %v, want v flipped to 1", v.TexCoord)
	}
}
