package payload

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/go-gl/mathgl/mgl32"
)

type vertexKey struct {
	position, uv int
}

// LoadOBJ decodes a Wavefront OBJ mesh into a triangle list. Polygons
// are fanned into triangles. mtl may be nil.
func LoadOBJ(mesh io.Reader, mtl io.Reader) (*Mesh, error) {
	if mtl == nil {
		mtl = strings.NewReader("")
	}
	decoder, err := obj.DecodeReader(mesh, mtl)
	if err != nil {
		return nil, errors.Wrap(err, "payload: decode obj")
	}

	m := &Mesh{}
	unique := make(map[vertexKey]uint32)
	add := func(face obj.Face, i int) {
		key := vertexKey{position: face.Vertices[i], uv: -1}
		if i < len(face.Uvs) {
			key.uv = face.Uvs[i]
		}
		index, ok := unique[key]
		if !ok {
			p := key.position * 3
			v := Vertex{Position: mgl32.Vec3{
				decoder.Vertices[p],
				decoder.Vertices[p+1],
				decoder.Vertices[p+2],
			}}
			if key.uv >= 0 && key.uv*2+1 < len(decoder.Uvs) {
				v.TexCoord = mgl32.Vec2{
					decoder.Uvs[key.uv*2],
					1.0 - decoder.Uvs[key.uv*2+1],
				}
			}
			index = uint32(len(m.Vertices))
			m.Vertices = append(m.Vertices, v)
			unique[key] = index
		}
		m.Indices = append(m.Indices, index)
	}

	for _, o := range decoder.Objects {
		for _, face := range o.Faces {
			for i := 2; i < len(face.Vertices); i++ {
				add(face, 0)
				add(face, i-1)
				add(face, i)
			}
		}
	}
	if len(m.Indices) == 0 {
		return nil, errors.New("payload: obj contains no faces")
	}
	return m, nil
}
