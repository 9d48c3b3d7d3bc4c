package harness

import (
	"image"
	"image/png"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// ReadbackPitchAlignment is the row alignment of texture to buffer copies.
const ReadbackPitchAlignment = 256

// Readback copies the RGBA8 texture tex into host memory. tex is moved
// to CopySource for the copy and back to its tracked state afterwards.
// The copy runs to completion before Readback returns.
func Readback(sub *Submitter, alloc *Allocator, tex gpu.Resource) (*image.RGBA, error) {
	desc := tex.Desc()
	if desc.Dimension != gpu.DimensionTexture2D || desc.Format != gpu.FormatR8G8B8A8Unorm {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "harness: read back %s texture", desc.Format)
	}
	state, ok := sub.Tracker().State(tex)
	if !ok {
		return nil, errors.WithStack(ErrUntracked)
	}
	w, h := int(desc.Width), int(desc.Height)
	row := w * 4
	pitch := (row + ReadbackPitchAlignment - 1) &^ (ReadbackPitchAlignment - 1)

	buf, err := alloc.CreateBuffer(uint64(pitch*h), gpu.HeapReadback)
	if err != nil {
		return nil, err
	}
	defer alloc.Release(buf)

	err = sub.Execute(func(list gpu.CommandList) error {
		if err := sub.Tracker().Transition(list, tex, gpu.StateCopySource); err != nil {
			return err
		}
		list.CopyTextureToBuffer(buf, 0, uint32(pitch), tex)
		return sub.Tracker().Transition(list, tex, state)
	})
	if err != nil {
		return nil, errors.Wrap(err, "harness: read back texture")
	}

	mem, err := alloc.Map(buf)
	if err != nil {
		return nil, err
	}
	defer alloc.Unmap(buf)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+row], mem[y*pitch:])
	}
	return img, nil
}

// WritePNG encodes img to w.
func WritePNG(w io.Writer, img image.Image) error {
	return errors.Wrap(png.Encode(w, img), "harness: encode png")
}
