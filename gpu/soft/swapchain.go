package soft

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Surface is a presentation target with no window behind it.
type Surface struct {
	Width, Height int
}

// Size implements gpu.Surface.
func (s Surface) Size() (int, int) { return s.Width, s.Height }

type swapChain struct {
	dev     *Device
	q       *queue
	desc    gpu.SwapChainDesc
	buffers []*resource
	order   []int

	mu       sync.Mutex
	presents int
	vblank   time.Duration

	frontMu sync.Mutex
	front   []byte
}

// CreateSwapChain implements gpu.Device.
func (d *Device) CreateSwapChain(q gpu.CommandQueue, surface gpu.Surface, desc gpu.SwapChainDesc) (gpu.SwapChain, error) {
	qq, ok := q.(*queue)
	if !ok || qq.dev != d {
		return nil, errors.Wrap(gpu.ErrInvalidArgument, "queue belongs to another device")
	}
	if surface == nil {
		return nil, errors.Wrap(gpu.ErrInvalidArgument, "nil surface")
	}
	if desc.Width == 0 || desc.Height == 0 {
		desc.Width, desc.Height = surface.Size()
	}
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "swap chain size %dx%d", desc.Width, desc.Height)
	}
	if desc.BufferCount < 2 {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "flip model swap chains need at least 2 buffers, got %d", desc.BufferCount)
	}
	if desc.Format != gpu.FormatR8G8B8A8Unorm {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "swap chain format %s", desc.Format)
	}
	order := d.opts.BackBufferOrder
	if len(order) == 0 {
		order = make([]int, desc.BufferCount)
		for i := range order {
			order[i] = i
		}
	}
	for _, i := range order {
		if i < 0 || i >= desc.BufferCount {
			return nil, errors.Wrapf(gpu.ErrInvalidArgument, "back buffer order entry %d out of range", i)
		}
	}

	sc := &swapChain{dev: d, q: qq, desc: desc, order: order, vblank: hrtime.Now()}
	for i := 0; i < desc.BufferCount; i++ {
		r, err := d.CreateCommittedResource(gpu.HeapDefault,
			gpu.ResourceDesc{
				Dimension: gpu.DimensionTexture2D,
				Width:     uint64(desc.Width),
				Height:    uint32(desc.Height),
				Format:    desc.Format,
				Flags:     gpu.ResourceFlagAllowRenderTarget,
			}, gpu.StatePresent)
		if err != nil {
			sc.Destroy()
			return nil, errors.Wrapf(err, "back buffer %d", i)
		}
		sc.buffers = append(sc.buffers, r.(*resource))
	}
	return sc, nil
}

func (sc *swapChain) Desc() gpu.SwapChainDesc { return sc.desc }

func (sc *swapChain) Destroy() {
	for _, b := range sc.buffers {
		b.Destroy()
	}
	sc.buffers = nil
}

func (sc *swapChain) Buffer(i int) (gpu.Resource, error) {
	if i < 0 || i >= len(sc.buffers) {
		return nil, errors.Wrapf(gpu.ErrInvalidArgument, "back buffer %d of %d", i, len(sc.buffers))
	}
	return sc.buffers[i], nil
}

func (sc *swapChain) CurrentBackBufferIndex() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.order[sc.presents%len(sc.order)]
}

func (sc *swapChain) Present(syncInterval int) error {
	if err := sc.dev.checkRemoved(); err != nil {
		return err
	}
	sc.mu.Lock()
	index := sc.order[sc.presents%len(sc.order)]
	sc.presents++
	sc.mu.Unlock()
	sc.q.work <- work{kind: workPresent, sc: sc, index: index}

	if interval := sc.dev.opts.RefreshInterval; syncInterval > 0 && interval > 0 {
		sc.waitForVBlank(time.Duration(syncInterval) * interval)
	}
	return nil
}

func (sc *swapChain) waitForVBlank(period time.Duration) {
	now := hrtime.Now()
	next := sc.vblank + period
	if next > now {
		time.Sleep(next - now)
		sc.vblank = next
		return
	}
	sc.vblank = now
}

// flip runs on the GPU timeline.
func (sc *swapChain) flip(index int) {
	b := sc.buffers[index]
	b.mu.Lock()
	state := b.state
	data := append([]byte(nil), b.data...)
	b.mu.Unlock()
	if state != gpu.StatePresent {
		sc.dev.debug.errorf("Present: back buffer %d is in state %s, expected %s", index, state, gpu.StatePresent)
	}
	sc.frontMu.Lock()
	sc.front = data
	sc.frontMu.Unlock()
	sc.dev.count(func(s *Stats) { s.Presents++ })
}

// FrontBuffer returns a copy of the pixels most recently presented by
// sc, tightly packed RGBA8. It returns nil before the first present
// reaches the GPU timeline.
func FrontBuffer(sc gpu.SwapChain) []byte {
	s := sc.(*swapChain)
	s.frontMu.Lock()
	defer s.frontMu.Unlock()
	return append([]byte(nil), s.front...)
}
