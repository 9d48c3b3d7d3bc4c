package harness

import (
	"context"
	"testing"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/gpu/soft"
)

// indexRecorder notes which back buffer every frame rendered to.
type indexRecorder struct {
	targets *FrameTargets
	indices []int
}

func (d *indexRecorder) Record(gpu.CommandList) error {
	d.indices = append(d.indices, d.targets.SwapChain().CurrentBackBufferIndex())
	return nil
}

func TestLoopFollowsReorderedBackBuffers(t *testing.T) {
	order := []int{1, 1, 0, 1, 0, 0}
	r := newRig(t, soft.Options{BackBufferOrder: order}, 4, 4)
	rec := &indexRecorder{targets: r.targets}
	loop := NewLoop(r.ctx, r.win, r.targets, r.sub, rec)
	loop.Frames = len(order)
	loop.SyncInterval = 0

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %+v", err)
	}
	for i := range order {
		if rec.indices[i] != order[i] {
			t.Fatalf("rendered to %v, want %v", rec.indices, order)
		}
	}
	for i := 0; i < 2; i++ {
		b := r.targets.Buffer(i)
		if got := soft.StateOf(b); got != gpu.StatePresent {
			t.Errorf("back buffer %d in %s, want Present", i, got)
		}
	}
	if got := r.dev.Stats().Presents; got != uint64(len(order)) {
		t.Errorf("Presents = %d, want %d", got, len(order))
	}
	r.expectClean(t)
}

// closeAfter asks the window to close once n frames were drawn.
type closeAfter struct {
	win *HeadlessWindow
	n   int
}

func (d *closeAfter) Record(gpu.CommandList) error {
	d.n--
	if d.n == 0 {
		d.win.RequestClose()
	}
	return nil
}

func TestLoopStopsOnClose(t *testing.T) {
	r := newRig(t, soft.Options{}, 4, 4)
	loop := NewLoop(r.ctx, r.win, r.targets, r.sub, &closeAfter{win: r.win, n: 3})
	loop.SyncInterval = 0
	n, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %+v", err)
	}
	if n != 3 {
		t.Errorf("Run rendered %d frames, want 3", n)
	}
	if c, s := r.sub.Fence().CompletedValue(), r.sub.LastSignaled(); c != s {
		t.Errorf("fence at %d after Run, last signaled %d", c, s)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	r := newRig(t, soft.Options{}, 4, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop := NewLoop(r.ctx, r.win, r.targets, r.sub, nil)
	n, err := loop.Run(ctx)
	if err != nil || n != 0 {
		t.Errorf("Run with a cancelled context = %d, %v", n, err)
	}
}
