package harness

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/gpu/soft"
)

// fenceLog checks the fence protocol as it happens.
type fenceLog struct {
	t           *testing.T
	last        uint64
	outstanding bool
	signals     int
	waits       int
	resets      int
}

func (l *fenceLog) OnSignal(v uint64) {
	if v != l.last+1 {
		l.t.Errorf("signaled %d after %d", v, l.last)
	}
	l.last = v
	l.outstanding = true
	l.signals++
}

func (l *fenceLog) OnWait(v, completed uint64) {
	if v != l.last {
		l.t.Errorf("waited for %d, last signaled %d", v, l.last)
	}
	if completed != v {
		l.t.Errorf("completed value after waiting for %d is %d", v, completed)
	}
	l.outstanding = false
	l.waits++
}

func (l *fenceLog) OnReset(v uint64) {
	if l.outstanding {
		l.t.Errorf("reset while value %d is outstanding", v)
	}
	l.resets++
}

type destroyCounter struct{ n int }

func (d *destroyCounter) Destroy() { d.n++ }

func TestFenceExactness(t *testing.T) {
	r := newRig(t, soft.Options{Latency: 2 * time.Millisecond}, 8, 8)
	log := &fenceLog{t: t}
	r.sub.SetObserver(log)

	const frames = 5
	for i := 0; i < frames; i++ {
		if err := r.sub.Frame(r.targets.Current(), FrameInput{ClearColor: [4]float32{1, 1, 0, 1}}); err != nil {
			t.Fatalf("frame %d: %+v", i, err)
		}
		if got := r.sub.Fence().CompletedValue(); got != uint64(i+1) {
			t.Fatalf("frame %d: completed value %d, want %d", i, got, i+1)
		}
		if err := r.targets.Present(1); err != nil {
			t.Fatal(err)
		}
	}
	if log.signals != frames || log.waits != frames || log.resets != frames {
		t.Errorf("signals=%d waits=%d resets=%d, want %d each", log.signals, log.waits, log.resets, frames)
	}
	r.expectClean(t)
}

func TestBarrierRoundTrip(t *testing.T) {
	r := newRig(t, soft.Options{}, 8, 8)
	target := r.targets.Current()
	if err := r.sub.Frame(target, FrameInput{}); err != nil {
		t.Fatalf("Frame: %+v", err)
	}
	if got := soft.StateOf(target.Resource); got != gpu.StatePresent {
		t.Errorf("device state = %s, want Present", got)
	}
	if got, _ := r.sub.Tracker().State(target.Resource); got != gpu.StatePresent {
		t.Errorf("tracked state = %s, want Present", got)
	}
	r.expectClean(t)
}

func TestStateTrackerMismatch(t *testing.T) {
	r := newRig(t, soft.Options{}, 4, 4)
	target := r.targets.Current()
	list, err := r.ctx.Device.CreateCommandList(r.sub.alloc, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer list.Destroy()

	tr := r.sub.Tracker()
	err = tr.TransitionFrom(list, target.Resource, gpu.StateRenderTarget, gpu.StatePresent)
	if !errors.Is(err, ErrStateMismatch) {
		t.Errorf("TransitionFrom with a stale before state = %v, want ErrStateMismatch", err)
	}
	if got, _ := tr.State(target.Resource); got != gpu.StatePresent {
		t.Errorf("tracked state changed to %s after a rejected transition", got)
	}
	if err := tr.Transition(list, &untrackedResource{}, gpu.StateCopyDest); !errors.Is(err, ErrUntracked) {
		t.Errorf("Transition of an untracked resource = %v, want ErrUntracked", err)
	}
	_ = list.Close()
}

// untrackedResource is a resource the tracker has never seen.
type untrackedResource struct {
	gpu.Resource
}

func TestNoResetWhileOutstanding(t *testing.T) {
	r := newRig(t, soft.Options{Latency: 50 * time.Millisecond}, 4, 4)
	log := &fenceLog{t: t}
	r.sub.SetObserver(log)

	if err := r.sub.RecordFrame(r.targets.Current(), FrameInput{}); err != nil {
		t.Fatal(err)
	}
	if err := r.sub.RecordFrame(r.targets.Current(), FrameInput{}); !errors.Is(err, gpu.ErrListClosed) {
		t.Errorf("recording into a closed list = %v, want ErrListClosed", err)
	}
	if _, err := r.sub.Submit(); err != nil {
		t.Fatal(err)
	}
	if err := r.sub.ResetForNextFrame(); !errors.Is(err, gpu.ErrAllocatorInFlight) {
		t.Fatalf("ResetForNextFrame before the wait = %v, want ErrAllocatorInFlight", err)
	}
	if log.resets != 0 {
		t.Fatalf("observer saw %d resets before the wait", log.resets)
	}
	r.sub.WaitForGPU()
	if err := r.sub.ResetForNextFrame(); err != nil {
		t.Fatalf("ResetForNextFrame after the wait: %+v", err)
	}
	r.expectClean(t)
}

func TestEmptyFrame(t *testing.T) {
	r := newRig(t, soft.Options{}, 4, 2)
	loop := NewLoop(r.ctx, r.win, r.targets, r.sub, nil)
	loop.Frames = 1
	loop.SyncInterval = 0

	n, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %+v", err)
	}
	if n != 1 {
		t.Fatalf("Run rendered %d frames, want 1", n)
	}
	st := r.dev.Stats()
	if st.Draws != 0 || st.Clears != 1 || st.Presents != 1 {
		t.Errorf("stats = %+v, want 1 clear, 0 draws, 1 present", st)
	}
	front := soft.FrontBuffer(r.targets.SwapChain())
	for i := 0; i < len(front); i += 4 {
		if front[i] != 255 || front[i+1] != 255 || front[i+2] != 0 {
			t.Fatalf("front buffer pixel %d = %v, want yellow", i/4, front[i:i+4])
		}
	}
	r.expectClean(t)
}

func TestRetireWaitsForFence(t *testing.T) {
	r := newRig(t, soft.Options{Latency: 5 * time.Millisecond}, 4, 4)
	obj := &destroyCounter{}
	r.sub.Retire(obj)
	if err := r.sub.RecordFrame(r.targets.Current(), FrameInput{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.sub.Submit(); err != nil {
		t.Fatal(err)
	}
	if obj.n != 0 {
		t.Fatal("retired object destroyed before the GPU finished")
	}
	r.sub.WaitForGPU()
	if obj.n != 1 {
		t.Fatalf("retired object destroyed %d times, want 1", obj.n)
	}
	if err := r.sub.ResetForNextFrame(); err != nil {
		t.Fatal(err)
	}
	if err := r.sub.Flush(); err != nil {
		t.Fatal(err)
	}
	if obj.n != 1 {
		t.Errorf("retired object destroyed %d times, want 1", obj.n)
	}
}

type failingDrawer struct{}

func (failingDrawer) Record(gpu.CommandList) error { return errors.New("draw failed") }

func TestFailedRecordFrameRestoresStates(t *testing.T) {
	r := newRig(t, soft.Options{}, 4, 4)
	target := r.targets.Current()
	if err := r.sub.RecordFrame(target, FrameInput{Draw: failingDrawer{}}); err == nil {
		t.Fatal("RecordFrame with a failing drawer succeeded")
	}
	if got, _ := r.sub.Tracker().State(target.Resource); got != gpu.StatePresent {
		t.Fatalf("tracked state after the failed frame = %s, want Present", got)
	}
	if err := r.sub.ResetForNextFrame(); err != nil {
		t.Fatalf("ResetForNextFrame: %+v", err)
	}
	if err := r.sub.Frame(r.targets.Current(), FrameInput{}); err != nil {
		t.Fatalf("Frame after a failed frame: %+v", err)
	}
	if got := soft.StateOf(target.Resource); got != gpu.StatePresent {
		t.Errorf("device state = %s, want Present", got)
	}
	r.expectClean(t)
}

func TestFailedExecuteRestoresStates(t *testing.T) {
	r := newRig(t, soft.Options{}, 4, 4)
	buf, err := r.alloc.CreateBuffer(64, gpu.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}
	defer r.alloc.Release(buf)
	tr := r.sub.Tracker()

	err = r.sub.Execute(func(list gpu.CommandList) error {
		if err := tr.Transition(list, buf, gpu.StateVertexAndConstantBuffer); err != nil {
			return err
		}
		return errors.New("copy failed")
	})
	if err == nil {
		t.Fatal("Execute with a failing record func succeeded")
	}
	if got, _ := tr.State(buf); got != gpu.StateCopyDest {
		t.Fatalf("tracked state after the failed Execute = %s, want CopyDest", got)
	}

	err = r.sub.Execute(func(list gpu.CommandList) error {
		return tr.Transition(list, buf, gpu.StateVertexAndConstantBuffer)
	})
	if err != nil {
		t.Fatalf("Execute: %+v", err)
	}
	if got := soft.StateOf(buf); got != gpu.StateVertexAndConstantBuffer {
		t.Errorf("device state = %s, want VertexAndConstantBuffer", got)
	}
	r.expectClean(t)
}

func TestStateTrackerRollback(t *testing.T) {
	r := newRig(t, soft.Options{}, 4, 4)
	target := r.targets.Current()
	list, err := r.ctx.Device.CreateCommandList(r.sub.alloc, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer list.Destroy()

	tr := NewStateTracker()
	tr.Track(target.Resource, gpu.StatePresent)
	if err := tr.Transition(list, target.Resource, gpu.StateRenderTarget); err != nil {
		t.Fatal(err)
	}
	if err := tr.Transition(list, target.Resource, gpu.StateCopySource); err != nil {
		t.Fatal(err)
	}
	tr.Rollback()
	if got, _ := tr.State(target.Resource); got != gpu.StatePresent {
		t.Errorf("state after Rollback = %s, want Present", got)
	}

	if err := tr.Transition(list, target.Resource, gpu.StateRenderTarget); err != nil {
		t.Fatal(err)
	}
	tr.Commit()
	tr.Rollback()
	if got, _ := tr.State(target.Resource); got != gpu.StateRenderTarget {
		t.Errorf("state after Commit and Rollback = %s, want RenderTarget", got)
	}
	_ = list.Close()
}
