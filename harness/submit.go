package harness

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Observer receives the fence protocol events of a Submitter.
type Observer interface {
	// OnSignal is called after value was requested from the queue.
	OnSignal(value uint64)
	// OnWait is called when the host stops waiting for value.
	// completed is the fence's completed value at that point.
	OnWait(value, completed uint64)
	// OnReset is called after the allocator and list were reset, with
	// the last signaled value.
	OnReset(value uint64)
}

// Drawer records the draw portion of a frame.
type Drawer interface {
	Record(list gpu.CommandList) error
}

// FrameInput is what a single frame renders.
type FrameInput struct {
	ClearColor [4]float32

	// Draw may be nil, in which case the frame only clears.
	Draw Drawer
}

type retiredObject struct {
	obj   gpu.Destroyer
	value uint64
}

// Submitter owns the command allocator, the command list and the fence,
// and drives the record, submit, signal, wait and reset protocol.
// It is not safe for concurrent use.
type Submitter struct {
	ctx      *Context
	alloc    gpu.CommandAllocator
	list     gpu.CommandList
	fence    gpu.Fence
	value    uint64
	open     bool
	tracker  *StateTracker
	observer Observer
	retired  []retiredObject
}

// NewSubmitter creates the allocator, an open command list and a fence
// starting at zero.
func NewSubmitter(ctx *Context) (*Submitter, error) {
	dev := ctx.Device
	alloc, err := dev.CreateCommandAllocator()
	if err != nil {
		return nil, errors.Wrap(err, "harness: create command allocator")
	}
	list, err := dev.CreateCommandList(alloc, nil)
	if err != nil {
		alloc.Destroy()
		return nil, errors.Wrap(err, "harness: create command list")
	}
	fence, err := dev.CreateFence(0)
	if err != nil {
		list.Destroy()
		alloc.Destroy()
		return nil, errors.Wrap(err, "harness: create fence")
	}
	return &Submitter{
		ctx:     ctx,
		alloc:   alloc,
		list:    list,
		fence:   fence,
		open:    true,
		tracker: NewStateTracker(),
	}, nil
}

// SetObserver installs o. A nil o removes the observer.
func (s *Submitter) SetObserver(o Observer) { s.observer = o }

// Tracker returns the state tracker used for every transition.
func (s *Submitter) Tracker() *StateTracker { return s.tracker }

// Fence returns the frame fence.
func (s *Submitter) Fence() gpu.Fence { return s.fence }

// LastSignaled returns the most recent value the queue was asked to signal.
func (s *Submitter) LastSignaled() uint64 { return s.value }

// RecordFrame records one frame into the command list and closes it:
// barrier Present to RenderTarget, bind the target, clear, draw, and
// barrier back to Present.
func (s *Submitter) RecordFrame(t Target, in FrameInput) error {
	if !s.open {
		return errors.Wrap(gpu.ErrListClosed, "harness: RecordFrame before ResetForNextFrame")
	}
	if err := s.tracker.TransitionFrom(s.list, t.Resource, gpu.StatePresent, gpu.StateRenderTarget); err != nil {
		s.tracker.Rollback()
		return errors.Wrapf(err, "harness: back buffer %d", t.Index)
	}
	s.list.RSSetViewports(gpu.FullViewport(t.Width, t.Height))
	s.list.RSSetScissorRects(gpu.FullRect(t.Width, t.Height))
	s.list.OMSetRenderTargets(t.RTV)
	s.list.ClearRenderTargetView(t.RTV, in.ClearColor)
	if in.Draw != nil {
		if err := in.Draw.Record(s.list); err != nil {
			s.tracker.Rollback()
			return errors.Wrap(err, "harness: record draw")
		}
	}
	if err := s.tracker.TransitionFrom(s.list, t.Resource, gpu.StateRenderTarget, gpu.StatePresent); err != nil {
		s.tracker.Rollback()
		return errors.Wrapf(err, "harness: back buffer %d", t.Index)
	}
	return s.close()
}

// close closes the list. A list that fails to close is never executed,
// so its transitions are rolled back.
func (s *Submitter) close() error {
	s.open = false
	if err := s.list.Close(); err != nil {
		s.tracker.Rollback()
		return errors.Wrap(err, "harness: close command list")
	}
	return nil
}

// Submit executes the closed list and signals the next fence value,
// which it returns.
func (s *Submitter) Submit() (uint64, error) {
	if s.open {
		return 0, errors.Wrap(gpu.ErrListNotClosed, "harness: Submit")
	}
	s.ctx.Queue.ExecuteCommandLists(s.list)
	s.tracker.Commit()
	return s.signal()
}

func (s *Submitter) signal() (uint64, error) {
	next := s.value + 1
	if err := s.ctx.Queue.Signal(s.fence, next); err != nil {
		return 0, errors.Wrapf(err, "harness: signal fence value %d", next)
	}
	s.value = next
	if s.observer != nil {
		s.observer.OnSignal(next)
	}
	return next, nil
}

// WaitForGPU blocks until the fence reaches the last signaled value,
// then releases retired objects the GPU no longer references.
func (s *Submitter) WaitForGPU() {
	v := s.value
	if s.fence.CompletedValue() < v {
		<-s.fence.SetEventOnCompletion(v)
	}
	completed := s.fence.CompletedValue()
	if s.observer != nil {
		s.observer.OnWait(v, completed)
	}
	s.release(completed)
}

func (s *Submitter) release(completed uint64) {
	keep := s.retired[:0]
	for _, r := range s.retired {
		if r.value <= completed {
			r.obj.Destroy()
		} else {
			keep = append(keep, r)
		}
	}
	s.retired = keep
}

// ResetForNextFrame resets the allocator and reopens the list. It
// refuses while the last submission is still outstanding.
func (s *Submitter) ResetForNextFrame() error {
	if c := s.fence.CompletedValue(); c < s.value {
		return errors.Wrapf(gpu.ErrAllocatorInFlight, "harness: fence at %d, last signaled %d", c, s.value)
	}
	if s.open {
		// The open list is discarded unsubmitted.
		s.tracker.Rollback()
		if err := s.close(); err != nil {
			return err
		}
	}
	if err := s.alloc.Reset(); err != nil {
		return errors.Wrap(err, "harness: reset command allocator")
	}
	if err := s.list.Reset(s.alloc, nil); err != nil {
		return errors.Wrap(err, "harness: reset command list")
	}
	s.open = true
	if s.observer != nil {
		s.observer.OnReset(s.value)
	}
	return nil
}

// Frame runs one frame without presenting it: record, submit, signal,
// wait and reset.
func (s *Submitter) Frame(t Target, in FrameInput) error {
	if err := s.RecordFrame(t, in); err != nil {
		return err
	}
	if _, err := s.Submit(); err != nil {
		return err
	}
	s.WaitForGPU()
	return s.ResetForNextFrame()
}

// Execute records one-shot work with record and runs it to completion
// through the same protocol as a frame.
func (s *Submitter) Execute(record func(list gpu.CommandList) error) error {
	if !s.open {
		return errors.Wrap(gpu.ErrListClosed, "harness: Execute before ResetForNextFrame")
	}
	if err := record(s.list); err != nil {
		s.tracker.Rollback()
		_ = s.close()
		_ = s.list.Reset(s.alloc, nil)
		s.open = true
		return err
	}
	if err := s.close(); err != nil {
		return err
	}
	if _, err := s.Submit(); err != nil {
		return err
	}
	s.WaitForGPU()
	return s.ResetForNextFrame()
}

// Flush signals a new fence value behind all submitted work and waits
// for it.
func (s *Submitter) Flush() error {
	if _, err := s.signal(); err != nil {
		return err
	}
	s.WaitForGPU()
	return nil
}

// Retire destroys obj once every command that may reference it,
// including those still being recorded, has completed.
func (s *Submitter) Retire(obj gpu.Destroyer) {
	s.retired = append(s.retired, retiredObject{obj: obj, value: s.value + 1})
}

// Close waits for the GPU and releases everything the submitter owns.
func (s *Submitter) Close() error {
	err := s.Flush()
	s.release(^uint64(0))
	s.list.Destroy()
	s.alloc.Destroy()
	s.fence.Destroy()
	return err
}
