package harness

import (
	"sync/atomic"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Window is the host window the frame loop renders into.
type Window interface {
	// PollClose pumps pending window messages without blocking and
	// reports whether the window asked to close.
	PollClose() bool

	// Size returns the drawable size in pixels.
	Size() (width, height int)

	// Surface returns the presentation target for the swap chain.
	Surface() gpu.Surface
}

// HeadlessWindow is a Window with no OS window behind it. It never asks
// to close on its own.
type HeadlessWindow struct {
	width, height int
	closed        atomic.Bool
}

// NewHeadlessWindow returns a headless window of the given size.
func NewHeadlessWindow(width, height int) *HeadlessWindow {
	return &HeadlessWindow{width: width, height: height}
}

// RequestClose makes the next PollClose report true. It may be called
// from any goroutine.
func (w *HeadlessWindow) RequestClose() { w.closed.Store(true) }

// PollClose implements Window.
func (w *HeadlessWindow) PollClose() bool { return w.closed.Load() }

// Size implements Window and gpu.Surface.
func (w *HeadlessWindow) Size() (int, int) { return w.width, w.height }

// Surface implements Window.
func (w *HeadlessWindow) Surface() gpu.Surface { return w }
