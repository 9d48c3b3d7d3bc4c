package vk

import (
	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Window is an SDL window with a Vulkan-capable drawable. It is both
// the harness window and the gpu.Surface swap chains present to.
type Window struct {
	window *sdl.Window
	closed bool
}

// NewWindow initializes SDL video and opens a w×h window.
func NewWindow(title string, w, h int) (*Window, error) {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return nil, errors.Wrap(err, "vk: init sdl")
	}

	window, err := sdl.CreateWindow(title, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED, int32(w), int32(h), sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN)
	if err != nil {
		sdl.Quit()
		return nil, errors.Wrap(err, "vk: create window")
	}
	return &Window{window: window}, nil
}

// PollClose drains the SDL event queue and reports whether the user
// asked to close the window. It never blocks.
func (w *Window) PollClose() bool {
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		switch e := event.(type) {
		case *sdl.QuitEvent:
			w.closed = true
		case *sdl.WindowEvent:
			if e.Event == sdl.WINDOWEVENT_CLOSE {
				w.closed = true
			}
		}
	}
	return w.closed
}

// Size returns the drawable size in pixels.
func (w *Window) Size() (int, int) {
	width, height := w.window.VulkanGetDrawableSize()
	return int(width), int(height)
}

// Surface returns w itself. Swap chains created from it present to
// the window.
func (w *Window) Surface() gpu.Surface { return w }

// Destroy closes the window and shuts SDL down.
func (w *Window) Destroy() {
	if w.window != nil {
		w.window.Destroy()
		w.window = nil
	}
	sdl.Quit()
}
