package harness

import (
	"context"
	"time"

	"github.com/loov/hrtime"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Loop renders one frame per iteration until the window asks to close,
// the context is cancelled or the frame cap is reached.
type Loop struct {
	Window    Window
	Targets   *FrameTargets
	Submitter *Submitter
	Input     FrameInput

	SyncInterval int

	// Frames caps the number of frames. Zero means no cap.
	Frames int

	// StatsInterval is how often frame time statistics are logged.
	// Zero disables them.
	StatsInterval time.Duration

	laps []time.Duration
}

// NewLoop returns a loop configured from ctx.Config.
func NewLoop(ctx *Context, win Window, targets *FrameTargets, sub *Submitter, draw Drawer) *Loop {
	return &Loop{
		Window:        win,
		Targets:       targets,
		Submitter:     sub,
		Input:         FrameInput{ClearColor: ctx.Config.ClearColor, Draw: draw},
		SyncInterval:  ctx.Config.SyncInterval,
		Frames:        ctx.Config.Frames,
		StatsInterval: ctx.Config.StatsInterval,
	}
}

// Run drives the loop and returns the number of frames presented. When
// it returns, no submitted work is still in flight.
func (l *Loop) Run(ctx context.Context) (int, error) {
	frames, err := l.run(ctx)
	if ferr := l.Submitter.Flush(); err == nil {
		err = ferr
	}
	l.logStats(frames)
	return frames, err
}

func (l *Loop) run(ctx context.Context) (int, error) {
	frames := 0
	lastStats := hrtime.Now()
	for l.Frames == 0 || frames < l.Frames {
		if ctx.Err() != nil || l.Window.PollClose() {
			break
		}
		start := hrtime.Now()
		if err := l.Frame(); err != nil {
			return frames, err
		}
		frames++
		l.laps = append(l.laps, hrtime.Since(start))

		if l.StatsInterval > 0 && hrtime.Since(lastStats) >= l.StatsInterval {
			l.logStats(frames)
			lastStats = hrtime.Now()
		}
	}
	return frames, nil
}

// Frame renders and presents a single frame.
func (l *Loop) Frame() error {
	t := l.Targets.Current()
	if err := l.Submitter.Frame(t, l.Input); err != nil {
		return err
	}
	return l.Targets.Present(l.SyncInterval)
}

func (l *Loop) logStats(frames int) {
	if len(l.laps) == 0 {
		return
	}
	hist := hrtime.NewDurationHistogram(l.laps, &hrtime.HistogramOptions{
		BinCount:        10,
		NiceRange:       true,
		ClampPercentile: 0.999,
	})
	gpu.Logger().Info("frame times",
		"frames", frames,
		"avg", time.Duration(hist.Average),
		"p50", time.Duration(hist.P50),
		"p99", time.Duration(hist.P99),
		"max", time.Duration(hist.Maximum))
	l.laps = l.laps[:0]
}
