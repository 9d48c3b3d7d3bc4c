// Command harness renders a textured mesh through the frame loop on the
// soft device or on Vulkan, optionally saving the last frame as a PNG.
package main

//go:generate glslc shaders/basic.vert -o shaders/vert.spv
//go:generate glslc shaders/basic.frag -o shaders/frag.spv

import (
	"context"
	"embed"
	"flag"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/gpu/soft"
	"github.com/vkngwrapper/frame-harness/gpu/vk"
	"github.com/vkngwrapper/frame-harness/harness"
	"github.com/vkngwrapper/frame-harness/payload"
	"github.com/vkngwrapper/frame-harness/shader"
)

//go:embed shaders
var fileSystem embed.FS

type options struct {
	driver     string
	adapter    string
	width      int
	height     int
	frames     int
	vsync      int
	debug      bool
	shaderDir  string
	meshPath   string
	texPath    string
	snapshot   string
	statsEvery time.Duration
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.driver, "driver", "soft", "device driver: soft or vulkan")
	flag.StringVar(&o.adapter, "adapter", harness.DefaultConfig().AdapterHint, "prefer the adapter whose description contains this")
	flag.IntVar(&o.width, "width", 1280, "back buffer width")
	flag.IntVar(&o.height, "height", 720, "back buffer height")
	flag.IntVar(&o.frames, "frames", 0, "stop after this many frames, 0 runs until the window closes")
	flag.IntVar(&o.vsync, "vsync", 1, "present sync interval")
	flag.BoolVar(&o.debug, "debug", false, "enable debug logging and validation")
	flag.StringVar(&o.shaderDir, "shaders", "", "directory to read shader sources and SPIR-V blobs from instead of the built-in ones")
	flag.StringVar(&o.meshPath, "mesh", "", "Wavefront OBJ mesh to draw instead of the quad")
	flag.StringVar(&o.texPath, "texture", "", "image to texture the mesh with instead of the checkerboard")
	flag.StringVar(&o.snapshot, "snapshot", "", "write the final frame to this PNG file")
	flag.DurationVar(&o.statsEvery, "stats", 5*time.Second, "frame time statistics interval, 0 disables")
	flag.Parse()
	return o
}

// app holds what main tears down in reverse order of creation.
type app struct {
	opts options

	win       harness.Window
	closeWin  func()
	drv       gpu.Driver
	closeDrv  func()
	vs, ps    gpu.ShaderBytecode
	ctx       *harness.Context
	sub       *harness.Submitter
	targets   *harness.FrameTargets
	rs        gpu.RootSignature
	pipeline  *harness.Pipeline
	scene     *harness.Scene
	allocator *harness.Allocator
}

// shaders returns the directory shaders are loaded from.
func (a *app) shaders() (fs.FS, error) {
	if a.opts.shaderDir != "" {
		return os.DirFS(a.opts.shaderDir), nil
	}
	sub, err := fs.Sub(fileSystem, "shaders")
	return sub, errors.WithStack(err)
}

func (a *app) openDriver() error {
	shaders, err := a.shaders()
	if err != nil {
		return err
	}
	switch a.opts.driver {
	case "soft":
		drv, err := gpu.Lookup("soft")
		if err != nil {
			return err
		}
		a.drv = drv
		a.win = harness.NewHeadlessWindow(a.opts.width, a.opts.height)
		if a.vs, err = shader.CompileFS(soft.Compiler{}, shaders, "basic_vs.sfx", "main", shader.ProfileVS5_0); err != nil {
			return err
		}
		a.ps, err = shader.CompileFS(soft.Compiler{}, shaders, "basic_ps.sfx", "main", shader.ProfilePS5_0)
		return err

	case "vulkan":
		win, err := vk.NewWindow("Frame Harness", a.opts.width, a.opts.height)
		if err != nil {
			return err
		}
		a.win, a.closeWin = win, win.Destroy
		drv, err := vk.NewDriver(win, a.opts.debug)
		if err != nil {
			return err
		}
		a.drv, a.closeDrv = drv, drv.Destroy
		if a.vs, err = shader.LoadFS(shaders, "vert.spv"); err != nil {
			return err
		}
		a.ps, err = shader.LoadFS(shaders, "frag.spv")
		return err
	}
	return errors.Wrapf(gpu.ErrNoAdapter, "unknown driver %q", a.opts.driver)
}

func (a *app) loadPayload() (*payload.Mesh, *payload.Texture, error) {
	mesh := payload.Quad()
	if a.opts.meshPath != "" {
		f, err := os.Open(a.opts.meshPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open mesh")
		}
		defer f.Close()
		if mesh, err = payload.LoadOBJ(f, nil); err != nil {
			return nil, nil, err
		}
	}

	tex := payload.Checker(256, 256, 32, [4]byte{255, 255, 255, 255}, [4]byte{40, 40, 40, 255})
	if a.opts.texPath != "" {
		f, err := os.Open(a.opts.texPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open texture")
		}
		defer f.Close()
		if tex, err = payload.LoadTexture(f); err != nil {
			return nil, nil, err
		}
	}
	return mesh, tex, nil
}

func (a *app) setup() error {
	if err := a.openDriver(); err != nil {
		return err
	}
	w, h := a.win.Size()

	cfg := harness.DefaultConfig()
	cfg.Width, cfg.Height = w, h
	cfg.AdapterHint = a.opts.adapter
	cfg.Frames = a.opts.frames
	cfg.SyncInterval = a.opts.vsync
	cfg.StatsInterval = a.opts.statsEvery

	var err error
	if a.ctx, err = harness.NewContext(a.drv, cfg); err != nil {
		return err
	}
	if a.sub, err = harness.NewSubmitter(a.ctx); err != nil {
		return err
	}
	a.allocator = harness.NewAllocator(a.ctx, a.sub)
	if a.targets, err = harness.NewFrameTargets(a.ctx, a.sub, a.win.Surface()); err != nil {
		return err
	}

	if a.rs, err = harness.BuildRootSignature(a.ctx, harness.TexturedRootSignature()); err != nil {
		return err
	}
	pc := harness.DefaultPipelineConfig(a.rs, payload.InputLayout(), payload.VertexStride, a.vs, a.ps)
	if a.pipeline, err = harness.BuildPipelineState(a.ctx, pc); err != nil {
		return err
	}

	mesh, tex, err := a.loadPayload()
	if err != nil {
		return err
	}
	a.scene, err = harness.NewScene(a.ctx, a.allocator, a.pipeline, mesh, tex)
	return err
}

func (a *app) writeSnapshot(in harness.FrameInput) error {
	t := a.targets.Current()
	if err := a.sub.Frame(t, in); err != nil {
		return err
	}
	img, err := harness.Readback(a.sub, a.allocator, t.Resource)
	if err != nil {
		return err
	}
	f, err := os.Create(a.opts.snapshot)
	if err != nil {
		return errors.Wrap(err, "create snapshot")
	}
	if err := harness.WritePNG(f, img); err != nil {
		f.Close()
		return err
	}
	gpu.Logger().Info("snapshot written", "path", a.opts.snapshot)
	return f.Close()
}

func (a *app) run(ctx context.Context) error {
	if err := a.setup(); err != nil {
		return err
	}

	loop := harness.NewLoop(a.ctx, a.win, a.targets, a.sub, a.scene)
	frames, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	gpu.Logger().Info("loop finished", "frames", frames)

	if a.opts.snapshot != "" {
		return a.writeSnapshot(loop.Input)
	}
	return nil
}

func (a *app) cleanup() {
	if a.sub != nil {
		if err := a.sub.Close(); err != nil {
			gpu.Logger().Error("submitter close", "error", err)
		}
	}
	if a.scene != nil {
		a.scene.Destroy()
	}
	if a.pipeline != nil {
		a.pipeline.Destroy()
	}
	if a.rs != nil {
		a.rs.Destroy()
	}
	if a.targets != nil {
		a.targets.Destroy()
	}
	if a.ctx != nil {
		a.ctx.Close()
	}
	if a.closeDrv != nil {
		a.closeDrv()
	}
	if a.closeWin != nil {
		a.closeWin()
	}
}

func main() {
	opts := parseFlags()

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	gpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := &app{opts: opts}
	err := a.run(ctx)
	a.cleanup()
	if err != nil {
		log.Fatalf("%+v\n", err)
	}
}
