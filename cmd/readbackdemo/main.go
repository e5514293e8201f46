// Command readbackdemo runs a gradient compute shader through the readback
// state machine and writes the copied-back result as a PNG.
//
// The gradient is dispatched once per input; every -toggle frames the color
// changes, which resets the shader and triggers one more dispatch and
// readback. Without a GPU the recording backend emulates the shader.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/readback"
	"github.com/gogpu/readback/backend"
	"github.com/gogpu/readback/backend/recording"
	"github.com/gogpu/readback/gpucore"
)

type config struct {
	width, height int
	scale         int
	frames        int
	toggle        int
	fps           int
	backend       string
	output        string
	verbose       bool
}

func main() {
	var cfg config
	flag.IntVar(&cfg.width, "width", 64, "gradient width in texels")
	flag.IntVar(&cfg.height, "height", 64, "gradient height in texels")
	flag.IntVar(&cfg.scale, "scale", 4, "upscale factor of the written image")
	flag.IntVar(&cfg.frames, "frames", 120, "number of frames to run")
	flag.IntVar(&cfg.toggle, "toggle", 40, "change the gradient color every N frames (0 disables)")
	flag.IntVar(&cfg.fps, "fps", 60, "frame rate")
	flag.StringVar(&cfg.backend, "backend", "", "backend name (wgpu, recording); empty picks the best available")
	flag.StringVar(&cfg.output, "output", "readback.png", "output file")
	flag.BoolVar(&cfg.verbose, "v", false, "enable debug logging")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("readbackdemo: %v", err)
	}
}

func run(ctx context.Context, cfg config) error {
	if cfg.width <= 0 || cfg.height <= 0 || cfg.scale <= 0 || cfg.fps <= 0 {
		return fmt.Errorf("invalid size %dx%d, scale %d or fps %d", cfg.width, cfg.height, cfg.scale, cfg.fps)
	}

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	host, err := openHost(cfg.backend)
	if err != nil {
		return err
	}
	defer host.Close()
	if rec, ok := host.(*recording.Host); ok {
		rec.SetKernel(gradientKernel)
	}
	logger.Info("readbackdemo: backend selected", "backend", host.Name())

	app, err := readback.NewApp(readback.WithHost(host), readback.WithLogger(logger))
	if err != nil {
		return err
	}
	defer app.Close()

	sink := &frameSink{}
	input, err := newGradient(host, uint32(cfg.width), uint32(cfg.height), sink)
	if err != nil {
		return err
	}
	defer host.DestroyBuffer(input.params)
	defer host.DestroyBuffer(input.pixels)

	p, err := readback.Register(app, "gradient", input, readback.WithLimit(readback.Finite(1)))
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second / time.Duration(cfg.fps))
	defer ticker.Stop()

	for i := 1; i <= cfg.frames; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if cfg.toggle > 0 && i%cfg.toggle == 0 {
			input.color = palette[(i/cfg.toggle)%len(palette)]
			if err := host.WriteBuffer(input.params, 0, encodeParams(input.color, input.width, input.height)); err != nil {
				return err
			}
			p.SetInput(input)
			logger.Info("readbackdemo: color changed", "frame", i, "status", p.Status())
		}

		if err := app.Frame(ctx); err != nil {
			return err
		}
	}

	img, frame, n := sink.latest()
	if img == nil {
		return errors.New("no readback completed; run more frames")
	}
	if err := writePNG(cfg.output, img, cfg.scale); err != nil {
		return err
	}
	logger.Info("readbackdemo: image written",
		"output", cfg.output,
		"frame", frame,
		"readbacks", n,
		"status", p.Status())
	return nil
}

// openHost initializes the named backend, or the best available one.
func openHost(name string) (backend.Backend, error) {
	if name == "" {
		return backend.InitDefault()
	}
	b := backend.Get(name)
	if b == nil {
		return nil, fmt.Errorf("%w: %q (available: %v)", backend.ErrBackendNotAvailable, name, backend.Available())
	}
	if err := b.Init(); err != nil {
		return nil, err
	}
	return b, nil
}

func newGradient(host gpucore.ResourceAllocator, width, height uint32, sink *frameSink) (gradient, error) {
	g := gradient{width: width, height: height, color: palette[0], sink: sink}

	var err error
	g.params, err = host.CreateBuffer(paramsSize, gpucore.BufferUsageUniform|gpucore.BufferUsageCopyDst)
	if err != nil {
		return gradient{}, err
	}
	g.pixels, err = host.CreateBuffer(g.byteSize(), gpucore.BufferUsageStorage|gpucore.BufferUsageCopySrc)
	if err != nil {
		host.DestroyBuffer(g.params)
		return gradient{}, err
	}
	if err := host.WriteBuffer(g.params, 0, encodeParams(g.color, width, height)); err != nil {
		host.DestroyBuffer(g.params)
		host.DestroyBuffer(g.pixels)
		return gradient{}, err
	}
	return g, nil
}

// writePNG upscales img by scale and saves it.
func writePNG(path string, img image.Image, scale int) (err error) {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return png.Encode(f, dst)
}
