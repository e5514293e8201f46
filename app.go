package readback

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"

	"github.com/gogpu/readback/gpucore"
)

// System is user code run in the app stage of every frame.
type System func(ctx context.Context, app *App) error

// App schedules registered compute shaders frame by frame.
//
// A frame is UpdateApp followed by UpdateRender. A pipelining host may call
// the two from different goroutines; Register, Unregister and AddSystem
// belong to the app context.
type App struct {
	host  gpucore.Host
	graph *RenderGraph

	mu      sync.Mutex
	regs    map[Key]registration
	order   []Key
	systems []System

	failMu sync.Mutex
	failed error

	// renderMu guards the render graph and render-side plugin state.
	renderMu sync.Mutex

	frameGuard  guard
	appGuard    guard
	renderGuard guard

	frames atomic.Uint64
}

// NewApp creates an App driving the host given with WithHost.
func NewApp(opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.host == nil {
		return nil, ErrNoHost
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}
	propagateLogger(o.host, Logger())

	return &App{
		host:  o.host,
		graph: NewRenderGraph(),
		regs:  make(map[Key]registration),
	}, nil
}

// Host returns the GPU host.
func (a *App) Host() gpucore.Host { return a.host }

// Graph returns the render graph. It must only be used between frames.
func (a *App) Graph() *RenderGraph { return a.graph }

// Frames returns the number of completed render updates.
func (a *App) Frames() uint64 { return a.frames.Load() }

// Keys returns the registered keys in registration order.
func (a *App) Keys() []Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.order)
}

// AddSystem appends a system to the app stage.
func (a *App) AddSystem(s System) {
	a.mu.Lock()
	a.systems = append(a.systems, s)
	a.mu.Unlock()
}

// Unregister removes the shader registered under key: its node leaves the
// graph, its readback is detached, and its GPU objects are released.
// Dispatches already submitted still run to completion.
func (a *App) Unregister(key Key) error {
	a.mu.Lock()
	r, ok := a.regs[key]
	if ok {
		delete(a.regs, key)
		a.order = slices.DeleteFunc(a.order, func(k Key) bool { return k == key })
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unregister %q: %w", key, ErrUnknownKey)
	}

	a.renderMu.Lock()
	r.release()
	a.renderMu.Unlock()

	Logger().Info("readback: shader unregistered", "key", key)
	return nil
}

// Close unregisters every shader. The host is not closed.
func (a *App) Close() {
	for _, k := range a.Keys() {
		_ = a.Unregister(k)
	}
}

// Err returns the fatal error that stopped the App, or nil.
func (a *App) Err() error {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	return a.failed
}

// Frame runs one full frame: UpdateApp then UpdateRender.
func (a *App) Frame(ctx context.Context) error {
	if err := a.frameGuard.enter(); err != nil {
		return err
	}
	defer a.frameGuard.exit()

	if err := a.UpdateApp(ctx); err != nil {
		return err
	}
	return a.UpdateRender(ctx)
}

// RunFrames runs n frames and stops at the first error or when ctx is done.
func (a *App) RunFrames(ctx context.Context, n int) error {
	for range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.Frame(ctx); err != nil {
			return err
		}
	}
	return nil
}

// UpdateApp runs the app stage: readback transitions and completion
// delivery for every shader, then every system.
func (a *App) UpdateApp(ctx context.Context) error {
	if err := a.appGuard.enter(); err != nil {
		return err
	}
	defer a.appGuard.exit()

	if err := a.checkFailed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	regs, systems := a.snapshot()
	for _, r := range regs {
		if err := r.appStage(); err != nil {
			return a.fail(StageApp, err)
		}
	}
	for _, s := range systems {
		if err := s(ctx, a); err != nil {
			return &stageError{stage: StageApp, err: err}
		}
	}
	return nil
}

// UpdateRender runs the render stages of one frame in order: extract,
// prepare, graph, submit, sync. ctx is checked before extract only; a frame
// whose nodes have been updated always runs through sync.
func (a *App) UpdateRender(ctx context.Context) error {
	if err := a.renderGuard.enter(); err != nil {
		return err
	}
	defer a.renderGuard.exit()

	if err := a.checkFailed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	regs, _ := a.snapshot()

	a.renderMu.Lock()
	defer a.renderMu.Unlock()

	frame := a.frames.Load() + 1

	for _, stage := range renderStages {
		if err := a.runStage(ctx, stage, frame, regs); err != nil {
			return a.fail(stage, err)
		}
	}

	a.frames.Store(frame)
	return nil
}

func (a *App) runStage(ctx context.Context, stage Stage, frame uint64, regs []registration) error {
	switch stage {
	case StageExtract:
		for _, r := range regs {
			r.extract(frame)
		}
	case StagePrepare:
		if err := a.host.BeginFrame(frame); err != nil {
			return fmt.Errorf("begin frame %d: %w", frame, err)
		}
		for _, r := range regs {
			if err := r.prepare(a.host); err != nil {
				return err
			}
		}
	case StageGraph:
		a.graph.Update()
		if err := a.graph.Run(ctx, a.host); err != nil {
			return err
		}
	case StageSubmit:
		if err := a.host.EndFrame(frame); err != nil {
			return fmt.Errorf("end frame %d: %w", frame, err)
		}
	case StageSync:
		for _, r := range regs {
			r.syncState(frame)
		}
	}
	return nil
}

func (a *App) snapshot() ([]registration, []System) {
	a.mu.Lock()
	defer a.mu.Unlock()
	regs := make([]registration, 0, len(a.order))
	for _, k := range a.order {
		regs = append(regs, a.regs[k])
	}
	return regs, slices.Clone(a.systems)
}

// fail latches err as the App's fatal error.
func (a *App) fail(stage Stage, err error) error {
	se := &stageError{stage: stage, fatal: true, err: err}
	a.failMu.Lock()
	if a.failed == nil {
		a.failed = se
	}
	a.failMu.Unlock()
	Logger().Warn("readback: app failed", "stage", stage, "err", err)
	return se
}

func (a *App) checkFailed() error {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	if a.failed != nil {
		return fmt.Errorf("%w: %w", ErrAppFailed, a.failed)
	}
	return nil
}

// guard admits one goroutine at a time and tells re-entry from contention.
type guard struct {
	owner atomic.Int64
}

func (g *guard) enter() error {
	id := goid.Get()
	if g.owner.CompareAndSwap(0, id) {
		return nil
	}
	if g.owner.Load() == id {
		return ErrReentrantFrame
	}
	return ErrFrameInProgress
}

func (g *guard) exit() {
	g.owner.Store(0)
}
