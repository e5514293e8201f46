package readback

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/readback/gpucore"
)

// Key identifies a registered shader. It is assigned once at registration.
type Key string

// ComputeShader describes a compute workload and its input.
//
// Shader and Layout are read once, at registration. Workgroups and Bindings
// are read from the newest input every frame. An input may also implement
// ReadbackSource and ReadbackHandler.
type ComputeShader interface {
	// Shader returns the compute shader source.
	Shader() gpucore.ShaderSource

	// Workgroups returns the dispatch size.
	Workgroups() gpucore.Extent3D

	// Layout returns the entries of bind group 0.
	Layout() []gpucore.BindGroupLayoutEntry

	// Bindings returns the resources bound to group 0.
	Bindings() []gpucore.BindGroupEntry
}

// registration is the type-erased view of a Plugin used by App.
type registration interface {
	key() Key
	appStage() error
	extract(frame uint64)
	prepare(alloc gpucore.BindGroupAllocator) error
	syncState(frame uint64)
	release()
}

// Plugin is the registration of one compute shader with an App.
//
// SetInput, Input, Status and Subscribe belong to the app context. The
// render-side state is only touched by App.UpdateRender.
type Plugin[S ComputeShader] struct {
	app *App
	k   Key
	cfg PluginConfig

	input inputCell[S]

	render    S
	renderGen uint64
	pipelines *PipelineRegistry
	state     *NodeState
	bindings  *BindGroupCache
	node      *Node
	inGraph   bool
	sync      *Synchronizer

	appState   *AppState
	controller *ReadbackController
	// readbackGen is the input generation the readback request was taken from.
	readbackGen uint64

	released atomic.Bool
}

// Register adds a compute shader to app under key, queues its pipeline and
// adds its node to the render graph. The node starts in Loading.
//
// If the input implements ReadbackHandler, every completion event is passed
// to the OnReadback method of the input current at delivery time.
func Register[S ComputeShader](app *App, key Key, input S, opts ...Option) (*Plugin[S], error) {
	if key == "" {
		return nil, errors.New("readback: register: empty key")
	}

	cfg := defaultPluginConfig(key)
	for _, opt := range opts {
		opt(&cfg)
	}

	app.mu.Lock()
	defer app.mu.Unlock()
	if _, ok := app.regs[key]; ok {
		return nil, fmt.Errorf("register %q: %w", key, ErrDuplicateKey)
	}

	pipelines, err := NewPipelineRegistry(app.host, cfg.Label, input.Shader(), input.Layout(), cfg.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", key, err)
	}

	p := &Plugin[S]{
		app:        app,
		k:          key,
		cfg:        cfg,
		pipelines:  pipelines,
		state:      NewNodeState(cfg.Limit),
		bindings:   NewBindGroupCache(cfg.Label),
		appState:   NewAppState(),
		controller: NewReadbackController(key, app.host),
	}
	p.sync = NewSynchronizer(p.state, p.appState)
	p.node = NewNode(key, p.state, pipelines, p.bindings, func() gpucore.Extent3D {
		return p.render.Workgroups()
	})
	p.readbackGen = p.input.set(input)

	if _, ok := any(input).(ReadbackHandler); ok {
		p.controller.Subscribe(func(ev gpucore.CompletionEvent) {
			if h, ok := any(p.Input()).(ReadbackHandler); ok {
				h.OnReadback(ev)
			}
		})
	}

	app.renderMu.Lock()
	err = app.graph.AddNode(p.node)
	app.renderMu.Unlock()
	if err != nil {
		pipelines.Release()
		return nil, fmt.Errorf("register %q: %w", key, err)
	}
	p.inGraph = true

	app.regs[key] = p
	app.order = append(app.order, key)

	Logger().Info("readback: shader registered", "key", key, "limit", cfg.Limit,
		"remove_on_complete", cfg.RemoveOnComplete)
	return p, nil
}

// Key returns the registration key.
func (p *Plugin[S]) Key() Key { return p.k }

// Config returns the resolved configuration.
func (p *Plugin[S]) Config() PluginConfig { return p.cfg }

// SetInput replaces the shader input. The next frame resets the node to
// Loading, rebuilds its bind group and, if a readback is attached, attaches
// the new input's target instead. A node removed on completion is not reset.
func (p *Plugin[S]) SetInput(input S) {
	gen := p.input.set(input)
	Logger().Debug("readback: input changed", "key", p.k, "generation", gen)
}

// Input returns the newest shader input.
func (p *Plugin[S]) Input() S {
	v, _ := p.input.load()
	return v
}

// Status returns the app-side status, which lags the render side by one frame.
func (p *Plugin[S]) Status() Status { return p.appState.Status() }

// AppState returns the app-side status mirror.
func (p *Plugin[S]) AppState() *AppState { return p.appState }

// Subscribe registers fn for completion events of this shader's readback.
func (p *Plugin[S]) Subscribe(fn func(gpucore.CompletionEvent)) func() {
	return p.controller.Subscribe(fn)
}

// Readback returns the attached readback request, if any. It is present
// exactly while Status is Ready, as of the latest app stage.
func (p *Plugin[S]) Readback() (gpucore.ReadbackID, bool) {
	return p.controller.Attached()
}

// InGraph reports whether the node is still in the render graph.
func (p *Plugin[S]) InGraph() bool {
	p.app.renderMu.Lock()
	defer p.app.renderMu.Unlock()
	return p.inGraph
}

func (p *Plugin[S]) key() Key { return p.k }

func (p *Plugin[S]) appStage() error {
	if p.released.Load() {
		return nil
	}
	status := p.appState.Status()
	p.controller.Deliver()
	if _, gen := p.input.load(); gen != p.readbackGen {
		p.readbackGen = gen
		if err := p.controller.Retarget(p.readbackSource); err != nil {
			return err
		}
	}
	return p.controller.Evaluate(status, p.readbackSource)
}

func (p *Plugin[S]) readbackSource() (gpucore.ReadbackTarget, bool) {
	if rs, ok := any(p.Input()).(ReadbackSource); ok {
		return rs.Readback()
	}
	return gpucore.ReadbackTarget{}, false
}

func (p *Plugin[S]) extract(frame uint64) {
	v, gen := p.input.load()
	if gen != p.renderGen {
		p.render, p.renderGen = v, gen
		if p.inGraph && p.state.Reset() {
			Logger().Debug("readback: node reset", "key", p.k, "frame", frame)
		}
	}

	if p.cfg.RemoveOnComplete && p.inGraph && p.state.Status() == StatusCompleted {
		if err := p.app.graph.RemoveNode(p.k); err == nil {
			Logger().Info("readback: node removed on completion", "key", p.k, "frame", frame)
		}
		p.inGraph = false
		p.bindings.Release()
	}
}

func (p *Plugin[S]) prepare(alloc gpucore.BindGroupAllocator) error {
	if !p.inGraph {
		return nil
	}
	return p.bindings.Prepare(alloc, p.pipelines.Layout(), p.render, p.renderGen)
}

func (p *Plugin[S]) syncState(frame uint64) {
	p.sync.Sync(frame)
}

// release runs with the app's render lock held.
func (p *Plugin[S]) release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.inGraph {
		_ = p.app.graph.RemoveNode(p.k)
		p.inGraph = false
	}
	p.controller.Close()
	p.bindings.Release()
	p.pipelines.Release()
}

var _ registration = (*Plugin[ComputeShader])(nil)
