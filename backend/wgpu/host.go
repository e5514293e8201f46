//go:build !nogpu

package wgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/readback/backend"
	"github.com/gogpu/readback/gpucore"
	"github.com/gogpu/wgpu/hal"

	// Register the Vulkan HAL backend for standalone devices.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Errors returned by the wgpu host.
var (
	// ErrNotInFrame is returned when recording outside BeginFrame/EndFrame.
	ErrNotInFrame = errors.New("wgpu: no frame in progress")

	// ErrFrameOpen is returned by BeginFrame when the previous frame was not ended.
	ErrFrameOpen = errors.New("wgpu: frame already open")

	// ErrPipelineNotReady is returned when dispatching a pipeline that is not compiled.
	ErrPipelineNotReady = errors.New("wgpu: pipeline not ready")

	// ErrUnknownResource is returned when an ID does not name a live resource.
	ErrUnknownResource = errors.New("wgpu: unknown resource")

	// ErrBindingMismatch is returned when bind group entries do not match the layout.
	ErrBindingMismatch = errors.New("wgpu: binding does not match layout")

	// ErrNoProvider is returned when a device provider does not expose HAL types.
	ErrNoProvider = errors.New("wgpu: provider does not expose HAL types")
)

// closeTimeout bounds how long Close waits for in-flight submissions.
const closeTimeout = 5 * time.Second

func init() {
	backend.Register(backend.BackendWGPU, func() backend.Backend {
		return New(nil, nil)
	})
}

// Option configures a Host.
type Option func(*config)

type config struct {
	workers   int64
	cacheSize int
}

func defaultConfig() config {
	return config{workers: 2, cacheSize: 64}
}

// WithCompileWorkers sets how many shaders compile concurrently.
// Values below one are ignored.
func WithCompileWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = int64(n)
		}
	}
}

// WithModuleCacheSize sets how many compiled shader modules are kept.
// Values below one are ignored.
func WithModuleCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// Host is a gpucore.Host backed by a wgpu HAL device.
//
// Host is safe for concurrent use, but frames must be driven from one
// goroutine at a time.
type Host struct {
	mu sync.Mutex

	cfg      config
	compiler *compiler

	device   hal.Device
	queue    hal.Queue
	instance hal.Instance
	external bool
	adapter  string

	nextID uint64
	frame  uint64

	encoder    hal.CommandEncoder
	dispatched int

	layouts    map[gpucore.BindGroupLayoutID]*layout
	pipelines  map[gpucore.ComputePipelineID]*pipeline
	bindGroups map[gpucore.BindGroupID]hal.BindGroup
	buffers    map[gpucore.BufferID]*buffer
	textures   map[gpucore.TextureID]*texture
	readbacks  map[gpucore.ReadbackID]*readback

	inflight  []*submission
	submitted uint64
	completed uint64
	retired   []retiredResource
}

// New returns a host using device and queue. The caller keeps ownership of
// the device. With a nil device, Init opens a Vulkan device owned by the host.
func New(device hal.Device, queue hal.Queue, opts ...Option) *Host {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Host{
		cfg:        cfg,
		device:     device,
		queue:      queue,
		external:   device != nil,
		layouts:    make(map[gpucore.BindGroupLayoutID]*layout),
		pipelines:  make(map[gpucore.ComputePipelineID]*pipeline),
		bindGroups: make(map[gpucore.BindGroupID]hal.BindGroup),
		buffers:    make(map[gpucore.BufferID]*buffer),
		textures:   make(map[gpucore.TextureID]*texture),
		readbacks:  make(map[gpucore.ReadbackID]*readback),
	}
}

// Open returns an initialized host on its own Vulkan device.
func Open(opts ...Option) (*Host, error) {
	h := New(nil, nil, opts...)
	if err := h.Init(); err != nil {
		return nil, err
	}
	return h, nil
}

// NewFromProvider returns a host sharing the device of provider, which must
// implement HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue. The returned host is initialized.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Host, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoProvider)
	}
	h := New(device, queue, opts...)
	if err := h.Init(); err != nil {
		return nil, err
	}
	slogger().Debug("wgpu: using shared GPU device")
	return h, nil
}

// Name returns "wgpu".
func (h *Host) Name() string { return backend.BackendWGPU }

// Adapter returns the name of the adapter opened by Init, or "" for a
// shared device.
func (h *Host) Adapter() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.adapter
}

// SetLogger sets the logger of the wgpu backend.
func (h *Host) SetLogger(l *slog.Logger) { setLogger(l) }

// Init opens a Vulkan device when the host has none and starts the shader
// compiler. Calling Init again is a no-op.
func (h *Host) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.compiler != nil {
		return nil
	}
	if h.device == nil {
		if err := h.openDevice(); err != nil {
			return err
		}
	}
	c, err := newCompiler(h.cfg.workers, h.cfg.cacheSize)
	if err != nil {
		h.releaseDevice()
		return err
	}
	h.compiler = c
	return nil
}

// openDevice mirrors the standalone accelerator setup: first discrete or
// integrated adapter, default limits, no optional features.
func (h *Host) openDevice() error {
	be, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("%w: vulkan", backend.ErrBackendNotAvailable)
	}
	instance, err := be.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("wgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("%w: no GPU adapters found", backend.ErrBackendNotAvailable)
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("wgpu: open device: %w", err)
	}
	h.instance = instance
	h.device = openDev.Device
	h.queue = openDev.Queue
	h.external = false
	h.adapter = selected.Info.Name
	slogger().Info("wgpu: GPU initialized (standalone)", "adapter", selected.Info.Name)
	return nil
}

func (h *Host) releaseDevice() {
	if !h.external {
		if h.device != nil {
			h.device.Destroy()
		}
		if h.instance != nil {
			h.instance.Destroy()
		}
	}
	h.device = nil
	h.queue = nil
	h.instance = nil
}

// Close waits for in-flight submissions, then releases every resource and,
// when the host opened it, the device. The host cannot be used afterwards.
func (h *Host) Close() {
	h.mu.Lock()
	c := h.compiler
	h.compiler = nil
	h.mu.Unlock()

	// Compile goroutines never take h.mu, so waiting here cannot deadlock.
	if c != nil {
		c.close()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.device == nil {
		return
	}
	if h.encoder != nil {
		h.encoder.DiscardEncoding()
		h.encoder = nil
	}
	for _, s := range h.inflight {
		if ok, err := h.device.Wait(s.fence, 1, closeTimeout); err != nil || !ok {
			slogger().Warn("wgpu: submission did not finish before close", "frame", s.frame, "error", err)
		}
		h.releaseSubmission(s)
	}
	h.inflight = nil
	h.completed = h.submitted
	h.runRetired()

	for _, p := range h.pipelines {
		h.destroyPipeline(p)
	}
	for _, g := range h.bindGroups {
		h.device.DestroyBindGroup(g)
	}
	for _, b := range h.buffers {
		h.device.DestroyBuffer(b.raw)
	}
	for _, t := range h.textures {
		h.device.DestroyTexture(t.raw)
	}
	for _, l := range h.layouts {
		h.device.DestroyBindGroupLayout(l.raw)
	}
	clear(h.pipelines)
	clear(h.bindGroups)
	clear(h.buffers)
	clear(h.textures)
	clear(h.layouts)
	clear(h.readbacks)

	h.releaseDevice()
}

func (h *Host) newID() uint64 {
	h.nextID++
	return h.nextID
}

// ready returns ErrNotInitialized until Init has run.
func (h *Host) ready() error {
	if h.device == nil || h.compiler == nil {
		return backend.ErrNotInitialized
	}
	return nil
}

var _ backend.Backend = (*Host)(nil)
