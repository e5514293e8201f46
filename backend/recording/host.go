package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gogpu/readback/backend"
	"github.com/gogpu/readback/gpucore"
)

// Errors returned by the recording host.
var (
	// ErrNotInFrame is returned when recording outside BeginFrame/EndFrame.
	ErrNotInFrame = errors.New("recording: no frame in progress")

	// ErrFrameOpen is returned by BeginFrame when the previous frame was not ended.
	ErrFrameOpen = errors.New("recording: frame already open")

	// ErrPipelineNotReady is returned when dispatching a pipeline that is not compiled.
	ErrPipelineNotReady = errors.New("recording: pipeline not ready")

	// ErrUnknownResource is returned when an ID does not name a live resource.
	ErrUnknownResource = errors.New("recording: unknown resource")

	// ErrBindingMismatch is returned when bind group entries do not match the layout.
	ErrBindingMismatch = errors.New("recording: binding does not match layout")
)

func init() {
	backend.Register(backend.BackendRecording, func() backend.Backend {
		return New()
	})
}

// Dispatch is one recorded compute dispatch.
type Dispatch struct {
	Frame      uint64
	Pipeline   gpucore.ComputePipelineID
	BindGroup  gpucore.BindGroupID
	Workgroups gpucore.Extent3D
	Label      string
}

// Kernel emulates a compute shader on the CPU. It runs at submission, once
// per recorded dispatch, and may modify the bound buffers in place.
type Kernel func(d Dispatch, group gpucore.BindGroupDesc, buffers map[gpucore.BufferID][]byte)

// Stats counts live resources.
type Stats struct {
	Layouts    int
	Pipelines  int
	BindGroups int
	Buffers    int
	Textures   int
	Readbacks  int
}

type pipeline struct {
	desc     gpucore.ComputePipelineDesc
	state    gpucore.PipelineState
	dueFrame uint64
	failWith error
	scripted bool
}

type texture struct {
	width, height uint32
	format        gpucore.TextureFormat
	data          []byte
}

type readback struct {
	target gpucore.ReadbackTarget
	seq    uint64
	done   []gpucore.CompletionEvent
}

// Host is a deterministic in-memory gpucore.Host.
//
// Pipelines compile after a configurable number of frames, dispatches are
// recorded instead of executed (unless a Kernel is set), and readback copies
// taken at EndFrame can be drained right after it, which the app stage of
// the next frame does.
type Host struct {
	mu sync.Mutex

	nextID uint64
	frame  uint64
	open   bool

	compileAfter uint64
	compileErr   error
	bindErr      error
	submitErr    error
	kernel       Kernel

	layouts    map[gpucore.BindGroupLayoutID]gpucore.BindGroupLayoutDesc
	pipelines  map[gpucore.ComputePipelineID]*pipeline
	bindGroups map[gpucore.BindGroupID]gpucore.BindGroupDesc
	buffers    map[gpucore.BufferID][]byte
	textures   map[gpucore.TextureID]*texture
	readbacks  map[gpucore.ReadbackID]*readback

	pending    []Dispatch
	dispatches []Dispatch
}

// New returns a host whose pipelines compile in the first frame after
// they are queued.
func New() *Host {
	return &Host{
		compileAfter: 1,
		layouts:      make(map[gpucore.BindGroupLayoutID]gpucore.BindGroupLayoutDesc),
		pipelines:    make(map[gpucore.ComputePipelineID]*pipeline),
		bindGroups:   make(map[gpucore.BindGroupID]gpucore.BindGroupDesc),
		buffers:      make(map[gpucore.BufferID][]byte),
		textures:     make(map[gpucore.TextureID]*texture),
		readbacks:    make(map[gpucore.ReadbackID]*readback),
	}
}

// Name returns "recording".
func (h *Host) Name() string { return backend.BackendRecording }

// Init is a no-op.
func (h *Host) Init() error { return nil }

// Close releases every resource.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.layouts)
	clear(h.pipelines)
	clear(h.bindGroups)
	clear(h.buffers)
	clear(h.textures)
	clear(h.readbacks)
	h.pending = nil
}

// SetLogger sets the logger of the recording backend.
func (h *Host) SetLogger(l *slog.Logger) { setLogger(l) }

// CompileAfter makes pipelines queued from now on become ready at the
// BeginFrame of the frame n frames after the one they were queued in.
// Pipelines queued before the first frame count from frame 0.
// Zero makes them ready immediately.
func (h *Host) CompileAfter(n int) {
	h.mu.Lock()
	h.compileAfter = uint64(max(n, 0))
	h.mu.Unlock()
}

// FailCompile makes pipelines queued from now on fail with err when their
// compilation finishes. A nil err restores successful compilation.
func (h *Host) FailCompile(err error) {
	h.mu.Lock()
	h.compileErr = err
	h.mu.Unlock()
}

// FailBindGroups makes CreateBindGroup fail with err. A nil err restores success.
func (h *Host) FailBindGroups(err error) {
	h.mu.Lock()
	h.bindErr = err
	h.mu.Unlock()
}

// FailSubmit makes EndFrame fail with err. A nil err restores success.
func (h *Host) FailSubmit(err error) {
	h.mu.Lock()
	h.submitErr = err
	h.mu.Unlock()
}

// SetKernel installs a CPU emulation run for every dispatch at submission.
func (h *Host) SetKernel(k Kernel) {
	h.mu.Lock()
	h.kernel = k
	h.mu.Unlock()
}

// SetPipelineState overrides the compile state of a pipeline. The host no
// longer advances it on its own.
func (h *Host) SetPipelineState(id gpucore.ComputePipelineID, st gpucore.PipelineState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pipelines[id]; ok {
		p.state = st
		p.scripted = true
	}
}

// Frame returns the number of the frame last begun.
func (h *Host) Frame() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame
}

// Dispatches returns every submitted dispatch in order.
func (h *Host) Dispatches() []Dispatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.dispatches)
}

// DispatchesIn returns the dispatches submitted in frame.
func (h *Host) DispatchesIn(frame uint64) []Dispatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Dispatch
	for _, d := range h.dispatches {
		if d.Frame == frame {
			out = append(out, d)
		}
	}
	return out
}

// Stats returns the number of live resources of each kind.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Layouts:    len(h.layouts),
		Pipelines:  len(h.pipelines),
		BindGroups: len(h.bindGroups),
		Buffers:    len(h.buffers),
		Textures:   len(h.textures),
		Readbacks:  len(h.readbacks),
	}
}

// ReadBuffer returns a copy of a buffer's contents.
func (h *Host) ReadBuffer(id gpucore.BufferID) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.buffers[id]
	if !ok {
		return nil, fmt.Errorf("read buffer %d: %w", id, ErrUnknownResource)
	}
	return slices.Clone(data), nil
}

func (h *Host) newID() uint64 {
	h.nextID++
	return h.nextID
}

// CreateBindGroupLayout implements gpucore.PipelineCompiler.
func (h *Host) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := gpucore.BindGroupLayoutID(h.newID())
	h.layouts[id] = gpucore.BindGroupLayoutDesc{Label: desc.Label, Entries: slices.Clone(desc.Entries)}
	return id, nil
}

// DestroyBindGroupLayout implements gpucore.PipelineCompiler.
func (h *Host) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {
	h.mu.Lock()
	delete(h.layouts, id)
	h.mu.Unlock()
}

// QueueComputePipeline implements gpucore.PipelineCompiler.
func (h *Host) QueueComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.layouts[desc.Layout]; !ok {
		return gpucore.InvalidID, fmt.Errorf("queue pipeline %q: layout %d: %w", desc.Label, desc.Layout, ErrUnknownResource)
	}

	id := gpucore.ComputePipelineID(h.newID())
	p := &pipeline{
		desc:     *desc,
		state:    gpucore.Queued(),
		dueFrame: h.frame + h.compileAfter,
		failWith: h.compileErr,
	}
	if h.compileAfter == 0 {
		p.state = finished(p)
	}
	h.pipelines[id] = p
	slogger().Debug("recording: pipeline queued", "label", desc.Label, "id", id, "due_frame", p.dueFrame)
	return id, nil
}

func finished(p *pipeline) gpucore.PipelineState {
	if p.failWith != nil {
		return gpucore.Failed(p.failWith)
	}
	return gpucore.Ready()
}

// PipelineState implements gpucore.PipelineCompiler.
func (h *Host) PipelineState(id gpucore.ComputePipelineID) gpucore.PipelineState {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pipelines[id]
	if !ok {
		return gpucore.Failed(fmt.Errorf("pipeline %d: %w", id, ErrUnknownResource))
	}
	return p.state
}

// DestroyComputePipeline implements gpucore.PipelineCompiler.
func (h *Host) DestroyComputePipeline(id gpucore.ComputePipelineID) {
	h.mu.Lock()
	delete(h.pipelines, id)
	h.mu.Unlock()
}

// CreateBindGroup implements gpucore.BindGroupAllocator. Every entry must
// name a binding of the layout and a live buffer.
func (h *Host) CreateBindGroup(desc *gpucore.BindGroupDesc) (gpucore.BindGroupID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bindErr != nil {
		return gpucore.InvalidID, h.bindErr
	}

	layout, ok := h.layouts[desc.Layout]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("bind group %q: layout %d: %w", desc.Label, desc.Layout, ErrUnknownResource)
	}
	if len(desc.Entries) != len(layout.Entries) {
		return gpucore.InvalidID, fmt.Errorf("bind group %q: %d entries for %d bindings: %w",
			desc.Label, len(desc.Entries), len(layout.Entries), ErrBindingMismatch)
	}
	for _, e := range desc.Entries {
		if !slices.ContainsFunc(layout.Entries, func(l gpucore.BindGroupLayoutEntry) bool { return l.Binding == e.Binding }) {
			return gpucore.InvalidID, fmt.Errorf("bind group %q: binding %d: %w", desc.Label, e.Binding, ErrBindingMismatch)
		}
		if _, ok := h.buffers[e.Buffer]; !ok {
			return gpucore.InvalidID, fmt.Errorf("bind group %q: buffer %d: %w", desc.Label, e.Buffer, ErrUnknownResource)
		}
	}

	id := gpucore.BindGroupID(h.newID())
	h.bindGroups[id] = gpucore.BindGroupDesc{Label: desc.Label, Layout: desc.Layout, Entries: slices.Clone(desc.Entries)}
	return id, nil
}

// DestroyBindGroup implements gpucore.BindGroupAllocator.
func (h *Host) DestroyBindGroup(id gpucore.BindGroupID) {
	h.mu.Lock()
	delete(h.bindGroups, id)
	h.mu.Unlock()
}

// CreateBuffer implements gpucore.ResourceAllocator.
func (h *Host) CreateBuffer(size uint64, _ gpucore.BufferUsage) (gpucore.BufferID, error) {
	if size == 0 {
		return gpucore.InvalidID, errors.New("recording: zero-size buffer")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := gpucore.BufferID(h.newID())
	h.buffers[id] = make([]byte, size)
	return id, nil
}

// WriteBuffer implements gpucore.ResourceAllocator.
func (h *Host) WriteBuffer(buf gpucore.BufferID, offset uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dst, ok := h.buffers[buf]
	if !ok {
		return fmt.Errorf("write buffer %d: %w", buf, ErrUnknownResource)
	}
	if offset+uint64(len(data)) > uint64(len(dst)) {
		return fmt.Errorf("write buffer %d: %d bytes at offset %d overflow size %d", buf, len(data), offset, len(dst))
	}
	copy(dst[offset:], data)
	return nil
}

// DestroyBuffer implements gpucore.ResourceAllocator.
func (h *Host) DestroyBuffer(id gpucore.BufferID) {
	h.mu.Lock()
	delete(h.buffers, id)
	h.mu.Unlock()
}

// CreateTexture implements gpucore.ResourceAllocator.
func (h *Host) CreateTexture(width, height uint32, format gpucore.TextureFormat) (gpucore.TextureID, error) {
	size := uint64(width) * uint64(height) * uint64(format.BytesPerPixel())
	if size == 0 {
		return gpucore.InvalidID, fmt.Errorf("recording: empty texture %dx%d format %d", width, height, format)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := gpucore.TextureID(h.newID())
	h.textures[id] = &texture{width: width, height: height, format: format, data: make([]byte, size)}
	return id, nil
}

// WriteTexture implements gpucore.ResourceAllocator.
func (h *Host) WriteTexture(tex gpucore.TextureID, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.textures[tex]
	if !ok {
		return fmt.Errorf("write texture %d: %w", tex, ErrUnknownResource)
	}
	if len(data) != len(t.data) {
		return fmt.Errorf("write texture %d: got %d bytes, want %d", tex, len(data), len(t.data))
	}
	copy(t.data, data)
	return nil
}

// DestroyTexture implements gpucore.ResourceAllocator.
func (h *Host) DestroyTexture(id gpucore.TextureID) {
	h.mu.Lock()
	delete(h.textures, id)
	h.mu.Unlock()
}

// Attach implements gpucore.ReadbackService.
func (h *Host) Attach(target gpucore.ReadbackTarget) (gpucore.ReadbackID, error) {
	if err := target.Validate(); err != nil {
		return gpucore.InvalidID, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if target.IsTexture() {
		if _, ok := h.textures[target.Texture]; !ok {
			return gpucore.InvalidID, fmt.Errorf("attach texture %d: %w", target.Texture, ErrUnknownResource)
		}
	} else if _, ok := h.buffers[target.Buffer]; !ok {
		return gpucore.InvalidID, fmt.Errorf("attach buffer %d: %w", target.Buffer, ErrUnknownResource)
	}
	id := gpucore.ReadbackID(h.newID())
	h.readbacks[id] = &readback{target: target}
	return id, nil
}

// Detach implements gpucore.ReadbackService. Undrained copies are dropped.
func (h *Host) Detach(id gpucore.ReadbackID) {
	h.mu.Lock()
	delete(h.readbacks, id)
	h.mu.Unlock()
}

// Drain implements gpucore.ReadbackService.
func (h *Host) Drain(id gpucore.ReadbackID) []gpucore.CompletionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	rb, ok := h.readbacks[id]
	if !ok {
		return nil
	}
	out := rb.done
	rb.done = nil
	return out
}

// Dispatch implements gpucore.CommandSubmitter.
func (h *Host) Dispatch(pipe gpucore.ComputePipelineID, group gpucore.BindGroupID, workgroups gpucore.Extent3D) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		return ErrNotInFrame
	}
	p, ok := h.pipelines[pipe]
	if !ok {
		return fmt.Errorf("dispatch pipeline %d: %w", pipe, ErrUnknownResource)
	}
	if p.state.State != gpucore.CompileReady {
		return fmt.Errorf("dispatch %q: %w", p.desc.Label, ErrPipelineNotReady)
	}
	if _, ok := h.bindGroups[group]; !ok {
		return fmt.Errorf("dispatch %q: bind group %d: %w", p.desc.Label, group, ErrUnknownResource)
	}
	h.pending = append(h.pending, Dispatch{
		Frame:      h.frame,
		Pipeline:   pipe,
		BindGroup:  group,
		Workgroups: workgroups,
		Label:      p.desc.Label,
	})
	return nil
}

// BeginFrame implements gpucore.Host. It advances pipeline compilation.
func (h *Host) BeginFrame(frame uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open {
		return fmt.Errorf("begin frame %d: %w", frame, ErrFrameOpen)
	}
	h.open = true
	h.frame = frame

	for id, p := range h.pipelines {
		if p.scripted || !p.state.Pending() {
			continue
		}
		if frame >= p.dueFrame {
			p.state = finished(p)
			slogger().Debug("recording: pipeline compiled", "id", id, "state", p.state.State)
		} else {
			p.state = gpucore.Compiling()
		}
	}
	return nil
}

// EndFrame implements gpucore.Host. It runs the kernel for each recorded
// dispatch, then copies every attached readback target.
func (h *Host) EndFrame(frame uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		return fmt.Errorf("end frame %d: %w", frame, ErrNotInFrame)
	}
	h.open = false

	pending := h.pending
	h.pending = nil
	if h.submitErr != nil {
		return h.submitErr
	}

	for _, d := range pending {
		if h.kernel != nil {
			h.kernel(d, h.bindGroups[d.BindGroup], h.buffers)
		}
	}
	h.dispatches = append(h.dispatches, pending...)

	for id, rb := range h.readbacks {
		data, ok := h.snapshot(rb.target)
		if !ok {
			slogger().Warn("recording: readback source destroyed", "id", id)
			continue
		}
		rb.seq++
		rb.done = append(rb.done, gpucore.CompletionEvent{ID: id, Seq: rb.seq, Frame: frame, Data: data})
	}
	return nil
}

func (h *Host) snapshot(t gpucore.ReadbackTarget) ([]byte, bool) {
	if t.IsTexture() {
		tex, ok := h.textures[t.Texture]
		if !ok {
			return nil, false
		}
		return slices.Clone(tex.data), true
	}
	buf, ok := h.buffers[t.Buffer]
	if !ok {
		return nil, false
	}
	n := min(t.Size, uint64(len(buf)))
	return slices.Clone(buf[:n]), true
}

var _ backend.Backend = (*Host)(nil)
