//go:build !nogpu

package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/readback/gpucore"
	"github.com/gogpu/wgpu/hal"
)

// minBufferSize keeps zero-length buffers valid on every backend.
const minBufferSize = 4

type layout struct {
	raw     hal.BindGroupLayout
	entries []gpucore.BindGroupLayoutEntry
}

type pipeline struct {
	desc  gpucore.ComputePipelineDesc
	state gpucore.PipelineState

	module hal.ShaderModule
	layout hal.PipelineLayout
	raw    hal.ComputePipeline
}

type buffer struct {
	raw  hal.Buffer
	size uint64
}

type texture struct {
	raw           hal.Texture
	width, height uint32
	format        gpucore.TextureFormat
}

func bindingType(t gpucore.BindingType) (gputypes.BufferBindingType, error) {
	switch t {
	case gpucore.BindingTypeUniformBuffer:
		return gputypes.BufferBindingTypeUniform, nil
	case gpucore.BindingTypeStorageBuffer:
		return gputypes.BufferBindingTypeStorage, nil
	case gpucore.BindingTypeReadOnlyStorageBuffer:
		return gputypes.BufferBindingTypeReadOnlyStorage, nil
	default:
		return 0, fmt.Errorf("wgpu: unsupported binding type %s", t)
	}
}

// bufferUsage converts usage flags. Buffers are always copyable so they can
// be written from the CPU and read back.
func bufferUsage(u gpucore.BufferUsage) gputypes.BufferUsage {
	out := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if u&gpucore.BufferUsageMapRead != 0 {
		out |= gputypes.BufferUsageMapRead
	}
	if u&gpucore.BufferUsageMapWrite != 0 {
		out |= gputypes.BufferUsageMapWrite
	}
	if u&gpucore.BufferUsageUniform != 0 {
		out |= gputypes.BufferUsageUniform
	}
	if u&gpucore.BufferUsageStorage != 0 {
		out |= gputypes.BufferUsageStorage
	}
	return out
}

func textureFormat(f gpucore.TextureFormat) (gputypes.TextureFormat, error) {
	switch f {
	case gpucore.TextureFormatRGBA8Unorm:
		return gputypes.TextureFormatRGBA8Unorm, nil
	case gpucore.TextureFormatR32Float:
		return gputypes.TextureFormatR32Float, nil
	case gpucore.TextureFormatRGBA32Float:
		return gputypes.TextureFormatRGBA32Float, nil
	default:
		return gputypes.TextureFormatUndefined, fmt.Errorf("wgpu: unsupported texture format %d", f)
	}
}

// CreateBindGroupLayout implements gpucore.PipelineCompiler.
func (h *Host) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ready(); err != nil {
		return gpucore.InvalidID, err
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		bt, err := bindingType(e.Type)
		if err != nil {
			return gpucore.InvalidID, err
		}
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: bt, MinBindingSize: e.MinBindingSize},
		}
	}
	raw, err := h.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: entries,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create bind group layout %q: %w", desc.Label, err)
	}
	id := gpucore.BindGroupLayoutID(h.newID())
	h.layouts[id] = &layout{raw: raw, entries: append([]gpucore.BindGroupLayoutEntry(nil), desc.Entries...)}
	return id, nil
}

// DestroyBindGroupLayout implements gpucore.PipelineCompiler.
func (h *Host) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.layouts[id]
	if !ok {
		return
	}
	delete(h.layouts, id)
	h.retire(func() { h.device.DestroyBindGroupLayout(l.raw) })
}

// QueueComputePipeline implements gpucore.PipelineCompiler. Compilation
// starts at the next BeginFrame.
func (h *Host) QueueComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	if desc.Shader.IsZero() {
		return gpucore.InvalidID, fmt.Errorf("wgpu: pipeline %q has no shader", desc.Label)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ready(); err != nil {
		return gpucore.InvalidID, err
	}
	if _, ok := h.layouts[desc.Layout]; !ok {
		return gpucore.InvalidID, fmt.Errorf("pipeline %q layout %d: %w", desc.Label, desc.Layout, ErrUnknownResource)
	}
	id := gpucore.ComputePipelineID(h.newID())
	h.pipelines[id] = &pipeline{desc: *desc, state: gpucore.Queued()}
	return id, nil
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
	defer h.mu.Unlock()
	p, ok := h.pipelines[id]
	if !ok {
		return
	}
	delete(h.pipelines, id)
	h.retire(func() { h.destroyPipeline(p) })
}

// buildPipeline creates the device objects for a compiled shader.
func (h *Host) buildPipeline(p *pipeline, spirv []uint32) error {
	l, ok := h.layouts[p.desc.Layout]
	if !ok {
		return fmt.Errorf("pipeline %q layout %d: %w", p.desc.Label, p.desc.Layout, ErrUnknownResource)
	}

	module, err := h.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  p.desc.Label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create shader module %q: %w", p.desc.Label, err)
	}
	p.module = module

	pl, err := h.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.desc.Label + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{l.raw},
	})
	if err != nil {
		h.destroyPipeline(p)
		return fmt.Errorf("wgpu: create pipeline layout %q: %w", p.desc.Label, err)
	}
	p.layout = pl

	raw, err := h.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  p.desc.Label,
		Layout: pl,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: p.desc.EntryPoint,
		},
	})
	if err != nil {
		h.destroyPipeline(p)
		return fmt.Errorf("wgpu: create compute pipeline %q: %w", p.desc.Label, err)
	}
	p.raw = raw
	return nil
}

func (h *Host) destroyPipeline(p *pipeline) {
	if p.raw != nil {
		h.device.DestroyComputePipeline(p.raw)
		p.raw = nil
	}
	if p.layout != nil {
		h.device.DestroyPipelineLayout(p.layout)
		p.layout = nil
	}
	if p.module != nil {
		h.device.DestroyShaderModule(p.module)
		p.module = nil
	}
}

// CreateBindGroup implements gpucore.BindGroupAllocator. Entries must name
// exactly the bindings of the layout.
func (h *Host) CreateBindGroup(desc *gpucore.BindGroupDesc) (gpucore.BindGroupID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ready(); err != nil {
		return gpucore.InvalidID, err
	}
	l, ok := h.layouts[desc.Layout]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("bind group %q layout %d: %w", desc.Label, desc.Layout, ErrUnknownResource)
	}
	if len(desc.Entries) != len(l.entries) {
		return gpucore.InvalidID, fmt.Errorf("bind group %q: %d entries for %d bindings: %w",
			desc.Label, len(desc.Entries), len(l.entries), ErrBindingMismatch)
	}

	entries := make([]gputypes.BindGroupEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		if !hasBinding(l.entries, e.Binding) {
			return gpucore.InvalidID, fmt.Errorf("bind group %q binding %d: %w", desc.Label, e.Binding, ErrBindingMismatch)
		}
		b, ok := h.buffers[e.Buffer]
		if !ok {
			return gpucore.InvalidID, fmt.Errorf("bind group %q buffer %d: %w", desc.Label, e.Buffer, ErrUnknownResource)
		}
		if e.Offset >= b.size {
			return gpucore.InvalidID, fmt.Errorf("bind group %q binding %d: offset %d beyond buffer size %d",
				desc.Label, e.Binding, e.Offset, b.size)
		}
		size := e.Size
		if size == 0 {
			size = b.size - e.Offset
		}
		entries[i] = gputypes.BindGroupEntry{
			Binding: e.Binding,
			Resource: gputypes.BufferBinding{
				Buffer: b.raw.NativeHandle(),
				Offset: e.Offset,
				Size:   size,
			},
		}
	}

	raw, err := h.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  l.raw,
		Entries: entries,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create bind group %q: %w", desc.Label, err)
	}
	id := gpucore.BindGroupID(h.newID())
	h.bindGroups[id] = raw
	return id, nil
}

func hasBinding(entries []gpucore.BindGroupLayoutEntry, binding uint32) bool {
	for _, e := range entries {
		if e.Binding == binding {
			return true
		}
	}
	return false
}

// DestroyBindGroup implements gpucore.BindGroupAllocator.
func (h *Host) DestroyBindGroup(id gpucore.BindGroupID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.bindGroups[id]
	if !ok {
		return
	}
	delete(h.bindGroups, id)
	h.retire(func() { h.device.DestroyBindGroup(g) })
}

// CreateBuffer implements gpucore.ResourceAllocator.
func (h *Host) CreateBuffer(size uint64, usage gpucore.BufferUsage) (gpucore.BufferID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ready(); err != nil {
		return gpucore.InvalidID, err
	}
	size = max(size, minBufferSize)
	raw, err := h.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback_buffer",
		Size:  size,
		Usage: bufferUsage(usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create buffer: %w", err)
	}
	id := gpucore.BufferID(h.newID())
	h.buffers[id] = &buffer{raw: raw, size: size}
	return id, nil
}

// WriteBuffer implements gpucore.ResourceAllocator.
func (h *Host) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[id]
	if !ok {
		return fmt.Errorf("write buffer %d: %w", id, ErrUnknownResource)
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("wgpu: write of %d bytes at %d overflows buffer of %d", len(data), offset, b.size)
	}
	h.queue.WriteBuffer(b.raw, offset, data)
	return nil
}

// DestroyBuffer implements gpucore.ResourceAllocator.
func (h *Host) DestroyBuffer(id gpucore.BufferID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[id]
	if !ok {
		return
	}
	delete(h.buffers, id)
	h.retire(func() { h.device.DestroyBuffer(b.raw) })
}

// CreateTexture implements gpucore.ResourceAllocator.
func (h *Host) CreateTexture(width, height uint32, format gpucore.TextureFormat) (gpucore.TextureID, error) {
	if width == 0 || height == 0 {
		return gpucore.InvalidID, fmt.Errorf("wgpu: invalid texture size %dx%d", width, height)
	}
	f, err := textureFormat(format)
	if err != nil {
		return gpucore.InvalidID, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ready(); err != nil {
		return gpucore.InvalidID, err
	}
	raw, err := h.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "readback_texture",
		Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        f,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create texture: %w", err)
	}
	id := gpucore.TextureID(h.newID())
	h.textures[id] = &texture{raw: raw, width: width, height: height, format: format}
	return id, nil
}

// WriteTexture implements gpucore.ResourceAllocator.
func (h *Host) WriteTexture(id gpucore.TextureID, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.textures[id]
	if !ok {
		return fmt.Errorf("write texture %d: %w", id, ErrUnknownResource)
	}
	bytesPerRow := t.width * t.format.BytesPerPixel()
	if want := uint64(bytesPerRow) * uint64(t.height); uint64(len(data)) != want {
		return fmt.Errorf("wgpu: texture write of %d bytes, want %d", len(data), want)
	}
	h.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: t.raw, MipLevel: 0},
		data,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: bytesPerRow, RowsPerImage: t.height},
		&hal.Extent3D{Width: t.width, Height: t.height, DepthOrArrayLayers: 1},
	)
	return nil
}

// DestroyTexture implements gpucore.ResourceAllocator.
func (h *Host) DestroyTexture(id gpucore.TextureID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.textures[id]
	if !ok {
		return
	}
	delete(h.textures, id)
	h.retire(func() { h.device.DestroyTexture(t.raw) })
}
