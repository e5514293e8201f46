//go:build !nogpu

package wgpu

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/readback/gpucore"
	"github.com/gogpu/wgpu/hal"
)

// copyPitchAlignment is the BytesPerRow alignment required for
// texture-to-buffer copies.
const copyPitchAlignment = 256

type readback struct {
	target gpucore.ReadbackTarget
	seq    uint64
	done   []gpucore.CompletionEvent
}

// stagingCopy is one readback copy recorded into a submission.
type stagingCopy struct {
	id      gpucore.ReadbackID
	staging hal.Buffer
	size    uint64

	// Texture copies only: row layout of the staging buffer.
	rowBytes    uint32
	paddedBytes uint32
	rows        uint32
}

// submission is one submitted frame awaiting its fence.
type submission struct {
	index  uint64
	frame  uint64
	fence  hal.Fence
	cmdBuf hal.CommandBuffer
	copies []stagingCopy
}

// retiredResource is released once every submission up to after finished.
type retiredResource struct {
	after   uint64
	release func()
}

// retire releases a resource now, or after the submissions that may still
// reference it have finished.
func (h *Host) retire(release func()) {
	after := h.submitted
	if h.encoder != nil {
		after++
	}
	if after <= h.completed {
		release()
		return
	}
	h.retired = append(h.retired, retiredResource{after: after, release: release})
}

func (h *Host) runRetired() {
	keep := h.retired[:0]
	for _, r := range h.retired {
		if r.after <= h.completed {
			r.release()
			continue
		}
		keep = append(keep, r)
	}
	clear(h.retired[len(keep):])
	h.retired = keep
}

// BeginFrame implements gpucore.Host. It collects finished submissions,
// advances pipeline compilation and opens the frame's command encoder.
func (h *Host) BeginFrame(frame uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ready(); err != nil {
		return err
	}
	if h.encoder != nil {
		return fmt.Errorf("begin frame %d: %w", frame, ErrFrameOpen)
	}
	h.frame = frame
	h.poll()
	h.advanceCompilation()

	encoder, err := h.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "readback_frame",
	})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("readback_frame"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	h.encoder = encoder
	h.dispatched = 0
	return nil
}

// advanceCompilation finishes pipelines whose shaders compiled and starts
// compiling queued ones. A pipeline becomes ready no earlier than the
// frame after it started compiling.
func (h *Host) advanceCompilation() {
	for _, r := range h.compiler.collect() {
		p, ok := h.pipelines[r.id]
		if !ok {
			continue
		}
		if r.err == nil {
			r.err = h.buildPipeline(p, r.spirv)
		}
		if r.err != nil {
			p.state = gpucore.Failed(r.err)
			slogger().Warn("wgpu: pipeline failed", "label", p.desc.Label, "error", r.err)
			continue
		}
		p.state = gpucore.Ready()
		slogger().Debug("wgpu: pipeline created", "label", p.desc.Label, "frame", h.frame)
	}

	for _, id := range slices.Sorted(maps.Keys(h.pipelines)) {
		p := h.pipelines[id]
		if p.state.State != gpucore.CompileQueued {
			continue
		}
		p.state = gpucore.Compiling()
		h.compiler.start(id, p.desc.Label, p.desc.Shader)
	}
}

// Dispatch implements gpucore.CommandSubmitter. Each dispatch gets its own
// compute pass so passes are ordered by recording order.
func (h *Host) Dispatch(pipe gpucore.ComputePipelineID, group gpucore.BindGroupID, workgroups gpucore.Extent3D) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.encoder == nil {
		return ErrNotInFrame
	}
	p, ok := h.pipelines[pipe]
	if !ok {
		return fmt.Errorf("dispatch pipeline %d: %w", pipe, ErrUnknownResource)
	}
	if p.state.State != gpucore.CompileReady {
		return fmt.Errorf("dispatch %q: %w", p.desc.Label, ErrPipelineNotReady)
	}
	bg, ok := h.bindGroups[group]
	if !ok {
		return fmt.Errorf("dispatch %q: bind group %d: %w", p.desc.Label, group, ErrUnknownResource)
	}
	if workgroups.IsZero() {
		return nil
	}

	pass := h.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: p.desc.Label})
	pass.SetPipeline(p.raw)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(workgroups.X, workgroups.Y, workgroups.Z)
	pass.End()
	h.dispatched++

	slogger().Debug("wgpu: dispatched",
		"label", p.desc.Label,
		"x", workgroups.X, "y", workgroups.Y, "z", workgroups.Z)
	return nil
}

// EndFrame implements gpucore.Host. It records a copy of every attached
// readback target and submits the frame without waiting for the GPU.
func (h *Host) EndFrame(frame uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.encoder == nil {
		return fmt.Errorf("end frame %d: %w", frame, ErrNotInFrame)
	}
	encoder := h.encoder
	h.encoder = nil

	var copies []stagingCopy
	discard := func() {
		for _, c := range copies {
			h.device.DestroyBuffer(c.staging)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(h.readbacks)) {
		c, err := h.recordCopy(encoder, id, h.readbacks[id].target)
		if err != nil {
			encoder.DiscardEncoding()
			discard()
			return err
		}
		if c.staging != nil {
			copies = append(copies, c)
		}
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		discard()
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	fence, err := h.device.CreateFence()
	if err != nil {
		h.device.FreeCommandBuffer(cmdBuf)
		discard()
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	if err := h.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		h.device.DestroyFence(fence)
		h.device.FreeCommandBuffer(cmdBuf)
		discard()
		return fmt.Errorf("wgpu: submit: %w", err)
	}

	h.submitted++
	h.inflight = append(h.inflight, &submission{
		index:  h.submitted,
		frame:  frame,
		fence:  fence,
		cmdBuf: cmdBuf,
		copies: copies,
	})
	slogger().Debug("wgpu: frame submitted",
		"frame", frame,
		"dispatches", h.dispatched,
		"copies", len(copies))
	return nil
}

// recordCopy copies target into a fresh staging buffer. A target whose
// source was destroyed is skipped with a zero stagingCopy.
func (h *Host) recordCopy(encoder hal.CommandEncoder, id gpucore.ReadbackID, target gpucore.ReadbackTarget) (stagingCopy, error) {
	c := stagingCopy{id: id}

	var (
		srcBuf *buffer
		srcTex *texture
		ok     bool
	)
	if target.IsTexture() {
		srcTex, ok = h.textures[target.Texture]
	} else {
		srcBuf, ok = h.buffers[target.Buffer]
	}
	if !ok {
		slogger().Warn("wgpu: readback source destroyed", "id", id)
		return stagingCopy{}, nil
	}

	if srcTex != nil {
		c.rowBytes = srcTex.width * srcTex.format.BytesPerPixel()
		c.paddedBytes = (c.rowBytes + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
		c.rows = srcTex.height
		c.size = uint64(c.paddedBytes) * uint64(c.rows)
	} else {
		c.size = min(target.Size, srcBuf.size)
	}

	staging, err := h.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback_staging",
		Size:  max(c.size, minBufferSize),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return stagingCopy{}, fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	c.staging = staging

	if srcBuf != nil {
		encoder.CopyBufferToBuffer(srcBuf.raw, staging, []hal.BufferCopy{{
			SrcOffset: 0,
			DstOffset: 0,
			Size:      c.size,
		}})
		return c, nil
	}

	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: srcTex.raw,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopyDst,
			NewUsage: gputypes.TextureUsageCopySrc,
		},
	}})
	encoder.CopyTextureToBuffer(srcTex.raw, staging, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: c.paddedBytes, RowsPerImage: c.rows},
		TextureBase:  hal.ImageCopyTexture{Texture: srcTex.raw, MipLevel: 0},
		Size:         hal.Extent3D{Width: srcTex.width, Height: srcTex.height, DepthOrArrayLayers: 1},
	}})
	// Back to CopyDst so the next WriteTexture needs no barrier.
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: srcTex.raw,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopySrc,
			NewUsage: gputypes.TextureUsageCopyDst,
		},
	}})
	return c, nil
}

// poll retires submissions in order until one has not finished.
func (h *Host) poll() {
	for len(h.inflight) > 0 {
		s := h.inflight[0]
		done, err := h.device.Wait(s.fence, 1, 0)
		if err != nil {
			slogger().Warn("wgpu: fence wait failed, dropping copies", "frame", s.frame, "error", err)
		} else if !done {
			break
		}
		h.inflight = h.inflight[1:]
		h.finish(s, err == nil)
	}
}

// finish releases a completed submission. With deliver set, its copies
// become completion events.
func (h *Host) finish(s *submission, deliver bool) {
	for _, c := range s.copies {
		if !deliver {
			break
		}
		rb, ok := h.readbacks[c.id]
		if !ok {
			continue
		}
		raw := make([]byte, c.size)
		if err := h.queue.ReadBuffer(c.staging, 0, raw); err != nil {
			slogger().Warn("wgpu: readback failed", "id", c.id, "frame", s.frame, "error", err)
			continue
		}
		rb.seq++
		rb.done = append(rb.done, gpucore.CompletionEvent{
			ID:    c.id,
			Seq:   rb.seq,
			Frame: s.frame,
			Data:  c.unpad(raw),
		})
	}
	h.releaseSubmission(s)
	h.completed = s.index
	h.runRetired()
}

// unpad strips texture row padding. Buffer copies are returned as is.
func (c stagingCopy) unpad(raw []byte) []byte {
	if c.paddedBytes == c.rowBytes {
		return raw
	}
	tight := make([]byte, uint64(c.rowBytes)*uint64(c.rows))
	for row := range c.rows {
		src := int(row) * int(c.paddedBytes)
		dst := int(row) * int(c.rowBytes)
		copy(tight[dst:dst+int(c.rowBytes)], raw[src:src+int(c.rowBytes)])
	}
	return tight
}

func (h *Host) releaseSubmission(s *submission) {
	for _, c := range s.copies {
		h.device.DestroyBuffer(c.staging)
	}
	h.device.DestroyFence(s.fence)
	h.device.FreeCommandBuffer(s.cmdBuf)
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

// Detach implements gpucore.ReadbackService. In-flight copies for id are
// dropped when their submission finishes.
func (h *Host) Detach(id gpucore.ReadbackID) {
	h.mu.Lock()
	delete(h.readbacks, id)
	h.mu.Unlock()
}

// Drain implements gpucore.ReadbackService. It polls submitted frames
// without blocking first.
func (h *Host) Drain(id gpucore.ReadbackID) []gpucore.CompletionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.device != nil {
		h.poll()
	}
	rb, ok := h.readbacks[id]
	if !ok {
		return nil
	}
	out := rb.done
	rb.done = nil
	return out
}
