package recording

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/readback/backend"
	"github.com/gogpu/readback/gpucore"
)

func queue(t *testing.T, h *Host) (gpucore.ComputePipelineID, gpucore.BindGroupLayoutID) {
	t.Helper()
	layout, err := h.CreateBindGroupLayout(&gpucore.BindGroupLayoutDesc{
		Label:   "layout",
		Entries: []gpucore.BindGroupLayoutEntry{{Binding: 0, Type: gpucore.BindingTypeStorageBuffer}},
	})
	require.NoError(t, err)
	id, err := h.QueueComputePipeline(&gpucore.ComputePipelineDesc{
		Label:      "pipe",
		Layout:     layout,
		Shader:     gpucore.ShaderSource{WGSL: "@compute @workgroup_size(1) fn main() {}"},
		EntryPoint: "main",
	})
	require.NoError(t, err)
	return id, layout
}

func TestRegistered(t *testing.T) {
	assert.True(t, backend.IsRegistered(backend.BackendRecording))
	b := backend.Get(backend.BackendRecording)
	require.NotNil(t, b)
	assert.Equal(t, backend.BackendRecording, b.Name())
}

func TestCompileAfter(t *testing.T) {
	h := New()
	h.CompileAfter(2)
	id, _ := queue(t, h)
	assert.Equal(t, gpucore.CompileQueued, h.PipelineState(id).State)

	require.NoError(t, h.BeginFrame(1))
	assert.Equal(t, gpucore.CompileCompiling, h.PipelineState(id).State)
	require.NoError(t, h.EndFrame(1))

	require.NoError(t, h.BeginFrame(2))
	assert.Equal(t, gpucore.CompileReady, h.PipelineState(id).State)
	require.NoError(t, h.EndFrame(2))
}

func TestCompileImmediateAndFailing(t *testing.T) {
	h := New()
	h.CompileAfter(0)
	ready, _ := queue(t, h)
	assert.Equal(t, gpucore.CompileReady, h.PipelineState(ready).State)

	errBad := errors.New("bad shader")
	h.FailCompile(errBad)
	failed, _ := queue(t, h)
	st := h.PipelineState(failed)
	assert.Equal(t, gpucore.CompileFailed, st.State)
	assert.ErrorIs(t, st.Err, errBad)

	assert.Equal(t, gpucore.CompileFailed, h.PipelineState(999).State)
}

func TestDispatchRules(t *testing.T) {
	h := New()
	h.CompileAfter(1)
	id, layout := queue(t, h)
	buf, err := h.CreateBuffer(4, gpucore.BufferUsageStorage)
	require.NoError(t, err)
	group, err := h.CreateBindGroup(&gpucore.BindGroupDesc{
		Layout:  layout,
		Entries: []gpucore.BindGroupEntry{{Binding: 0, Buffer: buf}},
	})
	require.NoError(t, err)

	one := gpucore.Extent3D{X: 1, Y: 1, Z: 1}
	assert.ErrorIs(t, h.Dispatch(id, group, one), ErrNotInFrame)

	h.SetPipelineState(id, gpucore.Compiling())
	require.NoError(t, h.BeginFrame(1))
	assert.ErrorIs(t, h.Dispatch(id, group, one), ErrPipelineNotReady)
	require.NoError(t, h.EndFrame(1))

	h.SetPipelineState(id, gpucore.Ready())
	require.NoError(t, h.BeginFrame(2))
	assert.ErrorIs(t, h.BeginFrame(3), ErrFrameOpen)
	require.NoError(t, h.Dispatch(id, group, one))
	assert.Empty(t, h.Dispatches(), "dispatches are recorded at submission")
	require.NoError(t, h.EndFrame(2))

	d := h.Dispatches()
	require.Len(t, d, 1)
	assert.Equal(t, uint64(2), d[0].Frame)
	assert.Equal(t, "pipe", d[0].Label)
}

func TestBindGroupValidation(t *testing.T) {
	h := New()
	_, layout := queue(t, h)
	buf, err := h.CreateBuffer(4, gpucore.BufferUsageStorage)
	require.NoError(t, err)

	_, err = h.CreateBindGroup(&gpucore.BindGroupDesc{Layout: layout})
	assert.ErrorIs(t, err, ErrBindingMismatch)

	_, err = h.CreateBindGroup(&gpucore.BindGroupDesc{
		Layout:  layout,
		Entries: []gpucore.BindGroupEntry{{Binding: 3, Buffer: buf}},
	})
	assert.ErrorIs(t, err, ErrBindingMismatch)

	errInjected := errors.New("injected")
	h.FailBindGroups(errInjected)
	_, err = h.CreateBindGroup(&gpucore.BindGroupDesc{
		Layout:  layout,
		Entries: []gpucore.BindGroupEntry{{Binding: 0, Buffer: buf}},
	})
	assert.ErrorIs(t, err, errInjected)
}

func TestReadbackCopiesAtEndFrame(t *testing.T) {
	h := New()
	buf, err := h.CreateBuffer(8, gpucore.BufferUsageStorage|gpucore.BufferUsageCopySrc)
	require.NoError(t, err)
	require.NoError(t, h.WriteBuffer(buf, 0, []byte{1, 2, 3, 4}))

	id, err := h.Attach(gpucore.BufferReadback(buf, 4))
	require.NoError(t, err)
	assert.Empty(t, h.Drain(id))

	require.NoError(t, h.BeginFrame(1))
	require.NoError(t, h.EndFrame(1))
	require.NoError(t, h.WriteBuffer(buf, 0, []byte{5}))
	require.NoError(t, h.BeginFrame(2))
	require.NoError(t, h.EndFrame(2))

	ev := h.Drain(id)
	require.Len(t, ev, 2)
	assert.Equal(t, []byte{1, 2, 3, 4}, ev[0].Data)
	assert.Equal(t, []byte{5, 2, 3, 4}, ev[1].Data)
	assert.Equal(t, uint64(1), ev[0].Seq)
	assert.Equal(t, uint64(2), ev[1].Seq)
	assert.Equal(t, uint64(2), ev[1].Frame)
	assert.Empty(t, h.Drain(id), "drain forgets delivered events")

	require.NoError(t, h.BeginFrame(3))
	require.NoError(t, h.EndFrame(3))
	h.Detach(id)
	assert.Nil(t, h.Drain(id))
}

func TestAttachValidation(t *testing.T) {
	h := New()
	_, err := h.Attach(gpucore.ReadbackTarget{})
	assert.Error(t, err)
	_, err = h.Attach(gpucore.BufferReadback(42, 4))
	assert.ErrorIs(t, err, ErrUnknownResource)
	_, err = h.Attach(gpucore.TextureReadback(42, gpucore.Extent3D{X: 1, Y: 1, Z: 1}, gpucore.TextureFormatR32Float))
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestKernelRunsPerDispatch(t *testing.T) {
	h := New()
	h.CompileAfter(0)
	id, layout := queue(t, h)
	buf, err := h.CreateBuffer(1, gpucore.BufferUsageStorage)
	require.NoError(t, err)
	group, err := h.CreateBindGroup(&gpucore.BindGroupDesc{
		Layout:  layout,
		Entries: []gpucore.BindGroupEntry{{Binding: 0, Buffer: buf}},
	})
	require.NoError(t, err)

	h.SetKernel(func(_ Dispatch, g gpucore.BindGroupDesc, buffers map[gpucore.BufferID][]byte) {
		buffers[g.Entries[0].Buffer][0]++
	})
	require.NoError(t, h.BeginFrame(1))
	for range 3 {
		require.NoError(t, h.Dispatch(id, group, gpucore.Extent3D{X: 1, Y: 1, Z: 1}))
	}
	require.NoError(t, h.EndFrame(1))

	data, err := h.ReadBuffer(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, data)
}

func TestSubmitFailure(t *testing.T) {
	h := New()
	errLost := errors.New("device lost")
	h.FailSubmit(errLost)
	require.NoError(t, h.BeginFrame(1))
	assert.ErrorIs(t, h.EndFrame(1), errLost)
	assert.ErrorIs(t, h.EndFrame(1), ErrNotInFrame)
}

func TestCloseReleasesEverything(t *testing.T) {
	h := New()
	queue(t, h)
	_, err := h.CreateTexture(4, 4, gpucore.TextureFormatRGBA8Unorm)
	require.NoError(t, err)
	h.Close()
	assert.Equal(t, Stats{}, h.Stats())
}
