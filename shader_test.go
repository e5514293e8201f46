package readback

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gogpu/readback/backend/recording"
	"github.com/gogpu/readback/gpucore"
)

const testWGSL = `
@group(0) @binding(0) var<storage, read_write> out: array<u32>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    out[id.x] = out[id.x] + 1u;
}
`

const storageUsage = gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst

// testShader binds one storage buffer and optionally reads it back.
type testShader struct {
	out      gpucore.BufferID
	size     uint64
	readback bool
	wg       gpucore.Extent3D
}

func (s testShader) Shader() gpucore.ShaderSource { return gpucore.ShaderSource{WGSL: testWGSL} }

func (s testShader) Workgroups() gpucore.Extent3D {
	if s.wg.IsZero() {
		return gpucore.Extent3D{X: 1, Y: 1, Z: 1}
	}
	return s.wg
}

func (s testShader) Layout() []gpucore.BindGroupLayoutEntry {
	return []gpucore.BindGroupLayoutEntry{{Binding: 0, Type: gpucore.BindingTypeStorageBuffer}}
}

func (s testShader) Bindings() []gpucore.BindGroupEntry {
	return []gpucore.BindGroupEntry{{Binding: 0, Buffer: s.out}}
}

func (s testShader) Readback() (gpucore.ReadbackTarget, bool) {
	if !s.readback {
		return gpucore.ReadbackTarget{}, false
	}
	return gpucore.BufferReadback(s.out, s.size), true
}

// handlerShader collects completion events through its own hook.
type handlerShader struct {
	testShader
	events *[]gpucore.CompletionEvent
}

func (s handlerShader) OnReadback(ev gpucore.CompletionEvent) {
	*s.events = append(*s.events, ev)
}

// countKernel increments the first u32 of every bound buffer.
func countKernel(_ recording.Dispatch, group gpucore.BindGroupDesc, buffers map[gpucore.BufferID][]byte) {
	for _, e := range group.Entries {
		buf := buffers[e.Buffer]
		binary.LittleEndian.PutUint32(buf, binary.LittleEndian.Uint32(buf)+1)
	}
}

func newTestApp(t *testing.T) (*App, *recording.Host) {
	t.Helper()
	host := recording.New()
	app, err := NewApp(WithHost(host))
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app, host
}

func newOutput(t *testing.T, host *recording.Host, size uint64) gpucore.BufferID {
	t.Helper()
	buf, err := host.CreateBuffer(size, storageUsage)
	require.NoError(t, err)
	return buf
}
