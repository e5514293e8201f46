//go:build !nogpu

package wgpu_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/readback"
	"github.com/gogpu/readback/backend/wgpu"
	"github.com/gogpu/readback/gpucore"
	"github.com/gogpu/wgpu/hal/noop"
)

const fillWGSL = `
@group(0) @binding(0) var<storage, read_write> out: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    if (id.x < arrayLength(&out)) {
        out[id.x] = id.x;
    }
}
`

type fillShader struct {
	out gpucore.BufferID
}

func (fillShader) Shader() gpucore.ShaderSource { return gpucore.ShaderSource{WGSL: fillWGSL} }

func (fillShader) Workgroups() gpucore.Extent3D { return gpucore.Extent3D{X: 1, Y: 1, Z: 1} }

func (fillShader) Layout() []gpucore.BindGroupLayoutEntry {
	return []gpucore.BindGroupLayoutEntry{{Binding: 0, Type: gpucore.BindingTypeStorageBuffer}}
}

func (s fillShader) Bindings() []gpucore.BindGroupEntry {
	return []gpucore.BindGroupEntry{{Binding: 0, Buffer: s.out}}
}

func (s fillShader) Readback() (gpucore.ReadbackTarget, bool) {
	return gpucore.BufferReadback(s.out, 256), true
}

func TestAppOnNoopDevice(t *testing.T) {
	instance, err := noop.API{}.CreateInstance(nil)
	require.NoError(t, err)
	defer instance.Destroy()
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	require.NoError(t, err)
	defer openDev.Device.Destroy()

	host := wgpu.New(openDev.Device, openDev.Queue)
	require.NoError(t, host.Init())
	defer host.Close()

	app, err := readback.NewApp(readback.WithHost(host))
	require.NoError(t, err)
	defer app.Close()

	out, err := host.CreateBuffer(256, gpucore.BufferUsageStorage)
	require.NoError(t, err)
	p, err := readback.Register(app, "fill", fillShader{out: out}, readback.WithLimit(readback.Finite(1)))
	require.NoError(t, err)

	var events []gpucore.CompletionEvent
	p.Subscribe(func(ev gpucore.CompletionEvent) { events = append(events, ev) })

	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for p.Status() != readback.StatusCompleted || len(events) == 0 {
		require.True(t, time.Now().Before(deadline), "status %s, %d events", p.Status(), len(events))
		require.NoError(t, app.Frame(ctx))
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, app.Err())
	assert.Len(t, events[0].Data, 256)
	assert.Equal(t, uint64(1), events[0].Seq)

	_, attached := p.Readback()
	assert.False(t, attached, "detached once completed")
}
