package readback

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/readback/backend/recording"
	"github.com/gogpu/readback/gpucore"
)

func newLayout(t *testing.T, host *recording.Host) gpucore.BindGroupLayoutID {
	t.Helper()
	layout, err := host.CreateBindGroupLayout(&gpucore.BindGroupLayoutDesc{
		Label:   "test_layout",
		Entries: testShader{}.Layout(),
	})
	require.NoError(t, err)
	return layout
}

func TestBindGroupCache_BuildsOncePerGeneration(t *testing.T) {
	host := recording.New()
	layout := newLayout(t, host)
	input := testShader{out: newOutput(t, host, 16)}

	c := NewBindGroupCache("test")
	assert.False(t, c.Valid())

	require.NoError(t, c.Prepare(host, layout, input, 1))
	require.True(t, c.Valid())
	first := c.BindGroup()

	require.NoError(t, c.Prepare(host, layout, input, 1))
	assert.Equal(t, first, c.BindGroup(), "same generation must reuse the group")
	assert.Equal(t, 1, host.Stats().BindGroups)
}

func TestBindGroupCache_RebuildDestroysOld(t *testing.T) {
	host := recording.New()
	layout := newLayout(t, host)

	c := NewBindGroupCache("test")
	require.NoError(t, c.Prepare(host, layout, testShader{out: newOutput(t, host, 16)}, 1))
	first := c.BindGroup()

	require.NoError(t, c.Prepare(host, layout, testShader{out: newOutput(t, host, 16)}, 2))
	assert.NotEqual(t, first, c.BindGroup())
	assert.Equal(t, uint64(2), c.Generation())
	assert.Equal(t, 1, host.Stats().BindGroups)

	c.Invalidate()
	require.NoError(t, c.Prepare(host, layout, testShader{out: newOutput(t, host, 16)}, 2))
	assert.Equal(t, 1, host.Stats().BindGroups)

	c.Release()
	assert.False(t, c.Valid())
	assert.Zero(t, host.Stats().BindGroups)
}

func TestBindGroupCache_BuildFailure(t *testing.T) {
	host := recording.New()
	layout := newLayout(t, host)

	c := NewBindGroupCache("test")
	require.NoError(t, c.Prepare(host, layout, testShader{out: newOutput(t, host, 16)}, 1))

	// Buffer 9999 does not exist.
	err := c.Prepare(host, layout, testShader{out: 9999}, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBindGroupBuild))
	assert.True(t, errors.Is(err, recording.ErrUnknownResource))
	assert.False(t, c.Valid())
	assert.Zero(t, host.Stats().BindGroups)
}
