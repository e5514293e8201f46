package readback

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/readback/backend/recording"
	"github.com/gogpu/readback/gpucore"
)

var errSubmit = errors.New("queue: device lost")

// trace records, per frame, the render-side status after the graph ran and
// the app-side status seen in the app stage.
type trace struct {
	render []Status
	count  []int
	app    []Status
	attach []bool
}

func runTraced[S ComputeShader](t *testing.T, app *App, p *Plugin[S], frames int) trace {
	t.Helper()
	var tr trace
	app.AddSystem(func(context.Context, *App) error {
		tr.app = append(tr.app, p.Status())
		_, ok := p.Readback()
		tr.attach = append(tr.attach, ok)
		return nil
	})
	for range frames {
		require.NoError(t, app.Frame(context.Background()))
		tr.render = append(tr.render, p.state.Status())
		tr.count = append(tr.count, p.state.Count())
	}
	return tr
}

func TestNewApp_RequiresHost(t *testing.T) {
	_, err := NewApp()
	assert.ErrorIs(t, err, ErrNoHost)
}

func TestApp_FiniteOneDispatchesOnce(t *testing.T) {
	app, host := newTestApp(t)
	host.CompileAfter(2)
	p, err := Register(app, "once", testShader{out: newOutput(t, host, 16)}, WithLimit(Finite(1)))
	require.NoError(t, err)

	tr := runTraced(t, app, p, 5)

	assert.Equal(t, []Status{StatusLoading, StatusReady, StatusCompleted, StatusCompleted, StatusCompleted}, tr.render)
	assert.Equal(t, []int{0, 1, 0, 0, 0}, tr.count)
	d := host.Dispatches()
	require.Len(t, d, 1)
	assert.Equal(t, uint64(2), d[0].Frame)
}

func TestApp_FiniteThreeThenCompleted(t *testing.T) {
	app, host := newTestApp(t)
	p, err := Register(app, "three", testShader{out: newOutput(t, host, 16)}, WithLimit(Finite(3)))
	require.NoError(t, err)

	tr := runTraced(t, app, p, 10)

	for i, st := range tr.render {
		frame := i + 1
		if frame <= 3 {
			assert.Equal(t, StatusReady, st, "frame %d", frame)
			assert.Equal(t, frame, tr.count[i], "frame %d", frame)
		} else {
			assert.Equal(t, StatusCompleted, st, "frame %d", frame)
		}
	}
	assert.Len(t, host.Dispatches(), 3)
}

func TestApp_CompileFailureIsStickyAndNotFatal(t *testing.T) {
	app, host := newTestApp(t)
	host.CompileAfter(2)
	host.FailCompile(errCompile)
	p, err := Register(app, "broken", testShader{out: newOutput(t, host, 16)}, WithLimit(Finite(1)))
	require.NoError(t, err)

	tr := runTraced(t, app, p, 2)
	assert.Equal(t, []Status{StatusLoading, StatusError}, tr.render)

	host.SetPipelineState(p.pipelines.Handle(), gpucore.Ready())
	require.NoError(t, app.RunFrames(context.Background(), 3))
	assert.Equal(t, StatusError, p.state.Status())
	assert.Equal(t, StatusError, p.Status())
	assert.Empty(t, host.Dispatches())
	assert.NoError(t, app.Err())

	// A new input resets the node; the pipeline now reports Ready.
	p.SetInput(p.Input())
	require.NoError(t, app.Frame(context.Background()))
	assert.Equal(t, StatusReady, p.state.Status())
}

func TestApp_OneFrameLatency(t *testing.T) {
	app, host := newTestApp(t)
	host.CompileAfter(3)
	p, err := Register(app, "latency", testShader{out: newOutput(t, host, 16)}, WithLimit(Finite(2)))
	require.NoError(t, err)

	tr := runTraced(t, app, p, 9)

	assert.Equal(t, StatusLoading, tr.app[0], "first app stage sees the initial status")
	for k := 1; k < len(tr.app); k++ {
		assert.Equal(t, tr.render[k-1], tr.app[k], "app stage of frame %d", k+1)
	}
	assert.Equal(t, tr.render[len(tr.render)-1], p.Status())
	assert.Equal(t, app.Frames(), p.AppState().Frame())
}

func TestApp_ReadbackPresentExactlyWhileReady(t *testing.T) {
	app, host := newTestApp(t)
	host.CompileAfter(2)
	p, err := Register(app, "presence",
		testShader{out: newOutput(t, host, 16), size: 16, readback: true},
		WithLimit(Finite(2)))
	require.NoError(t, err)

	tr := runTraced(t, app, p, 8)
	sawReady := false
	for i := range tr.app {
		assert.Equal(t, tr.app[i] == StatusReady, tr.attach[i], "frame %d (%v)", i+1, tr.app[i])
		sawReady = sawReady || tr.app[i] == StatusReady
	}
	assert.True(t, sawReady)
	assert.Zero(t, host.Stats().Readbacks, "completed shader keeps no readback attached")
}

func TestApp_DeliversCompletionEvents(t *testing.T) {
	app, host := newTestApp(t)
	host.SetKernel(countKernel)

	var hooked []gpucore.CompletionEvent
	input := handlerShader{
		testShader: testShader{out: newOutput(t, host, 16), size: 16, readback: true},
		events:     &hooked,
	}
	p, err := Register(app, "events", input, WithLimit(Finite(2)))
	require.NoError(t, err)

	var subscribed []gpucore.CompletionEvent
	p.Subscribe(func(ev gpucore.CompletionEvent) { subscribed = append(subscribed, ev) })

	require.NoError(t, app.RunFrames(context.Background(), 8))

	require.Len(t, hooked, 2)
	require.Len(t, subscribed, 2)
	for i, ev := range hooked {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, uint64(i+2), ev.Frame)
		assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(ev.Data), "two dispatches ran")
		assert.Len(t, ev.Data, 16)
	}
	assert.Equal(t, hooked[0].ID, subscribed[0].ID)
}

func TestApp_TextureReadback(t *testing.T) {
	app, host := newTestApp(t)
	tex, err := host.CreateTexture(2, 2, gpucore.TextureFormatRGBA8Unorm)
	require.NoError(t, err)
	pixels := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	require.NoError(t, host.WriteTexture(tex, pixels))

	p, err := Register(app, "texture", textureShader{
		testShader: testShader{out: newOutput(t, host, 16)},
		tex:        tex,
	})
	require.NoError(t, err)

	var got [][]byte
	p.Subscribe(func(ev gpucore.CompletionEvent) { got = append(got, ev.Data) })
	require.NoError(t, app.RunFrames(context.Background(), 3))

	require.NotEmpty(t, got)
	assert.Equal(t, pixels, got[0])
}

type textureShader struct {
	testShader
	tex gpucore.TextureID
}

func (s textureShader) Readback() (gpucore.ReadbackTarget, bool) {
	return gpucore.TextureReadback(s.tex, gpucore.Extent3D{X: 2, Y: 2, Z: 1}, gpucore.TextureFormatRGBA8Unorm), true
}

func TestApp_RemoveOnComplete(t *testing.T) {
	app, host := newTestApp(t)
	p, err := Register(app, "remove", testShader{out: newOutput(t, host, 16)},
		WithLimit(Finite(1)), WithRemoveOnComplete(true))
	require.NoError(t, err)

	require.NoError(t, app.RunFrames(context.Background(), 2))
	assert.Equal(t, StatusCompleted, p.state.Status())
	assert.True(t, p.InGraph(), "removal waits for the next hand-off")

	require.NoError(t, app.Frame(context.Background()))
	assert.False(t, p.InGraph())
	assert.Zero(t, app.Graph().Len())
	assert.Zero(t, host.Stats().BindGroups, "bind group released with the node")

	require.NoError(t, app.RunFrames(context.Background(), 3))
	assert.Len(t, host.Dispatches(), 1)
	assert.Equal(t, StatusCompleted, p.Status())
}

func TestApp_InputChangeAfterRemovalKeepsCompleted(t *testing.T) {
	app, host := newTestApp(t)
	p, err := Register(app, "removed", testShader{out: newOutput(t, host, 16)},
		WithLimit(Finite(1)), WithRemoveOnComplete(true))
	require.NoError(t, err)
	require.NoError(t, app.RunFrames(context.Background(), 3))
	require.False(t, p.InGraph())

	p.SetInput(testShader{out: newOutput(t, host, 16)})
	require.NoError(t, app.RunFrames(context.Background(), 3))

	assert.Equal(t, StatusCompleted, p.state.Status())
	assert.Equal(t, StatusCompleted, p.Status())
	assert.False(t, p.InGraph())
	assert.Len(t, host.Dispatches(), 1)
	assert.Zero(t, host.Stats().BindGroups)
}

func TestApp_KeepsCompletedNodeByDefault(t *testing.T) {
	app, host := newTestApp(t)
	p, err := Register(app, "keep", testShader{out: newOutput(t, host, 16)}, WithLimit(Finite(1)))
	require.NoError(t, err)

	require.NoError(t, app.RunFrames(context.Background(), 5))
	assert.True(t, p.InGraph())
	assert.Equal(t, 1, app.Graph().Len())
}

func TestApp_InputChangeResetsAndRebinds(t *testing.T) {
	app, host := newTestApp(t)
	p, err := Register(app, "reset", testShader{out: newOutput(t, host, 16)}, WithLimit(Finite(1)))
	require.NoError(t, err)

	require.NoError(t, app.RunFrames(context.Background(), 3))
	require.Equal(t, StatusCompleted, p.state.Status())
	first := host.Dispatches()[0]

	next := testShader{out: newOutput(t, host, 16)}
	p.SetInput(next)
	require.NoError(t, app.Frame(context.Background()))

	assert.Equal(t, StatusReady, p.state.Status())
	assert.Equal(t, 1, p.state.Count())
	d := host.DispatchesIn(4)
	require.Len(t, d, 1)
	assert.NotEqual(t, first.BindGroup, d[0].BindGroup)
	assert.Equal(t, 1, host.Stats().BindGroups, "old bind group destroyed")
	assert.Equal(t, next, p.Input())
}

func TestApp_InputChangeRetargetsReadbackWhileReady(t *testing.T) {
	app, host := newTestApp(t)
	host.SetKernel(countKernel)
	p, err := Register(app, "retarget", testShader{out: newOutput(t, host, 16), size: 16, readback: true})
	require.NoError(t, err)

	var events []gpucore.CompletionEvent
	p.Subscribe(func(ev gpucore.CompletionEvent) { events = append(events, ev) })

	require.NoError(t, app.RunFrames(context.Background(), 3))
	require.Equal(t, StatusReady, p.Status())
	before, attached := p.Readback()
	require.True(t, attached)

	next := testShader{out: newOutput(t, host, 16), size: 16, readback: true}
	p.SetInput(next)
	require.NoError(t, app.Frame(context.Background()))

	after, attached := p.Readback()
	require.True(t, attached)
	assert.NotEqual(t, before, after)
	assert.Equal(t, StatusReady, p.Status())
	assert.Equal(t, 1, host.Stats().Readbacks)

	events = nil
	require.NoError(t, app.Frame(context.Background()))
	require.Len(t, events, 1)
	assert.Equal(t, after, events[0].ID)
	assert.Equal(t, uint64(4), events[0].Frame)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(events[0].Data), "copied from the new buffer")
}

func TestApp_SubmitFailureLatches(t *testing.T) {
	app, host := newTestApp(t)
	_, err := Register(app, "fatal", testShader{out: newOutput(t, host, 16)})
	require.NoError(t, err)
	require.NoError(t, app.Frame(context.Background()))

	host.FailSubmit(errSubmit)
	err = app.Frame(context.Background())
	require.ErrorIs(t, err, errSubmit)
	assert.NotErrorIs(t, err, ErrAppFailed)

	host.FailSubmit(nil)
	err = app.Frame(context.Background())
	assert.ErrorIs(t, err, ErrAppFailed)
	assert.ErrorIs(t, err, errSubmit)
	assert.ErrorIs(t, app.Err(), errSubmit)
}

func TestApp_BindGroupFailureLatches(t *testing.T) {
	app, host := newTestApp(t)
	_, err := Register(app, "bad_bindings", testShader{out: 12345})
	require.NoError(t, err)

	err = app.Frame(context.Background())
	assert.ErrorIs(t, err, ErrBindGroupBuild)
	assert.ErrorIs(t, app.Frame(context.Background()), ErrAppFailed)
	assert.Empty(t, host.Dispatches())
}

func TestApp_InvalidReadbackTargetLatches(t *testing.T) {
	app, host := newTestApp(t)
	_, err := Register(app, "no_target", textureShader{testShader: testShader{out: newOutput(t, host, 16)}})
	require.NoError(t, err)

	require.NoError(t, app.Frame(context.Background()))
	err = app.Frame(context.Background())
	assert.ErrorIs(t, err, ErrMissingReadbackTarget)
	assert.ErrorIs(t, app.Frame(context.Background()), ErrAppFailed)
}

func TestApp_SystemErrorDoesNotLatch(t *testing.T) {
	app, _ := newTestApp(t)
	errSystem := errors.New("system failed")
	fail := true
	app.AddSystem(func(context.Context, *App) error {
		if fail {
			fail = false
			return errSystem
		}
		return nil
	})

	assert.ErrorIs(t, app.Frame(context.Background()), errSystem)
	assert.NoError(t, app.Frame(context.Background()))
}

func TestApp_ReentrantFrame(t *testing.T) {
	app, _ := newTestApp(t)
	var inner error
	app.AddSystem(func(ctx context.Context, a *App) error {
		inner = a.Frame(ctx)
		return nil
	})

	require.NoError(t, app.Frame(context.Background()))
	assert.ErrorIs(t, inner, ErrReentrantFrame)
	assert.Equal(t, uint64(1), app.Frames())
}

func TestApp_ConcurrentFrame(t *testing.T) {
	app, _ := newTestApp(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	app.AddSystem(func(context.Context, *App) error {
		entered <- struct{}{}
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- app.Frame(context.Background()) }()
	<-entered

	assert.ErrorIs(t, app.Frame(context.Background()), ErrFrameInProgress)
	close(release)
	require.NoError(t, <-done)
}

func TestApp_CancelledContext(t *testing.T) {
	app, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, app.Frame(ctx), context.Canceled)
	assert.ErrorIs(t, app.RunFrames(ctx, 3), context.Canceled)
	assert.NoError(t, app.Err())
}

// cancelOnBegin cancels the frame context once the render stages have started.
type cancelOnBegin struct {
	*recording.Host
	cancel context.CancelFunc
}

func (h cancelOnBegin) BeginFrame(frame uint64) error {
	h.cancel()
	return h.Host.BeginFrame(frame)
}

func TestApp_CancelDuringRenderFinishesFrame(t *testing.T) {
	host := recording.New()
	ctx, cancel := context.WithCancel(context.Background())
	app, err := NewApp(WithHost(cancelOnBegin{Host: host, cancel: cancel}))
	require.NoError(t, err)
	t.Cleanup(app.Close)

	p, err := Register(app, "cancel", testShader{out: newOutput(t, host, 16)}, WithLimit(Finite(1)))
	require.NoError(t, err)
	var seen []Status
	app.AddSystem(func(context.Context, *App) error {
		seen = append(seen, p.Status())
		return nil
	})

	require.NoError(t, app.Frame(ctx))
	assert.Equal(t, StatusReady, p.state.Status())
	assert.Equal(t, uint64(1), app.Frames())
	assert.Len(t, host.Dispatches(), 1)
	assert.ErrorIs(t, app.Frame(ctx), context.Canceled)

	require.NoError(t, app.RunFrames(context.Background(), 3))
	assert.Len(t, host.Dispatches(), 1)
	assert.Equal(t, []Status{StatusLoading, StatusReady, StatusCompleted, StatusCompleted}, seen)
	assert.NoError(t, app.Err())
}

func TestRegister_DuplicateKey(t *testing.T) {
	app, host := newTestApp(t)
	in := testShader{out: newOutput(t, host, 16)}
	_, err := Register(app, "dup", in)
	require.NoError(t, err)
	_, err = Register(app, "dup", in)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, err = Register(app, "", in)
	assert.Error(t, err)
}

func TestApp_Unregister(t *testing.T) {
	app, host := newTestApp(t)
	p, err := Register(app, "gone", testShader{out: newOutput(t, host, 16), size: 16, readback: true})
	require.NoError(t, err)
	require.NoError(t, app.RunFrames(context.Background(), 3))
	_, attached := p.Readback()
	require.True(t, attached)

	require.NoError(t, app.Unregister("gone"))
	assert.ErrorIs(t, app.Unregister("gone"), ErrUnknownKey)

	st := host.Stats()
	assert.Zero(t, st.Pipelines)
	assert.Zero(t, st.Layouts)
	assert.Zero(t, st.BindGroups)
	assert.Zero(t, st.Readbacks)
	assert.Zero(t, app.Graph().Len())
	assert.Empty(t, app.Keys())

	dispatched := len(host.Dispatches())
	require.NoError(t, app.RunFrames(context.Background(), 2))
	assert.Len(t, host.Dispatches(), dispatched)
}

func TestApp_RunsShadersInRegistrationOrder(t *testing.T) {
	app, host := newTestApp(t)
	for _, k := range []Key{"c", "a", "b"} {
		_, err := Register(app, k, testShader{out: newOutput(t, host, 16)})
		require.NoError(t, err)
	}
	require.NoError(t, app.Frame(context.Background()))

	var labels []string
	for _, d := range host.Dispatches() {
		labels = append(labels, d.Label)
	}
	assert.Equal(t, []string{"c", "a", "b"}, labels)
	assert.Equal(t, []Key{"c", "a", "b"}, app.Keys())
}
