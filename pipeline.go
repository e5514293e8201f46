package readback

import (
	"fmt"

	"github.com/gogpu/readback/gpucore"
)

// PipelineRegistry owns the bind group layout and the queued compute
// pipeline of one registered shader. Compile status is polled lazily,
// once per call to State.
type PipelineRegistry struct {
	compiler gpucore.PipelineCompiler
	label    string
	layout   gpucore.BindGroupLayoutID
	pipeline gpucore.ComputePipelineID
	last     gpucore.CompileState
}

// NewPipelineRegistry creates the layout and queues the pipeline. It does
// not wait for compilation.
func NewPipelineRegistry(compiler gpucore.PipelineCompiler, label string, shader gpucore.ShaderSource,
	entries []gpucore.BindGroupLayoutEntry, entryPoint string) (*PipelineRegistry, error) {
	if shader.IsZero() {
		return nil, fmt.Errorf("readback: pipeline %q: empty shader source", label)
	}

	layout, err := compiler.CreateBindGroupLayout(&gpucore.BindGroupLayoutDesc{
		Label:   label + "_layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("readback: pipeline %q: create layout: %w", label, err)
	}

	pipeline, err := compiler.QueueComputePipeline(&gpucore.ComputePipelineDesc{
		Label:      label,
		Layout:     layout,
		Shader:     shader,
		EntryPoint: entryPoint,
	})
	if err != nil {
		compiler.DestroyBindGroupLayout(layout)
		return nil, fmt.Errorf("readback: pipeline %q: queue: %w", label, err)
	}

	return &PipelineRegistry{
		compiler: compiler,
		label:    label,
		layout:   layout,
		pipeline: pipeline,
		last:     gpucore.CompileQueued,
	}, nil
}

// Handle returns the opaque pipeline handle.
func (r *PipelineRegistry) Handle() gpucore.ComputePipelineID { return r.pipeline }

// Layout returns the bind group layout shared by the pipeline and its bind groups.
func (r *PipelineRegistry) Layout() gpucore.BindGroupLayoutID { return r.layout }

// State polls the host for the current compile status.
func (r *PipelineRegistry) State() gpucore.PipelineState {
	st := r.compiler.PipelineState(r.pipeline)
	if st.State != r.last {
		switch st.State {
		case gpucore.CompileReady:
			Logger().Info("readback: pipeline ready", "pipeline", r.label)
		case gpucore.CompileFailed:
			Logger().Warn("readback: pipeline compilation failed", "pipeline", r.label, "err", st.Err)
		default:
			Logger().Debug("readback: pipeline compile state", "pipeline", r.label, "state", st.State)
		}
		r.last = st.State
	}
	return st
}

// Release destroys the pipeline and its layout.
func (r *PipelineRegistry) Release() {
	if r.pipeline != gpucore.InvalidID {
		r.compiler.DestroyComputePipeline(r.pipeline)
		r.pipeline = gpucore.InvalidID
	}
	if r.layout != gpucore.InvalidID {
		r.compiler.DestroyBindGroupLayout(r.layout)
		r.layout = gpucore.InvalidID
	}
}
