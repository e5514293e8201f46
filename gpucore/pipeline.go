package gpucore

import "fmt"

// CompileState is the asynchronous state of turning a shader description
// into an executable compute pipeline.
type CompileState int

const (
	// CompileQueued means the pipeline was accepted but compilation has not started.
	CompileQueued CompileState = iota

	// CompileCompiling means compilation is in progress.
	CompileCompiling

	// CompileReady means the executable pipeline exists.
	CompileReady

	// CompileFailed means compilation failed; PipelineState.Err holds the cause.
	CompileFailed
)

// String returns the string representation of CompileState.
func (s CompileState) String() string {
	switch s {
	case CompileQueued:
		return "Queued"
	case CompileCompiling:
		return "Compiling"
	case CompileReady:
		return "Ready"
	case CompileFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// PipelineState is a snapshot of a queued pipeline's compile status.
type PipelineState struct {
	State CompileState
	Err   error
}

// Pending reports whether compilation has not finished yet.
func (s PipelineState) Pending() bool {
	return s.State == CompileQueued || s.State == CompileCompiling
}

// Queued returns the state of a pipeline waiting for compilation.
func Queued() PipelineState { return PipelineState{State: CompileQueued} }

// Compiling returns the state of a pipeline being compiled.
func Compiling() PipelineState { return PipelineState{State: CompileCompiling} }

// Ready returns the state of a compiled pipeline.
func Ready() PipelineState { return PipelineState{State: CompileReady} }

// Failed returns the state of a pipeline that failed to compile.
func Failed(err error) PipelineState {
	if err == nil {
		err = fmt.Errorf("gpucore: pipeline compilation failed")
	}
	return PipelineState{State: CompileFailed, Err: err}
}
