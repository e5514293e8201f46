package readback

import "fmt"

// Status is the dispatch status of one registered compute shader.
type Status int

const (
	// StatusLoading means the pipeline is still compiling.
	StatusLoading Status = iota

	// StatusInit is accepted as an input state by Advance but never produced.
	StatusInit

	// StatusReady means the shader dispatches this frame.
	StatusReady

	// StatusCompleted means the dispatch budget is exhausted. It holds until
	// the node is reset.
	StatusCompleted

	// StatusError means the pipeline failed to compile. It holds until the
	// node is reset.
	StatusError
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusInit:
		return "init"
	case StatusReady:
		return "ready"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}
