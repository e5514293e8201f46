package readback

import "github.com/gogpu/readback/gpucore"

// Advance computes the next dispatch status and counter from the pipeline's
// compile state and the current status, counter, and limit.
//
// Rules, first match wins:
//
//  1. Error stays Error.
//  2. A queued or compiling pipeline yields Loading with the counter unchanged.
//  3. A failed pipeline yields Error.
//  4. Completed stays Completed.
//  5. An Infinite limit yields Ready.
//  6. Finite(n) with counter < n increments the counter and yields Ready.
//  7. Finite(n) with counter >= n resets the counter and yields Completed.
func Advance(compile gpucore.PipelineState, status Status, count int, limit Limit) (Status, int) {
	if status == StatusError {
		return StatusError, count
	}

	switch compile.State {
	case gpucore.CompileQueued, gpucore.CompileCompiling:
		return StatusLoading, count
	case gpucore.CompileFailed:
		return StatusError, count
	}

	if status == StatusCompleted {
		return StatusCompleted, count
	}

	n, finite := limit.N()
	if !finite {
		return StatusReady, count
	}
	if count < n {
		return StatusReady, count + 1
	}
	return StatusCompleted, 0
}

// NodeState is the render-side dispatch state of one registered shader.
// Only the node that owns it writes it; the synchronizer reads it.
type NodeState struct {
	status Status
	count  int
	limit  Limit
}

// NewNodeState returns a state in Loading with a zero counter.
func NewNodeState(limit Limit) *NodeState {
	return &NodeState{status: StatusLoading, limit: limit}
}

// Status returns the current status.
func (s *NodeState) Status() Status { return s.status }

// Count returns the number of dispatches in the current cycle.
func (s *NodeState) Count() int { return s.count }

// Limit returns the dispatch limit.
func (s *NodeState) Limit() Limit { return s.limit }

// Update advances the state for one frame and reports whether the
// status or counter changed.
func (s *NodeState) Update(compile gpucore.PipelineState) bool {
	status, count := Advance(compile, s.status, s.count, s.limit)
	if status == s.status && count == s.count {
		return false
	}
	s.status, s.count = status, count
	return true
}

// Reset forces Loading with a zero counter from any status and reports
// whether anything changed.
func (s *NodeState) Reset() bool {
	changed := s.status != StatusLoading || s.count != 0
	s.status, s.count = StatusLoading, 0
	return changed
}
