package readback

import (
	"context"
	"fmt"

	"github.com/gogpu/readback/gpucore"
)

// Node is the render graph entry of one registered shader. Each frame,
// Update advances its NodeState from the live compile status and Run issues
// at most one dispatch.
type Node struct {
	key        Key
	state      *NodeState
	pipelines  *PipelineRegistry
	bindings   *BindGroupCache
	workgroups func() gpucore.Extent3D

	// dispatch is set by Update when the frame's status is Ready and
	// consumed by Run.
	dispatch bool
}

// NewNode wires a node. workgroups is evaluated on every dispatch.
func NewNode(key Key, state *NodeState, pipelines *PipelineRegistry, bindings *BindGroupCache,
	workgroups func() gpucore.Extent3D) *Node {
	return &Node{
		key:        key,
		state:      state,
		pipelines:  pipelines,
		bindings:   bindings,
		workgroups: workgroups,
	}
}

// Key returns the node's registry key.
func (n *Node) Key() Key { return n.key }

// State returns the node's dispatch state.
func (n *Node) State() *NodeState { return n.state }

// Update polls the compile status and advances the state machine. It does
// no GPU work and reports whether the state changed.
func (n *Node) Update() bool {
	prev := n.state.Status()
	changed := n.state.Update(n.pipelines.State())
	if changed && n.state.Status() != prev {
		Logger().Debug("readback: node status",
			"key", n.key, "from", prev, "to", n.state.Status(), "count", n.state.Count())
	}
	n.dispatch = n.state.Status() == StatusReady
	return changed
}

// Run issues exactly one dispatch if this frame's Update computed Ready.
// A Ready node without a bind group returns ErrMissingBindGroup.
//
// Run does not observe cancellation: once Update has counted a dispatch,
// the dispatch is recorded.
func (n *Node) Run(_ context.Context, sub gpucore.CommandSubmitter) error {
	if !n.dispatch {
		return nil
	}
	n.dispatch = false

	if !n.bindings.Valid() {
		return fmt.Errorf("node %q: %w", n.key, ErrMissingBindGroup)
	}

	wg := n.workgroups()
	if err := sub.Dispatch(n.pipelines.Handle(), n.bindings.BindGroup(), wg); err != nil {
		return fmt.Errorf("node %q: dispatch: %w", n.key, err)
	}
	return nil
}
