package readback

import (
	"context"
	"fmt"
	"slices"

	"github.com/gogpu/readback/gpucore"
)

// RenderGraph runs its nodes once per frame in insertion order.
type RenderGraph struct {
	order []Key
	nodes map[Key]*Node
}

// NewRenderGraph returns an empty graph.
func NewRenderGraph() *RenderGraph {
	return &RenderGraph{nodes: make(map[Key]*Node)}
}

// AddNode appends n. A node with the same key returns ErrDuplicateKey.
func (g *RenderGraph) AddNode(n *Node) error {
	if _, ok := g.nodes[n.key]; ok {
		return fmt.Errorf("render graph: %q: %w", n.key, ErrDuplicateKey)
	}
	g.nodes[n.key] = n
	g.order = append(g.order, n.key)
	return nil
}

// RemoveNode removes the node registered under key.
func (g *RenderGraph) RemoveNode(key Key) error {
	if _, ok := g.nodes[key]; !ok {
		return fmt.Errorf("render graph: %q: %w", key, ErrNodeNotFound)
	}
	delete(g.nodes, key)
	g.order = slices.DeleteFunc(g.order, func(k Key) bool { return k == key })
	return nil
}

// Node returns the node registered under key.
func (g *RenderGraph) Node(key Key) (*Node, bool) {
	n, ok := g.nodes[key]
	return n, ok
}

// Len returns the number of nodes.
func (g *RenderGraph) Len() int { return len(g.order) }

// Update runs Node.Update on every node.
func (g *RenderGraph) Update() {
	for _, k := range g.order {
		g.nodes[k].Update()
	}
}

// Run runs Node.Run on every node and stops at the first error.
func (g *RenderGraph) Run(ctx context.Context, sub gpucore.CommandSubmitter) error {
	for _, k := range g.order {
		if err := g.nodes[k].Run(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}
