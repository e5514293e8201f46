package readback

import (
	"fmt"

	"github.com/gogpu/readback/gpucore"
)

// Bindable produces the resource bindings of a shader input.
type Bindable interface {
	Bindings() []gpucore.BindGroupEntry
}

// BindGroupCache holds the realized bind group for the current shader input.
// It is invalid until the first successful Prepare.
type BindGroupCache struct {
	label string
	alloc gpucore.BindGroupAllocator
	group gpucore.BindGroupID
	gen   uint64
}

// NewBindGroupCache returns an empty cache.
func NewBindGroupCache(label string) *BindGroupCache {
	return &BindGroupCache{label: label}
}

// Prepare rebuilds the bind group when none exists or when gen differs from
// the generation of the cached group. The replaced group is destroyed.
// On failure the cache is left invalid and an error wrapping
// ErrBindGroupBuild is returned.
func (c *BindGroupCache) Prepare(alloc gpucore.BindGroupAllocator, layout gpucore.BindGroupLayoutID, input Bindable, gen uint64) error {
	if c.Valid() && c.gen == gen {
		return nil
	}

	group, err := alloc.CreateBindGroup(&gpucore.BindGroupDesc{
		Label:   c.label + "_bind_group",
		Layout:  layout,
		Entries: input.Bindings(),
	})
	if err != nil {
		c.Release()
		return fmt.Errorf("%w: %s: %w", ErrBindGroupBuild, c.label, err)
	}

	c.Release()
	c.alloc, c.group, c.gen = alloc, group, gen
	Logger().Debug("readback: bind group built", "label", c.label, "generation", gen)
	return nil
}

// Valid reports whether a bind group is available.
func (c *BindGroupCache) Valid() bool { return c.group != gpucore.InvalidID }

// BindGroup returns the cached bind group, or InvalidID.
func (c *BindGroupCache) BindGroup() gpucore.BindGroupID { return c.group }

// Generation returns the input generation the cached group was built from.
func (c *BindGroupCache) Generation() uint64 { return c.gen }

// Invalidate forces a rebuild on the next Prepare without destroying the
// current group.
func (c *BindGroupCache) Invalidate() { c.gen = 0 }

// Release destroys the cached group.
func (c *BindGroupCache) Release() {
	if c.group != gpucore.InvalidID && c.alloc != nil {
		c.alloc.DestroyBindGroup(c.group)
	}
	c.group = gpucore.InvalidID
	c.gen = 0
}
