package readback

import "sync"

// inputCell holds the app-side shader input. Every Set bumps a generation
// so the render side can detect changes without comparing values.
type inputCell[S any] struct {
	mu    sync.Mutex
	value S
	gen   uint64
}

func (c *inputCell[S]) set(v S) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.gen++
	return c.gen
}

func (c *inputCell[S]) load() (S, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.gen
}
