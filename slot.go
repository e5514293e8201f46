package readback

import "sync"

// Slot publishes the latest value of type T from one context to another.
// There is one writer and any number of readers; each Publish overwrites the
// previous value and stamps it with the frame it was published in.
type Slot[T any] struct {
	mu     sync.RWMutex
	value  T
	frame  uint64
	writes uint64
}

// NewSlot returns a slot holding initial, stamped with frame 0.
func NewSlot[T any](initial T) *Slot[T] {
	return &Slot[T]{value: initial}
}

// Publish stores v as the value of frame.
func (s *Slot[T]) Publish(frame uint64, v T) {
	s.mu.Lock()
	s.value = v
	s.frame = frame
	s.writes++
	s.mu.Unlock()
}

// Load returns the latest value and the frame it was published in.
func (s *Slot[T]) Load() (T, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.frame
}

// Value returns the latest value.
func (s *Slot[T]) Value() T {
	v, _ := s.Load()
	return v
}

// Writes returns how many times Publish was called.
func (s *Slot[T]) Writes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
