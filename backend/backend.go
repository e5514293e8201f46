package backend

import (
	"errors"

	"github.com/gogpu/readback/gpucore"
)

// Backend name constants.
const (
	// BackendWGPU is the name of the Pure Go GPU backend (gogpu/wgpu HAL).
	BackendWGPU = "wgpu"
	// BackendRecording is the name of the in-memory recording backend.
	BackendRecording = "recording"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")
)

// Backend is a GPU host that can be selected at runtime.
//
// Backends must be registered via Register() and are selected via
// Get() or Default().
type Backend interface {
	gpucore.Host

	// Name returns the backend identifier (e.g., "wgpu", "recording").
	Name() string

	// Init initializes the backend.
	// This should be called before any other operation.
	Init() error

	// Close releases all backend resources.
	// The backend should not be used after Close is called.
	Close()
}
