package readback

import "errors"

// Sentinel errors returned by the readback core. Callers match them with
// errors.Is; the returned errors wrap them with the failing key or stage.
var (
	// ErrMissingBindGroup is returned when a node is Ready but its bind
	// group was never built. It indicates a broken frame ordering.
	ErrMissingBindGroup = errors.New("readback: dispatch without bind group")

	// ErrBindGroupBuild is returned when the host rejects the bindings of
	// a shader input, typically a binding/layout mismatch.
	ErrBindGroupBuild = errors.New("readback: bind group build failed")

	// ErrMissingReadbackTarget is returned when a shader reports a readback
	// target that does not reference a usable resource.
	ErrMissingReadbackTarget = errors.New("readback: missing readback target")

	// ErrDuplicateKey is returned when a key is registered twice.
	ErrDuplicateKey = errors.New("readback: duplicate key")

	// ErrUnknownKey is returned when unregistering a key that was never registered.
	ErrUnknownKey = errors.New("readback: unknown key")

	// ErrNoHost is returned by NewApp when no host was configured.
	ErrNoHost = errors.New("readback: no host configured")

	// ErrAppFailed is returned by every frame after a fatal error.
	// The returned error also wraps the first cause.
	ErrAppFailed = errors.New("readback: app failed")

	// ErrReentrantFrame is returned when a frame is started from inside a
	// system or handler running in that same frame.
	ErrReentrantFrame = errors.New("readback: re-entrant frame")

	// ErrFrameInProgress is returned when a frame is started while another
	// goroutine is running one.
	ErrFrameInProgress = errors.New("readback: frame already in progress")

	// ErrNodeNotFound is returned when removing a node the graph does not hold.
	ErrNodeNotFound = errors.New("readback: node not found")
)
