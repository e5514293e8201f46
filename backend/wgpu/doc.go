//go:build !nogpu

// Package wgpu implements the readback host on the gogpu/wgpu HAL.
//
// Shaders are compiled from WGSL to SPIR-V with gogpu/naga on background
// goroutines; the executable pipeline is created on the device at the next
// BeginFrame after compilation finishes. Each frame records one command
// buffer with a compute pass per dispatch, followed by copies of every
// attached readback target into per-frame staging buffers. Submissions are
// fenced and polled without blocking, so completion events become
// available a frame or more after the copy was recorded.
//
// The host can share a device with another gogpu component:
//
//	host, err := wgpu.NewFromProvider(provider)
//
// or open its own Vulkan device on Init. Importing the package registers
// the host as the "wgpu" backend:
//
//	import _ "github.com/gogpu/readback/backend/wgpu"
//
// Build with the nogpu tag to exclude the package.
package wgpu
