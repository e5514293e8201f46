//go:build !nogpu

package main

// Register the wgpu backend; without it the demo runs on the recording host.
import _ "github.com/gogpu/readback/backend/wgpu"
