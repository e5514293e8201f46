// Package backend provides a pluggable GPU host abstraction.
//
// The backend package allows readback to run on several host
// implementations: the Pure Go WebGPU HAL backend (backend/wgpu) and the
// in-memory recording backend (backend/recording) used for tests and
// machines without a GPU.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime:
//
//	import (
//		_ "github.com/gogpu/readback/backend/recording"
//		_ "github.com/gogpu/readback/backend/wgpu"
//	)
//
// # Backend Selection
//
// Use InitDefault() to get the best backend that initializes, or Get() to
// request a specific backend by name:
//
//	b, err := backend.InitDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	app, err := readback.NewApp(readback.WithHost(b))
package backend
