// Package recording provides an in-memory readback host.
//
// The recording host implements gpucore.Host without a GPU. Pipeline
// compilation is scripted ([Host.CompileAfter], [Host.FailCompile],
// [Host.SetPipelineState]), dispatches are recorded for inspection, and
// buffers and textures live in CPU memory. An optional [Kernel] emulates
// the compute shader so readback payloads carry real data.
//
// Importing the package registers the host as the "recording" backend:
//
//	import _ "github.com/gogpu/readback/backend/recording"
package recording
