// Package gpucore provides the host vocabulary shared by the readback core
// and its GPU backends.
//
// The core never talks to a GPU API directly. It drives a [Host], which is
// the union of small capability interfaces:
//
//	               +-----------------+
//	               |    readback     |
//	               | (App, Node, ...)|
//	               +--------+--------+
//	                        |  gpucore.Host
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	|  backend/wgpu   |          |backend/recording|
//	|  (hal.Device)   |          |   (in-memory)   |
//	+-----------------+          +-----------------+
//
// # Resource Management
//
// GPU resources are managed via opaque IDs ([BufferID], [TextureID],
// [ComputePipelineID], etc.). Hosts are responsible for tracking the mapping
// between IDs and actual GPU resources. [InvalidID] is never handed out.
//
// # Asynchronous Compilation
//
// [PipelineCompiler.QueueComputePipeline] returns immediately. The caller
// polls [PipelineCompiler.PipelineState] once per frame; a pending pipeline
// is never waited on.
//
// # Readback
//
// A [ReadbackTarget] attached through [ReadbackService.Attach] is copied to
// CPU memory after every frame's submission until it is detached. Finished
// copies surface as [CompletionEvent] values from [ReadbackService.Drain].
package gpucore
