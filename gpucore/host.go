package gpucore

// PipelineCompiler queues compute pipelines for asynchronous compilation.
type PipelineCompiler interface {
	// CreateBindGroupLayout creates a bind group layout.
	CreateBindGroupLayout(desc *BindGroupLayoutDesc) (BindGroupLayoutID, error)

	// DestroyBindGroupLayout releases a bind group layout.
	DestroyBindGroupLayout(id BindGroupLayoutID)

	// QueueComputePipeline accepts a pipeline for compilation and returns
	// its handle without waiting for the result.
	QueueComputePipeline(desc *ComputePipelineDesc) (ComputePipelineID, error)

	// PipelineState reports the current compile status of a queued pipeline.
	// Unknown IDs report a failed state.
	PipelineState(id ComputePipelineID) PipelineState

	// DestroyComputePipeline releases a pipeline. Compilation still in
	// flight is discarded when it finishes.
	DestroyComputePipeline(id ComputePipelineID)
}

// CommandSubmitter records compute dispatches into the current frame.
type CommandSubmitter interface {
	// Dispatch records one dispatch of pipeline with bindGroup at group 0.
	// The pipeline must be CompileReady.
	Dispatch(pipeline ComputePipelineID, bindGroup BindGroupID, workgroups Extent3D) error
}

// BindGroupAllocator creates and destroys bind groups.
type BindGroupAllocator interface {
	// CreateBindGroup creates a bind group.
	CreateBindGroup(desc *BindGroupDesc) (BindGroupID, error)

	// DestroyBindGroup releases a bind group.
	DestroyBindGroup(id BindGroupID)
}

// ReadbackService copies GPU resources back to CPU memory.
type ReadbackService interface {
	// Attach registers target to be copied after every submitted frame.
	Attach(target ReadbackTarget) (ReadbackID, error)

	// Detach stops copying for id. Copies already in flight are dropped.
	// Detaching an unknown ID is a no-op.
	Detach(id ReadbackID)

	// Drain returns and forgets every finished copy for id, in Seq order.
	Drain(id ReadbackID) []CompletionEvent
}

// ResourceAllocator creates the buffers and textures an application binds.
type ResourceAllocator interface {
	// CreateBuffer creates a buffer of size bytes.
	CreateBuffer(size uint64, usage BufferUsage) (BufferID, error)

	// WriteBuffer uploads data to buf at offset.
	WriteBuffer(buf BufferID, offset uint64, data []byte) error

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// CreateTexture creates a 2D texture that can be written from the CPU
	// and copied back.
	CreateTexture(width, height uint32, format TextureFormat) (TextureID, error)

	// WriteTexture uploads tightly packed texel rows covering the whole texture.
	WriteTexture(tex TextureID, data []byte) error

	// DestroyTexture releases a texture.
	DestroyTexture(id TextureID)
}

// Host is everything the readback core needs from a GPU environment.
//
// BeginFrame opens a frame before any Dispatch; EndFrame submits the frame's
// commands and schedules copies for attached readbacks. Neither blocks on
// GPU completion.
type Host interface {
	PipelineCompiler
	CommandSubmitter
	BindGroupAllocator
	ReadbackService
	ResourceAllocator

	BeginFrame(frame uint64) error
	EndFrame(frame uint64) error
}
