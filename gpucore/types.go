package gpucore

import "fmt"

// Resource IDs
//
// These opaque IDs represent GPU resources. Each host implementation
// maintains a mapping between IDs and actual backend resources.
// IDs are uint64 to accommodate various backend handle sizes.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// TextureID is an opaque handle to a GPU texture.
type TextureID uint64

// ComputePipelineID is an opaque handle to a queued compute pipeline.
// The ID is valid from the moment the pipeline is queued; the executable
// pipeline behind it exists only once its CompileState is CompileReady.
type ComputePipelineID uint64

// BindGroupLayoutID is an opaque handle to a bind group layout.
type BindGroupLayoutID uint64

// BindGroupID is an opaque handle to a bind group.
type BindGroupID uint64

// ReadbackID is an opaque handle to an attached readback request.
type ReadbackID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageMapRead indicates the buffer can be mapped for reading.
	BufferUsageMapRead BufferUsage = 1 << 0

	// BufferUsageMapWrite indicates the buffer can be mapped for writing.
	BufferUsageMapWrite BufferUsage = 1 << 1

	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 2

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 3

	// BufferUsageUniform indicates the buffer can be used as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 6

	// BufferUsageStorage indicates the buffer can be used as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 7
)

// TextureFormat specifies the format of texture data.
type TextureFormat uint32

// Texture formats.
const (
	// TextureFormatRGBA8Unorm is 8-bit RGBA, normalized unsigned integer.
	TextureFormatRGBA8Unorm TextureFormat = iota + 1

	// TextureFormatR32Float is 32-bit red channel only, floating point.
	TextureFormatR32Float

	// TextureFormatRGBA32Float is 32-bit RGBA, floating point.
	TextureFormatRGBA32Float
)

// BytesPerPixel returns the size of one texel, or 0 for an unknown format.
func (f TextureFormat) BytesPerPixel() uint32 {
	switch f {
	case TextureFormatRGBA8Unorm, TextureFormatR32Float:
		return 4
	case TextureFormatRGBA32Float:
		return 16
	default:
		return 0
	}
}

// BindingType specifies the type of a shader binding.
type BindingType uint32

// Binding types.
const (
	// BindingTypeUniformBuffer is a uniform buffer binding.
	BindingTypeUniformBuffer BindingType = iota + 1

	// BindingTypeStorageBuffer is a storage buffer binding (read-write).
	BindingTypeStorageBuffer

	// BindingTypeReadOnlyStorageBuffer is a read-only storage buffer binding.
	BindingTypeReadOnlyStorageBuffer
)

// String returns the WGSL-flavored name of the binding type.
func (t BindingType) String() string {
	switch t {
	case BindingTypeUniformBuffer:
		return "uniform"
	case BindingTypeStorageBuffer:
		return "storage"
	case BindingTypeReadOnlyStorageBuffer:
		return "storage_read"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Extent3D is a workgroup count or a texture size in three dimensions.
type Extent3D struct {
	X, Y, Z uint32
}

// IsZero reports whether any dimension is zero. A zero extent dispatches nothing.
func (e Extent3D) IsZero() bool {
	return e.X == 0 || e.Y == 0 || e.Z == 0
}

// ShaderSource references a compute shader. Exactly one of WGSL or Path
// should be set; hosts resolve Path themselves.
type ShaderSource struct {
	// WGSL is inline shader source.
	WGSL string

	// Path is a host-resolved asset path to a WGSL file.
	Path string
}

// IsZero reports whether the source references nothing.
func (s ShaderSource) IsZero() bool {
	return s.WGSL == "" && s.Path == ""
}

// BindGroupLayoutEntry describes a single binding in a bind group layout.
type BindGroupLayoutEntry struct {
	// Binding is the binding index.
	Binding uint32

	// Type is the type of resource bound at this index.
	Type BindingType

	// MinBindingSize is the minimum buffer size for buffer bindings.
	MinBindingSize uint64
}

// BindGroupLayoutDesc describes a bind group layout.
type BindGroupLayoutDesc struct {
	// Label is an optional debug label.
	Label string

	// Entries defines the bindings in this layout.
	Entries []BindGroupLayoutEntry
}

// BindGroupEntry describes a single binding in a bind group.
type BindGroupEntry struct {
	// Binding is the binding index.
	Binding uint32

	// Buffer is the buffer to bind.
	Buffer BufferID

	// Offset is the offset into the buffer.
	Offset uint64

	// Size is the size of the buffer range to bind.
	// Use 0 to bind the entire buffer from offset.
	Size uint64
}

// BindGroupDesc describes a bind group.
type BindGroupDesc struct {
	// Label is an optional debug label.
	Label string

	// Layout is the bind group layout.
	Layout BindGroupLayoutID

	// Entries are the resource bindings.
	Entries []BindGroupEntry
}

// ComputePipelineDesc describes a compute pipeline to be queued for compilation.
type ComputePipelineDesc struct {
	// Label is an optional debug label.
	Label string

	// Layout is the single bind group layout (group 0) of the pipeline.
	Layout BindGroupLayoutID

	// Shader references the compute shader.
	Shader ShaderSource

	// EntryPoint is the name of the shader entry point function.
	EntryPoint string
}

// ReadbackTarget describes a GPU resource to copy back to the CPU.
// Exactly one of Buffer or Texture is set.
type ReadbackTarget struct {
	// Buffer is the source buffer. Size bytes are copied from offset 0.
	Buffer BufferID

	// Size is the number of bytes to copy from Buffer.
	Size uint64

	// Texture is the source texture, copied whole.
	Texture TextureID

	// TextureSize is the size of Texture in texels.
	TextureSize Extent3D

	// Format is the texel format of Texture.
	Format TextureFormat
}

// BufferReadback returns a target copying size bytes from buf.
func BufferReadback(buf BufferID, size uint64) ReadbackTarget {
	return ReadbackTarget{Buffer: buf, Size: size}
}

// TextureReadback returns a target copying the whole texture.
func TextureReadback(tex TextureID, size Extent3D, format TextureFormat) ReadbackTarget {
	return ReadbackTarget{Texture: tex, TextureSize: size, Format: format}
}

// IsTexture reports whether the target is a texture.
func (t ReadbackTarget) IsTexture() bool {
	return t.Texture != InvalidID
}

// ByteSize returns the size of the payload the copy produces.
// Texture rows are tightly packed in the payload.
func (t ReadbackTarget) ByteSize() uint64 {
	if t.IsTexture() {
		return uint64(t.TextureSize.X) * uint64(t.TextureSize.Y) *
			uint64(max(t.TextureSize.Z, 1)) * uint64(t.Format.BytesPerPixel())
	}
	return t.Size
}

// Validate returns an error if the target references nothing or both kinds.
func (t ReadbackTarget) Validate() error {
	switch {
	case t.Buffer == InvalidID && t.Texture == InvalidID:
		return fmt.Errorf("gpucore: readback target references no resource")
	case t.Buffer != InvalidID && t.Texture != InvalidID:
		return fmt.Errorf("gpucore: readback target references both a buffer and a texture")
	case t.ByteSize() == 0:
		return fmt.Errorf("gpucore: readback target has zero size")
	}
	return nil
}

// CompletionEvent carries the bytes of one finished GPU→CPU copy.
type CompletionEvent struct {
	// ID is the readback request the copy belongs to.
	ID ReadbackID

	// Seq increases by one for every copy finished under ID, starting at 1.
	Seq uint64

	// Frame is the frame in which the copy was recorded.
	Frame uint64

	// Data is the raw payload. Receivers own it.
	Data []byte
}
