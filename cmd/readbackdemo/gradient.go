package main

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/gogpu/readback"
	"github.com/gogpu/readback/backend/recording"
	"github.com/gogpu/readback/gpucore"
)

//go:embed gradient.wgsl
var gradientWGSL string

const (
	// paramsSize is the uniform layout of Params in gradient.wgsl:
	// vec4<f32> color, vec2<u32> size, padded to 16 bytes.
	paramsSize = 32

	workgroupSize = 8

	texelSize = 16
)

// rgb is a linear color.
type rgb struct{ R, G, B float32 }

var palette = []rgb{
	{R: 1, G: 0.45, B: 0.1},
	{R: 0.1, G: 0.6, B: 1},
	{R: 0.5, G: 1, B: 0.3},
}

// gradient is the input of the gradient compute shader.
type gradient struct {
	params, pixels gpucore.BufferID
	width, height  uint32
	color          rgb
	sink           *frameSink
}

func (g gradient) Shader() gpucore.ShaderSource {
	return gpucore.ShaderSource{WGSL: gradientWGSL}
}

func (g gradient) Workgroups() gpucore.Extent3D {
	return gpucore.Extent3D{
		X: (g.width + workgroupSize - 1) / workgroupSize,
		Y: (g.height + workgroupSize - 1) / workgroupSize,
		Z: 1,
	}
}

func (g gradient) Layout() []gpucore.BindGroupLayoutEntry {
	return []gpucore.BindGroupLayoutEntry{
		{Binding: 0, Type: gpucore.BindingTypeUniformBuffer, MinBindingSize: paramsSize},
		{Binding: 1, Type: gpucore.BindingTypeStorageBuffer},
	}
}

func (g gradient) Bindings() []gpucore.BindGroupEntry {
	return []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: g.params},
		{Binding: 1, Buffer: g.pixels},
	}
}

func (g gradient) Readback() (gpucore.ReadbackTarget, bool) {
	return gpucore.BufferReadback(g.pixels, g.byteSize()), true
}

// OnReadback decodes the RGBA32F payload into the sink.
func (g gradient) OnReadback(ev gpucore.CompletionEvent) {
	img, err := decodeRGBA32F(ev.Data, int(g.width), int(g.height))
	if err != nil {
		readback.Logger().Warn("readbackdemo: bad payload", "seq", ev.Seq, "error", err)
		return
	}
	g.sink.store(img, ev.Frame)
}

func (g gradient) byteSize() uint64 {
	return uint64(g.width) * uint64(g.height) * texelSize
}

func encodeParams(c rgb, width, height uint32) []byte {
	b := make([]byte, paramsSize)
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(c.R))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(c.G))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(c.B))
	binary.LittleEndian.PutUint32(b[12:], math.Float32bits(1))
	binary.LittleEndian.PutUint32(b[16:], width)
	binary.LittleEndian.PutUint32(b[20:], height)
	return b
}

func decodeParams(b []byte) (c rgb, width, height uint32) {
	c.R = math.Float32frombits(binary.LittleEndian.Uint32(b[0:]))
	c.G = math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
	c.B = math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))
	return c, binary.LittleEndian.Uint32(b[16:]), binary.LittleEndian.Uint32(b[20:])
}

// shade matches gradient.wgsl.
func shade(c rgb, x, y, width, height uint32) [4]float32 {
	u := float32(x) / float32(max(width, 2)-1)
	v := float32(y) / float32(max(height, 2)-1)
	k := u * (1 - 0.5*v)
	return [4]float32{c.R * k, c.G * k, c.B * k, 1}
}

// gradientKernel runs gradient.wgsl on the CPU for the recording host.
func gradientKernel(_ recording.Dispatch, group gpucore.BindGroupDesc, buffers map[gpucore.BufferID][]byte) {
	var params, pixels []byte
	for _, e := range group.Entries {
		switch e.Binding {
		case 0:
			params = buffers[e.Buffer]
		case 1:
			pixels = buffers[e.Buffer]
		}
	}
	if len(params) < paramsSize {
		return
	}
	c, width, height := decodeParams(params)
	for y := range height {
		for x := range width {
			off := (int(y)*int(width) + int(x)) * texelSize
			if off+texelSize > len(pixels) {
				return
			}
			for i, f := range shade(c, x, y, width, height) {
				binary.LittleEndian.PutUint32(pixels[off+4*i:], math.Float32bits(f))
			}
		}
	}
}

// decodeRGBA32F converts tightly packed RGBA32F texels to 8-bit NRGBA.
func decodeRGBA32F(data []byte, width, height int) (*image.NRGBA, error) {
	if want := width * height * texelSize; len(data) < want {
		return nil, fmt.Errorf("payload of %d bytes, want %d", len(data), want)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			off := (y*width + x) * texelSize
			var px [4]uint8
			for i := range px {
				f := math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*i:]))
				px[i] = unorm8(f)
			}
			img.SetNRGBA(x, y, color.NRGBA{R: px[0], G: px[1], B: px[2], A: px[3]})
		}
	}
	return img, nil
}

func unorm8(f float32) uint8 {
	if f != f || f <= 0 {
		return 0
	}
	if f >= 1 {
		return 255
	}
	return uint8(f*255 + 0.5)
}

// frameSink keeps the most recent decoded frame.
type frameSink struct {
	mu     sync.Mutex
	img    *image.NRGBA
	frame  uint64
	frames int
}

func (s *frameSink) store(img *image.NRGBA, frame uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = img
	s.frame = frame
	s.frames++
}

// latest returns the last image, the frame it was copied in and how many
// images were received.
func (s *frameSink) latest() (*image.NRGBA, uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img, s.frame, s.frames
}
