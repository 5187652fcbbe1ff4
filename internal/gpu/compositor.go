package gpu

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Compositor errors.
var (
	// ErrDeviceTimeout is returned when a fence wait exceeds its bound.
	ErrDeviceTimeout = errors.New("gpu: device wait timed out")

	// ErrNoLabels is returned when compositing before any label upload.
	ErrNoLabels = errors.New("gpu: no label volume uploaded")
)

// Params is the uniform block for the overlay shader. The layout mirrors
// the Params struct in overlay.wgsl exactly, including trailing padding to
// a 16-byte multiple.
//
// View holds the inverse view transform, transposed so the column-major
// mat4x4 seen by the shader applies the row-major matrix built on the CPU.
type Params struct {
	View           [16]float32
	Width          uint32
	Height         uint32
	DimX           uint32
	DimY           uint32
	DimZ           uint32
	Highlighted    int32
	ShowBoundaries uint32
	Step           uint32
	Opacity        float32
	HasBase        uint32
	Pad            [2]uint32
}

// Compositor owns the overlay compute pipeline and the GPU-resident label,
// palette and frame buffers. It is confined to the render thread; nothing
// here is safe for concurrent use.
type Compositor struct {
	backend *Backend

	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline

	width  int
	height int

	// Label volume buffer. Reused in place when dimensions are unchanged;
	// one retired buffer is pooled for dimension flips between two sizes.
	labelBuf    hal.Buffer
	labelDims   [3]int
	labelSize   uint64
	retiredBuf  hal.Buffer
	retiredSize uint64

	paramsBuf  hal.Buffer
	lutBuf     hal.Buffer
	visBuf     hal.Buffer
	baseBuf    hal.Buffer
	baseSize   uint64
	hasBase    bool
	outBuf     hal.Buffer
	stagingBuf hal.Buffer

	pixelBufSize uint64
}

const (
	lutBufSize = 256 * 4
	visBufSize = 8 * 4
)

// NewCompositor builds the overlay pipeline for a fixed output size.
// A shader compile or pipeline creation failure here is terminal for the
// caller; there is no fallback on this path.
func NewCompositor(backend *Backend, width, height int) (*Compositor, error) {
	if backend == nil || !backend.Ready() {
		return nil, ErrNotInitialized
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("gpu: invalid frame size %dx%d", width, height)
	}

	c := &Compositor{
		backend:      backend,
		width:        width,
		height:       height,
		pixelBufSize: uint64(width) * uint64(height) * 4,
	}
	if err := c.createPipeline(); err != nil {
		return nil, err
	}
	if err := c.createFrameBuffers(); err != nil {
		c.Close()
		return nil, err
	}
	slogger().Info("overlay pipeline ready",
		"frame", fmt.Sprintf("%dx%d", width, height),
		"adapter", backend.AdapterName())
	return c, nil
}

func (c *Compositor) createPipeline() error {
	device := c.backend.device

	shader, err := createShaderModule(device, "overlay", overlayShaderSource)
	if err != nil {
		return fmt.Errorf("compile overlay shader: %w", err)
	}
	c.shader = shader

	bindLayout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "overlay_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 3, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 4, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 5, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group layout: %w", err)
	}
	c.bindLayout = bindLayout

	pipeLayout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "overlay_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{c.bindLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}
	c.pipeLayout = pipeLayout

	pipeline, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label: "overlay_pipeline", Layout: c.pipeLayout,
		Compute: hal.ComputeState{Module: c.shader, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	c.pipeline = pipeline
	return nil
}

func (c *Compositor) createFrameBuffers() error {
	device := c.backend.device

	paramsBuf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "overlay_params", Size: uint64(unsafe.Sizeof(Params{})),
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create params buffer: %w", err)
	}
	c.paramsBuf = paramsBuf

	lutBuf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "overlay_palette", Size: lutBufSize,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create palette buffer: %w", err)
	}
	c.lutBuf = lutBuf

	visBuf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "overlay_visibility", Size: visBufSize,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create visibility buffer: %w", err)
	}
	c.visBuf = visBuf

	// Placeholder so binding 4 always has a buffer; replaced by UploadBase.
	baseBuf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "overlay_base", Size: 4,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create base buffer: %w", err)
	}
	c.baseBuf = baseBuf
	c.baseSize = 4

	outBuf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "overlay_out", Size: c.pixelBufSize,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create output buffer: %w", err)
	}
	c.outBuf = outBuf

	stagingBuf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "overlay_staging", Size: c.pixelBufSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create staging buffer: %w", err)
	}
	c.stagingBuf = stagingBuf
	return nil
}

// LabelDims returns the dimensions of the resident label volume.
func (c *Compositor) LabelDims() [3]int { return c.labelDims }

// LabelSizeBytes returns the GPU size of the resident label volume.
func (c *Compositor) LabelSizeBytes() uint64 { return c.labelSize }

// UploadLabels moves a label volume onto the GPU. When the dimensions
// match the resident buffer the upload is an in-place write; otherwise a
// fresh buffer is created and written before the old one is retired, so a
// concurrent frame never samples a partially written volume.
func (c *Compositor) UploadLabels(voxels []uint8, dims [3]int) error {
	if c.backend == nil || !c.backend.Ready() {
		return ErrNotInitialized
	}
	packed := padToWords(voxels)
	size := uint64(len(packed))

	if c.labelBuf != nil && dims == c.labelDims {
		c.backend.queue.WriteBuffer(c.labelBuf, 0, packed)
		slogger().Debug("label volume updated in place",
			"dims", dims, "size", humanize.IBytes(size))
		return nil
	}

	buf, err := c.takeLabelBuffer(size)
	if err != nil {
		return err
	}
	c.backend.queue.WriteBuffer(buf, 0, packed)

	old, oldSize := c.labelBuf, c.labelSize
	c.labelBuf = buf
	c.labelDims = dims
	c.labelSize = size
	c.retireLabelBuffer(old, oldSize)

	slogger().Info("label volume uploaded",
		"dims", dims, "size", humanize.IBytes(size))
	return nil
}

// takeLabelBuffer reuses the pooled retired buffer when the size matches,
// otherwise allocates a new one.
func (c *Compositor) takeLabelBuffer(size uint64) (hal.Buffer, error) {
	if c.retiredBuf != nil && c.retiredSize == size {
		buf := c.retiredBuf
		c.retiredBuf = nil
		c.retiredSize = 0
		return buf, nil
	}
	buf, err := c.backend.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "overlay_labels", Size: size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create label buffer (%s): %w", humanize.IBytes(size), err)
	}
	return buf, nil
}

// retireLabelBuffer keeps one old buffer for reuse and destroys the rest.
func (c *Compositor) retireLabelBuffer(buf hal.Buffer, size uint64) {
	if buf == nil {
		return
	}
	if c.retiredBuf != nil {
		c.backend.device.DestroyBuffer(c.retiredBuf)
	}
	c.retiredBuf = buf
	c.retiredSize = size
}

// UploadPalette writes the 256-entry RGBA8 lookup table.
func (c *Compositor) UploadPalette(lut []uint8) error {
	if c.backend == nil || !c.backend.Ready() {
		return ErrNotInitialized
	}
	if len(lut) != lutBufSize {
		return fmt.Errorf("gpu: palette table is %d bytes, want %d", len(lut), lutBufSize)
	}
	c.backend.queue.WriteBuffer(c.lutBuf, 0, lut)
	return nil
}

// UploadBase writes the underlying intensity frame (sRGB RGBA8, full
// output size).
func (c *Compositor) UploadBase(rgba []uint8) error {
	if c.backend == nil || !c.backend.Ready() {
		return ErrNotInitialized
	}
	if uint64(len(rgba)) != c.pixelBufSize {
		return fmt.Errorf("gpu: base frame is %d bytes, want %d", len(rgba), c.pixelBufSize)
	}
	if c.baseSize != c.pixelBufSize {
		c.backend.device.DestroyBuffer(c.baseBuf)
		buf, err := c.backend.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "overlay_base", Size: c.pixelBufSize,
			Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("create base buffer: %w", err)
		}
		c.baseBuf = buf
		c.baseSize = c.pixelBufSize
	}
	c.backend.queue.WriteBuffer(c.baseBuf, 0, rgba)
	c.hasBase = true
	return nil
}

// HasBase reports whether a base frame has been uploaded.
func (c *Compositor) HasBase() bool { return c.hasBase }

// Composite dispatches one overlay pass and reads the frame back into out
// (sRGB RGBA8, width*height*4 bytes). The fence wait is bounded by timeout;
// exceeding it returns ErrDeviceTimeout.
func (c *Compositor) Composite(params Params, visibility [8]uint32, out []uint8, timeout time.Duration) error {
	if c.backend == nil || !c.backend.Ready() {
		return ErrNotInitialized
	}
	if c.labelBuf == nil {
		return ErrNoLabels
	}
	if uint64(len(out)) != c.pixelBufSize {
		return fmt.Errorf("gpu: output frame is %d bytes, want %d", len(out), c.pixelBufSize)
	}

	device, queue := c.backend.device, c.backend.queue

	paramsBytes := structToBytes(unsafe.Pointer(&params), unsafe.Sizeof(params)) //nolint:gosec // safe struct serialization
	queue.WriteBuffer(c.paramsBuf, 0, paramsBytes)
	visBytes := structToBytes(unsafe.Pointer(&visibility), unsafe.Sizeof(visibility)) //nolint:gosec // safe struct serialization
	queue.WriteBuffer(c.visBuf, 0, visBytes)

	paramSize := uint64(unsafe.Sizeof(Params{}))
	bg, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: "overlay_bind", Layout: c.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: c.paramsBuf.NativeHandle(), Offset: 0, Size: paramSize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: c.labelBuf.NativeHandle(), Offset: 0, Size: c.labelSize}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: c.lutBuf.NativeHandle(), Offset: 0, Size: lutBufSize}},
			{Binding: 3, Resource: gputypes.BufferBinding{Buffer: c.visBuf.NativeHandle(), Offset: 0, Size: visBufSize}},
			{Binding: 4, Resource: gputypes.BufferBinding{Buffer: c.baseBuf.NativeHandle(), Offset: 0, Size: c.baseSize}},
			{Binding: 5, Resource: gputypes.BufferBinding{Buffer: c.outBuf.NativeHandle(), Offset: 0, Size: c.pixelBufSize}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	defer device.DestroyBindGroup(bg)

	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "overlay_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("overlay"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "overlay_pass"})
	pass.SetPipeline(c.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch((uint32(c.width)+7)/8, (uint32(c.height)+7)/8, 1) //nolint:gosec // frame dimensions fit uint32
	pass.End()

	encoder.CopyBufferToBuffer(c.outBuf, c.stagingBuf, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: c.pixelBufSize},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer device.FreeCommandBuffer(cmdBuf)

	fence, err := device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer device.DestroyFence(fence)
	if err := queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fenceOK, err := device.Wait(fence, 1, timeout)
	if err != nil {
		return fmt.Errorf("wait for GPU: %w", err)
	}
	if !fenceOK {
		return fmt.Errorf("%w: after %v", ErrDeviceTimeout, timeout)
	}

	if err := queue.ReadBuffer(c.stagingBuf, 0, out); err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	return nil
}

// Close releases every GPU resource owned by the compositor.
func (c *Compositor) Close() {
	if c.backend == nil || c.backend.device == nil {
		return
	}
	device := c.backend.device
	for _, buf := range []hal.Buffer{
		c.labelBuf, c.retiredBuf, c.paramsBuf, c.lutBuf, c.visBuf, c.baseBuf, c.outBuf, c.stagingBuf,
	} {
		if buf != nil {
			device.DestroyBuffer(buf)
		}
	}
	c.labelBuf, c.retiredBuf = nil, nil
	c.paramsBuf, c.lutBuf, c.visBuf, c.baseBuf, c.outBuf, c.stagingBuf = nil, nil, nil, nil, nil, nil
	c.labelSize, c.retiredSize = 0, 0
	c.labelDims = [3]int{}

	if c.pipeline != nil {
		device.DestroyComputePipeline(c.pipeline)
		c.pipeline = nil
	}
	if c.pipeLayout != nil {
		device.DestroyPipelineLayout(c.pipeLayout)
		c.pipeLayout = nil
	}
	if c.bindLayout != nil {
		device.DestroyBindGroupLayout(c.bindLayout)
		c.bindLayout = nil
	}
	if c.shader != nil {
		device.DestroyShaderModule(c.shader)
		c.shader = nil
	}
}

// padToWords copies byte data padded to a 4-byte multiple for storage
// buffer upload.
func padToWords(data []uint8) []uint8 {
	n := (len(data) + 3) &^ 3
	out := make([]uint8, n)
	copy(out, data)
	return out
}

func structToBytes(ptr unsafe.Pointer, size uintptr) []byte {
	return unsafe.Slice((*byte)(ptr), size) //nolint:gosec // safe struct serialization
}
