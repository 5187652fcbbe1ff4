package overlay

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"golang.org/x/image/draw"

	"github.com/medgpu/overlay/internal/gpu"
)

// DefaultFrameSize is the output frame edge length used when no size
// option is given.
const DefaultFrameSize = 512

// defaultExportWait bounds synchronous export readback.
const defaultExportWait = 2 * time.Second

// deviceWaitTimeout bounds the per-frame GPU fence wait.
const deviceWaitTimeout = time.Second

type config struct {
	width        int
	height       int
	provider     gpucontext.DeviceProvider
	ownDevice    bool
	memoryBudget uint64
	frameBudget  time.Duration
	base         image.Image
	exportWait   time.Duration
}

// Option configures a Renderer.
type Option func(*config)

// WithSize sets the output frame dimensions in pixels.
func WithSize(width, height int) Option {
	return func(c *config) {
		c.width = width
		c.height = height
	}
}

// WithDeviceProvider borrows a shared GPU device from the host application
// instead of creating one.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(c *config) { c.provider = p }
}

// WithGPU makes the renderer acquire its own GPU device. Without this (or
// WithDeviceProvider) frames are composited on the CPU, which keeps the
// renderer usable on headless machines.
func WithGPU() Option {
	return func(c *config) { c.ownDevice = true }
}

// WithSoftwareCompositor forces CPU compositing, overriding any earlier
// device option.
func WithSoftwareCompositor() Option {
	return func(c *config) {
		c.provider = nil
		c.ownDevice = false
	}
}

// WithMemoryBudget caps GPU memory for the label volume plus palette table.
func WithMemoryBudget(bytes uint64) Option {
	return func(c *config) { c.memoryBudget = bytes }
}

// WithFrameBudget sets the per-frame time budget driving adaptive
// decimation.
func WithFrameBudget(d time.Duration) Option {
	return func(c *config) { c.frameBudget = d }
}

// WithBaseImage sets the underlying intensity render the overlay is
// composited over. Images of a different size are rescaled to the frame.
func WithBaseImage(img image.Image) Option {
	return func(c *config) { c.base = img }
}

// WithExportWait bounds synchronous export calls that carry no deadline.
func WithExportWait(d time.Duration) Option {
	return func(c *config) { c.exportWait = d }
}

// pendingMask is the single-slot hand-off cell between the asynchronous
// result poller and the render thread. Last write wins; the cell is
// consumed at the next frame tick.
type pendingMask struct {
	mask       *Mask
	generation uint64
}

// Renderer composites a false-colored segmentation overlay onto 2D frames
// of a volumetric scene. All methods except Deliver must be called from the
// render thread.
type Renderer struct {
	palette *Palette
	ctrl    *Controller
	sched   *frameScheduler
	masks   *maskManager

	backend *gpu.Backend
	comp    *gpu.Compositor

	width, height int
	base          *Pixmap
	frame         *Pixmap
	rendered      bool

	pending    atomic.Pointer[pendingMask]
	exportWait time.Duration
	disposed   bool
}

// New creates a renderer for the given palette. By default frames are
// composited on the CPU; pass WithGPU or WithDeviceProvider for the
// GPU path. A GPU that is requested but cannot be initialized is a hard
// failure, never a silent fallback.
func New(palette *Palette, opts ...Option) (*Renderer, error) {
	if palette == nil {
		return nil, fmt.Errorf("%w: nil palette", ErrInvalidData)
	}
	cfg := config{
		width:      DefaultFrameSize,
		height:     DefaultFrameSize,
		exportWait: defaultExportWait,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.width <= 0 || cfg.height <= 0 {
		return nil, fmt.Errorf("%w: frame size %dx%d", ErrInvalidData, cfg.width, cfg.height)
	}

	r := &Renderer{
		palette:    palette,
		ctrl:       newController(palette),
		sched:      newFrameScheduler(cfg.frameBudget),
		width:      cfg.width,
		height:     cfg.height,
		frame:      NewPixmap(cfg.width, cfg.height),
		exportWait: cfg.exportWait,
	}

	if cfg.provider != nil || cfg.ownDevice {
		var backend *gpu.Backend
		var err error
		if cfg.provider != nil {
			backend, err = gpu.NewBackendFromProvider(cfg.provider)
		} else {
			backend, err = gpu.NewBackend()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGraphicsInit, err)
		}
		comp, err := gpu.NewCompositor(backend, cfg.width, cfg.height)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("%w: %v", ErrGraphicsInit, err)
		}
		if err := comp.UploadPalette(palette.LookupTable()); err != nil {
			comp.Close()
			backend.Close()
			return nil, fmt.Errorf("%w: %v", ErrGraphicsInit, err)
		}
		r.backend = backend
		r.comp = comp
	}

	r.masks = newMaskManager(cfg.memoryBudget, r.comp)

	if cfg.base != nil {
		if err := r.SetBaseImage(cfg.base); err != nil {
			r.Dispose()
			return nil, err
		}
	}
	return r, nil
}

// SetBaseImage replaces the underlying intensity render. Images of a
// different size are rescaled to the frame with Catmull-Rom resampling.
func (r *Renderer) SetBaseImage(img image.Image) error {
	if r.disposed {
		return ErrDisposed
	}
	if img == nil {
		return fmt.Errorf("%w: nil base image", ErrInvalidData)
	}
	pm := NewPixmap(r.width, r.height)
	bounds := img.Bounds()
	if bounds.Dx() == r.width && bounds.Dy() == r.height {
		draw.Draw(pm.ToDrawImage(), pm.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(pm.ToDrawImage(), pm.Bounds(), img, bounds, draw.Src, nil)
	}
	r.base = pm
	if r.comp != nil {
		if err := r.comp.UploadBase(pm.Data()); err != nil {
			return fmt.Errorf("%w: base upload: %v", ErrGraphicsInit, err)
		}
	}
	return nil
}

// Controls returns the render state controller.
func (r *Renderer) Controls() *Controller { return r.ctrl }

// Generation returns the current mask generation. Safe to call from any
// goroutine; the asynchronous pipeline stamps submissions with it.
func (r *Renderer) Generation() uint64 { return r.masks.Generation() }

// LoadMask validates and loads a mask, replacing the current one. On
// failure the previously loaded mask remains visible.
func (r *Renderer) LoadMask(m *Mask) (*LoadInfo, error) {
	if r.disposed {
		return nil, ErrDisposed
	}
	return r.masks.Load(m)
}

// Deliver hands a freshly fetched mask to the render thread. It may be
// called from any goroutine; the mask is applied at the next Render call,
// and discarded there if its generation is stale. Last delivery wins.
func (r *Renderer) Deliver(m *Mask, generation uint64) {
	r.pending.Store(&pendingMask{mask: m, generation: generation})
}

// Render consumes any pending delivery and composites one frame. The
// elapsed time feeds the adaptive decimation scheduler.
func (r *Renderer) Render() error {
	if r.disposed {
		return ErrDisposed
	}
	r.consumePending()

	start := time.Now()
	if err := r.compositeOnce(); err != nil {
		return err
	}
	r.sched.observe(time.Since(start))
	r.rendered = true
	return nil
}

// consumePending applies the delivered mask if its generation is current.
// A stale or invalid delivery is dropped; the frame renders the prior mask.
func (r *Renderer) consumePending() {
	p := r.pending.Swap(nil)
	if p == nil {
		return
	}
	if p.generation < r.masks.Generation() {
		Logger().Warn("discarding stale mask result",
			"delivered", p.generation, "current", r.masks.Generation())
		return
	}
	if _, err := r.masks.Load(p.mask); err != nil {
		Logger().Warn("discarding undisplayable mask result", "error", err)
	}
}

func (r *Renderer) compositeOnce() error {
	mask := r.masks.Current()
	state := r.ctrl.State()
	step := r.sched.Step()

	if r.comp == nil {
		if r.base != nil {
			copy(r.frame.Data(), r.base.Data())
		} else {
			r.frame.Clear(RGBA{A: 1})
		}
		if mask != nil {
			compositeFrame(r.frame, frameInput{
				mask:    mask,
				classes: r.palette.Classes(),
				state:   state,
				base:    r.base,
				step:    step,
			})
		}
		return nil
	}

	if mask == nil {
		// Nothing uploaded yet; present the base (or black) without a
		// GPU round trip.
		if r.base != nil {
			copy(r.frame.Data(), r.base.Data())
		} else {
			r.frame.Clear(RGBA{A: 1})
		}
		return nil
	}

	inv := state.View.Inverse()
	params := gpu.Params{
		Width:       uint32(r.width),
		Height:      uint32(r.height),
		DimX:        uint32(mask.Dims[0]),
		DimY:        uint32(mask.Dims[1]),
		DimZ:        uint32(mask.Dims[2]),
		Highlighted: int32(state.Highlighted),
		Step:        uint32(step),
		Opacity:     float32(state.Opacity),
	}
	if state.ShowBoundaries {
		params.ShowBoundaries = 1
	}
	if r.base != nil {
		params.HasBase = 1
	}
	// Transposed so the shader's column-major mat4x4 applies the
	// row-major matrix.
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			params.View[i*4+j] = float32(inv[j*4+i])
		}
	}

	err := r.comp.Composite(params, state.visibilityBits(), r.frame.Data(), deviceWaitTimeout)
	if err != nil {
		return fmt.Errorf("composite frame: %w", err)
	}
	return nil
}

// Frame returns the last composited frame. The pixmap is reused across
// frames; clone it to retain.
func (r *Renderer) Frame() *Pixmap { return r.frame }

// DecimationLevel returns the scheduler's current decimation level
// (0 = full resolution).
func (r *Renderer) DecimationLevel() int { return r.sched.Level() }

// Statistics computes per-class voxel statistics for the currently loaded
// mask.
func (r *Renderer) Statistics() (*Statistics, error) {
	if r.disposed {
		return nil, ErrDisposed
	}
	mask := r.masks.Current()
	if mask == nil {
		return nil, fmt.Errorf("%w: no mask loaded", ErrInvalidData)
	}
	return computeStatistics(mask, r.palette), nil
}

// Dispose releases GPU resources and invalidates in-flight asynchronous
// results. Idempotent; every call after the first and every other method
// afterwards reports ErrDisposed.
func (r *Renderer) Dispose() {
	if r.disposed {
		return
	}
	r.disposed = true
	r.masks.bumpGeneration()
	r.pending.Store(nil)
	if r.comp != nil {
		r.comp.Close()
		r.comp = nil
	}
	if r.backend != nil {
		r.backend.Close()
		r.backend = nil
	}
	Logger().Info("renderer disposed")
}
