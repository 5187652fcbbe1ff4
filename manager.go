package overlay

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/medgpu/overlay/internal/gpu"
)

// Memory and texture limits.
const (
	// DefaultMemoryBudget covers one full-resolution 512^3 byte volume
	// plus the palette lookup table.
	DefaultMemoryBudget = 512*512*512 + paletteTableBytes

	// paletteTableBytes is the GPU size of the 256-entry RGBA8 lookup table.
	paletteTableBytes = 256 * 4

	// MaxTextureDim is the per-axis platform texture limit enforced on
	// incoming masks.
	MaxTextureDim = 2048

	// minLODDim is the smallest largest-axis extent automatic downsampling
	// may produce. Below this the overlay has no clinical value, so a mask
	// that still exceeds budget fails SizeExceeded instead.
	minLODDim = 8
)

// LoadInfo reports the outcome of a successful mask load.
type LoadInfo struct {
	// Generation is the monotonically increasing load counter value
	// attached to the resulting texture handle.
	Generation uint64

	// LODLevel is how many times each axis was halved to fit the budget
	// (0 = full resolution).
	LODLevel int

	// Dims holds the dimensions actually uploaded.
	Dims [3]int

	// SizeBytes is the GPU memory estimate for the uploaded mask.
	SizeBytes uint64
}

// maskManager owns the label mask lifecycle: validation, level-of-detail
// fallback against the memory budget, GPU upload, and the generation
// counter that guards against stale asynchronous results.
//
// The manager is confined to the render thread except for the generation
// counter, which may be read from the polling goroutine when stamping
// submissions.
type maskManager struct {
	budget     uint64
	used       uint64
	generation atomic.Uint64

	// current is the published CPU copy, read by statistics and export.
	// Replaced wholesale on every successful load, never edited.
	current *Mask

	// comp is nil when compositing on the CPU.
	comp *gpu.Compositor
}

func newMaskManager(budget uint64, comp *gpu.Compositor) *maskManager {
	if budget == 0 {
		budget = DefaultMemoryBudget
	}
	return &maskManager{budget: budget, comp: comp}
}

// Generation returns the current generation counter value.
func (m *maskManager) Generation() uint64 {
	return m.generation.Load()
}

// Current returns the published mask, or nil before the first load.
func (m *maskManager) Current() *Mask {
	return m.current
}

// UsedBytes returns the running GPU memory estimate.
func (m *maskManager) UsedBytes() uint64 {
	return m.used
}

// Load validates, fits and publishes a mask. On any failure the previously
// published mask stays untouched and visible.
func (m *maskManager) Load(mask *Mask) (*LoadInfo, error) {
	if err := mask.Validate(); err != nil {
		return nil, err
	}
	for _, d := range mask.Dims {
		if d > MaxTextureDim {
			return nil, fmt.Errorf("%w: dimension %d exceeds texture limit %d",
				ErrInvalidData, d, MaxTextureDim)
		}
	}

	fitted, lod, err := m.fitToBudget(mask)
	if err != nil {
		return nil, err
	}
	estimate := fitted.SizeBytes() + paletteTableBytes

	if m.comp != nil {
		if err := m.comp.UploadLabels(fitted.Voxels, fitted.Dims); err != nil {
			return nil, fmt.Errorf("%w: label upload: %v", ErrGraphicsInit, err)
		}
	}

	gen := m.generation.Add(1)
	m.current = fitted
	m.used = estimate

	Logger().Info("mask loaded",
		"generation", gen,
		"dims", fitted.Dims,
		"lod", lod,
		"memory", humanize.IBytes(estimate))
	return &LoadInfo{
		Generation: gen,
		LODLevel:   lod,
		Dims:       fitted.Dims,
		SizeBytes:  estimate,
	}, nil
}

// fitToBudget halves the mask's axes until the memory estimate fits,
// surfacing a non-fatal warning per step. SizeExceeded is returned only
// when the minimum allowed detail level still does not fit.
func (m *maskManager) fitToBudget(mask *Mask) (*Mask, int, error) {
	lod := 0
	for mask.SizeBytes()+paletteTableBytes > m.budget {
		if maxDim(mask.Dims) <= minLODDim {
			return nil, 0, fmt.Errorf("%w: %s needed at minimum detail, budget is %s",
				ErrSizeExceeded,
				humanize.IBytes(mask.SizeBytes()+paletteTableBytes),
				humanize.IBytes(m.budget))
		}
		mask = mask.Downsample()
		lod++
		Logger().Warn("mask exceeds memory budget, downsampling",
			"lod", lod,
			"dims", mask.Dims,
			"estimate", humanize.IBytes(mask.SizeBytes()+paletteTableBytes),
			"budget", humanize.IBytes(m.budget))
	}
	return mask, lod, nil
}

// bumpGeneration invalidates all in-flight results. Called on dispose.
func (m *maskManager) bumpGeneration() {
	m.generation.Add(1)
}

func maxDim(dims [3]int) int {
	max := dims[0]
	if dims[1] > max {
		max = dims[1]
	}
	if dims[2] > max {
		max = dims[2]
	}
	return max
}
