package overlay

import (
	"errors"
	"image"
	"testing"
)

func TestRenderer_LoadMask_DownsamplesToBudget(t *testing.T) {
	// 16^3 labels (4 KiB) plus the 1 KiB palette table exceed a 2 KiB
	// budget; one halving (8^3 = 512 B) fits.
	r := testRenderer(t, WithMemoryBudget(2048))
	info, err := r.LoadMask(uniformMask([3]int{16, 16, 16}, 1, 3))
	if err != nil {
		t.Fatalf("LoadMask() error = %v", err)
	}
	if info.LODLevel != 1 {
		t.Errorf("LODLevel = %d, want 1", info.LODLevel)
	}
	if info.Dims != [3]int{8, 8, 8} {
		t.Errorf("Dims = %v, want [8 8 8]", info.Dims)
	}
}

func TestRenderer_LoadMask_SizeExceeded(t *testing.T) {
	// Even the minimum 8^3 level needs 512 B + 1 KiB table; an 1100 B
	// budget can never fit it.
	r := testRenderer(t, WithMemoryBudget(1100))
	_, err := r.LoadMask(uniformMask([3]int{16, 16, 16}, 1, 3))
	if !errors.Is(err, ErrSizeExceeded) {
		t.Errorf("LoadMask() error = %v, want ErrSizeExceeded", err)
	}
}

func TestRenderer_LoadMask_FailureKeepsPriorMask(t *testing.T) {
	r := testRenderer(t)
	if _, err := r.LoadMask(uniformMask([3]int{4, 4, 4}, 1, 3)); err != nil {
		t.Fatalf("LoadMask() error = %v", err)
	}
	gen := r.Generation()

	bad := uniformMask([3]int{4, 4, 4}, 1, 3)
	bad.Voxels[0] = 200 // outside class count
	if _, err := r.LoadMask(bad); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("LoadMask(bad) error = %v, want ErrInvalidData", err)
	}

	if r.Generation() != gen {
		t.Errorf("Generation = %d after failed load, want %d", r.Generation(), gen)
	}
	if r.masks.Current() == nil {
		t.Error("prior mask dropped after failed load")
	}
}

func TestRenderer_StaleDeliveryIsDiscarded(t *testing.T) {
	r := testRenderer(t)
	if _, err := r.LoadMask(uniformMask([3]int{4, 4, 4}, 1, 3)); err != nil {
		t.Fatalf("LoadMask() error = %v", err)
	}
	gen := r.Generation()

	// A result stamped before the current load must not displace it.
	r.Deliver(uniformMask([3]int{8, 8, 8}, 2, 3), gen-1)
	if err := r.Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if r.Generation() != gen {
		t.Errorf("Generation = %d after stale delivery, want %d", r.Generation(), gen)
	}
	if dims := r.masks.Current().Dims; dims != [3]int{4, 4, 4} {
		t.Errorf("current dims = %v, want original [4 4 4]", dims)
	}
}

func TestRenderer_CurrentDeliveryIsApplied(t *testing.T) {
	r := testRenderer(t)
	if _, err := r.LoadMask(uniformMask([3]int{4, 4, 4}, 1, 3)); err != nil {
		t.Fatalf("LoadMask() error = %v", err)
	}
	gen := r.Generation()

	r.Deliver(uniformMask([3]int{8, 8, 8}, 2, 3), gen)
	if err := r.Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if r.Generation() != gen+1 {
		t.Errorf("Generation = %d after delivery, want %d", r.Generation(), gen+1)
	}
	if dims := r.masks.Current().Dims; dims != [3]int{8, 8, 8} {
		t.Errorf("current dims = %v, want delivered [8 8 8]", dims)
	}
}

func TestRenderer_LastDeliveryWins(t *testing.T) {
	r := testRenderer(t)
	if _, err := r.LoadMask(uniformMask([3]int{4, 4, 4}, 1, 3)); err != nil {
		t.Fatalf("LoadMask() error = %v", err)
	}
	gen := r.Generation()

	r.Deliver(uniformMask([3]int{8, 8, 8}, 1, 3), gen)
	r.Deliver(uniformMask([3]int{6, 6, 6}, 1, 3), gen)
	if err := r.Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if dims := r.masks.Current().Dims; dims != [3]int{6, 6, 6} {
		t.Errorf("current dims = %v, want last delivered [6 6 6]", dims)
	}
}

func TestRenderer_RenderWithoutMask(t *testing.T) {
	r := testRenderer(t)
	if err := r.Render(); err != nil {
		t.Fatalf("Render() without mask error = %v", err)
	}
	c := r.Frame().GetPixel(8, 8)
	if c.R != 0 || c.G != 0 || c.B != 0 {
		t.Errorf("empty frame pixel = %+v, want black", c)
	}
}

func TestRenderer_BaseImageIsRescaled(t *testing.T) {
	base := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range base.Pix {
		base.Pix[i] = 128
	}
	r := testRenderer(t, WithBaseImage(base))

	if err := r.Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	c := r.Frame().GetPixel(8, 8)
	if c.R == 0 || c.G == 0 || c.B == 0 {
		t.Errorf("frame pixel = %+v, want rescaled gray base", c)
	}
}

func TestRenderer_Statistics(t *testing.T) {
	r := testRenderer(t)
	if _, err := r.Statistics(); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("Statistics() without mask error = %v, want ErrInvalidData", err)
	}

	if _, err := r.LoadMask(uniformMask([3]int{4, 4, 4}, 2, 3)); err != nil {
		t.Fatalf("LoadMask() error = %v", err)
	}
	stats, err := r.Statistics()
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.PerClass[2].VoxelCount != 64 {
		t.Errorf("class 2 count = %d, want 64", stats.PerClass[2].VoxelCount)
	}
}

func TestRenderer_Dispose(t *testing.T) {
	r, err := New(testPalette(t), WithSize(16, 16))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := r.LoadMask(uniformMask([3]int{4, 4, 4}, 1, 3)); err != nil {
		t.Fatalf("LoadMask() error = %v", err)
	}
	gen := r.Generation()

	r.Dispose()
	r.Dispose() // idempotent

	// Dispose bumps the generation so in-flight deliveries are stale.
	if r.Generation() != gen+1 {
		t.Errorf("Generation = %d after dispose, want %d", r.Generation(), gen+1)
	}
	if err := r.Render(); !errors.Is(err, ErrDisposed) {
		t.Errorf("Render() after dispose error = %v, want ErrDisposed", err)
	}
	if _, err := r.LoadMask(uniformMask([3]int{4, 4, 4}, 1, 3)); !errors.Is(err, ErrDisposed) {
		t.Errorf("LoadMask() after dispose error = %v, want ErrDisposed", err)
	}
	if _, err := r.Statistics(); !errors.Is(err, ErrDisposed) {
		t.Errorf("Statistics() after dispose error = %v, want ErrDisposed", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrInvalidData) {
		t.Errorf("New(nil) error = %v, want ErrInvalidData", err)
	}
	if _, err := New(testPalette(t), WithSize(0, 16)); !errors.Is(err, ErrInvalidData) {
		t.Errorf("New() with zero width error = %v, want ErrInvalidData", err)
	}
}
