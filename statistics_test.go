package overlay

import (
	"math"
	"testing"
)

func TestComputeStatistics_CountsSumToTotal(t *testing.T) {
	p := testPalette(t)
	m := uniformMask([3]int{4, 4, 4}, 0, 3)
	for i := 0; i < 10; i++ {
		m.Voxels[i] = 1
	}
	for i := 10; i < 16; i++ {
		m.Voxels[i] = 2
	}

	stats := computeStatistics(m, p)
	if stats.TotalVoxels != 64 {
		t.Fatalf("TotalVoxels = %d, want 64", stats.TotalVoxels)
	}
	sum := 0
	for _, cs := range stats.PerClass {
		sum += cs.VoxelCount
	}
	if sum != stats.TotalVoxels {
		t.Errorf("per-class counts sum to %d, want %d", sum, stats.TotalVoxels)
	}
	if stats.PerClass[0].VoxelCount != 48 ||
		stats.PerClass[1].VoxelCount != 10 ||
		stats.PerClass[2].VoxelCount != 6 {
		t.Errorf("per-class counts = %d/%d/%d, want 48/10/6",
			stats.PerClass[0].VoxelCount, stats.PerClass[1].VoxelCount, stats.PerClass[2].VoxelCount)
	}
}

func TestComputeStatistics_PhysicalVolume(t *testing.T) {
	p := testPalette(t)
	m := uniformMask([3]int{4, 4, 4}, 0, 3)
	m.Spacing = [3]float64{1, 2, 3} // voxel volume 6
	for i := 0; i < 10; i++ {
		m.Voxels[i] = 1
	}

	stats := computeStatistics(m, p)
	if got := stats.PerClass[1].VolumeMM3; got != 60 {
		t.Errorf("class 1 volume = %g, want 60", got)
	}
	// Foreground total excludes background.
	if got := stats.TotalVolumeMM3; got != 60 {
		t.Errorf("total volume = %g, want 60", got)
	}
	wantPct := 10.0 / 64 * 100
	if got := stats.PerClass[1].Percent; math.Abs(got-wantPct) > 1e-9 {
		t.Errorf("class 1 percent = %g, want %g", got, wantPct)
	}
}

func TestComputeStatistics_BoundaryArea(t *testing.T) {
	p := testPalette(t)
	m := uniformMask([3]int{5, 5, 5}, 0, 3)
	m.Spacing = [3]float64{1, 2, 3}
	// One isolated voxel of class 2: all six faces are exposed.
	m.Voxels[2+5*(2+5*2)] = 2

	stats := computeStatistics(m, p)
	// Two x faces (2*3 each), two y faces (1*3), two z faces (1*2).
	want := 2*6.0 + 2*3.0 + 2*2.0
	if got := stats.PerClass[2].BoundaryAreaMM2; math.Abs(got-want) > 1e-9 {
		t.Errorf("class 2 boundary area = %g, want %g", got, want)
	}
	if got := stats.PerClass[0].BoundaryAreaMM2; got != 0 {
		t.Errorf("background boundary area = %g, want 0", got)
	}
}

func TestComputeStatistics_NamesFollowPalette(t *testing.T) {
	p := testPalette(t)
	m := uniformMask([3]int{2, 2, 2}, 1, 3)
	stats := computeStatistics(m, p)
	if stats.PerClass[1].Name != "liver" || stats.PerClass[2].Name != "spleen" {
		t.Errorf("names = %q/%q, want liver/spleen",
			stats.PerClass[1].Name, stats.PerClass[2].Name)
	}
}
