package overlay

import (
	"gonum.org/v1/gonum/floats"
)

// ClassStats describes one class in a statistics snapshot.
type ClassStats struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	VoxelCount int     `json:"voxelCount"`
	// VolumeMM3 is the physical volume in cubic millimeters:
	// voxel count times the voxel spacing product.
	VolumeMM3 float64 `json:"volumePhysicalUnits"`
	// Percent is this class's share of the total voxel count.
	Percent float64 `json:"percent"`
	// BoundaryAreaMM2 estimates the class surface area from exposed
	// voxel faces.
	BoundaryAreaMM2 float64 `json:"boundaryAreaMM2"`
}

// Statistics is a read-only snapshot derived from the current label mask.
// It is computed on demand and never cached across mask swaps.
type Statistics struct {
	PerClass       []ClassStats `json:"perClass"`
	TotalVoxels    int          `json:"totalVoxels"`
	TotalVolumeMM3 float64      `json:"totalVolumePhysicalUnits"`
}

// computeStatistics walks the mask once for counts and once more for
// boundary faces. Per-class voxel counts always sum exactly to the total
// voxel count, background included.
func computeStatistics(m *Mask, p *Palette) *Statistics {
	counts := make([]int, p.Len())
	for _, v := range m.Voxels {
		if int(v) < len(counts) {
			counts[v]++
		}
	}

	faces := boundaryFaceAreas(m, p.Len())

	voxelVolume := m.Spacing[0] * m.Spacing[1] * m.Spacing[2]
	total := m.NumVoxels()

	volumes := make([]float64, p.Len())
	perClass := make([]ClassStats, p.Len())
	for id := range perClass {
		def, _ := p.Class(id)
		volumes[id] = float64(counts[id]) * voxelVolume
		perClass[id] = ClassStats{
			ID:              id,
			Name:            def.Name,
			VoxelCount:      counts[id],
			VolumeMM3:       volumes[id],
			Percent:         float64(counts[id]) / float64(total) * 100,
			BoundaryAreaMM2: faces[id],
		}
	}

	return &Statistics{
		PerClass:       perClass,
		TotalVoxels:    total,
		TotalVolumeMM3: floats.Sum(volumes[1:]), // foreground only
	}
}

// boundaryFaceAreas sums, per class, the physical area of voxel faces
// adjacent to a different class. Each axis contributes its own face area
// since spacing may be anisotropic.
func boundaryFaceAreas(m *Mask, classCount int) []float64 {
	areaX := m.Spacing[1] * m.Spacing[2] // face normal to x
	areaY := m.Spacing[0] * m.Spacing[2]
	areaZ := m.Spacing[0] * m.Spacing[1]

	out := make([]float64, classCount)
	for z := 0; z < m.Dims[2]; z++ {
		for y := 0; y < m.Dims[1]; y++ {
			for x := 0; x < m.Dims[0]; x++ {
				id := m.At(x, y, z)
				if id == 0 || int(id) >= classCount {
					continue
				}
				if m.At(x-1, y, z) != id {
					out[id] += areaX
				}
				if m.At(x+1, y, z) != id {
					out[id] += areaX
				}
				if m.At(x, y-1, z) != id {
					out[id] += areaY
				}
				if m.At(x, y+1, z) != id {
					out[id] += areaY
				}
				if m.At(x, y, z-1) != id {
					out[id] += areaZ
				}
				if m.At(x, y, z+1) != id {
					out[id] += areaZ
				}
			}
		}
	}
	return out
}
