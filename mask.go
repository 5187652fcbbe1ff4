package overlay

import (
	"fmt"
)

// Mask is a volumetric label grid: one byte per voxel, class ids in
// [0, ClassCount). A Mask is immutable once loaded into the renderer —
// new results replace it wholesale, it is never edited in place.
//
// Voxels are stored x-fastest: index = x + Dims[0]*(y + Dims[1]*z).
type Mask struct {
	// Dims holds the grid extent (X, Y, Z).
	Dims [3]int

	// Spacing holds the physical voxel size (sx, sy, sz) in millimeters.
	Spacing [3]float64

	// ClassCount is the number of classes the voxels may reference.
	ClassCount int

	// Voxels holds one class id per voxel, length Dims[0]*Dims[1]*Dims[2].
	Voxels []uint8
}

// NumVoxels returns the total voxel count.
func (m *Mask) NumVoxels() int {
	return m.Dims[0] * m.Dims[1] * m.Dims[2]
}

// At returns the class id at (x, y, z). Out-of-range coordinates return 0
// (background), which keeps neighbor sampling at the volume edge simple.
func (m *Mask) At(x, y, z int) uint8 {
	if x < 0 || y < 0 || z < 0 || x >= m.Dims[0] || y >= m.Dims[1] || z >= m.Dims[2] {
		return 0
	}
	return m.Voxels[x+m.Dims[0]*(y+m.Dims[1]*z)]
}

// SizeBytes returns the GPU-resident size of the label data.
func (m *Mask) SizeBytes() uint64 {
	return uint64(m.NumVoxels())
}

// Validate checks the mask payload. Failures wrap ErrInvalidData.
func (m *Mask) Validate() error {
	for i, d := range m.Dims {
		if d <= 0 {
			return fmt.Errorf("%w: dimension %d is %d, must be positive", ErrInvalidData, i, d)
		}
	}
	for i, s := range m.Spacing {
		if s <= 0 {
			return fmt.Errorf("%w: spacing %d is %g, must be positive", ErrInvalidData, i, s)
		}
	}
	if m.ClassCount < 1 || m.ClassCount > MaxClasses {
		return fmt.Errorf("%w: class count %d outside [1, %d]", ErrInvalidData, m.ClassCount, MaxClasses)
	}
	if want := m.NumVoxels(); len(m.Voxels) != want {
		return fmt.Errorf("%w: voxel buffer has %d entries, dims %dx%dx%d require %d",
			ErrInvalidData, len(m.Voxels), m.Dims[0], m.Dims[1], m.Dims[2], want)
	}
	for i, v := range m.Voxels {
		if int(v) >= m.ClassCount {
			return fmt.Errorf("%w: voxel %d has class %d, class count is %d",
				ErrInvalidData, i, v, m.ClassCount)
		}
	}
	return nil
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := &Mask{
		Dims:       m.Dims,
		Spacing:    m.Spacing,
		ClassCount: m.ClassCount,
		Voxels:     make([]uint8, len(m.Voxels)),
	}
	copy(out.Voxels, m.Voxels)
	return out
}

// Downsample halves each axis, producing the next level of detail.
// Each output voxel takes the majority class of its 2x2x2 source block;
// ties resolve to the lowest class id. Spacing doubles accordingly so that
// physical statistics remain meaningful at reduced resolution.
func (m *Mask) Downsample() *Mask {
	nx := (m.Dims[0] + 1) / 2
	ny := (m.Dims[1] + 1) / 2
	nz := (m.Dims[2] + 1) / 2

	out := &Mask{
		Dims:       [3]int{nx, ny, nz},
		Spacing:    [3]float64{m.Spacing[0] * 2, m.Spacing[1] * 2, m.Spacing[2] * 2},
		ClassCount: m.ClassCount,
		Voxels:     make([]uint8, nx*ny*nz),
	}

	var block [8]uint8
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				n := 0
				for dz := 0; dz < 2; dz++ {
					for dy := 0; dy < 2; dy++ {
						for dx := 0; dx < 2; dx++ {
							sx, sy, sz := x*2+dx, y*2+dy, z*2+dz
							if sx >= m.Dims[0] || sy >= m.Dims[1] || sz >= m.Dims[2] {
								continue
							}
							block[n] = m.Voxels[sx+m.Dims[0]*(sy+m.Dims[1]*sz)]
							n++
						}
					}
				}
				out.Voxels[x+nx*(y+ny*z)] = majorityLabel(block[:n])
			}
		}
	}
	return out
}

// majorityLabel returns the most frequent label in a small sample block,
// resolving ties to the lowest id.
func majorityLabel(block []uint8) uint8 {
	best := block[0]
	bestCount := 0
	for i, v := range block {
		count := 1
		for _, w := range block[i+1:] {
			if w == v {
				count++
			}
		}
		if count > bestCount || (count == bestCount && v < best) {
			best = v
			bestCount = count
		}
	}
	return best
}
