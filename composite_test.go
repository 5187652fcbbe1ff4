package overlay

import (
	"testing"
)

// renderTestFrame composites a uniform class-1 volume into a small frame
// with the given state tweaks applied.
func renderTestFrame(t *testing.T, mutate func(*Controller)) *Pixmap {
	t.Helper()
	p := testPalette(t)
	ctrl := newController(p)
	ctrl.SetOpacity(1)
	if mutate != nil {
		mutate(ctrl)
	}

	dst := NewPixmap(16, 16)
	dst.Clear(RGBA{A: 1})
	compositeFrame(dst, frameInput{
		mask:    uniformMask([3]int{8, 8, 8}, 1, 3),
		classes: p.Classes(),
		state:   ctrl.State(),
		step:    1,
	})
	return dst
}

func TestCompositeFrame_PaintsVisibleClass(t *testing.T) {
	frame := renderTestFrame(t, nil)
	// Class 1 is liver brown: red-dominant, some green, alpha 1.
	c := frame.GetPixel(8, 8)
	if c.R == 0 {
		t.Errorf("center pixel = %+v, want red-dominant overlay color", c)
	}
	if c.R <= c.B {
		t.Errorf("center pixel = %+v, want R > B for liver brown", c)
	}
}

func TestCompositeFrame_HiddenClassIsAbsent(t *testing.T) {
	frame := renderTestFrame(t, func(ctrl *Controller) {
		if err := ctrl.SetVisibility(1, false); err != nil {
			t.Fatalf("SetVisibility() error = %v", err)
		}
	})
	// With the only foreground class hidden, every pixel is the black base.
	for y := 0; y < frame.Height(); y++ {
		for x := 0; x < frame.Width(); x++ {
			c := frame.GetPixel(x, y)
			if c.R != 0 || c.G != 0 || c.B != 0 {
				t.Fatalf("pixel (%d,%d) = %+v, want black", x, y, c)
			}
		}
	}
}

func TestCompositeFrame_ZeroOpacityShowsBase(t *testing.T) {
	frame := renderTestFrame(t, func(ctrl *Controller) {
		ctrl.SetOpacity(0)
	})
	c := frame.GetPixel(8, 8)
	if c.R != 0 || c.G != 0 || c.B != 0 {
		t.Errorf("pixel at zero opacity = %+v, want black base", c)
	}
}

func TestCompositeFrame_HighlightBrightensClass(t *testing.T) {
	plain := renderTestFrame(t, nil)
	lit := renderTestFrame(t, func(ctrl *Controller) {
		if err := ctrl.HighlightClass(1); err != nil {
			t.Fatalf("HighlightClass() error = %v", err)
		}
	})
	pc, lc := plain.GetPixel(8, 8), lit.GetPixel(8, 8)
	if lc.R <= pc.R || lc.G <= pc.G || lc.B <= pc.B {
		t.Errorf("highlighted pixel %+v not brighter than plain %+v", lc, pc)
	}
}

func TestCompositeFrame_BoundaryOutline(t *testing.T) {
	frame := renderTestFrame(t, func(ctrl *Controller) {
		ctrl.ToggleBoundaries(true)
	})
	plain := renderTestFrame(t, nil)

	// Voxels at the volume edge border background, so the leftmost pixel
	// column carries the outline; the volume interior does not.
	edge, plainEdge := frame.GetPixel(0, 8), plain.GetPixel(0, 8)
	if edge.G <= plainEdge.G {
		t.Errorf("edge pixel %+v not lifted toward white over %+v", edge, plainEdge)
	}
	center, plainCenter := frame.GetPixel(8, 8), plain.GetPixel(8, 8)
	if center != plainCenter {
		t.Errorf("interior pixel changed by outline: %+v vs %+v", center, plainCenter)
	}
}

func TestCompositeFrame_DecimationFillsBlocks(t *testing.T) {
	p := testPalette(t)
	ctrl := newController(p)
	ctrl.SetOpacity(1)

	dst := NewPixmap(16, 16)
	compositeFrame(dst, frameInput{
		mask:    uniformMask([3]int{8, 8, 8}, 1, 3),
		classes: p.Classes(),
		state:   ctrl.State(),
		step:    4,
	})

	// Every pixel of a 4x4 block equals its origin sample.
	origin := dst.GetPixel(4, 4)
	for dy := 0; dy < 4; dy++ {
		for dx := 0; dx < 4; dx++ {
			if got := dst.GetPixel(4+dx, 4+dy); got != origin {
				t.Fatalf("block pixel (%d,%d) = %+v, want %+v", 4+dx, 4+dy, got, origin)
			}
		}
	}
}

// Decimation replicates the whole composited sample, base included, so a
// block over a varying base is uniform and equals its origin pixel.
func TestCompositeFrame_DecimationSamplesBaseAtBlockOrigin(t *testing.T) {
	p := testPalette(t)
	ctrl := newController(p)
	ctrl.SetOpacity(0.5)

	base := NewPixmap(16, 16)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			base.SetPixel(x, y, RGBA{R: float64(x) / 16, G: float64(y) / 16, A: 1})
		}
	}

	dst := NewPixmap(16, 16)
	compositeFrame(dst, frameInput{
		mask:    uniformMask([3]int{8, 8, 8}, 1, 3),
		classes: p.Classes(),
		state:   ctrl.State(),
		base:    base,
		step:    4,
	})

	for _, origin := range [][2]int{{0, 0}, {4, 8}, {12, 12}} {
		want := dst.GetPixel(origin[0], origin[1])
		for dy := 0; dy < 4; dy++ {
			for dx := 0; dx < 4; dx++ {
				if got := dst.GetPixel(origin[0]+dx, origin[1]+dy); got != want {
					t.Fatalf("block (%d,%d) pixel (%d,%d) = %+v, want origin %+v",
						origin[0], origin[1], origin[0]+dx, origin[1]+dy, got, want)
				}
			}
		}
	}
}

func TestIsBoundaryVoxel(t *testing.T) {
	m := uniformMask([3]int{4, 4, 4}, 1, 3)
	m.Voxels[1+4*(1+4*1)] = 2

	if !isBoundaryVoxel(m, 1, 1, 1, 2) {
		t.Error("isolated voxel not reported as boundary")
	}
	if !isBoundaryVoxel(m, 2, 1, 1, 1) {
		t.Error("neighbor of differing voxel not reported as boundary")
	}
	if isBoundaryVoxel(m, 2, 2, 2, 1) {
		t.Error("interior voxel reported as boundary")
	}
	// Volume-edge voxels border implicit background.
	if !isBoundaryVoxel(m, 0, 0, 0, 1) {
		t.Error("corner voxel not reported as boundary")
	}
}
