package overlay

import "math"

// boundaryEmphasis is how far the boundary outline is blended toward white.
// Applied after the highlight blend when both are active on the same class.
const boundaryEmphasis = 0.6

// frameInput bundles everything one composite pass reads. All fields are
// borrowed by reference for the duration of the call; nothing is retained.
type frameInput struct {
	mask    *Mask
	classes []ClassDef
	state   *RenderState
	base    *Pixmap // underlying intensity render; nil composites over black
	step    int     // sampling stride from the frame scheduler, >= 1
}

// compositeFrame renders the overlay into dst on the CPU.
//
// Semantics mirror the overlay.wgsl compute shader exactly: per pixel the
// label is sampled through the inverse view transform, colored via the
// palette, then visibility, opacity, highlight and the boundary outline are
// applied in that order, and the result is alpha-composited over the base
// image. All blending happens in linear space; sRGB encoding is the final
// step.
func compositeFrame(dst *Pixmap, in frameInput) {
	w, h := dst.Width(), dst.Height()
	step := in.step
	if step < 1 {
		step = 1
	}
	inv := in.state.View.Inverse()

	for y := 0; y < h; y += step {
		for x := 0; x < w; x += step {
			r, g, b := compositePixel(x, y, w, h, inv, in)
			fillBlock(dst, x, y, step, r, g, b)
		}
	}
}

// compositePixel computes the final display-encoded color at (x, y).
func compositePixel(x, y, w, h int, inv Mat4, in frameInput) (uint8, uint8, uint8) {
	// Base layer in linear space.
	br, bg, bb := 0.0, 0.0, 0.0
	if in.base != nil {
		c := in.base.GetPixel(x, y)
		br = srgbToLinear(c.R)
		bg = srgbToLinear(c.G)
		bb = srgbToLinear(c.B)
	}

	cr, cg, cb, ca := overlaySample(x, y, w, h, inv, in)

	// Alpha-over against the base, then display encoding.
	or := cr*ca + br*(1-ca)
	og := cg*ca + bg*(1-ca)
	ob := cb*ca + bb*(1-ca)
	return uint8(clamp255(linearToSRGB(or) * 255)),
		uint8(clamp255(linearToSRGB(og) * 255)),
		uint8(clamp255(linearToSRGB(ob) * 255))
}

// overlaySample returns the overlay's straight-alpha linear color at one
// screen position.
func overlaySample(x, y, w, h int, inv Mat4, in frameInput) (float64, float64, float64, float64) {
	if in.mask == nil {
		return 0, 0, 0, 0
	}

	// Screen position to normalized volume coordinates via the inverse view.
	u := (float64(x)+0.5)/float64(w)*2 - 1
	v := (float64(y)+0.5)/float64(h)*2 - 1
	px, py, pz := inv.TransformPoint(u, v, 0)

	ix := int(math.Floor((px*0.5 + 0.5) * float64(in.mask.Dims[0])))
	iy := int(math.Floor((py*0.5 + 0.5) * float64(in.mask.Dims[1])))
	iz := int(math.Floor((pz*0.5 + 0.5) * float64(in.mask.Dims[2])))
	if ix < 0 || iy < 0 || iz < 0 ||
		ix >= in.mask.Dims[0] || iy >= in.mask.Dims[1] || iz >= in.mask.Dims[2] {
		return 0, 0, 0, 0
	}

	id := int(in.mask.At(ix, iy, iz))
	if id == 0 || id >= len(in.classes) {
		return 0, 0, 0, 0
	}
	// Visibility: zero alpha for hidden classes.
	if id < len(in.state.Visible) && !in.state.Visible[id] {
		return 0, 0, 0, 0
	}

	c := in.classes[id].Color
	cr, cg, cb := c.R, c.G, c.B
	// Final alpha is per-class opacity times global opacity.
	alpha := c.A * in.state.Opacity

	// Highlight: blend toward white by the fixed emphasis factor.
	if id == in.state.Highlighted {
		cr += (1 - cr) * HighlightEmphasis
		cg += (1 - cg) * HighlightEmphasis
		cb += (1 - cb) * HighlightEmphasis
	}

	// Boundary outline, applied after the highlight blend. A voxel with any
	// differing 6-neighbor is an edge; both sides of a class border qualify,
	// giving the outline its 2-voxel width.
	if in.state.ShowBoundaries && isBoundaryVoxel(in.mask, ix, iy, iz, uint8(id)) {
		cr += (1 - cr) * boundaryEmphasis
		cg += (1 - cg) * boundaryEmphasis
		cb += (1 - cb) * boundaryEmphasis
		if alpha < in.state.Opacity {
			alpha = in.state.Opacity
		}
	}

	return cr, cg, cb, alpha
}

// isBoundaryVoxel reports whether any face-adjacent neighbor carries a
// different class id. Out-of-volume neighbors read as background.
func isBoundaryVoxel(m *Mask, x, y, z int, id uint8) bool {
	return m.At(x-1, y, z) != id || m.At(x+1, y, z) != id ||
		m.At(x, y-1, z) != id || m.At(x, y+1, z) != id ||
		m.At(x, y, z-1) != id || m.At(x, y, z+1) != id
}

// fillBlock writes one sampled color into a step x step block, clipped to
// the pixmap. Alpha is always 255: the frame is fully composited output.
func fillBlock(dst *Pixmap, x, y, step int, r, g, b uint8) {
	w, h := dst.Width(), dst.Height()
	data := dst.Data()
	for dy := 0; dy < step && y+dy < h; dy++ {
		row := ((y+dy)*w + x) * 4
		for dx := 0; dx < step && x+dx < w; dx++ {
			i := row + dx*4
			data[i+0] = r
			data[i+1] = g
			data[i+2] = b
			data[i+3] = 255
		}
	}
}
