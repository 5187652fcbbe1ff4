package overlay

import "fmt"

// NoHighlight marks the absence of a highlighted class.
const NoHighlight = -1

// HighlightEmphasis is the fixed factor by which a highlighted class is
// blended toward white.
const HighlightEmphasis = 0.3

// RenderState is the view configuration read by the compositor every frame.
// It has exactly one writer (the Controller) and any number of readers;
// everything runs on the host's cooperative render thread, so no locking.
type RenderState struct {
	// Opacity is the global overlay opacity in [0, 1]. It multiplies the
	// per-class opacity carried in each palette color's alpha.
	Opacity float64

	// Visible flags each class id. Invisible classes composite with zero
	// alpha. Background visibility is irrelevant (its alpha is zero).
	Visible []bool

	// Highlighted is the emphasized class id, or NoHighlight.
	Highlighted int

	// ShowBoundaries enables the class-boundary outline pass.
	ShowBoundaries bool

	// View maps normalized volume coordinates to clip space.
	View Mat4
}

// clone returns a deep copy, for snapshots and state comparison in tests.
func (s *RenderState) clone() RenderState {
	out := *s
	out.Visible = make([]bool, len(s.Visible))
	copy(out.Visible, s.Visible)
	return out
}

// Equal reports whether two states are identical.
func (s *RenderState) Equal(other *RenderState) bool {
	if s.Opacity != other.Opacity ||
		s.Highlighted != other.Highlighted ||
		s.ShowBoundaries != other.ShowBoundaries ||
		s.View != other.View ||
		len(s.Visible) != len(other.Visible) {
		return false
	}
	for i, v := range s.Visible {
		if v != other.Visible[i] {
			return false
		}
	}
	return true
}

// Controller mutates the render state. Every call is synchronous,
// idempotent and O(1); no GPU work happens here — effects appear on the
// next scheduled frame.
type Controller struct {
	palette *Palette
	state   RenderState
}

func newController(p *Palette) *Controller {
	visible := make([]bool, p.Len())
	for i := range visible {
		visible[i] = true
	}
	return &Controller{
		palette: p,
		state: RenderState{
			Opacity:     0.7,
			Visible:     visible,
			Highlighted: NoHighlight,
			View:        Identity(),
		},
	}
}

// SetOpacity sets the global overlay opacity, clamped to [0, 1].
func (c *Controller) SetOpacity(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	c.state.Opacity = v
}

// SetOpacityPercent sets the opacity from a 0–100 percentage, clamped.
func (c *Controller) SetOpacityPercent(pct float64) {
	c.SetOpacity(pct / 100)
}

// SetVisibility shows or hides a single class.
func (c *Controller) SetVisibility(classID int, visible bool) error {
	if !c.palette.Contains(classID) {
		return fmt.Errorf("%w: %d", ErrUnknownClass, classID)
	}
	c.state.Visible[classID] = visible
	return nil
}

// HighlightClass emphasizes a class by blending it toward white.
func (c *Controller) HighlightClass(classID int) error {
	if !c.palette.Contains(classID) {
		return fmt.Errorf("%w: %d", ErrUnknownClass, classID)
	}
	c.state.Highlighted = classID
	return nil
}

// ClearHighlight removes any class emphasis.
func (c *Controller) ClearHighlight() {
	c.state.Highlighted = NoHighlight
}

// ToggleBoundaries enables or disables the boundary outline pass.
func (c *Controller) ToggleBoundaries(show bool) {
	c.state.ShowBoundaries = show
}

// SetView replaces the view transform.
func (c *Controller) SetView(m Mat4) {
	c.state.View = m
}

// State returns the live render state, read by the compositor each frame.
func (c *Controller) State() *RenderState {
	return &c.state
}

// Snapshot returns an independent copy of the current state.
func (c *Controller) Snapshot() RenderState {
	return c.state.clone()
}

// visibilityBits packs the visible set into a 256-bit mask (8 words) for
// the shader uniform.
func (s *RenderState) visibilityBits() [8]uint32 {
	var bits [8]uint32
	for id, v := range s.Visible {
		if v && id < MaxClasses {
			bits[id/32] |= 1 << (uint(id) % 32)
		}
	}
	return bits
}
