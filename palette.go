package overlay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxClasses is the largest class count a palette (and mask) may carry.
// Label voxels are stored one byte each, so ids must fit in [0, 255].
const MaxClasses = 256

// ClassDef describes one segmentation class: a contiguous integer id, a
// display name, and a linear-space display color. The color's alpha acts as
// the per-class opacity and is multiplied by the global opacity at composite
// time.
type ClassDef struct {
	ID    int
	Name  string
	Color RGBA
}

// Palette is an immutable class-id → {name, color} table built once at
// startup. Invariants checked at construction: ids are contiguous 0..C-1,
// id 0 is the background and fully transparent, names are unique.
type Palette struct {
	classes []ClassDef
}

// NewPalette validates the class definitions and builds a palette.
// The input may be in any order; it is sorted by id internally.
func NewPalette(classes []ClassDef) (*Palette, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: palette has no classes", ErrInvalidData)
	}
	if len(classes) > MaxClasses {
		return nil, fmt.Errorf("%w: palette has %d classes, maximum is %d",
			ErrInvalidData, len(classes), MaxClasses)
	}

	sorted := make([]ClassDef, len(classes))
	seen := make(map[int]bool, len(classes))
	names := make(map[string]bool, len(classes))
	for _, c := range classes {
		if c.ID < 0 || c.ID >= len(classes) {
			return nil, fmt.Errorf("%w: class id %d outside contiguous range 0..%d",
				ErrInvalidData, c.ID, len(classes)-1)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate class id %d", ErrInvalidData, c.ID)
		}
		if c.Name == "" {
			return nil, fmt.Errorf("%w: class %d has no name", ErrInvalidData, c.ID)
		}
		if names[c.Name] {
			return nil, fmt.Errorf("%w: duplicate class name %q", ErrInvalidData, c.Name)
		}
		seen[c.ID] = true
		names[c.Name] = true
		sorted[c.ID] = c
	}

	if sorted[0].Color.A != 0 {
		return nil, fmt.Errorf("%w: background class 0 must be fully transparent", ErrInvalidData)
	}

	return &Palette{classes: sorted}, nil
}

// Len returns the number of classes, background included.
func (p *Palette) Len() int { return len(p.classes) }

// Class returns the definition for a class id.
func (p *Palette) Class(id int) (ClassDef, bool) {
	if id < 0 || id >= len(p.classes) {
		return ClassDef{}, false
	}
	return p.classes[id], true
}

// Contains reports whether id names a class in the palette.
func (p *Palette) Contains(id int) bool {
	return id >= 0 && id < len(p.classes)
}

// Classes returns a copy of all class definitions in id order.
func (p *Palette) Classes() []ClassDef {
	out := make([]ClassDef, len(p.classes))
	copy(out, p.classes)
	return out
}

// LookupTable encodes the palette as a 256-entry straight-alpha RGBA8 table
// for the 1-D color lookup texture. Components are linear; the alpha channel
// carries the per-class opacity. Entries past the last class are zero.
func (p *Palette) LookupTable() []uint8 {
	lut := make([]uint8, MaxClasses*4)
	for _, c := range p.classes {
		i := c.ID * 4
		lut[i+0] = uint8(clamp255(c.Color.R * 255))
		lut[i+1] = uint8(clamp255(c.Color.G * 255))
		lut[i+2] = uint8(clamp255(c.Color.B * 255))
		lut[i+3] = uint8(clamp255(c.Color.A * 255))
	}
	return lut
}

// paletteFile is the on-disk YAML shape. Colors are hex strings.
type paletteFile struct {
	Classes []struct {
		ID    int    `yaml:"id"`
		Name  string `yaml:"name"`
		Color string `yaml:"color"`
	} `yaml:"classes"`
}

// ParsePalette builds a palette from YAML data of the form:
//
//	classes:
//	  - id: 0
//	    name: background
//	    color: "#00000000"
//	  - id: 1
//	    name: liver
//	    color: "#a0522d"
func ParsePalette(data []byte) (*Palette, error) {
	var f paletteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	classes := make([]ClassDef, 0, len(f.Classes))
	for _, c := range f.Classes {
		color, err := ParseHexColor(c.Color)
		if err != nil {
			return nil, fmt.Errorf("%w: class %q: %v", ErrInvalidData, c.Name, err)
		}
		classes = append(classes, ClassDef{ID: c.ID, Name: c.Name, Color: color})
	}
	return NewPalette(classes)
}

// LoadPaletteFile reads and parses a YAML palette file.
func LoadPaletteFile(path string) (*Palette, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided intentionally
	if err != nil {
		return nil, fmt.Errorf("%w: read palette: %v", ErrInvalidData, err)
	}
	return ParsePalette(data)
}

// DefaultPalette returns the standard abdominal organ palette: background
// plus fourteen organs with the conventional viewer colors.
func DefaultPalette() *Palette {
	defs := []ClassDef{
		{ID: 0, Name: "background", Color: RGBA{}},
		{ID: 1, Name: "spleen", Color: RGB(1, 0, 0)},
		{ID: 2, Name: "left_kidney", Color: RGB(0, 1, 0)},
		{ID: 3, Name: "right_kidney", Color: RGB(0, 0.8, 0.2)},
		{ID: 4, Name: "liver", Color: RGB(0.63, 0.32, 0.18)},
		{ID: 5, Name: "stomach", Color: RGB(1, 1, 0)},
		{ID: 6, Name: "pancreas", Color: RGB(1, 0, 1)},
		{ID: 7, Name: "aorta", Color: RGB(0.86, 0.08, 0.24)},
		{ID: 8, Name: "inferior_vena_cava", Color: RGB(0, 0, 1)},
		{ID: 9, Name: "portal_vein", Color: RGB(0.25, 0.41, 0.88)},
		{ID: 10, Name: "esophagus", Color: RGB(0, 1, 1)},
		{ID: 11, Name: "left_adrenal_gland", Color: RGB(1, 0.65, 0)},
		{ID: 12, Name: "right_adrenal_gland", Color: RGB(1, 0.55, 0.1)},
		{ID: 13, Name: "duodenum", Color: RGB(0.85, 0.85, 0.1)},
		{ID: 14, Name: "gallbladder", Color: RGB(0.5, 0.9, 0.3)},
	}
	p, err := NewPalette(defs)
	if err != nil {
		// The built-in table satisfies every invariant; reaching here is a bug.
		panic(err)
	}
	return p
}
