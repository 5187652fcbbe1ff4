package overlay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ExportFormat selects the payload produced by Export.
type ExportFormat string

const (
	// ExportStillImage is the current composited frame as PNG.
	ExportStillImage ExportFormat = "still-image"

	// ExportRawMask is the label volume with its class definitions,
	// gzip-compressed inside a JSON envelope.
	ExportRawMask ExportFormat = "raw-mask"

	// ExportStatisticsJSON is the per-class statistics snapshot as JSON.
	ExportStatisticsJSON ExportFormat = "statistics-json"
)

// rawMaskVersion guards the envelope layout.
const rawMaskVersion = 1

// rawMaskPayload is the raw-mask JSON envelope. Voxel data is gzipped and
// base64-encoded; classes carry hex colors so a round trip reproduces the
// palette exactly.
type rawMaskPayload struct {
	Version    int           `json:"version"`
	Dims       [3]int        `json:"dimensions"`
	Spacing    [3]float64    `json:"spacing"`
	ClassCount int           `json:"classCount"`
	Classes    []rawClassDef `json:"classes"`
	VoxelData  string        `json:"voxelData"`
}

type rawClassDef struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Export produces a payload in the requested format, bounded in time. A
// context without a deadline gets the renderer's default export wait;
// exceeding either reports ErrExportTimeout with partial work discarded.
func (r *Renderer) Export(ctx context.Context, format ExportFormat) ([]byte, error) {
	if r.disposed {
		return nil, ErrDisposed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.exportWait)
		defer cancel()
	}
	if err := exportCtxErr(ctx); err != nil {
		return nil, err
	}

	var data []byte
	var err error
	switch format {
	case ExportStillImage:
		data, err = r.exportStillImage()
	case ExportRawMask:
		data, err = r.exportRawMask()
	case ExportStatisticsJSON:
		data, err = r.exportStatistics()
	default:
		return nil, fmt.Errorf("%w: unknown export format %q", ErrInvalidData, format)
	}
	if err != nil {
		return nil, err
	}
	// Encoding a 512^3 volume can outlast the bound; a late result is
	// discarded rather than returned.
	if err := exportCtxErr(ctx); err != nil {
		return nil, err
	}
	return data, nil
}

func exportCtxErr(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrExportTimeout, ctx.Err())
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return nil
}

func (r *Renderer) exportStillImage() ([]byte, error) {
	if !r.rendered {
		return nil, fmt.Errorf("%w: no frame composited yet", ErrInvalidData)
	}
	var buf bytes.Buffer
	if err := r.frame.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode still image: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) exportRawMask() ([]byte, error) {
	mask := r.masks.Current()
	if mask == nil {
		return nil, fmt.Errorf("%w: no mask loaded", ErrInvalidData)
	}
	return encodeRawMask(mask, r.palette)
}

func (r *Renderer) exportStatistics() ([]byte, error) {
	stats, err := r.Statistics()
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode statistics: %w", err)
	}
	return data, nil
}

// encodeRawMask serializes a mask and its class table into the raw-mask
// envelope.
func encodeRawMask(mask *Mask, palette *Palette) ([]byte, error) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(mask.Voxels); err != nil {
		return nil, fmt.Errorf("compress voxels: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress voxels: %w", err)
	}

	classes := make([]rawClassDef, 0, palette.Len())
	for _, c := range palette.Classes() {
		classes = append(classes, rawClassDef{
			ID:    c.ID,
			Name:  c.Name,
			Color: c.Color.HexString(),
		})
	}

	payload := rawMaskPayload{
		Version:    rawMaskVersion,
		Dims:       mask.Dims,
		Spacing:    mask.Spacing,
		ClassCount: mask.ClassCount,
		Classes:    classes,
		VoxelData:  base64.StdEncoding.EncodeToString(compressed.Bytes()),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode raw mask: %w", err)
	}
	return data, nil
}

// decodeRawMask parses a raw-mask envelope back into a mask and its class
// definitions.
func decodeRawMask(data []byte) (*Mask, []ClassDef, error) {
	var payload rawMaskPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if payload.Version != rawMaskVersion {
		return nil, nil, fmt.Errorf("%w: unsupported raw-mask version %d",
			ErrInvalidData, payload.Version)
	}

	compressed, err := base64.StdEncoding.DecodeString(payload.VoxelData)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: voxel data: %v", ErrInvalidData, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: voxel data: %v", ErrInvalidData, err)
	}
	voxels, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: voxel data: %v", ErrInvalidData, err)
	}
	if err := zr.Close(); err != nil {
		return nil, nil, fmt.Errorf("%w: voxel data: %v", ErrInvalidData, err)
	}

	mask := &Mask{
		Dims:       payload.Dims,
		Spacing:    payload.Spacing,
		ClassCount: payload.ClassCount,
		Voxels:     voxels,
	}
	classes := make([]ClassDef, 0, len(payload.Classes))
	for _, c := range payload.Classes {
		color, err := ParseHexColor(c.Color)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: class %q: %v", ErrInvalidData, c.Name, err)
		}
		classes = append(classes, ClassDef{ID: c.ID, Name: c.Name, Color: color})
	}
	return mask, classes, nil
}

// ImportRawMask loads a mask previously produced by the raw-mask export.
// The embedded class table must match the renderer's palette by id and
// name; the mask then goes through the normal load path.
func (r *Renderer) ImportRawMask(data []byte) (*LoadInfo, error) {
	if r.disposed {
		return nil, ErrDisposed
	}
	mask, classes, err := decodeRawMask(data)
	if err != nil {
		return nil, err
	}
	for _, c := range classes {
		def, ok := r.palette.Class(c.ID)
		if !ok || def.Name != c.Name {
			return nil, fmt.Errorf("%w: class %d %q does not match the loaded palette",
				ErrInvalidData, c.ID, c.Name)
		}
	}
	return r.masks.Load(mask)
}
