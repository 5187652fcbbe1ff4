// Package overlay renders a multi-class anatomical label mask as a
// false-colored, semi-transparent layer over a medical image volume.
//
// The package is built around a small set of cooperating pieces:
//
//   - Palette: an immutable, validated class-id → {name, color} table.
//   - Mask: a volumetric label grid, one byte per voxel, up to 256 classes.
//   - Renderer: owns the GPU (or software) compositing pipeline, the
//     mask texture lifecycle, and the frame scheduler.
//   - Controller: synchronous view-state mutation (opacity, visibility,
//     highlight, boundary outlines).
//   - jobclient: a thin collaborator that polls an external inference job
//     and delivers completed masks without ever blocking the render loop.
//
// Rendering is single-threaded and cooperative: the host calls
// [Renderer.Render] once per frame. Asynchronous mask deliveries are handed
// off through a single-slot pending cell consumed at the start of the next
// tick, and a monotonically increasing generation counter discards stale
// results unconditionally.
//
// GPU compositing uses gogpu/wgpu compute pipelines with WGSL shaders
// compiled through naga. A CPU compositor with identical semantics is
// available for headless use; the choice is made explicitly at construction,
// a shader compile failure on the GPU path is fatal and never silently
// downgraded.
package overlay
