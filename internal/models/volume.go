package models

import (
	"fmt"
)

// Volume represents a dense 3D array of float64 samples.
//
// The same type carries every array in the pipeline: a projection stack is
// (angle, detector row, detector column), flat and dark fields are
// (frame, row, column) and a reconstruction is (slice, row, column).
type Volume struct {
	// Data is the 3D data as a 1D array in row-major order
	Data []float64

	// Depth is the size of the first (slowest varying) axis
	Depth int

	// Height is the size of the second axis
	Height int

	// Width is the size of the last (fastest varying) axis
	Width int
}

// NewVolume allocates a zero-filled volume.
func NewVolume(depth, height, width int) *Volume {
	return &Volume{
		Data:   make([]float64, depth*height*width),
		Depth:  depth,
		Height: height,
		Width:  width,
	}
}

// NewVolumeFromData wraps data with the given shape. The slice is not copied.
func NewVolumeFromData(data []float64, depth, height, width int) (*Volume, error) {
	if depth < 0 || height < 0 || width < 0 {
		return nil, fmt.Errorf("negative dimension in shape (%d, %d, %d)", depth, height, width)
	}
	if len(data) != depth*height*width {
		return nil, fmt.Errorf("data length %d does not match shape (%d, %d, %d)", len(data), depth, height, width)
	}
	return &Volume{Data: data, Depth: depth, Height: height, Width: width}, nil
}

// Shape returns the dimensions as (depth, height, width).
func (v *Volume) Shape() [3]int {
	return [3]int{v.Depth, v.Height, v.Width}
}

// Index returns the offset of element (z, y, x) in Data.
func (v *Volume) Index(z, y, x int) int {
	return (z*v.Height+y)*v.Width + x
}

// At returns element (z, y, x).
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// Set stores val at element (z, y, x).
func (v *Volume) Set(z, y, x int, val float64) {
	v.Data[v.Index(z, y, x)] = val
}

// Plane returns the z-th 2D plane as a sub-slice sharing storage with v.
func (v *Volume) Plane(z int) []float64 {
	n := v.Height * v.Width
	return v.Data[z*n : (z+1)*n]
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Data: data, Depth: v.Depth, Height: v.Height, Width: v.Width}
}

// SameShape reports whether v and o have identical dimensions.
func (v *Volume) SameShape(o *Volume) bool {
	return o != nil && v.Depth == o.Depth && v.Height == o.Height && v.Width == o.Width
}

// Sinogram gathers detector row `row` of every projection into a new
// (angles x width) plane.
func (v *Volume) Sinogram(row int) []float64 {
	sino := make([]float64, v.Depth*v.Width)
	for a := 0; a < v.Depth; a++ {
		copy(sino[a*v.Width:(a+1)*v.Width], v.Data[v.Index(a, row, 0):v.Index(a, row, 0)+v.Width])
	}
	return sino
}

// Dataset is what a data-exchange loader returns.
type Dataset struct {
	// Projections is the (angle, row, column) stack of measured intensities
	Projections *Volume

	// Flat holds the flat-field (open beam) frames
	Flat *Volume

	// Dark holds the dark-field (no beam) frames
	Dark *Volume

	// Theta holds one rotation angle per projection, in radians
	Theta []float64

	// Phantom is the (row, y, x) object a simulated scan was projected
	// from. It is nil for measured data.
	Phantom *Volume
}

// Validate checks that the angles match the projection count.
func (d *Dataset) Validate() error {
	if d.Projections == nil {
		return fmt.Errorf("dataset has no projections")
	}
	if len(d.Theta) != d.Projections.Depth {
		return fmt.Errorf("%d angles for %d projections", len(d.Theta), d.Projections.Depth)
	}
	return nil
}
