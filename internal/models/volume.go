package models

import "fmt"

// Volume represents a CT scan as a dense 3D array of intensities
type Volume struct {
	// Data holds the voxels as a 1D array in row-major (z, y, x) order
	Data []float32

	// Depth, Height and Width are the array extents along z, y and x
	Depth  int
	Height int
	Width  int

	// Spacing is the physical voxel size in mm, ordered like the array
	// axes (z, y, x). Readers that store spacing as x, y, z must reverse it.
	Spacing [3]float64
}

// NewVolume allocates a zero-filled volume with the given extents and spacing
func NewVolume(depth, height, width int, spacing [3]float64) *Volume {
	return &Volume{
		Data:    make([]float32, depth*height*width),
		Depth:   depth,
		Height:  height,
		Width:   width,
		Spacing: spacing,
	}
}

// Shape returns the extents in array axis order
func (v *Volume) Shape() [3]int {
	return [3]int{v.Depth, v.Height, v.Width}
}

// Index returns the flat offset of voxel (z, y, x)
func (v *Volume) Index(z, y, x int) int {
	return (z*v.Height+y)*v.Width + x
}

// At returns the voxel at (z, y, x)
func (v *Volume) At(z, y, x int) float32 {
	return v.Data[v.Index(z, y, x)]
}

// Validate checks that extents, spacing and data length agree
func (v *Volume) Validate() error {
	if v.Depth <= 0 || v.Height <= 0 || v.Width <= 0 {
		return fmt.Errorf("volume extents must be positive, got %dx%dx%d", v.Depth, v.Height, v.Width)
	}
	if len(v.Data) != v.Depth*v.Height*v.Width {
		return fmt.Errorf("volume data has %d voxels, want %d", len(v.Data), v.Depth*v.Height*v.Width)
	}
	for i, s := range v.Spacing {
		if s <= 0 {
			return fmt.Errorf("spacing[%d] must be positive, got %f", i, s)
		}
	}
	return nil
}

// Nodule is a candidate location in voxel coordinates of the original
// (not resampled) volume
type Nodule struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// Prediction is the classification result for one nodule
type Prediction struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`

	// PConcerning is the malignancy probability in [0, 1]
	PConcerning float64 `json:"p_concerning"`
}

// CaseResult groups the per-nodule predictions of one scan with the
// aggregated case probability
type CaseResult struct {
	CaseID      string       `json:"case_id"`
	Predictions []Prediction `json:"nodules"`

	// PCase is the noisy-OR combination of all nodule scores
	PCase float64 `json:"p_case"`
}
