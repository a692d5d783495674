// Package crop cuts fixed-size network inputs out of a preprocessed volume
// and builds the matching normalized coordinate grid.
package crop

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"lungclassify/internal/models"
	"lungclassify/pkg/nn"
)

// ErrStrideMismatch is returned when a crop size is not a multiple of the
// coordinate grid stride
var ErrStrideMismatch = errors.New("crop size not divisible by stride")

// Cropper extracts crops of a fixed size centred on a location
type Cropper struct {
	size   [3]int
	stride int
	fill   float32
}

// Region describes where a crop was taken from
type Region struct {
	// Start is the first voxel of the crop in the padded volume
	Start [3]int

	// Pad is the (before, after) padding added along each axis
	Pad [3][2]int

	// Padded is the shape of the padded volume
	Padded [3]int
}

// NewCropper creates a cropper for crops of size (z, y, x) voxels whose
// coordinate grid is size/stride along every axis. Voxels outside the
// volume are set to fill.
func NewCropper(size [3]int, stride int, fill float32) (*Cropper, error) {
	if stride <= 0 {
		return nil, fmt.Errorf("stride must be positive, got %d", stride)
	}
	for i, s := range size {
		if s <= 0 {
			return nil, fmt.Errorf("crop size[%d] must be positive, got %d", i, s)
		}
		if s%stride != 0 {
			return nil, fmt.Errorf("%w: size[%d]=%d, stride %d", ErrStrideMismatch, i, s, stride)
		}
	}
	return &Cropper{size: size, stride: stride, fill: fill}, nil
}

// Size returns the crop extents (z, y, x)
func (c *Cropper) Size() [3]int {
	return c.size
}

// GridSize returns the coordinate grid extents (z, y, x)
func (c *Cropper) GridSize() [3]int {
	return [3]int{c.size[0] / c.stride, c.size[1] / c.stride, c.size[2] / c.stride}
}

// Plan computes the crop window for a centre given in voxel coordinates
// (z, y, x). Windows reaching past the volume are padded; windows that lie
// entirely outside are still produced and contain only fill.
func (c *Cropper) Plan(shape [3]int, center [3]float64) Region {
	var r Region
	for i := 0; i < 3; i++ {
		start := int(math.Trunc(center[i] - float64(c.size[i])/2))
		if start < 0 {
			r.Pad[i][0] = -start
			start = 0
		}
		if start+c.size[i] > shape[i] {
			r.Pad[i][1] = start + c.size[i] - shape[i]
		}
		r.Start[i] = start
		r.Padded[i] = shape[i] + r.Pad[i][0] + r.Pad[i][1]
	}
	return r
}

// Crop returns the [1, D, H, W] crop around center and the [3, D/s, H/s, W/s]
// coordinate grid, where s is the stride
func (c *Cropper) Crop(vol *models.Volume, center [3]float64) (*nn.Tensor, *nn.Tensor, error) {
	if err := vol.Validate(); err != nil {
		return nil, nil, err
	}
	for i, v := range center {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, fmt.Errorf("crop centre[%d] is not finite: %v", i, v)
		}
	}

	r := c.Plan(vol.Shape(), center)
	img := nn.NewTensor(1, c.size[0], c.size[1], c.size[2])

	// a crop voxel at offset o along an axis maps to padded index start+o
	// and to volume index start+o-padBefore
	for z := 0; z < c.size[0]; z++ {
		vz := r.Start[0] + z - r.Pad[0][0]
		for y := 0; y < c.size[1]; y++ {
			vy := r.Start[1] + y - r.Pad[1][0]
			row := img.Data[img.Index(0, z, y, 0) : img.Index(0, z, y, 0)+c.size[2]]
			if vz < 0 || vz >= vol.Depth || vy < 0 || vy >= vol.Height {
				fill(row, c.fill)
				continue
			}
			for x := range row {
				vx := r.Start[2] + x - r.Pad[2][0]
				if vx < 0 || vx >= vol.Width {
					row[x] = c.fill
					continue
				}
				row[x] = vol.At(vz, vy, vx)
			}
		}
	}

	return img, c.grid(r), nil
}

// grid builds the ij-indexed meshgrid of normalized positions spanning the
// crop within the padded volume
func (c *Cropper) grid(r Region) *nn.Tensor {
	n := c.GridSize()
	var axes [3][]float64
	for i := 0; i < 3; i++ {
		normStart := float64(r.Start[i])/float64(r.Padded[i]) - 0.5
		normSize := float64(c.size[i]) / float64(r.Padded[i])
		axes[i] = linspace(normStart, normStart+normSize, n[i])
	}

	coord := nn.NewTensor(3, n[0], n[1], n[2])
	for z := 0; z < n[0]; z++ {
		for y := 0; y < n[1]; y++ {
			for x := 0; x < n[2]; x++ {
				coord.Set(0, z, y, x, float32(axes[0][z]))
				coord.Set(1, z, y, x, float32(axes[1][y]))
				coord.Set(2, z, y, x, float32(axes[2][x]))
			}
		}
	}
	return coord
}

// linspace returns n evenly spaced values over [lo, hi]. A single sample
// is lo.
func linspace(lo, hi float64, n int) []float64 {
	dst := make([]float64, n)
	if n == 1 {
		dst[0] = lo
		return dst
	}
	return floats.Span(dst, lo, hi)
}

func fill(v []float32, value float32) {
	for i := range v {
		v[i] = value
	}
}
