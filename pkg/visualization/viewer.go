// Package visualization renders slices of CT volumes and network crops as
// images for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"lungclassify/internal/models"
)

// Axis names the anatomical plane of a slice
type Axis string

const (
	// Axial slices are perpendicular to z
	Axial Axis = "axial"

	// Coronal slices are perpendicular to y
	Coronal Axis = "coronal"

	// Sagittal slices are perpendicular to x
	Sagittal Axis = "sagittal"
)

// Axes lists every plane in the order slices are saved
var Axes = []Axis{Axial, Coronal, Sagittal}

// Viewer extracts grayscale slices from a volume
type Viewer struct {
	// vol holds the volume in (z, y, x) order
	vol *models.Volume

	// intensities in [low, high] map onto the full gray range
	low, high float64

	// scale enlarges saved slices with nearest-neighbour sampling
	scale int
}

// NewViewer creates a viewer mapping intensities low..high onto black..white
func NewViewer(vol *models.Volume, low, high float64) (*Viewer, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if !(high > low) {
		return nil, fmt.Errorf("invalid display range [%v, %v]", low, high)
	}
	return &Viewer{vol: vol, low: low, high: high, scale: 1}, nil
}

// SetScale sets the enlargement factor of saved slices
func (v *Viewer) SetScale(scale int) {
	if scale < 1 {
		scale = 1
	}
	v.scale = scale
}

// ExtractSlice extracts a 2D slice at position along the given axis.
// Axial slices are width x height, coronal width x depth and sagittal
// height x depth.
func (v *Viewer) ExtractSlice(axis Axis, position int) (*image.Gray, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.vol

	var img *image.Gray
	switch axis {
	case Axial:
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray(x, y, v.gray(vol.At(position, y, x)))
			}
		}

	case Coronal:
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray(x, z, v.gray(vol.At(z, position, x)))
			}
		}

	case Sagittal:
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Height, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for y := 0; y < vol.Height; y++ {
				img.SetGray(y, z, v.gray(vol.At(z, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be %s, %s or %s)", axis, Axial, Coronal, Sagittal)
	}

	return img, nil
}

func (v *Viewer) gray(value float32) color.Gray {
	n := (float64(value) - v.low) / (v.high - v.low)
	return color.Gray{Y: uint8(math.Round(math.Max(0, math.Min(1, n)) * 255))}
}

// SaveSlice enlarges img by the viewer scale and saves it. The format
// follows the file extension.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if v.scale > 1 {
		b := img.Bounds()
		img = imaging.Resize(img, b.Dx()*v.scale, b.Dy()*v.scale, imaging.NearestNeighbor)
	}
	return imaging.Save(img, filename, imaging.JPEGQuality(90))
}

// SaveCentralSlices saves the middle slice along every axis as
// <outputDir>/<name>_<axis>.jpg and returns the written paths
func (v *Viewer) SaveCentralSlices(outputDir, name string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	center := map[Axis]int{Axial: v.vol.Depth / 2, Coronal: v.vol.Height / 2, Sagittal: v.vol.Width / 2}
	paths := make([]string, 0, len(Axes))
	for _, axis := range Axes {
		img, err := v.ExtractSlice(axis, center[axis])
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", name, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, fmt.Errorf("failed to save %s: %w", filename, err)
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
