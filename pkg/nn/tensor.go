// Package nn implements the float32 tensor operations needed to run the
// nodule classification network in evaluation mode: 3D convolution,
// transposed convolution, batch normalization, max pooling with retained
// indices, and fully connected layers.
//
// Tensors hold a single sample in [C, D, H, W] row-major layout. All
// operations are per-sample, so statistics never mix between nodules.
package nn

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when operand shapes are incompatible
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense 4D float32 array laid out as [C, D, H, W]
type Tensor struct {
	C, D, H, W int
	Data       []float32
}

// NewTensor allocates a zero-filled tensor
func NewTensor(c, d, h, w int) *Tensor {
	return &Tensor{C: c, D: d, H: h, W: w, Data: make([]float32, c*d*h*w)}
}

// FromData wraps data without copying; the length must match the shape
func FromData(c, d, h, w int, data []float32) (*Tensor, error) {
	if len(data) != c*d*h*w {
		return nil, fmt.Errorf("%w: %d values for shape [%d %d %d %d]", ErrShapeMismatch, len(data), c, d, h, w)
	}
	return &Tensor{C: c, D: d, H: h, W: w, Data: data}, nil
}

// Shape returns [C, D, H, W]
func (t *Tensor) Shape() [4]int {
	return [4]int{t.C, t.D, t.H, t.W}
}

// Spatial returns the number of voxels per channel
func (t *Tensor) Spatial() int {
	return t.D * t.H * t.W
}

// Index returns the flat offset of (c, d, h, w)
func (t *Tensor) Index(c, d, h, w int) int {
	return ((c*t.D+d)*t.H+h)*t.W + w
}

// At returns the value at (c, d, h, w)
func (t *Tensor) At(c, d, h, w int) float32 {
	return t.Data[t.Index(c, d, h, w)]
}

// Set stores v at (c, d, h, w)
func (t *Tensor) Set(c, d, h, w int, v float32) {
	t.Data[t.Index(c, d, h, w)] = v
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.C, t.D, t.H, t.W)
	copy(out.Data, t.Data)
	return out
}

// Channel returns the backing slice of channel c
func (t *Tensor) Channel(c int) []float32 {
	n := t.Spatial()
	return t.Data[c*n : (c+1)*n]
}

// SliceSpatial copies the region [d0,d1) x [h0,h1) x [w0,w1) of every channel
func (t *Tensor) SliceSpatial(d0, d1, h0, h1, w0, w1 int) (*Tensor, error) {
	if d0 < 0 || h0 < 0 || w0 < 0 || d1 > t.D || h1 > t.H || w1 > t.W || d0 >= d1 || h0 >= h1 || w0 >= w1 {
		return nil, fmt.Errorf("%w: region [%d:%d, %d:%d, %d:%d] outside [%d %d %d]",
			ErrShapeMismatch, d0, d1, h0, h1, w0, w1, t.D, t.H, t.W)
	}
	out := NewTensor(t.C, d1-d0, h1-h0, w1-w0)
	for c := 0; c < t.C; c++ {
		for d := d0; d < d1; d++ {
			for h := h0; h < h1; h++ {
				src := t.Index(c, d, h, w0)
				dst := out.Index(c, d-d0, h-h0, 0)
				copy(out.Data[dst:dst+out.W], t.Data[src:src+out.W])
			}
		}
	}
	return out, nil
}

// Concat stacks tensors along the channel axis. All spatial extents must match.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}
	first := ts[0]
	channels := 0
	for _, t := range ts {
		if t.D != first.D || t.H != first.H || t.W != first.W {
			return nil, fmt.Errorf("%w: cannot concatenate [%d %d %d] with [%d %d %d]",
				ErrShapeMismatch, first.D, first.H, first.W, t.D, t.H, t.W)
		}
		channels += t.C
	}
	out := NewTensor(channels, first.D, first.H, first.W)
	offset := 0
	for _, t := range ts {
		copy(out.Data[offset:], t.Data)
		offset += len(t.Data)
	}
	return out, nil
}

// AddInPlace adds other to t element-wise
func (t *Tensor) AddInPlace(other *Tensor) error {
	if t.Shape() != other.Shape() {
		return fmt.Errorf("%w: add %v and %v", ErrShapeMismatch, t.Shape(), other.Shape())
	}
	for i, v := range other.Data {
		t.Data[i] += v
	}
	return nil
}
