package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear is a fully connected layer y = Wx + b
type Linear struct {
	In, Out int

	// Weight is laid out as [Out, In]
	Weight []float32
	Bias   []float32
}

// NewLinear validates the parameter lengths and returns the layer
func NewLinear(in, out int, weight, bias []float32) (*Linear, error) {
	if len(weight) != in*out {
		return nil, fmt.Errorf("%w: linear weight has %d values, want %d", ErrShapeMismatch, len(weight), in*out)
	}
	if len(bias) != out {
		return nil, fmt.Errorf("%w: linear bias has %d values, want %d", ErrShapeMismatch, len(bias), out)
	}
	return &Linear{In: in, Out: out, Weight: weight, Bias: bias}, nil
}

// Forward applies the layer to x
func (l *Linear) Forward(x []float32) ([]float32, error) {
	if len(x) != l.In {
		return nil, fmt.Errorf("%w: linear expects %d inputs, got %d", ErrShapeMismatch, l.In, len(x))
	}
	y := make([]float32, l.Out)
	copy(y, l.Bias)
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: l.Out, Cols: l.In, Stride: l.In, Data: l.Weight},
		blas32.Vector{N: l.In, Inc: 1, Data: x},
		1,
		blas32.Vector{N: l.Out, Inc: 1, Data: y})
	return y, nil
}
