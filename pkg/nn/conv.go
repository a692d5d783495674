package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv3D is a cubic-kernel 3D convolution with bias
type Conv3D struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int

	// Weight is laid out as [OutChannels, InChannels, Kernel, Kernel, Kernel]
	Weight []float32
	Bias   []float32

	// Workers bounds the number of output planes computed concurrently
	Workers int
}

// NewConv3D validates the parameter lengths and returns the layer
func NewConv3D(inCh, outCh, kernel, stride, padding int, weight, bias []float32) (*Conv3D, error) {
	if inCh <= 0 || outCh <= 0 || kernel <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv3d geometry in=%d out=%d k=%d s=%d p=%d", inCh, outCh, kernel, stride, padding)
	}
	k3 := kernel * kernel * kernel
	if len(weight) != outCh*inCh*k3 {
		return nil, fmt.Errorf("%w: conv3d weight has %d values, want %d", ErrShapeMismatch, len(weight), outCh*inCh*k3)
	}
	if len(bias) != outCh {
		return nil, fmt.Errorf("%w: conv3d bias has %d values, want %d", ErrShapeMismatch, len(bias), outCh)
	}
	return &Conv3D{
		InChannels:  inCh,
		OutChannels: outCh,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      weight,
		Bias:        bias,
		Workers:     1,
	}, nil
}

// OutputSize returns the spatial extent produced for an input extent n
func (c *Conv3D) OutputSize(n int) int {
	return (n+2*c.Padding-c.Kernel)/c.Stride + 1
}

// Forward convolves x. Each output depth plane is lowered to a column
// matrix and multiplied with the weight matrix in a single Gemm, so the
// result does not depend on how planes are scheduled across workers.
func (c *Conv3D) Forward(x *Tensor) (*Tensor, error) {
	if x.C != c.InChannels {
		return nil, fmt.Errorf("%w: conv3d expects %d input channels, got %d", ErrShapeMismatch, c.InChannels, x.C)
	}
	od, oh, ow := c.OutputSize(x.D), c.OutputSize(x.H), c.OutputSize(x.W)
	if od <= 0 || oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: input [%d %d %d] too small for kernel %d", ErrShapeMismatch, x.D, x.H, x.W, c.Kernel)
	}

	out := NewTensor(c.OutChannels, od, oh, ow)
	plane := oh * ow
	k := c.Kernel
	rows := c.InChannels * k * k * k

	// bias is accumulated into by Gemm with beta = 1
	for co := 0; co < c.OutChannels; co++ {
		ch := out.Channel(co)
		for i := range ch {
			ch[i] = c.Bias[co]
		}
	}

	weights := blas32.General{Rows: c.OutChannels, Cols: rows, Stride: rows, Data: c.Weight}

	workers := c.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > od {
		workers = od
	}
	scratch := make([][]float32, workers)
	for w := range scratch {
		scratch[w] = make([]float32, rows*plane)
	}

	parallelFor(od, workers, func(worker, z int) {
		col := scratch[worker]
		c.im2col(x, z, oh, ow, col)

		dst := blas32.General{
			Rows:   c.OutChannels,
			Cols:   plane,
			Stride: od * plane,
			Data:   out.Data[z*plane:],
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weights,
			blas32.General{Rows: rows, Cols: plane, Stride: plane, Data: col}, 1, dst)
	})

	return out, nil
}

// im2col fills col ([InChannels*K^3, oh*ow]) with the receptive fields
// of output depth plane z
func (c *Conv3D) im2col(x *Tensor, z, oh, ow int, col []float32) {
	k := c.Kernel
	plane := oh * ow
	row := 0
	for ci := 0; ci < x.C; ci++ {
		for kd := 0; kd < k; kd++ {
			id := z*c.Stride - c.Padding + kd
			for kh := 0; kh < k; kh++ {
				for kw := 0; kw < k; kw++ {
					dst := col[row*plane : (row+1)*plane]
					row++
					if id < 0 || id >= x.D {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					for y := 0; y < oh; y++ {
						ih := y*c.Stride - c.Padding + kh
						line := dst[y*ow : (y+1)*ow]
						if ih < 0 || ih >= x.H {
							for i := range line {
								line[i] = 0
							}
							continue
						}
						base := x.Index(ci, id, ih, 0)
						for xo := 0; xo < ow; xo++ {
							iw := xo*c.Stride - c.Padding + kw
							if iw < 0 || iw >= x.W {
								line[xo] = 0
							} else {
								line[xo] = x.Data[base+iw]
							}
						}
					}
				}
			}
		}
	}
}

// ConvTranspose3D is a transposed convolution whose kernel equals its
// stride, so output windows never overlap
type ConvTranspose3D struct {
	InChannels  int
	OutChannels int
	Kernel      int

	// Weight is laid out as [InChannels, OutChannels, Kernel, Kernel, Kernel]
	Weight []float32
	Bias   []float32

	Workers int
}

// NewConvTranspose3D validates the parameter lengths and returns the layer
func NewConvTranspose3D(inCh, outCh, kernel int, weight, bias []float32) (*ConvTranspose3D, error) {
	if inCh <= 0 || outCh <= 0 || kernel <= 0 {
		return nil, fmt.Errorf("invalid transposed conv3d geometry in=%d out=%d k=%d", inCh, outCh, kernel)
	}
	k3 := kernel * kernel * kernel
	if len(weight) != inCh*outCh*k3 {
		return nil, fmt.Errorf("%w: transposed conv3d weight has %d values, want %d", ErrShapeMismatch, len(weight), inCh*outCh*k3)
	}
	if len(bias) != outCh {
		return nil, fmt.Errorf("%w: transposed conv3d bias has %d values, want %d", ErrShapeMismatch, len(bias), outCh)
	}
	return &ConvTranspose3D{
		InChannels:  inCh,
		OutChannels: outCh,
		Kernel:      kernel,
		Weight:      weight,
		Bias:        bias,
		Workers:     1,
	}, nil
}

// Forward upsamples x by Kernel along every spatial axis
func (c *ConvTranspose3D) Forward(x *Tensor) (*Tensor, error) {
	if x.C != c.InChannels {
		return nil, fmt.Errorf("%w: transposed conv3d expects %d input channels, got %d", ErrShapeMismatch, c.InChannels, x.C)
	}
	k := c.Kernel
	k3 := k * k * k
	out := NewTensor(c.OutChannels, x.D*k, x.H*k, x.W*k)
	plane := x.H * x.W
	rows := c.OutChannels * k3

	// weight viewed as [InChannels, OutChannels*K^3] and used transposed
	weights := blas32.General{Rows: c.InChannels, Cols: rows, Stride: rows, Data: c.Weight}

	workers := c.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > x.D {
		workers = x.D
	}
	scratch := make([][]float32, workers)
	for w := range scratch {
		scratch[w] = make([]float32, rows*plane)
	}

	parallelFor(x.D, workers, func(worker, z int) {
		buf := scratch[worker]
		src := blas32.General{Rows: c.InChannels, Cols: plane, Stride: x.D * plane, Data: x.Data[z*plane:]}
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, weights, src, 0,
			blas32.General{Rows: rows, Cols: plane, Stride: plane, Data: buf})

		for co := 0; co < c.OutChannels; co++ {
			for kd := 0; kd < k; kd++ {
				for kh := 0; kh < k; kh++ {
					for kw := 0; kw < k; kw++ {
						r := co*k3 + (kd*k+kh)*k + kw
						vals := buf[r*plane : (r+1)*plane]
						for y := 0; y < x.H; y++ {
							for xi := 0; xi < x.W; xi++ {
								out.Set(co, z*k+kd, y*k+kh, xi*k+kw, vals[y*x.W+xi]+c.Bias[co])
							}
						}
					}
				}
			}
		}
	})

	return out, nil
}
