package nn

import (
	"fmt"
	"math"
)

// PoolIndices records, for every pooled voxel, the flat offset of the
// selected maximum within its input channel (d*H*W + h*W + w), together
// with the extent of the input it was taken from
type PoolIndices struct {
	Index   []int
	D, H, W int
}

// MaxPool3D pools non-overlapping size^3 windows and returns the pooled
// tensor paired with the indices of the selected maxima. On ties the first
// maximum in scan order wins; NaN always propagates.
func MaxPool3D(x *Tensor, size int) (*Tensor, *PoolIndices, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("invalid pooling size %d", size)
	}
	od, oh, ow := x.D/size, x.H/size, x.W/size
	if od == 0 || oh == 0 || ow == 0 {
		return nil, nil, fmt.Errorf("%w: input [%d %d %d] smaller than pooling window %d", ErrShapeMismatch, x.D, x.H, x.W, size)
	}

	out := NewTensor(x.C, od, oh, ow)
	idx := &PoolIndices{Index: make([]int, len(out.Data)), D: x.D, H: x.H, W: x.W}

	for c := 0; c < x.C; c++ {
		in := x.Channel(c)
		for d := 0; d < od; d++ {
			for h := 0; h < oh; h++ {
				for w := 0; w < ow; w++ {
					best := float32(math.Inf(-1))
					bestIdx := ((d*size)*x.H+h*size)*x.W + w*size
					for kd := 0; kd < size; kd++ {
						for kh := 0; kh < size; kh++ {
							for kw := 0; kw < size; kw++ {
								i := ((d*size+kd)*x.H+h*size+kh)*x.W + w*size + kw
								v := in[i]
								if v > best || math.IsNaN(float64(v)) {
									best = v
									bestIdx = i
								}
							}
						}
					}
					o := out.Index(c, d, h, w)
					out.Data[o] = best
					idx.Index[o] = bestIdx
				}
			}
		}
	}
	return out, idx, nil
}

// MaxUnpool3D scatters x back to the positions recorded by MaxPool3D.
// Every other voxel of the output is zero. The casenet decoder does not use
// it; upsampling there is done by transposed convolutions.
func MaxUnpool3D(x *Tensor, idx *PoolIndices) (*Tensor, error) {
	if idx == nil || len(idx.Index) != len(x.Data) {
		return nil, fmt.Errorf("%w: pooling indices do not match tensor %v", ErrShapeMismatch, x.Shape())
	}
	out := NewTensor(x.C, idx.D, idx.H, idx.W)
	n := out.Spatial()
	per := x.Spatial()
	for c := 0; c < x.C; c++ {
		dst := out.Channel(c)
		for i := 0; i < per; i++ {
			j := idx.Index[c*per+i]
			if j < 0 || j >= n {
				return nil, fmt.Errorf("%w: pooling index %d outside [0, %d)", ErrShapeMismatch, j, n)
			}
			dst[j] = x.Data[c*per+i]
		}
	}
	return out, nil
}
