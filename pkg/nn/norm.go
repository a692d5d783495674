package nn

import (
	"fmt"
	"math"
)

// BatchNormEpsilon is the variance stabilizer used by the pretrained layers
const BatchNormEpsilon = 1e-5

// BatchNorm3D applies per-channel normalization with frozen running
// statistics
type BatchNorm3D struct {
	Channels int

	// scale and shift fold gamma, beta, mean and variance together
	scale []float32
	shift []float32
}

// NewBatchNorm3D folds the running statistics into an affine transform
func NewBatchNorm3D(channels int, gamma, beta, mean, variance []float32) (*BatchNorm3D, error) {
	for name, p := range map[string][]float32{"weight": gamma, "bias": beta, "running_mean": mean, "running_var": variance} {
		if len(p) != channels {
			return nil, fmt.Errorf("%w: batchnorm %s has %d values, want %d", ErrShapeMismatch, name, len(p), channels)
		}
	}
	bn := &BatchNorm3D{
		Channels: channels,
		scale:    make([]float32, channels),
		shift:    make([]float32, channels),
	}
	for c := 0; c < channels; c++ {
		invstd := float32(1 / math.Sqrt(float64(variance[c])+BatchNormEpsilon))
		bn.scale[c] = invstd * gamma[c]
		bn.shift[c] = beta[c] - mean[c]*bn.scale[c]
	}
	return bn, nil
}

// Forward normalizes x in place and returns it
func (bn *BatchNorm3D) Forward(x *Tensor) (*Tensor, error) {
	if x.C != bn.Channels {
		return nil, fmt.Errorf("%w: batchnorm expects %d channels, got %d", ErrShapeMismatch, bn.Channels, x.C)
	}
	for c := 0; c < x.C; c++ {
		a, b := bn.scale[c], bn.shift[c]
		ch := x.Channel(c)
		for i, v := range ch {
			ch[i] = v*a + b
		}
	}
	return x, nil
}
