package nn

import "math"

// ReLU clamps negative values to zero in place
func ReLU(x *Tensor) *Tensor {
	ReLUSlice(x.Data)
	return x
}

// ReLUSlice clamps negative values of v to zero in place
func ReLUSlice(v []float32) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

// Sigmoid returns the logistic function of x
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
