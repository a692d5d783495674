package casenet

import (
	"fmt"
	"math"
	"math/rand"

	"lungclassify/pkg/nn"
	"lungclassify/pkg/weights"
)

// paramKind tells a random source how to initialize a parameter
type paramKind int

const (
	kernelParam paramKind = iota
	biasParam
	onesParam
	zerosParam
	baselineParam
)

// initialBaseline is the untrained false-positive logit
const initialBaseline = -30

// paramSource returns the values of a named parameter with the given shape
type paramSource func(name string, kind paramKind, fanIn int, shape ...int) ([]float32, error)

// storeSource reads parameters from a loaded store
func storeSource(s *weights.Store) paramSource {
	return func(name string, _ paramKind, _ int, shape ...int) ([]float32, error) {
		return s.Take(name, shape...)
	}
}

// randomSource creates parameters and records them in s. Kernels and biases
// are drawn uniformly from +-1/sqrt(fanIn); batch norm starts as identity.
func randomSource(s *weights.Store, rng *rand.Rand) paramSource {
	return func(name string, kind paramKind, fanIn int, shape ...int) ([]float32, error) {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		switch kind {
		case kernelParam, biasParam:
			bound := 1 / math.Sqrt(float64(fanIn))
			for i := range data {
				data[i] = float32((rng.Float64()*2 - 1) * bound)
			}
		case onesParam:
			for i := range data {
				data[i] = 1
			}
		case baselineParam:
			for i := range data {
				data[i] = initialBaseline
			}
		}
		if err := s.Set(name, shape, data); err != nil {
			return nil, err
		}
		return data, nil
	}
}

// builder creates layers from a parameter source, naming every parameter
// after its state_dict key
type builder struct {
	param   paramSource
	workers int
}

func (b *builder) conv(prefix string, in, out, kernel, stride, padding int) (*nn.Conv3D, error) {
	fanIn := in * kernel * kernel * kernel
	w, err := b.param(prefix+".weight", kernelParam, fanIn, out, in, kernel, kernel, kernel)
	if err != nil {
		return nil, err
	}
	bias, err := b.param(prefix+".bias", biasParam, fanIn, out)
	if err != nil {
		return nil, err
	}
	c, err := nn.NewConv3D(in, out, kernel, stride, padding, w, bias)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prefix, err)
	}
	c.Workers = b.workers
	return c, nil
}

func (b *builder) convTranspose(prefix string, in, out, kernel int) (*nn.ConvTranspose3D, error) {
	fanIn := out * kernel * kernel * kernel
	w, err := b.param(prefix+".weight", kernelParam, fanIn, in, out, kernel, kernel, kernel)
	if err != nil {
		return nil, err
	}
	bias, err := b.param(prefix+".bias", biasParam, fanIn, out)
	if err != nil {
		return nil, err
	}
	c, err := nn.NewConvTranspose3D(in, out, kernel, w, bias)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prefix, err)
	}
	c.Workers = b.workers
	return c, nil
}

func (b *builder) batchNorm(prefix string, channels int) (*nn.BatchNorm3D, error) {
	kinds := []struct {
		name string
		kind paramKind
	}{
		{"weight", onesParam},
		{"bias", zerosParam},
		{"running_mean", zerosParam},
		{"running_var", onesParam},
	}
	params := make(map[string][]float32, len(kinds))
	for _, k := range kinds {
		p, err := b.param(prefix+"."+k.name, k.kind, channels, channels)
		if err != nil {
			return nil, err
		}
		params[k.name] = p
	}
	bn, err := nn.NewBatchNorm3D(channels, params["weight"], params["bias"], params["running_mean"], params["running_var"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prefix, err)
	}
	return bn, nil
}

func (b *builder) linear(prefix string, in, out int) (*nn.Linear, error) {
	w, err := b.param(prefix+".weight", kernelParam, in, out, in)
	if err != nil {
		return nil, err
	}
	bias, err := b.param(prefix+".bias", biasParam, in, out)
	if err != nil {
		return nil, err
	}
	return nn.NewLinear(in, out, w, bias)
}

// convBNReLU is a plain convolution followed by batch norm and ReLU
type convBNReLU struct {
	conv *nn.Conv3D
	bn   *nn.BatchNorm3D
}

func (l *convBNReLU) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	out, err := l.conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if _, err := l.bn.Forward(out); err != nil {
		return nil, err
	}
	return nn.ReLU(out), nil
}

// upsample is a transposed convolution followed by batch norm and ReLU
type upsample struct {
	deconv *nn.ConvTranspose3D
	bn     *nn.BatchNorm3D
}

func (l *upsample) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	out, err := l.deconv.Forward(x)
	if err != nil {
		return nil, err
	}
	if _, err := l.bn.Forward(out); err != nil {
		return nil, err
	}
	return nn.ReLU(out), nil
}
