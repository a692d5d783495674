package casenet

import (
	"fmt"

	"lungclassify/pkg/nn"
)

// ResidualBlock computes relu(bn2(conv2(relu(bn1(conv1(x))))) + shortcut(x)).
// The shortcut is the identity when the block keeps both stride and width,
// and a strided 1x1x1 convolution with batch norm otherwise.
type ResidualBlock struct {
	In, Out, Stride int

	conv1 *nn.Conv3D
	bn1   *nn.BatchNorm3D
	conv2 *nn.Conv3D
	bn2   *nn.BatchNorm3D

	// nil for the identity shortcut
	shortcutConv *nn.Conv3D
	shortcutBN   *nn.BatchNorm3D
}

func newResidualBlock(b *builder, prefix string, in, out, stride int) (*ResidualBlock, error) {
	rb := &ResidualBlock{In: in, Out: out, Stride: stride}
	var err error

	if rb.conv1, err = b.conv(prefix+".conv1", in, out, 3, stride, 1); err != nil {
		return nil, err
	}
	if rb.bn1, err = b.batchNorm(prefix+".bn1", out); err != nil {
		return nil, err
	}
	if rb.conv2, err = b.conv(prefix+".conv2", out, out, 3, 1, 1); err != nil {
		return nil, err
	}
	if rb.bn2, err = b.batchNorm(prefix+".bn2", out); err != nil {
		return nil, err
	}

	if stride != 1 || in != out {
		if rb.shortcutConv, err = b.conv(prefix+".shortcut.0", in, out, 1, stride, 0); err != nil {
			return nil, err
		}
		if rb.shortcutBN, err = b.batchNorm(prefix+".shortcut.1", out); err != nil {
			return nil, err
		}
	}
	return rb, nil
}

// HasProjection reports whether the shortcut is a learned projection
func (rb *ResidualBlock) HasProjection() bool {
	return rb.shortcutConv != nil
}

// Forward runs the block. x is not modified.
func (rb *ResidualBlock) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	if x.C != rb.In {
		return nil, fmt.Errorf("%w: residual block expects %d channels, got %d", nn.ErrShapeMismatch, rb.In, x.C)
	}

	residual := x
	if rb.shortcutConv != nil {
		var err error
		if residual, err = rb.shortcutConv.Forward(x); err != nil {
			return nil, err
		}
		if _, err = rb.shortcutBN.Forward(residual); err != nil {
			return nil, err
		}
	}

	out, err := rb.conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if _, err := rb.bn1.Forward(out); err != nil {
		return nil, err
	}
	nn.ReLU(out)

	if out, err = rb.conv2.Forward(out); err != nil {
		return nil, err
	}
	if _, err := rb.bn2.Forward(out); err != nil {
		return nil, err
	}

	if err := out.AddInPlace(residual); err != nil {
		return nil, err
	}
	return nn.ReLU(out), nil
}

// sequence runs residual blocks one after another
type sequence []*ResidualBlock

func (s sequence) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	out := x
	for i, block := range s {
		var err error
		if out, err = block.Forward(out); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	return out, nil
}
