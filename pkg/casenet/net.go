package casenet

import (
	"fmt"

	"go.uber.org/zap"

	"lungclassify/pkg/nn"
)

// Stage describes one group of residual blocks. The first block maps In
// to Out channels, the rest keep Out.
type Stage struct {
	Name   string
	In     int
	Out    int
	Blocks int
}

// Architecture is the static layout of the feature/detection network
type Architecture struct {
	// InputChannels is the number of image channels (1 for CT)
	InputChannels int

	// PreChannels is the width of the two plain convolutions before pooling
	PreChannels int

	// Encoder stages, each preceded by a 2x max pool
	Encoder []Stage

	// Decoder stages, each preceded by a 2x transposed convolution of the
	// previous output and fed the concatenation with the matching encoder
	// output. The last decoder stage also receives the coordinate grid.
	Decoder []Stage

	// CoordChannels is the number of coordinate grid planes
	CoordChannels int

	// HeadChannels is the width of the hidden 1x1x1 convolution of the
	// detection head
	HeadChannels int

	// Anchors is the number of detection anchors per voxel
	Anchors int

	// Hidden is the width of the first fully connected layer of the
	// classification head
	Hidden int
}

// DefaultArchitecture returns the layout the pretrained weights were
// trained with
func DefaultArchitecture() Architecture {
	return Architecture{
		InputChannels: 1,
		PreChannels:   24,
		Encoder: []Stage{
			{Name: "forw1", In: 24, Out: 32, Blocks: 2},
			{Name: "forw2", In: 32, Out: 64, Blocks: 2},
			{Name: "forw3", In: 64, Out: 64, Blocks: 3},
			{Name: "forw4", In: 64, Out: 64, Blocks: 3},
		},
		Decoder: []Stage{
			{Name: "back3", In: 64 + 64, Out: 64, Blocks: 3},
			{Name: "back2", In: 64 + 64 + 3, Out: 128, Blocks: 3},
		},
		CoordChannels: 3,
		HeadChannels:  64,
		Anchors:       3,
		Hidden:        64,
	}
}

// Downsampling returns the total pooling factor of the encoder
func (a Architecture) Downsampling() int {
	return 1 << len(a.Encoder)
}

// FeatureStride returns the ratio between input and feature resolution
func (a Architecture) FeatureStride() int {
	return 1 << (len(a.Encoder) - len(a.Decoder))
}

// FeatureChannels returns the width of the feature tensor
func (a Architecture) FeatureChannels() int {
	return a.Decoder[len(a.Decoder)-1].Out
}

// Validate checks that consecutive stages agree on their widths
func (a Architecture) Validate() error {
	if len(a.Encoder) == 0 || len(a.Decoder) == 0 || len(a.Decoder) >= len(a.Encoder) {
		return fmt.Errorf("need more encoder (%d) than decoder (%d) stages, at least one each", len(a.Encoder), len(a.Decoder))
	}
	prev := a.PreChannels
	for _, s := range a.Encoder {
		if s.In != prev || s.Blocks < 1 {
			return fmt.Errorf("encoder stage %s: input %d does not follow %d", s.Name, s.In, prev)
		}
		prev = s.Out
	}
	for i, s := range a.Decoder {
		skip := a.Encoder[len(a.Encoder)-2-i].Out
		want := prev + skip
		if i == len(a.Decoder)-1 {
			want += a.CoordChannels
		}
		if s.In != want || s.Blocks < 1 {
			return fmt.Errorf("decoder stage %s: input %d, want %d", s.Name, s.In, want)
		}
		prev = s.Out
	}
	return nil
}

// Detection holds the per-voxel, per-anchor 5-tuples of the detection head
// in [D, H, W, Anchors, 5] layout
type Detection struct {
	D, H, W, Anchors int
	Data             []float32
}

// At returns element k of anchor a at voxel (d, h, w)
func (det *Detection) At(d, h, w, a, k int) float32 {
	return det.Data[(((d*det.H+h)*det.W+w)*det.Anchors+a)*5+k]
}

// ForwardResult bundles the outputs of the feature network
type ForwardResult struct {
	// Features is the last decoder output, before dropout
	Features *nn.Tensor

	// Detection is the reshaped detection head output
	Detection *Detection

	// PoolIndices are the max-pool indices of each encoder stage, in order.
	// The decoder upsamples with transposed convolutions and never reads
	// them; nn.MaxUnpool3D inverts a stage for inspection.
	PoolIndices []*nn.PoolIndices
}

// Net is the encoder-decoder feature and detection network
type Net struct {
	arch   Architecture
	logger *zap.SugaredLogger

	pre      []*convBNReLU
	encoder  []sequence
	upsample []*upsample
	decoder  []sequence

	// detection head
	head1 *nn.Conv3D
	head2 *nn.Conv3D
}

func newNet(b *builder, prefix string, arch Architecture, logger *zap.SugaredLogger) (*Net, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	n := &Net{arch: arch, logger: logger}

	// preBlock.{0,1} and preBlock.{3,4}; index 2 and 5 are the ReLUs
	in := arch.InputChannels
	for _, idx := range []int{0, 3} {
		conv, err := b.conv(fmt.Sprintf("%s.preBlock.%d", prefix, idx), in, arch.PreChannels, 3, 1, 1)
		if err != nil {
			return nil, err
		}
		bn, err := b.batchNorm(fmt.Sprintf("%s.preBlock.%d", prefix, idx+1), arch.PreChannels)
		if err != nil {
			return nil, err
		}
		n.pre = append(n.pre, &convBNReLU{conv: conv, bn: bn})
		in = arch.PreChannels
	}

	for _, stage := range arch.Encoder {
		seq, err := buildStage(b, prefix, stage)
		if err != nil {
			return nil, err
		}
		n.encoder = append(n.encoder, seq)
	}

	prev := arch.Encoder[len(arch.Encoder)-1].Out
	for i, stage := range arch.Decoder {
		path := fmt.Sprintf("%s.path%d", prefix, i+1)
		deconv, err := b.convTranspose(path+".0", prev, prev, 2)
		if err != nil {
			return nil, err
		}
		bn, err := b.batchNorm(path+".1", prev)
		if err != nil {
			return nil, err
		}
		n.upsample = append(n.upsample, &upsample{deconv: deconv, bn: bn})

		seq, err := buildStage(b, prefix, stage)
		if err != nil {
			return nil, err
		}
		n.decoder = append(n.decoder, seq)
		prev = stage.Out
	}

	// output.0 and output.2; index 1 is the ReLU
	var err error
	if n.head1, err = b.conv(prefix+".output.0", arch.FeatureChannels(), arch.HeadChannels, 1, 1, 0); err != nil {
		return nil, err
	}
	if n.head2, err = b.conv(prefix+".output.2", arch.HeadChannels, 5*arch.Anchors, 1, 1, 0); err != nil {
		return nil, err
	}

	return n, nil
}

func buildStage(b *builder, prefix string, stage Stage) (sequence, error) {
	seq := make(sequence, 0, stage.Blocks)
	for j := 0; j < stage.Blocks; j++ {
		in := stage.Out
		if j == 0 {
			in = stage.In
		}
		block, err := newResidualBlock(b, fmt.Sprintf("%s.%s.%d", prefix, stage.Name, j), in, stage.Out, 1)
		if err != nil {
			return nil, err
		}
		seq = append(seq, block)
	}
	return seq, nil
}

// Forward runs the network on one image crop x ([1, D, H, W]) and its
// coordinate grid ([3, D/s, H/s, W/s] with s = FeatureStride)
func (n *Net) Forward(x, coord *nn.Tensor) (*ForwardResult, error) {
	down := n.arch.Downsampling()
	if x.D%down != 0 || x.H%down != 0 || x.W%down != 0 {
		return nil, fmt.Errorf("%w: input [%d %d %d] not divisible by %d", nn.ErrShapeMismatch, x.D, x.H, x.W, down)
	}
	stride := n.arch.FeatureStride()
	if coord.C != n.arch.CoordChannels || coord.D*stride != x.D || coord.H*stride != x.H || coord.W*stride != x.W {
		return nil, fmt.Errorf("%w: coordinate grid %v does not match input %v at stride %d",
			nn.ErrShapeMismatch, coord.Shape(), x.Shape(), stride)
	}

	out := x
	for i, l := range n.pre {
		var err error
		if out, err = l.Forward(out); err != nil {
			return nil, fmt.Errorf("preBlock %d: %w", i, err)
		}
	}

	// encoder outputs, kept for the skip connections
	skips := make([]*nn.Tensor, 0, len(n.encoder))
	indices := make([]*nn.PoolIndices, 0, len(n.encoder))
	for i, stage := range n.encoder {
		pooled, idx, err := nn.MaxPool3D(out, 2)
		if err != nil {
			return nil, fmt.Errorf("maxpool %d: %w", i+1, err)
		}
		indices = append(indices, idx)
		if out, err = stage.Forward(pooled); err != nil {
			return nil, fmt.Errorf("%s: %w", n.arch.Encoder[i].Name, err)
		}
		skips = append(skips, out)
		n.logger.Debugw("encoder stage", "stage", n.arch.Encoder[i].Name, "shape", out.Shape())
	}

	for i, stage := range n.decoder {
		rev, err := n.upsample[i].Forward(out)
		if err != nil {
			return nil, fmt.Errorf("path%d: %w", i+1, err)
		}
		parts := []*nn.Tensor{rev, skips[len(skips)-2-i]}
		if i == len(n.decoder)-1 {
			parts = append(parts, coord)
		}
		comb, err := nn.Concat(parts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.arch.Decoder[i].Name, err)
		}
		if out, err = stage.Forward(comb); err != nil {
			return nil, fmt.Errorf("%s: %w", n.arch.Decoder[i].Name, err)
		}
		n.logger.Debugw("decoder stage", "stage", n.arch.Decoder[i].Name, "shape", out.Shape())
	}
	features := out

	// dropout is the identity in evaluation mode
	hidden, err := n.head1.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("output.0: %w", err)
	}
	nn.ReLU(hidden)
	raw, err := n.head2.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("output.2: %w", err)
	}

	return &ForwardResult{
		Features:    features,
		Detection:   reshapeDetection(raw, n.arch.Anchors),
		PoolIndices: indices,
	}, nil
}

// reshapeDetection moves the channel axis last and splits it into
// anchors x 5
func reshapeDetection(raw *nn.Tensor, anchors int) *Detection {
	det := &Detection{D: raw.D, H: raw.H, W: raw.W, Anchors: anchors, Data: make([]float32, len(raw.Data))}
	for ch := 0; ch < raw.C; ch++ {
		src := raw.Channel(ch)
		for pos, v := range src {
			det.Data[pos*raw.C+ch] = v
		}
	}
	return det
}
