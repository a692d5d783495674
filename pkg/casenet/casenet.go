// Package casenet implements the nodule classification network: a 3D
// encoder-decoder producing dense features and detection outputs, a
// per-nodule classification head over the central feature voxels, and a
// noisy-OR that combines nodule scores into a case probability.
//
// A CaseNet is built once from a weight store and is read-only afterwards,
// so a single instance can serve concurrent Forward calls.
package casenet

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"lungclassify/pkg/nn"
	"lungclassify/pkg/weights"
)

// ErrNoNodules is returned when a case aggregation has nothing to combine
var ErrNoNodules = errors.New("no nodules to aggregate")

// Options controls how a CaseNet is executed
type Options struct {
	// Workers bounds the goroutines used inside each convolution
	Workers int

	// Logger receives per-stage debug output; nil disables logging
	Logger *zap.SugaredLogger
}

// CaseNet couples the feature network with the classification head
type CaseNet struct {
	arch   Architecture
	net    *Net
	fc1    *nn.Linear
	fc2    *nn.Linear
	logger *zap.SugaredLogger

	// baseline is the learned logit of the false-positive rate
	baseline float32
}

// Output holds the results of one forward pass over a single nodule
type Output struct {
	// Detection is the detection head output of the feature network
	Detection *Detection

	// NoduleProb is the malignancy probability of the nodule
	NoduleProb float32

	// CaseProb combines NoduleProb with the baseline rate
	CaseProb float32
}

// New builds the network from store. Every tensor of the store must be
// consumed with the exact expected shape.
func New(store *weights.Store, arch Architecture, opts Options) (*CaseNet, error) {
	m, err := assemble(&builder{param: storeSource(store), workers: opts.Workers}, arch, opts.Logger)
	if err != nil {
		return nil, err
	}
	if err := store.CheckAllUsed(); err != nil {
		return nil, err
	}
	return m, nil
}

// InitWeights creates a randomly initialized parameter set for arch,
// named like a trained checkpoint. The same seed always yields the same
// values.
func InitWeights(arch Architecture, seed int64) (*weights.Store, error) {
	store := weights.NewStore()
	store.Metadata["init_seed"] = fmt.Sprint(seed)
	b := &builder{param: randomSource(store, rand.New(rand.NewSource(seed))), workers: 1}
	if _, err := assemble(b, arch, nil); err != nil {
		return nil, err
	}
	return store, nil
}

func assemble(b *builder, arch Architecture, logger *zap.SugaredLogger) (*CaseNet, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if b.workers < 1 {
		b.workers = 1
	}

	net, err := newNet(b, "NoduleNet", arch, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build feature network: %w", err)
	}

	m := &CaseNet{arch: arch, net: net, logger: logger}
	if m.fc1, err = b.linear("fc1", arch.FeatureChannels(), arch.Hidden); err != nil {
		return nil, err
	}
	if m.fc2, err = b.linear("fc2", arch.Hidden, 1); err != nil {
		return nil, err
	}
	baseline, err := b.param("baseline", baselineParam, 1, 1)
	if err != nil {
		return nil, err
	}
	m.baseline = baseline[0]
	return m, nil
}

// Architecture returns the layout the network was built with
func (m *CaseNet) Architecture() Architecture {
	return m.arch
}

// BaselineProb returns the learned baseline false-positive probability
func (m *CaseNet) BaselineProb() float32 {
	return nn.Sigmoid(m.baseline)
}

// Forward classifies one nodule crop x with coordinate grid coord
func (m *CaseNet) Forward(x, coord *nn.Tensor) (*Output, error) {
	res, err := m.net.Forward(x, coord)
	if err != nil {
		return nil, err
	}
	p, err := m.NoduleProb(res.Features)
	if err != nil {
		return nil, err
	}
	caseProb, err := NoisyOR([]float32{p}, m.BaselineProb())
	if err != nil {
		return nil, err
	}
	m.logger.Debugw("nodule scored", "p_nodule", p, "p_case", caseProb)
	return &Output{Detection: res.Detection, NoduleProb: p, CaseProb: caseProb}, nil
}

// NoduleProb scores a feature tensor: the central 2x2x2 voxels are
// max-pooled to one vector and passed through two fully connected layers
func (m *CaseNet) NoduleProb(features *nn.Tensor) (float32, error) {
	center, err := CenterFeature(features)
	if err != nil {
		return 0, err
	}

	// dropout is the identity in evaluation mode
	hidden, err := m.fc1.Forward(center)
	if err != nil {
		return 0, err
	}
	nn.ReLUSlice(hidden)
	out, err := m.fc2.Forward(hidden)
	if err != nil {
		return 0, err
	}
	return nn.Sigmoid(out[0]), nil
}

// CenterFeature max-pools the central 2x2x2 block of every channel
func CenterFeature(features *nn.Tensor) ([]float32, error) {
	d, h, w := features.D/2, features.H/2, features.W/2
	if d < 1 || h < 1 || w < 1 {
		return nil, fmt.Errorf("%w: feature map %v too small for a central 2x2x2 block", nn.ErrShapeMismatch, features.Shape())
	}
	block, err := features.SliceSpatial(d-1, d+1, h-1, h+1, w-1, w+1)
	if err != nil {
		return nil, err
	}
	pooled, _, err := nn.MaxPool3D(block, 2)
	if err != nil {
		return nil, err
	}
	return pooled.Data, nil
}

// NoisyOR combines nodule probabilities with a baseline event probability:
//
//	1 - prod(1 - p_i) * (1 - baseline)
//
// The case is positive if any nodule is, or the independent baseline
// event fires. The product is taken in float64 so the result never falls
// below the most likely nodule.
func NoisyOR(probs []float32, baseline float32) (float32, error) {
	if len(probs) == 0 {
		return 0, ErrNoNodules
	}
	if !isProbability(baseline) {
		return 0, fmt.Errorf("baseline probability %v outside [0, 1]", baseline)
	}
	none := 1.0
	for i, p := range probs {
		if !isProbability(p) {
			return 0, fmt.Errorf("nodule %d probability %v outside [0, 1]", i, p)
		}
		none *= 1 - float64(p)
	}
	return float32(1 - none*(1-float64(baseline))), nil
}

func isProbability(p float32) bool {
	return !math.IsNaN(float64(p)) && p >= 0 && p <= 1
}
