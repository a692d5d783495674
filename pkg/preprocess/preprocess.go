// Package preprocess turns a raw CT volume in Hounsfield units into the
// network input domain: intensities windowed to integer levels in [0, 255]
// on an isotropic voxel grid.
package preprocess

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"lungclassify/internal/models"
	"lungclassify/pkg/interpolation"
)

// DefaultLungWindow is the Hounsfield range mapped onto [0, 255]
var DefaultLungWindow = [2]float64{-1200, 600}

// NormalizeIntensity maps window[0]..window[1] onto 0..255, clipping values
// outside the window. Results are truncated to integer levels.
func NormalizeIntensity(vol *models.Volume, window [2]float64) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	width := window[1] - window[0]
	if !(width > 0) {
		return nil, fmt.Errorf("invalid intensity window %v", window)
	}

	out := models.NewVolume(vol.Depth, vol.Height, vol.Width, vol.Spacing)
	for i, v := range vol.Data {
		n := (float64(v) - window[0]) / width
		if n < 0 || math.IsNaN(n) {
			n = 0
		} else if n > 1 {
			n = 1
		}
		out.Data[i] = float32(math.Floor(n * 255))
	}
	return out, nil
}

// Stats summarizes the intensities of a volume
type Stats struct {
	Min, Max     float64
	Mean, StdDev float64
}

// Summarize computes intensity statistics of vol
func Summarize(vol *models.Volume) Stats {
	if len(vol.Data) == 0 {
		return Stats{}
	}
	values := make([]float64, len(vol.Data))
	for i, v := range vol.Data {
		values[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(values, nil)
	return Stats{Min: floats.Min(values), Max: floats.Max(values), Mean: mean, StdDev: std}
}

// Preprocessor applies intensity windowing followed by resampling
type Preprocessor struct {
	window    [2]float64
	target    [3]float64
	resampler *interpolation.Resampler
	logger    *zap.SugaredLogger
}

// NewPreprocessor creates a preprocessor for the given window, target
// spacing (z, y, x) and interpolation order
func NewPreprocessor(window [2]float64, target [3]float64, order interpolation.Order, workers int, logger *zap.SugaredLogger) (*Preprocessor, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r, err := interpolation.NewResampler(order, workers)
	if err != nil {
		return nil, err
	}
	// windowed levels are integers; keep them integer after resampling
	r.Quantize = true
	return &Preprocessor{window: window, target: target, resampler: r, logger: logger}, nil
}

// Run preprocesses vol. The returned volume carries the true spacing
// after resampling.
func (p *Preprocessor) Run(vol *models.Volume) (*models.Volume, error) {
	raw := Summarize(vol)
	p.logger.Debugw("input volume",
		"shape", vol.Shape(), "spacing", vol.Spacing,
		"min", raw.Min, "max", raw.Max, "mean", raw.Mean)

	norm, err := NormalizeIntensity(vol, p.window)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize intensities: %w", err)
	}
	out, err := p.resampler.Resample(norm, p.target)
	if err != nil {
		return nil, fmt.Errorf("failed to resample: %w", err)
	}

	s := Summarize(out)
	p.logger.Debugw("preprocessed volume",
		"shape", out.Shape(), "spacing", out.Spacing,
		"mean", s.Mean, "std", s.StdDev)
	return out, nil
}
