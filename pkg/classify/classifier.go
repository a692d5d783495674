// Package classify runs the malignancy classifier over a CT scan: the
// volume is preprocessed once, every candidate nodule is cropped and scored
// by the network, and the scores are returned in input order.
package classify

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lungclassify/internal/models"
	"lungclassify/pkg/casenet"
	"lungclassify/pkg/config"
	"lungclassify/pkg/crop"
	"lungclassify/pkg/interpolation"
	"lungclassify/pkg/nn"
	"lungclassify/pkg/preprocess"
	"lungclassify/pkg/visualization"
	"lungclassify/pkg/weights"
)

// cropViewScale enlarges saved crop slices
const cropViewScale = 4

// Classifier scores candidate nodules of CT scans.
//
// The network weights are loaded once and never modified, so a Classifier
// may be shared by concurrent callers.
type Classifier struct {
	cfg     *config.Config
	net     *casenet.CaseNet
	pre     *preprocess.Preprocessor
	cropper *crop.Cropper
	logger  *zap.SugaredLogger
}

// NewClassifier creates a classifier around an already built network.
//
// Parameters:
//   - cfg: validated configuration; crop size and stride must suit the network
//   - net: the classification network
//   - logger: destination for progress output, nil disables logging
//
// Returns:
//   - A Classifier ready to score nodules, or an error if cfg and net disagree
func NewClassifier(cfg *config.Config, net *casenet.CaseNet, logger *zap.SugaredLogger) (*Classifier, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	arch := net.Architecture()
	if cfg.Model.Stride != arch.FeatureStride() {
		return nil, fmt.Errorf("%w: stride %d does not match the network feature stride %d",
			config.ErrInvalid, cfg.Model.Stride, arch.FeatureStride())
	}
	if len(cfg.Model.Anchors) != arch.Anchors {
		return nil, fmt.Errorf("%w: %d anchors configured, the network has %d",
			config.ErrInvalid, len(cfg.Model.Anchors), arch.Anchors)
	}
	for i, s := range cfg.Model.CropSize {
		if s%arch.Downsampling() != 0 {
			return nil, fmt.Errorf("%w: cropSize[%d]=%d is not divisible by %d",
				config.ErrInvalid, i, s, arch.Downsampling())
		}
	}

	cropper, err := crop.NewCropper(cfg.Model.CropSize, cfg.Model.Stride, cfg.Model.FillValue)
	if err != nil {
		return nil, err
	}
	pre, err := preprocess.NewPreprocessor(cfg.Preprocess.LungWindow, cfg.Preprocess.TargetSpacing,
		interpolation.Order(cfg.Preprocess.Order), cfg.Processing.NumCores, logger)
	if err != nil {
		return nil, err
	}

	return &Classifier{cfg: cfg, net: net, pre: pre, cropper: cropper, logger: logger}, nil
}

// LoadClassifier reads the weights named by cfg and builds the network
func LoadClassifier(cfg *config.Config, logger *zap.SugaredLogger) (*Classifier, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	start := time.Now()

	store, err := weights.Load(cfg.Model.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}

	arch := casenet.DefaultArchitecture()
	arch.Anchors = len(cfg.Model.Anchors)
	net, err := casenet.New(store, arch, casenet.Options{Workers: cfg.Processing.NumCores, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to build network from %s: %w", cfg.Model.WeightsPath, err)
	}

	logger.Infow("weights loaded",
		"path", cfg.Model.WeightsPath,
		"tensors", store.Len(),
		"elapsed", time.Since(start))
	return NewClassifier(cfg, net, logger)
}

// Predict scores every nodule of vol. Nodule locations are voxel indices of
// vol. The result has one entry per nodule in input order; an empty list
// returns an empty result without running the network.
func (c *Classifier) Predict(ctx context.Context, vol *models.Volume, nodules []models.Nodule) ([]models.Prediction, error) {
	res, _, err := c.run(ctx, vol, nodules)
	if err != nil {
		return nil, err
	}
	return res.Predictions, nil
}

// PredictCase scores every nodule and combines the nodule probabilities
// into one case probability with the noisy-OR. A scan without nodules has
// case probability zero.
func (c *Classifier) PredictCase(ctx context.Context, vol *models.Volume, nodules []models.Nodule) (*models.CaseResult, error) {
	res, noduleProbs, err := c.run(ctx, vol, nodules)
	if err != nil {
		return nil, err
	}
	if len(noduleProbs) == 0 {
		return res, nil
	}

	p, err := casenet.NoisyOR(noduleProbs, c.net.BaselineProb())
	if err != nil {
		return nil, err
	}
	res.PCase = float64(p)
	c.logger.Infow("case scored", "case", res.CaseID, "nodules", len(noduleProbs), "p_case", res.PCase)
	return res, nil
}

// run returns the per-nodule predictions and the raw nodule probabilities
func (c *Classifier) run(ctx context.Context, vol *models.Volume, nodules []models.Nodule) (*models.CaseResult, []float32, error) {
	res := &models.CaseResult{CaseID: uuid.NewString(), Predictions: []models.Prediction{}}
	if len(nodules) == 0 {
		return res, nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	start := time.Now()
	c.logger.Infow("classifying case", "case", res.CaseID, "nodules", len(nodules), "shape", vol.Shape(), "spacing", vol.Spacing)

	// spacing of the scan as read, used to place nodules on the new grid
	spacing := vol.Spacing
	image, err := c.pre.Run(vol)
	if err != nil {
		return nil, nil, err
	}

	noduleProbs := make([]float32, 0, len(nodules))
	for i, nodule := range nodules {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		out, err := c.score(res.CaseID, i, image, Location(nodule, spacing))
		if err != nil {
			return nil, nil, fmt.Errorf("nodule %d: %w", i, err)
		}
		noduleProbs = append(noduleProbs, out.NoduleProb)
		res.Predictions = append(res.Predictions, models.Prediction{
			X:           nodule.X,
			Y:           nodule.Y,
			Z:           nodule.Z,
			PConcerning: float64(out.CaseProb),
		})
		c.logger.Debugw("nodule classified", "case", res.CaseID, "index", i,
			"x", nodule.X, "y", nodule.Y, "z", nodule.Z, "p_concerning", out.CaseProb)
	}

	c.logger.Infow("case classified", "case", res.CaseID, "nodules", len(nodules), "elapsed", time.Since(start))
	return res, noduleProbs, nil
}

// score crops image around center and runs the network
func (c *Classifier) score(caseID string, index int, image *models.Volume, center [3]float64) (*casenet.Output, error) {
	img, coord, err := c.cropper.Crop(image, center)
	if err != nil {
		return nil, err
	}
	if c.cfg.Output.SaveCrops {
		if err := c.saveCrop(caseID, index, img, image.Spacing); err != nil {
			// debug output never fails a prediction
			c.logger.Warnw("failed to save crop", "case", caseID, "index", index, "error", err)
		}
	}
	return c.net.Forward(img, coord)
}

func (c *Classifier) saveCrop(caseID string, index int, img *nn.Tensor, spacing [3]float64) error {
	vol := &models.Volume{Data: img.Channel(0), Depth: img.D, Height: img.H, Width: img.W, Spacing: spacing}
	viewer, err := visualization.NewViewer(vol, 0, 255)
	if err != nil {
		return err
	}
	viewer.SetScale(cropViewScale)
	_, err = viewer.SaveCentralSlices(filepath.Join(c.cfg.Output.IntermediaryDir, caseID), fmt.Sprintf("nodule_%d", index))
	return err
}

// Location converts a nodule given in voxel indices of the original scan
// into (z, y, x) coordinates on the resampled grid by scaling with the
// original spacing (z, y, x). This assumes the 1 mm target grid the network
// was trained on.
func Location(n models.Nodule, spacing [3]float64) [3]float64 {
	return [3]float64{n.Z * spacing[0], n.Y * spacing[1], n.X * spacing[2]}
}
