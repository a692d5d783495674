// Package config provides configuration loading and management for lungclassify.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for any inconsistent setting
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Model parameters. These must match the network the weights were trained for.
	Model struct {
		// CropSize is the edge length of the sub-volume fed to the network (z, y, x)
		CropSize [3]int `yaml:"cropSize"`

		// Stride is the ratio between the crop and the coordinate grid resolution
		Stride int `yaml:"stride"`

		// FillValue pads crops that extend past the volume
		FillValue float32 `yaml:"fillValue"`

		// Anchors are the detection anchor sizes in mm, one output group each
		Anchors []float64 `yaml:"anchors"`

		// WeightsPath is the safetensors file holding the pretrained parameters
		WeightsPath string `yaml:"weightsPath"`
	} `yaml:"model"`

	// Preprocessing parameters
	Preprocess struct {
		// LungWindow is the Hounsfield range mapped onto [0, 255]
		LungWindow [2]float64 `yaml:"lungWindow"`

		// TargetSpacing is the isotropic voxel size in mm after resampling
		TargetSpacing [3]float64 `yaml:"targetSpacing"`

		// Order is the interpolation order used for resampling (0 or 1)
		Order int `yaml:"order"`
	} `yaml:"preprocess"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many goroutines the convolution kernels may use
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// SaveCrops determines whether the central slices of every crop are written
		SaveCrops bool `yaml:"saveCrops"`

		// IntermediaryDir is where crop slices are saved
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model.CropSize = [3]int{96, 96, 96}
	cfg.Model.Stride = 4
	cfg.Model.FillValue = 160
	cfg.Model.Anchors = []float64{10, 30, 60}
	cfg.Model.WeightsPath = "assets/casenet.safetensors"

	cfg.Preprocess.LungWindow = [2]float64{-1200, 600}
	cfg.Preprocess.TargetSpacing = [3]float64{1, 1, 1}
	cfg.Preprocess.Order = 1

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Output.SaveCrops = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks the settings the network and crop generator depend on
func (c *Config) Validate() error {
	if c.Model.Stride <= 0 {
		return fmt.Errorf("%w: stride must be positive, got %d", ErrInvalid, c.Model.Stride)
	}
	for i, s := range c.Model.CropSize {
		if s <= 0 {
			return fmt.Errorf("%w: cropSize[%d] must be positive, got %d", ErrInvalid, i, s)
		}
		// four 2x poolings in the encoder
		if s%16 != 0 {
			return fmt.Errorf("%w: cropSize[%d]=%d is not divisible by 16", ErrInvalid, i, s)
		}
		if s%c.Model.Stride != 0 {
			return fmt.Errorf("%w: cropSize[%d]=%d is not divisible by stride %d", ErrInvalid, i, s, c.Model.Stride)
		}
	}
	if len(c.Model.Anchors) == 0 {
		return fmt.Errorf("%w: at least one anchor is required", ErrInvalid)
	}
	if c.Preprocess.LungWindow[1] <= c.Preprocess.LungWindow[0] {
		return fmt.Errorf("%w: lungWindow %v is empty", ErrInvalid, c.Preprocess.LungWindow)
	}
	for i, s := range c.Preprocess.TargetSpacing {
		if s <= 0 {
			return fmt.Errorf("%w: targetSpacing[%d] must be positive, got %f", ErrInvalid, i, s)
		}
	}
	if c.Preprocess.Order != 0 && c.Preprocess.Order != 1 {
		return fmt.Errorf("%w: interpolation order %d not supported", ErrInvalid, c.Preprocess.Order)
	}
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("%w: numCores must be at least 1, got %d", ErrInvalid, c.Processing.NumCores)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
