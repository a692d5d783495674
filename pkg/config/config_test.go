package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies the defaults match the pretrained network
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model.CropSize != [3]int{96, 96, 96} {
		t.Errorf("Expected crop size 96^3, got %v", cfg.Model.CropSize)
	}
	if cfg.Model.Stride != 4 {
		t.Errorf("Expected stride 4, got %d", cfg.Model.Stride)
	}
	if cfg.Model.FillValue != 160 {
		t.Errorf("Expected fill value 160, got %f", cfg.Model.FillValue)
	}
	if len(cfg.Model.Anchors) != 3 {
		t.Errorf("Expected 3 anchors, got %d", len(cfg.Model.Anchors))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero stride", func(c *Config) { c.Model.Stride = 0 }},
		{"crop not divisible by 16", func(c *Config) { c.Model.CropSize[1] = 40 }},
		{"crop not divisible by stride", func(c *Config) { c.Model.Stride = 5 }},
		{"negative crop", func(c *Config) { c.Model.CropSize[2] = -96 }},
		{"no anchors", func(c *Config) { c.Model.Anchors = nil }},
		{"empty window", func(c *Config) { c.Preprocess.LungWindow = [2]float64{600, -1200} }},
		{"zero spacing", func(c *Config) { c.Preprocess.TargetSpacing[0] = 0 }},
		{"cubic order", func(c *Config) { c.Preprocess.Order = 3 }},
		{"no cores", func(c *Config) { c.Processing.NumCores = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

// TestLoadConfigMissingFile verifies that defaults are used when no file exists
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Model.Stride != 4 {
		t.Errorf("Expected default stride, got %d", cfg.Model.Stride)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Model.CropSize = [3]int{32, 32, 32}
	cfg.Model.WeightsPath = "/tmp/weights.safetensors"
	cfg.Processing.NumCores = 2
	cfg.Output.SaveCrops = true

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Model.CropSize != cfg.Model.CropSize {
		t.Errorf("Expected crop size %v, got %v", cfg.Model.CropSize, loaded.Model.CropSize)
	}
	if loaded.Model.WeightsPath != cfg.Model.WeightsPath {
		t.Errorf("Expected weights path %s, got %s", cfg.Model.WeightsPath, loaded.Model.WeightsPath)
	}
	if loaded.Processing.NumCores != 2 {
		t.Errorf("Expected 2 cores, got %d", loaded.Processing.NumCores)
	}
	if !loaded.Output.SaveCrops {
		t.Error("Expected saveCrops to survive the round trip")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("model:\n  cropSize: [96, 96, 90]\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}
