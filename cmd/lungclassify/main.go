package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"lungclassify/internal/models"
	"lungclassify/pkg/casenet"
	"lungclassify/pkg/classify"
	"lungclassify/pkg/config"
	"lungclassify/pkg/volume"
)

func main() {
	// Parse command line arguments
	volumePath := flag.String("volume", "", "CT scan in MetaImage format (.mhd or .mha)")
	nodulesPath := flag.String("nodules", "", "YAML or JSON list of nodule locations {x, y, z} in voxels")
	weightsPath := flag.String("weights", "", "Network weights in safetensors format (overrides the config file)")
	configPath := flag.String("config", "config.yaml", "Configuration file; defaults are used if it does not exist")
	outputPath := flag.String("output", "", "Write the JSON result to this file instead of stdout")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: from config)")
	saveCrops := flag.Bool("save-crops", false, "Save the central slices of every nodule crop")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	initWeights := flag.String("init-weights", "", "Write randomly initialized weights to this path and exit")
	seed := flag.Int64("seed", 1, "Seed for -init-weights")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	if *initWeights != "" {
		if err := writeRandomWeights(*initWeights, *seed); err != nil {
			log.Fatalf("Failed to initialize weights: %v", err)
		}
		fmt.Printf("Random weights (seed %d) written to %s\n", *seed, *initWeights)
		return
	}

	// Validate inputs
	if *volumePath == "" || *nodulesPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *weightsPath != "" {
		cfg.Model.WeightsPath = *weightsPath
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *saveCrops {
		cfg.Output.SaveCrops = true
	}
	if *verbose {
		cfg.Output.Verbose = true
	}

	logger, err := newLogger(cfg.Output.Verbose)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Infow("host",
		"cpu", cpuid.CPU.BrandName,
		"physicalCores", cpuid.CPU.PhysicalCores,
		"logicalCores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"fma", cpuid.CPU.Supports(cpuid.FMA3),
		"workers", cfg.Processing.NumCores)

	if err := run(cfg, *volumePath, *nodulesPath, *outputPath, logger); err != nil {
		logger.Fatalw("classification failed", "error", err)
	}
}

func run(cfg *config.Config, volumePath, nodulesPath, outputPath string, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	nodules, err := loadNodules(nodulesPath)
	if err != nil {
		return err
	}

	vol, err := volume.Read(volumePath)
	if err != nil {
		return err
	}
	logger.Infow("volume loaded", "path", volumePath, "shape", vol.Shape(), "spacing", vol.Spacing)

	classifier, err := classify.LoadClassifier(cfg, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := classifier.PredictCase(ctx, vol, nodules)
	if err != nil {
		return err
	}
	logger.Infow("done", "nodules", len(res.Predictions), "p_case", res.PCase, "elapsed", time.Since(start))

	return writeResult(res, outputPath)
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// loadNodules reads a list of nodule locations. JSON input is accepted as
// it is valid YAML.
func loadNodules(path string) ([]models.Nodule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read nodule list: %w", err)
	}
	var nodules []models.Nodule
	if err := yaml.Unmarshal(data, &nodules); err != nil {
		return nil, fmt.Errorf("failed to parse nodule list %s: %w", path, err)
	}
	return nodules, nil
}

func writeResult(res *models.CaseResult, path string) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func writeRandomWeights(path string, seed int64) error {
	store, err := casenet.InitWeights(casenet.DefaultArchitecture(), seed)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return store.Save(path)
}
