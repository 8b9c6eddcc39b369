package pii

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	detectors "github.com/Reynem/anonymizer/pii/detectors"
)

// ModelManager owns the process-wide NER model. The model is loaded and
// validated exactly once at construction and then used read-only for the
// process lifetime; concurrent GetDetector calls are safe.
type ModelManager struct {
	mu             sync.RWMutex
	detector       detectors.Detector
	modelDirectory string
	isHealthy      bool
	lastError      error
}

// ModelConfig holds paths to required model files
type ModelConfig struct {
	ModelPath     string
	TokenizerPath string
	LabelMapPath  string
}

// NewModelManager creates a model manager and performs the one-time model
// load from the given directory. A failed load does not fail construction:
// the manager is returned unhealthy so the caller can still start and report
// the configuration error through GetDetector and IsHealthy.
func NewModelManager(directory string) (*ModelManager, error) {
	mm := &ModelManager{
		modelDirectory: directory,
		isHealthy:      false,
	}

	if err := mm.loadModel(directory); err != nil {
		log.Printf("[ModelManager] Warning: failed to load model: %v", err)
		log.Printf("[ModelManager] Model manager created but marked as unhealthy")
	}

	return mm, nil
}

// GetDetector returns the loaded detector in a thread-safe manner. An
// unhealthy model is a configuration error, not a runtime condition: the
// error propagates to the caller with no retry or fallback.
func (mm *ModelManager) GetDetector() (detectors.Detector, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if !mm.isHealthy {
		return nil, fmt.Errorf("model is unhealthy: %w", mm.lastError)
	}

	if mm.detector == nil {
		return nil, fmt.Errorf("no detector available")
	}

	return mm.detector, nil
}

// loadModel validates the directory, loads the detector and runs one
// validation inference before marking the manager healthy.
func (mm *ModelManager) loadModel(directory string) error {
	config, err := mm.validateDirectory(directory)
	if err != nil {
		mm.setUnhealthy(err)
		return fmt.Errorf("validation failed: %w", err)
	}

	log.Printf("[ModelManager] Loading detector from: %s", config.ModelPath)
	detector, err := detectors.NewONNXNERDetector(
		config.ModelPath,
		config.TokenizerPath,
		config.LabelMapPath,
	)
	if err != nil {
		mm.setUnhealthy(err)
		return fmt.Errorf("failed to load model: %w", err)
	}

	log.Printf("[ModelManager] Running validation inference")
	testInput := detectors.DetectorInput{Text: "Проверка: Иван Иванов, Алматы"}
	if _, err := detector.Detect(context.Background(), testInput); err != nil {
		if closeErr := detector.Close(); closeErr != nil {
			log.Printf("[ModelManager] Warning: failed to close failed detector: %v", closeErr)
		}
		mm.setUnhealthy(err)
		return fmt.Errorf("model validation failed: %w", err)
	}

	mm.mu.Lock()
	mm.detector = detector
	mm.isHealthy = true
	mm.lastError = nil
	mm.mu.Unlock()

	log.Printf("[ModelManager] Model loaded from directory: %s", directory)
	return nil
}

func (mm *ModelManager) setUnhealthy(err error) {
	mm.mu.Lock()
	mm.isHealthy = false
	mm.lastError = err
	mm.mu.Unlock()
}

// IsHealthy returns whether the model loaded successfully
func (mm *ModelManager) IsHealthy() bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.isHealthy
}

// LastError returns the last error encountered (if any)
func (mm *ModelManager) LastError() error {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.lastError
}

// Info returns information about the current model state
func (mm *ModelManager) Info() map[string]interface{} {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	info := map[string]interface{}{
		"directory": mm.modelDirectory,
		"healthy":   mm.isHealthy,
	}

	if mm.lastError != nil {
		info["error"] = mm.lastError.Error()
	} else {
		info["error"] = nil
	}

	return info
}

// validateDirectory checks that the directory exists and contains all required files
func (mm *ModelManager) validateDirectory(dir string) (*ModelConfig, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir)
	}

	requiredFiles := []string{
		"model_quantized.onnx",
		"tokenizer.json",
		"label_mappings.json",
	}

	var missingFiles []string
	for _, filename := range requiredFiles {
		fullPath := filepath.Join(dir, filename)
		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			missingFiles = append(missingFiles, filename)
		}
	}

	if len(missingFiles) > 0 {
		return nil, fmt.Errorf("missing required files in directory: %v", missingFiles)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	return &ModelConfig{
		ModelPath:     filepath.Join(absDir, "model_quantized.onnx"),
		TokenizerPath: filepath.Join(absDir, "tokenizer.json"),
		LabelMapPath:  filepath.Join(absDir, "label_mappings.json"),
	}, nil
}

// Close closes the detector and cleans up resources
func (mm *ModelManager) Close() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.detector != nil {
		if err := mm.detector.Close(); err != nil {
			return fmt.Errorf("failed to close detector: %w", err)
		}
		mm.detector = nil
	}

	mm.isHealthy = false
	return nil
}
