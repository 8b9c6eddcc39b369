package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	LogRequests   bool // Log request metadata
	LogPIIChanges bool // Log PII detection counts
}

// DatabaseConfig holds audit database configuration
type DatabaseConfig struct {
	Enabled      bool   // Whether to record redaction audit events
	Path         string // Path to SQLite database file
	CleanupHours int    // Hours after which to cleanup old events
}

// RateLimitConfig bounds how fast the API accepts requests, since every
// request may trigger model inference.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Config holds all configuration for the anonymizer service
type Config struct {
	ListenAddr        string   // HTTP listen address, ":PORT" form
	ModelDir          string   // Directory with the NER model files
	OCRLanguages      []string // Tesseract language hints
	UniqueOutputNames bool     // Collision-free output image names
	SentryDSN         string   // Empty disables error reporting
	Database          DatabaseConfig
	RateLimit         RateLimitConfig
	Logging           LoggingConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8080",
		ModelDir:     "model/quantized",
		OCRLanguages: []string{"rus", "eng"},
		Database: DatabaseConfig{
			Enabled:      false,
			Path:         "anonymizer.db",
			CleanupHours: 720,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Logging: LoggingConfig{
			LogRequests:   true,
			LogPIIChanges: true,
		},
	}
}

// Validate checks the configuration for values that would only fail at
// runtime.
func (c *Config) Validate() error {
	if err := validatePort(c.ListenAddr, "ListenAddr"); err != nil {
		return err
	}
	if c.ModelDir == "" {
		return fmt.Errorf("ModelDir: model directory cannot be empty")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("RateLimit.RequestsPerSecond: must be positive (current value: %v)", c.RateLimit.RequestsPerSecond)
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RateLimit.Burst: must be positive (current value: %d)", c.RateLimit.Burst)
	}
	return nil
}

// validatePort checks that a port string is in ":PORT" form with a numeric
// port in range.
func validatePort(port, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}
	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	num, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	if num < 1 || num > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, num)
	}
	return nil
}
