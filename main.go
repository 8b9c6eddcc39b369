package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/Reynem/anonymizer/config"
	"github.com/Reynem/anonymizer/server"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file from current directory")
	} else {
		log.Printf("Note: .env file not found or could not be loaded: %v", err)
	}

	cfg := config.DefaultConfig()

	configPath := flag.String("config", "", "Path to JSON config file")
	flag.Parse()

	if *configPath != "" {
		loadConfigFromFile(*configPath, cfg)
	}
	loadConfigFromEnv(cfg)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			log.Printf("Warning: failed to initialize Sentry: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	srv, err := server.NewServer(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Printf("Warning: failed to close server resources: %v", err)
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}

// loadConfigFromFile loads configuration from a JSON file
func loadConfigFromFile(path string, cfg *config.Config) {
	// #nosec G304 - Config file path comes from the command line, not user input
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("Warning: failed to read config file %s: %v", path, err)
		return
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: failed to parse config file %s: %v", path, err)
		return
	}
	log.Printf("Loaded configuration from %s", path)
}

// loadConfigFromEnv overrides configuration with environment variables
func loadConfigFromEnv(cfg *config.Config) {
	if v := os.Getenv("ANONYMIZER_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ANONYMIZER_MODEL_DIR"); v != "" {
		cfg.ModelDir = v
	}
	if v := os.Getenv("ANONYMIZER_OCR_LANGS"); v != "" {
		cfg.OCRLanguages = strings.Split(v, ",")
	}
	if v := os.Getenv("ANONYMIZER_UNIQUE_NAMES"); v != "" {
		cfg.UniqueOutputNames = v == "true"
	}
	if v := os.Getenv("ANONYMIZER_DB_ENABLED"); v != "" {
		cfg.Database.Enabled = v == "true"
	}
	if v := os.Getenv("ANONYMIZER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ANONYMIZER_RATE_LIMIT"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps > 0 {
			cfg.RateLimit.RequestsPerSecond = rps
		}
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		cfg.SentryDSN = v
	}
}
