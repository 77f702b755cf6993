// Package config loads licensord configuration from the environment,
// with optional .env file support for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the licensord runtime configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// DataDir holds the SQLite database and signing keys.
	DataDir string

	// HardwareSalt salts the hardware fingerprint hash. Changing it
	// orphans every existing device binding.
	HardwareSalt string

	// StoreTimeout bounds each store operation.
	StoreTimeout time.Duration

	// MetricsAddr is the Prometheus bind address; empty disables it.
	MetricsAddr string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	cfg := &Config{
		ListenAddr:   getEnv("LICENSORD_LISTEN", ":8085"),
		DataDir:      getEnv("LICENSORD_DATA_DIR", "/var/lib/licensord"),
		HardwareSalt: os.Getenv("LICENSORD_HW_SALT"),
		StoreTimeout: 5 * time.Second,
		MetricsAddr:  getEnv("LICENSORD_METRICS_LISTEN", ":9095"),
	}

	if raw := os.Getenv("LICENSORD_STORE_TIMEOUT_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid LICENSORD_STORE_TIMEOUT_SECONDS: %q", raw)
		}
		cfg.StoreTimeout = time.Duration(secs) * time.Second
	}

	if cfg.HardwareSalt == "" {
		return nil, fmt.Errorf("LICENSORD_HW_SALT is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
