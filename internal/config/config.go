// Package config содержит логику чтения конфигурации сервиса петкойнс.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса петкойнс.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	BillingAddress string `env:"BILLING_ADDRESS"`
	CachePath      string `env:"CACHE_PATH"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBillingAddress := cfg.BillingAddress
	envCachePath := cfg.CachePath

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BillingAddress, "b", "", "billing platform address")
	flag.StringVar(&cfg.CachePath, "c", "petcoins-cache.db", "idempotency cache file path")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBillingAddress != "" {
		cfg.BillingAddress = envBillingAddress
	}
	if envCachePath != "" {
		cfg.CachePath = envCachePath
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.CachePath == "" {
		cfg.CachePath = "petcoins-cache.db"
	}

	return cfg, nil
}
