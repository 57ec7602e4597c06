// Package config содержит логику чтения конфигурации сервиса storefront.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса storefront.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	PayPalClientID  string `env:"PAYPAL_CLIENT_ID"`
	PayPalSecret    string `env:"PAYPAL_CLIENT_SECRET"`
	PayPalAPIURL    string `env:"PAYPAL_API_URL"`
	ClientURL       string `env:"CLIENT_URL"`
	AuthSecret      string `env:"AUTH_SECRET"`
	Environment     string `env:"APP_ENV"`
	CacheTTLSeconds int    `env:"CACHE_TTL_SECONDS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPayPalAPIURL := cfg.PayPalAPIURL
	envClientURL := cfg.ClientURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PayPalAPIURL, "p", "https://api-m.sandbox.paypal.com", "payment provider API base URL")
	flag.StringVar(&cfg.ClientURL, "c", "http://localhost:5173", "storefront client URL for payment redirects")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPayPalAPIURL != "" {
		cfg.PayPalAPIURL = envPayPalAPIURL
	}
	if envClientURL != "" {
		cfg.ClientURL = envClientURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "storefront-secret"
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 3600
	}

	// В production отсутствие учётных данных провайдера — фатальная ошибка
	// конфигурации. В development сервис стартует в деградированном режиме:
	// платёжные операции отвечают ошибкой конфигурации.
	if cfg.Environment == "production" && (cfg.PayPalClientID == "" || cfg.PayPalSecret == "") {
		return nil, fmt.Errorf("payment provider credentials are required in production")
	}

	return cfg, nil
}
