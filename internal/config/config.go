// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	ProviderAddress string `env:"PAYMENT_PROVIDER_ADDRESS"`
	ProviderToken   string `env:"PAYMENT_ACCESS_TOKEN"`
	WebhookSecret   string `env:"PAYMENT_WEBHOOK_SECRET"`
	WebhookBaseURL  string `env:"WEBHOOK_BASE_URL"`
	AuthSecret      string `env:"AUTH_SECRET"`
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
	envProviderAddress := cfg.ProviderAddress
	envProviderToken := cfg.ProviderToken
	envWebhookSecret := cfg.WebhookSecret
	envWebhookBaseURL := cfg.WebhookBaseURL
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProviderAddress, "p", "", "payment provider address")
	flag.StringVar(&cfg.ProviderToken, "t", "", "payment provider access token")
	flag.StringVar(&cfg.WebhookSecret, "s", "", "payment webhook signature secret")
	flag.StringVar(&cfg.WebhookBaseURL, "w", "http://localhost:8080", "public base URL for webhooks")
	flag.StringVar(&cfg.AuthSecret, "k", "marketplace-secret", "auth cookie signing secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProviderAddress != "" {
		cfg.ProviderAddress = envProviderAddress
	}
	if envProviderToken != "" {
		cfg.ProviderToken = envProviderToken
	}
	if envWebhookSecret != "" {
		cfg.WebhookSecret = envWebhookSecret
	}
	if envWebhookBaseURL != "" {
		cfg.WebhookBaseURL = envWebhookBaseURL
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
