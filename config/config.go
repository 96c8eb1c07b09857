// Package config loads gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mneelabs/paygate/types"
)

type Config struct {
	Env      string
	HTTPPort string

	DatabaseURL string

	Network            types.Network
	RPCURL             string
	OperatorKeyHex     string
	RateServiceURL     string
	RateFreshness      time.Duration
	RateRequestTimeout time.Duration

	LogLevel string
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:            getEnv("APP_ENV", "development"),
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		Network:        types.Network(getEnv("SETTLEMENT_NETWORK", "base")),
		RPCURL:         os.Getenv("RPC_URL"),
		OperatorKeyHex: os.Getenv("OPERATOR_KEY"),
		RateServiceURL: os.Getenv("RATE_SERVICE_URL"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	freshness, err := time.ParseDuration(getEnv("RATE_FRESHNESS", "5m"))
	if err != nil {
		return nil, fmt.Errorf("parse RATE_FRESHNESS: %w", err)
	}
	cfg.RateFreshness = freshness

	rateTimeout, err := time.ParseDuration(getEnv("RATE_REQUEST_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("parse RATE_REQUEST_TIMEOUT: %w", err)
	}
	cfg.RateRequestTimeout = rateTimeout

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.RPCURL == "" {
		errs = append(errs, "RPC_URL is required")
	}
	if c.OperatorKeyHex == "" {
		errs = append(errs, "OPERATOR_KEY is required")
	}
	if !c.Network.IsEVM() {
		errs = append(errs, fmt.Sprintf("SETTLEMENT_NETWORK %q is not supported", c.Network))
	}
	if c.RateServiceURL == "" {
		errs = append(errs, "RATE_SERVICE_URL is required")
	}
	if c.RateFreshness <= 0 {
		errs = append(errs, "RATE_FRESHNESS must be > 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
