// Package config loads the workflow configuration. Defaults reflect the
// values observed against the live backend; a YAML file overrides them.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	BaseURL     string `yaml:"base_url"`
	FrontendURL string `yaml:"frontend_url"`

	Solver struct {
		BatchSize       int     `yaml:"batch_size"`
		InterBatchPause string  `yaml:"inter_batch_pause"`
		ProbesPerSecond float64 `yaml:"probes_per_second"` // 0 = unpaced
	} `yaml:"solver"`

	Waits struct {
		Register     string `yaml:"register"`
		Login        string `yaml:"login"`
		PaymentPause string `yaml:"payment_pause"`
	} `yaml:"waits"`

	Retry struct {
		Max          int    `yaml:"max"`
		Backoff      string `yaml:"backoff"`
		StageTimeout string `yaml:"stage_timeout"`
	} `yaml:"retry"`

	Payment struct {
		Currency   string `yaml:"currency"`
		CardNumber string `yaml:"card_number"`
		CardCVV    string `yaml:"card_cvv"`
		CardExpiry string `yaml:"card_expiry"`
	} `yaml:"payment"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{
		BaseURL:     "https://hackathon-backend-326152168.us-east4.run.app",
		FrontendURL: "https://deckathon-concordia.com",
	}
	cfg.Solver.BatchSize = 50
	cfg.Solver.InterBatchPause = "10ms"
	cfg.Waits.Register = "10s"
	cfg.Waits.Login = "2s"
	cfg.Waits.PaymentPause = "5s"
	cfg.Retry.Max = 3
	cfg.Retry.Backoff = "2s"
	cfg.Retry.StageTimeout = "2m"
	cfg.Payment.Currency = "CAD"
	cfg.Payment.CardNumber = "4242424242424242"
	cfg.Payment.CardCVV = "424"
	cfg.Payment.CardExpiry = "12/26"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LoadFromPath reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("config: base_url is required")
	}
	return cfg, nil
}

// Duration parses one of the config's duration strings, falling back to
// def when the field is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
