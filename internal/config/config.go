// Package config loads the tracker's configuration: process-level settings
// come from the environment, the portfolio definition (accounts, tracked
// currencies, resolution retention overrides) from a YAML file.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
)

// Env holds the environment-driven process settings.
type Env struct {
	DataDir       string `env:"DATA_DIR" envDefault:"./data"`
	ListenAddress string `env:"ADDR" envDefault:":9180"`
	ConfigFile    string `env:"CONFIG_FILE" envDefault:"./config.yaml"`
}

// LoadEnv parses the environment into cfg, honoring a .env file when
// present.
func LoadEnv(cfg any) error {
	// Ignore error if .env is missing
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := env.Parse(cfg); err != nil {
		return err
	}

	return nil
}

// Account is one exchange account/portfolio pair with its own credentials.
type Account struct {
	Name          string `yaml:"name"`
	APIKey        string `yaml:"api_key"`
	APISecret     string `yaml:"api_secret"`
	APIPassphrase string `yaml:"api_passphrase"`
}

// Ticker configures the live market price feed.
type Ticker struct {
	Currencies []string `yaml:"currencies"`
}

// Retention overrides the retained bucket count of one resolution.
type Retention struct {
	Resolution string `yaml:"resolution"`
	Buckets    int    `yaml:"buckets"`
}

// Config is the typed portfolio definition.
type Config struct {
	Accounts   []Account   `yaml:"accounts"`
	Ticker     Ticker      `yaml:"ticker"`
	Retentions []Retention `yaml:"retentions,omitempty"`
}

// Load reads and validates the YAML portfolio definition.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks every recognized field.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config: at least one account is required")
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i, account := range c.Accounts {
		if account.Name == "" {
			return fmt.Errorf("config: account %d: name is required", i)
		}
		if _, ok := seen[account.Name]; ok {
			return fmt.Errorf("config: duplicate account name %q", account.Name)
		}
		seen[account.Name] = struct{}{}

		if account.APIKey == "" || account.APISecret == "" {
			return fmt.Errorf("config: account %q: api_key and api_secret are required", account.Name)
		}
	}

	if len(c.Ticker.Currencies) == 0 {
		return fmt.Errorf("config: ticker: at least one currency is required")
	}

	for _, retention := range c.Retentions {
		if _, err := domain.ParseResolution(retention.Resolution); err != nil {
			return fmt.Errorf("config: retentions: %w: %s", err, retention.Resolution)
		}
		if retention.Buckets <= 0 {
			return fmt.Errorf("config: retentions: buckets must be positive for %s", retention.Resolution)
		}
	}

	return nil
}

// RetentionTable resolves the retained bucket count per resolution, applying
// overrides on top of the defaults.
func (c *Config) RetentionTable() map[domain.Resolution]int {
	table := make(map[domain.Resolution]int, len(domain.Resolutions))
	for _, resolution := range domain.Resolutions {
		table[resolution] = resolution.Retention()
	}

	for _, retention := range c.Retentions {
		resolution, err := domain.ParseResolution(retention.Resolution)
		if err != nil {
			continue // rejected by Validate
		}
		table[resolution] = retention.Buckets
	}

	return table
}
