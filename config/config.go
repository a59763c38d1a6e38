package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/envpool/broker/types"
)

// JobsConfig sets the cadence of the background watchers.
type JobsConfig struct {
	PoolQueueInterval time.Duration `yaml:"pool_queue_interval"`
	PoolSizeInterval  time.Duration `yaml:"pool_size_interval"`
	PoolStateInterval time.Duration `yaml:"pool_state_interval"`
	OrphanInterval    time.Duration `yaml:"orphan_interval"`
}

// Config is the broker's main configuration.
type Config struct {
	Version     string               `yaml:"version"`
	Provider    string               `yaml:"provider"` // "bolt" or "sqs"
	Region      string               `yaml:"region"`
	DataDir     string               `yaml:"data_dir"`
	MetricsAddr string               `yaml:"metrics_addr,omitempty"`
	LeaseTTL    time.Duration        `yaml:"lease_ttl,omitempty"`
	Pools       []types.ResourcePool `yaml:"pools,omitempty"`
	Flags       map[string]bool      `yaml:"flags,omitempty"`
	Jobs        JobsConfig           `yaml:"jobs,omitempty"`
}

// Load reads and validates configuration from file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "bolt"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.Jobs.PoolQueueInterval <= 0 {
		c.Jobs.PoolQueueInterval = 10 * time.Minute
	}
	if c.Jobs.PoolSizeInterval <= 0 {
		c.Jobs.PoolSizeInterval = time.Minute
	}
	if c.Jobs.PoolStateInterval <= 0 {
		c.Jobs.PoolStateInterval = 5 * time.Minute
	}
	if c.Jobs.OrphanInterval <= 0 {
		c.Jobs.OrphanInterval = 30 * time.Minute
	}
}

// Validate ensures config has required fields.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Provider != "bolt" && c.Provider != "sqs" {
		return fmt.Errorf("provider must be bolt or sqs, got %q", c.Provider)
	}
	if c.Provider == "sqs" && c.Region == "" {
		return fmt.Errorf("region is required for the sqs provider")
	}
	for i, pool := range c.Pools {
		if pool.Type == "" {
			return fmt.Errorf("pool %d: type is required", i)
		}
		if pool.Details.SkuName == "" || pool.Details.Location == "" {
			return fmt.Errorf("pool %d: sku_name and location are required", i)
		}
	}
	return nil
}
