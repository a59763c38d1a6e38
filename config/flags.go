package config

import "context"

// Feature flag keys.
const (
	FlagQueueResourceRequestEnabled            = "queue-resource-request-enabled"
	FlagSeparateNetworkAndComputeSubscriptions = "separate-network-and-compute-subscriptions"
)

// SystemConfiguration reads feature flags with defaults.
type SystemConfiguration interface {
	GetBool(ctx context.Context, key string, defaultValue bool) bool
}

// StaticFlags is a SystemConfiguration backed by the loaded config file.
type StaticFlags struct {
	values map[string]bool
}

// NewStaticFlags builds a flag reader over the config's flag map.
func NewStaticFlags(values map[string]bool) *StaticFlags {
	return &StaticFlags{values: values}
}

// FlagReader returns the config file's flag reader.
func (c *Config) FlagReader() *StaticFlags {
	return NewStaticFlags(c.Flags)
}

// GetBool implements SystemConfiguration.
func (f *StaticFlags) GetBool(ctx context.Context, key string, defaultValue bool) bool {
	if f == nil || f.values == nil {
		return defaultValue
	}
	if v, ok := f.values[key]; ok {
		return v
	}
	return defaultValue
}
