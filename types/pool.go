package types

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ComputeOS is the operating system of a compute pool.
type ComputeOS string

const (
	ComputeOSLinux   ComputeOS = "linux"
	ComputeOSWindows ComputeOS = "windows"
)

// PoolDetails are the dimensions that make resources of a pool interchangeable.
type PoolDetails struct {
	Location    string    `yaml:"location" json:"location"`
	SkuName     string    `yaml:"sku_name" json:"sku_name"`
	OS          ComputeOS `yaml:"os,omitempty" json:"os,omitempty"`
	ImageFamily string    `yaml:"image_family,omitempty" json:"image_family,omitempty"`
	ImageName   string    `yaml:"image_name,omitempty" json:"image_name,omitempty"`
}

// ResourcePool declares a class of interchangeable warm resources the broker
// keeps provisioned ahead of demand.
type ResourcePool struct {
	Type        ResourceType `yaml:"type" json:"type"`
	Details     PoolDetails  `yaml:"details" json:"details"`
	TargetCount int          `yaml:"target_count" json:"target_count"`
	Enabled     bool         `yaml:"enabled" json:"enabled"`
}

// Dimensions returns the pool dimensions used to derive the pool code.
func (p *ResourcePool) Dimensions() map[string]string {
	d := map[string]string{
		"type":     string(p.Type),
		"location": p.Details.Location,
		"sku":      p.Details.SkuName,
	}
	if p.Details.OS != "" {
		d["os"] = string(p.Details.OS)
	}
	if p.Details.ImageFamily != "" {
		d["image_family"] = p.Details.ImageFamily
	}
	return d
}

// PoolCode derives the stable definition code from the pool dimensions.
func (p *ResourcePool) PoolCode() string {
	return hashDimensions(p.Dimensions())
}

// PoolVersionCode derives the version code, which also varies with the image.
func (p *ResourcePool) PoolVersionCode() string {
	d := p.Dimensions()
	d["image_name"] = p.Details.ImageName
	return hashDimensions(d)
}

// PoolQueueCode derives the code under which the pool's request queue
// record is persisted.
func (p *ResourcePool) PoolQueueCode() string {
	return PoolQueueCode(p.PoolCode())
}

// PoolQueueCode maps a pool code to its queue record code.
func PoolQueueCode(poolCode string) string {
	return poolCode + "-queue"
}

// PoolReference builds the reference stored on records produced by this pool.
func (p *ResourcePool) PoolReference() *PoolReference {
	return &PoolReference{
		Code:        p.PoolCode(),
		VersionCode: p.PoolVersionCode(),
		Dimensions:  p.Dimensions(),
	}
}

func hashDimensions(dims map[string]string) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, dims[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// PoolDefinitionStore hands out the current set of pool definitions.
// Retrieve blocks until definitions have hydrated or the context expires.
type PoolDefinitionStore interface {
	Retrieve(ctx context.Context) ([]ResourcePool, error)
}
