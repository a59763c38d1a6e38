package continuation

import "github.com/envpool/broker/types"

// CreateResourceOptions tune a create continuation.
type CreateResourceOptions struct {
	// CreateOSDiskRecord asks the handler to persist a dedicated record
	// for the compute's OS disk. Set for Windows pools, where the disk
	// outlives the VM across suspend cycles.
	CreateOSDiskRecord bool `json:"create_os_disk_record,omitempty"`

	// SeparateNetworkAndComputeSubscriptions places network interfaces in
	// their own subscription.
	SeparateNetworkAndComputeSubscriptions bool `json:"separate_network_and_compute_subscriptions,omitempty"`

	OSDiskResourceID string `json:"os_disk_resource_id,omitempty"`
	SubnetResourceID string `json:"subnet_resource_id,omitempty"`
	HardBoot         bool   `json:"hard_boot,omitempty"`
	UpdateAgent      bool   `json:"update_agent,omitempty"`
}

// CreateResourceContinuationInput provisions one new cloud resource.
type CreateResourceContinuationInput struct {
	ResourceID string                 `json:"resource_id"`
	Type       types.ResourceType     `json:"type"`
	Pool       *types.PoolReference   `json:"pool,omitempty"`
	Details    *types.PoolDetails     `json:"details,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Options    *CreateResourceOptions `json:"options,omitempty"`
}

// StartEnvironmentContinuationInput boots or resumes a compute resource,
// optionally mounting user storage and an OS disk.
type StartEnvironmentContinuationInput struct {
	ComputeResourceID string             `json:"compute_resource_id"`
	OSDiskResourceID  string             `json:"os_disk_resource_id,omitempty"`
	StorageResourceID string             `json:"storage_resource_id,omitempty"`
	ArchiveResourceID string             `json:"archive_resource_id,omitempty"`
	Variables         map[string]string  `json:"variables,omitempty"`
	Secrets           []types.SecretData `json:"secrets,omitempty"`
	DevContainer      string             `json:"dev_container,omitempty"`
	Reason            string             `json:"reason,omitempty"`
}

// StartArchiveContinuationInput copies a file share into blob storage.
type StartArchiveContinuationInput struct {
	ArchiveResourceID   string `json:"archive_resource_id"`
	FileShareResourceID string `json:"file_share_resource_id"`
	Reason              string `json:"reason,omitempty"`
}

// CleanupResourceContinuationInput suspends a compute resource, keeping
// its record for a later resume.
type CleanupResourceContinuationInput struct {
	ResourceID    string `json:"resource_id"`
	EnvironmentID string `json:"environment_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// DeleteResourceContinuationInput tears down a tracked resource.
type DeleteResourceContinuationInput struct {
	ResourceID string `json:"resource_id"`
	Reason     string `json:"reason,omitempty"`
}

// DeleteOrphanedResourceContinuationInput tears down a cloud resource that
// has no record, located by its cloud identity alone.
type DeleteOrphanedResourceContinuationInput struct {
	ResourceID    string                   `json:"resource_id"`
	Type          types.ResourceType       `json:"type,omitempty"`
	Location      string                   `json:"location,omitempty"`
	CloudResource *types.CloudResourceInfo `json:"cloud_resource,omitempty"`
	Reason        string                   `json:"reason,omitempty"`
}
