package types

import "time"

// AllocateExtendedProperties carry strategy-specific allocation options.
type AllocateExtendedProperties struct {
	OSDiskResourceID string `json:"os_disk_resource_id,omitempty"`
	SubnetResourceID string `json:"subnet_resource_id,omitempty"`
	HardBoot         bool   `json:"hard_boot,omitempty"`
	UpdateAgent      bool   `json:"update_agent,omitempty"`
}

// AllocateInput asks for one resource of a given shape.
type AllocateInput struct {
	Type                ResourceType                `json:"type"`
	SkuName             string                      `json:"sku_name"`
	Location            string                      `json:"location"`
	QueueCreateResource bool                        `json:"queue_create_resource,omitempty"`
	ExtendedProperties  *AllocateExtendedProperties `json:"extended_properties,omitempty"`
}

// AllocateResult is the projection of an allocated (or pending) record.
type AllocateResult struct {
	ID       string       `json:"id"`
	Type     ResourceType `json:"type"`
	SkuName  string       `json:"sku_name"`
	Location string       `json:"location"`
	Created  time.Time    `json:"created"`
	IsReady  bool         `json:"is_ready"`
}

// StartAction selects the start orchestration over a resource set.
type StartAction string

const (
	StartActionCompute StartAction = "start-compute"
	StartActionArchive StartAction = "start-archive"
	StartActionExport  StartAction = "start-export"
	StartActionUpdate  StartAction = "start-update"
)

// SecretData is one resolved secret handed to a compute start.
type SecretData struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SecretFilter selects applicable secrets through the secret manager.
type SecretFilter struct {
	PrioritizedSecretStoreResources []string `json:"prioritized_secret_store_resources,omitempty"`
}

// StartInput names one resource participating in a start action.
type StartInput struct {
	ResourceID    string            `json:"resource_id"`
	Variables     map[string]string `json:"variables,omitempty"`
	Secrets       []SecretData      `json:"secrets,omitempty"`
	FilterSecrets *SecretFilter     `json:"filter_secrets,omitempty"`
	DevContainer  string            `json:"dev_container,omitempty"`
}

// SuspendInput names one resource to suspend.
type SuspendInput struct {
	ResourceID string `json:"resource_id"`
}

// DeleteInput names one resource to delete.
type DeleteInput struct {
	ResourceID string `json:"resource_id"`
}

// StatusInput names one resource to project status for.
type StatusInput struct {
	ResourceID string `json:"resource_id"`
}

// StatusResult is a read-only status snapshot of a record.
type StatusResult struct {
	ResourceID                string         `json:"resource_id"`
	Type                      ResourceType   `json:"type"`
	SkuName                   string         `json:"sku_name"`
	Location                  string         `json:"location"`
	IsReady                   bool           `json:"is_ready"`
	Created                   time.Time      `json:"created"`
	ProvisioningStatus        OperationState `json:"provisioning_status,omitempty"`
	ProvisioningStatusChanged time.Time      `json:"provisioning_status_changed,omitempty"`
	StartingStatus            OperationState `json:"starting_status,omitempty"`
	StartingStatusChanged     time.Time      `json:"starting_status_changed,omitempty"`
	DeletingStatus            OperationState `json:"deleting_status,omitempty"`
	DeletingStatusChanged     time.Time      `json:"deleting_status_changed,omitempty"`
	CleanupStatus             OperationState `json:"cleanup_status,omitempty"`
	CleanupStatusChanged      time.Time      `json:"cleanup_status_changed,omitempty"`
}
