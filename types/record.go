package types

import "time"

// ResourceType identifies the kind of resource a record describes.
type ResourceType string

const (
	ResourceTypeComputeVM        ResourceType = "compute-vm"
	ResourceTypeOSDisk           ResourceType = "os-disk"
	ResourceTypeStorageFileShare ResourceType = "storage-file-share"
	ResourceTypeStorageArchive   ResourceType = "storage-archive"
	ResourceTypeKeyVault         ResourceType = "key-vault"
	ResourceTypePoolQueue        ResourceType = "pool-queue"
	ResourceTypeInputQueue       ResourceType = "input-queue"
)

// OperationState tracks one axis of a record's provisioning state machine.
type OperationState string

const (
	OperationStateInitialized OperationState = "initialized"
	OperationStateInProgress  OperationState = "in-progress"
	OperationStateSucceeded   OperationState = "succeeded"
	OperationStateFailed      OperationState = "failed"
	OperationStateCancelled   OperationState = "cancelled"
)

// PoolReference identifies which pool definition produced or matches a record.
type PoolReference struct {
	Code        string            `json:"code"`
	VersionCode string            `json:"version_code,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// CloudResourceInfo is the cloud-side identity of a provisioned resource.
type CloudResourceInfo struct {
	SubscriptionID string            `json:"subscription_id,omitempty"`
	ResourceGroup  string            `json:"resource_group,omitempty"`
	Name           string            `json:"name"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// Equal reports whether two cloud identities point at the same resource.
func (c *CloudResourceInfo) Equal(other *CloudResourceInfo) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.SubscriptionID != other.SubscriptionID ||
		c.ResourceGroup != other.ResourceGroup ||
		c.Name != other.Name {
		return false
	}
	if len(c.Properties) != len(other.Properties) {
		return false
	}
	for k, v := range c.Properties {
		if other.Properties[k] != v {
			return false
		}
	}
	return true
}

// ResourceComponent is a sub-resource owned by a parent record,
// e.g. the OS disk attached to a compute VM.
type ResourceComponent struct {
	ComponentID      string             `json:"component_id"`
	ComponentType    ResourceType       `json:"component_type"`
	ResourceRecordID string             `json:"resource_record_id,omitempty"`
	CloudResource    *CloudResourceInfo `json:"cloud_resource,omitempty"`
}

// KeepAlives holds last-seen liveness timestamps.
type KeepAlives struct {
	EnvironmentAlive time.Time `json:"environment_alive,omitempty"`
}

// ResourceRecord is the central entity: one durable document per resource,
// mutated only through the store's optimistic-concurrency protocol.
type ResourceRecord struct {
	ID       string       `json:"id"`
	Type     ResourceType `json:"type"`
	Location string       `json:"location"`
	SkuName  string       `json:"sku_name"`
	Created  time.Time    `json:"created"`

	IsAssigned bool      `json:"is_assigned"`
	Assigned   time.Time `json:"assigned,omitempty"`
	IsReady    bool      `json:"is_ready"`
	Ready      time.Time `json:"ready,omitempty"`
	IsDeleted  bool      `json:"is_deleted"`

	ProvisioningStatus        OperationState `json:"provisioning_status,omitempty"`
	ProvisioningStatusChanged time.Time      `json:"provisioning_status_changed,omitempty"`
	ProvisioningReason        string         `json:"provisioning_reason,omitempty"`
	StartingStatus            OperationState `json:"starting_status,omitempty"`
	StartingStatusChanged     time.Time      `json:"starting_status_changed,omitempty"`
	DeletingStatus            OperationState `json:"deleting_status,omitempty"`
	DeletingStatusChanged     time.Time      `json:"deleting_status_changed,omitempty"`
	CleanupStatus             OperationState `json:"cleanup_status,omitempty"`
	CleanupStatusChanged      time.Time      `json:"cleanup_status_changed,omitempty"`

	// AssignedResourceID back-references the real resource bound to a
	// shadow request record. Set at most once; assignment is final.
	AssignedResourceID string `json:"assigned_resource_id,omitempty"`

	PoolReference *PoolReference               `json:"pool_reference,omitempty"`
	Components    map[string]ResourceComponent `json:"components,omitempty"`
	CloudResource *CloudResourceInfo           `json:"cloud_resource,omitempty"`

	HeartBeatSummary *HeartBeatSummary `json:"heartbeat_summary,omitempty"`
	KeepAlives       KeepAlives        `json:"keep_alives,omitempty"`

	// Version is the optimistic-concurrency token, managed by the store.
	Version int64 `json:"version"`
}

// NewResourceRecord builds a record with the common identity fields set.
func NewResourceRecord(id string, resourceType ResourceType, location, skuName string, pool *PoolReference) *ResourceRecord {
	return &ResourceRecord{
		ID:            id,
		Type:          resourceType,
		Location:      location,
		SkuName:       skuName,
		Created:       time.Now().UTC(),
		PoolReference: pool,
	}
}

// PoolCode returns the record's pool code, or "" when it has no pool reference.
func (r *ResourceRecord) PoolCode() string {
	if r.PoolReference == nil {
		return ""
	}
	return r.PoolReference.Code
}

// Component returns the first component of the given type.
func (r *ResourceRecord) Component(componentType ResourceType) (ResourceComponent, bool) {
	for _, c := range r.Components {
		if c.ComponentType == componentType {
			return c, true
		}
	}
	return ResourceComponent{}, false
}

// OSDiskComponent returns the attached OS-disk component, if any.
func (r *ResourceRecord) OSDiskComponent() (ResourceComponent, bool) {
	return r.Component(ResourceTypeOSDisk)
}

// SetComponent attaches or replaces a component keyed by its component id.
func (r *ResourceRecord) SetComponent(c ResourceComponent) {
	if r.Components == nil {
		r.Components = make(map[string]ResourceComponent)
	}
	r.Components[c.ComponentID] = c
}
