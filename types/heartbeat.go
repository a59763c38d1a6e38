package types

import "time"

// CollectedData is one named telemetry item reported by a running resource.
// Name is the merge key: the newest occurrence of a name replaces older ones.
type CollectedData struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	State     string            `json:"state,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// HeartBeat is one heartbeat payload received from a resource agent.
type HeartBeat struct {
	ResourceID        string           `json:"resource_id"`
	AgentVersion      string           `json:"agent_version,omitempty"`
	TimeStamp         time.Time        `json:"timestamp"`
	CollectedDataList []*CollectedData `json:"collected_data_list,omitempty"`
}

// HeartBeatRecord is the stored shape of one heartbeat.
type HeartBeatRecord struct {
	AgentVersion      string           `json:"agent_version,omitempty"`
	TimeStamp         time.Time        `json:"timestamp"`
	CollectedDataList []*CollectedData `json:"collected_data_list,omitempty"`
}

// HeartBeatSummary accumulates heartbeat telemetry on a record. MergedHeartBeat
// keeps the latest value per named item across all heartbeats seen so far;
// LatestRawHeartBeat is the unmerged most recent payload.
type HeartBeatSummary struct {
	MergedHeartBeat    *HeartBeatRecord `json:"merged_heartbeat,omitempty"`
	LatestRawHeartBeat *HeartBeatRecord `json:"latest_raw_heartbeat,omitempty"`
	LastSeen           time.Time        `json:"last_seen,omitempty"`
}
