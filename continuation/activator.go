// Package continuation submits long-running lifecycle work to the
// continuation engine. The broker never performs cloud operations inline:
// it records intent on the resource record, hands an input to an Activator,
// and lets the handler chain drive the operation to completion.
package continuation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/envpool/broker/queue"
)

// Target names the continuation handler a payload is routed to.
type Target string

const (
	TargetCreateResource         Target = "create-resource"
	TargetStartEnvironment       Target = "start-environment"
	TargetStartArchive           Target = "start-archive"
	TargetStartExport            Target = "start-export"
	TargetCleanupResource        Target = "cleanup-resource"
	TargetDeleteResource         Target = "delete-resource"
	TargetDeleteOrphanedResource Target = "delete-orphaned-resource"
)

// Status is the observed state of a submitted continuation.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Result reports what happened to a submitted continuation.
type Result struct {
	ContinuationID string `json:"continuation_id,omitempty"`
	Status         Status `json:"status"`
	ErrorReason    string `json:"error_reason,omitempty"`
}

// Succeeded reports whether the continuation reached a terminal success.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

// Activator hands a continuation input to the execution engine. The
// continuation key groups retries of the same logical operation.
type Activator interface {
	Execute(ctx context.Context, target Target, input any, continuationKey string, loggingProperties map[string]string) (*Result, error)
}

// Envelope is the durable form of a submitted continuation.
type Envelope struct {
	ContinuationID    string            `json:"continuation_id"`
	Target            Target            `json:"target"`
	ContinuationKey   string            `json:"continuation_key,omitempty"`
	Input             json.RawMessage   `json:"input"`
	LoggingProperties map[string]string `json:"logging_properties,omitempty"`
	Created           time.Time         `json:"created"`
}

// QueueActivator durably enqueues continuation envelopes for the worker
// fleet to pick up. Submission succeeds once the message is persisted.
type QueueActivator struct {
	queue queue.Queue
}

// ContinuationQueueName is the shared queue all continuation envelopes
// flow through.
const ContinuationQueueName = "continuations"

// NewQueueActivator opens (or creates) the continuation queue on the
// given provider.
func NewQueueActivator(ctx context.Context, provider queue.Provider) (*QueueActivator, error) {
	q, _, err := provider.CreateIfNotExists(ctx, ContinuationQueueName)
	if err != nil {
		return nil, fmt.Errorf("failed to open continuation queue: %w", err)
	}
	return &QueueActivator{queue: q}, nil
}

// Execute implements Activator by persisting the envelope.
func (a *QueueActivator) Execute(ctx context.Context, target Target, input any, continuationKey string, loggingProperties map[string]string) (*Result, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal continuation input: %w", err)
	}

	envelope := Envelope{
		ContinuationID:    uuid.NewString(),
		Target:            target,
		ContinuationKey:   continuationKey,
		Input:             payload,
		LoggingProperties: loggingProperties,
		Created:           time.Now().UTC(),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal continuation envelope: %w", err)
	}
	if err := a.queue.Add(ctx, body); err != nil {
		return nil, fmt.Errorf("failed to enqueue continuation: %w", err)
	}

	return &Result{ContinuationID: envelope.ContinuationID, Status: StatusQueued}, nil
}
