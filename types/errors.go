package types

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceNotFound marks operations that require a known record.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrNotSupported marks allocation inputs or resource sets no
	// strategy or action can handle.
	ErrNotSupported = errors.New("not supported")

	// ErrConflict is a store version conflict; callers recover by
	// re-reading and retrying the write.
	ErrConflict = errors.New("record version conflict")

	// ErrPoolQueueMismatch is a fatal configuration conflict: the
	// persisted pool queue record points at a different queue identity.
	ErrPoolQueueMismatch = errors.New("pool queue record points at different queue identity")

	// ErrPoolDefinitionsNotHydrated means the pool definition store did
	// not hydrate within the warmup window.
	ErrPoolDefinitionsNotHydrated = errors.New("pool definitions did not hydrate")

	// ErrNotInitialized means pool queue initialization has not completed.
	ErrNotInitialized = errors.New("pool queues not initialized")
)

// NotFoundError wraps ErrResourceNotFound with the missing id.
func NotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrResourceNotFound, id)
}

// IsNotFound reports whether err is a resource-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrResourceNotFound)
}

// IsConflict reports whether err is a store version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
