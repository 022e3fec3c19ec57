// Package persistence defines the durable-record contract that every
// recovery backend must satisfy.
package persistence

import (
	"context"
	"time"

	"github.com/hongkongkiwi/retrygo/recovery"
)

// Repository is the persistence boundary the engine writes through. Every
// method may block the caller; cancellation via ctx is best-effort for
// in-flight writes, and a backend's transaction boundary keeps the store
// consistent when a write is interrupted.
type Repository interface {
	Save(ctx context.Context, record *recovery.RecoveryRecord) error
	Load(ctx context.Context, operationID string) (*recovery.RecoveryRecord, error)
	Delete(ctx context.Context, operationID string) error
	ListByState(ctx context.Context, state recovery.OperationState) ([]*recovery.RecoveryRecord, error)
	ListKeys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	CleanupOldStates(ctx context.Context, maxAgeDays int) (int, error)
	SaveAttempt(ctx context.Context, attempt *recovery.AttemptRecord) error
	SaveErrorLog(ctx context.Context, entry *recovery.ErrorLogEntry) error
	ListAttempts(ctx context.Context, operationID string) ([]*recovery.AttemptRecord, error)
	ListErrorLogs(ctx context.Context, operationID string) ([]*recovery.ErrorLogEntry, error)
	Statistics(ctx context.Context) (*Stats, error)
}

// Stats aggregates the backend's contents: how many operations it tracks,
// how they are distributed across states and function identities, and how
// hard the retry loop has been working.
type Stats struct {
	TotalOperations int                             `json:"total_operations"`
	ByState         map[recovery.OperationState]int `json:"by_state"`
	ByFunction      map[string]int                  `json:"by_function"`
	AverageAttempts float64                         `json:"average_attempts"`
	SuccessRate     float64                         `json:"success_rate"`
	OldestOperation *time.Time                      `json:"oldest_operation,omitempty"`
	NewestOperation *time.Time                      `json:"newest_operation,omitempty"`
}
