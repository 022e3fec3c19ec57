// Package memory implements the persistence.Repository contract entirely
// in process memory: the fast default backend, and the one tests reach
// for when no database should be involved.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/hongkongkiwi/retrygo/recovery"
	"github.com/hongkongkiwi/retrygo/recovery/persistence"
)

type record struct {
	rec       recovery.RecoveryRecord
	attempts  []*recovery.AttemptRecord
	errorLogs []*recovery.ErrorLogEntry
}

// Backend is a sync.RWMutex-guarded map keyed by operation id. Writes are
// visible to subsequent loads as soon as Save returns, which is the only
// durability guarantee the in-memory backend makes.
type Backend struct {
	mu      sync.RWMutex
	records map[string]*record
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{records: make(map[string]*record)}
}

func (b *Backend) Save(_ context.Context, rec *recovery.RecoveryRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := copyRecord(rec)
	if existing, ok := b.records[rec.OperationID]; ok {
		existing.rec = cp
		return nil
	}
	b.records[rec.OperationID] = &record{rec: cp}
	return nil
}

func (b *Backend) Load(_ context.Context, operationID string) (*recovery.RecoveryRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.records[operationID]
	if !ok {
		return nil, nil
	}
	cp := copyRecord(&r.rec)
	return &cp, nil
}

func (b *Backend) Delete(_ context.Context, operationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.records, operationID) // cascades: attempts/errorLogs live on the same entry
	return nil
}

func (b *Backend) ListByState(_ context.Context, state recovery.OperationState) ([]*recovery.RecoveryRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*recovery.RecoveryRecord
	for _, r := range b.records {
		if r.rec.State == state {
			cp := copyRecord(&r.rec)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (b *Backend) ListKeys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.records))
	for id := range b.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = make(map[string]*record)
	return nil
}

func (b *Backend) CleanupOldStates(_ context.Context, maxAgeDays int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	var removed int
	for id, r := range b.records {
		if r.rec.UpdatedAt.Before(cutoff) {
			delete(b.records, id)
			removed++
		}
	}
	return removed, nil
}

func (b *Backend) SaveAttempt(_ context.Context, attempt *recovery.AttemptRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.records[attempt.OperationID]
	if !ok {
		return nil
	}
	cp := *attempt
	cp.Context = maps.Clone(attempt.Context)
	r.attempts = append(r.attempts, &cp)
	return nil
}

func (b *Backend) SaveErrorLog(_ context.Context, entry *recovery.ErrorLogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.records[entry.OperationID]
	if !ok {
		return nil
	}
	cp := *entry
	cp.SystemInfo = maps.Clone(entry.SystemInfo)
	r.errorLogs = append(r.errorLogs, &cp)
	return nil
}

// ListAttempts returns the attempt records saved for operationID, in
// ascending attempt order.
func (b *Backend) ListAttempts(_ context.Context, operationID string) ([]*recovery.AttemptRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.records[operationID]
	if !ok {
		return nil, nil
	}
	out := make([]*recovery.AttemptRecord, len(r.attempts))
	copy(out, r.attempts)
	return out, nil
}

// ListErrorLogs returns the error-log entries saved for operationID,
// newest first.
func (b *Backend) ListErrorLogs(_ context.Context, operationID string) ([]*recovery.ErrorLogEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.records[operationID]
	if !ok {
		return nil, nil
	}
	out := make([]*recovery.ErrorLogEntry, 0, len(r.errorLogs))
	for i := len(r.errorLogs) - 1; i >= 0; i-- {
		out = append(out, r.errorLogs[i])
	}
	return out, nil
}

// copyRecord copies a record including its metadata map, so neither side
// of a Save/Load can mutate the other's copy through the shared map. The
// LastError pointer and the map's values stay shared; records treat both
// as immutable once written.
func copyRecord(rec *recovery.RecoveryRecord) recovery.RecoveryRecord {
	cp := *rec
	cp.Metadata = maps.Clone(rec.Metadata)
	return cp
}

// Statistics aggregates everything the backend currently holds.
func (b *Backend) Statistics(_ context.Context) (*persistence.Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := &persistence.Stats{
		ByState:    make(map[recovery.OperationState]int),
		ByFunction: make(map[string]int),
	}

	var totalAttempts int
	for _, r := range b.records {
		stats.TotalOperations++
		stats.ByState[r.rec.State]++
		stats.ByFunction[r.rec.FunctionName]++
		totalAttempts += r.rec.Attempt

		for _, t := range []time.Time{r.rec.CreatedAt, r.rec.UpdatedAt} {
			t := t
			if stats.OldestOperation == nil || t.Before(*stats.OldestOperation) {
				stats.OldestOperation = &t
			}
			if stats.NewestOperation == nil || t.After(*stats.NewestOperation) {
				stats.NewestOperation = &t
			}
		}
	}

	if stats.TotalOperations > 0 {
		stats.AverageAttempts = float64(totalAttempts) / float64(stats.TotalOperations)
		stats.SuccessRate = float64(stats.ByState[recovery.StateSuccess]) / float64(stats.TotalOperations)
	}
	return stats, nil
}
