package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongkongkiwi/retrygo/recovery"
)

func newRecord(id string, state recovery.OperationState, updatedAt time.Time) *recovery.RecoveryRecord {
	return &recovery.RecoveryRecord{
		OperationID:  id,
		FunctionName: "fn",
		State:        state,
		CreatedAt:    updatedAt,
		UpdatedAt:    updatedAt,
	}
}

func TestBackend_SaveAndLoadRoundTrips(t *testing.T) {
	b := New()
	ctx := context.Background()
	rec := newRecord("op-1", recovery.StatePending, time.Now())

	require.NoError(t, b.Save(ctx, rec))

	loaded, err := b.Load(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, rec.OperationID, loaded.OperationID)
	assert.Equal(t, rec.State, loaded.State)
}

func TestBackend_LoadMissingReturnsNilNoError(t *testing.T) {
	b := New()
	loaded, err := b.Load(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestBackend_SaveOverwritesExisting(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, newRecord("op-1", recovery.StatePending, time.Now())))
	require.NoError(t, b.Save(ctx, newRecord("op-1", recovery.StateSuccess, time.Now())))

	loaded, err := b.Load(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, recovery.StateSuccess, loaded.State)
}

func TestBackend_LoadReturnsACopyNotASharedPointer(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, newRecord("op-1", recovery.StatePending, time.Now())))

	loaded, err := b.Load(ctx, "op-1")
	require.NoError(t, err)
	loaded.State = recovery.StateFailed

	reloaded, err := b.Load(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, recovery.StatePending, reloaded.State, "mutating a loaded record must not affect the backend's copy")
}

func TestBackend_MetadataIsCopiedOnSaveAndLoad(t *testing.T) {
	b := New()
	ctx := context.Background()

	rec := newRecord("op-1", recovery.StatePending, time.Now())
	rec.Metadata = map[string]interface{}{"source": "caller"}
	require.NoError(t, b.Save(ctx, rec))

	// Mutating the caller's map after Save must not reach the stored copy.
	rec.Metadata["source"] = "mutated-after-save"

	loaded, err := b.Load(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "caller", loaded.Metadata["source"])

	// Mutating a loaded map must not reach the backend either.
	loaded.Metadata["source"] = "mutated-after-load"

	reloaded, err := b.Load(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "caller", reloaded.Metadata["source"])
}

func TestBackend_Delete(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, newRecord("op-1", recovery.StatePending, time.Now())))
	require.NoError(t, b.Delete(ctx, "op-1"))

	loaded, err := b.Load(ctx, "op-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestBackend_ListByStateFiltersAndOrdersByUpdatedAtDesc(t *testing.T) {
	b := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.Save(ctx, newRecord("older", recovery.StateSuccess, now.Add(-time.Hour))))
	require.NoError(t, b.Save(ctx, newRecord("newer", recovery.StateSuccess, now)))
	require.NoError(t, b.Save(ctx, newRecord("other-state", recovery.StateFailed, now)))

	records, err := b.ListByState(ctx, recovery.StateSuccess)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "newer", records[0].OperationID)
	assert.Equal(t, "older", records[1].OperationID)
}

func TestBackend_ListKeysSorted(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, newRecord("b-op", recovery.StatePending, time.Now())))
	require.NoError(t, b.Save(ctx, newRecord("a-op", recovery.StatePending, time.Now())))

	keys, err := b.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-op", "b-op"}, keys)
}

func TestBackend_Clear(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, newRecord("op-1", recovery.StatePending, time.Now())))
	require.NoError(t, b.Clear(ctx))

	keys, err := b.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBackend_CleanupOldStates(t *testing.T) {
	b := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.Save(ctx, newRecord("old", recovery.StateSuccess, now.AddDate(0, 0, -40))))
	require.NoError(t, b.Save(ctx, newRecord("recent", recovery.StateSuccess, now)))

	removed, err := b.CleanupOldStates(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	keys, err := b.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent"}, keys)
}

func TestBackend_SaveAttemptAndErrorLogAreSubordinateToRecord(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, newRecord("op-1", recovery.StatePending, time.Now())))

	require.NoError(t, b.SaveAttempt(ctx, &recovery.AttemptRecord{OperationID: "op-1", AttemptNumber: 1}))
	require.NoError(t, b.SaveAttempt(ctx, &recovery.AttemptRecord{OperationID: "op-1", AttemptNumber: 2}))
	require.NoError(t, b.SaveErrorLog(ctx, &recovery.ErrorLogEntry{OperationID: "op-1", ErrorType: "boom"}))

	attempts, err := b.ListAttempts(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber)

	logs, err := b.ListErrorLogs(ctx, "op-1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestBackend_StatisticsAggregatesStatesAndFunctions(t *testing.T) {
	b := New()
	ctx := context.Background()
	now := time.Now()

	ok := newRecord("op-ok", recovery.StateSuccess, now)
	ok.Attempt = 2
	require.NoError(t, b.Save(ctx, ok))

	failed := newRecord("op-bad", recovery.StateFailed, now.Add(-time.Hour))
	failed.FunctionName = "other"
	failed.Attempt = 4
	require.NoError(t, b.Save(ctx, failed))

	stats, err := b.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalOperations)
	assert.Equal(t, 1, stats.ByState[recovery.StateSuccess])
	assert.Equal(t, 1, stats.ByState[recovery.StateFailed])
	assert.Equal(t, 1, stats.ByFunction["fn"])
	assert.Equal(t, 1, stats.ByFunction["other"])
	assert.InDelta(t, 3.0, stats.AverageAttempts, 0.001)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
	require.NotNil(t, stats.OldestOperation)
	require.NotNil(t, stats.NewestOperation)
	assert.True(t, stats.OldestOperation.Before(*stats.NewestOperation))
}

func TestBackend_StatisticsOnEmptyBackend(t *testing.T) {
	stats, err := New().Statistics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalOperations)
	assert.Zero(t, stats.SuccessRate)
	assert.Nil(t, stats.OldestOperation)
}

func TestBackend_SaveAttemptForUnknownOperationIsANoop(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.SaveAttempt(ctx, &recovery.AttemptRecord{OperationID: "ghost"}))
	attempts, err := b.ListAttempts(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestBackend_DeleteCascadesAttemptsAndErrorLogs(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, newRecord("op-1", recovery.StatePending, time.Now())))
	require.NoError(t, b.SaveAttempt(ctx, &recovery.AttemptRecord{OperationID: "op-1", AttemptNumber: 1}))
	require.NoError(t, b.Delete(ctx, "op-1"))

	attempts, err := b.ListAttempts(ctx, "op-1")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}
