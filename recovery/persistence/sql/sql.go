// Package sql implements the persistence.Repository contract against a
// relational schema: one table for operation state, one for per-attempt
// history, one for classified error logs. PostgreSQL is driven through
// github.com/lib/pq with a bounded connection pool and a startup ping.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/hongkongkiwi/retrygo/recovery"
	"github.com/hongkongkiwi/retrygo/recovery/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS recovery_state (
	operation_id       TEXT PRIMARY KEY,
	function_name      TEXT NOT NULL,
	args               TEXT NOT NULL DEFAULT '',
	kwargs             TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL,
	attempt            INTEGER NOT NULL DEFAULT 0,
	error              TEXT,
	recovery_metadata  TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recovery_state_state ON recovery_state (state);
CREATE INDEX IF NOT EXISTS idx_recovery_state_function_name ON recovery_state (function_name);
CREATE INDEX IF NOT EXISTS idx_recovery_state_updated_at ON recovery_state (updated_at);

CREATE TABLE IF NOT EXISTS retry_attempts (
	id               SERIAL PRIMARY KEY,
	operation_id     TEXT NOT NULL REFERENCES recovery_state(operation_id) ON DELETE CASCADE,
	attempt_number   INTEGER NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	duration_ms      BIGINT NOT NULL DEFAULT 0,
	success          BOOLEAN NOT NULL DEFAULT FALSE,
	error_type       TEXT,
	error_message    TEXT,
	error_traceback  TEXT,
	strategy_name    TEXT,
	delay_seconds    DOUBLE PRECISION NOT NULL DEFAULT 0,
	context          TEXT
);
CREATE INDEX IF NOT EXISTS idx_retry_attempts_operation_id ON retry_attempts (operation_id);

CREATE TABLE IF NOT EXISTS error_logs (
	id                 SERIAL PRIMARY KEY,
	operation_id       TEXT NOT NULL REFERENCES recovery_state(operation_id) ON DELETE CASCADE,
	error_category     TEXT NOT NULL,
	error_subcategory  TEXT,
	severity           TEXT NOT NULL,
	error_type         TEXT NOT NULL,
	error_message      TEXT NOT NULL,
	error_traceback    TEXT,
	function_name      TEXT NOT NULL,
	attempt_number     INTEGER NOT NULL,
	recovery_strategy  TEXT,
	can_recover        BOOLEAN NOT NULL DEFAULT FALSE,
	system_info        TEXT,
	logged_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_logs_operation_id ON error_logs (operation_id);
CREATE INDEX IF NOT EXISTS idx_error_logs_error_category ON error_logs (error_category);
CREATE INDEX IF NOT EXISTS idx_error_logs_severity ON error_logs (severity);
`

// Backend implements persistence.Repository against a relational
// database reachable through *sql.DB. It works against any driver the
// caller opens the DB with (PostgreSQL in production via lib/pq, or a
// sqlmock-backed *sql.DB in unit tests).
type Backend struct {
	db       *sql.DB
	initOnce sync.Once
	initErr  error
}

// Open opens a PostgreSQL connection pool at dsn and returns a Backend
// wrapping it. The pool is verified with a ping before the Backend is
// handed out.
func Open(dsn string) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db), nil
}

// New wraps an already-open *sql.DB (typically a sqlmock connection in
// tests, or one obtained independently of Open).
func New(db *sql.DB) *Backend {
	return &Backend{db: db}
}

// EnsureSchema runs the idempotent CREATE pass exactly once per Backend
// instance, even under concurrent first calls.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	b.initOnce.Do(func() {
		_, b.initErr = b.db.ExecContext(ctx, schema)
	})
	return b.initErr
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Save(ctx context.Context, rec *recovery.RecoveryRecord) error {
	metadata, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return recovery.NewSerializationError("failed to serialize recovery metadata", err)
	}

	var errCol sql.NullString
	if rec.LastError != nil {
		data, err := json.Marshal(rec.LastError)
		if err != nil {
			return recovery.NewSerializationError("failed to serialize last error", err)
		}
		errCol = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recovery_state
			(operation_id, function_name, args, kwargs, state, attempt, error, recovery_metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (operation_id) DO UPDATE SET
			function_name = EXCLUDED.function_name,
			args = EXCLUDED.args,
			kwargs = EXCLUDED.kwargs,
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			error = EXCLUDED.error,
			recovery_metadata = EXCLUDED.recovery_metadata,
			updated_at = EXCLUDED.updated_at
	`,
		rec.OperationID, rec.FunctionName, string(rec.Args), string(rec.Kwargs),
		string(rec.State), rec.Attempt, errCol, metadata, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save recovery record %s: %w", rec.OperationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recovery record %s: %w", rec.OperationID, err)
	}
	return nil
}

func (b *Backend) Load(ctx context.Context, operationID string) (*recovery.RecoveryRecord, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT operation_id, function_name, args, kwargs, state, attempt, error, recovery_metadata, created_at, updated_at
		FROM recovery_state WHERE operation_id = $1
	`, operationID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recovery record %s: %w", operationID, err)
	}
	return rec, nil
}

func (b *Backend) Delete(ctx context.Context, operationID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Subordinate rows cascade via ON DELETE CASCADE; the explicit deletes
	// below keep the contract correct even against a schema/driver that
	// doesn't honor the FK (e.g. a permissive sqlmock expectation).
	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_attempts WHERE operation_id = $1`, operationID); err != nil {
		return fmt.Errorf("failed to cascade-delete attempts for %s: %w", operationID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM error_logs WHERE operation_id = $1`, operationID); err != nil {
		return fmt.Errorf("failed to cascade-delete error logs for %s: %w", operationID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_state WHERE operation_id = $1`, operationID); err != nil {
		return fmt.Errorf("failed to delete recovery record %s: %w", operationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", operationID, err)
	}
	return nil
}

func (b *Backend) ListByState(ctx context.Context, state recovery.OperationState) ([]*recovery.RecoveryRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT operation_id, function_name, args, kwargs, state, attempt, error, recovery_metadata, created_at, updated_at
		FROM recovery_state WHERE state = $1 ORDER BY updated_at DESC
	`, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery records in state %s: %w", state, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*recovery.RecoveryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *Backend) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT operation_id FROM recovery_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan operation id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *Backend) Clear(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_attempts`); err != nil {
		return fmt.Errorf("failed to clear attempts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM error_logs`); err != nil {
		return fmt.Errorf("failed to clear error logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_state`); err != nil {
		return fmt.Errorf("failed to clear recovery state: %w", err)
	}

	return tx.Commit()
}

func (b *Backend) CleanupOldStates(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT operation_id FROM recovery_state WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to select expired recovery records: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan expired operation id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM retry_attempts WHERE operation_id = $1`, id); err != nil {
			return 0, fmt.Errorf("failed to cascade-delete attempts for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM error_logs WHERE operation_id = $1`, id); err != nil {
			return 0, fmt.Errorf("failed to cascade-delete error logs for %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_state WHERE updated_at < $1`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete expired recovery records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return len(ids), nil
}

func (b *Backend) SaveAttempt(ctx context.Context, a *recovery.AttemptRecord) error {
	attemptContext, err := marshalMetadata(a.Context)
	if err != nil {
		return recovery.NewSerializationError("failed to serialize attempt context", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO retry_attempts
			(operation_id, attempt_number, started_at, completed_at, duration_ms, success, error_type, error_message, error_traceback, strategy_name, delay_seconds, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.OperationID, a.AttemptNumber, a.StartedAt, nullTime(a.CompletedAt), a.Duration.Milliseconds(),
		a.Success, nullString(a.ErrorType), nullString(a.ErrorMessage), nullString(a.ErrorStack),
		nullString(a.StrategyName), a.DelaySeconds, attemptContext,
	)
	if err != nil {
		return fmt.Errorf("failed to save attempt %d for %s: %w", a.AttemptNumber, a.OperationID, err)
	}
	return nil
}

func (b *Backend) SaveErrorLog(ctx context.Context, e *recovery.ErrorLogEntry) error {
	systemInfo, err := marshalMetadata(e.SystemInfo)
	if err != nil {
		return recovery.NewSerializationError("failed to serialize error log system info", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO error_logs
			(operation_id, error_category, error_subcategory, severity, error_type, error_message, error_traceback, function_name, attempt_number, recovery_strategy, can_recover, system_info, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		e.OperationID, string(e.Category), nullString(e.Subcategory), string(e.Severity), e.ErrorType, e.ErrorMessage,
		nullString(e.ErrorStack), e.FunctionName, e.AttemptNumber, nullString(e.Strategy), e.CanRecover, systemInfo, e.LoggedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save error log for %s: %w", e.OperationID, err)
	}
	return nil
}

// ListAttempts returns every attempt recorded for operationID, in
// ascending attempt order.
func (b *Backend) ListAttempts(ctx context.Context, operationID string) ([]*recovery.AttemptRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT operation_id, attempt_number, started_at, completed_at, duration_ms, success, error_type, error_message, error_traceback, strategy_name, delay_seconds, context
		FROM retry_attempts WHERE operation_id = $1 ORDER BY attempt_number
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for %s: %w", operationID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*recovery.AttemptRecord
	for rows.Next() {
		var (
			a          recovery.AttemptRecord
			completed  sql.NullTime
			durationMs int64
			errType    sql.NullString
			errMsg     sql.NullString
			errStack   sql.NullString
			stratName  sql.NullString
			attemptCtx sql.NullString
		)
		if err := rows.Scan(&a.OperationID, &a.AttemptNumber, &a.StartedAt, &completed, &durationMs,
			&a.Success, &errType, &errMsg, &errStack, &stratName, &a.DelaySeconds, &attemptCtx); err != nil {
			return nil, fmt.Errorf("failed to scan attempt record: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			a.CompletedAt = &t
		}
		a.Duration = time.Duration(durationMs) * time.Millisecond
		a.ErrorType = errType.String
		a.ErrorMessage = errMsg.String
		a.ErrorStack = errStack.String
		a.StrategyName = stratName.String
		if attemptCtx.Valid && attemptCtx.String != "" {
			var m map[string]interface{}
			if err := json.Unmarshal([]byte(attemptCtx.String), &m); err == nil {
				a.Context = m
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListErrorLogs returns every error-log entry recorded for operationID,
// newest first.
func (b *Backend) ListErrorLogs(ctx context.Context, operationID string) ([]*recovery.ErrorLogEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT operation_id, error_category, error_subcategory, severity, error_type, error_message, error_traceback, function_name, attempt_number, recovery_strategy, can_recover, system_info, logged_at
		FROM error_logs WHERE operation_id = $1 ORDER BY logged_at DESC
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list error logs for %s: %w", operationID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*recovery.ErrorLogEntry
	for rows.Next() {
		var (
			e        recovery.ErrorLogEntry
			category string
			subcat   sql.NullString
			severity string
			errStack sql.NullString
			strat    sql.NullString
			sysInfo  sql.NullString
		)
		if err := rows.Scan(&e.OperationID, &category, &subcat, &severity, &e.ErrorType, &e.ErrorMessage,
			&errStack, &e.FunctionName, &e.AttemptNumber, &strat, &e.CanRecover, &sysInfo, &e.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error log entry: %w", err)
		}
		e.Category = recovery.ErrorCategory(category)
		e.Subcategory = subcat.String
		e.Severity = recovery.Severity(severity)
		e.ErrorStack = errStack.String
		e.Strategy = strat.String
		if sysInfo.Valid && sysInfo.String != "" {
			var m map[string]interface{}
			if err := json.Unmarshal([]byte(sysInfo.String), &m); err == nil {
				e.SystemInfo = m
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Statistics aggregates the store's contents: operation counts by state
// and function identity, average attempts per operation, success rate,
// and the age range of tracked records.
func (b *Backend) Statistics(ctx context.Context) (*persistence.Stats, error) {
	stats := &persistence.Stats{
		ByState:    make(map[recovery.OperationState]int),
		ByFunction: make(map[string]int),
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT function_name, state, attempt, created_at, updated_at FROM recovery_state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var totalAttempts int
	for rows.Next() {
		var (
			functionName string
			state        string
			attempt      int
			createdAt    time.Time
			updatedAt    time.Time
		)
		if err := rows.Scan(&functionName, &state, &attempt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan statistics row: %w", err)
		}

		stats.TotalOperations++
		stats.ByState[recovery.OperationState(state)]++
		stats.ByFunction[functionName]++
		totalAttempts += attempt

		for _, t := range []time.Time{createdAt, updatedAt} {
			t := t
			if stats.OldestOperation == nil || t.Before(*stats.OldestOperation) {
				stats.OldestOperation = &t
			}
			if stats.NewestOperation == nil || t.After(*stats.NewestOperation) {
				stats.NewestOperation = &t
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.TotalOperations > 0 {
		stats.AverageAttempts = float64(totalAttempts) / float64(stats.TotalOperations)
		stats.SuccessRate = float64(stats.ByState[recovery.StateSuccess]) / float64(stats.TotalOperations)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*recovery.RecoveryRecord, error) {
	var (
		rec      recovery.RecoveryRecord
		args     string
		kwargs   string
		state    string
		errCol   sql.NullString
		metadata sql.NullString
	)

	if err := s.Scan(&rec.OperationID, &rec.FunctionName, &args, &kwargs, &state, &rec.Attempt, &errCol, &metadata, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	rec.Args = []byte(args)
	rec.Kwargs = []byte(kwargs)
	rec.State = recovery.OperationState(state)

	if errCol.Valid {
		var lastErr recovery.LastError
		if err := json.Unmarshal([]byte(errCol.String), &lastErr); err == nil {
			rec.LastError = &lastErr
		}
	}

	if metadata.Valid && metadata.String != "" {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(metadata.String), &m); err == nil {
			rec.Metadata = m
		}
	}

	return &rec, nil
}

func marshalMetadata(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
