// Package recovery implements a retry and recovery runtime: a decorator
// that turns an ordinary function into one which retries on transient
// failure, backs off between attempts, trips a circuit breaker on chronic
// failure, and durably records its progress so a call can be resumed
// across process restarts.
package recovery

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// OperationState is the lifecycle state of one tracked operation.
type OperationState string

const (
	StatePending    OperationState = "pending"
	StateInProgress OperationState = "in_progress"
	StateRecovering OperationState = "recovering"
	StateSuccess    OperationState = "success"
	StateFailed     OperationState = "failed"
	StateExhausted  OperationState = "exhausted"
)

// IsTerminal reports whether no further transition is expected from s.
func (s OperationState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateExhausted:
		return true
	default:
		return false
	}
}

// ErrorCategory is the fixed, closed set of error classifications the
// classifier can produce.
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "network"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryResource   ErrorCategory = "resource"
	CategoryPermission ErrorCategory = "permission"
	CategoryValidation ErrorCategory = "validation"
	CategorySystem     ErrorCategory = "system"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Severity grades how serious a logged error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryRecord is the durable unit keyed by OperationID. It tracks one
// logical call across however many attempts it takes to resolve.
type RecoveryRecord struct {
	OperationID  string                 `json:"operation_id"`
	FunctionName string                 `json:"function_name"`
	Args         []byte                 `json:"args"`
	Kwargs       []byte                 `json:"kwargs"`
	State        OperationState         `json:"state"`
	Attempt      int                    `json:"attempt"`
	LastError    *LastError             `json:"last_error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// LastError captures the most recent failure against a RecoveryRecord.
type LastError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// AttemptRecord is one invocation of the wrapped operation, subordinate to
// a RecoveryRecord.
type AttemptRecord struct {
	OperationID   string                 `json:"operation_id"`
	AttemptNumber int                    `json:"attempt_number"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Duration      time.Duration          `json:"duration"`
	Success       bool                   `json:"success"`
	ErrorType     string                 `json:"error_type,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	ErrorStack    string                 `json:"error_stack,omitempty"`
	StrategyName  string                 `json:"strategy_name"`
	DelaySeconds  float64                `json:"delay_seconds"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// ErrorLogEntry is a subordinate, append-only record of one classified
// failure against a RecoveryRecord.
type ErrorLogEntry struct {
	OperationID     string                 `json:"operation_id"`
	Category        ErrorCategory          `json:"error_category"`
	Subcategory     string                 `json:"error_subcategory,omitempty"`
	Severity        Severity               `json:"severity"`
	ErrorType       string                 `json:"error_type"`
	ErrorMessage    string                 `json:"error_message"`
	ErrorStack      string                 `json:"error_stack,omitempty"`
	FunctionName    string                 `json:"function_name"`
	AttemptNumber   int                    `json:"attempt_number"`
	Strategy        string                 `json:"recovery_strategy"`
	CanRecover      bool                   `json:"can_recover"`
	SystemInfo      map[string]interface{} `json:"system_info,omitempty"`
	LoggedAt        time.Time              `json:"logged_at"`
}

// Config governs one wrapped operation. Zero value is not valid; use
// DefaultConfig to get usable defaults and override from there.
type Config struct {
	MaxRetries               int           `validate:"min=0"`
	Timeout                  time.Duration `validate:"min=0"`
	CircuitBreakerThreshold  int           `validate:"min=1"`
	CircuitBreakerTimeout    time.Duration `validate:"min=0"`
	NonRetryableErrors       map[string]struct{}
	EnablePersistence        bool
	EnableObservability      bool
	LazyPersistence          bool
	BypassWrapOnNonRetryable bool
}

// DefaultConfig returns the defaults named in the external interface table:
// 3 retries, no timeout, breaker threshold 5 / reset 300s, persistence and
// observability on, no lazy buffering.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		Timeout:                 0,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   300 * time.Second,
		EnablePersistence:       true,
		EnableObservability:     true,
		LazyPersistence:         false,
	}
}

// Budget is the total attempt allowance: maxRetries + 1.
func (c Config) Budget() int {
	return c.MaxRetries + 1
}

var validate = validator.New()

// Validate checks c against its struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid recovery configuration: %w", err)
	}
	return nil
}
