package recovery

import (
	"fmt"

	"github.com/pkg/errors"
)

// ExhaustedError is raised when a wrapped operation's retry budget is
// spent, or when its first failure is classified non-retryable. Cause is
// captured with a stack trace via github.com/pkg/errors so a terminal
// failure's log line points at where the exhausting attempt actually
// failed, not just at the wrapper's return statement.
type ExhaustedError struct {
	Message  string
	Cause    error
	Attempts int
}

// NewExhaustedError attaches a stack trace to cause, unless it already
// carries one, before wrapping it.
func NewExhaustedError(message string, cause error, attempts int) *ExhaustedError {
	return &ExhaustedError{Message: message, Cause: withStack(cause), Attempts: attempts}
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: exhausted after %d attempt(s): %v", e.Message, e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

// Format implements fmt.Formatter so "%+v" on an ExhaustedError prints the
// captured stack trace of its cause, matching github.com/pkg/errors'
// convention.
func (e *ExhaustedError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s: exhausted after %d attempt(s): %+v", e.Message, e.Attempts, e.Cause)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// CircuitOpenError is raised when a call is rejected outright because the
// breaker for its function identity is open.
type CircuitOpenError struct {
	Message           string
	RetryAfterSeconds float64
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry after %.0fs", e.Message, e.RetryAfterSeconds)
}

// TimeoutError is the synthetic error surfaced when a per-attempt timeout
// elapses before the wrapped operation returns.
type TimeoutError struct {
	Message        string
	TimeoutSeconds float64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %.3fs", e.Message, e.TimeoutSeconds)
}

// SerializationError is raised when call arguments or metadata cannot be
// marshaled to JSON for persistence, before any write occurs.
type SerializationError struct {
	Message string
	Cause   error
}

// NewSerializationError attaches a stack trace to cause, unless it
// already carries one.
func NewSerializationError(message string, cause error) *SerializationError {
	return &SerializationError{Message: message, Cause: withStack(cause)}
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// withStack attaches a stack trace to err via github.com/pkg/errors,
// unless err already carries one (errors.WithStack would otherwise add a
// second stack trace on top of the existing one).
func withStack(err error) error {
	if err == nil {
		return nil
	}
	type stackTracer interface{ StackTrace() errors.StackTrace }
	var st stackTracer
	if errors.As(err, &st) {
		return err
	}
	return errors.WithStack(err)
}
