// Package engine implements the recovery wrapper: a decorator that turns
// an operation into one that retries on transient failure, consults a
// circuit breaker keyed by function identity, records its progress
// durably, and emits observability events at every attempt boundary.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hongkongkiwi/retrygo/recovery"
	"github.com/hongkongkiwi/retrygo/recovery/breaker"
	"github.com/hongkongkiwi/retrygo/recovery/classifier"
	"github.com/hongkongkiwi/retrygo/recovery/identity"
	"github.com/hongkongkiwi/retrygo/recovery/observability"
	"github.com/hongkongkiwi/retrygo/recovery/persistence"
	"github.com/hongkongkiwi/retrygo/recovery/persistence/memory"
	"github.com/hongkongkiwi/retrygo/recovery/strategy"
)

// defaultBreakers is the process-wide breaker registry every Wrapper uses
// unless overridden with WithBreakerRegistry, mirroring the "global,
// process-wide, keyed by function identity" registry from the design notes.
var defaultBreakers = breaker.NewRegistry()

// Breakers returns the default, process-wide breaker registry.
func Breakers() *breaker.Registry { return defaultBreakers }

// ResetBreakers clears the default breaker registry. Intended for test
// isolation between cases that reuse a function name.
func ResetBreakers() { defaultBreakers.Reset() }

// Operation is the shape of a wrapped function: it observes ctx for
// cancellation/timeout and returns a value or an error.
type Operation[T any] func(ctx context.Context) (T, error)

// Call carries the identity and persistence side-channel for one
// invocation. Go has no runtime introspection of a closure's captured
// arguments, so the caller supplies them explicitly here rather than the
// wrapper extracting them by reflection.
type Call struct {
	// OperationID pins the operation id, overriding both the key function
	// and random generation. Matches an in-flight Recovering record to
	// resume it.
	OperationID string
	// Args and Kwargs are opaque, JSON-serializable payloads persisted
	// alongside the record and fed to KeyFunc, never passed to the
	// wrapped Operation itself.
	Args, Kwargs interface{}
	// Metadata is stored on the record as-is.
	Metadata map[string]interface{}
}

// Option configures a Wrapper at construction time.
type Option[T any] func(*Wrapper[T])

// WithStrategy overrides the retry/backoff strategy. Default: Exponential.
// Config.NonRetryableErrors is passed only to the default Exponential
// strategy that Wrap builds; a strategy given here uses its own set.
func WithStrategy[T any](s strategy.Strategy) Option[T] {
	return func(w *Wrapper[T]) { w.strategy = s }
}

// WithPersistence overrides the durable backend. Default: an in-memory
// repository, matching persistence.Repository's fast-default backend.
func WithPersistence[T any](p persistence.Repository) Option[T] {
	return func(w *Wrapper[T]) { w.persistence = p }
}

// WithSink overrides the observability sink. Default: observability.NoopSink.
func WithSink[T any](s observability.Sink) Option[T] {
	return func(w *Wrapper[T]) { w.sink = s }
}

// WithKeyFunc installs a stable-identity function computed from Call.Args
// and Call.Kwargs, used when the caller does not pin an OperationID.
// Default: a fresh random id per call.
func WithKeyFunc[T any](f identity.KeyFunc) Option[T] {
	return func(w *Wrapper[T]) { w.keyFunc = f }
}

// WithBreakerRegistry overrides the breaker registry the Wrapper consults,
// instead of the package-wide default. Useful for test isolation.
func WithBreakerRegistry[T any](r *breaker.Registry) Option[T] {
	return func(w *Wrapper[T]) { w.breakers = r }
}

// Wrapper binds one function identity to a configuration, strategy,
// breaker, persistence backend and sink. Build one with Wrap and reuse it
// across calls; it is safe for concurrent use.
type Wrapper[T any] struct {
	functionName string
	fn           Operation[T]
	config       recovery.Config

	strategy    strategy.Strategy
	persistence persistence.Repository
	sink        observability.Sink
	keyFunc     identity.KeyFunc
	breakers    *breaker.Registry
	classifier  *classifier.Classifier

	locks         *identity.Locks
	flushMu       sync.Mutex
	flushCounters map[string]int
}

// flushEvery is the interval of intermediate (InProgress/Recovering)
// writes when LazyPersistence is enabled: every flushEvery-th write is
// flushed and the ones in between are skipped. Terminal states
// always write immediately regardless of this counter.
const flushEvery = 3

// Wrap binds functionName and fn to cfg, returning a reusable Wrapper.
// Unset options default to: Exponential strategy, in-memory persistence,
// a no-op sink, and random per-call operation ids.
func Wrap[T any](functionName string, fn Operation[T], cfg recovery.Config, opts ...Option[T]) *Wrapper[T] {
	w := &Wrapper[T]{
		functionName:  functionName,
		fn:            fn,
		config:        cfg,
		strategy:      strategy.NewExponential(cfg.NonRetryableErrors),
		persistence:   memory.New(),
		sink:          observability.NoopSink{},
		breakers:      defaultBreakers,
		classifier:    classifier.New(),
		locks:         identity.NewLocks(),
		flushCounters: make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	if !cfg.EnableObservability {
		w.sink = observability.NoopSink{}
	}
	return w
}

// Do runs one invocation of the wrapped operation to completion: it
// retries per the configured strategy, consults and updates the circuit
// breaker for the wrapper's function identity, and durably records
// progress through the configured persistence backend. It returns the
// operation's value on success, or one of *recovery.CircuitOpenError,
// *recovery.ExhaustedError, *recovery.SerializationError (when the call's
// arguments cannot be serialized), or a context error. With
// BypassWrapOnNonRetryable set, a non-retryable operation error is
// returned as is.
func (w *Wrapper[T]) Do(ctx context.Context, call Call) (T, error) {
	var zero T

	id, argsJSON, kwargsJSON, err := w.deriveIdentity(call)
	if err != nil {
		return zero, err
	}

	// Held for the whole attempt loop: at most one caller advances a given
	// operation id at a time, and the record load below observes whatever
	// state the previous holder left behind.
	release := w.locks.Acquire(id)
	defer release()

	record := w.loadOrCreateRecord(ctx, call, id, argsJSON, kwargsJSON)

	cb := w.breakers.Get(w.functionName, w.config.CircuitBreakerThreshold, w.config.CircuitBreakerTimeout)
	if ok, retryAfter := cb.CanExecute(); !ok {
		return zero, &recovery.CircuitOpenError{
			Message:           fmt.Sprintf("circuit open for %s", w.functionName),
			RetryAfterSeconds: retryAfter,
		}
	}

	record.State = recovery.StateInProgress
	w.saveRecord(ctx, record, false)
	w.emit(observability.Event{
		OperationID: id, FunctionName: w.functionName, Attempt: record.Attempt,
		State: record.State, Strategy: w.strategy.Name(), Time: now(),
	})

	attempt := record.Attempt
	budget := w.config.Budget()

	for {
		var delay time.Duration
		if attempt > 0 {
			delay = w.strategy.Delay(attempt)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}

		attemptNumber := attempt + 1
		started := now()
		d := delay
		w.emit(observability.Event{
			OperationID: id, FunctionName: w.functionName, Attempt: attemptNumber,
			State: record.State, Strategy: w.strategy.Name(), Delay: &d, Time: started,
		})

		value, attemptErr := w.invoke(ctx, attemptNumber)
		completed := now()
		duration := completed.Sub(started)

		attemptRec := &recovery.AttemptRecord{
			OperationID:   id,
			AttemptNumber: attemptNumber,
			StartedAt:     started,
			CompletedAt:   &completed,
			Duration:      duration,
			Success:       attemptErr == nil,
			StrategyName:  w.strategy.Name(),
			DelaySeconds:  delay.Seconds(),
		}

		if attemptErr == nil {
			w.savePersistence(func() error { return w.persistence.SaveAttempt(ctx, attemptRec) })

			record.State = recovery.StateSuccess
			record.UpdatedAt = completed
			saveErr := w.saveRecord(ctx, record, true)
			cb.RecordSuccess()
			w.emit(observability.Event{
				OperationID: id, FunctionName: w.functionName, Attempt: attemptNumber,
				State: record.State, Strategy: w.strategy.Name(), Time: completed,
			})
			if saveErr != nil {
				w.emitPersistenceFailure(id, attemptNumber, saveErr)
			}
			return value, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil && attemptErr == ctxErr {
			return zero, ctxErr
		}

		attemptRec.ErrorType = fmt.Sprintf("%T", attemptErr)
		attemptRec.ErrorMessage = attemptErr.Error()
		w.savePersistence(func() error { return w.persistence.SaveAttempt(ctx, attemptRec) })

		category, recoverable := w.classifier.Classify(attemptErr)
		w.saveErrorLog(ctx, id, attemptNumber, category, recoverable, attemptErr)

		shouldRetry := w.strategy.ShouldRetry(attemptErr, attemptNumber, budget)

		record.Attempt = attemptNumber
		record.LastError = &recovery.LastError{
			Type:    fmt.Sprintf("%T", attemptErr),
			Message: attemptErr.Error(),
		}
		record.UpdatedAt = completed

		if !shouldRetry {
			record.State = recovery.StateFailed
			if attemptNumber >= budget {
				record.State = recovery.StateExhausted
			}
			saveErr := w.saveRecord(ctx, record, true)
			cb.RecordFailure()

			cat := category
			w.emit(observability.Event{
				OperationID: id, FunctionName: w.functionName, Attempt: attemptNumber,
				State: record.State, Category: &cat, Strategy: w.strategy.Name(), Time: completed,
			})

			if record.State == recovery.StateFailed && w.config.BypassWrapOnNonRetryable {
				return zero, attemptErr
			}

			cause := attemptErr
			if saveErr != nil {
				cause = errors.Join(attemptErr, saveErr)
			}
			return zero, recovery.NewExhaustedError(fmt.Sprintf("%s exhausted", w.functionName), cause, attemptNumber)
		}

		record.State = recovery.StateRecovering
		w.saveRecord(ctx, record, false)
		cat := category
		w.emit(observability.Event{
			OperationID: id, FunctionName: w.functionName, Attempt: attemptNumber,
			State: record.State, Category: &cat, Strategy: w.strategy.Name(), Time: completed,
		})

		attempt = attemptNumber
	}
}

// deriveIdentity resolves the operation id for call and serializes its
// argument payloads. Serialization failures surface here, before any lock
// is taken or any persistence write happens.
func (w *Wrapper[T]) deriveIdentity(call Call) (id string, argsJSON, kwargsJSON []byte, err error) {
	id = call.OperationID
	if id == "" {
		id, call.Kwargs = extractIDOverride(call.Kwargs)
	}
	if id == "" && w.keyFunc != nil {
		id = w.keyFunc(call.Args, call.Kwargs)
	}
	if id == "" {
		id = identity.New()
	}

	argsJSON, err = marshalAny(call.Args)
	if err != nil {
		return "", nil, nil, recovery.NewSerializationError("failed to serialize call args", err)
	}
	kwargsJSON, err = marshalAny(call.Kwargs)
	if err != nil {
		return "", nil, nil, recovery.NewSerializationError("failed to serialize call kwargs", err)
	}
	return id, argsJSON, kwargsJSON, nil
}

// loadOrCreateRecord loads id's persisted record if it is mid-recovery,
// resuming at its stored attempt count, and otherwise starts a fresh one.
func (w *Wrapper[T]) loadOrCreateRecord(ctx context.Context, call Call, id string, argsJSON, kwargsJSON []byte) *recovery.RecoveryRecord {
	if w.config.EnablePersistence {
		if existing, loadErr := w.persistence.Load(ctx, id); loadErr == nil && existing != nil &&
			existing.State == recovery.StateRecovering {
			return existing
		}
	}

	t := now()
	return &recovery.RecoveryRecord{
		OperationID:  id,
		FunctionName: w.functionName,
		Args:         argsJSON,
		Kwargs:       kwargsJSON,
		State:        recovery.StatePending,
		Attempt:      0,
		Metadata:     call.Metadata,
		CreatedAt:    t,
		UpdatedAt:    t,
	}
}

// invoke runs the wrapped operation once, bounded by the configured
// per-attempt timeout if one is set. A timeout surfaces as
// *recovery.TimeoutError; cancellation of the parent context is
// propagated verbatim.
func (w *Wrapper[T]) invoke(ctx context.Context, attemptNumber int) (T, error) {
	var zero T

	attemptCtx := ctx
	cancel := func() {}
	if w.config.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, w.config.Timeout)
	}
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := w.fn(attemptCtx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &recovery.TimeoutError{
			Message:        fmt.Sprintf("%s attempt %d", w.functionName, attemptNumber),
			TimeoutSeconds: w.config.Timeout.Seconds(),
		}
	}
}

// saveRecord persists record. Terminal states (force=true) always write
// immediately; intermediate states are subject to lazy buffering when
// configured, skipping most writes and flushing every flushEvery calls.
func (w *Wrapper[T]) saveRecord(ctx context.Context, record *recovery.RecoveryRecord, force bool) error {
	if !w.config.EnablePersistence {
		return nil
	}
	if !force && w.config.LazyPersistence && !w.shouldFlush(record.OperationID) {
		return nil
	}
	return w.persistence.Save(ctx, record)
}

func (w *Wrapper[T]) shouldFlush(operationID string) bool {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.flushCounters[operationID]++
	if w.flushCounters[operationID]%flushEvery == 0 {
		return true
	}
	return false
}

func (w *Wrapper[T]) savePersistence(write func() error) {
	if !w.config.EnablePersistence {
		return
	}
	_ = write()
}

func (w *Wrapper[T]) saveErrorLog(ctx context.Context, operationID string, attemptNumber int, category recovery.ErrorCategory, recoverable bool, err error) {
	if !w.config.EnablePersistence {
		return
	}
	severity := recovery.SeverityMedium
	if !recoverable {
		severity = recovery.SeverityHigh
	}
	entry := &recovery.ErrorLogEntry{
		OperationID:   operationID,
		Category:      category,
		Severity:      severity,
		ErrorType:     fmt.Sprintf("%T", err),
		ErrorMessage:  err.Error(),
		FunctionName:  w.functionName,
		AttemptNumber: attemptNumber,
		Strategy:      w.strategy.Name(),
		CanRecover:    recoverable,
		LoggedAt:      now(),
	}
	_ = w.persistence.SaveErrorLog(ctx, entry)
}

func (w *Wrapper[T]) emit(e observability.Event) {
	if !w.config.EnableObservability {
		return
	}
	w.sink.Emit(e)
}

func (w *Wrapper[T]) emitPersistenceFailure(operationID string, attempt int, err error) {
	w.emit(observability.Event{
		OperationID: operationID, FunctionName: w.functionName, Attempt: attempt,
		State: recovery.StateSuccess, Strategy: w.strategy.Name(), Err: err, Time: now(),
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func marshalAny(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// extractIDOverride pulls the reserved identity.OverrideKey entry out of a
// keyword-argument map, returning the pinned id and the payload with the
// reserved key stripped so it never reaches the wrapped operation or the
// persisted record.
func extractIDOverride(kwargs interface{}) (string, interface{}) {
	m, ok := kwargs.(map[string]interface{})
	if !ok {
		return "", kwargs
	}
	raw, ok := m[identity.OverrideKey]
	if !ok {
		return "", kwargs
	}
	id, _ := raw.(string)
	stripped := make(map[string]interface{}, len(m)-1)
	for k, v := range m {
		if k == identity.OverrideKey {
			continue
		}
		stripped[k] = v
	}
	return id, stripped
}

// now is the single time source the engine calls through.
var now = time.Now
