// Package strategy implements the pluggable backoff/retry-decision
// policies: Exponential, Linear, Fixed, and Custom. All four share the
// same retryability contract so the engine can hold one strategy
// instance per wrapper and never type-switch on it.
package strategy

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hongkongkiwi/retrygo/recovery"
	"github.com/hongkongkiwi/retrygo/recovery/classifier"
)

// Strategy computes the pre-attempt delay for a given attempt number and
// decides whether a failed attempt is worth retrying. Implementations
// hold no per-call state and must be safe for concurrent use by many
// wrapped calls at once.
type Strategy interface {
	Name() string
	Delay(attempt int) time.Duration
	ShouldRetry(err error, attempt, maxAttempts int) bool
}

var defaultRetryableCategories = map[recovery.ErrorCategory]struct{}{
	recovery.CategoryNetwork:  {},
	recovery.CategoryTimeout:  {},
	recovery.CategoryResource: {},
	recovery.CategoryUnknown:  {},
}

// decider implements the shared ShouldRetry contract: stop at budget,
// bypass classification for a configured non-retryable type, otherwise
// defer to the classifier's category.
type decider struct {
	classifier          *classifier.Classifier
	retryableCategories map[recovery.ErrorCategory]struct{}
	nonRetryableErrors  map[string]struct{}
}

func newDecider(nonRetryable map[string]struct{}) decider {
	return decider{
		classifier:          classifier.New(),
		retryableCategories: defaultRetryableCategories,
		nonRetryableErrors:  nonRetryable,
	}
}

func (d decider) shouldRetry(err error, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	if d.nonRetryableErrors != nil {
		typeName := fmt.Sprintf("%T", err)
		if _, bad := d.nonRetryableErrors[typeName]; bad {
			return false
		}
	}
	category, _ := d.classifier.Classify(err)
	_, ok := d.retryableCategories[category]
	return ok
}

// Exponential is delay(n) = min(initial * factor^(n-1), max), optionally
// perturbed by uniform jitter and floored at 100ms. It reuses
// cenkalti/backoff/v4's ExponentialBackOff for the interval/jitter math,
// stepped deterministically per call rather than held as shared state.
type Exponential struct {
	decider
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	Jitter      bool
	JitterRange float64 // RandomizationFactor passed to backoff.ExponentialBackOff
}

// NewExponential builds the default strategy named in the external
// interface table: initial=1s, factor=2, max=60s, jitter on.
func NewExponential(nonRetryable map[string]struct{}) *Exponential {
	return &Exponential{
		decider:     newDecider(nonRetryable),
		Initial:     time.Second,
		Factor:      2,
		Max:         60 * time.Second,
		Jitter:      true,
		JitterRange: 0.5,
	}
}

func (e *Exponential) Name() string { return "exponential" }

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Initial
	b.MaxInterval = e.Max
	b.Multiplier = e.Factor
	b.MaxElapsedTime = 0 // the wrapper owns the attempt budget, not this backoff
	if e.Jitter {
		jr := e.JitterRange
		if jr <= 0 {
			jr = 0.5
		}
		b.RandomizationFactor = jr
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}

	if d > e.Max {
		d = e.Max
	}
	if e.Jitter && d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func (e *Exponential) ShouldRetry(err error, attempt, maxAttempts int) bool {
	return e.shouldRetry(err, attempt, maxAttempts)
}

// Linear is delay(n) = min(initial + increment*n, max).
type Linear struct {
	decider
	Initial   time.Duration
	Increment time.Duration
	Max       time.Duration
}

func NewLinear(nonRetryable map[string]struct{}) *Linear {
	return &Linear{
		decider:   newDecider(nonRetryable),
		Initial:   time.Second,
		Increment: time.Second,
		Max:       60 * time.Second,
	}
}

func (l *Linear) Name() string { return "linear" }

func (l *Linear) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := l.Initial + l.Increment*time.Duration(attempt)
	if d > l.Max {
		d = l.Max
	}
	return d
}

func (l *Linear) ShouldRetry(err error, attempt, maxAttempts int) bool {
	return l.shouldRetry(err, attempt, maxAttempts)
}

// Fixed is a constant delay between attempts.
type Fixed struct {
	decider
	Interval time.Duration
}

func NewFixed(delay time.Duration, nonRetryable map[string]struct{}) *Fixed {
	return &Fixed{decider: newDecider(nonRetryable), Interval: delay}
}

func (f *Fixed) Name() string { return "fixed" }

func (f *Fixed) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

func (f *Fixed) ShouldRetry(err error, attempt, maxAttempts int) bool {
	return f.shouldRetry(err, attempt, maxAttempts)
}

// Custom delegates delay computation to a caller-supplied closure; the
// result is capped by Max when Max is positive (a zero Max means no cap).
// An optional Decide closure replaces the
// default retry decision entirely, for callers whose retryability logic
// doesn't reduce to error categories.
type Custom struct {
	decider
	Compute func(attempt int) time.Duration
	Decide  func(err error, attempt, maxAttempts int) bool
	Max     time.Duration
}

func NewCustom(compute func(attempt int) time.Duration, max time.Duration, nonRetryable map[string]struct{}) *Custom {
	return &Custom{decider: newDecider(nonRetryable), Compute: compute, Max: max}
}

func (c *Custom) Name() string { return "custom" }

func (c *Custom) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := c.Compute(attempt)
	if c.Max > 0 && d > c.Max {
		d = c.Max
	}
	return d
}

func (c *Custom) ShouldRetry(err error, attempt, maxAttempts int) bool {
	if c.Decide != nil {
		return c.Decide(err, attempt, maxAttempts)
	}
	return c.shouldRetry(err, attempt, maxAttempts)
}
