package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := New(3, time.Minute)
	assert.Equal(t, Closed, b.State())
	ok, _ := b.CanExecute()
	assert.True(t, ok)
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New(3, time.Minute)
	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, Closed, b.State())
	}
	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	ok, retryAfter := b.CanExecute()
	assert.False(t, ok)
	assert.Greater(t, retryAfter, 0.0)
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)

	ok, _ := b.CanExecute()
	assert.True(t, ok)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_SuccessInHalfOpenCloses(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.CanExecute() // transitions to HalfOpen

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_FailureInHalfOpenReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.CanExecute() // transitions to HalfOpen

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreaker_SuccessResetsFailureCounter(t *testing.T) {
	b := New(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State(), "counter should have reset after the success")
}

func TestRegistry_GetCreatesOncePerFunctionName(t *testing.T) {
	r := NewRegistry()
	b1 := r.Get("fnA", 5, time.Minute)
	b2 := r.Get("fnA", 99, time.Hour) // different params, same identity
	assert.Same(t, b1, b2)

	b3 := r.Get("fnB", 5, time.Minute)
	assert.NotSame(t, b1, b3)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Get("fnA", 1, time.Minute).RecordFailure()
	r.Get("fnB", 5, time.Minute)

	snap := r.Snapshot()
	assert.Equal(t, Open, snap["fnA"])
	assert.Equal(t, Closed, snap["fnB"])
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry()
	original := r.Get("fnA", 1, time.Minute)
	r.Reset()
	after := r.Get("fnA", 1, time.Minute)
	assert.NotSame(t, original, after)
}
