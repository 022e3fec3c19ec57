package identity

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ReturnsParsableUUIDsAndIsUnique(t *testing.T) {
	a := New()
	b := New()

	require.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
	_, err = uuid.Parse(b)
	assert.NoError(t, err)
}

func TestLocks_SerializesSameID(t *testing.T) {
	l := NewLocks()

	var counter int32
	var wg sync.WaitGroup
	const n = 20

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.Acquire("shared")
			defer release()

			cur := atomic.AddInt32(&counter, 1)
			time.Sleep(time.Millisecond)
			// If two goroutines held the lock concurrently, a second
			// increment could land before this one observes its own value.
			assert.Equal(t, cur, atomic.LoadInt32(&counter))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(n), atomic.LoadInt32(&counter))
}

func TestLocks_DistinctIDsDoNotBlockEachOther(t *testing.T) {
	l := NewLocks()

	releaseA := l.Acquire("a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release := l.Acquire("b")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire on a distinct id blocked behind an unrelated lock")
	}
}

func TestLocks_EntriesAreRemovedOnceReleased(t *testing.T) {
	l := NewLocks()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.Acquire(string(rune('a' + i)))
			release()
		}()
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.locks, "released ids must not accumulate in the table")
}

func TestLocks_ReacquireAfterRelease(t *testing.T) {
	l := NewLocks()
	release := l.Acquire("x")
	release()

	done := make(chan struct{})
	go func() {
		release := l.Acquire("x")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Acquire on a released id should not block")
	}
}
