package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationState_IsTerminal(t *testing.T) {
	terminal := []OperationState{StateSuccess, StateFailed, StateExhausted}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}

	live := []OperationState{StatePending, StateInProgress, StateRecovering}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 4, cfg.Budget())
	assert.Equal(t, time.Duration(0), cfg.Timeout)
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
	assert.Equal(t, 300*time.Second, cfg.CircuitBreakerTimeout)
	assert.True(t, cfg.EnablePersistence)
	assert.True(t, cfg.EnableObservability)
	assert.False(t, cfg.LazyPersistence)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxRetries = -1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CircuitBreakerThreshold = 0
	assert.Error(t, bad.Validate())
}
