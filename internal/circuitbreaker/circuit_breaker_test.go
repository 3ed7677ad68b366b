package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/position-indexer/internal/logging"
)

var errDown = errors.New("down")

func newTestBreaker() (*CircuitBreaker, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(&Config{Name: "test", MaxFailures: 3, Timeout: 10 * time.Second}, logging.NewNop())
	cb.now = func() time.Time { return now }
	cb.lastStateChange = now
	return cb, &now
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker()
	fail := func() error { return errDown }

	assert.ErrorIs(t, cb.Execute(fail), errDown)
	assert.NoError(t, cb.Execute(func() error { return nil }), "a success resets the count")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errDown)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errDown })
	}
	require.Equal(t, StateOpen, cb.GetState())

	*now = now.Add(11 * time.Second)
	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.False(t, cb.Allow(), "only one probe in flight")

	cb.Record(errDown)
	assert.Equal(t, StateOpen, cb.GetState())

	*now = now.Add(11 * time.Second)
	require.True(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.Allow())
}
