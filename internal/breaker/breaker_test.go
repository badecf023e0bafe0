package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("driver-a:send_email")
	cfg.Timeout = 10 * time.Millisecond
	b := New(cfg, nil)

	failing := func(context.Context) error { return errors.New("boom") }
	for i := 0; i < 5; i++ {
		_ = b.ExecuteContext(context.Background(), failing)
	}

	assert.Equal(t, StateOpen, b.State())
	err := b.ExecuteContext(context.Background(), func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cfg := DefaultConfig("driver-a:send_email")
	cfg.Timeout = 5 * time.Millisecond
	cfg.MaxRequests = 1
	b := New(cfg, nil)

	for i := 0; i < 5; i++ {
		_ = b.ExecuteContext(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(10 * time.Millisecond)
	err := b.ExecuteContext(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestManagerCreatesPerKeyBreakers(t *testing.T) {
	m := NewManager(nil, nil)
	a := m.Get(Key("driver-a", "send_email"))
	b := m.Get(Key("driver-b", "send_email"))
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get(Key("driver-a", "send_email")))
}

func TestManagerResetForcesClosed(t *testing.T) {
	m := NewManager(nil, nil)
	key := Key("driver-a", "send_email")
	b := m.Get(key)
	for i := 0; i < 5; i++ {
		_ = b.ExecuteContext(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, b.State())

	m.Reset(key)
	assert.Equal(t, StateClosed, m.Get(key).State())
}

func TestExecuteWithFallbackCallsFallbackOnOpenCircuit(t *testing.T) {
	cfg := DefaultConfig("driver-a:send_email")
	b := New(cfg, nil)
	for i := 0; i < 5; i++ {
		_ = b.ExecuteContext(context.Background(), func(context.Context) error { return errors.New("boom") })
	}

	result, err := ExecuteWithFallback(context.Background(), b,
		func(context.Context) (string, error) { return "live", nil },
		func(error) (string, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
}
