package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowRespectsBurst(t *testing.T) {
	l := New(Policy{RatePerSecond: 1, Burst: 2})
	key := Key("driver-a", "send_email")

	require.NoError(t, l.Allow(key))
	require.NoError(t, l.Allow(key))
	assert.Error(t, l.Allow(key))
}

func TestConfigureOverridesDefaultPolicy(t *testing.T) {
	l := New(Policy{RatePerSecond: 1, Burst: 1})
	key := Key("driver-a", "send_email")
	l.Configure(key, Policy{RatePerSecond: 100, Burst: 100})

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(key))
	}
}

func TestDistinctKeysHaveIndependentBuckets(t *testing.T) {
	l := New(Policy{RatePerSecond: 1, Burst: 1})
	a := Key("driver-a", "send_email")
	b := Key("driver-b", "send_email")

	require.NoError(t, l.Allow(a))
	assert.Error(t, l.Allow(a))
	assert.NoError(t, l.Allow(b))
}

func TestWaitReturnsErrorBeyondDeadline(t *testing.T) {
	l := New(Policy{RatePerSecond: 1, Burst: 1})
	key := Key("driver-a", "send_email")
	require.NoError(t, l.Allow(key))

	err := l.Wait(key, 5*time.Millisecond)
	assert.Error(t, err)
}
