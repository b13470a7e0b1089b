package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline/tenant"
)

type fakeOverrides map[string]string

func (f fakeOverrides) Get(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

func limiterWith(overrides clusterMap, max int) *Limiter {
	return newLimiter(overrides, Options{Default: Limit{Max: max, Window: time.Minute}})
}

func TestAllowWithinQuota(t *testing.T) {
	l := limiterWith(nil, 3)
	tc := tenant.Context{TenantID: "t1", UserID: "u1"}

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(tc, "workflows"))
	}
	err := l.Allow(tc, "workflows")
	require.Error(t, err)

	var rl *Error
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "workflows", rl.Group)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
}

func TestKeysAreIndependent(t *testing.T) {
	l := limiterWith(nil, 1)
	t1 := tenant.Context{TenantID: "t1", UserID: "u1"}

	require.NoError(t, l.Allow(t1, "workflows"))
	require.Error(t, l.Allow(t1, "workflows"))

	// Different endpoint group, user, and tenant each get their own window.
	require.NoError(t, l.Allow(t1, "executions"))
	require.NoError(t, l.Allow(tenant.Context{TenantID: "t1", UserID: "u2"}, "workflows"))
	require.NoError(t, l.Allow(tenant.Context{TenantID: "t2", UserID: "u1"}, "workflows"))
}

func TestTenantOverride(t *testing.T) {
	l := limiterWith(fakeOverrides{"t-big": "5"}, 1)

	big := tenant.Context{TenantID: "t-big", UserID: "u1"}
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow(big, "workflows"))
	}
	require.Error(t, l.Allow(big, "workflows"))

	small := tenant.Context{TenantID: "t-small", UserID: "u1"}
	require.NoError(t, l.Allow(small, "workflows"))
	require.Error(t, l.Allow(small, "workflows"))
}

func TestLookupFallback(t *testing.T) {
	l := newLimiter(nil, Options{
		Default: Limit{Max: 1, Window: time.Minute},
		Lookup: func(tenantID string) (int, bool) {
			if tenantID == "t-custom" {
				return 2, true
			}
			return 0, false
		},
	})
	tc := tenant.Context{TenantID: "t-custom", UserID: "u1"}
	require.NoError(t, l.Allow(tc, "workflows"))
	require.NoError(t, l.Allow(tc, "workflows"))
	require.Error(t, l.Allow(tc, "workflows"))
}

func TestInvalidOverrideFallsBack(t *testing.T) {
	l := limiterWith(fakeOverrides{"t1": "not-a-number"}, 1)
	tc := tenant.Context{TenantID: "t1", UserID: "u1"}
	require.NoError(t, l.Allow(tc, "workflows"))
	require.Error(t, l.Allow(tc, "workflows"))
}
