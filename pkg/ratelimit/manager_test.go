package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit/pkg/clock"
)

func TestLocalQuotaManagerConcurrencyCap(t *testing.T) {
	fc := clock.NewFakeClock(0)
	m := NewLocalQuotaManager(Quota{Concurrency: Int64(2)}, fc)

	require.True(t, m.TryStart())
	require.True(t, m.TryStart())
	assert.False(t, m.TryStart(), "third start should be rejected at concurrency cap")
	assert.Equal(t, int64(2), m.ActiveCount())

	m.End()
	assert.Equal(t, int64(1), m.ActiveCount())
	assert.True(t, m.TryStart())
}

func TestLocalQuotaManagerEndClampsAtZero(t *testing.T) {
	m := NewLocalQuotaManager(Quota{Concurrency: Int64(1)}, clock.NewFakeClock(0))

	m.End()
	m.End()
	assert.Equal(t, int64(0), m.ActiveCount())
}

func TestLocalQuotaManagerSlidingWindowRate(t *testing.T) {
	fc := clock.NewFakeClock(0)
	m := NewLocalQuotaManager(Quota{Rate: Int64(3), Interval: Int64(1000)}, fc)

	assert.True(t, m.TryStart())
	assert.True(t, m.TryStart())
	assert.True(t, m.TryStart())
	assert.False(t, m.TryStart(), "fourth start within window should be rejected")

	fc.Advance(1001)
	assert.True(t, m.TryStart(), "window should have slid past the first three starts")
}

func TestLocalQuotaManagerSlidingWindowEvictsOnlyExpiredStarts(t *testing.T) {
	fc := clock.NewFakeClock(0)
	m := NewLocalQuotaManager(Quota{Rate: Int64(2), Interval: Int64(1000)}, fc)

	require.True(t, m.TryStart()) // t=0
	fc.Advance(600)
	require.True(t, m.TryStart()) // t=600
	assert.False(t, m.TryStart(), "still within window for both prior starts")

	fc.Advance(401) // t=1001, first start (t=0) now outside the 1000ms window
	assert.True(t, m.TryStart(), "first start should have expired, freeing one slot")
	assert.False(t, m.TryStart(), "second start (t=600) is still within its window")
}

func TestLocalQuotaManagerCombinesRateAndConcurrency(t *testing.T) {
	fc := clock.NewFakeClock(0)
	m := NewLocalQuotaManager(Quota{
		Rate:        Int64(5),
		Interval:    Int64(1000),
		Concurrency: Int64(1),
	}, fc)

	require.True(t, m.TryStart())
	assert.False(t, m.TryStart(), "concurrency cap of 1 should bind before rate does")
}

func TestLocalQuotaManagerUnboundedQuotaAlwaysAdmits(t *testing.T) {
	m := NewLocalQuotaManager(Quota{}, clock.NewFakeClock(0))
	for i := 0; i < 1000; i++ {
		assert.True(t, m.TryStart())
	}
}

func TestLocalQuotaManagerSetQuotaPreservesActiveCount(t *testing.T) {
	m := NewLocalQuotaManager(Quota{Concurrency: Int64(5)}, clock.NewFakeClock(0))

	require.True(t, m.TryStart())
	require.True(t, m.TryStart())
	assert.Equal(t, int64(2), m.ActiveCount())

	m.setQuota(Quota{Concurrency: Int64(2)})
	assert.Equal(t, int64(2), m.ActiveCount())
	assert.False(t, m.TryStart(), "re-shared quota should apply immediately against the preserved count")
}

func TestLocalQuotaManagerEffectiveQuotaReflectsCurrentQuota(t *testing.T) {
	q := Quota{Concurrency: Int64(4)}
	m := NewLocalQuotaManager(q, clock.NewFakeClock(0))

	got := m.EffectiveQuota()
	require.NotNil(t, got.Concurrency)
	assert.Equal(t, int64(4), *got.Concurrency)
}
