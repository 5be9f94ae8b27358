package ratelimit

import (
	"sync"

	"ratelimit/pkg/clock"
)

// QuotaManager decides admission for a single effective Quota and tracks
// in-flight work against it. Implementations must be safe for concurrent
// use; Limiter calls TryStart from its dispatcher goroutine and End from
// each admitted operation's own goroutine, while other goroutines may read
// ActiveCount/EffectiveQuota concurrently.
type QuotaManager interface {
	// TryStart reports whether a new call may begin right now. On true it
	// has already recorded the admission (incremented the active count and,
	// if rate-limited, appended a start timestamp).
	TryStart() bool

	// End releases one admitted slot. Safe to call more times than TryStart
	// returned true; the active count is clamped at zero.
	End()

	// ActiveCount returns the current number of in-flight calls.
	ActiveCount() int64

	// EffectiveQuota returns the Quota currently governing admission
	// decisions. For a LocalQuotaManager this is the configured Quota; for
	// a DistributedQuotaManager it is the live per-peer share.
	EffectiveQuota() Quota
}

// LocalQuotaManager is the in-process admission engine from spec.md §4.1: a
// precise sliding-window rate limiter composed with a concurrency cap.
type LocalQuotaManager struct {
	mu    sync.Mutex
	quota Quota
	clock clock.Clock

	activeCount int64
	starts      []int64 // ascending start timestamps, oldest first
}

// NewLocalQuotaManager builds a QuotaManager enforcing quota using clk as
// the time source. Pass clock.Default (or nil) in production code; pass a
// *clock.FakeClock in tests.
func NewLocalQuotaManager(quota Quota, clk clock.Clock) *LocalQuotaManager {
	if clk == nil {
		clk = clock.Default
	}
	return &LocalQuotaManager{quota: quota, clock: clk}
}

func (m *LocalQuotaManager) TryStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.quota.hasConcurrency() && m.activeCount >= *m.quota.Concurrency {
		return false
	}

	if m.quota.hasRate() {
		now := m.clock.NowMillis()
		cutoff := now - *m.quota.Interval
		m.starts = evictBefore(m.starts, cutoff)
		if int64(len(m.starts)) >= *m.quota.Rate {
			return false
		}
		m.starts = append(m.starts, now)
	}

	m.activeCount++
	return true
}

func (m *LocalQuotaManager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCount > 0 {
		m.activeCount--
	}
}

func (m *LocalQuotaManager) ActiveCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount
}

func (m *LocalQuotaManager) EffectiveQuota() Quota {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quota
}

// setQuota swaps the effective quota. Used by DistributedQuotaManager to
// push a recomputed share without replacing the underlying counters — the
// active count and recorded starts keep meaning across a re-share.
func (m *LocalQuotaManager) setQuota(q Quota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota = q
}

// evictBefore drops every entry strictly older than cutoff. starts is
// ascending, so eviction is a single forward scan.
func evictBefore(starts []int64, cutoff int64) []int64 {
	i := 0
	for i < len(starts) && starts[i] < cutoff {
		i++
	}
	if i == 0 {
		return starts
	}
	return append(starts[:0], starts[i:]...)
}
