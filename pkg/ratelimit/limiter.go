package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ratelimit/pkg/clock"
)

const defaultDispatchTick = 100 * time.Millisecond

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithClock overrides the time source; tests pass a *clock.FakeClock.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithDispatchTick overrides the admission-loop polling cadence (spec.md
// §4.3's "dispatch tick"). Defaults to 100ms.
func WithDispatchTick(d time.Duration) Option {
	return func(l *Limiter) { l.dispatchTick = d }
}

// WithLogger attaches a structured logger. Nil (the default) logs through
// the logrus standard logger.
func WithLogger(log *logrus.Entry) Option {
	return func(l *Limiter) { l.log = log }
}

// Limiter is the facade/dispatcher from spec.md §4.3: callers hand it an
// operation via Schedule; a single dispatcher goroutine admits queued
// waiters against a QuotaManager in FIFO order, subject to each waiter's
// deadline.
type Limiter struct {
	quotaManager QuotaManager
	clock        clock.Clock
	dispatchTick time.Duration
	log          *logrus.Entry

	passthrough bool
	warnOnce    sync.Once

	mu    sync.Mutex
	queue *list.List // of *pendingWaiter

	wake     chan struct{}
	closedCh chan struct{}
	closeOnce sync.Once
	doneCh   chan struct{}
}

// New builds a Limiter enforcing quota directly. An empty/absent Quota
// (Quota{}) yields a pass-through limiter per spec.md §4.3. WithClock, if
// given, governs both dispatch-deadline checks and the quota's own sliding
// window, so tests can drive both with a single *clock.FakeClock.
func New(quota Quota, opts ...Option) *Limiter {
	l := newLimiter(opts...)
	l.quotaManager = NewLocalQuotaManager(quota, l.clock)
	l.passthrough = l.quotaManager.EffectiveQuota().IsZero()

	go l.run()
	return l
}

// NewWithManager builds a Limiter around a pre-built QuotaManager — the
// "or quota manager" construction path from spec.md §4.3, used by
// DistributedQuotaManager callers. The manager's own clock is whatever it
// was built with; WithClock here only affects dispatch-deadline checks.
func NewWithManager(mgr QuotaManager, opts ...Option) *Limiter {
	l := newLimiter(opts...)
	l.quotaManager = mgr
	l.passthrough = mgr.EffectiveQuota().IsZero()

	go l.run()
	return l
}

func newLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		clock:        clock.Default,
		dispatchTick: defaultDispatchTick,
		queue:        list.New(),
		wake:         make(chan struct{}, 1),
		closedCh:     make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) logf() *logrus.Entry {
	if l.log != nil {
		return l.log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Schedule enqueues op and blocks until it has been admitted and run, its
// queue wait exceeded the quota's MaxDelay, the limiter was closed, or ctx
// was canceled. Operation errors are propagated unchanged.
func (l *Limiter) Schedule(ctx context.Context, op func() (any, error)) (any, error) {
	if l.passthrough {
		l.warnOnce.Do(func() {
			l.logf().Warn("ratelimit: empty quota, operating as pass-through limiter")
		})
		return op()
	}

	select {
	case <-l.closedCh:
		return nil, ErrClosed
	default:
	}

	now := l.clock.NowMillis()
	w := &pendingWaiter{
		op:          op,
		enqueueTime: now,
		result:      make(chan waiterResult, 1),
	}
	if q := l.quotaManager.EffectiveQuota(); q.hasMaxDelay() {
		w.deadline = now + *q.MaxDelay
	}

	l.mu.Lock()
	w.elem = l.queue.PushBack(w)
	l.mu.Unlock()
	l.signalWake()

	select {
	case res := <-w.result:
		return res.value, res.err
	case <-ctx.Done():
		l.mu.Lock()
		if !w.settled {
			w.settled = true
			l.queue.Remove(w.elem)
			l.mu.Unlock()
			return nil, ctx.Err()
		}
		l.mu.Unlock()
		res := <-w.result
		return res.value, res.err
	}
}

// Close stops the dispatcher goroutine and rejects every still-queued
// waiter with ErrClosed. Safe to call more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.closedCh)
	})
	<-l.doneCh
}

func (l *Limiter) signalWake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// run is the dispatcher goroutine: it owns queue admission end-to-end.
func (l *Limiter) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-l.closedCh:
			l.rejectAll(ErrClosed)
			return
		case <-ticker.C:
			l.drain()
		case <-l.wake:
			l.drain()
		}
	}
}

// drain implements spec.md §4.3's three-step admission algorithm,
// repeating it for successive heads within the same tick until the queue
// is empty or the head can neither be admitted nor rejected.
func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		front := l.queue.Front()
		if front == nil {
			l.mu.Unlock()
			return
		}
		w := front.Value.(*pendingWaiter)

		if l.quotaManager.TryStart() {
			l.queue.Remove(front)
			w.settled = true
			l.mu.Unlock()
			l.runOperation(w)
			continue
		}

		if w.hasDeadline() && l.clock.NowMillis() >= w.deadline {
			waited := l.clock.NowMillis() - w.enqueueTime
			l.queue.Remove(front)
			w.settled = true
			l.mu.Unlock()
			w.settle(nil, newTimeoutError(waited))
			continue
		}

		l.mu.Unlock()
		return
	}
}

// runOperation invokes an admitted waiter's operation off the dispatcher
// goroutine so a slow operation never blocks admission of the rest of the
// queue, then releases its quota slot exactly once on completion.
func (l *Limiter) runOperation(w *pendingWaiter) {
	go func() {
		value, err := w.op()
		l.quotaManager.End()
		w.settle(value, err)
	}()
}

func (l *Limiter) rejectAll(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for e := l.queue.Front(); e != nil; e = e.Next() {
		w := e.Value.(*pendingWaiter)
		w.settled = true
		w.settle(nil, err)
	}
	l.queue.Init()
}

// ActiveCount exposes the underlying QuotaManager's in-flight count, used
// by internal/adminapi for introspection.
func (l *Limiter) ActiveCount() int64 {
	return l.quotaManager.ActiveCount()
}

// EffectiveQuota exposes the underlying QuotaManager's current quota.
func (l *Limiter) EffectiveQuota() Quota {
	return l.quotaManager.EffectiveQuota()
}

// QueueDepth reports the number of waiters currently queued.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}
