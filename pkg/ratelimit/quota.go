package ratelimit

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Quota is the immutable configuration record consumed by every layer of
// the limiter. Pointer fields distinguish "absent" (nil, unbounded) from
// "explicitly zero".
type Quota struct {
	// Interval is the sliding-window length in milliseconds. Must be set
	// together with Rate.
	Interval *int64 `validate:"omitempty,gt=0"`

	// Rate is the maximum number of admitted starts per Interval. Must be
	// set together with Interval.
	Rate *int64 `validate:"omitempty,gte=0"`

	// Concurrency is the maximum number of simultaneously in-flight
	// operations. Nil means unbounded.
	Concurrency *int64 `validate:"omitempty,gte=0"`

	// MaxDelay is the maximum milliseconds a call may wait in queue before
	// it is rejected with a timeout. Zero or nil disables deadline
	// enforcement.
	MaxDelay *int64 `validate:"omitempty,gte=0"`

	// FastStart only matters for a DistributedQuotaManager: when true, the
	// instance begins accepting work at full quota before peer discovery
	// completes, downshifting as peers are found.
	FastStart bool
}

var quotaValidator = newQuotaValidator()

func newQuotaValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateQuotaCoPresence, Quota{})
	return v
}

// validateQuotaCoPresence enforces spec.md's invariant: if either of
// rate/interval is present, both must be.
func validateQuotaCoPresence(sl validator.StructLevel) {
	q := sl.Current().Interface().(Quota)
	if (q.Interval == nil) != (q.Rate == nil) {
		sl.ReportError(q.Interval, "Interval", "Interval", "raterequiresinterval", "")
		sl.ReportError(q.Rate, "Rate", "Rate", "raterequiresinterval", "")
	}
}

// Validate checks Quota's field constraints and the rate/interval
// co-presence invariant.
func (q Quota) Validate() error {
	if err := quotaValidator.Struct(q); err != nil {
		return fmt.Errorf("invalid quota: %w", err)
	}
	return nil
}

// IsZero reports whether the descriptor carries no rate, concurrency, or
// deadline constraint at all — the pass-through case.
func (q Quota) IsZero() bool {
	return q.Interval == nil && q.Rate == nil && q.Concurrency == nil && q.MaxDelay == nil
}

// hasRate reports whether the sliding-window rate limit is active.
func (q Quota) hasRate() bool {
	return q.Rate != nil && q.Interval != nil
}

// hasConcurrency reports whether the concurrency limit is active.
func (q Quota) hasConcurrency() bool {
	return q.Concurrency != nil
}

// hasMaxDelay reports whether queue-wait deadline enforcement is active.
func (q Quota) hasMaxDelay() bool {
	return q.MaxDelay != nil && *q.MaxDelay > 0
}

// Int64 is a small helper for building Quota literals without manually
// taking the address of a local variable.
func Int64(v int64) *int64 { return &v }

// share computes the per-peer portion of q for a group of the given size,
// flooring per spec.md §4.2. groupSize must be >= 1.
func (q Quota) share(groupSize int) Quota {
	out := Quota{
		Interval:  q.Interval,
		MaxDelay:  q.MaxDelay,
		FastStart: q.FastStart,
	}
	if q.hasRate() {
		out.Rate = Int64(*q.Rate / int64(groupSize))
	}
	if q.hasConcurrency() {
		out.Concurrency = Int64(*q.Concurrency / int64(groupSize))
	}
	return out
}
