package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for the capacity reservation retry loop.
const (
	DefaultMaxAttempts   = 5
	DefaultRetryInterval = 30 * time.Second
)

// RetryPolicy decides whether a failed attempt is retried and after how long.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration

	// Retryable classifies errors. Nil retries only transient capacity errors.
	Retryable func(error) bool
}

// NewRetryPolicy creates a policy from a retry spec.
func NewRetryPolicy(spec RetrySpec) RetryPolicy {
	return RetryPolicy{MaxAttempts: spec.MaxAttempts, Interval: spec.Interval}
}

// Next reports whether attempt (1-based) failing with err should be followed
// by another attempt, and the delay before it.
func (p RetryPolicy) Next(attempt int, err error) (bool, time.Duration) {
	if err == nil || attempt >= p.MaxAttempts {
		return false, 0
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransientCapacity
	}
	if !retryable(err) {
		return false, 0
	}
	return true, p.Interval
}

// CapacityReservationProcedure wraps CreateReservation with a RetryPolicy to
// absorb transient capacity shortages.
type CapacityReservationProcedure struct {
	client   ResourceClient
	observer Observer
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewCapacityReservationProcedure creates a procedure over the given client.
func NewCapacityReservationProcedure(client ResourceClient, observer Observer, logger zerolog.Logger) *CapacityReservationProcedure {
	if observer == nil {
		observer = NopObserver{}
	}
	return &CapacityReservationProcedure{
		client:   client,
		observer: observer,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Acquire calls CreateReservation up to spec.MaxAttempts times. Success returns
// at once. Only transient capacity errors are retried; any other error is
// returned after that single call. Exhaustion returns a capacity exhausted
// error wrapping the last capacity error. The number of CreateReservation
// calls made is returned in every case.
func (p *CapacityReservationProcedure) Acquire(ctx context.Context, spec RetrySpec, req ReservationRequest) (*Reservation, int, error) {
	if err := spec.Validate(); err != nil {
		return nil, 0, NewConfigurationError("invalid retry spec", err)
	}
	if req.InstanceCount <= 0 {
		req.InstanceCount = 1
	}
	policy := NewRetryPolicy(spec)

	for attempt := 1; ; attempt++ {
		reservation, err := p.client.CreateReservation(ctx, req)
		p.observer.ReservationAttempt(ctx, attempt, err)
		if err == nil {
			p.logger.Info().
				Str("reservation_id", reservation.ReservationID).
				Int("attempt", attempt).
				Msg("Capacity reservation created")
			return reservation, attempt, nil
		}

		retry, delay := policy.Next(attempt, err)
		if !retry {
			if IsTransientCapacity(err) {
				return nil, attempt, NewCapacityExhaustedError(attempt, err).
					WithOperation("CreateReservation")
			}
			return nil, attempt, classify(err)
		}

		p.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", spec.MaxAttempts).
			Dur("retry_in", delay).
			Msg("Insufficient capacity, retrying reservation")

		if err := p.sleep(ctx, delay); err != nil {
			return nil, attempt, NewCancelledError("reservation retry interrupted", err)
		}
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
