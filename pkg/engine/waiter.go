package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for wait actions.
const (
	DefaultStopStartTimeout          = 600 * time.Second
	DefaultReservationVerifyTimeout  = 30 * time.Second
	DefaultStopStartPollInterval     = 5 * time.Second
	DefaultReservationPollInterval   = 2 * time.Second
	DefaultReservationVerifyProperty = "State"
	DefaultResourceStateProperty     = "State"
)

// Waiter polls a resource or reservation property until it reaches one of a
// set of desired values or a timeout elapses.
type Waiter struct {
	client   ResourceClient
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWaiter creates a waiter over the given client.
func NewWaiter(client ResourceClient, observer Observer, logger zerolog.Logger) *Waiter {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Waiter{
		client:   client,
		observer: observer,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// WaitFor polls at spec.PollInterval and returns the observed value as soon as
// it is one of spec.DesiredValues. Once spec.Timeout has elapsed it returns a
// timeout error without polling again. Describe errors flagged temporary are
// tolerated; any other error ends the wait. Cancelling ctx ends the wait
// promptly with a cancelled error.
func (w *Waiter) WaitFor(ctx context.Context, spec WaitSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", NewConfigurationError("invalid wait spec", err)
	}

	desired := make(map[string]struct{}, len(spec.DesiredValues))
	for _, v := range spec.DesiredValues {
		desired[v] = struct{}{}
	}

	start := w.now()
	deadline := start.Add(spec.Timeout)
	last := ""
	polls := 0

	for {
		if err := ctx.Err(); err != nil {
			return last, NewCancelledError("wait cancelled", err)
		}

		observed, err := w.observe(ctx, spec)
		polls++
		w.observer.WaitPolled(ctx, spec, observed, err)
		switch {
		case err == nil:
			last = observed
			if _, ok := desired[observed]; ok {
				w.logger.Debug().
					Str("subject_id", spec.SubjectID).
					Str("observed", observed).
					Int("polls", polls).
					Dur("elapsed", w.now().Sub(start)).
					Msg("Wait condition reached")
				return observed, nil
			}
		case IsCancelled(err):
			return last, NewCancelledError("wait cancelled", err)
		case IsTemporary(err):
			w.logger.Warn().Err(err).Str("subject_id", spec.SubjectID).Msg("Transient error while polling, continuing")
		default:
			return last, classify(err)
		}

		remaining := deadline.Sub(w.now())
		if remaining <= 0 {
			return last, waitTimeout(spec, last, polls)
		}

		delay := spec.PollInterval
		if delay > remaining {
			delay = remaining
		}
		if err := w.sleep(ctx, delay); err != nil {
			return last, NewCancelledError("wait cancelled", err)
		}

		// No poll may start at or past the deadline.
		if !w.now().Before(deadline) {
			return last, waitTimeout(spec, last, polls)
		}
	}
}

func (w *Waiter) observe(ctx context.Context, spec WaitSpec) (string, error) {
	property := spec.PropertySelector
	if property == "" {
		property = DefaultResourceStateProperty
	}

	var doc map[string]interface{}
	switch spec.Subject {
	case WaitSubjectReservation:
		r, err := w.client.DescribeReservation(ctx, spec.SubjectID)
		if err != nil {
			return "", err
		}
		doc = reservationDocument(r)
	default:
		d, err := w.client.DescribeResource(ctx, spec.SubjectID)
		if err != nil {
			return "", err
		}
		doc = d.Document()
	}

	raw, err := Select(doc, selectorFor(property, doc), property)
	if err != nil {
		return "", NewAPIError("could not read polled property", err).WithCode(ErrCodeSelector)
	}
	v, err := ValueOf(raw)
	if err != nil {
		return "", NewAPIError("could not read polled property", err).WithCode(ErrCodeSelector)
	}
	return v.String(), nil
}

// selectorFor treats a bare top-level key as a field lookup and anything else
// as an expression.
func selectorFor(property string, doc map[string]interface{}) string {
	if _, ok := doc[property]; ok {
		return ""
	}
	return property
}

func reservationDocument(r *Reservation) map[string]interface{} {
	return map[string]interface{}{
		"ReservationId":    r.ReservationID,
		"State":            r.State,
		"InstanceType":     r.InstanceType,
		"AvailabilityZone": r.AvailabilityZone,
	}
}

func waitTimeout(spec WaitSpec, last string, polls int) *EngineError {
	return NewTimeoutError(
		fmt.Sprintf("%s %s did not reach %v within %s (last observed %q)",
			spec.Subject, spec.SubjectID, spec.DesiredValues, spec.Timeout, last), nil).
		WithDetail("polls", polls).
		WithDetail("last_observed", last)
}
