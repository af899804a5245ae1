package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// capacityCodes are the error codes EC2 uses when a zone has no capacity
// for the requested type.
var capacityCodes = map[string]bool{
	"InsufficientInstanceCapacity":         true,
	"InsufficientCapacity":                 true,
	"InsufficientHostCapacity":             true,
	"InsufficientReservedInstanceCapacity": true,
	"InsufficientCapacityOnHost":           true,
	"ReservationCapacityExceeded":          true,
}

var throttleCodes = map[string]bool{
	"RequestLimitExceeded":      true,
	"Throttling":                true,
	"ThrottlingException":       true,
	"TooManyRequestsException":  true,
	"RequestThrottledException": true,
}

var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound":             true,
	"InvalidInstanceID.Malformed":            true,
	"InvalidCapacityReservationId.NotFound":  true,
	"InvalidCapacityReservationId.Malformed": true,
	"InvalidInstanceId":                      true,
	"InvalidDocument":                        true,
}

var deniedCodes = map[string]bool{
	"UnauthorizedOperation": true,
	"AuthFailure":           true,
	"AccessDenied":          true,
	"AccessDeniedException": true,
	"ExpiredToken":          true,
}

// classify maps an SDK error onto the engine's error kinds. Context errors
// pass through unchanged so the engine reports them as cancellation.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// No response from the service, e.g. a network failure.
		return engine.NewAPIError(fmt.Sprintf("%s request failed", op), err).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation(op).
			WithTemporary(true)
	}

	code := apiErr.ErrorCode()
	switch {
	case capacityCodes[code]:
		return engine.NewTransientCapacityError(apiErr.ErrorMessage(), err).
			WithCode(code).
			WithOperation(op)
	case throttleCodes[code]:
		return engine.NewAPIError("request throttled", err).
			WithCode(engine.ErrCodeRateLimited).
			WithOperation(op).
			WithTemporary(true).
			WithDetail("aws_code", code)
	case notFoundCodes[code]:
		return engine.NewAPIError(apiErr.ErrorMessage(), err).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(op).
			WithDetail("aws_code", code)
	case deniedCodes[code]:
		return engine.NewAPIError(apiErr.ErrorMessage(), err).
			WithCode(engine.ErrCodePermissionDenied).
			WithOperation(op).
			WithDetail("aws_code", code)
	default:
		return engine.NewAPIError(apiErr.ErrorMessage(), err).
			WithCode(code).
			WithOperation(op).
			WithTemporary(apiErr.ErrorFault() == smithy.FaultServer)
	}
}

// errorCode returns the service error code of err, if any.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
