package errutil

import (
	"context"
	"errors"
)

// Retryable reports whether repeating the failed operation may succeed.
// Caller mistakes and state conflicts are permanent; infrastructure and
// upstream failures are not. Errors without a status count as retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch StatusOf(err) {
	case StatusBadRequest,
		StatusValidationFailed,
		StatusUnauthorized,
		StatusForbidden,
		StatusNotFound,
		StatusConflict,
		StatusUnprocessableEntity,
		StatusUnsupportedMediaType,
		StatusPayloadTooLarge,
		StatusNotImplemented:
		return false
	}
	return true
}
