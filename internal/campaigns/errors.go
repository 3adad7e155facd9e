package campaigns

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingAPI  = errors.New("campaigns: rest api is required")
	errMissingPush = errors.New("campaigns: push channel is required")
)

const (
	opReconcilerNew = "campaigns.reconciler.new"
	opWatch         = "campaigns.watch"
	opUnwatch       = "campaigns.unwatch"
	opComplete      = "campaigns.complete"

	reasonMissingAPI     = "missing_api"
	reasonMissingPush    = "missing_push"
	reasonInvalidID      = "invalid_id"
	reasonRESTFailed     = "rest_failed"
	reasonCacheFailed    = "cache_failed"
	reasonRoomFailed     = "room_failed"
	reasonInvalidPayload = "invalid_payload"
)

// ReconcilerError carries an "<operation>.<reason>" code alongside the cause.
type ReconcilerError struct {
	code string
	err  error
}

func (e *ReconcilerError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ReconcilerError) Unwrap() error {
	return e.err
}

func (e *ReconcilerError) Code() string {
	return e.code
}

func newReconcilerError(operation, reason string, cause error) error {
	return &ReconcilerError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (r *Reconciler) logError(operation, reason string, err error, fields ...zap.Field) {
	if r == nil || r.logger == nil {
		return
	}
	allFields := make([]zap.Field, 0, len(fields)+3)
	allFields = append(allFields,
		zap.String("operation", operation),
		zap.String("reason", reason),
	)
	allFields = append(allFields, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	r.logger.Error("campaign operation failed", allFields...)
}
