package inbox

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNoActiveConversation indicates an action that needs a selected conversation.
	ErrNoActiveConversation = errors.New("inbox: no active conversation")
	// ErrEmptyMessage indicates a send without text or template.
	ErrEmptyMessage = errors.New("inbox: message content required")
	// ErrUnknownMessage indicates that no retryable message matches a correlation id.
	ErrUnknownMessage = errors.New("inbox: unknown message")

	errMissingAPI  = errors.New("inbox: rest api is required")
	errMissingPush = errors.New("inbox: push channel is required")
)

const (
	opReconcilerNew     = "inbox.reconciler.new"
	opLoadConversations = "inbox.load_conversations"
	opSelect            = "inbox.select_conversation"
	opMarkRead          = "inbox.mark_read"
	opSend              = "inbox.send_message"
	opRetry             = "inbox.retry_message"
	opRestoreCache      = "inbox.restore_cache"
	opHandleEvent       = "inbox.handle_event"

	reasonMissingAPI     = "missing_api"
	reasonMissingPush    = "missing_push"
	reasonRESTFailed     = "rest_failed"
	reasonCacheFailed    = "cache_failed"
	reasonInvalidPayload = "invalid_payload"
	reasonRoomFailed     = "room_failed"
	reasonIDFailed       = "id_failed"
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
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ReconcilerError{code: code, err: cause}
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
	r.logger.Error("inbox operation failed", allFields...)
}
