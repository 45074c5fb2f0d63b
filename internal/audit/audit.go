package audit

import (
	"context"

	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
)

// Audit actions for discussion-service.
const (
	ActionMount         = "overlay.mount"
	ActionUnmount       = "overlay.unmount"
	ActionSendMessage   = "overlay.send_message"
	ActionSendFailed    = "overlay.send_failed"
	ActionDeleteMessage = "overlay.delete_message"
	ActionDeleteFailed  = "overlay.delete_failed"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, userID int64, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Int64(log.FieldUserID, userID).
		Msg(msg)
}

// LogTarget emits an audit log naming the affected message.
func LogTarget(ctx context.Context, action string, userID int64, targetID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Int64(log.FieldUserID, userID).
		Str(FieldTargetID, targetID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, userID int64, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Int64(log.FieldUserID, userID).
		Str(FieldDetail, detail).
		Msg(msg)
}
