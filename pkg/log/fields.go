package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID   = "user_id"
	FieldUsername = "username"

	// Discussion
	FieldTopicID   = "topic_id"
	FieldMessageID = "message_id"
	FieldClientID  = "client_id"
	FieldState     = "state"

	// Service
	FieldService    = "service"
	FieldInstanceID = "instance_id"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
