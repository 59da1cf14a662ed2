package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (matches pkg/middleware/auth.go keys)
	FieldUserID = "user_id"

	// Service
	FieldService = "service"

	// Stream
	FieldStreamKey = "stream_key"
	FieldHook      = "hook"
	FieldState     = "state"
	FieldViewers   = "viewer_count"

	// Lifecycle
	FieldStage = "stage"
	FieldFault = "fault"
)
