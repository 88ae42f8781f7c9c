package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldOwnerID   = "owner_id"
	FieldComponent = "component"
	// FieldStage is the orchestrator step currently running (transcribe, analyze, persist).
	FieldStage  = "stage"
	FieldSource = "source_type"
)

// Metric fields, used for aggregation and alerting.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
)
