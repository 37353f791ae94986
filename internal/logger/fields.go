package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldRunnerID identifies one queue runner invocation
	FieldRunnerID = "runner_id"

	// FieldJobID is the queue job ID
	FieldJobID = "job_id"

	// FieldStoreID is the store whose indices are being written
	FieldStoreID = "store_id"

	// FieldIndexName is the remote index name
	FieldIndexName = "index_name"

	// FieldEntity is the entity kind (products, categories, ...)
	FieldEntity = "entity"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// ============================================
// Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldTaskID is the remote task ID returned by write operations
	FieldTaskID = "task_id"
)
