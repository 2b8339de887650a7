package tracing

const (
	TenantID = "tenant.id"

	StorageURI     = "storage.uri"
	StorageBackend = "storage.backend"

	FlowNamespace = "flow.namespace"
	FlowID        = "flow.id"

	TaskID    = "task.id"
	TaskType  = "task.type"
	AttemptID = "attempt.id"
)
