package metrickeys

const (
	Prefix = "taskrun."

	// Storage
	StorageOperation      = Prefix + "storage.operation"
	StorageOperationError = Prefix + "storage.operation.error"
	StorageBytesWritten   = Prefix + "storage.bytes_written"

	TenantRootCacheSize = Prefix + "storage.tenant_root.cache.size"
	TenantRootResolved  = Prefix + "storage.tenant_root.resolved"

	// Staging
	StagedInputs    = Prefix + "staging.inputs"
	HarvestedOutput = Prefix + "staging.outputs"

	// Attempts
	AttemptProcessed = Prefix + "attempt.processed"
	AttemptDelay     = Prefix + "attempt.time_in_queue"
	AttemptFailed    = Prefix + "attempt.failed"
)

// Tag names
const (
	// Storage backend being used
	Backend = "backend"

	// Storage operation, e.g. "put"
	Operation = "operation"

	Tenant = "tenant"

	TaskType = "task_type"

	// Reason for evicting an entry from a cache
	EvictionReason = "reason"
)
