package log

const (
	NamespaceKey = "taskrun"

	TenantIDKey      = NamespaceKey + ".tenant.id"
	FlowNamespaceKey = NamespaceKey + ".flow.namespace"
	FlowIDKey        = NamespaceKey + ".flow.id"
	FlowRevisionKey  = NamespaceKey + ".flow.revision"

	ExecutionIDKey = NamespaceKey + ".execution.id"
	TaskIDKey      = NamespaceKey + ".task.id"
	TaskRunIDKey   = NamespaceKey + ".task_run.id"
	TaskTypeKey    = NamespaceKey + ".task.type"
	AttemptKey     = NamespaceKey + ".attempt"
	AttemptIDKey   = NamespaceKey + ".attempt.id"

	URIKey        = NamespaceKey + ".storage.uri"
	PathKey       = NamespaceKey + ".path"
	WorkingDirKey = NamespaceKey + ".working_dir"

	FileNameKey = NamespaceKey + ".file.name"
	CountKey    = NamespaceKey + ".count"

	DurationKey = NamespaceKey + ".duration_ms"
)
