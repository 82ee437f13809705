package api

type (
	// JobID is the stable identifier of a queue job
	JobID string

	// ProjectID identifies the project that owns a job
	ProjectID string

	// PlatformID identifies the platform a job or operation belongs to
	PlatformID string

	// FlowVersionID identifies the flow version an operation was built from
	FlowVersionID string

	// RunID identifies one end-to-end execution of a flow
	RunID string

	// SandboxID is the transport identity of a sandbox process
	SandboxID string
)
