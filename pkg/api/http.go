package api

type (
	// HealthResponse provides service health information
	HealthResponse struct {
		Service string `json:"service"`
		Version string `json:"version"`
		Status  string `json:"status"`
		Error   string `json:"error,omitempty"`
	}

	// ErrorResponse contains error details for failed requests
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status,omitempty"`
	}

	// GenerationResponse reports the current execution generation
	GenerationResponse struct {
		Generation int64 `json:"generation"`
	}

	// ExecuteRequest asks the worker to run one operation synchronously
	ExecuteRequest struct {
		OperationType  OperationType `json:"operationType"`
		Operation      Operation     `json:"operation"`
		TimeoutSeconds int           `json:"timeoutSeconds,omitempty"`
	}

	// SlotStatus describes one worker slot
	SlotStatus struct {
		Index      int       `json:"index"`
		SandboxID  SandboxID `json:"sandboxId"`
		Generation int64     `json:"generation"`
		Alive      bool      `json:"alive"`
		Connected  bool      `json:"connected"`
		Busy       bool      `json:"busy"`
	}

	// PoolStatus describes the execution pool
	PoolStatus struct {
		Size       int          `json:"size"`
		Generation int64        `json:"generation"`
		Reusable   bool         `json:"reusable"`
		Slots      []SlotStatus `json:"slots"`
	}

	// EnqueueRequest submits a job to the queue, due after DelayMs
	EnqueueRequest struct {
		Job     Job   `json:"job"`
		DelayMs int64 `json:"delayMs,omitempty"`
	}

	// EnqueueResponse identifies an enqueued job
	EnqueueResponse struct {
		ID JobID `json:"id"`
	}

	// QueueLengthResponse reports how many jobs are waiting
	QueueLengthResponse struct {
		Waiting int64 `json:"waiting"`
	}

	// StepKeysResponse lists the step outputs recorded for a run
	StepKeysResponse struct {
		RunID RunID    `json:"runId"`
		Keys  []string `json:"keys"`
	}
)

const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)
