package api

import (
	"encoding/json"
	"time"
)

type (
	// JobType tags the kind of work a queue job carries
	JobType string

	// Environment distinguishes production runs from test runs
	Environment string

	// ExecutionType tells the engine whether a flow starts or resumes
	ExecutionType string

	// Job is the queue-level unit of work
	Job struct {
		ID                JobID           `json:"id"`
		JobType           JobType         `json:"jobType"`
		SchemaVersion     int             `json:"schemaVersion"`
		ProjectID         ProjectID       `json:"projectId,omitempty"`
		PlatformID        PlatformID      `json:"platformId"`
		Environment       Environment     `json:"environment"`
		FlowVersionID     FlowVersionID   `json:"flowVersionId,omitempty"`
		RunID             RunID           `json:"runId,omitempty"`
		ExecutionType     ExecutionType   `json:"executionType,omitempty"`
		Attempts          int             `json:"attempts,omitempty"`
		RateLimitAttempts int             `json:"rateLimitAttempts,omitempty"`
		Priority          int             `json:"priority,omitempty"`
		Data              json.RawMessage `json:"data,omitempty"`
	}
)

const (
	JobTypeExecuteFlow        JobType = "EXECUTE_FLOW"
	JobTypeExecuteWebhook     JobType = "EXECUTE_WEBHOOK"
	JobTypeExecutePolling     JobType = "EXECUTE_POLLING"
	JobTypeRenewWebhook       JobType = "RENEW_WEBHOOK"
	JobTypeExecuteTriggerHook JobType = "EXECUTE_TRIGGER_HOOK"
	JobTypeExecuteProperty    JobType = "EXECUTE_PROPERTY"
	JobTypeExtractPieceInfo   JobType = "EXTRACT_PIECE_INFORMATION"
	JobTypeExecuteValidation  JobType = "EXECUTE_VALIDATION"

	// JobTypeDelayedFlow is deprecated. Queues may still hold these jobs;
	// they are accepted and discarded
	JobTypeDelayedFlow JobType = "DELAYED_FLOW"
)

const (
	EnvironmentProduction Environment = "PRODUCTION"
	EnvironmentTesting    Environment = "TESTING"
)

const (
	ExecutionBegin  ExecutionType = "BEGIN"
	ExecutionResume ExecutionType = "RESUME"
)

// LatestSchemaVersion is the job schema version consumers operate on
const LatestSchemaVersion = 3

// IsDeprecated reports whether jobs of this type are discarded on sight
func (t JobType) IsDeprecated() bool {
	return t == JobTypeDelayedFlow
}

// OperationType maps a job kind to the sandbox operation that serves it
func (t JobType) OperationType() (OperationType, bool) {
	switch t {
	case JobTypeExecuteFlow:
		return OperationExecuteFlow, true
	case JobTypeExecuteWebhook, JobTypeExecutePolling,
		JobTypeRenewWebhook, JobTypeExecuteTriggerHook:
		return OperationExecuteTriggerHook, true
	case JobTypeExecuteProperty:
		return OperationExecuteProperty, true
	case JobTypeExtractPieceInfo:
		return OperationExtractPieceMetadata, true
	case JobTypeExecuteValidation:
		return OperationExecuteValidation, true
	default:
		return "", false
	}
}

// IsTestRun reports whether the job belongs to a test or trial run
func (j *Job) IsTestRun() bool {
	return j.Environment == EnvironmentTesting
}

// Operation builds the sandbox operation that executes this job
func (j *Job) Operation() Operation {
	return Operation{
		PlatformID:    j.PlatformID,
		ProjectID:     j.ProjectID,
		FlowVersionID: j.FlowVersionID,
		Payload:       j.operationPayload(),
	}
}

func (j *Job) operationPayload() json.RawMessage {
	if j.ExecutionType == "" && j.RunID == "" {
		return j.Data
	}
	payload := map[string]any{}
	if len(j.Data) > 0 {
		if err := json.Unmarshal(j.Data, &payload); err != nil {
			return j.Data
		}
	}
	if j.RunID != "" {
		payload["runId"] = j.RunID
	}
	if j.ExecutionType != "" {
		payload["executionType"] = j.ExecutionType
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return j.Data
	}
	return data
}

// Timeout picks the task timeout for this job from the flow and trigger
// timeouts
func (j *Job) Timeout(flow, trigger time.Duration) time.Duration {
	if j.JobType == JobTypeExecuteFlow {
		return flow
	}
	return trigger
}
