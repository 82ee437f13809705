package api

import (
	"encoding/json"
	"net/http"
)

type (
	// EngineStatus is the terminal status of one sandbox task
	EngineStatus string

	// EngineResponse is the single terminal result of an admitted task
	EngineResponse struct {
		Status   EngineStatus    `json:"status"`
		Response json.RawMessage `json:"response,omitempty"`
	}
)

const (
	StatusSuccess       EngineStatus = "SUCCESS"
	StatusTimeout       EngineStatus = "TIMEOUT"
	StatusMemoryIssue   EngineStatus = "MEMORY_ISSUE"
	StatusInternalError EngineStatus = "INTERNAL_ERROR"
)

// NewEngineResponse builds a response with a JSON-encoded payload. A payload
// that cannot be encoded is dropped rather than failing the response
func NewEngineResponse(status EngineStatus, payload any) *EngineResponse {
	res := &EngineResponse{Status: status}
	if payload == nil {
		return res
	}
	if data, err := json.Marshal(payload); err == nil {
		res.Response = data
	}
	return res
}

// Valid reports whether the status is one of the four terminal statuses
func (s EngineStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusTimeout, StatusMemoryIssue, StatusInternalError:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a terminal status to the code returned to synchronous
// callers waiting on a task
func (s EngineStatus) HTTPStatus() int {
	switch s {
	case StatusSuccess:
		return http.StatusOK
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusMemoryIssue:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
