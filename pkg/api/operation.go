package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// OperationType tags the unit of engine work an Operation describes
	OperationType string

	// Operation is one unit of engine work sent to a sandbox
	Operation struct {
		PlatformID    PlatformID      `json:"platformId"`
		ProjectID     ProjectID       `json:"projectId,omitempty"`
		FlowVersionID FlowVersionID   `json:"flowVersionId,omitempty"`
		Payload       json.RawMessage `json:"payload,omitempty"`
	}
)

const (
	OperationExecuteFlow          OperationType = "EXECUTE_FLOW"
	OperationExecuteTriggerHook   OperationType = "EXECUTE_TRIGGER_HOOK"
	OperationExecuteProperty      OperationType = "EXECUTE_PROPERTY"
	OperationExtractPieceMetadata OperationType = "EXTRACT_PIECE_METADATA"
	OperationExecuteValidation    OperationType = "EXECUTE_VALIDATION"
)

var (
	ErrUnknownOperationType = errors.New("unknown operation type")
	ErrPlatformRequired     = errors.New("operation platform is required")
	ErrFlowVersionRequired  = errors.New(
		"operation flow version is required",
	)
)

// Valid reports whether the operation type is one the sandbox understands
func (t OperationType) Valid() bool {
	switch t {
	case OperationExecuteFlow, OperationExecuteTriggerHook,
		OperationExecuteProperty, OperationExtractPieceMetadata,
		OperationExecuteValidation:
		return true
	default:
		return false
	}
}

// CarriesFlowVersion reports whether operations of this type reference a
// flow version. The version is bookkeeping only and never affects scheduling
func (t OperationType) CarriesFlowVersion() bool {
	switch t {
	case OperationExecuteFlow, OperationExecuteTriggerHook,
		OperationExecuteProperty:
		return true
	default:
		return false
	}
}

// Validate checks that the operation is well-formed for the given type
func (o *Operation) Validate(t OperationType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownOperationType, t)
	}
	if o.PlatformID == "" {
		return ErrPlatformRequired
	}
	if t.CarriesFlowVersion() && o.FlowVersionID == "" {
		return fmt.Errorf("%w: %s", ErrFlowVersionRequired, t)
	}
	return nil
}
