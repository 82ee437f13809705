package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// MessageType tags a control channel envelope
	MessageType string

	// Envelope is the frame carried by every control channel message
	Envelope struct {
		Type      MessageType     `json:"type"`
		RequestID string          `json:"requestId,omitempty"`
		Data      json.RawMessage `json:"data,omitempty"`
	}

	// OperationMessage is sent from the pool manager to a sandbox
	OperationMessage struct {
		Operation     Operation     `json:"operation"`
		OperationType OperationType `json:"operationType"`
	}

	// SandboxMessage is the closed set of messages a sandbox may send
	SandboxMessage interface {
		sandboxMessage()
	}

	// ResponseMessage carries the terminal engine response of a task
	ResponseMessage struct {
		EngineResponse
	}

	// StdoutMessage carries an incremental chunk of sandbox stdout
	StdoutMessage struct {
		Message string `json:"message"`
	}

	// StderrMessage carries an incremental chunk of sandbox stderr
	StderrMessage struct {
		Message string `json:"message"`
	}

	// ProgressMessage carries a run-progress update. The sandbox waits for
	// an acknowledgement carrying the same RequestID before continuing
	ProgressMessage struct {
		RequestID string          `json:"-"`
		Progress  json.RawMessage `json:"progress"`
	}

	// RunProgress is a progress update as the worker republishes it
	RunProgress struct {
		SandboxID SandboxID       `json:"sandboxId"`
		Progress  json.RawMessage `json:"progress"`
	}
)

const (
	MessageEngineResponse    MessageType = "ENGINE_RESPONSE"
	MessageEngineStdout      MessageType = "ENGINE_STDOUT"
	MessageEngineStderr      MessageType = "ENGINE_STDERR"
	MessageUpdateRunProgress MessageType = "UPDATE_RUN_PROGRESS"

	MessageExecuteOperation     MessageType = "EXECUTE_OPERATION"
	MessageUpdateRunProgressAck MessageType = "UPDATE_RUN_PROGRESS_ACK"
)

var (
	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrProgressRequestID   = errors.New("progress update requires request id")
	ErrInvalidResponseCode = errors.New("invalid engine response status")
)

func (*ResponseMessage) sandboxMessage() {}
func (*StdoutMessage) sandboxMessage()   {}
func (*StderrMessage) sandboxMessage()   {}
func (*ProgressMessage) sandboxMessage() {}

// DecodeSandboxMessage converts an envelope received from a sandbox into its
// concrete message type
func DecodeSandboxMessage(env *Envelope) (SandboxMessage, error) {
	switch env.Type {
	case MessageEngineResponse:
		var msg ResponseMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, err
		}
		if !msg.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidResponseCode, msg.Status)
		}
		return &msg, nil
	case MessageEngineStdout:
		var msg StdoutMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case MessageEngineStderr:
		var msg StderrMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case MessageUpdateRunProgress:
		if env.RequestID == "" {
			return nil, ErrProgressRequestID
		}
		return &ProgressMessage{
			RequestID: env.RequestID,
			Progress:  env.Data,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// EncodeSandboxMessage wraps a sandbox message in its envelope
func EncodeSandboxMessage(msg SandboxMessage) (*Envelope, error) {
	switch m := msg.(type) {
	case *ResponseMessage:
		return newEnvelope(MessageEngineResponse, "", m)
	case *StdoutMessage:
		return newEnvelope(MessageEngineStdout, "", m)
	case *StderrMessage:
		return newEnvelope(MessageEngineStderr, "", m)
	case *ProgressMessage:
		if m.RequestID == "" {
			return nil, ErrProgressRequestID
		}
		return &Envelope{
			Type:      MessageUpdateRunProgress,
			RequestID: m.RequestID,
			Data:      m.Progress,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
}

// NewOperationEnvelope wraps an operation for delivery to a sandbox
func NewOperationEnvelope(
	t OperationType, op Operation,
) (*Envelope, error) {
	return newEnvelope(MessageExecuteOperation, "", &OperationMessage{
		Operation:     op,
		OperationType: t,
	})
}

// NewProgressAck acknowledges a progress update
func NewProgressAck(requestID string) *Envelope {
	return &Envelope{
		Type:      MessageUpdateRunProgressAck,
		RequestID: requestID,
	}
}

func newEnvelope(t MessageType, reqID string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, RequestID: reqID, Data: raw}, nil
}
