package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
)

type (
	// Executor runs one operation inside the sandbox
	Executor interface {
		Execute(
			ctx context.Context, t api.OperationType, op api.Operation,
			out Output,
		) (*api.EngineResponse, error)
	}

	// ExecutorFunc adapts a function to the Executor interface
	ExecutorFunc func(
		context.Context, api.OperationType, api.Operation, Output,
	) (*api.EngineResponse, error)

	// Output streams side-channel data of a running operation back to the
	// worker. Progress blocks until the worker acknowledges the update
	Output interface {
		Stdout(msg string)
		Stderr(msg string)
		Progress(ctx context.Context, progress json.RawMessage) error
	}

	// Client is the sandbox end of the control channel
	Client struct {
		id      api.SandboxID
		ws      *websocket.Conn
		writeMu sync.Mutex
		acksMu  sync.Mutex
		acks    map[string]chan struct{}
	}

	clientOutput struct {
		client *Client
	}
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 32 * 1024 * 1024
)

var (
	ErrInvalidControlURL = errors.New("invalid control URL")
	ErrDialFailed        = errors.New("control channel dial failed")
	ErrClosed            = errors.New("control channel closed")
)

// Dial connects to the worker's control channel as the given sandbox
func Dial(
	ctx context.Context, controlURL string, id api.SandboxID,
) (*Client, error) {
	u, err := url.Parse(controlURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidControlURL, err)
	}
	q := u.Query()
	q.Set("sandbox_id", string(id))
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}
	return &Client{
		id:   id,
		ws:   ws,
		acks: map[string]chan struct{}{},
	}, nil
}

// Execute calls f
func (f ExecutorFunc) Execute(
	ctx context.Context, t api.OperationType, op api.Operation, out Output,
) (*api.EngineResponse, error) {
	return f(ctx, t, op, out)
}

// Run serves operations from the worker until the connection closes or ctx
// is cancelled. Each operation receives exactly one engine response
func (c *Client) Run(ctx context.Context, exec Executor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return c.ws.WriteControl(websocket.PongMessage, []byte(data),
			time.Now().Add(writeWait))
	})

	go func() {
		<-ctx.Done()
		_ = c.ws.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		var env api.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}

		switch env.Type {
		case api.MessageExecuteOperation:
			var msg api.OperationMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				slog.Error("Invalid operation message",
					log.SandboxID(c.id),
					log.Error(err))
				c.respond(api.NewEngineResponse(api.StatusInternalError,
					errorPayload(err)))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.execute(ctx, exec, &msg)
			}()
		case api.MessageUpdateRunProgressAck:
			c.ack(env.RequestID)
		default:
			slog.Warn("Unexpected control message",
				log.SandboxID(c.id),
				slog.String("type", string(env.Type)))
		}
	}
}

// Close closes the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, []byte{},
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Client) execute(
	ctx context.Context, exec Executor, msg *api.OperationMessage,
) {
	out := &clientOutput{client: c}
	res, err := exec.Execute(ctx, msg.OperationType, msg.Operation, out)
	switch {
	case err != nil:
		slog.Error("Operation failed",
			log.SandboxID(c.id),
			log.OperationType(msg.OperationType),
			log.Error(err))
		res = api.NewEngineResponse(api.StatusInternalError,
			errorPayload(err))
	case res == nil || !res.Status.Valid():
		res = api.NewEngineResponse(api.StatusInternalError,
			errorPayload(api.ErrInvalidResponseCode))
	}
	c.respond(res)
}

func (c *Client) respond(res *api.EngineResponse) {
	if err := c.send(&api.ResponseMessage{EngineResponse: *res}); err != nil {
		slog.Error("Failed to send engine response",
			log.SandboxID(c.id),
			log.Error(err))
	}
}

func (c *Client) send(msg api.SandboxMessage) error {
	env, err := api.EncodeSandboxMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

func (c *Client) progress(
	ctx context.Context, progress json.RawMessage,
) error {
	reqID := uuid.NewString()
	ack := make(chan struct{})
	c.acksMu.Lock()
	c.acks[reqID] = ack
	c.acksMu.Unlock()
	defer func() {
		c.acksMu.Lock()
		delete(c.acks, reqID)
		c.acksMu.Unlock()
	}()

	err := c.send(&api.ProgressMessage{
		RequestID: reqID,
		Progress:  progress,
	})
	if err != nil {
		return err
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) ack(reqID string) {
	c.acksMu.Lock()
	defer c.acksMu.Unlock()
	if ch, ok := c.acks[reqID]; ok {
		close(ch)
		delete(c.acks, reqID)
	}
}

func (o *clientOutput) Stdout(msg string) {
	_ = o.client.send(&api.StdoutMessage{Message: msg})
}

func (o *clientOutput) Stderr(msg string) {
	_ = o.client.send(&api.StderrMessage{Message: msg})
}

func (o *clientOutput) Progress(
	ctx context.Context, progress json.RawMessage,
) error {
	return o.client.progress(ctx, progress)
}

func errorPayload(err error) map[string]string {
	return map[string]string{"message": err.Error()}
}
