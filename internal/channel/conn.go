package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
)

// Conn is one sandbox's control connection
type Conn struct {
	id        api.SandboxID
	server    *Server
	ws        *websocket.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	handlers  *Handlers
	done      chan struct{}
	closeOnce sync.Once
}

const incomingBufferSize = 16

func newConn(s *Server, id api.SandboxID, ws *websocket.Conn) *Conn {
	return &Conn{
		id:     id,
		server: s,
		ws:     ws,
		done:   make(chan struct{}),
	}
}

// Close ends the connection. The sandbox sees its socket close
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *Conn) run() {
	defer func() {
		c.server.unregister(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	incoming := make(chan []byte, incomingBufferSize)
	go c.readMessages(incoming)

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-incoming:
			if !ok {
				return
			}
			c.dispatch(message)
		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Conn) readMessages(incoming chan<- []byte) {
	defer close(incoming)
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case incoming <- message:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) dispatch(message []byte) {
	var env api.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		slog.Error("Failed to parse sandbox message",
			log.SandboxID(c.id),
			log.Error(err))
		return
	}
	msg, err := api.DecodeSandboxMessage(&env)
	if err != nil {
		slog.Error("Invalid sandbox message",
			log.SandboxID(c.id),
			log.Error(err))
		return
	}

	h := c.currentHandlers()
	switch m := msg.(type) {
	case *api.ResponseMessage:
		if h.OnResponse != nil {
			h.OnResponse(m)
			return
		}
		slog.Warn("Dropped unsolicited engine response",
			log.SandboxID(c.id),
			log.Status(m.Status))
	case *api.StdoutMessage:
		if h.OnStdout != nil {
			h.OnStdout(m.Message)
		}
	case *api.StderrMessage:
		if h.OnStderr != nil {
			h.OnStderr(m.Message)
		}
	case *api.ProgressMessage:
		c.handleProgress(h, m)
	}
}

func (c *Conn) handleProgress(h Handlers, m *api.ProgressMessage) {
	if h.OnProgress != nil {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := h.OnProgress(ctx, m)
		cancel()
		if err != nil {
			slog.Error("Progress update failed",
				log.SandboxID(c.id),
				log.Error(err))
		}
	}
	if err := c.write(api.NewProgressAck(m.RequestID)); err != nil {
		slog.Error("Progress ack failed",
			log.SandboxID(c.id),
			log.Error(err))
	}
}

func (c *Conn) write(env *api.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

func (c *Conn) sendPing() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil) == nil
}

func (c *Conn) setHandlers(h *Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *Conn) currentHandlers() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		return Handlers{}
	}
	return *c.handlers
}
