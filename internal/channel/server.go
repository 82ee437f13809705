package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
)

type (
	// Server tracks the live control connection of every sandbox
	Server struct {
		mu      sync.Mutex
		conns   map[api.SandboxID]*Conn
		waiters map[api.SandboxID][]chan struct{}
	}

	// Handlers receive the messages a sandbox sends. Nil handlers drop their
	// messages. OnProgress returns before the progress update is acked
	Handlers struct {
		OnResponse func(*api.ResponseMessage)
		OnStdout   func(string)
		OnStderr   func(string)
		OnProgress func(context.Context, *api.ProgressMessage) error
	}
)

// QueryParamSandboxID names the query parameter a sandbox identifies itself
// with when connecting
const QueryParamSandboxID = "sandbox_id"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024 * 1024
	wsBufferSize   = 4096
)

var (
	ErrNotConnected     = errors.New("sandbox not connected")
	ErrConnectTimeout   = errors.New("timed out waiting for sandbox")
	ErrSandboxIDMissing = errors.New("sandbox id is required")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// NewServer creates an empty control channel server
func NewServer() *Server {
	return &Server{
		conns:   map[api.SandboxID]*Conn{},
		waiters: map[api.SandboxID][]chan struct{}{},
	}
}

// Handle upgrades a sandbox connection request on the gin router
func (s *Server) Handle(c *gin.Context) {
	s.HandleConnect(c.Writer, c.Request)
}

// HandleConnect upgrades an HTTP request from a sandbox to a control
// connection. A second connection for the same sandbox id replaces the first
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	id := api.SandboxID(r.URL.Query().Get(QueryParamSandboxID))
	if id == "" {
		http.Error(w, ErrSandboxIDMissing.Error(), http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed",
			log.SandboxID(id),
			log.Error(err))
		return
	}

	conn := newConn(s, id, ws)
	s.register(conn)
	go conn.run()
}

// Send delivers an envelope to the sandbox
func (s *Server) Send(id api.SandboxID, env *api.Envelope) error {
	conn, ok := s.conn(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return conn.write(env)
}

// SendOperation delivers an operation for the sandbox to execute
func (s *Server) SendOperation(
	id api.SandboxID, t api.OperationType, op api.Operation,
) error {
	env, err := api.NewOperationEnvelope(t, op)
	if err != nil {
		return err
	}
	return s.Send(id, env)
}

// Subscribe installs the handlers for the sandbox's current connection,
// replacing any previous handlers
func (s *Server) Subscribe(id api.SandboxID, h Handlers) error {
	conn, ok := s.conn(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	conn.setHandlers(&h)
	return nil
}

// Unsubscribe removes the handlers of the sandbox's current connection
func (s *Server) Unsubscribe(id api.SandboxID) {
	if conn, ok := s.conn(id); ok {
		conn.setHandlers(nil)
	}
}

// IsConnected reports whether the sandbox has a live connection
func (s *Server) IsConnected(id api.SandboxID) bool {
	_, ok := s.conn(id)
	return ok
}

// WaitForConnect blocks until the sandbox connects, the timeout elapses, or
// the context is cancelled
func (s *Server) WaitForConnect(
	ctx context.Context, id api.SandboxID, timeout time.Duration,
) error {
	s.mu.Lock()
	if _, ok := s.conns[id]; ok {
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.waiters[id] = append(s.waiters[id], ready)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-timer.C:
		s.dropWaiter(id, ready)
		return fmt.Errorf("%w: %s after %s", ErrConnectTimeout, id, timeout)
	case <-ctx.Done():
		s.dropWaiter(id, ready)
		return ctx.Err()
	}
}

// Disconnect closes the sandbox's connection, if any
func (s *Server) Disconnect(id api.SandboxID) {
	if conn, ok := s.conn(id); ok {
		conn.Close()
	}
}

// Close closes every live connection
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) conn(id api.SandboxID) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	prev := s.conns[c.id]
	s.conns[c.id] = c
	waiters := s.waiters[c.id]
	delete(s.waiters, c.id)
	s.mu.Unlock()

	if prev != nil {
		slog.Warn("Sandbox reconnected, closing previous connection",
			log.SandboxID(c.id))
		prev.setHandlers(nil)
		prev.Close()
	}
	for _, w := range waiters {
		close(w)
	}
	slog.Debug("Sandbox connected", log.SandboxID(c.id))
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
		slog.Debug("Sandbox disconnected", log.SandboxID(c.id))
	}
}

func (s *Server) dropWaiter(id api.SandboxID, ready chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[id]
	for i, w := range ws {
		if w == ready {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(s.waiters, id)
		return
	}
	s.waiters[id] = ws
}
